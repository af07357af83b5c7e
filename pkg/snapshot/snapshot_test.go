package snapshot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/pulp"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/types"
	"github.com/G-Research/Pulp-manager/pkg/vault"
)

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "pre2026q3-", NormalizePrefix("PRE2026Q3"))
	assert.Equal(t, "pre2026q3-", NormalizePrefix("pre2026q3-"))
	assert.Equal(t, "snap-", NormalizePrefix("Snap"))
}

func seedSnapshotFixtures(t *testing.T, store storage.Store, serverName, repoType string) (*types.PulpServer, *types.PulpServerRepo) {
	t.Helper()
	server := &types.PulpServer{Name: serverName, SnapshotSupported: true}
	require.NoError(t, store.CreatePulpServer(server))
	repo := &types.Repo{Name: "el7-base", RepoType: repoType}
	require.NoError(t, store.CreateRepo(repo))
	serverRepo := &types.PulpServerRepo{
		PulpServerID: server.ID,
		RepoID:       repo.ID,
		RepoHref:     "/pulp/api/v3/repositories/rpm/rpm/111/",
	}
	require.NoError(t, store.CreatePulpServerRepo(serverRepo))
	return server, serverRepo
}

func TestSelectSourcesRejectsExistingPrefix(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	server, _ := seedSnapshotFixtures(t, store, "pulp1.example.com", "rpm")
	snap := &types.Repo{Name: "pre2026q3-el7-base", RepoType: "rpm"}
	require.NoError(t, store.CreateRepo(snap))
	require.NoError(t, store.CreatePulpServerRepo(&types.PulpServerRepo{
		PulpServerID: server.ID,
		RepoID:       snap.ID,
	}))

	snapshotter := New(store, config.PulpConfig{}, "worker-test")
	_, err = snapshotter.selectSources(server, "pre2026q3-", false, "", "")
	require.Error(t, err)
	assert.Equal(t, "snapshots with prefix pre2026q3- already exist", err.Error())
}

func TestSelectSourcesReuseToleratesExistingPrefix(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	server, _ := seedSnapshotFixtures(t, store, "pulp1.example.com", "rpm")
	snap := &types.Repo{Name: "pre2026q3-el7-base", RepoType: "rpm"}
	require.NoError(t, store.CreateRepo(snap))
	require.NoError(t, store.CreatePulpServerRepo(&types.PulpServerRepo{
		PulpServerID: server.ID,
		RepoID:       snap.ID,
	}))

	snapshotter := New(store, config.PulpConfig{}, "worker-test")
	selected, err := snapshotter.selectSources(server, "pre2026q3-", true, "", "")
	require.NoError(t, err)

	// the existing snapshot is a destination, only the source is selected
	require.Len(t, selected, 1)
	assert.Equal(t, "el7-base", selected[0].repo.Name)
}

func TestSelectSourcesRejectsContainerRepos(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	server, _ := seedSnapshotFixtures(t, store, "pulp1.example.com", "container")

	snapshotter := New(store, config.PulpConfig{}, "worker-test")
	_, err = snapshotter.selectSources(server, "snap-", false, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be snapshotted")
}

func TestSelectSourcesSkipsUnsupportedTypes(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	server, _ := seedSnapshotFixtures(t, store, "pulp1.example.com", "file")

	snapshotter := New(store, config.PulpConfig{}, "worker-test")
	selected, err := snapshotter.selectSources(server, "snap-", false, "", "")
	require.NoError(t, err)
	assert.Empty(t, selected)
}

const sourceRepoHref = "/pulp/api/v3/repositories/rpm/rpm/111/"
const destRepoHref = "/pulp/api/v3/repositories/rpm/rpm/900/"

// fakeSnapshotBackend serves enough of the backend API for a snapshot
// run: list endpoints for the reconcile pass, name-filtered repository
// lookups, and the copy/publish/distribute task flow.
type fakeSnapshotBackend struct {
	repos           []map[string]interface{}
	failRepoHrefs   map[string]bool
	createdRepoName string
	copied          bool
	distributed     bool
}

func newFakeSnapshotBackend() *fakeSnapshotBackend {
	return &fakeSnapshotBackend{
		repos: []map[string]interface{}{
			{
				"pulp_href":           sourceRepoHref,
				"name":                "el7-base",
				"latest_version_href": sourceRepoHref + "versions/4/",
			},
		},
		failRepoHrefs: map[string]bool{},
	}
}

func (f *fakeSnapshotBackend) repoByHref(href string) map[string]interface{} {
	for _, repo := range f.repos {
		if repo["pulp_href"] == href {
			return repo
		}
	}
	return nil
}

func (f *fakeSnapshotBackend) handler() http.Handler {
	write := func(w http.ResponseWriter, v interface{}) {
		json.NewEncoder(w).Encode(v)
	}
	completedTask := func(href string, created ...string) map[string]interface{} {
		if created == nil {
			created = []string{}
		}
		return map[string]interface{}{"pulp_href": href, "state": "completed", "created_resources": created}
	}
	emptyList := map[string]interface{}{"next": nil, "results": []map[string]interface{}{}}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/pulp/api/v3/repositories/":
			name := r.URL.Query().Get("name")
			results := []map[string]interface{}{}
			for _, repo := range f.repos {
				if name == "" || repo["name"] == name {
					results = append(results, repo)
				}
			}
			write(w, map[string]interface{}{"next": nil, "results": results})
		case r.Method == http.MethodGet && r.URL.Path == "/pulp/api/v3/remotes/":
			write(w, emptyList)
		case r.Method == http.MethodGet && r.URL.Path == "/pulp/api/v3/distributions/":
			write(w, emptyList)
		case r.Method == http.MethodPost && r.URL.Path == "/pulp/api/v3/repositories/rpm/rpm/":
			var payload map[string]interface{}
			json.NewDecoder(r.Body).Decode(&payload)
			f.createdRepoName, _ = payload["name"].(string)
			created := map[string]interface{}{
				"pulp_href":           destRepoHref,
				"name":                f.createdRepoName,
				"latest_version_href": destRepoHref + "versions/1/",
			}
			f.repos = append(f.repos, created)
			write(w, created)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/pulp/api/v3/repositories/rpm/"):
			if f.failRepoHrefs[r.URL.Path] {
				http.Error(w, "backend exploded", http.StatusInternalServerError)
				return
			}
			repo := f.repoByHref(r.URL.Path)
			if repo == nil {
				http.NotFound(w, r)
				return
			}
			write(w, repo)
		case r.Method == http.MethodPost && r.URL.Path == "/pulp/api/v3/rpm/copy/":
			f.copied = true
			write(w, map[string]interface{}{"task": "/pulp/api/v3/tasks/copy1/"})
		case r.URL.Path == "/pulp/api/v3/tasks/copy1/":
			write(w, completedTask(r.URL.Path, destRepoHref+"versions/1/"))
		case r.Method == http.MethodPost && r.URL.Path == "/pulp/api/v3/publications/rpm/rpm/":
			write(w, map[string]interface{}{"task": "/pulp/api/v3/tasks/pub1/"})
		case r.URL.Path == "/pulp/api/v3/tasks/pub1/":
			write(w, completedTask(r.URL.Path, "/pulp/api/v3/publications/rpm/rpm/55/"))
		case r.Method == http.MethodPost && r.URL.Path == "/pulp/api/v3/distributions/rpm/rpm/":
			f.distributed = true
			write(w, map[string]interface{}{"task": "/pulp/api/v3/tasks/dist1/"})
		case r.URL.Path == "/pulp/api/v3/tasks/dist1/":
			write(w, completedTask(r.URL.Path, "/pulp/api/v3/distributions/rpm/rpm/77/"))
		default:
			http.NotFound(w, r)
		}
	})
}

func TestRunSnapshotsRepoEndToEnd(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := newFakeSnapshotBackend()
	ts := httptest.NewServer(backend.handler())
	t.Cleanup(ts.Close)

	server, _ := seedSnapshotFixtures(t, store, strings.TrimPrefix(ts.URL, "http://"), "rpm")

	snapshotter := New(store, config.PulpConfig{}, "worker-test")
	snapshotter.clientFor = func(s *types.PulpServer) (*pulp.Client, error) {
		return pulp.NewClient(pulp.ClientConfig{
			Address:     s.Name,
			Username:    "admin",
			Credentials: vault.NewStaticProvider("password"),
		}), nil
	}

	service := taskmanager.NewService(store)
	parent, err := service.CreateTask(server.Name+" repo snapshot pre2026q3-",
		types.TaskTypeRepoSnapshot, nil, map[string]interface{}{
			"pulp_server_id": float64(server.ID),
			"prefix":         "PRE2026Q3",
		})
	require.NoError(t, err)

	require.NoError(t, snapshotter.Run(context.Background(), parent))

	assert.Equal(t, "pre2026q3-el7-base", backend.createdRepoName)
	assert.True(t, backend.copied)
	assert.True(t, backend.distributed)

	children, err := store.ListTasksByParent(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, types.TaskStateCompleted, child.State)

	stages, err := service.ListStages(child.ID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "repo snapshot", stages[0].Name)
	assert.Equal(t, types.TaskStateCompleted, stages[0].State)
	assert.Equal(t, "repo publication", stages[1].Name)
	assert.Equal(t, types.TaskStateCompleted, stages[1].State)

	// the snapshot landed in the inventory
	snapRepo, err := store.GetRepoByName("pre2026q3-el7-base")
	require.NoError(t, err)
	assert.Equal(t, "rpm", snapRepo.RepoType)
	snapServerRepo, err := store.GetPulpServerRepoByPair(server.ID, snapRepo.ID)
	require.NoError(t, err)
	assert.Equal(t, destRepoHref, snapServerRepo.RepoHref)

	// source and snapshot are both linked to the task
	links, err := store.ListPulpServerRepoTasks(child.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	parentStages, err := service.ListStages(parent.ID)
	require.NoError(t, err)
	require.Len(t, parentStages, 2)
	assert.Equal(t, "reconcile repos", parentStages[0].Name)
	assert.Equal(t, "snapshot repos", parentStages[1].Name)
	assert.Equal(t, types.TaskStateCompleted, parentStages[1].State)
}

func TestRunContinuesPastFailedSnapshot(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := newFakeSnapshotBackend()
	extraHref := "/pulp/api/v3/repositories/rpm/rpm/112/"
	backend.repos = append(backend.repos, map[string]interface{}{
		"pulp_href":           extraHref,
		"name":                "el7-extra",
		"latest_version_href": extraHref + "versions/2/",
	})
	backend.failRepoHrefs[extraHref] = true
	ts := httptest.NewServer(backend.handler())
	t.Cleanup(ts.Close)

	server, _ := seedSnapshotFixtures(t, store, strings.TrimPrefix(ts.URL, "http://"), "rpm")
	extra := &types.Repo{Name: "el7-extra", RepoType: "rpm"}
	require.NoError(t, store.CreateRepo(extra))
	require.NoError(t, store.CreatePulpServerRepo(&types.PulpServerRepo{
		PulpServerID: server.ID,
		RepoID:       extra.ID,
		RepoHref:     extraHref,
	}))

	snapshotter := New(store, config.PulpConfig{}, "worker-test")
	snapshotter.clientFor = func(s *types.PulpServer) (*pulp.Client, error) {
		return pulp.NewClient(pulp.ClientConfig{
			Address:     s.Name,
			Username:    "admin",
			Credentials: vault.NewStaticProvider("password"),
		}), nil
	}

	service := taskmanager.NewService(store)
	parent, err := service.CreateTask(server.Name+" repo snapshot pre2026q3-",
		types.TaskTypeRepoSnapshot, nil, map[string]interface{}{
			"pulp_server_id": float64(server.ID),
			"prefix":         "pre2026q3-",
		})
	require.NoError(t, err)

	err = snapshotter.Run(context.Background(), parent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 snapshots failed")

	children, err := store.ListTasksByParent(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	states := map[types.TaskState]int{}
	for _, child := range children {
		states[child.State]++
	}
	assert.Equal(t, 1, states[types.TaskStateCompleted])
	assert.Equal(t, 1, states[types.TaskStateFailed])
}

func TestPublishDestFlatDeb(t *testing.T) {
	const destHref = "/pulp/api/v3/repositories/deb/apt/201/"
	const remoteHref = "/pulp/api/v3/remotes/deb/apt/202/"

	var pubBody map[string]interface{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		write := func(v interface{}) { json.NewEncoder(w).Encode(v) }
		switch {
		case r.Method == http.MethodGet && r.URL.Path == destHref:
			write(map[string]interface{}{
				"pulp_href":           destHref,
				"name":                "snap-debian-flat",
				"latest_version_href": destHref + "versions/1/",
			})
		case r.Method == http.MethodGet && r.URL.Path == remoteHref:
			write(map[string]interface{}{
				"pulp_href":     remoteHref,
				"url":           "https://flat.example.com/debs/",
				"distributions": "/",
			})
		case r.Method == http.MethodPost && r.URL.Path == "/pulp/api/v3/publications/deb/apt/":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&pubBody))
			write(map[string]interface{}{"task": "/pulp/api/v3/tasks/pub1/"})
		case r.URL.Path == "/pulp/api/v3/tasks/pub1/":
			write(map[string]interface{}{
				"pulp_href":         r.URL.Path,
				"state":             "completed",
				"created_resources": []string{"/pulp/api/v3/publications/deb/apt/9/"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	snapshotter := &Snapshotter{pollInterval: time.Millisecond, maxWaitCount: 10}
	client := pulp.NewClient(pulp.ClientConfig{
		Address:     strings.TrimPrefix(backend.URL, "http://"),
		Username:    "admin",
		Credentials: vault.NewStaticProvider("password"),
	})

	src := &source{
		repo:       &types.Repo{Name: "debian-flat", RepoType: "deb"},
		serverRepo: &types.PulpServerRepo{RemoteHref: remoteHref},
	}
	href, err := snapshotter.publishDest(context.Background(), client, src, destHref)
	require.NoError(t, err)
	assert.Equal(t, "/pulp/api/v3/publications/deb/apt/9/", href)

	// the snapshot mirrors the flat layout of its source
	assert.Equal(t, false, pubBody["structured"])
	assert.Equal(t, true, pubBody["simple"])
}
