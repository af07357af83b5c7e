package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/pulp"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/types"
	"github.com/G-Research/Pulp-manager/pkg/vault"
)

type fakeBackend struct {
	repositories  []map[string]interface{}
	remotes       []map[string]interface{}
	distributions []map[string]interface{}
}

func (f *fakeBackend) handler() http.Handler {
	page := func(w http.ResponseWriter, results []map[string]interface{}) {
		if results == nil {
			results = []map[string]interface{}{}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count":   len(results),
			"next":    nil,
			"results": results,
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/pulp/api/v3/repositories/"):
			page(w, f.repositories)
		case strings.HasPrefix(r.URL.Path, "/pulp/api/v3/remotes/"):
			page(w, f.remotes)
		case strings.HasPrefix(r.URL.Path, "/pulp/api/v3/distributions/"):
			page(w, f.distributions)
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestReconciler(t *testing.T, backend *fakeBackend) (*Reconciler, storage.Store, *types.PulpServer) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := httptest.NewServer(backend.handler())
	t.Cleanup(ts.Close)

	server := &types.PulpServer{Name: strings.TrimPrefix(ts.URL, "http://")}
	require.NoError(t, store.CreatePulpServer(server))

	reconciler := New(store, config.PulpConfig{})
	reconciler.clientFor = func(s *types.PulpServer) (*pulp.Client, error) {
		return pulp.NewClient(pulp.ClientConfig{
			Address:     s.Name,
			Username:    "admin",
			Credentials: vault.NewStaticProvider("password"),
		}), nil
	}
	return reconciler, store, server
}

func runReconcile(t *testing.T, reconciler *Reconciler, store storage.Store, server *types.PulpServer) *types.Task {
	t.Helper()
	task, err := taskmanager.NewService(store).CreateTask(server.Name+" reconcile",
		types.TaskTypePulpServerReconcile, nil,
		map[string]interface{}{"pulp_server_id": float64(server.ID)})
	require.NoError(t, err)
	require.NoError(t, reconciler.Run(context.Background(), task))
	return task
}

func TestReconcileAddsRepos(t *testing.T) {
	backend := &fakeBackend{
		repositories: []map[string]interface{}{
			{
				"pulp_href": "/pulp/api/v3/repositories/rpm/rpm/111/",
				"name":      "el7-base",
				"remote":    "/pulp/api/v3/remotes/rpm/rpm/222/",
			},
			{
				"pulp_href": "/pulp/api/v3/repositories/deb/apt/333/",
				"name":      "ubuntu-focal",
			},
		},
		remotes: []map[string]interface{}{
			{
				"pulp_href": "/pulp/api/v3/remotes/rpm/rpm/222/",
				"name":      "el7-base",
				"url":       "https://mirror.example.com/el7/",
			},
		},
		distributions: []map[string]interface{}{
			{
				"pulp_href":  "/pulp/api/v3/distributions/rpm/rpm/444/",
				"name":       "el7-base",
				"base_path":  "el7-base",
				"repository": "/pulp/api/v3/repositories/rpm/rpm/111/",
			},
		},
	}
	reconciler, store, server := newTestReconciler(t, backend)

	task := runReconcile(t, reconciler, store, server)

	repo, err := store.GetRepoByName("el7-base")
	require.NoError(t, err)
	assert.Equal(t, "rpm", repo.RepoType)

	serverRepo, err := store.GetPulpServerRepoByPair(server.ID, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "/pulp/api/v3/repositories/rpm/rpm/111/", serverRepo.RepoHref)
	assert.Equal(t, "/pulp/api/v3/remotes/rpm/rpm/222/", serverRepo.RemoteHref)
	assert.Equal(t, "https://mirror.example.com/el7/", serverRepo.RemoteFeed)
	assert.Equal(t, "/pulp/api/v3/distributions/rpm/rpm/444/", serverRepo.DistributionHref)

	deb, err := store.GetRepoByName("ubuntu-focal")
	require.NoError(t, err)
	assert.Equal(t, "deb", deb.RepoType)

	stages, err := taskmanager.NewService(store).ListStages(task.ID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "reconcile repos", stages[0].Name)
	assert.Equal(t, types.TaskStateCompleted, stages[0].State)
	assert.Equal(t, "2 repos added, 0 updated, 0 removed", stages[0].Detail["msg"])
}

func TestReconcileUpdatesChangedHrefs(t *testing.T) {
	backend := &fakeBackend{
		repositories: []map[string]interface{}{
			{
				"pulp_href": "/pulp/api/v3/repositories/rpm/rpm/111/",
				"name":      "el7-base",
				"remote":    "/pulp/api/v3/remotes/rpm/rpm/999/",
			},
		},
		remotes: []map[string]interface{}{
			{
				"pulp_href": "/pulp/api/v3/remotes/rpm/rpm/999/",
				"url":       "https://mirror.example.com/el7-new/",
			},
		},
	}
	reconciler, store, server := newTestReconciler(t, backend)

	repo := &types.Repo{Name: "el7-base", RepoType: "rpm"}
	require.NoError(t, store.CreateRepo(repo))
	require.NoError(t, store.CreatePulpServerRepo(&types.PulpServerRepo{
		PulpServerID: server.ID,
		RepoID:       repo.ID,
		RepoHref:     "/pulp/api/v3/repositories/rpm/rpm/111/",
		RemoteHref:   "/pulp/api/v3/remotes/rpm/rpm/222/",
		RemoteFeed:   "https://mirror.example.com/el7/",
	}))

	runReconcile(t, reconciler, store, server)

	serverRepo, err := store.GetPulpServerRepoByPair(server.ID, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "/pulp/api/v3/remotes/rpm/rpm/999/", serverRepo.RemoteHref)
	assert.Equal(t, "https://mirror.example.com/el7-new/", serverRepo.RemoteFeed)
}

func TestReconcileRemovesGoneReposKeepsSharedRow(t *testing.T) {
	backend := &fakeBackend{}
	reconciler, store, server := newTestReconciler(t, backend)

	repo := &types.Repo{Name: "el7-base", RepoType: "rpm"}
	require.NoError(t, store.CreateRepo(repo))
	require.NoError(t, store.CreatePulpServerRepo(&types.PulpServerRepo{
		PulpServerID: server.ID,
		RepoID:       repo.ID,
		RepoHref:     "/pulp/api/v3/repositories/rpm/rpm/111/",
	}))

	runReconcile(t, reconciler, store, server)

	_, err := store.GetPulpServerRepoByPair(server.ID, repo.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// the shared repo row survives, other servers may still carry it
	_, err = store.GetRepoByName("el7-base")
	assert.NoError(t, err)
}

func TestReconcileRejectsRepoTypeChange(t *testing.T) {
	backend := &fakeBackend{
		repositories: []map[string]interface{}{
			{
				"pulp_href": "/pulp/api/v3/repositories/deb/apt/333/",
				"name":      "el7-base",
			},
		},
	}
	reconciler, store, server := newTestReconciler(t, backend)

	repo := &types.Repo{Name: "el7-base", RepoType: "rpm"}
	require.NoError(t, store.CreateRepo(repo))

	_, _, _, err := reconciler.ReconcileServer(context.Background(), server)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered as rpm but the backend reports deb")

	// the inventory row is left untouched
	got, err := store.GetRepoByName("el7-base")
	require.NoError(t, err)
	assert.Equal(t, "rpm", got.RepoType)
}

func TestReconcileSkipsUnrecognisedHrefs(t *testing.T) {
	backend := &fakeBackend{
		repositories: []map[string]interface{}{
			{"pulp_href": "/not/a/pulp/href/", "name": "weird"},
		},
	}
	reconciler, store, server := newTestReconciler(t, backend)

	runReconcile(t, reconciler, store, server)

	_, err := store.GetRepoByName("weird")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
