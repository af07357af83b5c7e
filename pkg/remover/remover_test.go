package remover

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

// fakeRemovalBackend records deletions and answers the post-removal
// reconcile with an empty inventory.
type fakeRemovalBackend struct {
	deleted []string
}

func (f *fakeRemovalBackend) handler() http.Handler {
	write := func(w http.ResponseWriter, v interface{}) {
		json.NewEncoder(w).Encode(v)
	}
	empty := map[string]interface{}{"next": nil, "results": []map[string]interface{}{}}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			f.deleted = append(f.deleted, r.URL.Path)
			write(w, map[string]interface{}{"task": "/pulp/api/v3/tasks/del1/"})
		case r.URL.Path == "/pulp/api/v3/tasks/del1/":
			write(w, map[string]interface{}{
				"pulp_href": r.URL.Path, "state": "completed", "created_resources": []string{},
			})
		case r.URL.Path == "/pulp/api/v3/repositories/" ||
			r.URL.Path == "/pulp/api/v3/remotes/" ||
			r.URL.Path == "/pulp/api/v3/distributions/":
			write(w, empty)
		default:
			http.NotFound(w, r)
		}
	})
}

func newRemovalFixture(t *testing.T) (*Remover, storage.Store, *types.PulpServer, *fakeRemovalBackend) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := &fakeRemovalBackend{}
	ts := httptest.NewServer(backend.handler())
	t.Cleanup(ts.Close)

	server := &types.PulpServer{Name: strings.TrimPrefix(ts.URL, "http://")}
	require.NoError(t, store.CreatePulpServer(server))

	remover := New(store, config.PulpConfig{}, "worker-test")
	remover.pollInterval = time.Millisecond
	clientFor := func(s *types.PulpServer) (*pulp.Client, error) {
		return pulp.NewClient(pulp.ClientConfig{
			Address:     s.Name,
			Username:    "admin",
			Credentials: vault.NewStaticProvider("password"),
		}), nil
	}
	remover.clientFor = clientFor
	remover.reconciler.SetClientFactory(clientFor)
	return remover, store, server, backend
}

func seedRemovalRepo(t *testing.T, store storage.Store, server *types.PulpServer, name string) *types.PulpServerRepo {
	t.Helper()
	repo := &types.Repo{Name: name, RepoType: "rpm"}
	require.NoError(t, store.CreateRepo(repo))
	serverRepo := &types.PulpServerRepo{
		PulpServerID:     server.ID,
		RepoID:           repo.ID,
		RepoHref:         "/pulp/api/v3/repositories/rpm/rpm/" + name + "/",
		RemoteHref:       "/pulp/api/v3/remotes/rpm/rpm/" + name + "/",
		DistributionHref: "/pulp/api/v3/distributions/rpm/rpm/" + name + "/",
	}
	require.NoError(t, store.CreatePulpServerRepo(serverRepo))
	return serverRepo
}

func removalTask(t *testing.T, store storage.Store, server *types.PulpServer,
	include string, dryRun bool) *types.Task {
	t.Helper()
	task, err := taskmanager.NewService(store).CreateTask(server.Name+" repo removal",
		types.TaskTypeRepoRemoval, nil, map[string]interface{}{
			"pulp_server_id": float64(server.ID),
			"regex_include":  include,
			"dry_run":        dryRun,
		})
	require.NoError(t, err)
	return task
}

func TestDryRunRemovalTouchesNothing(t *testing.T) {
	remover, store, server, backend := newRemovalFixture(t)
	seedRemovalRepo(t, store, server, "old-repo")

	task := removalTask(t, store, server, "^old-", true)
	require.NoError(t, remover.RunRepoRemoval(context.Background(), task))

	assert.Empty(t, backend.deleted)

	stages, err := taskmanager.NewService(store).ListStages(task.ID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "get repos for removal (dry run)", stages[0].Name)
	assert.Equal(t, "remove repos (dry run)", stages[1].Name)
	assert.Contains(t, stages[1].Detail["msg"], "would remove 1 repositories")

	// inventory untouched
	_, err = store.GetRepoByName("old-repo")
	assert.NoError(t, err)
}

func TestRemovalDeletesBackendObjectsInOrder(t *testing.T) {
	remover, store, server, backend := newRemovalFixture(t)
	serverRepo := seedRemovalRepo(t, store, server, "old-repo")
	seedRemovalRepo(t, store, server, "keep-repo")

	task := removalTask(t, store, server, "^old-", false)
	require.NoError(t, remover.RunRepoRemoval(context.Background(), task))

	require.Len(t, backend.deleted, 3)
	assert.Equal(t, "/pulp/api/v3/distributions/rpm/rpm/old-repo/", backend.deleted[0])
	assert.Equal(t, "/pulp/api/v3/repositories/rpm/rpm/old-repo/", backend.deleted[1])
	assert.Equal(t, "/pulp/api/v3/remotes/rpm/rpm/old-repo/", backend.deleted[2])

	// the reconcile after removal drops the inventory row
	_, err := store.GetPulpServerRepo(serverRepo.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemovalRequiresMatch(t *testing.T) {
	remover, store, server, _ := newRemovalFixture(t)
	seedRemovalRepo(t, store, server, "keep-repo")

	task := removalTask(t, store, server, "^nothing-matches-", true)
	err := remover.RunRepoRemoval(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no repositories found")
}

func TestRemovalRequiresRegex(t *testing.T) {
	remover, store, server, _ := newRemovalFixture(t)

	task, err := taskmanager.NewService(store).CreateTask("removal", types.TaskTypeRepoRemoval, nil,
		map[string]interface{}{"pulp_server_id": float64(server.ID)})
	require.NoError(t, err)

	err = remover.RunRepoRemoval(context.Background(), task)
	assert.Error(t, err)
}
