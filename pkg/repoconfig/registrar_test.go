package repoconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/queue"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

func newRegistrarFixture(t *testing.T, configContent string) (*Registrar, storage.Store, *queue.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	broker := queue.NewBroker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	path := filepath.Join(t.TempDir(), "sync.yml")
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o600))

	jobs := taskmanager.NewJobManager(store, broker, &config.Config{})
	return NewRegistrar(store, jobs, path), store, broker
}

func registrationTask(t *testing.T, store storage.Store) *types.Task {
	t.Helper()
	task, err := taskmanager.NewService(store).CreateTask("repo config registration",
		types.TaskTypeRepoConfigRegistration, nil, map[string]interface{}{})
	require.NoError(t, err)
	return task
}

func TestRunRegistersEverything(t *testing.T) {
	registrar, store, broker := newRegistrarFixture(t, validConfig)
	ctx := context.Background()

	task := registrationTask(t, store)
	require.NoError(t, registrar.Run(ctx, task))

	group, err := store.GetRepoGroupByName("el7")
	require.NoError(t, err)
	assert.Equal(t, "^el7-", group.RegexInclude)

	server, err := store.GetPulpServerByName("pulp1.example.com")
	require.NoError(t, err)
	assert.Equal(t, "svc-pulp", server.Username)
	assert.Equal(t, "service-accounts", server.VaultServiceAccountMount)
	assert.True(t, server.SnapshotSupported)
	assert.Equal(t, 2, server.MaxConcurrentSnapshots)
	assert.NotNil(t, server.RepoConfigRegistrationDate)

	serverGroup, err := store.GetPulpServerRepoGroupByPair(server.ID, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", serverGroup.Schedule)
	assert.Equal(t, 4, serverGroup.MaxConcurrentSyncs)
	assert.Equal(t, 7200, serverGroup.MaxRuntime)

	schedules, err := broker.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "pulp1.example.com:el7", schedules[0].ID)

	stages, err := taskmanager.NewService(store).ListStages(task.ID)
	require.NoError(t, err)
	require.Len(t, stages, 3)
	for _, stage := range stages {
		assert.Equal(t, types.TaskStateCompleted, stage.State)
	}
}

func TestRunRemovesUnconfiguredGroups(t *testing.T) {
	registrar, store, _ := newRegistrarFixture(t, validConfig)

	stale := &types.RepoGroup{Name: "stale-group", RegexInclude: "^stale-"}
	require.NoError(t, store.CreateRepoGroup(stale))

	require.NoError(t, registrar.Run(context.Background(), registrationTask(t, store)))

	_, err := store.GetRepoGroupByName("stale-group")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetRepoGroupByName("el7")
	assert.NoError(t, err)
}

func TestRunUpdatesChangedGroupRegistration(t *testing.T) {
	registrar, store, _ := newRegistrarFixture(t, validConfig)
	ctx := context.Background()

	require.NoError(t, registrar.Run(ctx, registrationTask(t, store)))

	// tighten the schedule and re-run
	changed := `
pulp_servers:
  pulp1.example.com:
    credentials: prod
    repo_groups:
      el7:
        schedule: "0 6 * * *"
        max_concurrent_syncs: 2
        max_runtime: 1h
credentials:
  prod:
    username: svc-pulp
    vault_service_account_mount: service-accounts
repo_groups:
  el7:
    regex_include: "^el7-"
`
	require.NoError(t, os.WriteFile(registrar.configPath, []byte(changed), 0o600))
	require.NoError(t, registrar.Run(ctx, registrationTask(t, store)))

	server, err := store.GetPulpServerByName("pulp1.example.com")
	require.NoError(t, err)
	assert.False(t, server.SnapshotSupported)
	assert.Equal(t, 0, server.MaxConcurrentSnapshots)

	group, err := store.GetRepoGroupByName("el7")
	require.NoError(t, err)
	serverGroup, err := store.GetPulpServerRepoGroupByPair(server.ID, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 6 * * *", serverGroup.Schedule)
	assert.Equal(t, 2, serverGroup.MaxConcurrentSyncs)
	assert.Equal(t, 3600, serverGroup.MaxRuntime)
}

const masterSlaveConfig = `
pulp_servers:
  pulpmaster.example.com:
    credentials: prod
    repo_groups:
      el7:
        max_concurrent_syncs: 1
        max_runtime: 1h
  pulp1.example.com:
    credentials: prod
    repo_config_registration:
      schedule: "0 1 * * *"
      max_runtime: 30m
      regex_include: "^el7-"
    repo_groups:
      el7:
        schedule: "0 3 * * *"
        max_concurrent_syncs: 2
        max_runtime: 1h
        pulp_master: pulpmaster.example.com
credentials:
  prod:
    username: svc-pulp
    vault_service_account_mount: service-accounts
repo_groups:
  el7:
    regex_include: "^el7-"
`

func TestRunRegistersPulpMasterBinding(t *testing.T) {
	registrar, store, broker := newRegistrarFixture(t, masterSlaveConfig)
	ctx := context.Background()

	require.NoError(t, registrar.Run(ctx, registrationTask(t, store)))

	master, err := store.GetPulpServerByName("pulpmaster.example.com")
	require.NoError(t, err)
	slave, err := store.GetPulpServerByName("pulp1.example.com")
	require.NoError(t, err)
	group, err := store.GetRepoGroupByName("el7")
	require.NoError(t, err)

	serverGroup, err := store.GetPulpServerRepoGroupByPair(slave.ID, group.ID)
	require.NoError(t, err)
	require.NotNil(t, serverGroup.PulpMasterID)
	assert.Equal(t, master.ID, *serverGroup.PulpMasterID)

	masterGroup, err := store.GetPulpServerRepoGroupByPair(master.ID, group.ID)
	require.NoError(t, err)
	assert.Nil(t, masterGroup.PulpMasterID)

	// the registration block lands on the server row and its schedule
	assert.Equal(t, "0 1 * * *", slave.RepoConfigRegistrationSchedule)
	assert.Equal(t, 1800, slave.RepoConfigRegistrationMaxRuntime)
	assert.Equal(t, "^el7-", slave.RepoConfigRegistrationRegexInclude)

	schedules, err := broker.ListSchedules(ctx)
	require.NoError(t, err)
	ids := make([]string, len(schedules))
	for i, schedule := range schedules {
		ids[i] = schedule.ID
	}
	assert.Contains(t, ids, "pulp1.example.com:el7")
	assert.Contains(t, ids, "pulp1.example.com:repo_config_registration")

	for _, schedule := range schedules {
		if schedule.ID == "pulp1.example.com:el7" {
			assert.Equal(t, "pulpmaster.example.com", schedule.Args["source_pulp_server_name"])
		}
	}
}

func TestRunClearsDroppedPulpMaster(t *testing.T) {
	registrar, store, _ := newRegistrarFixture(t, masterSlaveConfig)
	ctx := context.Background()

	require.NoError(t, registrar.Run(ctx, registrationTask(t, store)))

	require.NoError(t, os.WriteFile(registrar.configPath, []byte(validConfig), 0o600))
	require.NoError(t, registrar.Run(ctx, registrationTask(t, store)))

	slave, err := store.GetPulpServerByName("pulp1.example.com")
	require.NoError(t, err)
	group, err := store.GetRepoGroupByName("el7")
	require.NoError(t, err)
	serverGroup, err := store.GetPulpServerRepoGroupByPair(slave.ID, group.ID)
	require.NoError(t, err)
	assert.Nil(t, serverGroup.PulpMasterID)
	assert.Empty(t, slave.RepoConfigRegistrationSchedule)
}
