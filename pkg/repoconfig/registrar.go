package repoconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/G-Research/Pulp-manager/pkg/log"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// Registrar applies a sync config to the inventory: repo groups first,
// then servers and their group registrations, then the cron schedules.
// Everything not in the config is unregistered.
type Registrar struct {
	store      storage.Store
	tasks      *taskmanager.Service
	jobs       *taskmanager.JobManager
	configPath string
}

// NewRegistrar creates a registrar reading the sync config at configPath.
func NewRegistrar(store storage.Store, jobs *taskmanager.JobManager, configPath string) *Registrar {
	return &Registrar{
		store:      store,
		tasks:      taskmanager.NewService(store),
		jobs:       jobs,
		configPath: configPath,
	}
}

// Run executes a repo config registration task.
func (r *Registrar) Run(ctx context.Context, task *types.Task) error {
	cfg, err := Load(r.configPath)
	if err != nil {
		return err
	}

	// repo groups
	stage, err := r.tasks.AddStage(task.ID, "register repo groups")
	if err != nil {
		return err
	}
	added, updated, removed, err := r.applyRepoGroups(cfg)
	if err != nil {
		return r.failStage(stage, err)
	}
	if err := r.tasks.CompleteStage(stage, map[string]interface{}{
		"msg": fmt.Sprintf("%d groups added, %d updated, %d removed", added, updated, removed),
	}); err != nil {
		return err
	}

	// pulp servers
	stage, err = r.tasks.AddStage(task.ID, "register pulp servers")
	if err != nil {
		return err
	}
	if err := r.applyServers(cfg); err != nil {
		return r.failStage(stage, err)
	}
	if err := r.tasks.CompleteStage(stage, map[string]interface{}{
		"msg": fmt.Sprintf("%d pulp servers registered", len(cfg.PulpServers)),
	}); err != nil {
		return err
	}

	// schedules
	stage, err = r.tasks.AddStage(task.ID, "register schedules")
	if err != nil {
		return err
	}
	for serverName := range cfg.PulpServers {
		if err := r.jobs.SetupSchedules(ctx, serverName); err != nil {
			return r.failStage(stage, fmt.Errorf("schedules for %s: %w", serverName, err))
		}
	}
	return r.tasks.CompleteStage(stage, nil)
}

func (r *Registrar) failStage(stage *types.TaskStage, err error) error {
	if stageErr := r.tasks.FailStage(stage, map[string]interface{}{"msg": err.Error()}); stageErr != nil {
		log.Logger.Error().Err(stageErr).Msg("failed to record stage failure")
	}
	return err
}

// applyRepoGroups diffs the config's repo groups against the store.
func (r *Registrar) applyRepoGroups(cfg *SyncConfig) (added, updated, removed int, err error) {
	existing, err := r.store.ListRepoGroups()
	if err != nil {
		return 0, 0, 0, err
	}
	existingByName := make(map[string]*types.RepoGroup, len(existing))
	for _, group := range existing {
		existingByName[group.Name] = group
	}

	for _, name := range sortedKeys(cfg.RepoGroups) {
		groupCfg := cfg.RepoGroups[name]
		group, ok := existingByName[name]
		if !ok {
			if err := r.store.CreateRepoGroup(&types.RepoGroup{
				Name:         name,
				RegexInclude: groupCfg.RegexInclude,
				RegexExclude: groupCfg.RegexExclude,
			}); err != nil {
				return added, updated, removed, err
			}
			added++
			continue
		}
		if group.RegexInclude != groupCfg.RegexInclude || group.RegexExclude != groupCfg.RegexExclude {
			group.RegexInclude = groupCfg.RegexInclude
			group.RegexExclude = groupCfg.RegexExclude
			if err := r.store.UpdateRepoGroup(group); err != nil {
				return added, updated, removed, err
			}
			updated++
		}
	}

	for name, group := range existingByName {
		if _, ok := cfg.RepoGroups[name]; ok {
			continue
		}
		if err := r.store.DeleteRepoGroup(group.ID); err != nil {
			return added, updated, removed, err
		}
		removed++
	}
	return added, updated, removed, nil
}

// applyServers upserts the configured servers and their repo group
// registrations, and stamps the registration date. All servers are
// created before any group registration is applied so pulp_master
// references resolve regardless of declaration order.
func (r *Registrar) applyServers(cfg *SyncConfig) error {
	servers := make(map[string]*types.PulpServer, len(cfg.PulpServers))
	for _, serverName := range sortedKeys(cfg.PulpServers) {
		server, err := r.store.GetPulpServerByName(serverName)
		if err == storage.ErrNotFound {
			server = &types.PulpServer{Name: serverName}
			if err := r.store.CreatePulpServer(server); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		servers[serverName] = server
	}

	for _, serverName := range sortedKeys(cfg.PulpServers) {
		serverCfg := cfg.PulpServers[serverName]
		creds := cfg.Credentials[serverCfg.Credentials]
		server := servers[serverName]

		now := time.Now().UTC()
		server.Username = creds.Username
		server.VaultServiceAccountMount = creds.VaultServiceAccountMount
		server.SnapshotSupported = serverCfg.SnapshotSupport != nil
		server.MaxConcurrentSnapshots = 0
		if serverCfg.SnapshotSupport != nil {
			server.MaxConcurrentSnapshots = serverCfg.SnapshotSupport.MaxConcurrentSnapshots
		}

		server.RepoConfigRegistrationSchedule = ""
		server.RepoConfigRegistrationMaxRuntime = 0
		server.RepoConfigRegistrationRegexInclude = ""
		server.RepoConfigRegistrationRegexExclude = ""
		if reg := serverCfg.RepoConfigRegistration; reg != nil {
			maxRuntime, err := parseRuntime(reg.MaxRuntime)
			if err != nil {
				return fmt.Errorf("repo_config_registration on %s: %w", serverName, err)
			}
			server.RepoConfigRegistrationSchedule = reg.Schedule
			server.RepoConfigRegistrationMaxRuntime = maxRuntime
			server.RepoConfigRegistrationRegexInclude = reg.RegexInclude
			server.RepoConfigRegistrationRegexExclude = reg.RegexExclude
		}

		server.RepoConfigRegistrationDate = &now
		if err := r.store.UpdatePulpServer(server); err != nil {
			return err
		}

		if err := r.applyServerGroups(server, serverCfg, servers); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registrar) applyServerGroups(server *types.PulpServer, serverCfg ServerConfig,
	servers map[string]*types.PulpServer) error {

	existing, err := r.store.ListPulpServerRepoGroups(server.ID)
	if err != nil {
		return err
	}
	existingByGroupID := make(map[uint64]*types.PulpServerRepoGroup, len(existing))
	for _, serverGroup := range existing {
		existingByGroupID[serverGroup.RepoGroupID] = serverGroup
	}

	configured := make(map[uint64]bool)
	for _, groupName := range sortedKeys(serverCfg.RepoGroups) {
		groupCfg := serverCfg.RepoGroups[groupName]
		group, err := r.store.GetRepoGroupByName(groupName)
		if err != nil {
			return fmt.Errorf("repo group %s: %w", groupName, err)
		}

		maxRuntime, err := parseRuntime(groupCfg.MaxRuntime)
		if err != nil {
			return fmt.Errorf("repo group %s on %s: %w", groupName, server.Name, err)
		}

		var masterID *uint64
		if groupCfg.PulpMaster != "" {
			master, ok := servers[groupCfg.PulpMaster]
			if !ok {
				return fmt.Errorf("pulp master %s of %s on %s is not registered",
					groupCfg.PulpMaster, groupName, server.Name)
			}
			masterID = &master.ID
		}
		configured[group.ID] = true

		serverGroup, ok := existingByGroupID[group.ID]
		if !ok {
			if err := r.store.CreatePulpServerRepoGroup(&types.PulpServerRepoGroup{
				PulpServerID:       server.ID,
				RepoGroupID:        group.ID,
				Schedule:           groupCfg.Schedule,
				MaxConcurrentSyncs: groupCfg.MaxConcurrentSyncs,
				MaxRuntime:         maxRuntime,
				PulpMasterID:       masterID,
			}); err != nil {
				return err
			}
			continue
		}

		if serverGroup.Schedule != groupCfg.Schedule ||
			serverGroup.MaxConcurrentSyncs != groupCfg.MaxConcurrentSyncs ||
			serverGroup.MaxRuntime != maxRuntime ||
			!masterIDEqual(serverGroup.PulpMasterID, masterID) {

			serverGroup.Schedule = groupCfg.Schedule
			serverGroup.MaxConcurrentSyncs = groupCfg.MaxConcurrentSyncs
			serverGroup.MaxRuntime = maxRuntime
			serverGroup.PulpMasterID = masterID
			if err := r.store.UpdatePulpServerRepoGroup(serverGroup); err != nil {
				return err
			}
		}
	}

	for groupID, serverGroup := range existingByGroupID {
		if configured[groupID] {
			continue
		}
		if err := r.store.DeletePulpServerRepoGroup(serverGroup.ID); err != nil {
			return err
		}
	}
	return nil
}

func masterIDEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
