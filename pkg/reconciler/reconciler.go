package reconciler

import (
	"context"
	"fmt"

	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/log"
	"github.com/G-Research/Pulp-manager/pkg/pulp"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// Reconciler brings the inventory in line with what a backend actually
// has: repos discovered on the backend are added, changed hrefs are
// updated, and repos gone from the backend have their per-server rows
// removed. Shared repo rows are never deleted, other servers may still
// carry the repo.
type Reconciler struct {
	store     storage.Store
	tasks     *taskmanager.Service
	cfg       config.PulpConfig
	clientFor func(*types.PulpServer) (*pulp.Client, error)
}

// New creates a reconciler.
func New(store storage.Store, cfg config.PulpConfig) *Reconciler {
	return &Reconciler{
		store: store,
		tasks: taskmanager.NewService(store),
		cfg:   cfg,
		clientFor: func(server *types.PulpServer) (*pulp.Client, error) {
			return pulp.NewClientForServer(server, cfg)
		},
	}
}

// SetClientFactory overrides how backend clients are built, used by
// callers that manage their own connection settings and by tests.
func (r *Reconciler) SetClientFactory(clientFor func(*types.PulpServer) (*pulp.Client, error)) {
	r.clientFor = clientFor
}

// Run executes a reconcile task. The task args name the server.
func (r *Reconciler) Run(ctx context.Context, task *types.Task) error {
	serverID, err := taskmanager.ArgUint64(task.TaskArgs, "pulp_server_id")
	if err != nil {
		return err
	}
	server, err := r.store.GetPulpServer(serverID)
	if err != nil {
		return fmt.Errorf("pulp server %d: %w", serverID, err)
	}

	stage, err := r.tasks.AddStage(task.ID, "reconcile repos")
	if err != nil {
		return err
	}

	added, updated, removed, err := r.ReconcileServer(ctx, server)
	if err != nil {
		if stageErr := r.tasks.FailStage(stage, map[string]interface{}{"msg": err.Error()}); stageErr != nil {
			log.WithTaskID(task.ID).Error().Err(stageErr).Msg("failed to record stage failure")
		}
		return err
	}

	return r.tasks.CompleteStage(stage, map[string]interface{}{
		"msg": fmt.Sprintf("%d repos added, %d updated, %d removed", added, updated, removed),
	})
}

// ReconcileServer reconciles one backend's inventory outside of a
// tracked task, used after repo removals.
func (r *Reconciler) ReconcileServer(ctx context.Context, server *types.PulpServer) (added, updated, removed int, err error) {
	client, err := r.clientFor(server)
	if err != nil {
		return 0, 0, 0, err
	}
	return r.reconcile(ctx, client, server)
}

func (r *Reconciler) reconcile(ctx context.Context, client *pulp.Client, server *types.PulpServer) (added, updated, removed int, err error) {
	logger := log.WithPulpServer(server.Name)

	repos, err := pulp.ListRepositories(ctx, client, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to list repositories: %w", err)
	}
	remotes, err := pulp.ListRemotes(ctx, client, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to list remotes: %w", err)
	}
	distributions, err := pulp.ListDistributions(ctx, client, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to list distributions: %w", err)
	}

	remotesByHref := make(map[string]*pulp.Remote, len(remotes))
	for _, remote := range remotes {
		remotesByHref[remote.PulpHref] = remote
	}
	distByRepoHref := make(map[string]*pulp.Distribution, len(distributions))
	for _, dist := range distributions {
		if dist.Repository != "" {
			distByRepoHref[dist.Repository] = dist
		}
	}

	seen := make(map[string]bool, len(repos))
	for _, backendRepo := range repos {
		repoType, err := pulp.RepoTypeFromHref(backendRepo.PulpHref)
		if err != nil {
			logger.Warn().Str("href", backendRepo.PulpHref).Msg("skipping repo with unrecognised href")
			continue
		}
		seen[backendRepo.PulpHref] = true

		repo, err := r.upsertRepo(backendRepo.Name, repoType)
		if err != nil {
			return added, updated, removed, err
		}

		changed, created, err := r.upsertServerRepo(server, repo, backendRepo, remotesByHref, distByRepoHref)
		if err != nil {
			return added, updated, removed, err
		}
		if created {
			added++
		} else if changed {
			updated++
		}
	}

	existing, err := r.store.ListPulpServerRepos(server.ID)
	if err != nil {
		return added, updated, removed, err
	}
	for _, serverRepo := range existing {
		if seen[serverRepo.RepoHref] {
			continue
		}
		if err := r.store.DeletePulpServerRepo(serverRepo.ID); err != nil {
			return added, updated, removed, err
		}
		logger.Info().Str("repo_href", serverRepo.RepoHref).Msg("removed repo no longer on backend")
		removed++
	}

	return added, updated, removed, nil
}

func (r *Reconciler) upsertRepo(name, repoType string) (*types.Repo, error) {
	repo, err := r.store.GetRepoByName(name)
	if err == storage.ErrNotFound {
		repo = &types.Repo{Name: name, RepoType: repoType}
		if err := r.store.CreateRepo(repo); err != nil {
			return nil, err
		}
		return repo, nil
	}
	if err != nil {
		return nil, err
	}

	if repo.RepoType != repoType {
		return nil, fmt.Errorf("repo %s is registered as %s but the backend reports %s",
			name, repo.RepoType, repoType)
	}
	return repo, nil
}

func (r *Reconciler) upsertServerRepo(server *types.PulpServer, repo *types.Repo, backendRepo *pulp.Repository,
	remotesByHref map[string]*pulp.Remote, distByRepoHref map[string]*pulp.Distribution) (changed, created bool, err error) {

	remoteHref := backendRepo.Remote
	remoteFeed := ""
	if remote, ok := remotesByHref[remoteHref]; ok {
		remoteFeed = remote.URL
	}
	distributionHref := ""
	if dist, ok := distByRepoHref[backendRepo.PulpHref]; ok {
		distributionHref = dist.PulpHref
	}

	serverRepo, err := r.store.GetPulpServerRepoByPair(server.ID, repo.ID)
	if err == storage.ErrNotFound {
		serverRepo = &types.PulpServerRepo{
			PulpServerID:     server.ID,
			RepoID:           repo.ID,
			RepoHref:         backendRepo.PulpHref,
			RemoteHref:       remoteHref,
			RemoteFeed:       remoteFeed,
			DistributionHref: distributionHref,
		}
		if err := r.store.CreatePulpServerRepo(serverRepo); err != nil {
			return false, false, err
		}
		return false, true, nil
	}
	if err != nil {
		return false, false, err
	}

	if serverRepo.RepoHref != backendRepo.PulpHref ||
		serverRepo.RemoteHref != remoteHref ||
		serverRepo.RemoteFeed != remoteFeed ||
		serverRepo.DistributionHref != distributionHref {

		serverRepo.RepoHref = backendRepo.PulpHref
		serverRepo.RemoteHref = remoteHref
		serverRepo.RemoteFeed = remoteFeed
		serverRepo.DistributionHref = distributionHref
		if err := r.store.UpdatePulpServerRepo(serverRepo); err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	return false, false, nil
}
