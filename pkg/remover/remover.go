package remover

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/log"
	"github.com/G-Research/Pulp-manager/pkg/pulp"
	"github.com/G-Research/Pulp-manager/pkg/reconciler"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// Backend deletes are quick, poll them tightly.
const (
	deletePollInterval = 2 * time.Second
	deleteMaxWaitCount = 200
)

// Remover removes whole repos and individual content units from a
// backend. Repo removal deletes the distribution, repository and remote,
// then reconciles the inventory so the rows catch up.
type Remover struct {
	store      storage.Store
	tasks      *taskmanager.Service
	cfg        config.PulpConfig
	workerName string
	reconciler *reconciler.Reconciler
	clientFor  func(*types.PulpServer) (*pulp.Client, error)

	pollInterval time.Duration
	maxWaitCount int
}

// New creates a remover.
func New(store storage.Store, cfg config.PulpConfig, workerName string) *Remover {
	return &Remover{
		store:      store,
		tasks:      taskmanager.NewService(store),
		cfg:        cfg,
		workerName: workerName,
		reconciler: reconciler.New(store, cfg),
		clientFor: func(server *types.PulpServer) (*pulp.Client, error) {
			return pulp.NewClientForServer(server, cfg)
		},
		pollInterval: deletePollInterval,
		maxWaitCount: deleteMaxWaitCount,
	}
}

// RunRepoRemoval executes a repo removal task.
func (r *Remover) RunRepoRemoval(ctx context.Context, task *types.Task) error {
	serverID, err := taskmanager.ArgUint64(task.TaskArgs, "pulp_server_id")
	if err != nil {
		return err
	}
	regexInclude := taskmanager.ArgString(task.TaskArgs, "regex_include")
	regexExclude := taskmanager.ArgString(task.TaskArgs, "regex_exclude")
	dryRun := taskmanager.ArgBool(task.TaskArgs, "dry_run")

	if regexInclude == "" && regexExclude == "" {
		return fmt.Errorf("at least one of regex_include or regex_exclude is required")
	}

	server, err := r.store.GetPulpServer(serverID)
	if err != nil {
		return fmt.Errorf("pulp server %d: %w", serverID, err)
	}

	selected, err := r.selectForRemoval(task, server, regexInclude, regexExclude, dryRun)
	if err != nil {
		return err
	}

	return r.removeRepos(ctx, task, server, selected, dryRun)
}

type removal struct {
	serverRepo *types.PulpServerRepo
	repo       *types.Repo
}

func (r *Remover) selectForRemoval(task *types.Task, server *types.PulpServer,
	regexInclude, regexExclude string, dryRun bool) ([]*removal, error) {

	stageName := "get repos for removal"
	if dryRun {
		stageName += " (dry run)"
	}
	stage, err := r.tasks.AddStage(task.ID, stageName)
	if err != nil {
		return nil, err
	}

	var include, exclude *regexp.Regexp
	if regexInclude != "" {
		if include, err = regexp.Compile(regexInclude); err != nil {
			return nil, r.failStage(stage, fmt.Errorf("invalid include regex %q: %w", regexInclude, err))
		}
	}
	if regexExclude != "" {
		if exclude, err = regexp.Compile(regexExclude); err != nil {
			return nil, r.failStage(stage, fmt.Errorf("invalid exclude regex %q: %w", regexExclude, err))
		}
	}

	serverRepos, err := r.store.ListPulpServerRepos(server.ID)
	if err != nil {
		return nil, r.failStage(stage, err)
	}

	var selected []*removal
	var names []string
	for _, serverRepo := range serverRepos {
		repo, err := r.store.GetRepo(serverRepo.RepoID)
		if err != nil {
			return nil, r.failStage(stage, err)
		}
		if include != nil && !include.MatchString(repo.Name) {
			continue
		}
		if exclude != nil && exclude.MatchString(repo.Name) {
			continue
		}
		selected = append(selected, &removal{serverRepo: serverRepo, repo: repo})
		names = append(names, repo.Name)
	}

	if len(selected) == 0 {
		return nil, r.failStage(stage, fmt.Errorf("no repositories found matching the regex pattern"))
	}

	if err := r.tasks.CompleteStage(stage, map[string]interface{}{
		"msg": "found matching repositories: " + strings.Join(names, ", "),
	}); err != nil {
		return nil, err
	}
	return selected, nil
}

// removeRepos deletes the backend objects for each selected repo. A dry
// run only reports what would go. Inventory rows are not touched here,
// the post-removal reconcile drops them.
func (r *Remover) removeRepos(ctx context.Context, task *types.Task, server *types.PulpServer,
	selected []*removal, dryRun bool) error {

	stageName := "remove repos"
	if dryRun {
		stageName += " (dry run)"
	}
	stage, err := r.tasks.AddStage(task.ID, stageName)
	if err != nil {
		return err
	}

	if dryRun {
		return r.tasks.CompleteStage(stage, map[string]interface{}{
			"msg": fmt.Sprintf("would remove %d repositories with their distributions and remotes", len(selected)),
		})
	}

	client, err := r.clientFor(server)
	if err != nil {
		return r.failStage(stage, err)
	}

	succeeded := 0
	failed := 0
	for _, rem := range selected {
		if err := r.removeOne(ctx, client, rem); err != nil {
			log.WithPulpServer(server.Name).Error().Err(err).
				Str("repo", rem.repo.Name).Msg("repo removal failed")
			failed++
			continue
		}
		succeeded++
	}

	if succeeded > 0 {
		if _, _, _, err := r.reconciler.ReconcileServer(ctx, server); err != nil {
			return r.failStage(stage, fmt.Errorf("reconcile after removal failed: %w", err))
		}
	}

	detail := map[string]interface{}{
		"msg": fmt.Sprintf("successfully removed %d, failed to remove %d", succeeded, failed),
	}
	if failed > 0 {
		if err := r.tasks.FailStage(stage, detail); err != nil {
			return err
		}
		return fmt.Errorf("failed to remove %d of %d repositories", failed, len(selected))
	}
	return r.tasks.CompleteStage(stage, detail)
}

// removeOne deletes distribution, repository and remote in that order so
// nothing keeps serving content from a half-removed repo.
func (r *Remover) removeOne(ctx context.Context, client *pulp.Client, rem *removal) error {
	if rem.serverRepo.DistributionHref != "" {
		if _, err := pulp.DeleteByHrefMonitor(ctx, client, rem.serverRepo.DistributionHref,
			r.pollInterval, r.maxWaitCount); err != nil {
			return err
		}
	}
	if _, err := pulp.DeleteByHrefMonitor(ctx, client, rem.serverRepo.RepoHref,
		r.pollInterval, r.maxWaitCount); err != nil {
		return err
	}
	if rem.serverRepo.RemoteHref != "" {
		if _, err := pulp.DeleteByHrefMonitor(ctx, client, rem.serverRepo.RemoteHref,
			r.pollInterval, r.maxWaitCount); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remover) failStage(stage *types.TaskStage, err error) error {
	if stageErr := r.tasks.FailStage(stage, map[string]interface{}{"msg": err.Error()}); stageErr != nil {
		log.Logger.Error().Err(stageErr).Msg("failed to record stage failure")
	}
	return err
}
