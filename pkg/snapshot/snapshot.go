package snapshot

import (
	"context"
	"fmt"
	"net/url"
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

const (
	monitorPollInterval = 10 * time.Second
	monitorMaxWaitCount = 60
)

// Snapshotter takes point-in-time copies of repos. A snapshot of repo
// "el7-base" under prefix "pre2026q3-" becomes a new repo
// "pre2026q3-el7-base" holding a copy of the source's current content,
// published and distributed so clients can pin to it.
type Snapshotter struct {
	store      storage.Store
	tasks      *taskmanager.Service
	cfg        config.PulpConfig
	workerName string
	clientFor  func(*types.PulpServer) (*pulp.Client, error)

	pollInterval time.Duration
	maxWaitCount int
}

// New creates a snapshotter.
func New(store storage.Store, cfg config.PulpConfig, workerName string) *Snapshotter {
	return &Snapshotter{
		store:      store,
		tasks:      taskmanager.NewService(store),
		cfg:        cfg,
		workerName: workerName,
		clientFor: func(server *types.PulpServer) (*pulp.Client, error) {
			return pulp.NewClientForServer(server, cfg)
		},
		pollInterval: monitorPollInterval,
		maxWaitCount: monitorMaxWaitCount,
	}
}

// NormalizePrefix lowercases the prefix and ensures it ends with a dash,
// so snapshot names are always "{prefix}{repo}".
func NormalizePrefix(prefix string) string {
	prefix = strings.ToLower(prefix)
	if !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}
	return prefix
}

func snapshotSupported(repoType string) bool {
	for _, supported := range types.SnapshotSupportedRepoTypes {
		if repoType == supported {
			return true
		}
	}
	return false
}

// Run executes a repo snapshot task. The inventory is reconciled first
// so the snapshot covers exactly what the backend holds, then each
// selected repo is copied by its own child task, with at most the
// server's snapshot concurrency cap in flight at once.
func (s *Snapshotter) Run(ctx context.Context, task *types.Task) error {
	serverID, err := taskmanager.ArgUint64(task.TaskArgs, "pulp_server_id")
	if err != nil {
		return err
	}
	prefix := NormalizePrefix(taskmanager.ArgString(task.TaskArgs, "prefix"))
	allowReuse := taskmanager.ArgBool(task.TaskArgs, "allow_snapshot_reuse")

	server, err := s.store.GetPulpServer(serverID)
	if err != nil {
		return fmt.Errorf("pulp server %d: %w", serverID, err)
	}
	if !server.SnapshotSupported {
		return fmt.Errorf("pulp server %s does not support snapshots", server.Name)
	}

	client, err := s.clientFor(server)
	if err != nil {
		return err
	}

	if err := s.reconcileServer(ctx, task, server); err != nil {
		return err
	}

	selected, err := s.selectSources(server, prefix, allowReuse,
		taskmanager.ArgString(task.TaskArgs, "regex_include"),
		taskmanager.ArgString(task.TaskArgs, "regex_exclude"))
	if err != nil {
		return err
	}

	children := make([]*childSnapshot, 0, len(selected))
	for _, src := range selected {
		child, err := s.tasks.CreateTask(
			fmt.Sprintf("%s repo snapshot %s%s", server.Name, prefix, src.repo.Name),
			types.TaskTypeRepoSnapshot, &task.ID,
			map[string]interface{}{
				"pulp_server_repo_id": src.serverRepo.ID,
				"prefix":              prefix,
			})
		if err != nil {
			return err
		}
		children = append(children, &childSnapshot{task: child, source: src})
	}

	maxConcurrent := server.MaxConcurrentSnapshots
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return s.processChildren(ctx, task, client, server, prefix, children, maxConcurrent)
}

// reconcileServer refreshes the inventory from the backend so snapshot
// selection sees the repos the backend actually has.
func (s *Snapshotter) reconcileServer(ctx context.Context, task *types.Task, server *types.PulpServer) error {
	stage, err := s.tasks.AddStage(task.ID, "reconcile repos")
	if err != nil {
		return err
	}
	recon := reconciler.New(s.store, s.cfg)
	recon.SetClientFactory(s.clientFor)
	added, updated, removed, err := recon.ReconcileServer(ctx, server)
	if err != nil {
		return s.failStage(stage, err)
	}
	return s.tasks.CompleteStage(stage, map[string]interface{}{
		"msg": fmt.Sprintf("%d repos added, %d updated, %d removed", added, updated, removed),
	})
}

type childSnapshot struct {
	task   *types.Task
	source *source
}

type snapshotResult struct {
	child *childSnapshot
	err   error
}

// processChildren drains the child snapshots with at most the server's
// concurrency cap in flight. A failed snapshot does not stop the rest,
// the parent stage records how many failed.
func (s *Snapshotter) processChildren(ctx context.Context, parent *types.Task, client *pulp.Client,
	server *types.PulpServer, prefix string, children []*childSnapshot, maxConcurrent int) error {

	stage, err := s.tasks.AddStage(parent.ID, "snapshot repos")
	if err != nil {
		return err
	}

	total := len(children)
	completed := 0
	failed := 0
	inflight := 0
	pending := children
	results := make(chan snapshotResult)

	detail := func() map[string]interface{} {
		return map[string]interface{}{
			"msg": fmt.Sprintf("%d snapshots in progress. %d/%d snapshots completed", inflight, completed, total),
		}
	}

	for len(pending) > 0 || inflight > 0 {
		for inflight < maxConcurrent && len(pending) > 0 {
			child := pending[len(pending)-1]
			pending = pending[:len(pending)-1]
			inflight++
			go func(child *childSnapshot) {
				results <- snapshotResult{
					child: child,
					err:   s.snapshotRepo(ctx, client, server, prefix, child.source, child.task),
				}
			}(child)
		}

		if err := s.tasks.UpdateStageDetail(stage, detail()); err != nil {
			log.WithTaskID(parent.ID).Error().Err(err).Msg("failed to update stage detail")
		}

		select {
		case result := <-results:
			inflight--
			completed++
			if result.err != nil {
				failed++
				log.WithTaskID(result.child.task.ID).Error().Err(result.err).
					Msg("repo snapshot failed")
			}
		case <-ctx.Done():
			for _, child := range pending {
				if _, skipErr := s.tasks.SkipTask(child.task.ID, map[string]interface{}{
					"msg": "snapshot run canceled before this repo was snapshotted",
				}); skipErr != nil {
					log.WithTaskID(child.task.ID).Error().Err(skipErr).Msg("failed to skip pending snapshot")
				}
			}
			return ctx.Err()
		}
	}

	stageDetail := map[string]interface{}{
		"msg": fmt.Sprintf("0 snapshots in progress. %d/%d snapshots completed", completed, total),
	}
	if failed > 0 {
		stageDetail["failed"] = failed
		if err := s.tasks.CompleteStage(stage, stageDetail); err != nil {
			return err
		}
		return fmt.Errorf("%d of %d snapshots failed", failed, total)
	}
	return s.tasks.CompleteStage(stage, stageDetail)
}

type source struct {
	serverRepo *types.PulpServerRepo
	repo       *types.Repo
}

// selectSources picks the repos to snapshot and validates the request:
// unless reuse is allowed the prefix must be unused on the server, and
// container repos cannot be snapshotted. Repos already carrying the
// prefix are destinations, never sources. Repo types without copy
// support are silently skipped.
func (s *Snapshotter) selectSources(server *types.PulpServer, prefix string, allowReuse bool,
	regexInclude, regexExclude string) ([]*source, error) {
	var include, exclude *regexp.Regexp
	var err error
	if regexInclude != "" {
		if include, err = regexp.Compile(regexInclude); err != nil {
			return nil, fmt.Errorf("invalid include regex %q: %w", regexInclude, err)
		}
	}
	if regexExclude != "" {
		if exclude, err = regexp.Compile(regexExclude); err != nil {
			return nil, fmt.Errorf("invalid exclude regex %q: %w", regexExclude, err)
		}
	}

	serverRepos, err := s.store.ListPulpServerRepos(server.ID)
	if err != nil {
		return nil, err
	}

	var selected []*source
	for _, serverRepo := range serverRepos {
		repo, err := s.store.GetRepo(serverRepo.RepoID)
		if err != nil {
			return nil, err
		}

		if strings.HasPrefix(repo.Name, prefix) {
			if allowReuse {
				continue
			}
			return nil, fmt.Errorf("snapshots with prefix %s already exist", prefix)
		}

		if include != nil && !include.MatchString(repo.Name) {
			continue
		}
		if exclude != nil && exclude.MatchString(repo.Name) {
			continue
		}

		if repo.RepoType == "container" {
			return nil, fmt.Errorf("container repo %s cannot be snapshotted", repo.Name)
		}
		if !snapshotSupported(repo.RepoType) {
			continue
		}
		selected = append(selected, &source{serverRepo: serverRepo, repo: repo})
	}
	return selected, nil
}

// snapshotRepo copies one repo into its snapshot and publishes it. The
// child task records the two stages.
func (s *Snapshotter) snapshotRepo(ctx context.Context, client *pulp.Client, server *types.PulpServer,
	prefix string, src *source, task *types.Task) error {

	if _, err := s.tasks.StartTask(task.ID, s.workerName); err != nil {
		return err
	}
	if err := s.tasks.LinkRepo(task.ID, src.serverRepo.ID); err != nil {
		return err
	}

	err := s.runSnapshotStages(ctx, client, server, prefix, src, task)
	if err != nil {
		if _, failErr := s.tasks.FailTask(task.ID, map[string]interface{}{"msg": err.Error()}); failErr != nil {
			log.WithTaskID(task.ID).Error().Err(failErr).Msg("failed to mark snapshot task failed")
		}
		return err
	}
	_, err = s.tasks.CompleteTask(task.ID)
	return err
}

func (s *Snapshotter) runSnapshotStages(ctx context.Context, client *pulp.Client, server *types.PulpServer,
	prefix string, src *source, task *types.Task) error {

	destName := prefix + src.repo.Name

	// repo snapshot
	stage, err := s.tasks.AddStage(task.ID, "repo snapshot")
	if err != nil {
		return err
	}

	destRepo, err := s.ensureDestRepo(ctx, client, src, destName)
	if err != nil {
		return s.failStage(stage, err)
	}

	sourceRepo, err := pulp.GetRepository(ctx, client, src.serverRepo.RepoHref)
	if err != nil {
		return s.failStage(stage, err)
	}

	copyTaskHref, err := pulp.CopyContent(ctx, client, src.repo.RepoType,
		sourceRepo.LatestVersionHref, destRepo.PulpHref)
	if err != nil {
		return s.failStage(stage, err)
	}
	if _, err := pulp.MonitorTask(ctx, client, copyTaskHref, s.pollInterval, s.maxWaitCount, true); err != nil {
		return s.failStage(stage, err)
	}
	if err := s.tasks.CompleteStage(stage, map[string]interface{}{
		"msg": fmt.Sprintf("content copied into %s", destName),
	}); err != nil {
		return err
	}

	// repo publication
	stage, err = s.tasks.AddStage(task.ID, "repo publication")
	if err != nil {
		return err
	}

	publicationHref, err := s.publishDest(ctx, client, src, destRepo.PulpHref)
	if err != nil {
		return s.failStage(stage, err)
	}
	if err := s.distributeDest(ctx, client, src.repo.RepoType, destName, publicationHref); err != nil {
		return s.failStage(stage, err)
	}
	if err := s.tasks.CompleteStage(stage, nil); err != nil {
		return err
	}

	return s.recordSnapshot(server, src, destRepo, destName, task.ID)
}

func (s *Snapshotter) failStage(stage *types.TaskStage, err error) error {
	if stageErr := s.tasks.FailStage(stage, map[string]interface{}{"msg": err.Error()}); stageErr != nil {
		log.Logger.Error().Err(stageErr).Msg("failed to record stage failure")
	}
	return err
}

// ensureDestRepo creates the snapshot repo, or reuses it when a previous
// partial run already created it. The description records where the
// content came from.
func (s *Snapshotter) ensureDestRepo(ctx context.Context, client *pulp.Client, src *source,
	destName string) (*pulp.Repository, error) {

	existing, err := pulp.ListRepositories(ctx, client, url.Values{"name": []string{destName}})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	baseURL := ""
	if src.serverRepo.DistributionHref != "" {
		dist, err := pulp.GetDistribution(ctx, client, src.serverRepo.DistributionHref)
		if err != nil {
			return nil, err
		}
		baseURL = dist.BasePath
	}

	return pulp.CreateRepository(ctx, client, src.repo.RepoType, map[string]interface{}{
		"name":        destName,
		"description": "base_url:" + baseURL,
	})
}

// publishDest publishes the snapshot's latest version. Deb snapshots of
// a flat source repo publish flat too, the snapshot mirrors the source's
// layout.
func (s *Snapshotter) publishDest(ctx context.Context, client *pulp.Client, src *source,
	destHref string) (string, error) {

	destRepo, err := pulp.GetRepository(ctx, client, destHref)
	if err != nil {
		return "", err
	}

	flat := false
	if src.repo.RepoType == "deb" && src.serverRepo.RemoteHref != "" {
		remote, err := pulp.GetRemote(ctx, client, src.serverRepo.RemoteHref)
		if err != nil {
			return "", err
		}
		flat = remote.IsFlatRepo()
	}

	taskHref, err := pulp.CreatePublication(ctx, client, src.repo.RepoType, destRepo.LatestVersionHref, flat)
	if err != nil {
		return "", err
	}
	backendTask, err := pulp.MonitorTask(ctx, client, taskHref, s.pollInterval, s.maxWaitCount, true)
	if err != nil {
		return "", err
	}

	for _, href := range backendTask.CreatedResources {
		if strings.Contains(href, "/publications/") {
			return href, nil
		}
	}
	return "", fmt.Errorf("publication task %s created no publication", taskHref)
}

func (s *Snapshotter) distributeDest(ctx context.Context, client *pulp.Client, repoType, destName, publicationHref string) error {
	taskHref, err := pulp.CreateDistribution(ctx, client, repoType, map[string]interface{}{
		"name":        destName,
		"base_path":   destName,
		"publication": publicationHref,
	})
	if err != nil {
		return err
	}
	_, err = pulp.MonitorTask(ctx, client, taskHref, s.pollInterval, s.maxWaitCount, true)
	return err
}

// recordSnapshot adds the snapshot repo to the inventory and links it to
// the task alongside the source.
func (s *Snapshotter) recordSnapshot(server *types.PulpServer, src *source, destRepo *pulp.Repository,
	destName string, taskID uint64) error {

	repo, err := s.store.GetRepoByName(destName)
	if err == storage.ErrNotFound {
		repo = &types.Repo{Name: destName, RepoType: src.repo.RepoType}
		if err := s.store.CreateRepo(repo); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	serverRepo, err := s.store.GetPulpServerRepoByPair(server.ID, repo.ID)
	if err == storage.ErrNotFound {
		serverRepo = &types.PulpServerRepo{
			PulpServerID: server.ID,
			RepoID:       repo.ID,
			RepoHref:     destRepo.PulpHref,
		}
		if err := s.store.CreatePulpServerRepo(serverRepo); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	return s.tasks.LinkRepo(taskID, serverRepo.ID)
}
