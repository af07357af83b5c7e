package syncher

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/log"
	"github.com/G-Research/Pulp-manager/pkg/metrics"
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

// Syncher runs repo group syncs. A group sync fans out into one child
// task per selected repo, processed newest-registered first with a cap on
// how many backend syncs run at once.
type Syncher struct {
	store      storage.Store
	tasks      *taskmanager.Service
	cfg        config.PulpConfig
	workerName string
	clientFor  func(*types.PulpServer) (*pulp.Client, error)

	pollInterval time.Duration
	maxWaitCount int
}

// New creates a syncher.
func New(store storage.Store, cfg config.PulpConfig, workerName string) *Syncher {
	return &Syncher{
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

// candidate is a repo considered for a group sync.
type candidate struct {
	serverRepo *types.PulpServerRepo
	repo       *types.Repo
}

// selectCandidates applies the group's regexes to the server's repos.
// Exclude wins over include, and repos with no remote are never synced,
// there is nothing to pull from.
func selectCandidates(group *types.RepoGroup, candidates []*candidate) ([]*candidate, error) {
	var include, exclude *regexp.Regexp
	var err error
	if group.RegexInclude != "" {
		if include, err = regexp.Compile(group.RegexInclude); err != nil {
			return nil, fmt.Errorf("invalid include regex %q: %w", group.RegexInclude, err)
		}
	}
	if group.RegexExclude != "" {
		if exclude, err = regexp.Compile(group.RegexExclude); err != nil {
			return nil, fmt.Errorf("invalid exclude regex %q: %w", group.RegexExclude, err)
		}
	}

	var selected []*candidate
	for _, c := range candidates {
		if c.serverRepo.RemoteHref == "" {
			continue
		}
		if include != nil && !include.MatchString(c.repo.Name) {
			continue
		}
		if exclude != nil && exclude.MatchString(c.repo.Name) {
			continue
		}
		selected = append(selected, c)
	}
	return selected, nil
}

// Run executes a repo group sync task.
func (s *Syncher) Run(ctx context.Context, task *types.Task) error {
	serverID, err := taskmanager.ArgUint64(task.TaskArgs, "pulp_server_id")
	if err != nil {
		return err
	}
	groupID, err := taskmanager.ArgUint64(task.TaskArgs, "repo_group_id")
	if err != nil {
		return err
	}

	server, err := s.store.GetPulpServer(serverID)
	if err != nil {
		return fmt.Errorf("pulp server %d: %w", serverID, err)
	}
	group, err := s.store.GetRepoGroup(groupID)
	if err != nil {
		return fmt.Errorf("repo group %d: %w", groupID, err)
	}
	serverGroup, err := s.store.GetPulpServerRepoGroupByPair(serverID, groupID)
	if err != nil {
		return fmt.Errorf("repo group %s is not registered on %s: %w", group.Name, server.Name, err)
	}

	client, err := s.clientFor(server)
	if err != nil {
		return err
	}

	banned, err := compileRegexes(s.cfg.BannedPackageRegexes)
	if err != nil {
		return err
	}

	if sourceName := taskmanager.ArgString(task.TaskArgs, "source_pulp_server_name"); sourceName != "" {
		stage, err := s.tasks.AddStage(task.ID, fmt.Sprintf("registering repos from %s", sourceName))
		if err != nil {
			return err
		}
		registered, err := s.registerReposFromSource(ctx, client, server, group, sourceName)
		if err != nil {
			return s.failStage(stage, err)
		}
		if err := s.tasks.CompleteStage(stage, map[string]interface{}{
			"msg": fmt.Sprintf("%d repos registered from %s", registered, sourceName),
		}); err != nil {
			return err
		}
	}

	if err := s.reconcileServer(ctx, task, server); err != nil {
		return err
	}

	serverRepos, err := s.store.ListPulpServerRepos(serverID)
	if err != nil {
		return err
	}
	candidates := make([]*candidate, 0, len(serverRepos))
	for _, serverRepo := range serverRepos {
		repo, err := s.store.GetRepo(serverRepo.RepoID)
		if err != nil {
			return err
		}
		candidates = append(candidates, &candidate{serverRepo: serverRepo, repo: repo})
	}

	selected, err := selectCandidates(group, candidates)
	if err != nil {
		return err
	}

	children := make([]*childSync, 0, len(selected))
	for _, c := range selected {
		child, err := s.tasks.CreateTask(
			fmt.Sprintf("%s repo sync %s", server.Name, c.repo.Name),
			types.TaskTypeRepoSync, &task.ID,
			map[string]interface{}{
				"pulp_server_repo_id": c.serverRepo.ID,
				"repo_href":           c.serverRepo.RepoHref,
			})
		if err != nil {
			return err
		}
		children = append(children, &childSync{task: child, candidate: c})
	}

	maxConcurrent := serverGroup.MaxConcurrentSyncs
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return s.processChildren(ctx, task, client, server, banned, children, maxConcurrent)
}

// reconcileServer refreshes the inventory from the backend before
// candidates are selected, so the sync picks up repos created outside
// this service.
func (s *Syncher) reconcileServer(ctx context.Context, task *types.Task, server *types.PulpServer) error {
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

// registerReposFromSource creates repositories on the target backend for
// repos the source server carries in this group but the target does not,
// each with a remote feeding from the source's distribution. The sync
// that follows then pulls the content across.
func (s *Syncher) registerReposFromSource(ctx context.Context, client *pulp.Client,
	server *types.PulpServer, group *types.RepoGroup, sourceName string) (int, error) {

	if sourceName == server.Name {
		return 0, fmt.Errorf("pulp server %s cannot register repos from itself", server.Name)
	}
	sourceServer, err := s.store.GetPulpServerByName(sourceName)
	if err != nil {
		return 0, fmt.Errorf("source pulp server %s: %w", sourceName, err)
	}
	sourceClient, err := s.clientFor(sourceServer)
	if err != nil {
		return 0, err
	}

	sourceServerRepos, err := s.store.ListPulpServerRepos(sourceServer.ID)
	if err != nil {
		return 0, err
	}
	sourceCandidates := make([]*candidate, 0, len(sourceServerRepos))
	for _, serverRepo := range sourceServerRepos {
		repo, err := s.store.GetRepo(serverRepo.RepoID)
		if err != nil {
			return 0, err
		}
		sourceCandidates = append(sourceCandidates, &candidate{serverRepo: serverRepo, repo: repo})
	}

	var include, exclude *regexp.Regexp
	if group.RegexInclude != "" {
		if include, err = regexp.Compile(group.RegexInclude); err != nil {
			return 0, fmt.Errorf("invalid include regex %q: %w", group.RegexInclude, err)
		}
	}
	if group.RegexExclude != "" {
		if exclude, err = regexp.Compile(group.RegexExclude); err != nil {
			return 0, fmt.Errorf("invalid exclude regex %q: %w", group.RegexExclude, err)
		}
	}

	targetRepos, err := pulp.ListRepositories(ctx, client, nil)
	if err != nil {
		return 0, err
	}
	targetByName := make(map[string]bool, len(targetRepos))
	for _, repo := range targetRepos {
		targetByName[repo.Name] = true
	}

	scheme := "http"
	if s.cfg.UseHTTPS {
		scheme = "https"
	}

	logger := log.WithPulpServer(server.Name)
	registered := 0
	for _, c := range sourceCandidates {
		if include != nil && !include.MatchString(c.repo.Name) {
			continue
		}
		if exclude != nil && exclude.MatchString(c.repo.Name) {
			continue
		}
		if targetByName[c.repo.Name] {
			continue
		}
		if c.serverRepo.DistributionHref == "" {
			logger.Warn().Str("repo", c.repo.Name).
				Msg("source repo has no distribution to feed from")
			continue
		}

		dist, err := pulp.GetDistribution(ctx, sourceClient, c.serverRepo.DistributionHref)
		if err != nil {
			return registered, err
		}
		feed := fmt.Sprintf("%s://%s/pulp/content/%s/", scheme, sourceName, strings.Trim(dist.BasePath, "/"))
		if c.repo.RepoType == "file" {
			feed += "PULP_MANIFEST"
		}

		remote, err := pulp.CreateRemote(ctx, client, c.repo.RepoType, map[string]interface{}{
			"name": c.repo.Name,
			"url":  feed,
		})
		if err != nil {
			return registered, err
		}
		if _, err := pulp.CreateRepository(ctx, client, c.repo.RepoType, map[string]interface{}{
			"name":   c.repo.Name,
			"remote": remote.PulpHref,
		}); err != nil {
			return registered, err
		}
		logger.Info().Str("repo", c.repo.Name).Str("feed", feed).
			Msg("registered repo from source pulp server")
		registered++
	}
	return registered, nil
}

type childSync struct {
	task      *types.Task
	candidate *candidate
}

type syncResult struct {
	child *childSync
	err   error
}

// processChildren drains the child syncs, newest registration first, with
// at most the group's concurrency cap in flight at once.
func (s *Syncher) processChildren(ctx context.Context, parent *types.Task, client *pulp.Client,
	server *types.PulpServer, banned []*regexp.Regexp, children []*childSync, maxConcurrent int) error {

	stage, err := s.tasks.AddStage(parent.ID, "sync repos")
	if err != nil {
		return err
	}

	total := len(children)
	completed := 0
	failed := 0
	inflight := 0
	pending := children
	results := make(chan syncResult)

	detail := func() map[string]interface{} {
		return map[string]interface{}{
			"msg": fmt.Sprintf("%d syncs in progress. %d/%d syncs completed", inflight, completed, total),
		}
	}

	for len(pending) > 0 || inflight > 0 {
		for inflight < maxConcurrent && len(pending) > 0 {
			child := pending[len(pending)-1]
			pending = pending[:len(pending)-1]
			inflight++
			go func(child *childSync) {
				results <- syncResult{child: child, err: s.syncRepo(ctx, client, server, banned, child)}
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
					Msg("repo sync failed")
			}
			if err := s.updateRepoHealth(result.child.candidate.serverRepo.ID); err != nil {
				log.WithTaskID(result.child.task.ID).Error().Err(err).Msg("failed to update repo health")
			}
		case <-ctx.Done():
			for _, child := range pending {
				if _, skipErr := s.tasks.SkipTask(child.task.ID, map[string]interface{}{
					"msg": "group sync canceled before this repo was synced",
				}); skipErr != nil {
					log.WithTaskID(child.task.ID).Error().Err(skipErr).Msg("failed to skip pending sync")
				}
			}
			return ctx.Err()
		}
	}

	if err := s.rollupServerHealth(server.ID); err != nil {
		log.WithPulpServer(server.Name).Error().Err(err).Msg("failed to roll up server health")
	}

	stageDetail := map[string]interface{}{
		"msg": fmt.Sprintf("0 syncs in progress. %d/%d syncs completed", completed, total),
	}
	if failed > 0 {
		stageDetail["failed"] = failed
	}
	return s.tasks.CompleteStage(stage, stageDetail)
}

// syncRepo runs one child sync end to end: sync from the remote, strip
// banned packages, publish. The child task records the outcome.
func (s *Syncher) syncRepo(ctx context.Context, client *pulp.Client, server *types.PulpServer,
	banned []*regexp.Regexp, child *childSync) error {

	task, err := s.tasks.StartTask(child.task.ID, s.workerName)
	if err != nil {
		return err
	}
	if err := s.tasks.LinkRepo(task.ID, child.candidate.serverRepo.ID); err != nil {
		return err
	}

	err = s.runSyncStages(ctx, client, banned, task, child.candidate)
	if err != nil {
		if _, failErr := s.tasks.FailTask(task.ID, map[string]interface{}{"msg": err.Error()}); failErr != nil {
			log.WithTaskID(task.ID).Error().Err(failErr).Msg("failed to mark sync task failed")
		}
		return err
	}

	task, err = s.tasks.CompleteTask(task.ID)
	if err != nil {
		return err
	}
	metrics.ObserveSyncDuration(task, server.Name)
	return nil
}

func (s *Syncher) runSyncStages(ctx context.Context, client *pulp.Client, banned []*regexp.Regexp,
	task *types.Task, c *candidate) error {

	// sync repo
	stage, err := s.tasks.AddStage(task.ID, "sync repo")
	if err != nil {
		return err
	}
	taskHref, err := pulp.SyncRepository(ctx, client, c.serverRepo.RepoHref, c.serverRepo.RemoteHref)
	if err != nil {
		return s.failStage(stage, err)
	}
	backendTask, err := pulp.MonitorTask(ctx, client, taskHref, s.pollInterval, s.maxWaitCount, true)
	if err != nil {
		return s.failStage(stage, err)
	}
	newVersion := createdRepoVersion(backendTask)
	if err := s.tasks.CompleteStage(stage, nil); err != nil {
		return err
	}

	latest := newVersion
	if latest == "" {
		repository, err := pulp.GetRepository(ctx, client, c.serverRepo.RepoHref)
		if err != nil {
			return err
		}
		latest = repository.LatestVersionHref
	}

	// remove banned packages
	if err := s.removeBannedPackages(ctx, client, banned, task, c, latest); err != nil {
		return err
	}

	// publish repo
	return s.publishRepo(ctx, client, task, c)
}

func (s *Syncher) failStage(stage *types.TaskStage, err error) error {
	if stageErr := s.tasks.FailStage(stage, map[string]interface{}{"msg": err.Error()}); stageErr != nil {
		log.Logger.Error().Err(stageErr).Msg("failed to record stage failure")
	}
	return err
}

// createdRepoVersion picks the repository version out of a backend task's
// created resources, empty when the sync found nothing new.
func createdRepoVersion(task *pulp.Task) string {
	for _, href := range task.CreatedResources {
		if strings.Contains(href, "/versions/") {
			return href
		}
	}
	return ""
}

func compileRegexes(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid banned package regex %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// isInternalFeed reports whether the remote feed points at one of our own
// domains, whose content is trusted and never filtered.
func (s *Syncher) isInternalFeed(feed string) bool {
	for _, domain := range s.cfg.InternalDomains {
		if strings.Contains(feed, domain) {
			return true
		}
	}
	return false
}

// removeBannedPackages strips packages matching the configured patterns
// from the repo. Internal feeds are trusted and skipped. Deb backends
// filter server side, everything else filters package names locally.
func (s *Syncher) removeBannedPackages(ctx context.Context, client *pulp.Client,
	banned []*regexp.Regexp, task *types.Task, c *candidate, versionHref string) error {

	stage, err := s.tasks.AddStage(task.ID, "remove banned packages")
	if err != nil {
		return err
	}

	if s.isInternalFeed(c.serverRepo.RemoteFeed) {
		return s.tasks.SkipStage(stage, map[string]interface{}{
			"msg": "repo syncs from an internal feed, nothing to remove",
		})
	}
	if len(banned) == 0 {
		return s.tasks.SkipStage(stage, map[string]interface{}{
			"msg": "no banned package patterns configured",
		})
	}

	hrefs, err := s.findBannedContent(ctx, client, banned, c, versionHref)
	if err != nil {
		return s.failStage(stage, err)
	}
	if len(hrefs) == 0 {
		return s.tasks.CompleteStage(stage, map[string]interface{}{"msg": "no banned packages found"})
	}

	taskHref, err := pulp.ModifyRepository(ctx, client, c.serverRepo.RepoHref, nil, hrefs)
	if err != nil {
		return s.failStage(stage, err)
	}
	if _, err := pulp.MonitorTask(ctx, client, taskHref, s.pollInterval, s.maxWaitCount, true); err != nil {
		return s.failStage(stage, err)
	}
	return s.tasks.CompleteStage(stage, map[string]interface{}{
		"msg": fmt.Sprintf("%d banned packages removed", len(hrefs)),
	})
}

func (s *Syncher) findBannedContent(ctx context.Context, client *pulp.Client,
	banned []*regexp.Regexp, c *candidate, versionHref string) ([]string, error) {

	if c.repo.RepoType == "deb" {
		var hrefs []string
		for _, re := range banned {
			pattern := strings.TrimPrefix(re.String(), "(?i)")
			items, err := pulp.ListContent(ctx, client, "deb", url.Values{
				"repository_version": []string{versionHref},
				"package__iregex":    []string{pattern},
			})
			if err != nil {
				return nil, err
			}
			for _, item := range items {
				if href, ok := item["pulp_href"].(string); ok {
					hrefs = append(hrefs, href)
				}
			}
		}
		return hrefs, nil
	}

	items, err := pulp.ListContent(ctx, client, c.repo.RepoType, url.Values{
		"repository_version": []string{versionHref},
	})
	if err != nil {
		return nil, err
	}

	var hrefs []string
	for _, item := range items {
		name, _ := item["name"].(string)
		if name == "" {
			continue
		}
		if matchesAny(name, banned) {
			if href, ok := item["pulp_href"].(string); ok {
				hrefs = append(hrefs, href)
			}
		}
	}
	return hrefs, nil
}

func matchesAny(name string, regexes []*regexp.Regexp) bool {
	for _, re := range regexes {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// publishRepo publishes the repo's latest version unless a publication
// for it already exists. The latest version is re-read because the banned
// package stage may have produced a newer one.
func (s *Syncher) publishRepo(ctx context.Context, client *pulp.Client, task *types.Task,
	c *candidate) error {

	stage, err := s.tasks.AddStage(task.ID, "publish repo")
	if err != nil {
		return err
	}

	if !pulp.PublicationSupported(c.repo.RepoType) {
		return s.tasks.SkipStage(stage, map[string]interface{}{
			"msg": fmt.Sprintf("repo type %s does not use publications", c.repo.RepoType),
		})
	}

	repository, err := pulp.GetRepository(ctx, client, c.serverRepo.RepoHref)
	if err != nil {
		return s.failStage(stage, err)
	}
	latest := repository.LatestVersionHref

	publications, err := pulp.ListPublications(ctx, client, url.Values{
		"repository_version": []string{latest},
	})
	if err != nil {
		return s.failStage(stage, err)
	}
	if len(publications) > 0 {
		return s.tasks.CompleteStage(stage, map[string]interface{}{
			"msg": "no new publication required",
		})
	}

	flat := false
	if c.repo.RepoType == "deb" && c.serverRepo.RemoteHref != "" {
		remote, err := pulp.GetRemote(ctx, client, c.serverRepo.RemoteHref)
		if err != nil {
			return s.failStage(stage, err)
		}
		flat = remote.IsFlatRepo()
	}

	taskHref, err := pulp.CreatePublication(ctx, client, c.repo.RepoType, latest, flat)
	if err != nil {
		return s.failStage(stage, err)
	}
	if _, err := pulp.MonitorTask(ctx, client, taskHref, s.pollInterval, s.maxWaitCount, true); err != nil {
		return s.failStage(stage, err)
	}
	return s.tasks.CompleteStage(stage, nil)
}
