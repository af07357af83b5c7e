package remover

import (
	"context"
	"fmt"

	"github.com/G-Research/Pulp-manager/pkg/pulp"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// RunContentRemoval executes a remove repo content task: the named
// content units are pulled out of the repo and the result is republished
// unless nothing changed.
func (r *Remover) RunContentRemoval(ctx context.Context, task *types.Task) error {
	serverID, err := taskmanager.ArgUint64(task.TaskArgs, "pulp_server_id")
	if err != nil {
		return err
	}
	serverRepoID, err := taskmanager.ArgUint64(task.TaskArgs, "pulp_server_repo_id")
	if err != nil {
		return err
	}
	contentHrefs := taskmanager.ArgStringSlice(task.TaskArgs, "content_hrefs")
	forcePublish := taskmanager.ArgBool(task.TaskArgs, "force_publish")

	if len(contentHrefs) == 0 {
		return fmt.Errorf("no content hrefs given to remove")
	}

	server, err := r.store.GetPulpServer(serverID)
	if err != nil {
		return fmt.Errorf("pulp server %d: %w", serverID, err)
	}
	serverRepo, err := r.store.GetPulpServerRepo(serverRepoID)
	if err != nil {
		return fmt.Errorf("pulp server repo %d: %w", serverRepoID, err)
	}
	repo, err := r.store.GetRepo(serverRepo.RepoID)
	if err != nil {
		return err
	}

	client, err := r.clientFor(server)
	if err != nil {
		return err
	}
	if err := r.tasks.LinkRepo(task.ID, serverRepo.ID); err != nil {
		return err
	}

	// remove content
	stage, err := r.tasks.AddStage(task.ID, "remove content")
	if err != nil {
		return err
	}
	taskHref, err := pulp.ModifyRepository(ctx, client, serverRepo.RepoHref, nil, contentHrefs)
	if err != nil {
		return r.failStage(stage, err)
	}
	modifyTask, err := pulp.MonitorTask(ctx, client, taskHref, r.pollInterval, r.maxWaitCount, true)
	if err != nil {
		return r.failStage(stage, err)
	}
	if err := r.tasks.CompleteStage(stage, map[string]interface{}{
		"msg": fmt.Sprintf("%d content units removed from %s", len(contentHrefs), repo.Name),
	}); err != nil {
		return err
	}

	return r.publishAfterModify(ctx, client, task, serverRepo, repo, modifyTask, forcePublish)
}

// publishAfterModify republishes the repo when the modify produced a new
// version. Removing content that was not in the repo produces nothing, so
// there is nothing to publish unless the caller forces it.
func (r *Remover) publishAfterModify(ctx context.Context, client *pulp.Client, task *types.Task,
	serverRepo *types.PulpServerRepo, repo *types.Repo, modifyTask *pulp.Task, forcePublish bool) error {

	stage, err := r.tasks.AddStage(task.ID, "repo publication")
	if err != nil {
		return err
	}

	if len(modifyTask.CreatedResources) == 0 && !forcePublish {
		return r.tasks.SkipStage(stage, map[string]interface{}{
			"msg": "repo publication skipped as no new resources created from modify",
		})
	}

	versionToPublish := ""
	if len(modifyTask.CreatedResources) > 0 {
		versionToPublish = modifyTask.CreatedResources[0]
	} else {
		repository, err := pulp.GetRepository(ctx, client, serverRepo.RepoHref)
		if err != nil {
			return r.failStage(stage, err)
		}
		versionToPublish = repository.LatestVersionHref
	}

	flat := false
	if repo.RepoType == "deb" && serverRepo.RemoteHref != "" {
		remote, err := pulp.GetRemote(ctx, client, serverRepo.RemoteHref)
		if err != nil {
			return r.failStage(stage, err)
		}
		flat = remote.IsFlatRepo()
	}

	publishTaskHref, err := pulp.CreatePublication(ctx, client, repo.RepoType, versionToPublish, flat)
	if err != nil {
		return r.failStage(stage, err)
	}
	if _, err := pulp.MonitorTask(ctx, client, publishTaskHref, r.pollInterval, r.maxWaitCount, true); err != nil {
		return r.failStage(stage, err)
	}
	return r.tasks.CompleteStage(stage, map[string]interface{}{
		"msg": fmt.Sprintf("published repo version %s", versionToPublish),
	})
}
