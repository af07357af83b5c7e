package syncher

import (
	"time"

	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// healthWindow is how many recent syncs feed a repo's health grade.
const healthWindow = 5

// GradeHealth grades a repo from its recent sync tasks, newest first.
// Green means the latest sync completed. Amber means the latest sync did
// not complete but at least one in the window did and failures have not
// piled up. Anything worse is red.
func GradeHealth(recent []*types.Task) types.RepoHealthStatus {
	if len(recent) == 0 {
		return types.RepoHealthGreen
	}
	if len(recent) > healthWindow {
		recent = recent[:healthWindow]
	}

	if recent[0].State == types.TaskStateCompleted {
		return types.RepoHealthGreen
	}

	completed := 0
	failed := 0
	for _, task := range recent {
		switch task.State {
		case types.TaskStateCompleted:
			completed++
		case types.TaskStateFailed, types.TaskStateFailedToStart:
			failed++
		}
	}

	if completed >= 1 && failed <= 3 {
		return types.RepoHealthAmber
	}
	return types.RepoHealthRed
}

// updateRepoHealth regrades one repo from its task history and stamps the
// result on the inventory row.
func (s *Syncher) updateRepoHealth(serverRepoID uint64) error {
	recent, err := s.tasks.RecentTasksForRepo(serverRepoID, healthWindow)
	if err != nil {
		return err
	}

	serverRepo, err := s.store.GetPulpServerRepo(serverRepoID)
	if err != nil {
		return err
	}

	health := GradeHealth(recent)
	now := time.Now().UTC()
	serverRepo.RepoSyncHealth = &health
	serverRepo.RepoSyncHealthDate = &now
	return s.store.UpdatePulpServerRepo(serverRepo)
}

// rollupServerHealth sets the server's health to the worst health of any
// of its repos.
func (s *Syncher) rollupServerHealth(serverID uint64) error {
	repos, err := s.store.ListPulpServerRepos(serverID)
	if err != nil {
		return err
	}

	rollup := types.RepoHealthGreen
	graded := false
	for _, serverRepo := range repos {
		if serverRepo.RepoSyncHealth == nil {
			continue
		}
		graded = true
		if *serverRepo.RepoSyncHealth > rollup {
			rollup = *serverRepo.RepoSyncHealth
		}
	}
	if !graded {
		return nil
	}

	server, err := s.store.GetPulpServer(serverID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	server.RepoSyncHealthRollup = &rollup
	server.RepoSyncHealthRollupDate = &now
	if err := s.store.UpdatePulpServer(server); err != nil && err != storage.ErrNotFound {
		return err
	}
	return nil
}
