package storage

import (
	"errors"

	"github.com/G-Research/Pulp-manager/pkg/types"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("entity not found")
	// ErrDuplicate is returned when a unique constraint would be violated
	ErrDuplicate = errors.New("entity already exists")
)

// Store defines the interface for pulp-manager inventory and task storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Pulp servers
	CreatePulpServer(server *types.PulpServer) error
	GetPulpServer(id uint64) (*types.PulpServer, error)
	GetPulpServerByName(name string) (*types.PulpServer, error)
	ListPulpServers() ([]*types.PulpServer, error)
	FilterPulpServers(q Query) ([]*types.PulpServer, error)
	PagePulpServers(q Query) (*PagedResult[types.PulpServer], error)
	UpdatePulpServer(server *types.PulpServer) error
	DeletePulpServer(id uint64) error

	// Repos
	CreateRepo(repo *types.Repo) error
	GetRepo(id uint64) (*types.Repo, error)
	GetRepoByName(name string) (*types.Repo, error)
	ListRepos() ([]*types.Repo, error)
	UpdateRepo(repo *types.Repo) error

	// Pulp server repos
	CreatePulpServerRepo(repo *types.PulpServerRepo) error
	GetPulpServerRepo(id uint64) (*types.PulpServerRepo, error)
	GetPulpServerRepoByPair(serverID, repoID uint64) (*types.PulpServerRepo, error)
	ListPulpServerRepos(serverID uint64) ([]*types.PulpServerRepo, error)
	FilterPulpServerRepoDetails(q Query) ([]*types.PulpServerRepoDetail, error)
	PagePulpServerRepoDetails(q Query) (*PagedResult[types.PulpServerRepoDetail], error)
	UpdatePulpServerRepo(repo *types.PulpServerRepo) error
	DeletePulpServerRepo(id uint64) error

	// Repo groups
	CreateRepoGroup(group *types.RepoGroup) error
	GetRepoGroup(id uint64) (*types.RepoGroup, error)
	GetRepoGroupByName(name string) (*types.RepoGroup, error)
	ListRepoGroups() ([]*types.RepoGroup, error)
	UpdateRepoGroup(group *types.RepoGroup) error
	DeleteRepoGroup(id uint64) error

	// Pulp server repo groups
	CreatePulpServerRepoGroup(group *types.PulpServerRepoGroup) error
	GetPulpServerRepoGroup(id uint64) (*types.PulpServerRepoGroup, error)
	GetPulpServerRepoGroupByPair(serverID, groupID uint64) (*types.PulpServerRepoGroup, error)
	ListPulpServerRepoGroups(serverID uint64) ([]*types.PulpServerRepoGroup, error)
	UpdatePulpServerRepoGroup(group *types.PulpServerRepoGroup) error
	DeletePulpServerRepoGroup(id uint64) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id uint64) (*types.Task, error)
	ListTasksByParent(parentID uint64) ([]*types.Task, error)
	FilterTasks(q Query) ([]*types.Task, error)
	PageTasks(q Query) (*PagedResult[types.Task], error)
	UpdateTask(task *types.Task) error

	// Task stages
	CreateTaskStage(stage *types.TaskStage) error
	GetTaskStage(id uint64) (*types.TaskStage, error)
	ListTaskStages(taskID uint64) ([]*types.TaskStage, error)
	UpdateTaskStage(stage *types.TaskStage) error

	// Task repo links
	CreatePulpServerRepoTask(link *types.PulpServerRepoTask) error
	ListPulpServerRepoTasks(taskID uint64) ([]*types.PulpServerRepoTask, error)
	ListPulpServerRepoTasksByRepo(pulpServerRepoID uint64) ([]*types.PulpServerRepoTask, error)

	// Utility
	Close() error
}
