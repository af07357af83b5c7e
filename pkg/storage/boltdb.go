package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/G-Research/Pulp-manager/pkg/types"
)

var (
	// Bucket names
	bucketPulpServers          = []byte("pulp_servers")
	bucketPulpServersByName    = []byte("pulp_servers_by_name")
	bucketRepos                = []byte("repos")
	bucketReposByName          = []byte("repos_by_name")
	bucketPulpServerRepos      = []byte("pulp_server_repos")
	bucketPulpServerRepoPairs  = []byte("pulp_server_repos_by_pair")
	bucketRepoGroups           = []byte("repo_groups")
	bucketRepoGroupsByName     = []byte("repo_groups_by_name")
	bucketPulpServerRepoGroups = []byte("pulp_server_repo_groups")
	bucketPulpServerGroupPairs = []byte("pulp_server_repo_groups_by_pair")
	bucketTasks                = []byte("tasks")
	bucketTaskStages           = []byte("task_stages")
	bucketPulpServerRepoTasks  = []byte("pulp_server_repo_tasks")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pulp-manager.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPulpServers,
			bucketPulpServersByName,
			bucketRepos,
			bucketReposByName,
			bucketPulpServerRepos,
			bucketPulpServerRepoPairs,
			bucketRepoGroups,
			bucketRepoGroupsByName,
			bucketPulpServerRepoGroups,
			bucketPulpServerGroupPairs,
			bucketTasks,
			bucketTaskStages,
			bucketPulpServerRepoTasks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func pairKey(a, b uint64) []byte {
	return []byte(fmt.Sprintf("%d/%d", a, b))
}

func putJSON(tx *bolt.Tx, bucket []byte, id uint64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(itob(id), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, id uint64, v interface{}) error {
	data := tx.Bucket(bucket).Get(itob(id))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func listJSON[T any](tx *bolt.Tx, bucket []byte) ([]*T, error) {
	var items []*T
	err := tx.Bucket(bucket).ForEach(func(_, data []byte) error {
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		items = append(items, &item)
		return nil
	})
	return items, err
}

// PulpServer operations

func (s *BoltStore) CreatePulpServer(server *types.PulpServer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketPulpServersByName)
		if names.Get([]byte(server.Name)) != nil {
			return fmt.Errorf("pulp server %s: %w", server.Name, ErrDuplicate)
		}
		id, err := tx.Bucket(bucketPulpServers).NextSequence()
		if err != nil {
			return err
		}
		server.ID = id
		now := time.Now().UTC()
		server.DateCreated = now
		server.DateLastUpdated = now
		if err := names.Put([]byte(server.Name), itob(id)); err != nil {
			return err
		}
		return putJSON(tx, bucketPulpServers, id, server)
	})
}

func (s *BoltStore) GetPulpServer(id uint64) (*types.PulpServer, error) {
	var server types.PulpServer
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketPulpServers, id, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) GetPulpServerByName(name string) (*types.PulpServer, error) {
	var server types.PulpServer
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketPulpServersByName).Get([]byte(name))
		if idBytes == nil {
			return ErrNotFound
		}
		return getJSON(tx, bucketPulpServers, binary.BigEndian.Uint64(idBytes), &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) ListPulpServers() ([]*types.PulpServer, error) {
	var servers []*types.PulpServer
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		servers, err = listJSON[types.PulpServer](tx, bucketPulpServers)
		return err
	})
	return servers, err
}

func (s *BoltStore) FilterPulpServers(q Query) ([]*types.PulpServer, error) {
	servers, err := s.ListPulpServers()
	if err != nil {
		return nil, err
	}
	return applyQuery(servers, q)
}

func (s *BoltStore) PagePulpServers(q Query) (*PagedResult[types.PulpServer], error) {
	servers, err := s.FilterPulpServers(q)
	if err != nil {
		return nil, err
	}
	return paginate(servers, q.Page, q.PageSize), nil
}

func (s *BoltStore) UpdatePulpServer(server *types.PulpServer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPulpServers).Get(itob(server.ID)) == nil {
			return ErrNotFound
		}
		server.DateLastUpdated = time.Now().UTC()
		return putJSON(tx, bucketPulpServers, server.ID, server)
	})
}

func (s *BoltStore) DeletePulpServer(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var server types.PulpServer
		if err := getJSON(tx, bucketPulpServers, id, &server); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if err := tx.Bucket(bucketPulpServersByName).Delete([]byte(server.Name)); err != nil {
			return err
		}
		return tx.Bucket(bucketPulpServers).Delete(itob(id))
	})
}

// Repo operations

func (s *BoltStore) CreateRepo(repo *types.Repo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketReposByName)
		if names.Get([]byte(repo.Name)) != nil {
			return fmt.Errorf("repo %s: %w", repo.Name, ErrDuplicate)
		}
		id, err := tx.Bucket(bucketRepos).NextSequence()
		if err != nil {
			return err
		}
		repo.ID = id
		if err := names.Put([]byte(repo.Name), itob(id)); err != nil {
			return err
		}
		return putJSON(tx, bucketRepos, id, repo)
	})
}

func (s *BoltStore) GetRepo(id uint64) (*types.Repo, error) {
	var repo types.Repo
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketRepos, id, &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) GetRepoByName(name string) (*types.Repo, error) {
	var repo types.Repo
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketReposByName).Get([]byte(name))
		if idBytes == nil {
			return ErrNotFound
		}
		return getJSON(tx, bucketRepos, binary.BigEndian.Uint64(idBytes), &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) ListRepos() ([]*types.Repo, error) {
	var repos []*types.Repo
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		repos, err = listJSON[types.Repo](tx, bucketRepos)
		return err
	})
	return repos, err
}

func (s *BoltStore) UpdateRepo(repo *types.Repo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRepos).Get(itob(repo.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketRepos, repo.ID, repo)
	})
}

// PulpServerRepo operations

func (s *BoltStore) CreatePulpServerRepo(repo *types.PulpServerRepo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pairs := tx.Bucket(bucketPulpServerRepoPairs)
		key := pairKey(repo.PulpServerID, repo.RepoID)
		if pairs.Get(key) != nil {
			return fmt.Errorf("pulp server repo %d/%d: %w", repo.PulpServerID, repo.RepoID, ErrDuplicate)
		}
		id, err := tx.Bucket(bucketPulpServerRepos).NextSequence()
		if err != nil {
			return err
		}
		repo.ID = id
		now := time.Now().UTC()
		repo.DateCreated = now
		repo.DateLastUpdated = now
		if err := pairs.Put(key, itob(id)); err != nil {
			return err
		}
		return putJSON(tx, bucketPulpServerRepos, id, repo)
	})
}

func (s *BoltStore) GetPulpServerRepo(id uint64) (*types.PulpServerRepo, error) {
	var repo types.PulpServerRepo
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketPulpServerRepos, id, &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) GetPulpServerRepoByPair(serverID, repoID uint64) (*types.PulpServerRepo, error) {
	var repo types.PulpServerRepo
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketPulpServerRepoPairs).Get(pairKey(serverID, repoID))
		if idBytes == nil {
			return ErrNotFound
		}
		return getJSON(tx, bucketPulpServerRepos, binary.BigEndian.Uint64(idBytes), &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) ListPulpServerRepos(serverID uint64) ([]*types.PulpServerRepo, error) {
	var repos []*types.PulpServerRepo
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := listJSON[types.PulpServerRepo](tx, bucketPulpServerRepos)
		if err != nil {
			return err
		}
		for _, repo := range all {
			if repo.PulpServerID == serverID {
				repos = append(repos, repo)
			}
		}
		return nil
	})
	return repos, err
}

// FilterPulpServerRepoDetails filters the joined view of server repos.
// Filter keys may reference name and repo_type from the Repo and
// pulp_server_name from the PulpServer.
func (s *BoltStore) FilterPulpServerRepoDetails(q Query) ([]*types.PulpServerRepoDetail, error) {
	var details []*types.PulpServerRepoDetail
	err := s.db.View(func(tx *bolt.Tx) error {
		repos, err := listJSON[types.Repo](tx, bucketRepos)
		if err != nil {
			return err
		}
		reposByID := make(map[uint64]*types.Repo, len(repos))
		for _, repo := range repos {
			reposByID[repo.ID] = repo
		}

		servers, err := listJSON[types.PulpServer](tx, bucketPulpServers)
		if err != nil {
			return err
		}
		serversByID := make(map[uint64]*types.PulpServer, len(servers))
		for _, server := range servers {
			serversByID[server.ID] = server
		}

		serverRepos, err := listJSON[types.PulpServerRepo](tx, bucketPulpServerRepos)
		if err != nil {
			return err
		}
		for _, serverRepo := range serverRepos {
			detail := &types.PulpServerRepoDetail{PulpServerRepo: *serverRepo}
			if repo, ok := reposByID[serverRepo.RepoID]; ok {
				detail.Name = repo.Name
				detail.RepoType = repo.RepoType
			}
			if server, ok := serversByID[serverRepo.PulpServerID]; ok {
				detail.PulpServerName = server.Name
			}
			details = append(details, detail)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applyQuery(details, q)
}

func (s *BoltStore) PagePulpServerRepoDetails(q Query) (*PagedResult[types.PulpServerRepoDetail], error) {
	details, err := s.FilterPulpServerRepoDetails(q)
	if err != nil {
		return nil, err
	}
	return paginate(details, q.Page, q.PageSize), nil
}

func (s *BoltStore) UpdatePulpServerRepo(repo *types.PulpServerRepo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPulpServerRepos).Get(itob(repo.ID)) == nil {
			return ErrNotFound
		}
		repo.DateLastUpdated = time.Now().UTC()
		return putJSON(tx, bucketPulpServerRepos, repo.ID, repo)
	})
}

func (s *BoltStore) DeletePulpServerRepo(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var repo types.PulpServerRepo
		if err := getJSON(tx, bucketPulpServerRepos, id, &repo); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if err := tx.Bucket(bucketPulpServerRepoPairs).Delete(pairKey(repo.PulpServerID, repo.RepoID)); err != nil {
			return err
		}
		return tx.Bucket(bucketPulpServerRepos).Delete(itob(id))
	})
}

// RepoGroup operations

func (s *BoltStore) CreateRepoGroup(group *types.RepoGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketRepoGroupsByName)
		if names.Get([]byte(group.Name)) != nil {
			return fmt.Errorf("repo group %s: %w", group.Name, ErrDuplicate)
		}
		id, err := tx.Bucket(bucketRepoGroups).NextSequence()
		if err != nil {
			return err
		}
		group.ID = id
		if err := names.Put([]byte(group.Name), itob(id)); err != nil {
			return err
		}
		return putJSON(tx, bucketRepoGroups, id, group)
	})
}

func (s *BoltStore) GetRepoGroup(id uint64) (*types.RepoGroup, error) {
	var group types.RepoGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketRepoGroups, id, &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) GetRepoGroupByName(name string) (*types.RepoGroup, error) {
	var group types.RepoGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketRepoGroupsByName).Get([]byte(name))
		if idBytes == nil {
			return ErrNotFound
		}
		return getJSON(tx, bucketRepoGroups, binary.BigEndian.Uint64(idBytes), &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) ListRepoGroups() ([]*types.RepoGroup, error) {
	var groups []*types.RepoGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		groups, err = listJSON[types.RepoGroup](tx, bucketRepoGroups)
		return err
	})
	return groups, err
}

func (s *BoltStore) UpdateRepoGroup(group *types.RepoGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRepoGroups).Get(itob(group.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketRepoGroups, group.ID, group)
	})
}

func (s *BoltStore) DeleteRepoGroup(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var group types.RepoGroup
		if err := getJSON(tx, bucketRepoGroups, id, &group); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if err := tx.Bucket(bucketRepoGroupsByName).Delete([]byte(group.Name)); err != nil {
			return err
		}
		return tx.Bucket(bucketRepoGroups).Delete(itob(id))
	})
}

// PulpServerRepoGroup operations

func (s *BoltStore) CreatePulpServerRepoGroup(group *types.PulpServerRepoGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pairs := tx.Bucket(bucketPulpServerGroupPairs)
		key := pairKey(group.PulpServerID, group.RepoGroupID)
		if pairs.Get(key) != nil {
			return fmt.Errorf("pulp server repo group %d/%d: %w", group.PulpServerID, group.RepoGroupID, ErrDuplicate)
		}
		id, err := tx.Bucket(bucketPulpServerRepoGroups).NextSequence()
		if err != nil {
			return err
		}
		group.ID = id
		if err := pairs.Put(key, itob(id)); err != nil {
			return err
		}
		return putJSON(tx, bucketPulpServerRepoGroups, id, group)
	})
}

func (s *BoltStore) GetPulpServerRepoGroup(id uint64) (*types.PulpServerRepoGroup, error) {
	var group types.PulpServerRepoGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketPulpServerRepoGroups, id, &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) GetPulpServerRepoGroupByPair(serverID, groupID uint64) (*types.PulpServerRepoGroup, error) {
	var group types.PulpServerRepoGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketPulpServerGroupPairs).Get(pairKey(serverID, groupID))
		if idBytes == nil {
			return ErrNotFound
		}
		return getJSON(tx, bucketPulpServerRepoGroups, binary.BigEndian.Uint64(idBytes), &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) ListPulpServerRepoGroups(serverID uint64) ([]*types.PulpServerRepoGroup, error) {
	var groups []*types.PulpServerRepoGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := listJSON[types.PulpServerRepoGroup](tx, bucketPulpServerRepoGroups)
		if err != nil {
			return err
		}
		for _, group := range all {
			if group.PulpServerID == serverID {
				groups = append(groups, group)
			}
		}
		return nil
	})
	return groups, err
}

func (s *BoltStore) UpdatePulpServerRepoGroup(group *types.PulpServerRepoGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPulpServerRepoGroups).Get(itob(group.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketPulpServerRepoGroups, group.ID, group)
	})
}

func (s *BoltStore) DeletePulpServerRepoGroup(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var group types.PulpServerRepoGroup
		if err := getJSON(tx, bucketPulpServerRepoGroups, id, &group); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if err := tx.Bucket(bucketPulpServerGroupPairs).Delete(pairKey(group.PulpServerID, group.RepoGroupID)); err != nil {
			return err
		}
		return tx.Bucket(bucketPulpServerRepoGroups).Delete(itob(id))
	})
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := tx.Bucket(bucketTasks).NextSequence()
		if err != nil {
			return err
		}
		task.ID = id
		return putJSON(tx, bucketTasks, id, task)
	})
}

func (s *BoltStore) GetTask(id uint64) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketTasks, id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasksByParent(parentID uint64) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := listJSON[types.Task](tx, bucketTasks)
		if err != nil {
			return err
		}
		for _, task := range all {
			if task.ParentTaskID != nil && *task.ParentTaskID == parentID {
				tasks = append(tasks, task)
			}
		}
		return nil
	})
	return tasks, err
}

func (s *BoltStore) FilterTasks(q Query) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tasks, err = listJSON[types.Task](tx, bucketTasks)
		return err
	})
	if err != nil {
		return nil, err
	}
	return applyQuery(tasks, q)
}

func (s *BoltStore) PageTasks(q Query) (*PagedResult[types.Task], error) {
	tasks, err := s.FilterTasks(q)
	if err != nil {
		return nil, err
	}
	return paginate(tasks, q.Page, q.PageSize), nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTasks).Get(itob(task.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketTasks, task.ID, task)
	})
}

// TaskStage operations

func (s *BoltStore) CreateTaskStage(stage *types.TaskStage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := tx.Bucket(bucketTaskStages).NextSequence()
		if err != nil {
			return err
		}
		stage.ID = id
		now := time.Now().UTC()
		stage.DateCreated = now
		stage.DateLastUpdated = now
		return putJSON(tx, bucketTaskStages, id, stage)
	})
}

func (s *BoltStore) GetTaskStage(id uint64) (*types.TaskStage, error) {
	var stage types.TaskStage
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketTaskStages, id, &stage)
	})
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

func (s *BoltStore) ListTaskStages(taskID uint64) ([]*types.TaskStage, error) {
	var stages []*types.TaskStage
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := listJSON[types.TaskStage](tx, bucketTaskStages)
		if err != nil {
			return err
		}
		for _, stage := range all {
			if stage.TaskID == taskID {
				stages = append(stages, stage)
			}
		}
		return nil
	})
	return stages, err
}

func (s *BoltStore) UpdateTaskStage(stage *types.TaskStage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTaskStages).Get(itob(stage.ID)) == nil {
			return ErrNotFound
		}
		stage.DateLastUpdated = time.Now().UTC()
		return putJSON(tx, bucketTaskStages, stage.ID, stage)
	})
}

// PulpServerRepoTask operations

func (s *BoltStore) CreatePulpServerRepoTask(link *types.PulpServerRepoTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := tx.Bucket(bucketPulpServerRepoTasks).NextSequence()
		if err != nil {
			return err
		}
		link.ID = id
		return putJSON(tx, bucketPulpServerRepoTasks, id, link)
	})
}

func (s *BoltStore) ListPulpServerRepoTasks(taskID uint64) ([]*types.PulpServerRepoTask, error) {
	var links []*types.PulpServerRepoTask
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := listJSON[types.PulpServerRepoTask](tx, bucketPulpServerRepoTasks)
		if err != nil {
			return err
		}
		for _, link := range all {
			if link.TaskID == taskID {
				links = append(links, link)
			}
		}
		return nil
	})
	return links, err
}

func (s *BoltStore) ListPulpServerRepoTasksByRepo(pulpServerRepoID uint64) ([]*types.PulpServerRepoTask, error) {
	var links []*types.PulpServerRepoTask
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := listJSON[types.PulpServerRepoTask](tx, bucketPulpServerRepoTasks)
		if err != nil {
			return err
		}
		for _, link := range all {
			if link.PulpServerRepoID == pulpServerRepoID {
				links = append(links, link)
			}
		}
		return nil
	})
	return links, err
}
