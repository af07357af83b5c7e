package types

import "time"

// PulpServer is a managed Pulp backend. The repo config registration
// fields carry the server's own config-reapply cron schedule when one is
// configured.
type PulpServer struct {
	ID                                 uint64            `json:"id"`
	Name                               string            `json:"name"`
	SnapshotSupported                  bool              `json:"snapshot_supported"`
	MaxConcurrentSnapshots             int               `json:"max_concurrent_snapshots"`
	Username                           string            `json:"username"`
	VaultServiceAccountMount           string            `json:"vault_service_account_mount"`
	RepoSyncHealthRollup               *RepoHealthStatus `json:"repo_sync_health_rollup"`
	RepoSyncHealthRollupDate           *time.Time        `json:"repo_sync_health_rollup_date"`
	RepoConfigRegistrationDate         *time.Time        `json:"repo_config_registration_date"`
	RepoConfigRegistrationSchedule     string            `json:"repo_config_registration_schedule"`
	RepoConfigRegistrationMaxRuntime   int               `json:"repo_config_registration_max_runtime"`
	RepoConfigRegistrationRegexInclude string            `json:"repo_config_registration_regex_include"`
	RepoConfigRegistrationRegexExclude string            `json:"repo_config_registration_regex_exclude"`
	DateCreated                        time.Time         `json:"date_created"`
	DateLastUpdated                    time.Time         `json:"date_last_updated"`
}

// Repo is a repository known to the fleet. Repo rows are shared across
// servers; the per-server association lives on PulpServerRepo.
type Repo struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	RepoType string `json:"repo_type"`
}

// SupportedRepoTypes are the repo types pulp-manager knows how to manage.
var SupportedRepoTypes = []string{"rpm", "deb", "file", "python", "container"}

// SnapshotSupportedRepoTypes are the repo types that can be snapshotted.
var SnapshotSupportedRepoTypes = []string{"rpm", "deb"}

// PulpServerRepo associates a Repo with a PulpServer and carries the
// backend hrefs plus per-repo sync health.
type PulpServerRepo struct {
	ID                 uint64            `json:"id"`
	PulpServerID       uint64            `json:"pulp_server_id"`
	RepoID             uint64            `json:"repo_id"`
	RepoHref           string            `json:"repo_href"`
	RemoteHref         string            `json:"remote_href"`
	RemoteFeed         string            `json:"remote_feed"`
	DistributionHref   string            `json:"distribution_href"`
	RepoSyncHealth     *RepoHealthStatus `json:"repo_sync_health"`
	RepoSyncHealthDate *time.Time        `json:"repo_sync_health_date"`
	DateCreated        time.Time         `json:"date_created"`
	DateLastUpdated    time.Time         `json:"date_last_updated"`
}

// PulpServerRepoDetail is the joined view of a PulpServerRepo with the
// fields the filter grammar exposes from Repo and PulpServer.
type PulpServerRepoDetail struct {
	PulpServerRepo
	Name           string `json:"name"`
	RepoType       string `json:"repo_type"`
	PulpServerName string `json:"pulp_server_name"`
}

// RepoGroup selects repos by regex for grouped operations.
// RegexExclude wins over RegexInclude when both match.
type RepoGroup struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name"`
	RegexInclude string `json:"regex_include"`
	RegexExclude string `json:"regex_exclude"`
}

// PulpServerRepoGroup schedules a RepoGroup sync on a PulpServer. A
// non-nil PulpMasterID names another PulpServer whose repos are
// registered on this one before each sync, making it a slave of that
// master.
type PulpServerRepoGroup struct {
	ID                 uint64  `json:"id"`
	PulpServerID       uint64  `json:"pulp_server_id"`
	RepoGroupID        uint64  `json:"repo_group_id"`
	Schedule           string  `json:"schedule"`
	MaxConcurrentSyncs int     `json:"max_concurrent_syncs"`
	MaxRuntime         int     `json:"max_runtime"`
	PulpMasterID       *uint64 `json:"pulp_master_id"`
}

// Task is a tracked unit of work. Child tasks reference their parent via
// ParentTaskID. TaskArgs and Error are free-form maps persisted as JSON.
type Task struct {
	ID           uint64                 `json:"id"`
	Name         string                 `json:"name"`
	TaskType     TaskType               `json:"task_type"`
	State        TaskState              `json:"state"`
	ParentTaskID *uint64                `json:"parent_task_id"`
	WorkerName   string                 `json:"worker_name"`
	WorkerJobID  string                 `json:"worker_job_id"`
	TaskArgs     map[string]interface{} `json:"task_args"`
	Error        map[string]interface{} `json:"error"`
	DateQueued   *time.Time             `json:"date_queued"`
	DateStarted  *time.Time             `json:"date_started"`
	DateFinished *time.Time             `json:"date_finished"`
}

// TaskStage is a named step within a task. Detail and Error are free-form
// maps; a stage in state skipped records why in Detail.
type TaskStage struct {
	ID              uint64                 `json:"id"`
	TaskID          uint64                 `json:"task_id"`
	Name            string                 `json:"name"`
	State           TaskState              `json:"state"`
	Detail          map[string]interface{} `json:"detail"`
	Error           map[string]interface{} `json:"error"`
	DateCreated     time.Time              `json:"date_created"`
	DateLastUpdated time.Time              `json:"date_last_updated"`
}

// PulpServerRepoTask links a task to the PulpServerRepos it operated on.
type PulpServerRepoTask struct {
	ID               uint64 `json:"id"`
	TaskID           uint64 `json:"task_id"`
	PulpServerRepoID uint64 `json:"pulp_server_repo_id"`
}
