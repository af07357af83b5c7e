package api

import (
	"net/http"
	"strings"

	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
)

// snapshotRequest queues a snapshot run. The prefix is forced to start
// with snap- so snapshot repos are always recognizable by name.
type snapshotRequest struct {
	SnapshotPrefix     string `json:"snapshot_prefix"`
	RegexInclude       string `json:"regex_include"`
	RegexExclude       string `json:"regex_exclude"`
	AllowSnapshotReuse bool   `json:"allow_snapshot_reuse"`
}

func (s *Server) handleSnapshotRepos(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	server, err := s.store.GetPulpServer(id)
	if err != nil {
		writeStoreError(w, err, "Pulp server not found")
		return
	}

	var req snapshotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SnapshotPrefix == "" {
		writeError(w, http.StatusBadRequest, "snapshot_prefix is required")
		return
	}
	if !strings.HasPrefix(req.SnapshotPrefix, "snap-") {
		req.SnapshotPrefix = "snap-" + req.SnapshotPrefix
	}

	task, err := s.jobs.QueueRepoSnapshot(r.Context(), server.Name,
		req.SnapshotPrefix, req.RegexInclude, req.RegexExclude, req.AllowSnapshotReuse)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type syncRequest struct {
	RepoGroup string `json:"repo_group"`
}

func (s *Server) handleSyncRepos(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	server, err := s.store.GetPulpServer(id)
	if err != nil {
		writeStoreError(w, err, "Pulp server not found")
		return
	}

	var req syncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoGroup == "" {
		writeError(w, http.StatusBadRequest, "repo_group is required")
		return
	}

	group, err := s.store.GetRepoGroupByName(req.RepoGroup)
	if err != nil {
		writeStoreError(w, err, "Repo group not found")
		return
	}
	serverGroup, err := s.store.GetPulpServerRepoGroupByPair(server.ID, group.ID)
	if err != nil {
		writeStoreError(w, err, "Repo group is not registered on this pulp server")
		return
	}
	if serverGroup.MaxConcurrentSyncs <= 0 {
		writeError(w, http.StatusBadRequest, "max_concurrent_syncs cannot be less than or equal to 0")
		return
	}

	task, err := s.jobs.QueueRepoGroupSync(r.Context(), server.Name, group.Name, "",
		taskmanager.JobTypeAdhocRepoSync)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// removeReposRequest queues a bulk repo removal. Dry run is the default:
// destructive runs have to ask for it.
type removeReposRequest struct {
	RegexInclude string `json:"regex_include"`
	RegexExclude string `json:"regex_exclude"`
	DryRun       *bool  `json:"dry_run"`
}

func (s *Server) handleRemoveRepos(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	server, err := s.store.GetPulpServer(id)
	if err != nil {
		writeStoreError(w, err, "Pulp server not found")
		return
	}

	var req removeReposRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	task, err := s.jobs.QueueRepoRemoval(r.Context(), server.Name,
		req.RegexInclude, req.RegexExclude, dryRun)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type removeRepoContentRequest struct {
	ContentHrefs []string `json:"content_hrefs"`
	ForcePublish bool     `json:"force_publish"`
}

func (s *Server) handleRemoveRepoContent(w http.ResponseWriter, r *http.Request) {
	serverID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	repoID, ok := idParam(w, r, "repoID")
	if !ok {
		return
	}

	serverRepo, err := s.store.GetPulpServerRepoByPair(serverID, repoID)
	if err != nil {
		writeStoreError(w, err, "Repo not found")
		return
	}
	server, err := s.store.GetPulpServer(serverID)
	if err != nil {
		writeStoreError(w, err, "Pulp server not found")
		return
	}
	repo, err := s.store.GetRepo(serverRepo.RepoID)
	if err != nil {
		writeStoreError(w, err, "Repo not found")
		return
	}

	var req removeRepoContentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.ContentHrefs) == 0 {
		writeError(w, http.StatusBadRequest, "content_hrefs is required")
		return
	}

	task, err := s.jobs.QueueRemoveRepoContent(r.Context(), server.Name, repo.Name,
		req.ContentHrefs, req.ForcePublish)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}
