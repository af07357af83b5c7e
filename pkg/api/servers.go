package api

import (
	"net/http"
	"net/url"

	"github.com/G-Research/Pulp-manager/pkg/pulp"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

func (s *Server) handleListPulpServers(w http.ResponseWriter, r *http.Request) {
	q, ok := s.parseListQuery(w, r)
	if !ok {
		return
	}
	page, err := s.store.PagePulpServers(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetPulpServer(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	server, err := s.store.GetPulpServer(id)
	if err != nil {
		writeStoreError(w, err, "Pulp server not found")
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleRepoHealthStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.RepoHealthStatusNames())
}

func (s *Server) handleListServerRepos(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetPulpServer(id); err != nil {
		writeStoreError(w, err, "Pulp server not found")
		return
	}

	q, ok := s.parseListQuery(w, r)
	if !ok {
		return
	}
	q.Filters["pulp_server_id"] = id
	page, err := s.store.PagePulpServerRepoDetails(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// serverRepoDetail joins a PulpServerRepo with its Repo row for responses.
func (s *Server) serverRepoDetail(serverRepo *types.PulpServerRepo) (*types.PulpServerRepoDetail, error) {
	repo, err := s.store.GetRepo(serverRepo.RepoID)
	if err != nil {
		return nil, err
	}
	server, err := s.store.GetPulpServer(serverRepo.PulpServerID)
	if err != nil {
		return nil, err
	}
	return &types.PulpServerRepoDetail{
		PulpServerRepo: *serverRepo,
		Name:           repo.Name,
		RepoType:       repo.RepoType,
		PulpServerName: server.Name,
	}, nil
}

func (s *Server) handleGetServerRepo(w http.ResponseWriter, r *http.Request) {
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
	detail, err := s.serverRepoDetail(serverRepo)
	if err != nil {
		writeStoreError(w, err, "Repo not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListServerRepoTasks(w http.ResponseWriter, r *http.Request) {
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

	links, err := s.store.ListPulpServerRepoTasksByRepo(serverRepo.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	q, ok := s.parseListQuery(w, r)
	if !ok {
		return
	}
	if len(links) == 0 {
		writeJSON(w, http.StatusOK, &storage.PagedResult[types.Task]{
			Page: q.Page, PageSize: q.PageSize, Items: []*types.Task{},
		})
		return
	}

	taskIDs := make([]interface{}, len(links))
	for i, link := range links {
		taskIDs[i] = link.TaskID
	}
	q.Filters["id__in"] = taskIDs

	page, err := s.store.PageTasks(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// serverRepoGroupDetail joins a registration with its RepoGroup row.
type serverRepoGroupDetail struct {
	types.PulpServerRepoGroup
	Name         string `json:"name"`
	RegexInclude string `json:"regex_include"`
	RegexExclude string `json:"regex_exclude"`
}

func (s *Server) handleListServerRepoGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetPulpServer(id); err != nil {
		writeStoreError(w, err, "Pulp server not found")
		return
	}

	serverGroups, err := s.store.ListPulpServerRepoGroups(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	details := make([]*serverRepoGroupDetail, 0, len(serverGroups))
	for _, serverGroup := range serverGroups {
		group, err := s.store.GetRepoGroup(serverGroup.RepoGroupID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		details = append(details, &serverRepoGroupDetail{
			PulpServerRepoGroup: *serverGroup,
			Name:                group.Name,
			RegexInclude:        group.RegexInclude,
			RegexExclude:        group.RegexExclude,
		})
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleGetServerRepoGroup(w http.ResponseWriter, r *http.Request) {
	serverID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	groupID, ok := idParam(w, r, "groupID")
	if !ok {
		return
	}

	serverGroup, err := s.store.GetPulpServerRepoGroupByPair(serverID, groupID)
	if err != nil {
		writeStoreError(w, err, "Repo group not found")
		return
	}
	group, err := s.store.GetRepoGroup(serverGroup.RepoGroupID)
	if err != nil {
		writeStoreError(w, err, "Repo group not found")
		return
	}
	writeJSON(w, http.StatusOK, &serverRepoGroupDetail{
		PulpServerRepoGroup: *serverGroup,
		Name:                group.Name,
		RegexInclude:        group.RegexInclude,
		RegexExclude:        group.RegexExclude,
	})
}

// findPackageContentRequest searches the latest repo version for package
// content. At least one criterion is required, so searches stay bounded
// on versions holding tens of thousands of packages.
type findPackageContentRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	SHA256  string `json:"sha256"`
}

func (s *Server) handleFindPackageContent(w http.ResponseWriter, r *http.Request) {
	serverID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	repoID, ok := idParam(w, r, "repoID")
	if !ok {
		return
	}

	var search findPackageContentRequest
	if !decodeBody(w, r, &search) {
		return
	}
	if search.Name == "" && search.Version == "" && search.SHA256 == "" {
		writeError(w, http.StatusBadRequest, "name, version or sha256 must be specified")
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

	client, err := s.clientFor(server)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	pulpRepo, err := pulp.GetRepository(r.Context(), client, serverRepo.RepoHref)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	params := url.Values{}
	params.Set("repository_version", pulpRepo.LatestVersionHref)
	params.Set("fields", "package,pkgId,name,sha256,pulp_href,version")
	if search.Name != "" {
		// deb content calls the package name "package"
		if repo.RepoType == "deb" {
			params.Set("package", search.Name)
		} else {
			params.Set("name", search.Name)
		}
	}
	if search.Version != "" {
		params.Set("version", search.Version)
	}
	if search.SHA256 != "" {
		params.Set("sha256", search.SHA256)
	}

	content, err := pulp.ListContent(r.Context(), client, repo.RepoType, params)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, content)
}
