package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/G-Research/Pulp-manager/pkg/auth"
	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/log"
	"github.com/G-Research/Pulp-manager/pkg/metrics"
	"github.com/G-Research/Pulp-manager/pkg/pulp"
	"github.com/G-Research/Pulp-manager/pkg/queue"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

// Server is the control-plane HTTP API.
type Server struct {
	store         storage.Store
	jobs          *taskmanager.JobManager
	tasks         *taskmanager.Service
	inspector     *queue.Inspector
	auth          *auth.Manager
	authenticator auth.Authenticator
	cfg           *config.Config
	clientFor     func(*types.PulpServer) (*pulp.Client, error)
	httpServer    *http.Server
}

// NewServer creates the API server. The authenticator may be nil, in
// which case the login route reports that no identity backend is
// configured.
func NewServer(store storage.Store, jobs *taskmanager.JobManager, inspector *queue.Inspector,
	authManager *auth.Manager, authenticator auth.Authenticator, cfg *config.Config) *Server {

	s := &Server{
		store:         store,
		jobs:          jobs,
		tasks:         jobs.Tasks(),
		inspector:     inspector,
		auth:          authManager,
		authenticator: authenticator,
		cfg:           cfg,
	}
	s.clientFor = func(server *types.PulpServer) (*pulp.Client, error) {
		return pulp.NewClientForServer(server, cfg.Pulp)
	}
	return s
}

// Router builds the chi router serving the v1 API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Get("/auth/token_lookup", s.handleTokenLookup)

		r.Route("/pulp_servers", func(r chi.Router) {
			r.Get("/", s.handleListPulpServers)
			r.Get("/repo_health_statuses", s.handleRepoHealthStatuses)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPulpServer)
				r.Get("/repos", s.handleListServerRepos)
				r.Get("/repos/{repoID}", s.handleGetServerRepo)
				r.Get("/repos/{repoID}/tasks", s.handleListServerRepoTasks)
				r.Post("/repos/{repoID}/find_package_content", s.handleFindPackageContent)
				r.Get("/repo_groups", s.handleListServerRepoGroups)
				r.Get("/repo_groups/{groupID}", s.handleGetServerRepoGroup)

				r.Group(func(r chi.Router) {
					r.Use(s.requireAdmin)
					r.Post("/repos/{repoID}/remove_repo_content", s.handleRemoveRepoContent)
					r.Post("/snapshot_repos", s.handleSnapshotRepos)
					r.Post("/sync_repos", s.handleSyncRepos)
					r.Post("/remove_repos", s.handleRemoveRepos)
				})
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/task_types", s.handleTaskTypes)
			r.Get("/task_states", s.handleTaskStates)
			r.Get("/{id}", s.handleGetTask)
			r.With(s.requireAdmin).Patch("/{id}", s.handlePatchTask)
		})

		r.Route("/rq_jobs", func(r chi.Router) {
			r.Get("/queues", s.handleListQueues)
			r.Get("/queues/jobs/{id}", s.handleGetJob)
			r.Get("/queues/{name}", s.handleQueueStats)
			r.Get("/queues/{name}/scheduled", s.handleScheduledJobs)
			r.Get("/queues/{name}/jobs/{registry}", s.handleRegistryJobs)
		})
	})
	return r
}

// Start serves the API until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down, letting in-flight requests complete.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
