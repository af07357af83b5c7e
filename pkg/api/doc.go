// Package api is the control-plane HTTP API.
//
// Routes live under /v1 and speak JSON. List endpoints accept the
// storage filter grammar as query parameters (field, field__ne,
// field__match, field__le and so on) plus sort_by, order_by, page and
// page_size. Mutating routes require a bearer token whose groups
// intersect the configured admin groups; read routes are open.
//
//	/v1/auth          login, token lookup
//	/v1/pulp_servers  inventory, repo detail, fleet operations
//	/v1/tasks         task listing, detail with stages, cancellation
//	/v1/rq_jobs       queue and job registry visibility
//	/health /metrics  liveness and Prometheus exposition
package api
