/*
Package storage provides persistent state storage for pulp-manager using
BoltDB.

The storage layer holds the fleet inventory (pulp servers, repos and their
associations, repo groups) and the task history (tasks, stages, task/repo
links). Entities are stored as JSON values in one bucket per entity type,
keyed by a bucket-sequence ID. Unique constraints (server name, repo name,
repo group name, server/repo and server/group pairs) are enforced with
secondary index buckets inside the same write transaction.

# Filter Grammar

List operations accept a Query whose filter keys are entity field names,
optionally suffixed with an operator:

	state=completed            equality
	name__ne=centos7           not equal
	date_queued__ge=...        ordered comparison (also __gt, __lt, __le)
	name__match=^ubuntu        case-insensitive regex
	repo_type__in=rpm,deb      membership

Enum-valued fields are filtered by name because entities marshal their
enums as names. Results may be sorted with SortBy/OrderBy and paged with
Page/PageSize; page numbering starts at 1.

The joined PulpServerRepoDetail view additionally exposes name and
repo_type from the Repo and pulp_server_name from the PulpServer, so
callers can filter server repos the way the REST API presents them.
*/
package storage
