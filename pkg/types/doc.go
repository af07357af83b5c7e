/*
Package types defines the entities pulp-manager tracks: backends, repos and
their associations, repo groups, tasks with stages, and the enums used across
the system.

Enums are small integers internally so health rollups can compare severity,
but marshal to and from their names so the store, the filter grammar and the
REST API all speak names.
*/
package types
