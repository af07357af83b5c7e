// Package reconciler keeps the repo inventory in step with the backends.
// A reconcile run lists a backend's repositories, remotes and
// distributions, upserts the matching inventory rows, and drops
// per-server rows for repos the backend no longer has. Repo rows are
// shared across servers and survive individual backend removals.
package reconciler
