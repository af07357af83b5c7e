/*
Package pulp is the HTTP client for Pulp backends.

The client speaks the v3 API: basic auth with credentials from pkg/vault,
automatic credential refresh on 401, pagination following, and typed
helpers for the resources pulp-manager orchestrates (repositories, remotes,
publications, distributions, tasks, content).

Most mutating calls on a Pulp backend are asynchronous and answer with a
task href; MonitorTask polls such tasks to completion and distinguishes a
failed task from one that never left the waiting state.
*/
package pulp
