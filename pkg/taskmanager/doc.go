/*
Package taskmanager tracks the tasks pulp-manager runs and ties them to
queue jobs.

The Service owns the task state machine:

	queued ──► running ──► completed | failed | canceled
	  │
	  └──► canceled | failed | failed_to_start

Terminal states absorb: no transition leaves them. Stages follow the same
states, plus skipped for steps deliberately not run. State is always
persisted before the side effects it describes are carried out, so a
restart never finds work that claims less progress than the backend has.

The JobManager is the only place jobs are enqueued. It creates the task
row first and the job second, carrying the task ID, which keeps the
invariant that a queued task always has a queue job behind it. Its failure
hook marks tasks failed when their job dies, covering worker crashes.
*/
package taskmanager
