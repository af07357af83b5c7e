/*
Package queue implements the redis-backed job queue that executes
pulp-manager's workflows.

# Architecture

	┌───────────────────────── QUEUE SYSTEM ─────────────────────────┐
	│                                                                 │
	│  ┌──────────────┐   Enqueue    ┌───────────────────────────┐   │
	│  │  JobManager  ├─────────────►│  queue list (FIFO)        │   │
	│  └──────────────┘              │  pm:queue:default         │   │
	│                                └────────────┬──────────────┘   │
	│  ┌──────────────┐   cron due                │ BRPOP            │
	│  │  Scheduler   ├──────────┐                ▼                  │
	│  │  robfig/cron │          │   ┌───────────────────────────┐   │
	│  └──────────────┘          └──►│  Worker                   │   │
	│                                │  runs registered handlers │   │
	│  registries per queue:         └────────────┬──────────────┘   │
	│  scheduled / deferred /                     │                  │
	│  started / finished / failed   ◄────────────┘                  │
	│  (sorted sets, TTL'd records)                                  │
	└─────────────────────────────────────────────────────────────────┘

Jobs are JSON records keyed by UUID. A job carries the ID of the tracked
task it executes; the task row is always created before the job is
enqueued, so a queued task implies a queue job exists. Finished and failed
job records expire after the result TTL (48h by default).

Cancellation: pending jobs are removed from their queue or registry;
started jobs receive a stop command that the worker polls for, canceling
the handler context. A handler that fails triggers the failure hook so the
tracked task is marked failed even when the worker did not get to write a
result.

The scheduler process owns cron evaluation: each registered Schedule keeps
its next run time in a sorted set, and firing a schedule goes through the
job manager so task bookkeeping is identical for scheduled and ad-hoc runs.
*/
package queue
