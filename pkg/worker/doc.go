// Package worker assembles a worker process: a queue consumer with the
// repo workflow handlers registered and tied into the task lifecycle.
package worker
