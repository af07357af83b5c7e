/*
Package log provides structured logging for pulp-manager using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Context loggers attach the fields that matter when tracing a workflow:

  - WithComponent: which subsystem emitted the line (syncher, queue, api)
  - WithPulpServer: which backend the operation targets
  - WithTaskID: the tracked task a log line belongs to
  - WithJobID: the queue job executing the task

The server, worker and scheduler processes all call Init once at startup with
the level and format from configuration; everything else uses the global
Logger or a context logger derived from it.
*/
package log
