// Package metrics exposes Prometheus metrics for tasks, repo health,
// queue depths and API traffic. The collector refreshes gauges from the
// store on a fixed interval; counters are incremented inline.
package metrics
