/*
Package metrics provides Prometheus metrics for the scan engine.

Metrics are incremented inline at the point of state change (job admission,
record outcome, chunk send) rather than polled from a background collector,
since the scan core's counters are already atomics living on the job object;
a separate polling collector would just be a slower path to the same numbers.
Handler exposes the registry for an HTTP /metrics endpoint.
*/
package metrics
