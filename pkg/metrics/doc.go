/*
Package metrics exposes spindle's Prometheus metrics.

All vectors are registered with the default registry at init and served by
Handler, which the master mounts at /metrics on its health server.

Gauges describing the cluster (workers, applications, drivers, cores and
memory) are refreshed by a Collector that polls the master for a
ClusterSnapshot. Counters are incremented inline by the roles and by the
transport:

	metrics.HeartbeatsReceived.Inc()
	metrics.WorkersRemoved.WithLabelValues("timeout").Inc()

	timer := metrics.NewTimer()
	m.schedule()
	timer.ObserveDuration(metrics.SchedulingLatency)
*/
package metrics
