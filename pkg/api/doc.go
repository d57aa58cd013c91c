/*
Package api exposes the health of a spindle process to orchestrators and
load balancers.

HealthServer serves plain HTTP:

	GET /health    200 while the process is up
	GET /ready     200 while every registered Check passes, 503 otherwise
	GET /metrics   Prometheus metrics

MasterCheck passes while the master is the ALIVE leader, so only the
leader of an HA pair is ready. WorkerCheck passes while the worker is
registered with a master.

Server serves the standard grpc.health.v1 service. The empty service name
tracks the process and MasterService tracks leadership: WatchLeadership
re-runs a Check whenever the master publishes a leadership event.

# Usage

	hs := api.NewHealthServer(version)
	hs.AddCheck("master", api.MasterCheck(ref))
	go hs.Start(":8081")

	gs := api.NewServer()
	go gs.WatchLeadership(ctx, m.Broker(), api.MasterCheck(ref))
	go gs.Start(":8082")
*/
package api
