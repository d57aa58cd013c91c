/*
Package client submits cluster-mode drivers to a standalone cluster.

A driver submitted this way runs on a worker chosen by the master rather
than on the submitting machine, and with Supervise set the worker restarts
it when it fails. The client finds the ALIVE master among the configured
ones before every request, so it keeps working across a failover:

	c, err := client.Dial(rpc.DefaultConfig(), "spindle://m1:7077,m2:7077")
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.SubmitDriver(ctx, types.DriverDescription{
		MemoryMB: 1024,
		Cores:    1,
		Command:  types.Command{Path: "/opt/app/bin/driver"},
	})
	...
	status, err := c.WaitForDriver(ctx, resp.DriverID, time.Second)

Standby masters answer driver requests negatively, so the client asks for
the master state first and only talks to the leader.
*/
package client
