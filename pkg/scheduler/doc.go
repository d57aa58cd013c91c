/*
Package scheduler implements the driver side of coarse-grained scheduling.

Executors granted to an application register with the driver endpoint
(Driver) and hold on to their cores for the lifetime of the application.
The endpoint keeps the executor table, offers free cores to a TaskScheduler
and sends the tasks it picks to the executors:

	executor ──RegisterExecutor──► Driver ──ResourceOffers──► TaskScheduler
	executor ◄──LaunchTask──────── Driver ◄──tasks──────────┘
	executor ──StatusUpdate──────► Driver ──StatusUpdate────► TaskScheduler

Offers are made when an executor registers, when a task finishes on it and
on every ReviveInterval tick. A task whose encoded description does not fit
the max message size is failed without being sent.

StandaloneBackend registers the application with a standalone master
through an application client and tells the driver endpoint about executor
and worker losses. It also kills executors on a host through the master,
which is how the Driver serves KillExecutorsOnHost.

# Setup

	driver, _ := scheduler.NewDriver(env, cfg)   // cfg.Killer = backend
	ref, _ := driver.Start()
	backend.Start(ref)
*/
package scheduler
