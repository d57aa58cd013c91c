/*
Package worker implements the worker role of a standalone cluster.

A worker offers a fixed number of cores and megabytes of memory to the
masters it is configured with, and runs the executors and drivers the
active master assigns to it.

	┌──────────────────── WORKER ─────────────────────┐
	│                                                  │
	│   mailbox ◄── RegisteredWorker, LaunchExecutor,  │
	│      │        KillExecutor, LaunchDriver, ...    │
	│      │                                           │
	│      ├── registration loop (backoff over masters)│
	│      ├── heartbeat ticker (WorkerTimeout/4)      │
	│      └── one goroutine per hosted process        │
	│             executor: wait, report exit          │
	│             driver:   wait, restart if supervised│
	└──────────────────────────────────────────────────┘

# Registration

On start the worker asks every master in turn with RegisterWorker. A master
in standby answers MasterInStandby and the next one is tried; rounds are
spaced by an exponential backoff bounded by RegistrationTimeout. Once
registered the worker sends WorkerLatestState so the master can kill
anything it does not know, and heartbeats begin. A rejection or an
exhausted backoff is reported on Failures.

MasterChanged and ReconnectWorker put the worker back into registration,
starting with the master named in the message. Hosted processes keep
running; after registering again the worker reports them with
WorkerSchedulerStateResponse.

# Processes

Executors and drivers are started by a Launcher. ExecLauncher runs the
application's command on the local host, substituting {{APP_ID}},
{{EXECUTOR_ID}}, {{DRIVER_ID}}, {{CORES}}, {{MEMORY_MB}}, {{HOSTNAME}} and
{{WORKER_URL}} and exporting the same values as SPINDLE_* variables.

Commands carrying a master URL other than the active one are ignored. A
launch for an executor already running is answered with its current state
and does not start a second process. Kills for unknown ids are no-ops.
*/
package worker
