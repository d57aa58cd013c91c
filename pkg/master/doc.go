/*
Package master implements the master role of a standalone cluster.

The master is an endpoint: its registry of workers, applications,
executors and drivers is only read and written from its mailbox, one
message at a time.

# Leadership

A master starts in STANDBY and waits for its election agent. When elected
it reads the persistence engine. With nothing persisted it is ALIVE at
once. Otherwise it enters RECOVERING: every persisted worker and
application is marked UNKNOWN and sent MasterChanged. Workers answer with
WorkerSchedulerStateResponse, which re-attaches their executors and
drivers, and applications answer with MasterChangeAcknowledged. Once all
have answered, or after WorkerTimeout, recovery completes: silent workers
are removed, silent applications are finished, drivers nobody reported are
relaunched when supervised, and scheduling resumes.

# Liveness

Workers send WorkerHeartbeat every WorkerTimeout/4. A sweep on the same
period removes any worker silent for longer than WorkerTimeout: every
executor it hosted is reported to its application as LOST with workerLost
set, every application is sent WorkerRemoved, and its drivers are
relaunched or failed. A worker that registers again with the same id
replaces its previous entry.

# Scheduling

Waiting drivers are placed first, round-robin over alive workers. Free
cores then go to applications in submission order, spread over as many
workers as possible unless SpreadOut is off, honoring cores and memory
per executor, the application's core cap and its requested executor
limit.
*/
package master
