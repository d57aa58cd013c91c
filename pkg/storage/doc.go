/*
Package storage persists the master registry in BoltDB so a standby master
can take over after a failover.

BoltEngine keeps one bucket per record kind, keyed by id, with JSON values:

	apps     application id -> ApplicationInfo (description, driver ref)
	workers  worker id      -> WorkerInfo (host, port, resources, ref)
	drivers  driver id      -> DriverInfo (description)

Writes are upserts inside db.Update and deletes are idempotent. Executors
are never stored: after a failover each worker reports its executors in a
WorkerSchedulerStateResponse and the master re-attaches them.

NoopEngine is used when recovery is disabled.

# Usage

	engine, err := storage.NewBoltEngine("/var/lib/spindle/master")
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	data, err := engine.ReadPersistedData()
*/
package storage
