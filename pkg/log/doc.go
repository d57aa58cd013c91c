/*
Package log provides structured logging for spindle using zerolog.

A single global Logger is configured once at process start through Init and
every role derives a child logger from it:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("master")
	logger.Info().Str("worker_id", id).Msg("Registered worker")

	wlog := log.WithWorkerID("worker-20260101120000-10.0.0.5-7078")
	wlog.Warn().Str("type", "KillTask").Msg("Dropping unexpected message")

Console output is the default and is meant for development. JSON output is
what production deployments ship to their log collectors.

Field conventions: component, worker_id, app_id, executor_id, driver_id and
type (the message type name when logging protocol violations).
*/
package log
