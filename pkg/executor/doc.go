// Package executor is the executor side of coarse-grained scheduling. A
// Backend fetches the application config from the driver, registers, and
// then runs every LaunchTask it receives on its own goroutine through a
// TaskRunner, reporting RUNNING and then FINISHED, FAILED or KILLED.
//
// Failures travel to the driver encoded with shuffle.EncodeFailure, so a
// fetch failure keeps the map output it could not read.
package executor
