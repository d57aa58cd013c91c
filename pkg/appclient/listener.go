package appclient

// Listener receives the client's view changes. Calls come from the client
// mailbox, one at a time, and must not block.
type Listener interface {
	// Connected is called on every successful registration, including
	// after a master change
	Connected(appID string)
	// Disconnected is called when the master stops answering and the client
	// waits for a new one
	Disconnected()
	// Dead is called once, when the application can no longer run
	Dead(reason string)

	ExecutorAdded(fullID, workerID, hostPort string, cores, memoryMB int)
	ExecutorRemoved(fullID, message string, exitStatus *int, workerLost bool)
	WorkerRemoved(workerID, host, message string)
}
