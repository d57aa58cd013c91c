package messages

// Names the roles register their endpoints under
const (
	MasterEndpoint    = "Master"
	WorkerEndpoint    = "Worker"
	AppClientEndpoint = "AppClient"
	DriverEndpoint    = "CoarseGrainedScheduler"
	ExecutorEndpoint  = "Executor"
)
