package messages

// Family is the protocol a message belongs to
type Family int

const (
	// FamilyWorkerMaster carries registration, heartbeats and resource
	// lifecycle between workers and the master.
	FamilyWorkerMaster Family = iota
	// FamilyAppClient carries application and driver requests between
	// application clients and the master.
	FamilyAppClient
	// FamilyCoarseGrained carries task plumbing between a driver's
	// scheduler backend and its executors.
	FamilyCoarseGrained
	// FamilyFailover announces and reconciles a master change.
	FamilyFailover
	// FamilyLocal holds ticks and queries a role sends to itself. They
	// never cross the network.
	FamilyLocal
)

func (f Family) String() string {
	switch f {
	case FamilyWorkerMaster:
		return "worker-master"
	case FamilyAppClient:
		return "app-client"
	case FamilyCoarseGrained:
		return "coarse-grained"
	case FamilyFailover:
		return "failover"
	case FamilyLocal:
		return "local"
	}
	return "unknown"
}

// Message is implemented by every variant of the catalog and by nothing
// else. Messages are sent as pointers and never mutated after sending.
type Message interface {
	Family() Family
	isMessage()
}

type workerMaster struct{}

func (workerMaster) Family() Family { return FamilyWorkerMaster }
func (workerMaster) isMessage()     {}

type appClient struct{}

func (appClient) Family() Family { return FamilyAppClient }
func (appClient) isMessage()     {}

type coarseGrained struct{}

func (coarseGrained) Family() Family { return FamilyCoarseGrained }
func (coarseGrained) isMessage()     {}

type failover struct{}

func (failover) Family() Family { return FamilyFailover }
func (failover) isMessage()     {}

type local struct{}

func (local) Family() Family { return FamilyLocal }
func (local) isMessage()     {}
