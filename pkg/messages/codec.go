package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

var (
	// ErrUnknownMessage is returned for values outside the catalog
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrLocalMessage is returned when a local tick is about to be encoded
	ErrLocalMessage = errors.New("local messages never cross the network")
)

const boolType = "bool"

var registry = make(map[string]reflect.Type)

func register(msgs ...Message) {
	for _, m := range msgs {
		t := reflect.TypeOf(m).Elem()
		registry[t.Name()] = t
	}
}

func init() {
	register(
		// worker <-> master
		&RegisterWorker{}, &RegisteredWorker{}, &RegisterWorkerFailed{}, &MasterInStandby{},
		&WorkerHeartbeat{}, &WorkerLatestState{}, &LaunchExecutor{}, &LaunchDriver{},
		&KillExecutor{}, &KillDriver{}, &ExecutorStateChanged{}, &DriverStateChanged{},
		&ApplicationFinished{},
		// application client <-> master
		&RegisterApplication{}, &RegisteredApplication{}, &UnregisterApplication{},
		&ApplicationRemoved{}, &RequestExecutors{}, &KillExecutors{}, &ExecutorAdded{},
		&ExecutorUpdated{}, &WorkerRemoved{}, &RequestSubmitDriver{}, &SubmitDriverResponse{},
		&RequestKillDriver{}, &KillDriverResponse{}, &RequestDriverStatus{},
		&DriverStatusResponse{}, &RequestMasterState{}, &MasterStateResponse{},
		// driver <-> executor
		&RegisterExecutor{}, &RegisteredExecutor{}, &RegisterExecutorFailed{}, &LaunchTask{},
		&KillTask{}, &StatusUpdate{}, &ReviveOffers{}, &StopDriver{}, &StopExecutor{},
		&StopExecutors{}, &Shutdown{}, &RemoveExecutor{}, &RemoveWorker{},
		&KillExecutorsOnHost{}, &RetrieveAppConfig{}, &AppConfig{},
		// failover
		&MasterChanged{}, &ReconnectWorker{}, &WorkerSchedulerStateResponse{},
		&MasterChangeAcknowledged{},
		// local
		&SendHeartbeat{}, &CheckForWorkerTimeOut{}, &CompleteRecovery{}, &ElectedLeader{},
		&RevokedLeadership{}, &StopAppClient{}, &RequestWorkerState{}, &WorkerStateResponse{},
	)
}

// New returns an empty message of the named type
func New(name string) (Message, error) {
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, name)
	}
	return reflect.New(t).Interface().(Message), nil
}

// Names lists the catalog, sorted, optionally restricted to one family
func Names(families ...Family) []string {
	var names []string
	for name := range registry {
		m, _ := New(name)
		if len(families) == 0 || containsFamily(families, m.Family()) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func containsFamily(families []Family, f Family) bool {
	for _, candidate := range families {
		if candidate == f {
			return true
		}
	}
	return false
}

// TypeName returns the catalog name of msg, or its Go type for anything else
func TypeName(msg any) string {
	if t := reflect.TypeOf(msg); t != nil && t.Kind() == reflect.Pointer {
		if registered, ok := registry[t.Elem().Name()]; ok && registered == t.Elem() {
			return t.Elem().Name()
		}
	}
	return fmt.Sprintf("%T", msg)
}

// Codec encodes catalog messages as JSON keyed by their type name. It also
// carries the bool replies of RequestExecutors and KillExecutors.
type Codec struct{}

func (Codec) Marshal(msg any) (string, []byte, error) {
	switch m := msg.(type) {
	case bool:
		body, err := json.Marshal(m)
		return boolType, body, err
	case Message:
		if m.Family() == FamilyLocal {
			return "", nil, fmt.Errorf("%w: %T", ErrLocalMessage, msg)
		}
		t := reflect.TypeOf(m)
		if t.Kind() != reflect.Pointer || registry[t.Elem().Name()] != t.Elem() {
			return "", nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
		}
		body, err := json.Marshal(m)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal %s: %w", t.Elem().Name(), err)
		}
		return t.Elem().Name(), body, nil
	default:
		return "", nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

func (Codec) Unmarshal(name string, body []byte) (any, error) {
	if name == boolType {
		var b bool
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bool reply: %w", err)
		}
		return b, nil
	}

	m, err := New(name)
	if err != nil {
		return nil, err
	}
	if m.Family() == FamilyLocal {
		return nil, fmt.Errorf("%w: %s", ErrLocalMessage, name)
	}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return m, nil
}
