// Package shuffle carries the typed failures a task reports when reading
// map output from another host.
package shuffle

import (
	"encoding/json"
	"errors"
	"fmt"
)

// BlockManagerID locates the block service that served (or failed to serve)
// a shuffle block
type BlockManagerID struct {
	ExecutorID string `json:"executorId"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

func (id BlockManagerID) String() string {
	return fmt.Sprintf("BlockManagerId(%s, %s, %d)", id.ExecutorID, id.Host, id.Port)
}

// FetchFailedError reports that a reduce task could not fetch the output of
// a map task. The scheduler uses the provenance to re-run the producing
// stage instead of retrying the reader.
type FetchFailedError struct {
	Address   *BlockManagerID
	ShuffleID int
	MapID     int64
	MapIndex  int
	ReduceID  int
	Message   string
	Cause     error
}

func (e *FetchFailedError) Error() string {
	addr := "unknown"
	if e.Address != nil {
		addr = e.Address.String()
	}
	msg := fmt.Sprintf("fetch failed from %s (shuffle %d, map %d/%d, reduce %d): %s",
		addr, e.ShuffleID, e.MapID, e.MapIndex, e.ReduceID, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FetchFailedError) Unwrap() error {
	return e.Cause
}

// TaskKilledError reports a task that stopped because it was asked to
type TaskKilledError struct {
	Reason string
}

func (e *TaskKilledError) Error() string {
	return "task killed: " + e.Reason
}

// Kinds of TaskFailure
const (
	FailureFetch     = "FetchFailed"
	FailureException = "ExceptionFailure"
	FailureKilled    = "TaskKilled"
)

// TaskFailure is the reason of a failed task as it travels in
// StatusUpdate.Data
type TaskFailure struct {
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
	Address   *BlockManagerID `json:"address,omitempty"`
	ShuffleID int             `json:"shuffleId,omitempty"`
	MapID     int64           `json:"mapId,omitempty"`
	MapIndex  int             `json:"mapIndex,omitempty"`
	ReduceID  int             `json:"reduceId,omitempty"`
	Cause     string          `json:"cause,omitempty"`
}

// EncodeFailure converts err into the StatusUpdate payload. Fetch failures
// keep their provenance; any other error is reported as an exception.
func EncodeFailure(err error) ([]byte, error) {
	f := TaskFailure{Kind: FailureException, Message: err.Error()}

	var killed *TaskKilledError
	if errors.As(err, &killed) {
		f = TaskFailure{Kind: FailureKilled, Message: killed.Reason}
	}

	var fetch *FetchFailedError
	if errors.As(err, &fetch) {
		f = TaskFailure{
			Kind:      FailureFetch,
			Message:   fetch.Message,
			Address:   fetch.Address,
			ShuffleID: fetch.ShuffleID,
			MapID:     fetch.MapID,
			MapIndex:  fetch.MapIndex,
			ReduceID:  fetch.ReduceID,
		}
		if fetch.Cause != nil {
			f.Cause = fetch.Cause.Error()
		}
	}

	data, mErr := json.Marshal(f)
	if mErr != nil {
		return nil, fmt.Errorf("failed to encode task failure: %w", mErr)
	}
	return data, nil
}

// DecodeFailure restores the error encoded by EncodeFailure. A fetch
// failure comes back as *FetchFailedError.
func DecodeFailure(data []byte) (error, error) {
	var f TaskFailure
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode task failure: %w", err)
	}

	switch f.Kind {
	case FailureFetch:
		fetch := &FetchFailedError{
			Address:   f.Address,
			ShuffleID: f.ShuffleID,
			MapID:     f.MapID,
			MapIndex:  f.MapIndex,
			ReduceID:  f.ReduceID,
			Message:   f.Message,
		}
		if f.Cause != "" {
			fetch.Cause = errors.New(f.Cause)
		}
		return fetch, nil
	case FailureKilled:
		return &TaskKilledError{Reason: f.Message}, nil
	default:
		return errors.New(f.Message), nil
	}
}
