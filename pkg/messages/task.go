package messages

import (
	"encoding/json"
	"fmt"
)

// TaskDescription is the payload of LaunchTask
type TaskDescription struct {
	TaskID     int64             `json:"taskId"`
	Attempt    int               `json:"attempt"`
	ExecutorID string            `json:"executorId"`
	Name       string            `json:"name"`
	Index      int               `json:"index"`
	Properties map[string]string `json:"properties,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
}

// Encode serializes the description for LaunchTask.Data
func (td *TaskDescription) Encode() ([]byte, error) {
	data, err := json.Marshal(td)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %d: %w", td.TaskID, err)
	}
	return data, nil
}

// DecodeTaskDescription parses LaunchTask.Data
func DecodeTaskDescription(data []byte) (*TaskDescription, error) {
	var td TaskDescription
	if err := json.Unmarshal(data, &td); err != nil {
		return nil, fmt.Errorf("failed to decode task description: %w", err)
	}
	return &td, nil
}
