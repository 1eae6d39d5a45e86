// Package predict talks to an asynchronous prediction provider: submit a job,
// refresh its status, fetch the artifacts it produced.
package predict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the status can no longer change. Failure counts as
// terminal the same way success does.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Prediction is the job handle. Its Status is only as fresh as the last
// Reload.
type Prediction struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Status      Status    `json:"status"`
	Output      Output    `json:"output"`
	Error       string    `json:"error"`
	Logs        string    `json:"logs,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Output is the list of artifact URLs. Models with a single output return a
// bare string instead of a list.
type Output []string

func (o *Output) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*o = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = Output{s}
		return nil
	default:
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("prediction output: %w", err)
		}
		*o = list
		return nil
	}
}
