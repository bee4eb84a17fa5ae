package domain

import (
	"encoding/json"
	"time"
)

// ErrorKind classifies a task failure for callers and operators.
type ErrorKind string

const (
	KindBrokerUnavailable ErrorKind = "broker_unavailable"
	KindUnknownTaskType   ErrorKind = "unknown_task_type"
	KindUnhandledTaskType ErrorKind = "unhandled_task_type"
	KindHandlerFault      ErrorKind = "handler_fault"
	KindTimeout           ErrorKind = "timeout"
)

// TaskError is a structured failure description carried inside a ResultEnvelope.
// It also satisfies the error interface so handlers can return one directly.
// TaskID is set on dispatch-side errors whose task was already enqueued, so
// a caller that timed out can still poll for the result later.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	TaskID  string    `json:"task_id,omitempty"`
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Status is the advisory lifecycle state of a task. Correlation between
// submitter and worker happens solely through the result store; statuses
// exist for observability.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TaskEnvelope is an immutable unit of work. Once submitted it is never
// mutated; a retry is a fresh envelope with a new ID and RetryOf set to
// the original.
type TaskEnvelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	CallerContext string         `json:"caller_context,omitempty"`
	Parameters    map[string]any `json:"parameters"`
	SubmittedAt   time.Time      `json:"submitted_at"`
	RetryOf       string         `json:"retry_of,omitempty"`
}

// Marshal converts the envelope into a JSON byte slice.
func (t *TaskEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTask parses a JSON byte slice into a TaskEnvelope.
func UnmarshalTask(data []byte) (*TaskEnvelope, error) {
	var t TaskEnvelope
	err := json.Unmarshal(data, &t)
	return &t, err
}

// ResultEnvelope is the outcome of processing one TaskEnvelope, keyed by
// the task id. Created exactly once per completion; stored with a short TTL.
type ResultEnvelope struct {
	TaskID      string         `json:"task_id"`
	Success     bool           `json:"success"`
	Data        map[string]any `json:"data,omitempty"`
	Error       *TaskError     `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Marshal converts the result into a JSON byte slice.
func (r *ResultEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResult parses a JSON byte slice into a ResultEnvelope.
func UnmarshalResult(data []byte) (*ResultEnvelope, error) {
	var r ResultEnvelope
	err := json.Unmarshal(data, &r)
	return &r, err
}

// SuccessResult builds a successful ResultEnvelope for a task.
func SuccessResult(taskID string, data map[string]any) *ResultEnvelope {
	return &ResultEnvelope{
		TaskID:      taskID,
		Success:     true,
		Data:        data,
		CompletedAt: time.Now().UTC(),
	}
}

// FailureResult builds a failed ResultEnvelope with a structured error.
func FailureResult(taskID string, kind ErrorKind, msg string) *ResultEnvelope {
	return &ResultEnvelope{
		TaskID:      taskID,
		Success:     false,
		Error:       &TaskError{Kind: kind, Message: msg},
		CompletedAt: time.Now().UTC(),
	}
}
