package task

import (
	"time"

	"mediamill/internal/taskerr"
)

// Family identifies which executor pipeline owns a task.
type Family string

const (
	FamilyTranscription Family = "transcription"
	FamilyDownload      Family = "download"
	FamilyKeyframe      Family = "keyframe"
	FamilyComposition   Family = "composition"
)

// Families lists every family in a stable order.
func Families() []Family {
	return []Family{FamilyTranscription, FamilyDownload, FamilyKeyframe, FamilyComposition}
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Record is the in-memory state of one accepted job. All mutation goes
// through Registry.Update so concurrent writers are serialized per record.
type Record struct {
	ID           string             `json:"task_id"`
	Family       Family             `json:"family"`
	Status       Status             `json:"status"`
	Progress     int                `json:"progress"`
	Message      string             `json:"message,omitempty"`
	CurrentStage string             `json:"current_stage,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    time.Time          `json:"started_at,omitzero"`
	FinishedAt   time.Time          `json:"finished_at,omitzero"`
	Params       any                `json:"params,omitempty"`
	Result       any                `json:"result,omitempty"`
	Error        *ErrorInfo         `json:"error,omitempty"`
	TempPaths    []string           `json:"-"`
}

// ErrorInfo is the error projection exposed by status endpoints.
type ErrorInfo struct {
	Kind        taskerr.Kind `json:"kind"`
	Message     string       `json:"message"`
	Recoverable bool         `json:"recoverable"`
}

// NewErrorInfo projects a classified error for storage on the record.
func NewErrorInfo(te *taskerr.TaskError) *ErrorInfo {
	if te == nil {
		return nil
	}
	return &ErrorInfo{Kind: te.Kind, Message: te.Error(), Recoverable: te.Recoverable()}
}

// Summary is the per-family breakdown returned by /system/tasks.
type Summary struct {
	Total          int            `json:"total"`
	Active         int            `json:"active"`
	ByFamily       map[Family]int `json:"by_family"`
	ActiveByFamily map[Family]int `json:"active_by_family"`
}
