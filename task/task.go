package task

import (
	"time"

	"adlaunch/campaign"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

type Task struct {
	ID          string           `json:"id"`
	Status      Status           `json:"status"`
	UploadDir   string           `json:"-"` // Local workspace holding the uploaded media tree
	Config      *campaign.Config `json:"-"`
	Completed   int              `json:"completed"`
	Failed      int              `json:"failed"`
	Total       int              `json:"total"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   time.Time        `json:"startedAt,omitempty"`
	CompletedAt time.Time        `json:"completedAt,omitempty"`
}

// Outcome is what a Runner reports once a task reached a terminal state.
type Outcome struct {
	Status    Status
	Completed int
	Failed    int
	Total     int
	Err       error
}
