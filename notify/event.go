// Package notify carries task progress, per-item errors and terminal
// outcomes to connected clients.
package notify

import "time"

// EventType classifies messages emitted during a campaign run.
type EventType string

const (
	EventProgress     EventType = "progress"
	EventError        EventType = "error"
	EventTaskComplete EventType = "task_complete"
	EventTaskCanceled EventType = "task_canceled"
	EventTaskFailed   EventType = "task_failed"
)

// Terminal reports whether t ends a task's event stream.
func (t EventType) Terminal() bool {
	return t == EventTaskComplete || t == EventTaskCanceled || t == EventTaskFailed
}

// Event is a sequenced payload consumed by browser subscribers.
type Event struct {
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	TaskID     string    `json:"taskId"`
	Type       EventType `json:"type"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	Percentage int       `json:"percentage"`
	Step       string    `json:"step,omitempty"`
	Title      string    `json:"title,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Notifier accepts events for delivery. Publish must not block on slow
// consumers.
type Notifier interface {
	Publish(event Event) Event
}

// Progress builds a progress snapshot. Percentage is floored and capped at
// 100.
func Progress(taskID string, completed, total int, step string) Event {
	pct := 100
	if total > 0 {
		if completed > total {
			completed = total
		}
		pct = completed * 100 / total
	}
	return Event{
		TaskID:     taskID,
		Type:       EventProgress,
		Completed:  completed,
		Total:      total,
		Percentage: pct,
		Step:       step,
	}
}
