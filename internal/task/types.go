// Package task defines core types shared across subsystems.
package task

import "time"

// Status represents the lifecycle state of a crawl task.
type Status string

// Task status values persisted in the task store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions may occur from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is one of the defined task statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal edge from s.
// The only edges are pending -> running -> {succeeded | failed}.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed
	default:
		return false
	}
}

// Summary captures what a successful crawl produced.
type Summary struct {
	Rows      int            `json:"rows"`
	TradeDate string         `json:"trade_date,omitempty"`
	Markets   map[string]int `json:"markets,omitempty"`
	Collected int            `json:"items_collected,omitempty"`
	Failed    int            `json:"items_failed,omitempty"`
}

// Failure is the structured error recorded on a failed task.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Task is the tracked record of one crawl invocation.
type Task struct {
	ID          string     `json:"id"`
	CrawlerType string     `json:"crawler_type"`
	Target      string     `json:"target"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Summary   `json:"result_summary,omitempty"`
	Error       *Failure   `json:"error,omitempty"`
}

// Outcome carries the payload for a status transition. Result must be set
// for succeeded, Error for failed, neither for running.
type Outcome struct {
	Result *Summary
	Error  *Failure
}

// Item is what travels through the execution queue.
type Item struct {
	TaskID      string `json:"task_id"`
	CrawlerType string `json:"crawler_type"`
	Target      string `json:"target"`
	Submitted   int64  `json:"submitted"`
}
