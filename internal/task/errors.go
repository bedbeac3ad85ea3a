package task

import (
	"errors"
	"fmt"
)

// Sentinel errors for the synchronous request path.
var (
	// ErrNotFound signals that the requested task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition signals an illegal status edge. It indicates a
	// defect in the executor rather than bad client input.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownCrawlerType signals that no crawler is registered under
	// the requested name.
	ErrUnknownCrawlerType = errors.New("unknown crawler type")
	// ErrQueueFull signals that the executor rejected a submission because
	// its queue is at capacity.
	ErrQueueFull = errors.New("executor queue full")
	// ErrInvalidTarget signals a missing or malformed crawl target in a
	// submission request.
	ErrInvalidTarget = errors.New("invalid crawl target")
)

// ConflictError is returned by Create when an active task already exists
// for the same (crawler_type, target) key.
type ConflictError struct {
	CrawlerType  string
	Target       string
	ActiveTaskID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"crawl for %s/%s already in progress (task %s)",
		e.CrawlerType, e.Target, e.ActiveTaskID,
	)
}

// Crawl error kinds recorded on failed tasks.
const (
	FailKindNetwork  = "network"
	FailKindUpstream = "upstream"
	FailKindTimeout  = "timeout"
	FailKindSchema   = "schema"
	FailKindEmpty    = "empty"
	FailKindSink     = "sink"
	FailKindPanic    = "panic"
	FailKindInternal = "internal"
)

// CrawlError is a crawler implementation's failure to fetch or produce
// data. It never propagates to the HTTP layer; the executor records it as
// the task's terminal failed state.
type CrawlError struct {
	Kind    string
	Message string
	Err     error
}

// NewCrawlError builds a CrawlError wrapping an optional cause.
func NewCrawlError(kind, message string, err error) *CrawlError {
	return &CrawlError{Kind: kind, Message: message, Err: err}
}

func (e *CrawlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

// FailureFor converts an execution error into the structured detail stored
// on the task record.
func FailureFor(err error) *Failure {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return &Failure{Kind: crawlErr.Kind, Message: crawlErr.Error()}
	}
	return &Failure{Kind: FailKindInternal, Message: err.Error()}
}
