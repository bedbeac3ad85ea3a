package task

import (
	"context"
	"time"
)

// Store persists task records. It is the single source of truth for task
// state; Create must be atomic with respect to concurrent callers on the
// same (crawler_type, target) key.
type Store interface {
	// Create inserts a new pending task. It returns a *ConflictError if a
	// pending or running task already exists for the same key.
	Create(ctx context.Context, t Task) error
	// Transition moves a task along the allowed edges and stamps the
	// corresponding timestamp. It returns ErrNotFound or
	// ErrInvalidTransition, and the updated record on success.
	Transition(ctx context.Context, id string, next Status, outcome Outcome) (Task, error)
	// Get fetches a task by ID or returns ErrNotFound.
	Get(ctx context.Context, id string) (Task, error)
	// List returns tasks matching the filter, ordered by created_at
	// descending.
	List(ctx context.Context, filter Filter) ([]Task, error)
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	CrawlerType string
	Status      Status
	Limit       int
	Offset      int
}

// Crawler fetches records for a target and reports what it wrote.
// Implementations own their retries; the orchestration core records only
// the final outcome.
type Crawler interface {
	Run(ctx context.Context, target string) (Summary, error)
}

// Resolver maps a crawler-type name to its implementation.
type Resolver interface {
	Resolve(name string) (Crawler, error)
	Names() []string
}

// Queue provides enqueue/dequeue semantics for accepted crawl tasks.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}

// Publisher pushes task completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw crawl payloads and returns a URI.
type BlobStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
