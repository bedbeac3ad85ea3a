// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

// TaskStore keeps task records in process memory. The active index
// enforces the at-most-one pending/running task per (crawler_type, target)
// guarantee under the store mutex, so concurrent Create calls for the same
// key see exactly one success and one conflict.
type TaskStore struct {
	mu     sync.RWMutex
	tasks  map[string]task.Task
	active map[string]string // activeKey -> task id
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:  make(map[string]task.Task),
		active: make(map[string]string),
	}
}

func activeKey(crawlerType, target string) string {
	return crawlerType + "\x00" + target
}

// Create inserts a new pending task or reports the active one.
func (s *TaskStore) Create(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	key := activeKey(t.CrawlerType, t.Target)
	if activeID, ok := s.active[key]; ok {
		return &task.ConflictError{
			CrawlerType:  t.CrawlerType,
			Target:       t.Target,
			ActiveTaskID: activeID,
		}
	}
	t.Status = task.StatusPending
	s.tasks[t.ID] = t
	s.active[key] = t.ID
	return nil
}

// Transition applies a status edge and stamps the matching timestamp.
func (s *TaskStore) Transition(
	_ context.Context,
	id string,
	next task.Status,
	outcome task.Outcome,
) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	if !t.Status.CanTransitionTo(next) {
		return task.Task{}, fmt.Errorf(
			"%w: %s -> %s (task %s)", task.ErrInvalidTransition, t.Status, next, id,
		)
	}
	now := time.Now().UTC()
	t.Status = next
	switch next {
	case task.StatusRunning:
		t.StartedAt = pointerTime(now)
	case task.StatusSucceeded:
		t.CompletedAt = pointerTime(now)
		t.Result = outcome.Result
	case task.StatusFailed:
		t.CompletedAt = pointerTime(now)
		t.Error = outcome.Error
	}
	if next.Terminal() {
		delete(s.active, activeKey(t.CrawlerType, t.Target))
	}
	s.tasks[id] = t
	return t, nil
}

// Get fetches a task by ID.
func (s *TaskStore) Get(_ context.Context, id string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t, nil
}

// List returns tasks matching the filter, newest first.
func (s *TaskStore) List(_ context.Context, filter task.Filter) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.CrawlerType != "" && t.CrawlerType != filter.CrawlerType {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			// Stable order for records created in the same instant.
			return strings.Compare(out[i].ID, out[j].ID) > 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	out = applyWindow(out, filter.Limit, filter.Offset)
	return out, nil
}

func applyWindow(tasks []task.Task, limit, offset int) []task.Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return nil
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
