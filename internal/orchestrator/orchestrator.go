// Package orchestrator accepts crawl requests, de-duplicates concurrent
// requests for the same logical target, and answers status queries.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

// Submitter hands accepted tasks to the execution pool.
type Submitter interface {
	Submit(ctx context.Context, t task.Task) error
}

// Orchestrator is the public-facing entry point for crawl requests.
type Orchestrator struct {
	store     task.Store
	resolver  task.Resolver
	submitter Submitter
	idGen     task.IDGenerator
	clock     task.Clock
	logger    *zap.Logger
}

// New constructs an Orchestrator. The resolver is injected rather than
// global so tests can substitute stub crawlers.
func New(
	store task.Store,
	resolver task.Resolver,
	submitter Submitter,
	idGen task.IDGenerator,
	clock task.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		resolver:  resolver,
		submitter: submitter,
		idGen:     idGen,
		clock:     clock,
		logger:    logger,
	}
}

// RequestCrawl validates the request, creates a pending task, and hands it
// to the executor. It returns as soon as the task is queued; callers poll
// the returned task for the outcome.
//
// Failure modes, in order: ErrUnknownCrawlerType before any record is
// written, *task.ConflictError when an active task holds the key, and a
// wrapped submit error if the pool rejects the hand-off (the task is then
// marked failed rather than left pending forever).
func (o *Orchestrator) RequestCrawl(ctx context.Context, crawlerType, target string) (task.Task, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return task.Task{}, fmt.Errorf("%w: target is required", task.ErrInvalidTarget)
	}
	if _, err := o.resolver.Resolve(crawlerType); err != nil {
		return task.Task{}, err
	}

	id, err := o.idGen.NewID()
	if err != nil {
		return task.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	t := task.Task{
		ID:          id,
		CrawlerType: crawlerType,
		Target:      target,
		Status:      task.StatusPending,
		CreatedAt:   o.clock.Now(),
	}
	if err := o.store.Create(ctx, t); err != nil {
		return task.Task{}, err
	}

	if err := o.submitter.Submit(ctx, t); err != nil {
		o.failUnsubmitted(ctx, t, err)
		return task.Task{}, fmt.Errorf("submit task: %w", err)
	}

	o.logger.Info("crawl accepted",
		zap.String("task_id", t.ID),
		zap.String("crawler_type", crawlerType),
		zap.String("target", target),
	)
	return t, nil
}

// failUnsubmitted closes out a task the executor never received so the
// key does not stay locked by a permanently-pending record.
func (o *Orchestrator) failUnsubmitted(ctx context.Context, t task.Task, cause error) {
	if _, err := o.store.Transition(ctx, t.ID, task.StatusRunning, task.Outcome{}); err != nil {
		o.logger.Error("abandon unsubmitted task", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	_, err := o.store.Transition(ctx, t.ID, task.StatusFailed, task.Outcome{
		Error: &task.Failure{Kind: task.FailKindInternal, Message: cause.Error()},
	})
	if err != nil {
		o.logger.Error("abandon unsubmitted task", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// GetStatus returns the task record for id.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (task.Task, error) {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (o *Orchestrator) ListTasks(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	tasks, err := o.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CrawlerTypes returns the registered crawler-type names.
func (o *Orchestrator) CrawlerTypes() []string {
	return o.resolver.Names()
}
