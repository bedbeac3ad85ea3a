// Package executor runs accepted crawl tasks on a bounded worker pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperion-data/krx-crawler/internal/metrics"
	"github.com/hyperion-data/krx-crawler/internal/task"
)

// Config controls Executor behavior.
type Config struct {
	// Workers is the number of concurrent crawl executions. Bounding this
	// keeps outbound pressure on the upstream data source in check.
	Workers int
	// CrawlTimeout caps a single crawler run; zero means no cap.
	CrawlTimeout time.Duration
	// Topic names the completion-event topic; empty disables publishing.
	Topic string
}

// Executor consumes queued tasks and drives them to a terminal state.
// Task store updates happen synchronously with the execution itself, so a
// status read after a crawl finishes always observes the terminal state.
type Executor struct {
	queue     task.Queue
	store     task.Store
	resolver  task.Resolver
	publisher task.Publisher
	clock     task.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Executor.
func New(
	queue task.Queue,
	store task.Store,
	resolver task.Resolver,
	publisher task.Publisher,
	clock task.Clock,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		queue:     queue,
		store:     store,
		resolver:  resolver,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Submit hands a created task to the pool without blocking on execution.
func (e *Executor) Submit(ctx context.Context, t task.Task) error {
	item := task.Item{
		TaskID:      t.ID,
		CrawlerType: t.CrawlerType,
		Target:      t.Target,
		Submitted:   e.clock.Now().Unix(),
	}
	if err := e.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Run blocks, consuming queue items until the context finishes.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			e.workerLoop(ctx, e.logger.With(zap.Int("worker", index)))
		}(i)
	}
	wg.Wait()
}

func (e *Executor) workerLoop(ctx context.Context, logger *zap.Logger) {
	for {
		item, err := e.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		e.process(ctx, item, logger)
	}
}

func (e *Executor) process(ctx context.Context, item task.Item, logger *zap.Logger) {
	logger = logger.With(
		zap.String("task_id", item.TaskID),
		zap.String("crawler_type", item.CrawlerType),
		zap.String("target", item.Target),
	)

	if _, err := e.store.Transition(ctx, item.TaskID, task.StatusRunning, task.Outcome{}); err != nil {
		// An illegal edge here means the task was already picked up or
		// never created; it is a defect worth surfacing loudly.
		logger.Error("mark task running failed", zap.Error(err))
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := e.clock.Now()
	summary, runErr := e.runCrawler(ctx, item)
	duration := e.clock.Now().Sub(start)

	var (
		finished task.Task
		err      error
	)
	if runErr != nil {
		finished, err = e.store.Transition(ctx, item.TaskID, task.StatusFailed, task.Outcome{
			Error: task.FailureFor(runErr),
		})
		logger.Warn("crawl failed", zap.Duration("duration", duration), zap.Error(runErr))
	} else {
		finished, err = e.store.Transition(ctx, item.TaskID, task.StatusSucceeded, task.Outcome{
			Result: &summary,
		})
		logger.Info("crawl succeeded",
			zap.Duration("duration", duration),
			zap.Int("rows", summary.Rows),
		)
	}
	if err != nil {
		logger.Error("terminal transition failed", zap.Error(err))
		return
	}

	metrics.ObserveTask(item.CrawlerType, string(finished.Status), duration)
	if runErr == nil {
		metrics.AddRecordsWritten(item.CrawlerType, summary.Rows)
	}
	e.publishCompletion(ctx, finished, logger)
}

// runCrawler resolves and invokes the implementation, converting timeouts
// and panics into CrawlErrors so exactly one terminal transition follows.
func (e *Executor) runCrawler(ctx context.Context, item task.Item) (summary task.Summary, err error) {
	impl, resolveErr := e.resolver.Resolve(item.CrawlerType)
	if resolveErr != nil {
		// The crawler was registered at submission time; losing it since
		// is a configuration failure, not a client error.
		return task.Summary{}, task.NewCrawlError(
			task.FailKindInternal, "crawler no longer registered", resolveErr,
		)
	}

	runCtx := ctx
	if e.cfg.CrawlTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.CrawlTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = task.NewCrawlError(
				task.FailKindPanic, fmt.Sprintf("crawler panicked: %v", rec), nil,
			)
		}
	}()

	summary, err = impl.Run(runCtx, item.Target)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = task.NewCrawlError(task.FailKindTimeout, "crawl deadline exceeded", err)
	}
	return summary, err
}

func (e *Executor) publishCompletion(ctx context.Context, t task.Task, logger *zap.Logger) {
	if e.cfg.Topic == "" || e.publisher == nil {
		return
	}
	payload := map[string]any{
		"task_id":      t.ID,
		"crawler_type": t.CrawlerType,
		"target":       t.Target,
		"status":       t.Status,
		"completed_at": e.clock.Now().Format(time.RFC3339),
	}
	if t.Result != nil {
		payload["rows"] = t.Result.Rows
	}
	if t.Error != nil {
		payload["error_kind"] = t.Error.Kind
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.Topic, payload); err != nil {
		// Completion events feed external retry/alerting machinery; the
		// task record is already terminal, so only log.
		logger.Warn("publish completion event failed", zap.Error(err))
	}
}
