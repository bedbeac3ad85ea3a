package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

func newTask(id, crawlerType, target string, createdAt time.Time) task.Task {
	return task.Task{
		ID:          id,
		CrawlerType: crawlerType,
		Target:      target,
		Status:      task.StatusPending,
		CreatedAt:   createdAt,
	}
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := NewTaskStore()
	ctx := context.Background()
	created := newTask("t1", "krx", "2024-08-01", time.Unix(100, 0))
	require.NoError(t, s.Create(ctx, created))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Equal(t, "krx", got.CrawlerType)
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.Result)
}

func TestTaskStore_CreateConflictWhileActive(t *testing.T) {
	t.Parallel()

	s := NewTaskStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "krx", "2024-08-01", time.Unix(100, 0))))

	err := s.Create(ctx, newTask("t2", "krx", "2024-08-01", time.Unix(101, 0)))
	var conflict *task.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "t1", conflict.ActiveTaskID)

	// A different target under the same crawler type is not a conflict.
	require.NoError(t, s.Create(ctx, newTask("t3", "krx", "2024-08-02", time.Unix(102, 0))))
	// Same target under a different crawler type is not a conflict either.
	require.NoError(t, s.Create(ctx, newTask("t4", "dart", "2024-08-01", time.Unix(103, 0))))
}

func TestTaskStore_CreateAfterTerminalSucceeds(t *testing.T) {
	t.Parallel()

	s := NewTaskStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "krx", "2024-08-01", time.Unix(100, 0))))
	_, err := s.Transition(ctx, "t1", task.StatusRunning, task.Outcome{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, "t1", task.StatusFailed, task.Outcome{
		Error: &task.Failure{Kind: task.FailKindNetwork, Message: "boom"},
	})
	require.NoError(t, err)

	// Terminal tasks release the key.
	require.NoError(t, s.Create(ctx, newTask("t2", "krx", "2024-08-01", time.Unix(200, 0))))
}

func TestTaskStore_ConcurrentCreateExactlyOneWinner(t *testing.T) {
	t.Parallel()

	s := NewTaskStore()
	ctx := context.Background()
	const callers = 16

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Create(ctx, newTask(
				string(rune('a'+i)), "krx", "2024-08-01", time.Unix(100, 0),
			))
		}(i)
	}
	wg.Wait()

	createdCount := 0
	conflictCount := 0
	for _, err := range errs {
		if err == nil {
			createdCount++
			continue
		}
		var conflict *task.ConflictError
		require.ErrorAs(t, err, &conflict)
		conflictCount++
	}
	require.Equal(t, 1, createdCount)
	require.Equal(t, callers-1, conflictCount)
}

func TestTaskStore_TransitionLifecycle(t *testing.T) {
	t.Parallel()

	s := NewTaskStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "krx", "2024-08-01", time.Unix(100, 0))))

	running, err := s.Transition(ctx, "t1", task.StatusRunning, task.Outcome{})
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	require.Nil(t, running.CompletedAt)

	done, err := s.Transition(ctx, "t1", task.StatusSucceeded, task.Outcome{
		Result: &task.Summary{Rows: 42},
	})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, 42, done.Result.Rows)
	require.Nil(t, done.Error)
}

func TestTaskStore_TransitionRejectsIllegalEdges(t *testing.T) {
	t.Parallel()

	s := NewTaskStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "krx", "2024-08-01", time.Unix(100, 0))))

	// pending -> succeeded skips running.
	_, err := s.Transition(ctx, "t1", task.StatusSucceeded, task.Outcome{Result: &task.Summary{}})
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	_, err = s.Transition(ctx, "t1", task.StatusRunning, task.Outcome{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, "t1", task.StatusSucceeded, task.Outcome{Result: &task.Summary{}})
	require.NoError(t, err)

	// Terminal states accept nothing further.
	_, err = s.Transition(ctx, "t1", task.StatusFailed, task.Outcome{Error: &task.Failure{}})
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	_, err = s.Transition(ctx, "missing", task.StatusRunning, task.Outcome{})
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestTaskStore_ListFiltersAndOrders(t *testing.T) {
	t.Parallel()

	s := NewTaskStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "krx", "2024-08-01", time.Unix(100, 0))))
	require.NoError(t, s.Create(ctx, newTask("t2", "krx", "2024-08-02", time.Unix(200, 0))))
	require.NoError(t, s.Create(ctx, newTask("t3", "dart", "2024-08-01", time.Unix(300, 0))))

	all, err := s.List(ctx, task.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "t3", all[0].ID) // newest first

	krx, err := s.List(ctx, task.Filter{CrawlerType: "krx"})
	require.NoError(t, err)
	require.Len(t, krx, 2)
	require.Equal(t, "t2", krx[0].ID)

	_, err = s.Transition(ctx, "t1", task.StatusRunning, task.Outcome{})
	require.NoError(t, err)
	running, err := s.List(ctx, task.Filter{Status: task.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "t1", running[0].ID)

	windowed, err := s.List(ctx, task.Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	require.Equal(t, "t2", windowed[0].ID)
}
