package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

type stubCrawler struct {
	rows int
}

func (s *stubCrawler) Run(context.Context, string) (task.Summary, error) {
	return task.Summary{Rows: s.rows}, nil
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	t.Parallel()

	r := New()
	_, err := r.Resolve("dart")
	require.Error(t, err)
	require.True(t, errors.Is(err, task.ErrUnknownCrawlerType))
	require.Contains(t, err.Error(), "dart")
}

func TestRegistry_LastWriteWins(t *testing.T) {
	t.Parallel()

	r := New()
	first := &stubCrawler{rows: 1}
	second := &stubCrawler{rows: 2}
	r.Register("krx", first)
	r.Register("krx", second)

	c, err := r.Resolve("krx")
	require.NoError(t, err)
	require.Same(t, second, c.(*stubCrawler))
}

func TestRegistry_NamesSorted(t *testing.T) {
	t.Parallel()

	r := New()
	r.Register("sec", &stubCrawler{})
	r.Register("dart", &stubCrawler{})
	r.Register("krx", &stubCrawler{})

	require.Equal(t, []string{"dart", "krx", "sec"}, r.Names())
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	t.Parallel()

	r := New()
	r.Register("krx", &stubCrawler{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve("krx")
			require.NoError(t, err)
			_ = r.Names()
		}()
	}
	wg.Wait()
}
