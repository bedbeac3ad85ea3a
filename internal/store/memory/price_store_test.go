package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperion-data/krx-crawler/internal/krx"
)

func TestPriceStoreUpsertOverwritesSameDay(t *testing.T) {
	t.Parallel()

	store := NewPriceStore()

	first := krx.Record{Ticker: "005930", TradeDate: "2024-03-15", Close: 72900}
	n, err := store.UpsertDailyPrices(context.Background(), []krx.Record{first})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second := first
	second.Close = 73100
	n, err = store.UpsertDailyPrices(context.Background(), []krx.Record{second})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, 1, store.Len())
	got, ok := store.Get("005930", "2024-03-15")
	require.True(t, ok)
	require.Equal(t, int64(73100), got.Close)
}
