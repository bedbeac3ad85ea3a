package memory

import (
	"context"
	"sync"

	"github.com/hyperion-data/krx-crawler/internal/krx"
)

type priceKey struct {
	ticker    string
	tradeDate string
}

// PriceStore is an in-memory krx.RecordSink keyed by (ticker, trade date),
// used for local runs and tests.
type PriceStore struct {
	mu     sync.RWMutex
	prices map[priceKey]krx.Record
}

// NewPriceStore creates an empty PriceStore.
func NewPriceStore() *PriceStore {
	return &PriceStore{prices: make(map[priceKey]krx.Record)}
}

// UpsertDailyPrices stores the batch, overwriting rows for the same
// ticker and day.
func (s *PriceStore) UpsertDailyPrices(_ context.Context, records []krx.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.prices[priceKey{ticker: rec.Ticker, tradeDate: rec.TradeDate}] = rec
	}
	return len(records), nil
}

// Get returns the stored record for a ticker on a trade date.
func (s *PriceStore) Get(ticker, tradeDate string) (krx.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.prices[priceKey{ticker: ticker, tradeDate: tradeDate}]
	return rec, ok
}

// Len reports how many rows are held.
func (s *PriceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prices)
}
