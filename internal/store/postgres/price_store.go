package postgres

import (
	"context"
	"fmt"

	"github.com/hyperion-data/krx-crawler/internal/krx"
)

// PriceStore implements krx.RecordSink on Postgres. Re-crawling a day
// overwrites that day's rows instead of duplicating them.
type PriceStore struct {
	pool pgxPool
}

// NewPriceStore constructs a PriceStore over an existing pool so it can
// share the task store's connections.
func NewPriceStore(pool pgxPool) (*PriceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PriceStore{pool: pool}, nil
}

// Migrate creates the daily price table if it does not exist.
func (s *PriceStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS krx_daily_prices (
	ticker TEXT NOT NULL,
	trade_date DATE NOT NULL,
	name TEXT NOT NULL,
	market TEXT NOT NULL,
	open_price BIGINT NOT NULL,
	high_price BIGINT NOT NULL,
	low_price BIGINT NOT NULL,
	close_price BIGINT NOT NULL,
	volume BIGINT NOT NULL,
	traded_value BIGINT NOT NULL,
	change_rate DOUBLE PRECISION NOT NULL,
	market_cap BIGINT NOT NULL,
	listed_shares BIGINT NOT NULL,
	PRIMARY KEY (ticker, trade_date)
);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate krx_daily_prices: %w", err)
	}
	return nil
}

const upsertPriceQuery = `
INSERT INTO krx_daily_prices (
	ticker, trade_date, name, market,
	open_price, high_price, low_price, close_price,
	volume, traded_value, change_rate, market_cap, listed_shares
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (ticker, trade_date) DO UPDATE SET
	name = EXCLUDED.name,
	market = EXCLUDED.market,
	open_price = EXCLUDED.open_price,
	high_price = EXCLUDED.high_price,
	low_price = EXCLUDED.low_price,
	close_price = EXCLUDED.close_price,
	volume = EXCLUDED.volume,
	traded_value = EXCLUDED.traded_value,
	change_rate = EXCLUDED.change_rate,
	market_cap = EXCLUDED.market_cap,
	listed_shares = EXCLUDED.listed_shares;
`

// UpsertDailyPrices writes the batch row by row and returns how many
// rows landed.
func (s *PriceStore) UpsertDailyPrices(ctx context.Context, records []krx.Record) (int, error) {
	written := 0
	for _, rec := range records {
		_, err := s.pool.Exec(ctx, upsertPriceQuery,
			rec.Ticker,
			rec.TradeDate,
			rec.Name,
			rec.Market,
			rec.Open,
			rec.High,
			rec.Low,
			rec.Close,
			rec.Volume,
			rec.Value,
			rec.ChangeRate,
			rec.MarketCap,
			rec.Shares,
		)
		if err != nil {
			return written, fmt.Errorf("upsert daily price %s/%s: %w", rec.Ticker, rec.TradeDate, err)
		}
		written++
	}
	return written, nil
}
