// Package krx collects daily stock prices from the Korea Exchange
// market data service.
package krx

import "context"

// Market identifiers as the exchange API names them.
const (
	MarketKOSPI  = "STK"
	MarketKOSDAQ = "KSQ"
)

// marketLabels maps exchange market IDs to the names reported in
// task summaries and stored rows.
var marketLabels = map[string]string{
	MarketKOSPI:  "KOSPI",
	MarketKOSDAQ: "KOSDAQ",
}

// Record is one ticker's daily trading snapshot.
type Record struct {
	Ticker     string  `json:"ticker"`
	Name       string  `json:"name"`
	Market     string  `json:"market"`
	TradeDate  string  `json:"trade_date"`
	Open       int64   `json:"open"`
	High       int64   `json:"high"`
	Low        int64   `json:"low"`
	Close      int64   `json:"close"`
	Volume     int64   `json:"volume"`
	Value      int64   `json:"value"`
	ChangeRate float64 `json:"change_rate"`
	MarketCap  int64   `json:"market_cap"`
	Shares     int64   `json:"shares"`
}

// RecordSink persists collected daily price records.
type RecordSink interface {
	UpsertDailyPrices(ctx context.Context, records []Record) (int, error)
}
