package krx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

// outBlockRow mirrors the fields the exchange returns for one ticker.
// Numbers arrive as comma-grouped strings, with "-" for missing values.
type outBlockRow struct {
	Ticker     string `json:"ISU_SRT_CD"`
	Name       string `json:"ISU_ABBRV"`
	Open       string `json:"TDD_OPNPRC"`
	High       string `json:"TDD_HGPRC"`
	Low        string `json:"TDD_LWPRC"`
	Close      string `json:"TDD_CLSPRC"`
	Volume     string `json:"ACC_TRDVOL"`
	Value      string `json:"ACC_TRDVAL"`
	ChangeRate string `json:"FLUC_RT"`
	MarketCap  string `json:"MKTCAP"`
	Shares     string `json:"LIST_SHRS"`
}

type outBlockPayload struct {
	Rows *[]outBlockRow `json:"OutBlock_1"`
}

// parseMarketPayload decodes one market's response body into records.
// Rows with an empty ticker or unparseable numbers are counted as
// failed rather than aborting the whole batch.
func parseMarketPayload(body []byte, marketID, tradeDate string) ([]Record, int, error) {
	var payload outBlockPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, task.NewCrawlError(task.FailKindSchema, "decode market payload", err)
	}
	if payload.Rows == nil {
		return nil, 0, task.NewCrawlError(
			task.FailKindSchema,
			"market payload has no OutBlock_1 field",
			nil,
		)
	}

	label := marketLabels[marketID]
	records := make([]Record, 0, len(*payload.Rows))
	failed := 0
	for _, row := range *payload.Rows {
		rec, err := row.toRecord(label, tradeDate)
		if err != nil {
			failed++
			continue
		}
		records = append(records, rec)
	}
	return records, failed, nil
}

func (r outBlockRow) toRecord(market, tradeDate string) (Record, error) {
	if strings.TrimSpace(r.Ticker) == "" {
		return Record{}, fmt.Errorf("row has no ticker")
	}
	rec := Record{
		Ticker:    strings.TrimSpace(r.Ticker),
		Name:      strings.TrimSpace(r.Name),
		Market:    market,
		TradeDate: tradeDate,
	}
	var err error
	if rec.Open, err = parseGroupedInt(r.Open); err != nil {
		return Record{}, fmt.Errorf("open price: %w", err)
	}
	if rec.High, err = parseGroupedInt(r.High); err != nil {
		return Record{}, fmt.Errorf("high price: %w", err)
	}
	if rec.Low, err = parseGroupedInt(r.Low); err != nil {
		return Record{}, fmt.Errorf("low price: %w", err)
	}
	if rec.Close, err = parseGroupedInt(r.Close); err != nil {
		return Record{}, fmt.Errorf("close price: %w", err)
	}
	if rec.Volume, err = parseGroupedInt(r.Volume); err != nil {
		return Record{}, fmt.Errorf("volume: %w", err)
	}
	if rec.Value, err = parseGroupedInt(r.Value); err != nil {
		return Record{}, fmt.Errorf("traded value: %w", err)
	}
	if rec.MarketCap, err = parseGroupedInt(r.MarketCap); err != nil {
		return Record{}, fmt.Errorf("market cap: %w", err)
	}
	if rec.Shares, err = parseGroupedInt(r.Shares); err != nil {
		return Record{}, fmt.Errorf("listed shares: %w", err)
	}
	if rec.ChangeRate, err = parseGroupedFloat(r.ChangeRate); err != nil {
		return Record{}, fmt.Errorf("change rate: %w", err)
	}
	return rec, nil
}

// parseGroupedInt reads a comma-grouped integer. The exchange uses "-"
// for halted or missing values; those become zero.
func parseGroupedInt(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" || s == "-" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseGroupedFloat(s string) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" || s == "-" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
