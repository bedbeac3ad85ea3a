package krx

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

// Name is the crawler type this package registers under.
const Name = "krx"

const (
	defaultEndpoint  = "http://data.krx.co.kr/comm/bldAttendant/getJSON.cmd"
	defaultReferer   = "http://data.krx.co.kr/contents/MDC/MDI/mdiLoader"
	defaultUserAgent = "hyperion-crawler/1.0"
	defaultTimeout   = 30 * time.Second
	pricesBLD        = "dbms/MDC/STAT/standard/MDCSTAT01501"
)

// Config controls the exchange endpoint and request behavior.
type Config struct {
	Endpoint  string
	Referer   string
	UserAgent string
	Timeout   time.Duration
	Markets   []string
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.Referer == "" {
		c.Referer = defaultReferer
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if len(c.Markets) == 0 {
		c.Markets = []string{MarketKOSPI, MarketKOSDAQ}
	}
	return c
}

// Crawler fetches daily OHLCV and market-cap figures for every listed
// ticker on the configured markets and upserts them through the sink.
// It implements task.Crawler.
type Crawler struct {
	cfg           Config
	sink          RecordSink
	archive       task.BlobStore
	logger        *zap.Logger
	baseCollector *colly.Collector
}

// New builds a Crawler. The archive store may be nil; raw response
// archiving is best effort and never fails a crawl.
func New(cfg Config, sink RecordSink, archive task.BlobStore, logger *zap.Logger) (*Crawler, error) {
	if sink == nil {
		return nil, fmt.Errorf("record sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	for _, m := range cfg.Markets {
		if _, ok := marketLabels[m]; !ok {
			return nil, fmt.Errorf("unknown market id %q", m)
		}
	}

	// colly v2.1.0's Async option ignores its argument and always enables
	// async mode; collectors default to synchronous, which is what we want.
	c := colly.NewCollector()
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = true
	c.UserAgent = cfg.UserAgent
	c.SetRequestTimeout(cfg.Timeout)

	return &Crawler{
		cfg:           cfg,
		sink:          sink,
		archive:       archive,
		logger:        logger,
		baseCollector: c,
	}, nil
}

// Run collects one trading day across the configured markets.
func (c *Crawler) Run(ctx context.Context, target string) (task.Summary, error) {
	tradeDate, err := normalizeTradeDate(target)
	if err != nil {
		return task.Summary{}, task.NewCrawlError(task.FailKindSchema, "invalid trade date", err)
	}

	summary := task.Summary{
		TradeDate: target,
		Markets:   make(map[string]int, len(c.cfg.Markets)),
	}
	var (
		records    []Record
		fetchProbs []string
	)
	for _, marketID := range c.cfg.Markets {
		if err := ctx.Err(); err != nil {
			return task.Summary{}, err
		}
		label := marketLabels[marketID]
		body, err := c.fetchMarket(ctx, marketID, tradeDate)
		if err != nil {
			c.logger.Warn("market fetch failed",
				zap.String("market", label),
				zap.String("trade_date", target),
				zap.Error(err),
			)
			fetchProbs = append(fetchProbs, fmt.Sprintf("%s: %v", label, err))
			continue
		}
		c.archiveRaw(ctx, target, label, body)

		marketRecords, failed, err := parseMarketPayload(body, marketID, target)
		if err != nil {
			return task.Summary{}, err
		}
		records = append(records, marketRecords...)
		summary.Markets[label] = len(marketRecords)
		summary.Collected += len(marketRecords)
		summary.Failed += failed
	}

	if len(fetchProbs) == len(c.cfg.Markets) {
		return task.Summary{}, task.NewCrawlError(
			task.FailKindUpstream,
			"all markets failed: "+strings.Join(fetchProbs, "; "),
			nil,
		)
	}
	if len(records) == 0 {
		return task.Summary{}, task.NewCrawlError(
			task.FailKindEmpty,
			fmt.Sprintf("no tickers returned for %s (market holiday?)", target),
			nil,
		)
	}

	rows, err := c.sink.UpsertDailyPrices(ctx, records)
	if err != nil {
		return task.Summary{}, task.NewCrawlError(task.FailKindSink, "upsert daily prices", err)
	}
	summary.Rows = rows
	summary.Failed += len(fetchProbs)
	return summary, nil
}

// fetchMarket POSTs the screener form for one market and returns the
// raw response body.
func (c *Crawler) fetchMarket(ctx context.Context, marketID, tradeDate string) ([]byte, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)

	collector := c.baseCollector.Clone()
	collector.UserAgent = c.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Referer", c.cfg.Referer)
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	form := map[string]string{
		"bld":         pricesBLD,
		"mktId":       marketID,
		"trdDd":       tradeDate,
		"share":       "1",
		"money":       "1",
		"csvxls_isNo": "false",
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Post(c.cfg.Endpoint, form)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, task.NewCrawlError(task.FailKindNetwork, "post market request", err)
		}
	}
	if fetchErr != nil {
		return nil, task.NewCrawlError(task.FailKindNetwork, "market request failed", fetchErr)
	}
	if status >= 400 {
		return nil, task.NewCrawlError(
			task.FailKindUpstream,
			fmt.Sprintf("exchange returned status %d", status),
			nil,
		)
	}
	return body, nil
}

func (c *Crawler) archiveRaw(ctx context.Context, tradeDate, market string, body []byte) {
	if c.archive == nil {
		return
	}
	path := fmt.Sprintf("krx/raw/%s/%s.json", tradeDate, strings.ToLower(market))
	uri, err := c.archive.Put(ctx, path, "application/json", body)
	if err != nil {
		c.logger.Warn("raw archive write failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("archived raw market payload",
		zap.String("market", market),
		zap.String("uri", uri),
	)
}

// normalizeTradeDate converts YYYY-MM-DD into the YYYYMMDD form the
// exchange expects, rejecting malformed or impossible dates.
func normalizeTradeDate(target string) (string, error) {
	d, err := time.Parse("2006-01-02", strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("target must be YYYY-MM-DD: %w", err)
	}
	return d.Format("20060102"), nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
