package krx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

type captureSink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *captureSink) UpsertDailyPrices(_ context.Context, records []Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.records = append(s.records, records...)
	return len(records), nil
}

type captureArchive struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (a *captureArchive) Put(_ context.Context, path, _ string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.paths = append(a.paths, path)
	return "mem://" + path, nil
}

func marketHandler(t *testing.T, bodies map[string]string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, pricesBLD, r.PostForm.Get("bld"))
		require.Equal(t, "20240315", r.PostForm.Get("trdDd"))

		body, ok := bodies[r.PostForm.Get("mktId")]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

const kospiBody = `{"OutBlock_1":[
	{"ISU_SRT_CD":"005930","ISU_ABBRV":"SamsungElec","TDD_OPNPRC":"72,800","TDD_HGPRC":"73,200",
	 "TDD_LWPRC":"72,300","TDD_CLSPRC":"72,900","ACC_TRDVOL":"9,543,210","ACC_TRDVAL":"695,412,083,100",
	 "FLUC_RT":"0.41","MKTCAP":"435,192,033,450,000","LIST_SHRS":"5,969,782,550"},
	{"ISU_SRT_CD":"000660","ISU_ABBRV":"SKHynix","TDD_OPNPRC":"-","TDD_HGPRC":"-",
	 "TDD_LWPRC":"-","TDD_CLSPRC":"168,500","ACC_TRDVOL":"0","ACC_TRDVAL":"0",
	 "FLUC_RT":"-","MKTCAP":"122,674,000,000,000","LIST_SHRS":"728,002,365"}
]}`

const kosdaqBody = `{"OutBlock_1":[
	{"ISU_SRT_CD":"247540","ISU_ABBRV":"EcoproBM","TDD_OPNPRC":"245,000","TDD_HGPRC":"252,500",
	 "TDD_LWPRC":"243,000","TDD_CLSPRC":"250,000","ACC_TRDVOL":"1,102,345","ACC_TRDVAL":"273,812,044,000",
	 "FLUC_RT":"2.04","MKTCAP":"24,458,113,000,000","LIST_SHRS":"97,832,452"}
]}`

func newTestCrawler(t *testing.T, endpoint string, sink RecordSink, archive task.BlobStore) *Crawler {
	t.Helper()
	c, err := New(Config{
		Endpoint: endpoint,
		Timeout:  5 * time.Second,
	}, sink, archive, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestCrawlerRunCollectsBothMarkets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(marketHandler(t, map[string]string{
		MarketKOSPI:  kospiBody,
		MarketKOSDAQ: kosdaqBody,
	}))
	defer srv.Close()

	sink := &captureSink{}
	archive := &captureArchive{}
	c := newTestCrawler(t, srv.URL, sink, archive)

	summary, err := c.Run(context.Background(), "2024-03-15")
	require.NoError(t, err)

	require.Equal(t, 3, summary.Rows)
	require.Equal(t, 3, summary.Collected)
	require.Equal(t, 0, summary.Failed)
	require.Equal(t, "2024-03-15", summary.TradeDate)
	require.Equal(t, map[string]int{"KOSPI": 2, "KOSDAQ": 1}, summary.Markets)

	require.Len(t, sink.records, 3)
	samsung := sink.records[0]
	require.Equal(t, "005930", samsung.Ticker)
	require.Equal(t, "KOSPI", samsung.Market)
	require.Equal(t, int64(72900), samsung.Close)
	require.Equal(t, int64(9543210), samsung.Volume)
	require.Equal(t, int64(435192033450000), samsung.MarketCap)
	require.InDelta(t, 0.41, samsung.ChangeRate, 1e-9)

	// "-" placeholders parse to zero instead of dropping the row.
	halted := sink.records[1]
	require.Equal(t, int64(0), halted.Open)
	require.Equal(t, int64(168500), halted.Close)

	require.ElementsMatch(t, []string{
		"krx/raw/2024-03-15/kospi.json",
		"krx/raw/2024-03-15/kosdaq.json",
	}, archive.paths)
}

func TestCrawlerRunRejectsMalformedTarget(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, "http://unused.invalid", &captureSink{}, nil)

	_, err := c.Run(context.Background(), "15-03-2024")

	var crawlErr *task.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Equal(t, task.FailKindSchema, crawlErr.Kind)
}

func TestCrawlerRunEmptyDayFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(marketHandler(t, map[string]string{
		MarketKOSPI:  `{"OutBlock_1":[]}`,
		MarketKOSDAQ: `{"OutBlock_1":[]}`,
	}))
	defer srv.Close()

	c := newTestCrawler(t, srv.URL, &captureSink{}, nil)

	_, err := c.Run(context.Background(), "2024-03-15")

	var crawlErr *task.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Equal(t, task.FailKindEmpty, crawlErr.Kind)
}

func TestCrawlerRunAllMarketsDownFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestCrawler(t, srv.URL, &captureSink{}, nil)

	_, err := c.Run(context.Background(), "2024-03-15")

	var crawlErr *task.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Equal(t, task.FailKindUpstream, crawlErr.Kind)
}

func TestCrawlerRunPartialMarketOutageSucceeds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(marketHandler(t, map[string]string{
		MarketKOSPI: kospiBody,
	}))
	defer srv.Close()

	sink := &captureSink{}
	c := newTestCrawler(t, srv.URL, sink, nil)

	summary, err := c.Run(context.Background(), "2024-03-15")
	require.NoError(t, err)
	require.Equal(t, 2, summary.Rows)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, map[string]int{"KOSPI": 2}, summary.Markets)
}

func TestCrawlerRunSinkFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(marketHandler(t, map[string]string{
		MarketKOSPI:  kospiBody,
		MarketKOSDAQ: kosdaqBody,
	}))
	defer srv.Close()

	sink := &captureSink{err: errors.New("connection refused")}
	c := newTestCrawler(t, srv.URL, sink, nil)

	_, err := c.Run(context.Background(), "2024-03-15")

	var crawlErr *task.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Equal(t, task.FailKindSink, crawlErr.Kind)
}

func TestCrawlerRunArchiveFailureIsBestEffort(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(marketHandler(t, map[string]string{
		MarketKOSPI:  kospiBody,
		MarketKOSDAQ: kosdaqBody,
	}))
	defer srv.Close()

	sink := &captureSink{}
	archive := &captureArchive{err: errors.New("bucket gone")}
	c := newTestCrawler(t, srv.URL, sink, archive)

	summary, err := c.Run(context.Background(), "2024-03-15")
	require.NoError(t, err)
	require.Equal(t, 3, summary.Rows)
}

func TestParseMarketPayloadMissingBlockIsSchemaError(t *testing.T) {
	t.Parallel()

	_, _, err := parseMarketPayload([]byte(`{"other":[]}`), MarketKOSPI, "2024-03-15")

	var crawlErr *task.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Equal(t, task.FailKindSchema, crawlErr.Kind)
}

func TestParseMarketPayloadCountsBadRows(t *testing.T) {
	t.Parallel()

	body := `{"OutBlock_1":[
		{"ISU_SRT_CD":"005930","ISU_ABBRV":"SamsungElec","TDD_OPNPRC":"72,800","TDD_HGPRC":"73,200",
		 "TDD_LWPRC":"72,300","TDD_CLSPRC":"72,900","ACC_TRDVOL":"1","ACC_TRDVAL":"1",
		 "FLUC_RT":"0.1","MKTCAP":"1","LIST_SHRS":"1"},
		{"ISU_SRT_CD":"","ISU_ABBRV":"NoTicker"},
		{"ISU_SRT_CD":"999999","ISU_ABBRV":"BadNumber","TDD_OPNPRC":"abc"}
	]}`

	records, failed, err := parseMarketPayload([]byte(body), MarketKOSPI, "2024-03-15")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 2, failed)
}

func TestParseGroupedNumbers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int64
	}{
		{"72,800", 72800},
		{"435,192,033,450,000", 435192033450000},
		{"-", 0},
		{"", 0},
		{" 42 ", 42},
	}
	for _, tc := range cases {
		got, err := parseGroupedInt(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	_, err := parseGroupedInt("12a")
	require.Error(t, err)

	rate, err := parseGroupedFloat("-2.14")
	require.NoError(t, err)
	require.InDelta(t, -2.14, rate, 1e-9)
}
