package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klineflow/config"
	"klineflow/models"
)

func testSourceConfig(url string) config.BinanceSourceConfig {
	return config.BinanceSourceConfig{
		SpotURL:     url,
		FuturesURL:  url,
		DeliveryURL: url,
		Timeout:     time.Second,
		PageLimit:   10,
		ConnectionPool: config.ConnectionPoolConfig{
			MaxIdleConns:    1,
			MaxConnsPerHost: 1,
			IdleConnTimeout: time.Second,
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10},
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

// aggTradeServer serves ids from the store in pages, honouring fromId and
// limit the way the exchange does.
func aggTradeServer(t *testing.T, path string, store []int64, hits *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		from, _ := strconv.ParseInt(r.URL.Query().Get("fromId"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var out []map[string]interface{}
		for _, id := range store {
			if id < from || len(out) >= limit {
				continue
			}
			out = append(out, map[string]interface{}{
				"a": id, "p": "100.5", "q": "0.25", "f": id * 2, "l": id*2 + 1,
				"T": 1704153600000 + id, "m": id%2 == 0, "M": true,
			})
		}
		if out == nil {
			out = []map[string]interface{}{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func ids(trades []models.AggTrade) []int64 {
	out := make([]int64, len(trades))
	for i, t := range trades {
		out[i] = t.ID
	}
	return out
}

func TestFetchAggTradesPagesAndReportsMissing(t *testing.T) {
	var store []int64
	for id := int64(1); id <= 40; id++ {
		if id == 7 || id == 8 {
			continue
		}
		store = append(store, id)
	}
	var hits int64
	srv := aggTradeServer(t, "/api/v3/aggTrades", store, &hits)
	defer srv.Close()

	f, err := NewFetcher(testSourceConfig(srv.URL), config.Instrument{Market: config.MarketSpot, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	res := f.FetchAggTrades(context.Background(), "BTCUSDT", 3, 25)
	require.NoError(t, res.Err)
	assert.Len(t, res.Records, 21)
	assert.Equal(t, int64(3), res.Records[0].ID)
	assert.Equal(t, int64(25), res.Records[len(res.Records)-1].ID)
	assert.Equal(t, []models.Gap{{Start: 7, End: 8}}, res.Missing)
	assert.False(t, res.Complete())
	assert.True(t, res.Records[0].IsBestMatch)
	assert.Equal(t, "100.5", res.Records[0].Price.String())
	assert.GreaterOrEqual(t, atomic.LoadInt64(&hits), int64(3))
}

func TestFetchAggTradesFuturesComplete(t *testing.T) {
	var store []int64
	for id := int64(100); id <= 120; id++ {
		store = append(store, id)
	}
	var hits int64
	srv := aggTradeServer(t, "/fapi/v1/aggTrades", store, &hits)
	defer srv.Close()

	f, err := NewFetcher(testSourceConfig(srv.URL), config.Instrument{Market: config.MarketFuturesUM, Symbol: "ETHUSDT"})
	require.NoError(t, err)

	res := f.FetchAggTrades(context.Background(), "ETHUSDT", 101, 104)
	assert.True(t, res.Complete())
	assert.Equal(t, []int64{101, 102, 103, 104}, ids(res.Records))
}

func TestFetchAggTradesCoinMargined(t *testing.T) {
	var store []int64
	for id := int64(1); id <= 25; id++ {
		if id == 12 {
			continue
		}
		store = append(store, id)
	}
	var hits int64
	srv := aggTradeServer(t, "/dapi/v1/aggTrades", store, &hits)
	defer srv.Close()

	f, err := NewFetcher(testSourceConfig(srv.URL), config.Instrument{Market: config.MarketFuturesCM, Symbol: "BTCUSD_PERP"})
	require.NoError(t, err)

	res := f.FetchAggTrades(context.Background(), "BTCUSD_PERP", 5, 20)
	require.NoError(t, res.Err)
	assert.Len(t, res.Records, 15)
	assert.Equal(t, []models.Gap{{Start: 12, End: 12}}, res.Missing)
	first := res.Records[0]
	assert.Equal(t, int64(5), first.ID)
	assert.Equal(t, "0.25", first.Quantity.String())
	assert.Equal(t, int64(10), first.FirstTradeID)
	assert.Equal(t, int64(1704153600005), first.Time)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&hits), int64(2))
}

func TestFetchAggTradesCoinMarginedRejectsBadSymbol(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	f, err := NewFetcher(testSourceConfig(srv.URL), config.Instrument{Market: config.MarketFuturesCM, Symbol: "NOPE"})
	require.NoError(t, err)

	res := f.FetchAggTrades(context.Background(), "NOPE", 1, 2)
	var apiErr *common.APIError
	if !errors.As(res.Err, &apiErr) {
		t.Fatalf("expected api error, got %v", res.Err)
	}
	assert.Equal(t, int64(-1121), apiErr.Code)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
	assert.Equal(t, []models.Gap{{Start: 1, End: 2}}, res.Missing)
}

func TestFetchAggTradesCoinMarginedRetriesMalformedStatus(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
			return
		}
		_, _ = w.Write([]byte(`[{"a":1,"p":"9.5","q":"2","f":1,"l":1,"T":1704153600001,"m":false}]`))
	}))
	defer srv.Close()

	f, err := NewFetcher(testSourceConfig(srv.URL), config.Instrument{Market: config.MarketFuturesCM, Symbol: "BTCUSD_PERP"})
	require.NoError(t, err)

	res := f.FetchAggTrades(context.Background(), "BTCUSD_PERP", 1, 1)
	assert.True(t, res.Complete(), "missing %v err %v", res.Missing, res.Err)
	assert.Equal(t, "9.5", res.Records[0].Price.String())
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestFetchAggTradesRetriesThenGivesUp(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":-1000,"msg":"internal"}`))
	}))
	defer srv.Close()

	f, err := NewFetcher(testSourceConfig(srv.URL), config.Instrument{Market: config.MarketSpot, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	res := f.FetchAggTrades(context.Background(), "BTCUSDT", 10, 20)
	assert.Error(t, res.Err)
	assert.Empty(t, res.Records)
	assert.Equal(t, []models.Gap{{Start: 10, End: 20}}, res.Missing)
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

func TestFetchAggTradesRecoversFromTransientError(t *testing.T) {
	var hits int64
	inner := aggTradeServer(t, "/api/v3/aggTrades", []int64{1, 2, 3}, new(int64))
	defer inner.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		inner.Config.Handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	f, err := NewFetcher(testSourceConfig(srv.URL), config.Instrument{Market: config.MarketSpot, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	res := f.FetchAggTrades(context.Background(), "BTCUSDT", 1, 3)
	assert.True(t, res.Complete(), "missing %v err %v", res.Missing, res.Err)
	assert.Equal(t, []int64{1, 2, 3}, ids(res.Records))
}

func TestFetchAggTradesDoesNotRetryBadRequest(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	f, err := NewFetcher(testSourceConfig(srv.URL), config.Instrument{Market: config.MarketSpot, Symbol: "NOPE"})
	require.NoError(t, err)

	res := f.FetchAggTrades(context.Background(), "NOPE", 1, 2)
	assert.Error(t, res.Err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestFetchKlines(t *testing.T) {
	const iv = int64(60_000)
	const base = int64(1704153600000)
	cases := []struct {
		market string
		path   string
	}{
		{config.MarketFuturesUM, "/fapi/v1/klines"},
		{config.MarketFuturesCM, "/dapi/v1/klines"},
	}
	for _, tc := range cases {
		t.Run(tc.market, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tc.path || r.URL.Query().Get("interval") != "1m" {
					http.NotFound(w, r)
					return
				}
				start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
				end, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
				limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
				out := [][]interface{}{}
				for open := base; open < base+30*iv; open += iv {
					if open < start || open > end || len(out) >= limit || open == base+12*iv {
						continue
					}
					out = append(out, []interface{}{
						open, "1.0", "2.0", "0.5", "1.5", "10", open + iv - 1, "15", 3, "4", "6", "0",
					})
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(out)
			}))
			defer srv.Close()

			f, err := NewFetcher(testSourceConfig(srv.URL), config.Instrument{Market: tc.market, Symbol: "BTCUSDT"})
			require.NoError(t, err)

			res := f.FetchKlines(context.Background(), "BTCUSDT", iv, base+5*iv, base+25*iv)
			require.NoError(t, res.Err)
			assert.Len(t, res.Records, 20)
			assert.Equal(t, []models.Gap{{Start: base + 12*iv, End: base + 12*iv}}, res.Missing)
			k := res.Records[0]
			assert.Equal(t, base+5*iv, k.OpenTime)
			assert.Equal(t, uint32(3), k.TradesNumber)
			assert.Equal(t, "1.5", k.Close.String())
		})
	}
}

func TestFetchKlinesRejectsUnsupportedInterval(t *testing.T) {
	f, err := NewFetcher(testSourceConfig("http://127.0.0.1:1"), config.Instrument{Market: config.MarketFuturesUM, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	res := f.FetchKlines(context.Background(), "BTCUSDT", 1000, 0, 5000)
	if !errors.Is(res.Err, config.ErrInvalidInstrument) {
		t.Fatalf("expected ErrInvalidInstrument, got %v", res.Err)
	}
	assert.Equal(t, []models.Gap{{Start: 0, End: 5000}}, res.Missing)
}

func TestNewFetcherRejectsBadInput(t *testing.T) {
	cfg := testSourceConfig("http://127.0.0.1:1")
	if _, err := NewFetcher(cfg, config.Instrument{Market: "options", Symbol: "X"}); err == nil {
		t.Fatalf("expected error for unknown market")
	}
	if _, err := NewFetcher(cfg, config.Instrument{Market: config.MarketSpot, Symbol: "X", LocalIP: "not-an-ip"}); err == nil {
		t.Fatalf("expected error for bad local ip")
	}
	f, err := NewFetcher(cfg, config.Instrument{Market: config.MarketFuturesCM, Symbol: "BTCUSD_PERP", LocalIP: "127.0.0.1"})
	require.NoError(t, err)
	assert.NotNil(t, f.cm)
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(fmt.Errorf("wrap: %w", errMalformed)))
	assert.True(t, retryable(errors.New("connection reset")))
}
