package stocks

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketboard/services/cache"
)

func chartBody(prevClose float64, closes ...string) string {
	return fmt.Sprintf(`{"chart":{"result":[{
		"meta":{"regularMarketPrice":0,"chartPreviousClose":%g},
		"indicators":{"quote":[{"close":[%s]}]}
	}],"error":null}}`, prevClose, strings.Join(closes, ","))
}

func TestQuote_FirstLadderStep(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v8/finance/chart/AAPL", r.URL.Path)
		require.Equal(t, "1d", r.URL.Query().Get("range"))
		require.Equal(t, "1m", r.URL.Query().Get("interval"))
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, chartBody(200, "201.5", "null", "199.0", "203.25"))
	}))
	defer srv.Close()

	svc := NewService(cache.NewTTLCache(), srv.URL)
	q, err := svc.Quote("aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, 203.25, q.Last)
	assert.Equal(t, 203.25, q.High)
	assert.Equal(t, 199.0, q.Low)
	assert.InDelta(t, 1.625, q.Pct, 0.0001)
	assert.Equal(t, []float64{201.5, 199.0, 203.25}, q.Spark, "nil candles are dropped")

	_, err = svc.Quote("AAPL")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call within TTL must hit the cache")
}

func TestQuote_LadderFallsThroughEmptyWindows(t *testing.T) {
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.URL.Query().Get("range")
		ranges = append(ranges, rng)
		if rng == "1mo" {
			fmt.Fprint(w, chartBody(100, "101.0", "102.0"))
			return
		}
		// Sparse intraday window: all candles null.
		fmt.Fprint(w, chartBody(100, "null", "null"))
	}))
	defer srv.Close()

	svc := NewService(cache.NewTTLCache(), srv.URL)
	q, err := svc.Quote("MSFT")
	require.NoError(t, err)
	assert.Equal(t, []string{"1d", "5d", "1mo"}, ranges)
	assert.Equal(t, 102.0, q.Last)
	assert.InDelta(t, 2.0, q.Pct, 0.0001)
}

func TestQuote_AllStepsFailReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`)
	}))
	defer srv.Close()

	svc := NewService(cache.NewTTLCache(), srv.URL)
	_, err := svc.Quote("NOPE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delisted")
}

func TestQuote_RejectsCryptoPairs(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	svc := NewService(cache.NewTTLCache(), srv.URL)
	_, err := svc.Quote("BTCUSDT")
	require.ErrorIs(t, err, ErrCryptoTicker)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "crypto symbols must never reach the chart API")
}

func TestQuote_SparkTruncatedToWindow(t *testing.T) {
	closes := make([]string, 0, 90)
	for i := 0; i < 90; i++ {
		closes = append(closes, fmt.Sprintf("%d.0", 100+i))
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chartBody(100, closes...))
	}))
	defer srv.Close()

	svc := NewService(cache.NewTTLCache(), srv.URL)
	q, err := svc.Quote("NVDA")
	require.NoError(t, err)
	require.Len(t, q.Spark, sparkPoints)
	assert.Equal(t, 130.0, q.Spark[0], "spark keeps the most recent points")
	assert.Equal(t, 189.0, q.Spark[len(q.Spark)-1])
}

func TestQuote_ZeroPrevCloseUsesFirstCandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chartBody(0, "50.0", "55.0"))
	}))
	defer srv.Close()

	svc := NewService(cache.NewTTLCache(), srv.URL)
	q, err := svc.Quote("IPO")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, q.Pct, 0.0001)
}
