package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream upgrades incoming connections and writes every frame from
// the channel to the first connected client.
func fakeStream(t *testing.T, frames <-chan []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
		// Hold the connection open so the ingestor does not reconnect
		// while the test is still asserting.
		time.Sleep(5 * time.Second)
	}))
}

func fakeRest(price string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sym := r.URL.Query().Get("symbol")
		fmt.Fprintf(w, `{"symbol":%q,"price":%q}`, sym, price)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startIngestor(t *testing.T, streamSrv, restSrv *httptest.Server, symbols []string) (*StreamIngestor, *HistoryBuffer, context.CancelFunc) {
	t.Helper()
	history := NewHistoryBuffer(120)
	ingestor := NewStreamIngestor(wsURL(streamSrv), NewRestClient(restSrv.URL), history)

	ctx, cancel := context.WithCancel(context.Background())
	ingestor.Configure(ctx, symbols)
	go func() { _ = ingestor.Run(ctx) }()
	return ingestor, history, cancel
}

func TestStreamIngestor_AppliesStreamedTicks(t *testing.T) {
	frames := make(chan []byte, 8)
	streamSrv := fakeStream(t, frames)
	defer streamSrv.Close()
	restSrv := fakeRest("1.00")
	defer restSrv.Close()

	_, history, cancel := startIngestor(t, streamSrv, restSrv, []string{"btcusdt"})
	defer cancel()

	frames <- []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"69000.10"}}`)
	frames <- []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"69500.25"}}`)

	require.Eventually(t, func() bool {
		latest, ok := history.Latest("BTCUSDT")
		return ok && latest.Price.String() == "69500.25"
	}, 3*time.Second, 10*time.Millisecond)

	// Ticks applied in arrival order.
	window := history.Window("BTCUSDT", 2)
	require.Len(t, window, 2)
	assert.Equal(t, "69000.1", window[0].Price.String())
	assert.Equal(t, "69500.25", window[1].Price.String())
}

func TestStreamIngestor_ToleratesAlternateFieldNames(t *testing.T) {
	frames := make(chan []byte, 8)
	streamSrv := fakeStream(t, frames)
	defer streamSrv.Close()
	restSrv := fakeRest("1.00")
	defer restSrv.Close()

	_, history, cancel := startIngestor(t, streamSrv, restSrv, []string{"ethusdt", "solusdt"})
	defer cancel()

	// Ticker-style frame: "c" for price, "s" for symbol.
	frames <- []byte(`{"s":"ETHUSDT","c":"3050.00"}`)
	// No symbol field at all: it must come from the stream name prefix.
	frames <- []byte(`{"stream":"solusdt@trade","data":{"price":"142.88"}}`)

	require.Eventually(t, func() bool {
		eth, okETH := history.Latest("ETHUSDT")
		sol, okSOL := history.Latest("SOLUSDT")
		return okETH && okSOL &&
			eth.Price.String() == "3050" &&
			sol.Price.String() == "142.88"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamIngestor_SkipsMalformedFrames(t *testing.T) {
	frames := make(chan []byte, 8)
	streamSrv := fakeStream(t, frames)
	defer streamSrv.Close()
	restSrv := fakeRest("1.00")
	defer restSrv.Close()

	_, history, cancel := startIngestor(t, streamSrv, restSrv, []string{"btcusdt"})
	defer cancel()

	frames <- []byte(`not json at all`)
	frames <- []byte(`{"s":"BTCUSDT"}`)                   // no price field
	frames <- []byte(`{"s":"BTCUSDT","p":"not-a-price"}`) // bad price
	frames <- []byte(`{"s":"BTCUSDT","p":"70000.00"}`)

	require.Eventually(t, func() bool {
		latest, ok := history.Latest("BTCUSDT")
		return ok && latest.Price.String() == "70000"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamIngestor_BootstrapSeedsSilentSymbols(t *testing.T) {
	frames := make(chan []byte) // unbuffered and never written: the stream stays silent
	streamSrv := fakeStream(t, frames)
	defer streamSrv.Close()
	restSrv := fakeRest("68750.42")
	defer restSrv.Close()

	_, history, cancel := startIngestor(t, streamSrv, restSrv, []string{"btcusdt"})
	defer cancel()

	// With zero streamed ticks, Latest must still produce the REST price.
	require.Eventually(t, func() bool {
		latest, ok := history.Latest("BTCUSDT")
		return ok && latest.Price.String() == "68750.42"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamIngestor_ConfigureBeforeRunDialsOnce(t *testing.T) {
	var dials int32
	upgrader := websocket.Upgrader{}
	streamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(5 * time.Second)
	}))
	defer streamSrv.Close()
	restSrv := fakeRest("1.00")
	defer restSrv.Close()

	// Configure leaves a wake-up notification behind; Run must not treat
	// it as a change and tear down the connection it just opened.
	_, _, cancel := startIngestor(t, streamSrv, restSrv, []string{"btcusdt"})
	defer cancel()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dials), "one Configure must produce exactly one dial")
}

func TestStreamIngestor_ReconfigureRedials(t *testing.T) {
	var dials int32
	upgrader := websocket.Upgrader{}
	streamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(5 * time.Second)
	}))
	defer streamSrv.Close()
	restSrv := fakeRest("1.00")
	defer restSrv.Close()

	ingestor, _, cancel := startIngestor(t, streamSrv, restSrv, []string{"btcusdt"})
	defer cancel()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) == 1
	}, 3*time.Second, 10*time.Millisecond)

	ingestor.Configure(context.Background(), []string{"btcusdt", "ethusdt"})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamIngestor_ConfigureNormalizesAndDedupes(t *testing.T) {
	history := NewHistoryBuffer(120)
	restSrv := fakeRest("1.00")
	defer restSrv.Close()
	ingestor := NewStreamIngestor("", NewRestClient(restSrv.URL), history)

	ingestor.Configure(context.Background(), []string{" btcusdt ", "BTCUSDT", "ethusdt", ""})

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, ingestor.Symbols())
}

func TestStreamIngestor_StreamEndpoint(t *testing.T) {
	ingestor := NewStreamIngestor("wss://example.test:9443", nil, NewHistoryBuffer(120))

	got := ingestor.streamEndpoint([]string{"BTCUSDT", "ETHUSDT"})
	assert.Equal(t, "wss://example.test:9443/stream?streams=btcusdt@trade/ethusdt@trade", got)
}

func TestRestClient_TickerPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"69420.69"}`)
	}))
	defer srv.Close()

	price, err := NewRestClient(srv.URL).TickerPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "69420.69", price.String())
}

func TestRestClient_TickerPriceUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	_, err := NewRestClient(srv.URL).TickerPrice(context.Background(), "btcusdt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 418")
}
