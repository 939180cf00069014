package marketdata

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(symbol string, price int64) Tick {
	return Tick{Symbol: symbol, Price: decimal.NewFromInt(price), ObservedAt: time.Now()}
}

func TestHistoryBuffer_EvictsOldestPastCapacity(t *testing.T) {
	const k = 10
	h := NewHistoryBuffer(k)

	for n := 1; n <= k+5; n++ {
		h.Append(tick("BTCUSDT", int64(n)))
	}

	require.Equal(t, k, h.Len("BTCUSDT"))

	window := h.Window("BTCUSDT", k)
	require.Len(t, window, k)
	for n := 0; n < k; n++ {
		assert.Equal(t, int64(6+n), window[n].Price.IntPart(), "entries must be the most recent K in arrival order")
	}
}

func TestHistoryBuffer_WindowShorterThanRequested(t *testing.T) {
	h := NewHistoryBuffer(60)
	h.Append(tick("ETHUSDT", 3000))
	h.Append(tick("ETHUSDT", 3010))

	window := h.Window("ETHUSDT", 10)
	require.Len(t, window, 2)
	assert.Equal(t, int64(3000), window[0].Price.IntPart())
	assert.Equal(t, int64(3010), window[1].Price.IntPart())
}

func TestHistoryBuffer_LatestAbsent(t *testing.T) {
	h := NewHistoryBuffer(60)

	_, ok := h.Latest("SOLUSDT")
	assert.False(t, ok)
	assert.Empty(t, h.Window("SOLUSDT", 5))
}

func TestHistoryBuffer_SymbolsCaseInsensitive(t *testing.T) {
	h := NewHistoryBuffer(60)
	h.Append(tick("btcusdt", 69000))

	latest, ok := h.Latest("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", latest.Symbol, "stored ticks carry the normalized symbol")

	window := h.Window("btcUSDT", 1)
	require.Len(t, window, 1)
	assert.Equal(t, "BTCUSDT", window[0].Symbol)
}

func TestHistoryBuffer_PerSymbolCapacity(t *testing.T) {
	h := NewHistoryBuffer(120)
	h.SetCapacity("AAPL", 60)

	for n := 0; n < 200; n++ {
		h.Append(tick("AAPL", int64(n)))
		h.Append(tick("BTCUSDT", int64(n)))
	}

	assert.Equal(t, 60, h.Len("AAPL"))
	assert.Equal(t, 120, h.Len("BTCUSDT"))
}

func TestHistoryBuffer_ConcurrentReadsDuringAppend(t *testing.T) {
	h := NewHistoryBuffer(120)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for n := 0; n < 5000; n++ {
			h.Append(tick("BTCUSDT", int64(n)))
		}
	}()

	for {
		select {
		case <-done:
			latest, ok := h.Latest("BTCUSDT")
			require.True(t, ok)
			assert.Equal(t, int64(4999), latest.Price.IntPart())
			return
		default:
			h.Latest("BTCUSDT")
			h.Window("BTCUSDT", 60)
		}
	}
}

func TestHistoryBuffer_WindowOrderAcrossWrap(t *testing.T) {
	h := NewHistoryBuffer(4)
	for n := 0; n < 7; n++ {
		h.Append(tick("X", int64(n)))
	}

	window := h.Window("X", 3)
	require.Len(t, window, 3)
	want := []int64{4, 5, 6}
	for n, tk := range window {
		assert.Equal(t, want[n], tk.Price.IntPart(), fmt.Sprintf("index %d", n))
	}
}
