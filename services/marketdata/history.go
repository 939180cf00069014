package marketdata

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one observed (symbol, price, time) sample from a market data
// source. Immutable once created.
type Tick struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// series is a fixed-capacity ring of ticks. head is the next write slot;
// size grows to capacity and stays there.
type series struct {
	buf  []Tick
	head int
	size int
}

func (s *series) append(t Tick) {
	s.buf[s.head] = t
	s.head = (s.head + 1) % len(s.buf)
	if s.size < len(s.buf) {
		s.size++
	}
}

func (s *series) latest() Tick {
	idx := (s.head - 1 + len(s.buf)) % len(s.buf)
	return s.buf[idx]
}

// window copies the n most recent ticks, oldest first.
func (s *series) window(n int) []Tick {
	if n > s.size {
		n = s.size
	}
	out := make([]Tick, 0, n)
	start := (s.head - n + len(s.buf)) % len(s.buf)
	for i := 0; i < n; i++ {
		out = append(out, s.buf[(start+i)%len(s.buf)])
	}
	return out
}

// HistoryBuffer keeps a bounded per-symbol history of recent ticks.
// Appending past capacity evicts the oldest tick. There is one writer
// (the ingestion consumer) and many readers; access is guarded by a
// read/write mutex and all sections are short.
//
// Series are created lazily on the first tick for a symbol and live for
// the process lifetime. Symbol keys are case-insensitive and stored
// upper-case.
type HistoryBuffer struct {
	mu         sync.RWMutex
	series     map[string]*series
	capacities map[string]int
	defaultCap int
}

// DefaultHistoryCapacity matches the dashboard's crypto tile depth.
const DefaultHistoryCapacity = 120

// NewHistoryBuffer creates a buffer whose per-symbol series hold
// capacity ticks each. Capacity below 1 falls back to the default.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity < 1 {
		capacity = DefaultHistoryCapacity
	}
	return &HistoryBuffer{
		series:     make(map[string]*series),
		capacities: make(map[string]int),
		defaultCap: capacity,
	}
}

// SetCapacity overrides the ring capacity for one symbol. It only
// affects series created after the call; symbol classes with different
// depths (e.g. 60 vs 120) should be configured before ingestion starts.
func (h *HistoryBuffer) SetCapacity(symbol string, capacity int) {
	if capacity < 1 {
		return
	}
	h.mu.Lock()
	h.capacities[NormalizeSymbol(symbol)] = capacity
	h.mu.Unlock()
}

// Append records a tick for its symbol, evicting the oldest tick once
// the series is full. O(1).
func (h *HistoryBuffer) Append(t Tick) {
	key := NormalizeSymbol(t.Symbol)
	// Stored ticks carry the normalized symbol so reads never leak the
	// producer's casing.
	t.Symbol = key
	h.mu.Lock()
	s := h.series[key]
	if s == nil {
		capacity := h.defaultCap
		if c, ok := h.capacities[key]; ok {
			capacity = c
		}
		s = &series{buf: make([]Tick, capacity)}
		h.series[key] = s
	}
	s.append(t)
	h.mu.Unlock()
}

// Latest returns the most recent tick for symbol, or false when the
// symbol has no history yet.
func (h *HistoryBuffer) Latest(symbol string) (Tick, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[NormalizeSymbol(symbol)]
	if s == nil || s.size == 0 {
		return Tick{}, false
	}
	return s.latest(), true
}

// Window returns up to n of the most recent ticks for symbol, oldest
// first. Fewer than n entries is not an error; an unknown symbol yields
// an empty slice.
func (h *HistoryBuffer) Window(symbol string, n int) []Tick {
	if n < 1 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[NormalizeSymbol(symbol)]
	if s == nil {
		return nil
	}
	return s.window(n)
}

// Len returns the current number of stored ticks for symbol.
func (h *HistoryBuffer) Len(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[NormalizeSymbol(symbol)]
	if s == nil {
		return 0
	}
	return s.size
}

// Symbols lists all symbols that have at least one tick.
func (h *HistoryBuffer) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.series))
	for sym := range h.series {
		out = append(out, sym)
	}
	return out
}

// NormalizeSymbol maps a user or wire symbol to the internal key form.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
