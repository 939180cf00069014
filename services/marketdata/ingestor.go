package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Ingestion tuning.
const (
	DefaultQueueSize   = 1024
	handshakeTimeout   = 10 * time.Second
	streamPingInterval = 45 * time.Second
	initialBackoff     = time.Second
	maxBackoff         = 30 * time.Second
)

// errReconfigured signals the connection loop that the subscription set
// changed and the stream must be re-dialed without backoff.
var errReconfigured = errors.New("subscription set changed")

// TickSink receives every tick after it has been applied to the history
// buffer. Used to push live updates to browser clients.
type TickSink func(Tick)

// StreamIngestor maintains a live price feed for a configurable set of
// symbols over one multiplexed streaming connection, degrading to a
// one-shot REST bootstrap for symbols the stream has not delivered yet.
//
// The receive loop parses inbound frames into Ticks and hands them to a
// bounded queue; a single consumer goroutine drains the queue into the
// HistoryBuffer, so a slow consumer never blocks the network read loop.
// On queue overflow the oldest tick is dropped. Connection loss triggers
// reconnection with bounded exponential backoff.
type StreamIngestor struct {
	streamURL string
	rest      *RestClient
	history   *HistoryBuffer
	onTick    TickSink

	queue chan Tick

	mu           sync.RWMutex
	symbols      []string
	reconfigured chan struct{}
}

// NewStreamIngestor creates an ingestor feeding history. streamURL
// defaults to the Binance multiplexed endpoint when empty.
func NewStreamIngestor(streamURL string, rest *RestClient, history *HistoryBuffer) *StreamIngestor {
	if streamURL == "" {
		streamURL = DefaultStreamURL
	}
	return &StreamIngestor{
		streamURL:    streamURL,
		rest:         rest,
		history:      history,
		queue:        make(chan Tick, DefaultQueueSize),
		reconfigured: make(chan struct{}, 1),
	}
}

// SetTickSink installs a callback invoked for every applied tick. Must
// be called before Run.
func (i *StreamIngestor) SetTickSink(fn TickSink) {
	i.onTick = fn
}

// Symbols returns the current subscription set.
func (i *StreamIngestor) Symbols() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, len(i.symbols))
	copy(out, i.symbols)
	return out
}

// Configure replaces the subscription set. The live connection is
// re-dialed with the new stream list, and every symbol that has no
// history yet is seeded with a one-shot REST price so downstream
// consumers never observe "no data" while the stream warms up.
//
// Only reconfiguration mutates the subscription set; the ingestion
// goroutines never do.
func (i *StreamIngestor) Configure(ctx context.Context, symbols []string) {
	normalized := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		sym := NormalizeSymbol(s)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		normalized = append(normalized, sym)
	}

	i.mu.Lock()
	i.symbols = normalized
	i.mu.Unlock()

	// Wake the connection loop; non-blocking because the channel holds
	// one pending notification and coalescing is fine.
	select {
	case i.reconfigured <- struct{}{}:
	default:
	}

	go i.bootstrap(ctx, normalized)
}

// bootstrap seeds an initial REST price for symbols without history.
func (i *StreamIngestor) bootstrap(ctx context.Context, symbols []string) {
	for _, sym := range symbols {
		if _, ok := i.history.Latest(sym); ok {
			continue
		}
		price, err := i.rest.TickerPrice(ctx, sym)
		if err != nil {
			log.Printf("Bootstrap price for %s failed: %v", sym, err)
			continue
		}
		i.enqueue(Tick{Symbol: sym, Price: price, ObservedAt: time.Now()})
	}
}

// Run drives the consumer and the connection loop until ctx is
// cancelled. It is expected to run for the process lifetime.
func (i *StreamIngestor) Run(ctx context.Context) error {
	go i.consume(ctx)

	backoff := initialBackoff
	for {
		// Clear any notification from a Configure that already happened;
		// the snapshot below observes its symbols, so acting on the
		// signal too would tear down the fresh connection for nothing.
		// A Configure arriving after the snapshot re-arms the channel.
		select {
		case <-i.reconfigured:
		default:
		}

		symbols := i.Symbols()
		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-i.reconfigured:
				continue
			}
		}

		err := i.runConn(ctx, symbols)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errReconfigured) {
			backoff = initialBackoff
			continue
		}

		log.Printf("Stream disconnected: %v (reconnecting in %v)", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.reconfigured:
			backoff = initialBackoff
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
		}
	}
}

// streamEndpoint builds the multiplexed URL subscribing to all symbols
// at once: one connection, many logical streams.
func (i *StreamIngestor) streamEndpoint(symbols []string) string {
	streams := make([]string, len(symbols))
	for n, s := range symbols {
		streams[n] = strings.ToLower(s) + "@trade"
	}
	return fmt.Sprintf("%s/stream?streams=%s", i.streamURL, strings.Join(streams, "/"))
}

func (i *StreamIngestor) runConn(ctx context.Context, symbols []string) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, i.streamEndpoint(symbols), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	log.Printf("Stream connected (%d symbols)", len(symbols))

	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			i.handleFrame(data)
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.reconfigured:
			return errReconfigured
		case <-ping.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case err := <-errCh:
			return err
		}
	}
}

// tradeFrame is the payload shape we accept. Binance trade frames carry
// "p" and "s"; ticker frames carry "c"; the REST shape uses "price". The
// combined-stream wrapper contributes the "stream" name when the payload
// has no symbol field.
type tradeFrame struct {
	Symbol string `json:"s"`
	Trade  string `json:"p"`
	Close  string `json:"c"`
	Last   string `json:"price"`
}

// handleFrame parses one inbound message into a Tick and enqueues it.
// Malformed frames are logged and skipped, never fatal.
func (i *StreamIngestor) handleFrame(data []byte) {
	var wrapper struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	payload := data
	stream := ""
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Data) > 0 {
		payload = wrapper.Data
		stream = wrapper.Stream
	}

	var frame tradeFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Printf("Skipping malformed frame: %v", err)
		return
	}

	raw := frame.Trade
	if raw == "" {
		raw = frame.Close
	}
	if raw == "" {
		raw = frame.Last
	}
	if raw == "" {
		log.Printf("Skipping frame with no price field")
		return
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("Skipping frame with bad price %q: %v", raw, err)
		return
	}

	symbol := frame.Symbol
	if symbol == "" && stream != "" {
		symbol = strings.SplitN(stream, "@", 2)[0]
	}
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		log.Printf("Skipping frame with no symbol")
		return
	}

	i.enqueue(Tick{Symbol: symbol, Price: price, ObservedAt: time.Now()})
}

// enqueue never blocks the read loop: when the queue is full the oldest
// queued tick is dropped to make room.
func (i *StreamIngestor) enqueue(t Tick) {
	select {
	case i.queue <- t:
		return
	default:
	}
	select {
	case <-i.queue:
	default:
	}
	select {
	case i.queue <- t:
	default:
	}
}

// consume is the single writer into the history buffer: ticks for a
// given symbol are applied in arrival order.
func (i *StreamIngestor) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-i.queue:
			i.history.Append(t)
			if i.onTick != nil {
				i.onTick(t)
			}
		}
	}
}
