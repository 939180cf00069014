package alerts

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketboard/services/marketdata"
)

// Keep the most recent events for late-joining dashboard clients.
const eventHistoryLimit = 500

// Rule is one user-supplied price threshold. fired is session-scoped: it
// latches on the first crossing and is cleared only when the user
// replaces the rule with a different threshold (or the process restarts),
// never automatically on a downward crossing.
type Rule struct {
	Symbol    string          `json:"symbol"`
	Threshold decimal.Decimal `json:"threshold"`
	Fired     bool            `json:"fired"`
}

// Event is one threshold crossing.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Symbol    string          `json:"symbol"`
	Threshold decimal.Decimal `json:"threshold"`
	Price     decimal.Decimal `json:"price"`
	FiredAt   time.Time       `json:"fired_at"`
}

// PriceLookup resolves the current price for a symbol. The second return
// is false when no price is available yet; that is not an error, the
// rule is simply retried on the next evaluation.
type PriceLookup func(symbol string) (decimal.Decimal, bool)

// Engine evaluates threshold rules against current prices with a
// one-shot latch per rule. Rules are replaced wholesale whenever the
// user edits the rule set; rules whose symbol disappears are dropped and
// never evaluated again.
type Engine struct {
	mu     sync.Mutex
	rules  map[string]*Rule
	events []Event
}

// NewEngine creates an engine with no rules.
func NewEngine() *Engine {
	return &Engine{
		rules: make(map[string]*Rule),
	}
}

// ParseRules decodes the user's symbol→threshold JSON mapping, e.g.
// {"AAPL": 240.0, "BTCUSDT": 70000}. A malformed document is an error;
// callers degrade to an empty rule set and surface a warning rather than
// aborting the evaluation cycle.
func ParseRules(raw string) (map[string]decimal.Decimal, error) {
	if raw == "" {
		return map[string]decimal.Decimal{}, nil
	}
	var doc map[string]json.Number
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid alert rules JSON: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(doc))
	for symbol, num := range doc {
		threshold, err := decimal.NewFromString(num.String())
		if err != nil {
			return nil, fmt.Errorf("invalid threshold for %s: %w", symbol, err)
		}
		out[marketdata.NormalizeSymbol(symbol)] = threshold
	}
	return out, nil
}

// ReplaceRules installs a new rule set. A symbol that keeps the same
// threshold keeps its fired latch; a changed threshold rearms the rule.
func (e *Engine) ReplaceRules(thresholds map[string]decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*Rule, len(thresholds))
	for symbol, threshold := range thresholds {
		key := marketdata.NormalizeSymbol(symbol)
		rule := &Rule{Symbol: key, Threshold: threshold}
		if prev, ok := e.rules[key]; ok && prev.Threshold.Equal(threshold) {
			rule.Fired = prev.Fired
		}
		next[key] = rule
	}
	e.rules = next
}

// Rules returns a snapshot of the current rule set, sorted by symbol.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Evaluate runs every rule against lookup and returns the events fired
// by this pass. A rule fires iff price >= threshold and it has not fired
// before; firing latches the rule for the rest of the session.
func (e *Engine) Evaluate(lookup PriceLookup) []Event {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.rules))
	for symbol := range e.rules {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	e.mu.Unlock()

	// Price lookups run outside the lock: they may do a bounded-timeout
	// synchronous fetch through the TTL cache.
	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		if price, ok := lookup(symbol); ok {
			prices[symbol] = price
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []Event
	for _, symbol := range symbols {
		rule, ok := e.rules[symbol]
		if !ok || rule.Fired {
			continue
		}
		price, ok := prices[symbol]
		if !ok {
			continue // no data yet; retried next cycle
		}
		if price.GreaterThanOrEqual(rule.Threshold) {
			rule.Fired = true
			fired = append(fired, Event{
				ID:        uuid.New(),
				Symbol:    symbol,
				Threshold: rule.Threshold,
				Price:     price,
				FiredAt:   time.Now(),
			})
		}
	}

	e.events = append(e.events, fired...)
	if len(e.events) > eventHistoryLimit {
		e.events = e.events[len(e.events)-eventHistoryLimit:]
	}
	return fired
}

// Events returns the session's fired events, oldest first.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}
