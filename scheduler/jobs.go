package scheduler

import (
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"marketboard/services/alerts"
)

// Interval bounds for the refresh cycle. Anything outside is clamped,
// never rejected, so a bad config value cannot stall the dashboard.
const (
	MinRefreshInterval     = 10 * time.Second
	MaxRefreshInterval     = 120 * time.Second
	DefaultRefreshInterval = 30 * time.Second
)

// Notifier receives the refresh cycle's output. The realtime hub
// implements it; tests substitute a recorder.
type Notifier interface {
	BroadcastAlert(event alerts.Event)
	BroadcastRefresh(payload interface{})
}

// RefreshScheduler re-evaluates alerts and signals clients whenever the
// configured interval has elapsed since the last completed cycle. The
// underlying job fires every second; the interval gate decides whether
// a cycle actually runs, so interval changes take effect immediately.
type RefreshScheduler struct {
	cron   *gocron.Scheduler
	engine *alerts.Engine
	lookup alerts.PriceLookup
	hub    Notifier

	mu          sync.Mutex
	interval    time.Duration
	lastRefresh time.Time
	cycles      uint64
}

// NewRefreshScheduler creates a scheduler with the given interval,
// clamped to the allowed bounds.
func NewRefreshScheduler(engine *alerts.Engine, lookup alerts.PriceLookup, hub Notifier, interval time.Duration) *RefreshScheduler {
	return &RefreshScheduler{
		cron:     gocron.NewScheduler(time.UTC),
		engine:   engine,
		lookup:   lookup,
		hub:      hub,
		interval: ClampInterval(interval),
	}
}

// ClampInterval forces an interval into the allowed range. A zero or
// negative value falls back to the default.
func ClampInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return DefaultRefreshInterval
	}
	if interval < MinRefreshInterval {
		return MinRefreshInterval
	}
	if interval > MaxRefreshInterval {
		return MaxRefreshInterval
	}
	return interval
}

// Start begins the once-a-second interval check and runs the first
// cycle immediately.
func (s *RefreshScheduler) Start() {
	log.Printf("Starting refresh scheduler (interval: %v)", s.Interval())

	s.cron.Every(1).Second().Do(func() {
		s.tick(time.Now())
	})
	s.cron.StartAsync()
}

// Stop halts the scheduler.
func (s *RefreshScheduler) Stop() {
	s.cron.Stop()
	log.Println("Refresh scheduler stopped")
}

// tick runs one cycle if the interval has elapsed.
func (s *RefreshScheduler) tick(now time.Time) {
	s.mu.Lock()
	due := s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= s.interval
	if !due {
		s.mu.Unlock()
		return
	}
	s.lastRefresh = now
	s.cycles++
	cycle := s.cycles
	interval := s.interval
	s.mu.Unlock()

	s.runCycle(now, cycle, interval)
}

// runCycle evaluates alerts and notifies clients. Alert evaluation
// failures are already values, so a bad upstream can never abort the
// cycle.
func (s *RefreshScheduler) runCycle(now time.Time, cycle uint64, interval time.Duration) {
	events := s.engine.Evaluate(s.lookup)
	for _, event := range events {
		log.Printf("Alert fired: %s crossed %s at %s", event.Symbol, event.Threshold, event.Price)
		s.hub.BroadcastAlert(event)
	}

	s.hub.BroadcastRefresh(map[string]interface{}{
		"cycle":        cycle,
		"interval_sec": int(interval.Seconds()),
		"refreshed_at": now.UTC().Format(time.RFC3339),
		"alerts_fired": len(events),
	})
}

// SetInterval updates the refresh interval, clamped to bounds. The
// change applies from the next tick.
func (s *RefreshScheduler) SetInterval(interval time.Duration) time.Duration {
	clamped := ClampInterval(interval)
	s.mu.Lock()
	s.interval = clamped
	s.mu.Unlock()
	log.Printf("Refresh interval set to %v", clamped)
	return clamped
}

// Interval returns the current refresh interval.
func (s *RefreshScheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// ForceRefresh makes the next tick run a cycle regardless of when the
// previous one finished.
func (s *RefreshScheduler) ForceRefresh() {
	s.mu.Lock()
	s.lastRefresh = time.Time{}
	s.mu.Unlock()
}

// Status reports the scheduler state for the status endpoint.
func (s *RefreshScheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := ""
	if !s.lastRefresh.IsZero() {
		last = s.lastRefresh.UTC().Format(time.RFC3339)
	}
	return map[string]interface{}{
		"interval_sec": int(s.interval.Seconds()),
		"last_refresh": last,
		"cycles":       s.cycles,
	}
}
