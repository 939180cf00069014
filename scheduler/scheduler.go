package scheduler

// Package scheduler drives the dashboard refresh cycle.
// It handles:
// - Cooperative refresh ticks gated by the configured interval
// - Alert evaluation against the freshest known prices
// - Refresh and alert notifications to connected clients
//
// The refresh loop is implemented in jobs.go
