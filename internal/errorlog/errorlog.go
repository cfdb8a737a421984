// Package errorlog files classified crawl failures with an external sink
// so operators can watch failure genres over time.
package errorlog

import (
	"context"
	"time"
)

// Recorder writes one row per classified failure. Implementations must be
// safe for concurrent use by the per-subscription workers.
type Recorder interface {
	// Record files one classified failure observed at the given time.
	Record(ctx context.Context, subscription, genre string, at time.Time) error
}

// NoOpRecorder drops failures. It stands in when no sink is configured.
type NoOpRecorder struct{}

// Record for NoOpRecorder does nothing and returns nil.
func (NoOpRecorder) Record(context.Context, string, string, time.Time) error { return nil }
