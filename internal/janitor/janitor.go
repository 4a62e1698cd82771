// Package janitor periodically sweeps correlation entries abandoned by
// their callers. A waiter that times out leaves its entry in place so a
// late reply can still match; when the reply never comes the entry would
// otherwise live forever.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweepable is the part of the broker the janitor drives.
type Sweepable interface {
	SweepStale(olderThan time.Duration) int
}

// Config holds janitor configuration
type Config struct {
	CheckInterval time.Duration
	Retention     time.Duration
}

// DefaultConfig returns default janitor configuration. Retention must
// comfortably exceed the gateway's result timeout so a live waiter is
// never swept out from under its reply.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 5 * time.Minute,
		Retention:     10 * time.Minute,
	}
}

// Janitor performs periodic cleanup of stale correlation entries
type Janitor struct {
	config *Config
	broker Sweepable
}

// NewJanitor creates a new janitor instance
func NewJanitor(config *Config, b Sweepable) *Janitor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Janitor{
		config: config,
		broker: b,
	}
}

// Start runs the janitor loop until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	log.Info().
		Dur("checkInterval", j.config.CheckInterval).
		Dur("retention", j.config.Retention).
		Msg("janitor: starting")

	ticker := time.NewTicker(j.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("janitor: shutting down")
			return ctx.Err()
		case <-ticker.C:
			j.run()
		}
	}
}

func (j *Janitor) run() {
	if removed := j.broker.SweepStale(j.config.Retention); removed > 0 {
		log.Info().Int("removed", removed).Msg("janitor: swept stale correlation entries")
	}
}
