package scaler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crowdclass/elastictier/internal/cloud"
	"github.com/crowdclass/elastictier/internal/metrics"
)

// MonitorConfig holds queue depth monitor configuration.
type MonitorConfig struct {
	// Interval is the sampling cadence.
	Interval time.Duration
	// ZeroRecheckDelay is how long to wait before re-querying a zero
	// sample. The depth attribute is eventually consistent, so a single
	// zero reading can undercount a queue that just received work.
	ZeroRecheckDelay time.Duration
}

// DefaultMonitorConfig returns the default monitor cadence.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         20 * time.Second,
		ZeroRecheckDelay: 4 * time.Second,
	}
}

// Monitor periodically samples the request queue depth and drives the
// scaler.
type Monitor struct {
	queue  cloud.Queue
	scaler *Scaler
	config MonitorConfig
}

// NewMonitor creates a monitor sampling queue and feeding scaler.
func NewMonitor(queue cloud.Queue, s *Scaler, config MonitorConfig) *Monitor {
	return &Monitor{
		queue:  queue,
		scaler: s,
		config: config,
	}
}

// Run samples and reconciles until ctx is cancelled. Cancellation is
// observed between ticks; an in-flight tick runs to completion. A failed
// depth query counts as zero for that tick and never stops the loop.
func (m *Monitor) Run(ctx context.Context) error {
	log.Info().Dur("interval", m.config.Interval).Msg("monitor: starting")

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.tick(ctx)

		select {
		case <-ctx.Done():
			log.Info().Msg("monitor: shutting down")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	depth := m.sampleDepth(ctx)

	if depth == 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.ZeroRecheckDelay):
		}
		depth = m.sampleDepth(ctx)
		log.Debug().Int("depth", depth).Msg("monitor: zero sample rechecked")
	}

	metrics.QueueDepth.Set(float64(depth))
	m.scaler.Reconcile(ctx, depth)
}

func (m *Monitor) sampleDepth(ctx context.Context) int {
	depth, err := m.queue.ApproximateDepth(ctx)
	if err != nil {
		log.Error().Err(err).Msg("monitor: depth query failed; treating as zero")
		return 0
	}
	return depth
}
