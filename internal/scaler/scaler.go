// Package scaler sizes the worker pool from queue backlog. The policy is
// deterministic and capped: below the low watermark the pool tracks the
// backlog 1:1, above it one instance is added per batch of extra queued
// items, saturating at the pool maximum.
package scaler

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/crowdclass/elastictier/internal/cloud"
	"github.com/crowdclass/elastictier/internal/metrics"
	"github.com/crowdclass/elastictier/pkg/types"
)

// Policy holds the sizing policy knobs.
type Policy struct {
	// LowWatermark is the backlog threshold below which the pool scales
	// 1:1 with depth.
	LowWatermark int
	// Batch is the backlog increment per additional instance above the
	// watermark.
	Batch int
	// MaxPool caps the pool size.
	MaxPool int
}

// DefaultPolicy returns the default sizing policy.
func DefaultPolicy() Policy {
	return Policy{
		LowWatermark: 10,
		Batch:        4,
		MaxPool:      20,
	}
}

// Target computes the desired instance count for an observed queue depth.
func (p Policy) Target(depth int) int {
	if depth < 0 {
		depth = 0
	}
	target := depth
	if depth > p.LowWatermark {
		// One instance per Batch extra items, rounded up.
		target = p.LowWatermark + (depth-p.LowWatermark+p.Batch-1)/p.Batch
	}
	if target > p.MaxPool {
		target = p.MaxPool
	}
	return target
}

// Scaler reconciles the managed fleet toward the policy target.
type Scaler struct {
	fleet  cloud.Fleet
	namer  *Namer
	policy Policy
}

// NewScaler creates a scaler for the given fleet.
func NewScaler(fleet cloud.Fleet, namer *Namer, policy Policy) *Scaler {
	return &Scaler{
		fleet:  fleet,
		namer:  namer,
		policy: policy,
	}
}

// Reconcile drives the managed pool toward the target for the observed
// queue depth. Stopped instances are restarted before anything is
// launched; excess running instances beyond the target are terminated.
// An instance terminated mid-job is acceptable: the job goes back on the
// shared queue after its visibility timeout and another worker claims it.
// Individual fleet-API failures are logged and skipped; a tick never
// aborts early.
func (s *Scaler) Reconcile(ctx context.Context, depth int) {
	target := s.policy.Target(depth)
	metrics.ScalingTarget.Set(float64(target))

	instances, err := s.fleet.DescribeManaged(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scaler: describe managed instances failed; skipping tick")
		return
	}

	var active, stopped []types.Instance
	maxOrdinal := 0
	for _, inst := range instances {
		// Unnamed or foreign instances never count toward capacity, even
		// when the describe filter let one through.
		if !inst.Managed(s.namer.Prefix()) {
			continue
		}
		if n := inst.Ordinal(s.namer.Prefix()); n > maxOrdinal {
			maxOrdinal = n
		}
		switch {
		case inst.ActiveCapacity():
			active = append(active, inst)
		case inst.State == types.InstanceStateStopped:
			stopped = append(stopped, inst)
		}
	}
	metrics.ManagedInstances.WithLabelValues("active").Set(float64(len(active)))
	metrics.ManagedInstances.WithLabelValues("stopped").Set(float64(len(stopped)))

	needed := target - len(active)
	log.Debug().
		Int("depth", depth).
		Int("target", target).
		Int("active", len(active)).
		Int("stopped", len(stopped)).
		Int("needed", needed).
		Msg("scaler: reconcile")

	switch {
	case needed > 0:
		s.scaleUp(ctx, needed, stopped, maxOrdinal)
	case needed < 0:
		s.scaleDown(ctx, target, active)
	}
}

// scaleUp restarts stopped instances first, then launches the remaining
// shortfall, naming each new instance in the background.
func (s *Scaler) scaleUp(ctx context.Context, needed int, stopped []types.Instance, maxOrdinal int) {
	restart := stopped
	if len(restart) > needed {
		restart = restart[:needed]
	}
	if len(restart) > 0 {
		ids := instanceIDs(restart)
		if err := s.fleet.Start(ctx, ids); err != nil {
			log.Error().Err(err).Strs("ids", ids).Msg("scaler: start instances failed")
		} else {
			metrics.ScalingActions.WithLabelValues("start").Add(float64(len(ids)))
			log.Info().Strs("ids", ids).Msg("scaler: started stopped instances")
		}
	}

	shortfall := needed - len(restart)
	if shortfall <= 0 {
		return
	}

	// Each instance gets its final unique name applied at launch so it
	// counts as active on the very next describe; a booting instance must
	// never look like missing capacity to a later tick.
	names := make([]string, 0, shortfall)
	for i := 0; i < shortfall; i++ {
		names = append(names, types.PoolName(s.namer.Prefix(), maxOrdinal+i+1))
	}

	ids, err := s.fleet.Launch(ctx, names)
	if err != nil {
		log.Error().Err(err).Int("count", shortfall).Msg("scaler: launch instances failed")
		if len(ids) == 0 {
			return
		}
	}
	metrics.ScalingActions.WithLabelValues("launch").Add(float64(len(ids)))
	log.Info().Strs("ids", ids).Msg("scaler: launched new instances")

	// The namer re-applies each tag once the instance is running,
	// repairing a launch whose tag was lost or rejected. It waits for
	// the instance to come up, which can take minutes, so it must not
	// hold up the reconcile loop.
	for i, id := range ids {
		go s.namer.Name(ctx, id, maxOrdinal+i+1)
	}
}

// scaleDown terminates active instances beyond the target-th. Which
// instances survive is arbitrary; they are interchangeable consumers of
// the same queue.
func (s *Scaler) scaleDown(ctx context.Context, target int, active []types.Instance) {
	excess := instanceIDs(active[target:])
	if err := s.fleet.Terminate(ctx, excess); err != nil {
		log.Error().Err(err).Strs("ids", excess).Msg("scaler: terminate instances failed")
		return
	}
	metrics.ScalingActions.WithLabelValues("terminate").Add(float64(len(excess)))
	log.Info().Strs("ids", excess).Msg("scaler: terminated excess instances")
}

func instanceIDs(instances []types.Instance) []string {
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	return ids
}
