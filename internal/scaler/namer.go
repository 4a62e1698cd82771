package scaler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crowdclass/elastictier/internal/cloud"
	"github.com/crowdclass/elastictier/pkg/types"
)

const (
	nameAttempts = 3
	nameBackoff  = 5 * time.Second
)

// Namer assigns unique pool names to freshly launched instances. An
// instance that never gets named is excluded from future managed counts,
// so a naming failure cannot cause double-counting; the instance is
// simply orphaned and logged.
type Namer struct {
	fleet   cloud.Fleet
	prefix  string
	backoff time.Duration
}

// NewNamer creates a namer for the pool with the given naming prefix.
func NewNamer(fleet cloud.Fleet, prefix string) *Namer {
	return &Namer{
		fleet:   fleet,
		prefix:  prefix,
		backoff: nameBackoff,
	}
}

// Prefix returns the pool naming prefix.
func (n *Namer) Prefix() string {
	return n.prefix
}

// Name waits for the instance to be running, then tags it
// "<prefix>-<ordinal>". Failures are retried up to three times with a
// fixed backoff; after that the instance is abandoned unnamed.
func (n *Namer) Name(ctx context.Context, id string, ordinal int) {
	name := types.PoolName(n.prefix, ordinal)

	for attempt := 1; attempt <= nameAttempts; attempt++ {
		err := n.tryName(ctx, id, name)
		if err == nil {
			log.Info().Str("id", id).Str("name", name).Msg("namer: instance named")
			return
		}
		log.Error().Err(err).Str("id", id).Str("name", name).Int("attempt", attempt).Msg("namer: naming attempt failed")

		if attempt < nameAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.backoff):
			}
		}
	}

	// The instance stays unnamed and therefore unmanaged. It will never
	// be counted or scaled, but it keeps running until someone notices.
	log.Warn().Str("id", id).Str("name", name).Msg("namer: giving up; instance left unnamed")
}

func (n *Namer) tryName(ctx context.Context, id, name string) error {
	if err := n.fleet.WaitUntilRunning(ctx, id); err != nil {
		return err
	}
	return n.fleet.Tag(ctx, id, name)
}
