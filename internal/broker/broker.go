// Package broker correlates asynchronous worker replies with the
// synchronous callers waiting on them. One consumer loop drains the
// reply queue and fans results out to registered waiters by correlation
// id, instead of every request polling the queue for itself.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crowdclass/elastictier/internal/cloud"
	"github.com/crowdclass/elastictier/internal/metrics"
	"github.com/crowdclass/elastictier/pkg/types"
)

var (
	// ErrDuplicateID is returned when a correlation id is registered
	// while a pending entry for it is still live.
	ErrDuplicateID = errors.New("correlation id already registered")
	// ErrTimeout is returned when no reply arrived within the caller's
	// bound.
	ErrTimeout = errors.New("timed out waiting for reply")
)

const (
	receiveBatch = 10
	receiveWait  = 20 * time.Second
)

// Pending is one in-flight request waiting for its reply. The result is
// written before done is closed and read only after.
type Pending struct {
	id         string
	result     []string
	done       chan struct{}
	registered time.Time
}

// ID returns the correlation id.
func (p *Pending) ID() string {
	return p.id
}

// Broker owns the correlation-id to pending-request table and the reply
// consumer loop.
type Broker struct {
	replies cloud.Queue

	mu      sync.Mutex
	pending map[string]*Pending
}

// New creates a broker consuming the given reply queue.
func New(replies cloud.Queue) *Broker {
	return &Broker{
		replies: replies,
		pending: make(map[string]*Pending),
	}
}

// Register inserts a fresh pending entry for id. The id must be globally
// unique among live requests; registering a duplicate fails.
func (b *Broker) Register(id string) (*Pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	p := &Pending{
		id:         id,
		done:       make(chan struct{}),
		registered: time.Now(),
	}
	b.pending[id] = p
	metrics.PendingRequests.Set(float64(len(b.pending)))
	return p, nil
}

// Await blocks until the entry is completed, the timeout elapses, or ctx
// is cancelled. On timeout the entry stays in the table: a late reply
// still completes (and removes) it, the result simply has no observer.
// The underlying job is not cancelled.
func (b *Broker) Await(ctx context.Context, p *Pending, timeout time.Duration) ([]string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.result, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver hands a result to the waiter registered for id, removing the
// entry. Returns false when no entry is registered for id.
func (b *Broker) Deliver(id string, result []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return false
	}
	delete(b.pending, id)
	metrics.PendingRequests.Set(float64(len(b.pending)))

	p.result = result
	close(p.done)
	return true
}

// SweepStale removes entries registered more than olderThan ago and
// returns how many were removed. A swept entry's waiter has long since
// timed out; its done channel is left open so nothing observes a bogus
// result.
func (b *Broker) SweepStale(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, p := range b.pending {
		if p.registered.Before(cutoff) {
			delete(b.pending, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.PendingRequests.Set(float64(len(b.pending)))
	}
	return removed
}

// PendingCount returns the number of live entries.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run consumes the reply queue until ctx is cancelled. A matched reply is
// delivered and deleted; deleting an already-deleted message is treated
// as success. An unmatched reply is left on the queue undeleted, so the
// visibility timeout redelivers it and a registration racing with the
// consumer still gets its result on a later pass. Receive and unmarshal
// failures are logged and never stop the loop.
func (b *Broker) Run(ctx context.Context) error {
	log.Info().Msg("broker: reply consumer starting")

	for {
		if ctx.Err() != nil {
			log.Info().Msg("broker: reply consumer shutting down")
			return ctx.Err()
		}

		messages, err := b.replies.Receive(ctx, receiveBatch, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("broker: reply receive failed")
			continue
		}

		for _, msg := range messages {
			b.handleReply(ctx, msg)
		}
	}
}

func (b *Broker) handleReply(ctx context.Context, msg cloud.Message) {
	var reply types.ReplyMessage
	if err := json.Unmarshal([]byte(msg.Body), &reply); err != nil {
		// Left on the queue; the visibility timeout will surface it
		// again rather than silently losing a result.
		metrics.RepliesMatched.WithLabelValues("malformed").Inc()
		log.Error().Err(err).Str("messageId", msg.MessageID).Msg("broker: malformed reply body")
		return
	}

	if !b.Deliver(reply.MessageID, reply.ResultImage) {
		// No waiter registered yet (or a duplicate delivery of an
		// already-matched reply). Retention policy: keep the message so
		// a race-delayed registration can still match it after
		// redelivery.
		metrics.RepliesMatched.WithLabelValues("unmatched").Inc()
		log.Debug().Str("correlationId", reply.MessageID).Msg("broker: reply with no waiter; leaving on queue")
		return
	}

	metrics.RepliesMatched.WithLabelValues("matched").Inc()
	if err := b.replies.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Error().Err(err).Str("correlationId", reply.MessageID).Msg("broker: reply delete failed")
	}
}
