// Package worker implements the app-tier daemon: it drains the request
// queue, classifies each referenced image, persists the result, and
// publishes the reply the web tier is waiting on.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crowdclass/elastictier/internal/cloud"
)

// Config holds worker configuration
type Config struct {
	WorkerID    string
	PollWait    time.Duration
	MaxMessages int32
}

// DefaultConfig returns default worker configuration
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		WorkerID:    fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		PollWait:    20 * time.Second,
		MaxMessages: 1,
	}
}

// Worker processes classification jobs from the request queue.
type Worker struct {
	config    *Config
	jobs      cloud.Queue
	processor *JobProcessor
}

// NewWorker creates a new worker instance
func NewWorker(config *Config, jobs cloud.Queue, processor *JobProcessor) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Worker{
		config:    config,
		jobs:      jobs,
		processor: processor,
	}
}

// Start runs the receive loop until ctx is cancelled. Every failure is
// logged and the loop continues; a job whose processing fails is left on
// the queue for redelivery after the visibility timeout.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().Str("workerId", w.config.WorkerID).Dur("pollWait", w.config.PollWait).Msg("worker: starting")

	for {
		if ctx.Err() != nil {
			log.Info().Str("workerId", w.config.WorkerID).Msg("worker: shutting down")
			return ctx.Err()
		}

		messages, err := w.jobs.Receive(ctx, w.config.MaxMessages, w.config.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("worker: receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			w.processMessage(ctx, msg)
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, msg cloud.Message) {
	outcome, err := w.processor.Process(ctx, msg)
	if err != nil {
		log.Error().Err(err).Str("messageId", msg.MessageID).Msg("worker: job failed; leaving for redelivery")
		return
	}

	if outcome == OutcomePoison {
		log.Warn().Str("messageId", msg.MessageID).Msg("worker: dropping malformed job")
	} else {
		log.Info().Str("messageId", msg.MessageID).Msg("worker: job completed")
	}

	// Delete only after the reply is durably published (or the message
	// is known garbage). Idempotent: an already-deleted message is fine.
	if err := w.jobs.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Error().Err(err).Str("messageId", msg.MessageID).Msg("worker: job delete failed")
	}
}
