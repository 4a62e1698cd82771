package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crowdclass/elastictier/internal/cloud"
	"github.com/crowdclass/elastictier/pkg/types"
)

// Outcome describes how a job message was handled.
type Outcome int

const (
	// OutcomeProcessed means the job was classified and its reply
	// published.
	OutcomeProcessed Outcome = iota
	// OutcomePoison means the message body was garbage and should be
	// dropped rather than redelivered forever.
	OutcomePoison
)

// JobProcessor runs one classification job end to end: fetch the input,
// classify it, persist the result object, publish the reply.
type JobProcessor struct {
	store        cloud.ObjectStore
	replies      cloud.Queue
	classifier   Classifier
	inputBucket  string
	outputBucket string
}

// NewJobProcessor creates a processor.
func NewJobProcessor(store cloud.ObjectStore, replies cloud.Queue, classifier Classifier, inputBucket, outputBucket string) *JobProcessor {
	return &JobProcessor{
		store:        store,
		replies:      replies,
		classifier:   classifier,
		inputBucket:  inputBucket,
		outputBucket: outputBucket,
	}
}

// Process handles a single job message. A non-nil error means the
// message must stay on the queue for redelivery; OutcomePoison means it
// should be deleted without a reply.
func (p *JobProcessor) Process(ctx context.Context, msg cloud.Message) (Outcome, error) {
	var job types.JobDescriptor
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil || job.FileName == "" {
		return OutcomePoison, nil
	}

	input, err := p.store.Get(ctx, p.inputBucket, job.FileName)
	if err != nil {
		return 0, fmt.Errorf("fetch input: %w", err)
	}

	result, err := p.classifier.Classify(ctx, job.FileName, input)
	if err != nil {
		return 0, fmt.Errorf("classify %s: %w", job.FileName, err)
	}

	// The reply body and the persisted result object are the same JSON
	// document, keyed by the job's queue message id.
	reply := types.ReplyMessage{
		MessageID:   msg.MessageID,
		ResultImage: []string{result},
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return 0, fmt.Errorf("encode reply: %w", err)
	}

	if err := p.store.Put(ctx, p.outputBucket, types.ResultKey(job.FileName), payload); err != nil {
		return 0, fmt.Errorf("persist result: %w", err)
	}

	if _, err := p.replies.Send(ctx, string(payload)); err != nil {
		return 0, fmt.Errorf("publish reply: %w", err)
	}

	return OutcomeProcessed, nil
}
