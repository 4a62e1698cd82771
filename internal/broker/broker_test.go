package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdclass/elastictier/internal/cloud"
	"github.com/crowdclass/elastictier/pkg/types"
)

// fakeReplyQueue models SQS visibility semantics: messages stay
// receivable until deleted.
type fakeReplyQueue struct {
	mu       sync.Mutex
	messages []cloud.Message
	deleted  []string
}

func (q *fakeReplyQueue) publish(id string, reply types.ReplyMessage) {
	body, _ := json.Marshal(reply)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, cloud.Message{
		MessageID:     id,
		Body:          string(body),
		ReceiptHandle: "rh-" + id,
	})
}

func (q *fakeReplyQueue) publishRaw(id, body string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, cloud.Message{MessageID: id, Body: body, ReceiptHandle: "rh-" + id})
}

func (q *fakeReplyQueue) Send(ctx context.Context, body string) (string, error) {
	return "", errors.New("not implemented")
}

func (q *fakeReplyQueue) Receive(ctx context.Context, max int32, wait time.Duration) ([]cloud.Message, error) {
	q.mu.Lock()
	if len(q.messages) > 0 {
		msgs := append([]cloud.Message(nil), q.messages...)
		q.mu.Unlock()
		return msgs, nil
	}
	q.mu.Unlock()

	// Emulate a long poll returning empty without burning CPU.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (q *fakeReplyQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	for i, m := range q.messages {
		if m.ReceiptHandle == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			break
		}
	}
	return nil
}

func (q *fakeReplyQueue) ApproximateDepth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), nil
}

func (q *fakeReplyQueue) deletedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

func TestRegister_DuplicateIDFails(t *testing.T) {
	b := New(&fakeReplyQueue{})

	_, err := b.Register("m1")
	require.NoError(t, err)

	_, err = b.Register("m1")
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestAwait_DeliversCompletedResult(t *testing.T) {
	b := New(&fakeReplyQueue{})
	p, err := b.Register("m1")
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Deliver("m1", []string{"Success"})
	}()

	result, err := b.Await(context.Background(), p, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"Success"}, result)
	assert.Zero(t, b.PendingCount(), "matched entry is removed")
}

func TestAwait_TimeoutLeavesEntryForLateReply(t *testing.T) {
	b := New(&fakeReplyQueue{})
	p, err := b.Register("m1")
	require.NoError(t, err)

	_, err = b.Await(context.Background(), p, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, b.PendingCount(), "timed-out entry stays until a reply matches it")

	// The late reply completes the abandoned entry without anyone
	// observing the result, and removes it.
	assert.True(t, b.Deliver("m1", []string{"late"}))
	assert.Zero(t, b.PendingCount())
}

func TestAwait_ContextCancellation(t *testing.T) {
	b := New(&fakeReplyQueue{})
	p, err := b.Register("m1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = b.Await(ctx, p, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentWaitersNeverCrossDeliver(t *testing.T) {
	b := New(&fakeReplyQueue{})

	pa, err := b.Register("id-a")
	require.NoError(t, err)
	pb, err := b.Register("id-b")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	resultA := make(chan []string, 1)
	resultB := make(chan []string, 1)

	go func() {
		defer wg.Done()
		r, err := b.Await(context.Background(), pa, time.Second)
		assert.NoError(t, err)
		resultA <- r
	}()
	go func() {
		defer wg.Done()
		r, err := b.Await(context.Background(), pb, time.Second)
		assert.NoError(t, err)
		resultB <- r
	}()

	b.Deliver("id-b", []string{"for-b"})
	b.Deliver("id-a", []string{"for-a"})
	wg.Wait()

	assert.Equal(t, []string{"for-a"}, <-resultA)
	assert.Equal(t, []string{"for-b"}, <-resultB)
}

func TestHandleReply_MatchedReplyIsDeleted(t *testing.T) {
	queue := &fakeReplyQueue{}
	b := New(queue)

	p, err := b.Register("m1")
	require.NoError(t, err)
	queue.publish("sqs-1", types.ReplyMessage{MessageID: "m1", ResultImage: []string{"Success"}})

	msgs, err := queue.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	b.handleReply(context.Background(), msgs[0])

	result, err := b.Await(context.Background(), p, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"Success"}, result)
	assert.Equal(t, []string{"rh-sqs-1"}, queue.deletedHandles())
}

func TestHandleReply_UnmatchedReplyIsRetained(t *testing.T) {
	queue := &fakeReplyQueue{}
	b := New(queue)

	queue.publish("sqs-1", types.ReplyMessage{MessageID: "nobody-waiting", ResultImage: []string{"Success"}})
	msgs, err := queue.Receive(context.Background(), 10, 0)
	require.NoError(t, err)

	b.handleReply(context.Background(), msgs[0])

	assert.Empty(t, queue.deletedHandles(), "a reply with no waiter must not be deleted")
}

func TestHandleReply_MalformedBodyIsRetained(t *testing.T) {
	queue := &fakeReplyQueue{}
	b := New(queue)

	queue.publishRaw("sqs-1", "{not json")
	msgs, err := queue.Receive(context.Background(), 10, 0)
	require.NoError(t, err)

	b.handleReply(context.Background(), msgs[0])

	assert.Empty(t, queue.deletedHandles())
}

func TestRun_MatchesReplyPublishedAfterRegistration(t *testing.T) {
	queue := &fakeReplyQueue{}
	b := New(queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	p, err := b.Register("m1")
	require.NoError(t, err)
	queue.publish("sqs-1", types.ReplyMessage{MessageID: "m1", ResultImage: []string{"Success"}})

	result, err := b.Await(ctx, p, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"Success"}, result)
}

func TestRun_RetainedReplyMatchesLateRegistration(t *testing.T) {
	queue := &fakeReplyQueue{}
	b := New(queue)

	// Reply arrives before anyone registers; the consumer sees it,
	// leaves it on the queue, and a later registration is matched on
	// redelivery.
	queue.publish("sqs-1", types.ReplyMessage{MessageID: "m1", ResultImage: []string{"Success"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)

	p, err := b.Register("m1")
	require.NoError(t, err)

	result, err := b.Await(ctx, p, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"Success"}, result)
}

func TestSweepStale(t *testing.T) {
	b := New(&fakeReplyQueue{})

	_, err := b.Register("m1")
	require.NoError(t, err)
	_, err = b.Register("m2")
	require.NoError(t, err)

	// Young entries survive a sweep with a generous retention.
	assert.Equal(t, 0, b.SweepStale(time.Minute))
	assert.Equal(t, 2, b.PendingCount())

	// With zero retention every live entry is past the cutoff.
	assert.Equal(t, 2, b.SweepStale(0))
	assert.Equal(t, 0, b.PendingCount())

	// The id is free for reuse after the sweep.
	_, err = b.Register("m1")
	require.NoError(t, err)
}
