// Package cloud wraps the provider APIs the pool controller depends on
// behind narrow interfaces: a message queue, a compute fleet, and an
// object store. The AWS implementations live alongside; everything else
// in the system consumes only the interfaces.
package cloud

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"

	"github.com/crowdclass/elastictier/pkg/types"
)

// Message is a single received queue message.
type Message struct {
	MessageID     string
	Body          string
	ReceiptHandle string
}

// Queue is a logical message queue with at-least-once delivery and
// visibility-timeout semantics.
type Queue interface {
	// Send enqueues a message body and returns the queue-assigned
	// message id.
	Send(ctx context.Context, body string) (string, error)
	// Receive long-polls for up to max messages, waiting at most wait.
	Receive(ctx context.Context, max int32, wait time.Duration) ([]Message, error)
	// Delete removes a received message. Deleting a message that was
	// already deleted is not an error.
	Delete(ctx context.Context, receiptHandle string) error
	// ApproximateDepth returns the queue's approximate visible message
	// count.
	ApproximateDepth(ctx context.Context) (int, error)
}

// Fleet manages the pool's compute instances.
type Fleet interface {
	// DescribeManaged lists instances whose Name tag matches the pool
	// prefix, in any non-terminated lifecycle state.
	DescribeManaged(ctx context.Context) ([]types.Instance, error)
	// Start restarts stopped instances.
	Start(ctx context.Context, ids []string) error
	// Terminate permanently removes instances.
	Terminate(ctx context.Context, ids []string) error
	// Launch creates one new instance per name from the pool image,
	// applying each name as the instance's Name tag at creation, and
	// returns the launched ids. On failure the ids launched so far are
	// returned alongside the error.
	Launch(ctx context.Context, names []string) ([]string, error)
	// Tag sets the Name tag on an instance.
	Tag(ctx context.Context, id, name string) error
	// WaitUntilRunning blocks until the instance reports running, bounded
	// by the provider's waiter timeout.
	WaitUntilRunning(ctx context.Context, id string) error
}

// ObjectStore persists job input and output payloads.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// LoadAWSConfig loads the default AWS configuration for the given region.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}

// Preflight verifies the ambient AWS credentials by calling STS
// GetCallerIdentity. A failure is logged but not fatal: the loops retry
// every provider call anyway, and startup should not flap on a transient
// STS error.
func Preflight(ctx context.Context, cfg aws.Config) {
	client := sts.NewFromConfig(cfg)

	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		log.Warn().Err(err).Msg("cloud: AWS credential preflight failed; provider calls will likely fail")
		return
	}
	log.Info().
		Str("account", aws.ToString(out.Account)).
		Str("arn", aws.ToString(out.Arn)).
		Msg("cloud: AWS credentials verified")
}
