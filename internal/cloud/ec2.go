package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/crowdclass/elastictier/pkg/types"
)

// EC2FleetConfig holds the launch parameters for pool instances.
type EC2FleetConfig struct {
	// NamePrefix is the pool's naming convention; managed instances carry
	// a "<NamePrefix>-<n>" Name tag.
	NamePrefix string
	// ImageID is the AMI new instances are launched from.
	ImageID string
	// InstanceType is the EC2 instance type for new instances.
	InstanceType string
	// RunningWaitTimeout bounds WaitUntilRunning.
	RunningWaitTimeout time.Duration
}

// EC2Fleet implements Fleet against the EC2 API.
type EC2Fleet struct {
	client *ec2.Client
	config EC2FleetConfig
}

// NewEC2Fleet creates a fleet client for the pool described by config.
func NewEC2Fleet(cfg aws.Config, config EC2FleetConfig) *EC2Fleet {
	if config.RunningWaitTimeout == 0 {
		config.RunningWaitTimeout = 5 * time.Minute
	}
	return &EC2Fleet{
		client: ec2.NewFromConfig(cfg),
		config: config,
	}
}

// DescribeManaged lists pool instances by Name tag in every lifecycle
// state the scaler cares about. Terminated instances are excluded.
func (f *EC2Fleet) DescribeManaged(ctx context.Context) ([]types.Instance, error) {
	out, err := f.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("tag:Name"),
				Values: []string{f.config.NamePrefix + "-*"},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{"pending", "running", "stopping", "stopped"},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	var instances []types.Instance
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			instances = append(instances, types.Instance{
				ID:    aws.ToString(inst.InstanceId),
				Name:  nameTag(inst.Tags),
				State: types.InstanceState(inst.State.Name),
			})
		}
	}
	return instances, nil
}

// Start restarts stopped instances.
func (f *EC2Fleet) Start(ctx context.Context, ids []string) error {
	_, err := f.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	if err != nil {
		return fmt.Errorf("start instances: %w", err)
	}
	return nil
}

// Terminate permanently removes instances.
func (f *EC2Fleet) Terminate(ctx context.Context, ids []string) error {
	_, err := f.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return fmt.Errorf("terminate instances: %w", err)
	}
	return nil
}

// Launch runs one new instance per name from the pool image. Each
// instance carries its final unique Name tag from creation, so it
// matches the managed describe filter and counts toward capacity while
// it is still booting. The namer re-applies the tag once the instance
// is running.
func (f *EC2Fleet) Launch(ctx context.Context, names []string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range names {
		out, err := f.client.RunInstances(ctx, &ec2.RunInstancesInput{
			ImageId:      aws.String(f.config.ImageID),
			InstanceType: ec2types.InstanceType(f.config.InstanceType),
			MinCount:     aws.Int32(1),
			MaxCount:     aws.Int32(1),
			TagSpecifications: []ec2types.TagSpecification{
				{
					ResourceType: ec2types.ResourceTypeInstance,
					Tags: []ec2types.Tag{
						{Key: aws.String("Name"), Value: aws.String(name)},
					},
				},
			},
		})
		if err != nil {
			return ids, fmt.Errorf("run instance %s: %w", name, err)
		}
		for _, inst := range out.Instances {
			ids = append(ids, aws.ToString(inst.InstanceId))
		}
	}
	return ids, nil
}

// Tag sets the Name tag on an instance.
func (f *EC2Fleet) Tag(ctx context.Context, id, name string) error {
	_, err := f.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags: []ec2types.Tag{
			{Key: aws.String("Name"), Value: aws.String(name)},
		},
	})
	if err != nil {
		return fmt.Errorf("tag instance %s: %w", id, err)
	}
	return nil
}

// WaitUntilRunning blocks until the instance reports running, bounded by
// the configured waiter timeout.
func (f *EC2Fleet) WaitUntilRunning(ctx context.Context, id string) error {
	waiter := ec2.NewInstanceRunningWaiter(f.client)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, f.config.RunningWaitTimeout)
	if err != nil {
		return fmt.Errorf("wait for instance %s running: %w", id, err)
	}
	return nil
}

func nameTag(tags []ec2types.Tag) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}
