package tagger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"
)

// DefaultTagKey is the placement tag the cluster templates read to keep
// new tasks off instances that are about to go away.
const DefaultTagKey = "drain"

// stackTagKey is the tag CloudFormation stamps on every group it owns.
const stackTagKey = "aws:cloudformation:stack-name"

var ErrNoTarget = errors.New("no autoscaling groups selected")

var _ Service = (*service)(nil)

// AutoScalingAPI is the subset of the Auto Scaling client used here.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
}

// EC2API is the subset of the EC2 client used here.
type EC2API interface {
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// Target selects which autoscaling groups get tagged. Groups and Stack
// can be combined; both conditions then apply.
type Target struct {
	// Groups selects groups by name.
	Groups []string
	// Stack selects every group the named CloudFormation stack owns.
	Stack string
}

type Service interface {
	// SetDrainTag stamps the drain tag with "true" or "false" on every
	// instance of the target groups. Tagging is per instance and best
	// effort: one bad instance does not stop the rest, and the
	// returned error aggregates whatever failed.
	SetDrainTag(ctx context.Context, target Target, drain bool) error
}

type Config struct {
	AutoScaling AutoScalingAPI
	EC2         EC2API

	// TagKey overrides DefaultTagKey.
	TagKey string
}

func NewService(cfg *Config) Service {
	key := cfg.TagKey
	if key == "" {
		key = DefaultTagKey
	}
	return &service{
		asg:    cfg.AutoScaling,
		ec2:    cfg.EC2,
		tagKey: key,
	}
}

type service struct {
	asg    AutoScalingAPI
	ec2    EC2API
	tagKey string
}

func (s *service) SetDrainTag(ctx context.Context, target Target, drain bool) error {
	if len(target.Groups) == 0 && target.Stack == "" {
		return ErrNoTarget
	}

	instanceIDs, err := s.groupInstances(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to list group instances: %w", err)
	}

	if len(instanceIDs) == 0 {
		log.Info().Msg("target groups have no instances, nothing to tag")
		return nil
	}

	value := strconv.FormatBool(drain)
	var errs []error

	for _, id := range instanceIDs {
		if err := s.tagInstance(ctx, id, value); err != nil {
			log.Warn().Err(err).Str("instance", id).Msg("failed to tag instance")
			errs = append(errs, fmt.Errorf("instance %s: %w", id, err))
			continue
		}
		log.Debug().Str("instance", id).Str("value", value).Msg("drain tag set")
	}

	log.Info().
		Int("instances", len(instanceIDs)).
		Int("failed", len(errs)).
		Str(s.tagKey, value).
		Msg("drain tag updated")

	return errors.Join(errs...)
}

func (s *service) groupInstances(ctx context.Context, target Target) ([]string, error) {
	input := &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: target.Groups,
	}
	if target.Stack != "" {
		input.Filters = []asgtypes.Filter{{
			Name:   aws.String("tag:" + stackTagKey),
			Values: []string{target.Stack},
		}}
	}

	var ids []string
	for {
		var out *autoscaling.DescribeAutoScalingGroupsOutput
		err := retry.Do(func() error {
			var err error
			out, err = s.asg.DescribeAutoScalingGroups(ctx, input)
			return err
		}, retry.Attempts(3), retry.Context(ctx), retry.LastErrorOnly(true))
		if err != nil {
			return nil, err
		}

		for _, group := range out.AutoScalingGroups {
			for _, inst := range group.Instances {
				ids = append(ids, aws.ToString(inst.InstanceId))
			}
		}

		if out.NextToken == nil {
			return ids, nil
		}
		input.NextToken = out.NextToken
	}
}

// tagInstance writes the tag on one instance. CreateTags overwrites an
// existing value, so repeating it is safe.
func (s *service) tagInstance(ctx context.Context, instanceID, value string) error {
	return retry.Do(func() error {
		_, err := s.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{instanceID},
			Tags: []ec2types.Tag{{
				Key:   aws.String(s.tagKey),
				Value: aws.String(value),
			}},
		})
		return err
	}, retry.Attempts(3), retry.Context(ctx), retry.LastErrorOnly(true))
}
