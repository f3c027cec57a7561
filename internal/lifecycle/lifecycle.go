package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// Outcome is the verdict reported back to the autoscaling group when a
// pending termination is resolved.
type Outcome string

const (
	// OutcomeContinue lets the group terminate the instance.
	OutcomeContinue Outcome = "CONTINUE"
	// OutcomeAbandon tells the group the hook gave up; what happens
	// next depends on the hook's default result.
	OutcomeAbandon Outcome = "ABANDON"
)

var _ Service = (*service)(nil)

// API is the subset of the Auto Scaling client used here.
type API interface {
	CompleteLifecycleAction(ctx context.Context, params *autoscaling.CompleteLifecycleActionInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CompleteLifecycleActionOutput, error)
	RecordLifecycleActionHeartbeat(ctx context.Context, params *autoscaling.RecordLifecycleActionHeartbeatInput, optFns ...func(*autoscaling.Options)) (*autoscaling.RecordLifecycleActionHeartbeatOutput, error)
}

// Action identifies one pending termination held open by a lifecycle
// hook.
type Action struct {
	AutoScalingGroupName string
	LifecycleHookName    string
	EC2InstanceID        string

	// Token proves the caller may complete or extend the action. The
	// instance id works as a fallback when the token is absent.
	Token string
}

type Service interface {
	// Complete resolves the pending termination with the given outcome.
	// Completing an action that already finished or expired is a benign
	// duplicate under at-least-once delivery and reports success.
	Complete(ctx context.Context, action Action, outcome Outcome) error

	// Heartbeat extends the hook's timeout window.
	Heartbeat(ctx context.Context, action Action) error
}

type Config struct {
	Client API
}

func NewService(cfg *Config) Service {
	return &service{client: cfg.Client}
}

type service struct {
	client API
}

func (s *service) Complete(ctx context.Context, action Action, outcome Outcome) error {
	input := &autoscaling.CompleteLifecycleActionInput{
		AutoScalingGroupName:  aws.String(action.AutoScalingGroupName),
		LifecycleHookName:     aws.String(action.LifecycleHookName),
		InstanceId:            aws.String(action.EC2InstanceID),
		LifecycleActionResult: aws.String(string(outcome)),
	}
	if action.Token != "" {
		input.LifecycleActionToken = aws.String(action.Token)
	}

	_, err := s.client.CompleteLifecycleAction(ctx, input)
	if err != nil {
		if isActionGone(err) {
			log.Info().
				Str("instance", action.EC2InstanceID).
				Str("group", action.AutoScalingGroupName).
				Msg("lifecycle action already completed or expired")
			return nil
		}
		return fmt.Errorf("completing lifecycle action: %w", err)
	}

	return nil
}

func (s *service) Heartbeat(ctx context.Context, action Action) error {
	input := &autoscaling.RecordLifecycleActionHeartbeatInput{
		AutoScalingGroupName: aws.String(action.AutoScalingGroupName),
		LifecycleHookName:    aws.String(action.LifecycleHookName),
		InstanceId:           aws.String(action.EC2InstanceID),
	}
	if action.Token != "" {
		input.LifecycleActionToken = aws.String(action.Token)
	}

	_, err := s.client.RecordLifecycleActionHeartbeat(ctx, input)
	if err != nil {
		return fmt.Errorf("recording lifecycle heartbeat: %w", err)
	}

	return nil
}

// isActionGone matches the ValidationError the Auto Scaling API returns
// when no lifecycle action is pending anymore for the instance.
func isActionGone(err error) bool {
	var aerr smithy.APIError
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.ErrorCode() == "ValidationError" &&
		strings.Contains(aerr.ErrorMessage(), "No active Lifecycle Action")
}
