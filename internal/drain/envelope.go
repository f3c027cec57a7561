package drain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/falmar/ecs-drainkeeper/internal/lifecycle"
	"github.com/falmar/ecs-drainkeeper/internal/queue"
)

const (
	NodeDrainEvent queue.EventName = "node.drain"
)

const terminationTransition = "autoscaling:EC2_INSTANCE_TERMINATING"

var ErrMalformedEnvelope = errors.New("malformed drain envelope")

// Envelope is the message carried on the termination queue. The first
// delivery is the autoscaling lifecycle notification as-is; follow-up
// publications add the fields the drainer owns. Field names match the
// notification payload, so the raw hook message parses directly.
type Envelope struct {
	// Auto Scaling
	LifecycleActionToken string `json:"LifecycleActionToken,omitempty"`
	AutoScalingGroupName string `json:"AutoScalingGroupName"`
	LifecycleHookName    string `json:"LifecycleHookName"`
	EC2InstanceID        string `json:"EC2InstanceId"`
	LifecycleTransition  string `json:"LifecycleTransition,omitempty"`
	Event                string `json:"Event,omitempty"`

	// Drainer
	InvocationCount      int    `json:"InvocationCount,omitempty"`
	ClusterARN           string `json:"ClusterArn,omitempty"`
	ContainerInstanceARN string `json:"ContainerInstanceArn,omitempty"`
}

// snsNotification is the wrapper around the payload when the hook
// publishes through an SNS topic subscription instead of straight to
// the queue.
type snsNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// ParseEnvelope decodes a queue message body into an Envelope,
// unwrapping one SNS notification layer when present. A missing
// invocation count marks the first delivery and normalizes to 1.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var sns snsNotification
	if err := json.Unmarshal(data, &sns); err == nil &&
		sns.Type == "Notification" && sns.Message != "" {
		data = []byte(sns.Message)
	}

	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if env.InvocationCount < 1 {
		env.InvocationCount = 1
	}

	return env, nil
}

// IsTermination reports whether the envelope announces an instance
// termination. Test notifications and other lifecycle transitions are
// not for this service.
func (e *Envelope) IsTermination() bool {
	return strings.Contains(e.LifecycleTransition, terminationTransition)
}

// Validate checks the fields a termination envelope must carry before
// any cloud call is attempted.
func (e *Envelope) Validate() error {
	switch {
	case e.EC2InstanceID == "":
		return fmt.Errorf("%w: missing EC2InstanceId", ErrMalformedEnvelope)
	case e.AutoScalingGroupName == "":
		return fmt.Errorf("%w: missing AutoScalingGroupName", ErrMalformedEnvelope)
	case e.LifecycleHookName == "":
		return fmt.Errorf("%w: missing LifecycleHookName", ErrMalformedEnvelope)
	}
	return nil
}

// Resolved reports whether a previous invocation already located the
// container instance for this termination.
func (e *Envelope) Resolved() bool {
	return e.ClusterARN != "" && e.ContainerInstanceARN != ""
}

// Next returns the envelope for the follow-up invocation.
func (e *Envelope) Next() *Envelope {
	next := *e
	next.InvocationCount++
	return &next
}

// Action identifies the pending lifecycle action this envelope belongs
// to.
func (e *Envelope) Action() lifecycle.Action {
	return lifecycle.Action{
		AutoScalingGroupName: e.AutoScalingGroupName,
		LifecycleHookName:    e.LifecycleHookName,
		EC2InstanceID:        e.EC2InstanceID,
		Token:                e.LifecycleActionToken,
	}
}

// QueueEvent wraps the envelope for publication on the termination
// queue.
func (e *Envelope) QueueEvent() (*queue.Event, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling drain envelope: %w", err)
	}

	return &queue.Event{
		ID:   fmt.Sprintf("%s-%d", e.EC2InstanceID, e.InvocationCount),
		Name: NodeDrainEvent,
		Data: data,
	}, nil
}
