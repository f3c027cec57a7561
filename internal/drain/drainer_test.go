package drain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falmar/ecs-drainkeeper/internal/ecs"
	"github.com/falmar/ecs-drainkeeper/internal/lifecycle"
	"github.com/falmar/ecs-drainkeeper/internal/queue"
)

type pushedEvent struct {
	event *queue.Event
	delay int64
}

type fakeQueue struct {
	popFn   func(ctx context.Context) ([]*queue.Event, error)
	pushErr error
	pushed  []pushedEvent
	removed []*queue.Event
}

func (f *fakeQueue) Pop(ctx context.Context, _ int64) ([]*queue.Event, error) {
	if f.popFn == nil {
		return nil, nil
	}
	return f.popFn(ctx)
}

func (f *fakeQueue) Push(_ context.Context, event *queue.Event, delay int64) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, pushedEvent{event: event, delay: delay})
	return nil
}

func (f *fakeQueue) Remove(_ context.Context, event *queue.Event) error {
	f.removed = append(f.removed, event)
	return nil
}

type fakeNodes struct {
	node        *ecs.Node
	resolveErr  error
	describeErr error
	tasks       []ecs.Task
	tasksErr    error
	drainErr    error
	stopErr     map[string]error

	resolveCalls  int
	describeCalls int
	drainCalls    int
	stops         []string
}

func (f *fakeNodes) ResolveInstance(context.Context, string) (*ecs.Node, error) {
	f.resolveCalls++
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	n := *f.node
	return &n, nil
}

func (f *fakeNodes) DescribeInstance(context.Context, string, string) (*ecs.Node, error) {
	f.describeCalls++
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	n := *f.node
	return &n, nil
}

func (f *fakeNodes) SetDraining(_ context.Context, node *ecs.Node) error {
	f.drainCalls++
	if f.drainErr != nil {
		return f.drainErr
	}
	node.Status = "DRAINING"
	return nil
}

func (f *fakeNodes) RunningTasks(context.Context, *ecs.Node) ([]ecs.Task, error) {
	return f.tasks, f.tasksErr
}

func (f *fakeNodes) StopTask(_ context.Context, _ *ecs.Node, taskARN, _ string) error {
	f.stops = append(f.stops, taskARN)
	return f.stopErr[taskARN]
}

type fakeLifecycle struct {
	completeErr  error
	heartbeatErr error

	completions []lifecycle.Outcome
	actions     []lifecycle.Action
	heartbeats  int
}

func (f *fakeLifecycle) Complete(_ context.Context, action lifecycle.Action, outcome lifecycle.Outcome) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completions = append(f.completions, outcome)
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeLifecycle) Heartbeat(context.Context, lifecycle.Action) error {
	f.heartbeats++
	return f.heartbeatErr
}

type fakeNotifier struct {
	texts []string
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func activeNode() *ecs.Node {
	return &ecs.Node{
		ClusterARN:           "arn:cluster/prod",
		ContainerInstanceARN: "arn:container-instance/prod/aaa",
		Status:               "ACTIVE",
	}
}

func termEnvelope(count int) *Envelope {
	return &Envelope{
		LifecycleActionToken: "tok-1",
		AutoScalingGroupName: "workers",
		LifecycleHookName:    "drain-hook",
		EC2InstanceID:        "i-0123456789abcdef0",
		LifecycleTransition:  terminationTransition,
		InvocationCount:      count,
	}
}

func drainEvent(t *testing.T, env *Envelope) *queue.Event {
	t.Helper()
	event, err := env.QueueEvent()
	require.NoError(t, err)
	return event
}

func newTestService(q queue.Queue, nodes ecs.Service, hooks lifecycle.Service, opts ...func(*Config)) Service {
	cfg := Config{
		Queue:          q,
		Nodes:          nodes,
		Lifecycle:      hooks,
		Stagger:        30 * time.Second,
		MaxInvocations: 5,
		Heartbeat:      true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func TestHandleEmptyNodeCompletes(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{node: activeNode()}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	require.NoError(t, err)

	assert.Equal(t, ResultCompleted, result)
	assert.Equal(t, []lifecycle.Outcome{lifecycle.OutcomeContinue}, hooks.completions)
	assert.Equal(t, 1, nodes.drainCalls)
	assert.Empty(t, q.pushed)

	require.Len(t, hooks.actions, 1)
	assert.Equal(t, "tok-1", hooks.actions[0].Token)
	assert.Equal(t, "workers", hooks.actions[0].AutoScalingGroupName)
}

func TestHandleBusyNodeStopsPinnedTasksAndRepublishes(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{
		node: activeNode(),
		tasks: []ecs.Task{
			{ARN: "arn:task/prod/1", StartedBy: "aaa", Group: "family:agent"},
			{ARN: "arn:task/prod/2", StartedBy: "ecs-svc/9000", Group: "service:web"},
			{ARN: "arn:task/prod/3", StartedBy: "aaa", Group: "family:logrouter"},
			{ARN: "arn:task/prod/4", StartedBy: "", Group: "service:api"},
		},
	}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	require.NoError(t, err)

	assert.Equal(t, ResultRepublished, result)
	// only the node-pinned tasks get stopped; the scheduler migrates
	// everything else on its own
	assert.Equal(t, []string{"arn:task/prod/1", "arn:task/prod/3"}, nodes.stops)
	assert.Equal(t, 1, nodes.drainCalls)
	assert.Equal(t, 1, hooks.heartbeats)
	assert.Empty(t, hooks.completions)

	require.Len(t, q.pushed, 1)
	assert.Equal(t, int64(30), q.pushed[0].delay)

	next, err := ParseEnvelope(q.pushed[0].event.Data)
	require.NoError(t, err)
	assert.Equal(t, 2, next.InvocationCount)
	assert.Equal(t, "tok-1", next.LifecycleActionToken)
	assert.Equal(t, "arn:cluster/prod", next.ClusterARN)
	assert.Equal(t, "arn:container-instance/prod/aaa", next.ContainerInstanceARN)

	impl := svc.(*service)
	assert.Equal(t, float64(2), testutil.ToFloat64(impl.metrics.tasksStopped))
}

func TestHandleDrainingNodeIsNotMarkedAgain(t *testing.T) {
	node := activeNode()
	node.Status = "DRAINING"
	q := &fakeQueue{}
	nodes := &fakeNodes{
		node:  node,
		tasks: []ecs.Task{{ARN: "arn:task/prod/2", StartedBy: "ecs-svc/9000"}},
	}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(2)))
	require.NoError(t, err)

	assert.Equal(t, ResultRepublished, result)
	assert.Equal(t, 0, nodes.drainCalls)
	assert.Empty(t, nodes.stops)
}

func TestHandleResolvedEnvelopeSkipsScan(t *testing.T) {
	env := termEnvelope(3)
	env.ClusterARN = "arn:cluster/prod"
	env.ContainerInstanceARN = "arn:container-instance/prod/aaa"

	node := activeNode()
	node.Status = "DRAINING"
	q := &fakeQueue{}
	nodes := &fakeNodes{node: node}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), drainEvent(t, env))
	require.NoError(t, err)

	assert.Equal(t, ResultCompleted, result)
	assert.Equal(t, 0, nodes.resolveCalls)
	assert.Equal(t, 1, nodes.describeCalls)
}

func TestHandleCeilingAbandons(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{node: activeNode(), tasks: []ecs.Task{{ARN: "arn:task/prod/1", StartedBy: "aaa"}}}
	hooks := &fakeLifecycle{}
	notifier := &fakeNotifier{}

	svc := newTestService(q, nodes, hooks, func(cfg *Config) {
		cfg.Notifier = notifier
	})
	result, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(5)))
	require.NoError(t, err)

	assert.Equal(t, ResultAborted, result)
	assert.Equal(t, []lifecycle.Outcome{lifecycle.OutcomeAbandon}, hooks.completions)
	// the ceiling check runs before any cloud call
	assert.Equal(t, 0, nodes.resolveCalls)
	assert.Equal(t, 0, nodes.drainCalls)
	assert.Empty(t, nodes.stops)
	assert.Empty(t, q.pushed)
	require.Len(t, notifier.texts, 1)
	assert.Contains(t, notifier.texts[0], "i-0123456789abcdef0")
}

func TestHandleInstanceNotRegisteredCompletes(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{resolveErr: ecs.ErrInstanceNotFound}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	require.NoError(t, err)

	assert.Equal(t, ResultCompleted, result)
	assert.Equal(t, []lifecycle.Outcome{lifecycle.OutcomeContinue}, hooks.completions)
	assert.Empty(t, q.pushed)
}

func TestHandleInstanceDeregisteredMidDrainCompletes(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{node: activeNode(), drainErr: ecs.ErrInstanceNotFound}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	require.NoError(t, err)

	assert.Equal(t, ResultCompleted, result)
	assert.Equal(t, []lifecycle.Outcome{lifecycle.OutcomeContinue}, hooks.completions)
}

func TestHandleResolvedInstanceGoneCompletes(t *testing.T) {
	env := termEnvelope(2)
	env.ClusterARN = "arn:cluster/prod"
	env.ContainerInstanceARN = "arn:container-instance/prod/aaa"

	q := &fakeQueue{}
	nodes := &fakeNodes{describeErr: ecs.ErrInstanceNotFound}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), drainEvent(t, env))
	require.NoError(t, err)

	assert.Equal(t, ResultCompleted, result)
	assert.Equal(t, []lifecycle.Outcome{lifecycle.OutcomeContinue}, hooks.completions)
}

func TestHandleListTasksFailureLeavesMessage(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{node: activeNode(), tasksErr: errors.New("throttled")}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	_, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	assert.Error(t, err)
	assert.Empty(t, hooks.completions)
	assert.Empty(t, q.pushed)
}

func TestHandleMalformedMessageIsDropped(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{node: activeNode()}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), &queue.Event{ID: "junk", Data: []byte("not json")})
	require.NoError(t, err)

	assert.Equal(t, ResultDropped, result)
	assert.Equal(t, 0, nodes.resolveCalls)
	assert.Empty(t, hooks.completions)
	assert.Empty(t, q.pushed)
}

func TestHandleIncompleteEnvelopeIsDropped(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{node: activeNode()}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), &queue.Event{
		ID:   "incomplete",
		Data: []byte(`{"LifecycleTransition":"autoscaling:EC2_INSTANCE_TERMINATING"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, ResultDropped, result)
	assert.Equal(t, 0, nodes.resolveCalls)
}

func TestHandleTestNotificationIsSkipped(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{node: activeNode()}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), &queue.Event{
		ID:   "test-notification",
		Data: []byte(`{"Event":"autoscaling:TEST_NOTIFICATION","AutoScalingGroupName":"workers"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, ResultSkipped, result)
	assert.Equal(t, 0, nodes.resolveCalls)
	assert.Empty(t, hooks.completions)
}

func TestHandleStopFailureStillRepublishes(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{
		node:    activeNode(),
		tasks:   []ecs.Task{{ARN: "arn:task/prod/1", StartedBy: "aaa"}},
		stopErr: map[string]error{"arn:task/prod/1": errors.New("throttled")},
	}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	require.NoError(t, err)

	assert.Equal(t, ResultRepublished, result)
	require.Len(t, q.pushed, 1)
}

func TestHandleCompleteFailureLeavesMessage(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{node: activeNode()}
	hooks := &fakeLifecycle{completeErr: errors.New("throttled")}

	svc := newTestService(q, nodes, hooks)
	_, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	assert.Error(t, err)
}

func TestHandleRepublishFailureLeavesMessage(t *testing.T) {
	q := &fakeQueue{pushErr: errors.New("queue unavailable")}
	nodes := &fakeNodes{
		node:  activeNode(),
		tasks: []ecs.Task{{ARN: "arn:task/prod/2", StartedBy: "ecs-svc/9000"}},
	}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	_, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	assert.Error(t, err)
}

func TestHandleHeartbeatFailureIsNotFatal(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{
		node:  activeNode(),
		tasks: []ecs.Task{{ARN: "arn:task/prod/2", StartedBy: "ecs-svc/9000"}},
	}
	hooks := &fakeLifecycle{heartbeatErr: errors.New("expired")}

	svc := newTestService(q, nodes, hooks)
	result, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	require.NoError(t, err)
	assert.Equal(t, ResultRepublished, result)
}

func TestHandleHeartbeatDisabled(t *testing.T) {
	q := &fakeQueue{}
	nodes := &fakeNodes{
		node:  activeNode(),
		tasks: []ecs.Task{{ARN: "arn:task/prod/2", StartedBy: "ecs-svc/9000"}},
	}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks, func(cfg *Config) {
		cfg.Heartbeat = false
	})
	_, err := svc.Handle(context.Background(), drainEvent(t, termEnvelope(1)))
	require.NoError(t, err)
	assert.Equal(t, 0, hooks.heartbeats)
}

func TestListenAcknowledgesHandledEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := drainEvent(t, termEnvelope(1))
	calls := 0
	q := &fakeQueue{
		popFn: func(context.Context) ([]*queue.Event, error) {
			calls++
			if calls == 1 {
				return []*queue.Event{event}, nil
			}
			cancel()
			return nil, nil
		},
	}
	nodes := &fakeNodes{node: activeNode()}
	hooks := &fakeLifecycle{}

	svc := newTestService(q, nodes, hooks)
	require.NoError(t, svc.Listen(ctx))

	require.Len(t, q.removed, 1)
	assert.Equal(t, event.ID, q.removed[0].ID)
	assert.Equal(t, []lifecycle.Outcome{lifecycle.OutcomeContinue}, hooks.completions)
}

func TestListenLeavesFailedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := drainEvent(t, termEnvelope(1))
	calls := 0
	q := &fakeQueue{
		popFn: func(context.Context) ([]*queue.Event, error) {
			calls++
			if calls == 1 {
				return []*queue.Event{event}, nil
			}
			cancel()
			return nil, nil
		},
	}
	nodes := &fakeNodes{node: activeNode()}
	hooks := &fakeLifecycle{completeErr: errors.New("throttled")}

	svc := newTestService(q, nodes, hooks)
	require.NoError(t, svc.Listen(ctx))

	assert.Empty(t, q.removed)
}
