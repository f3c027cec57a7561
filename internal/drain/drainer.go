package drain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/falmar/ecs-drainkeeper/internal/ecs"
	"github.com/falmar/ecs-drainkeeper/internal/lifecycle"
	"github.com/falmar/ecs-drainkeeper/internal/queue"
)

var _ Service = (*service)(nil)

// Each queue message is one self-contained invocation:
// make sure the node is DRAINING
// stop the tasks pinned to the node
// wait for the scheduler by re-publishing with a delay
// complete the lifecycle action once the node is empty

// Result is the terminal state of one drain invocation.
type Result string

const (
	// ResultSkipped means the message was not a termination notice.
	ResultSkipped Result = "skipped"
	// ResultDropped means the message could not be decoded or lacked
	// required fields. It is acknowledged so it cannot poison the
	// queue; the hook timeout is the backstop.
	ResultDropped Result = "dropped"
	// ResultCompleted means the node is empty or gone and the group
	// was told to continue terminating.
	ResultCompleted Result = "completed"
	// ResultAborted means the invocation ceiling was reached and the
	// termination was handed back as ABANDON.
	ResultAborted Result = "aborted"
	// ResultRepublished means tasks are still running and a follow-up
	// invocation was scheduled.
	ResultRepublished Result = "republished"
)

const (
	defaultStagger        = 30 * time.Second
	defaultMaxInvocations = 50
	defaultStopReason     = "Draining the container instance"
)

// Notifier posts human-facing updates about notable drain outcomes.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Service interface {
	// Listen consumes the termination queue until the context ends.
	Listen(ctx context.Context) error

	// Handle runs one drain invocation for one received event. A nil
	// error means the event can be acknowledged.
	Handle(ctx context.Context, event *queue.Event) (Result, error)
}

type Config struct {
	Queue     queue.Queue
	Nodes     ecs.Service
	Lifecycle lifecycle.Service

	// Notifier is optional.
	Notifier Notifier
	// Registry is where drain metrics register; a private registry is
	// used when nil.
	Registry prometheus.Registerer

	// Stagger is the delay before a re-published envelope becomes
	// visible again.
	Stagger time.Duration
	// MaxInvocations is the ceiling at which a drain gives up and
	// abandons the lifecycle action.
	MaxInvocations int
	// StopReason is attached to every task stop request.
	StopReason string
	// Heartbeat extends the lifecycle hook window on every invocation
	// that re-publishes.
	Heartbeat bool
}

type service struct {
	queue    queue.Queue
	nodes    ecs.Service
	hooks    lifecycle.Service
	notifier Notifier
	metrics  *metrics

	stagger        time.Duration
	maxInvocations int
	stopReason     string
	heartbeat      bool
}

func New(cfg Config) Service {
	if cfg.Stagger <= 0 {
		cfg.Stagger = defaultStagger
	}
	if cfg.MaxInvocations <= 0 {
		cfg.MaxInvocations = defaultMaxInvocations
	}
	if cfg.StopReason == "" {
		cfg.StopReason = defaultStopReason
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	return &service{
		queue:          cfg.Queue,
		nodes:          cfg.Nodes,
		hooks:          cfg.Lifecycle,
		notifier:       cfg.Notifier,
		metrics:        newMetrics(cfg.Registry),
		stagger:        cfg.Stagger,
		maxInvocations: cfg.MaxInvocations,
		stopReason:     cfg.StopReason,
		heartbeat:      cfg.Heartbeat,
	}
}

func (svc *service) Listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			events, err := svc.queue.Pop(ctx, 1)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Msg("failed to pop events from queue")

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
				continue
			}

			for _, event := range events {
				result, err := svc.Handle(ctx, event)
				if err != nil {
					// leave the message alone; the visibility timeout
					// redelivers it with the same invocation count
					log.Error().Err(err).
						Str("event_id", event.ID).
						Msg("drain invocation failed, waiting for redelivery")
					continue
				}

				if err := svc.queue.Remove(ctx, event); err != nil {
					log.Error().Err(err).
						Str("event_id", event.ID).
						Msg("failed to remove event from queue")
					continue
				}

				log.Debug().
					Str("event_id", event.ID).
					Str("result", string(result)).
					Msg("event acknowledged")
			}
		}
	}
}

func (svc *service) Handle(ctx context.Context, event *queue.Event) (result Result, err error) {
	defer func() {
		outcome := string(result)
		if err != nil {
			outcome = "error"
		}
		svc.metrics.invocations.WithLabelValues(outcome).Inc()
	}()

	env, perr := ParseEnvelope(event.Data)
	if perr != nil {
		log.Error().Err(perr).
			Str("event_id", event.ID).
			Msg("dropping undecodable message")
		return ResultDropped, nil
	}

	if !env.IsTermination() {
		log.Info().
			Str("event", env.Event).
			Str("transition", env.LifecycleTransition).
			Msg("ignoring non-termination notification")
		return ResultSkipped, nil
	}

	if verr := env.Validate(); verr != nil {
		log.Error().Err(verr).Msg("dropping incomplete termination envelope")
		return ResultDropped, nil
	}

	logger := log.With().
		Str("instance", env.EC2InstanceID).
		Str("group", env.AutoScalingGroupName).
		Int("invocation", env.InvocationCount).
		Logger()

	// ceiling first, before any cloud call, so a stuck node cannot
	// re-publish forever
	if env.InvocationCount >= svc.maxInvocations {
		return svc.abort(ctx, logger, env)
	}

	return svc.drain(ctx, logger, env)
}

func (svc *service) abort(ctx context.Context, logger zerolog.Logger, env *Envelope) (Result, error) {
	logger.Error().
		Int("max_invocations", svc.maxInvocations).
		Msg("node still busy at the invocation ceiling, abandoning termination")

	if err := svc.hooks.Complete(ctx, env.Action(), lifecycle.OutcomeAbandon); err != nil {
		return ResultAborted, err
	}
	svc.metrics.completions.WithLabelValues(string(lifecycle.OutcomeAbandon)).Inc()

	svc.notify(ctx, fmt.Sprintf(
		"gave up draining %s in %s: tasks still running after %d invocations",
		env.EC2InstanceID, env.AutoScalingGroupName, env.InvocationCount,
	))

	return ResultAborted, nil
}

func (svc *service) drain(ctx context.Context, logger zerolog.Logger, env *Envelope) (Result, error) {
	node, err := svc.locate(ctx, env)
	if errors.Is(err, ecs.ErrInstanceNotFound) {
		logger.Info().Msg("no container instance registered for this EC2 instance, letting termination proceed")
		return svc.complete(ctx, logger, env)
	}
	if err != nil {
		return "", fmt.Errorf("failed to locate container instance: %w", err)
	}

	env.ClusterARN = node.ClusterARN
	env.ContainerInstanceARN = node.ContainerInstanceARN
	logger = logger.With().Str("container_instance", node.ShortID()).Logger()

	if !node.Draining() {
		err := svc.nodes.SetDraining(ctx, node)
		if errors.Is(err, ecs.ErrInstanceNotFound) {
			logger.Info().Msg("container instance deregistered, letting termination proceed")
			return svc.complete(ctx, logger, env)
		}
		if err != nil {
			return "", fmt.Errorf("failed to set container instance to DRAINING: %w", err)
		}
		logger.Info().Msg("container instance set to DRAINING")
	}

	tasks, err := svc.nodes.RunningTasks(ctx, node)
	if err != nil {
		return "", fmt.Errorf("failed to list running tasks: %w", err)
	}

	if len(tasks) == 0 {
		logger.Info().Msg("no tasks left on the node, letting termination proceed")
		return svc.complete(ctx, logger, env)
	}

	stopped := svc.stopNodeTasks(ctx, logger, node, tasks)

	// keep the hook window open while the scheduler migrates the rest
	if svc.heartbeat {
		if err := svc.hooks.Heartbeat(ctx, env.Action()); err != nil {
			logger.Warn().Err(err).Msg("failed to record lifecycle heartbeat")
		}
	}

	next := env.Next()
	nextEvent, err := next.QueueEvent()
	if err != nil {
		return "", err
	}
	if err := svc.queue.Push(ctx, nextEvent, int64(svc.stagger/time.Second)); err != nil {
		return "", fmt.Errorf("failed to schedule next drain invocation: %w", err)
	}

	logger.Info().
		Int("running_tasks", len(tasks)).
		Int("stopped_tasks", stopped).
		Dur("stagger", svc.stagger).
		Msg("node still busy, scheduled next invocation")

	return ResultRepublished, nil
}

// locate finds the container instance for the envelope, re-describing
// it when a previous invocation already resolved the ARNs.
func (svc *service) locate(ctx context.Context, env *Envelope) (*ecs.Node, error) {
	if env.Resolved() {
		return svc.nodes.DescribeInstance(ctx, env.ClusterARN, env.ContainerInstanceARN)
	}
	return svc.nodes.ResolveInstance(ctx, env.EC2InstanceID)
}

func (svc *service) complete(ctx context.Context, logger zerolog.Logger, env *Envelope) (Result, error) {
	if err := svc.hooks.Complete(ctx, env.Action(), lifecycle.OutcomeContinue); err != nil {
		return ResultCompleted, err
	}
	svc.metrics.completions.WithLabelValues(string(lifecycle.OutcomeContinue)).Inc()

	logger.Info().Msg("termination continued")

	// a single-invocation completion means the node was already empty;
	// not worth a notification
	if env.InvocationCount > 1 {
		svc.notify(ctx, fmt.Sprintf(
			"node %s in %s drained after %d invocations, terminating",
			env.EC2InstanceID, env.AutoScalingGroupName, env.InvocationCount,
		))
	}

	return ResultCompleted, nil
}

// stopNodeTasks stops the tasks started by the instance itself. The
// scheduler never migrates those, it only replaces them on the next
// registered node, so the drain has to stop them directly. Failures
// are logged and retried naturally by the next invocation.
func (svc *service) stopNodeTasks(ctx context.Context, logger zerolog.Logger, node *ecs.Node, tasks []ecs.Task) int {
	shortID := node.ShortID()
	stopped := 0

	for _, task := range tasks {
		if task.StartedBy != shortID {
			continue
		}

		err := svc.nodes.StopTask(ctx, node, task.ARN, svc.stopReason)
		if errors.Is(err, ecs.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			logger.Warn().Err(err).
				Str("task", task.ARN).
				Msg("failed to stop node-pinned task")
			continue
		}

		stopped++
		logger.Info().
			Str("task", task.ARN).
			Str("task_group", task.Group).
			Msg("stopped node-pinned task")
	}

	if stopped > 0 {
		svc.metrics.tasksStopped.Add(float64(stopped))
	}

	return stopped
}

func (svc *service) notify(ctx context.Context, text string) {
	if svc.notifier == nil {
		return
	}
	if err := svc.notifier.Notify(ctx, text); err != nil {
		log.Warn().Err(err).Msg("failed to send notification")
	}
}
