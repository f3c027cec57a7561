package ecs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
)

var (
	ErrInstanceNotFound = errors.New("container instance not found")
	ErrTaskNotFound     = errors.New("task not found")
)

// describeTasksMax is the DescribeTasks API limit per call.
const describeTasksMax = 100

var _ Service = (*service)(nil)

// API is the subset of the ECS client the drainer uses.
type API interface {
	ListClusters(ctx context.Context, params *awsecs.ListClustersInput, optFns ...func(*awsecs.Options)) (*awsecs.ListClustersOutput, error)
	ListContainerInstances(ctx context.Context, params *awsecs.ListContainerInstancesInput, optFns ...func(*awsecs.Options)) (*awsecs.ListContainerInstancesOutput, error)
	DescribeContainerInstances(ctx context.Context, params *awsecs.DescribeContainerInstancesInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeContainerInstancesOutput, error)
	UpdateContainerInstancesState(ctx context.Context, params *awsecs.UpdateContainerInstancesStateInput, optFns ...func(*awsecs.Options)) (*awsecs.UpdateContainerInstancesStateOutput, error)
	ListTasks(ctx context.Context, params *awsecs.ListTasksInput, optFns ...func(*awsecs.Options)) (*awsecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *awsecs.DescribeTasksInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, params *awsecs.StopTaskInput, optFns ...func(*awsecs.Options)) (*awsecs.StopTaskOutput, error)
}

// Node is one ECS container instance.
type Node struct {
	ClusterARN           string
	ContainerInstanceARN string
	Status               string
}

// ShortID returns the trailing segment of the container instance ARN.
// Tasks started by the instance itself (node-pinned tasks) carry it in
// their startedBy attribute, which is how they are told apart from
// service-scheduled tasks.
func (n *Node) ShortID() string {
	idx := strings.LastIndex(n.ContainerInstanceARN, "/")
	if idx < 0 {
		return n.ContainerInstanceARN
	}
	return n.ContainerInstanceARN[idx+1:]
}

func (n *Node) Draining() bool {
	return n.Status == string(types.ContainerInstanceStatusDraining)
}

// Task is one ECS task running on a node.
type Task struct {
	ARN       string
	StartedBy string
	Group     string
}

type Service interface {
	// ResolveInstance finds the container instance registered for the
	// given EC2 instance id. Returns ErrInstanceNotFound if no cluster
	// in scope has it.
	ResolveInstance(ctx context.Context, ec2InstanceID string) (*Node, error)

	// DescribeInstance refreshes the state of an already-resolved node.
	// Returns ErrInstanceNotFound if the instance has deregistered.
	DescribeInstance(ctx context.Context, clusterARN, containerInstanceARN string) (*Node, error)

	// SetDraining puts the node into DRAINING so the scheduler stops
	// placing work and migrates service tasks away. Safe to call on a
	// node that is already draining.
	SetDraining(ctx context.Context, node *Node) error

	// RunningTasks lists every task still running on the node.
	RunningTasks(ctx context.Context, node *Node) ([]Task, error)

	// StopTask requests an asynchronous stop of one task. Returns
	// ErrTaskNotFound if the task is already gone.
	StopTask(ctx context.Context, node *Node, taskARN, reason string) error
}

type Config struct {
	Client API

	// Cluster optionally pins resolution to a single cluster ARN or
	// name. When empty every cluster in the account/region is searched,
	// the way the upstream fleet events require.
	Cluster string
}

func NewService(cfg *Config) Service {
	return &service{
		client:  cfg.Client,
		cluster: cfg.Cluster,
	}
}

type service struct {
	client  API
	cluster string
}

func (s *service) ResolveInstance(ctx context.Context, ec2InstanceID string) (*Node, error) {
	clusters, err := s.clustersInScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}

	for _, clusterARN := range clusters {
		node, err := s.findInCluster(ctx, clusterARN, ec2InstanceID)
		if errors.Is(err, ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return node, nil
	}

	return nil, ErrInstanceNotFound
}

func (s *service) clustersInScope(ctx context.Context) ([]string, error) {
	if s.cluster != "" {
		return []string{s.cluster}, nil
	}

	var clusters []string
	input := &awsecs.ListClustersInput{}
	for {
		out, err := s.client.ListClusters(ctx, input)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, out.ClusterArns...)
		if out.NextToken == nil {
			return clusters, nil
		}
		input.NextToken = out.NextToken
	}
}

func (s *service) findInCluster(ctx context.Context, clusterARN, ec2InstanceID string) (*Node, error) {
	input := &awsecs.ListContainerInstancesInput{
		Cluster: aws.String(clusterARN),
	}
	for {
		page, err := s.client.ListContainerInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing container instances in %s: %w", clusterARN, err)
		}

		if len(page.ContainerInstanceArns) > 0 {
			desc, err := s.client.DescribeContainerInstances(ctx, &awsecs.DescribeContainerInstancesInput{
				Cluster:            aws.String(clusterARN),
				ContainerInstances: page.ContainerInstanceArns,
			})
			if err != nil {
				return nil, fmt.Errorf("describing container instances in %s: %w", clusterARN, err)
			}

			for _, inst := range desc.ContainerInstances {
				if aws.ToString(inst.Ec2InstanceId) == ec2InstanceID {
					return &Node{
						ClusterARN:           clusterARN,
						ContainerInstanceARN: aws.ToString(inst.ContainerInstanceArn),
						Status:               aws.ToString(inst.Status),
					}, nil
				}
			}
		}

		if page.NextToken == nil {
			return nil, ErrInstanceNotFound
		}
		input.NextToken = page.NextToken
	}
}

func (s *service) DescribeInstance(ctx context.Context, clusterARN, containerInstanceARN string) (*Node, error) {
	out, err := s.client.DescribeContainerInstances(ctx, &awsecs.DescribeContainerInstancesInput{
		Cluster:            aws.String(clusterARN),
		ContainerInstances: []string{containerInstanceARN},
	})
	if err != nil {
		return nil, fmt.Errorf("describing container instance: %w", err)
	}

	if hasMissingFailure(out.Failures) || len(out.ContainerInstances) == 0 {
		return nil, ErrInstanceNotFound
	}

	inst := out.ContainerInstances[0]
	return &Node{
		ClusterARN:           clusterARN,
		ContainerInstanceARN: aws.ToString(inst.ContainerInstanceArn),
		Status:               aws.ToString(inst.Status),
	}, nil
}

func (s *service) SetDraining(ctx context.Context, node *Node) error {
	out, err := s.client.UpdateContainerInstancesState(ctx, &awsecs.UpdateContainerInstancesStateInput{
		Cluster:            aws.String(node.ClusterARN),
		ContainerInstances: []string{node.ContainerInstanceARN},
		Status:             types.ContainerInstanceStatusDraining,
	})
	if err != nil {
		return err
	}
	if hasMissingFailure(out.Failures) {
		return ErrInstanceNotFound
	}

	node.Status = string(types.ContainerInstanceStatusDraining)
	return nil
}

func (s *service) RunningTasks(ctx context.Context, node *Node) ([]Task, error) {
	var taskARNs []string
	input := &awsecs.ListTasksInput{
		Cluster:           aws.String(node.ClusterARN),
		ContainerInstance: aws.String(node.ContainerInstanceARN),
		DesiredStatus:     types.DesiredStatusRunning,
	}
	for {
		page, err := s.client.ListTasks(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		taskARNs = append(taskARNs, page.TaskArns...)
		if page.NextToken == nil {
			break
		}
		input.NextToken = page.NextToken
	}

	if len(taskARNs) == 0 {
		return nil, nil
	}

	var tasks []Task
	for start := 0; start < len(taskARNs); start += describeTasksMax {
		end := start + describeTasksMax
		if end > len(taskARNs) {
			end = len(taskARNs)
		}

		out, err := s.client.DescribeTasks(ctx, &awsecs.DescribeTasksInput{
			Cluster: aws.String(node.ClusterARN),
			Tasks:   taskARNs[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("describing tasks: %w", err)
		}

		// Tasks that disappeared between list and describe show up as
		// MISSING failures; they are gone, which is the state the
		// drain wants anyway.
		for _, t := range out.Tasks {
			tasks = append(tasks, Task{
				ARN:       aws.ToString(t.TaskArn),
				StartedBy: aws.ToString(t.StartedBy),
				Group:     aws.ToString(t.Group),
			})
		}
	}

	return tasks, nil
}

func (s *service) StopTask(ctx context.Context, node *Node, taskARN, reason string) error {
	_, err := s.client.StopTask(ctx, &awsecs.StopTaskInput{
		Cluster: aws.String(node.ClusterARN),
		Task:    aws.String(taskARN),
		Reason:  aws.String(reason),
	})
	if err != nil {
		if isTaskGone(err) {
			return ErrTaskNotFound
		}
		return err
	}
	return nil
}

func hasMissingFailure(failures []types.Failure) bool {
	for _, f := range failures {
		if aws.ToString(f.Reason) == "MISSING" {
			return true
		}
	}
	return false
}

func isTaskGone(err error) bool {
	var aerr smithy.APIError
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.ErrorCode() == "ClientException" &&
		strings.Contains(aerr.ErrorMessage(), "was not found")
}
