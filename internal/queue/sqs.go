package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

var _ Queue = (*sqsQueue)(nil)

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type sqsQueue struct {
	queueURL          string
	sqsClient         API
	pollInterval      time.Duration
	visibilityTimeout time.Duration
}

type SQSConfig struct {
	QueueURL          string
	Client            API
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// NewSQSQueue wraps a standard (non-FIFO) SQS queue. A standard queue is
// required: per-message DelaySeconds is not supported on FIFO queues.
func NewSQSQueue(cfg *SQSConfig) Queue {
	return &sqsQueue{
		queueURL:          cfg.QueueURL,
		sqsClient:         cfg.Client,
		pollInterval:      cfg.PollInterval,
		visibilityTimeout: cfg.VisibilityTimeout,
	}
}

// Push pushes an event to the queue
// delay is in seconds
func (q *sqsQueue) Push(ctx context.Context, event *Event, delay int64) error {
	out, err := q.sqsClient.SendMessage(ctx, &sqs.SendMessageInput{
		MessageBody:  aws.String(string(event.Data)),
		QueueUrl:     aws.String(q.queueURL),
		DelaySeconds: int32(delay),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.ID),
			},
			"name": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Name)),
			},
		},
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("message_id", aws.ToString(out.MessageId)).
		Int64("delay", delay).
		Msg("pushed event to queue")

	return nil
}

func (q *sqsQueue) Pop(ctx context.Context, size int64) ([]*Event, error) {
	resp, err := q.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(size),
		AttributeNames: []types.QueueAttributeName{
			"ApproximateReceiveCount",
		},
		MessageAttributeNames: []string{
			"id",
			"name",
		},
		VisibilityTimeout: int32(q.visibilityTimeout.Seconds()),
		WaitTimeSeconds:   int32(q.pollInterval.Seconds()),
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Messages) == 0 {
		return nil, nil
	}

	log.Debug().Int("count", len(resp.Messages)).Msg("received messages from queue")

	var events []*Event

	for _, msg := range resp.Messages {
		receives := 1

		if raw := msg.Attributes["ApproximateReceiveCount"]; raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				receives = n
			}
		}

		// Messages published by the fleet manager carry no message
		// attributes; only self-published ones do.
		events = append(events, &Event{
			sqsReceiptHandle: aws.ToString(msg.ReceiptHandle),

			ID:           aws.ToString(msg.MessageAttributes["id"].StringValue),
			Name:         EventName(aws.ToString(msg.MessageAttributes["name"].StringValue)),
			Data:         []byte(aws.ToString(msg.Body)),
			ReceiveCount: receives,
		})
	}

	return events, nil
}

func (q *sqsQueue) Remove(ctx context.Context, event *Event) error {
	_, err := q.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(event.sqsReceiptHandle),
	})
	if err != nil {
		return err
	}

	return nil
}
