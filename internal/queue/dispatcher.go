// Package queue provides the SQS producer for fire-and-forget email tasks.
// The API process enqueues; the email worker consumes.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"aitextspeak/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Dispatcher serializes EmailTasks and sends them to the notification queue.
type Dispatcher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher for the given queue URL.
func NewDispatcher(client SQSSender, queueURL string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue stamps the task with an ID and timestamp and sends it.
func (d *Dispatcher) Enqueue(ctx context.Context, task types.EmailTask) error {
	task.TaskID = uuid.New().String()
	task.EnqueuedAt = time.Now().UTC()

	body, err := json.Marshal(task)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal email task", err)
	}

	_, err = d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(task.Kind)),
			},
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to enqueue email task", err)
	}

	d.logger.InfoContext(ctx, "email task enqueued",
		"task_id", task.TaskID,
		"kind", task.Kind,
	)
	return nil
}
