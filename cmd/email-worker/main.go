// Package main is the entrypoint for the email worker. It long-polls the
// notification SQS queue, renders each task through the email templates, and
// delivers via SendGrid.
//
// Delivery semantics: a malformed or unrenderable task is deleted (retrying
// cannot fix it); a provider send failure leaves the message on the queue so
// the visibility timeout redelivers it. Messages are processed independently;
// one bad task never blocks the batch.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"aitextspeak/internal/config"
	"aitextspeak/internal/external"
	"aitextspeak/internal/notifications/email"
	"aitextspeak/internal/types"
)

const (
	// maxMessagesPerPoll is the SQS batch size per receive call.
	maxMessagesPerPoll = 10
	// waitTimeSeconds enables SQS long polling.
	waitTimeSeconds = 20
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("email worker starting",
		"environment", cfg.Environment,
		"queue", cfg.AWS.NotificationQueue,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	renderer, err := email.NewRenderer()
	if err != nil {
		return fmt.Errorf("parsing email templates: %w", err)
	}

	sendgrid := external.NewSendGridClient(&http.Client{Timeout: 30 * time.Second}, external.SendGridConfig{
		APIKey:      cfg.Email.SendGridAPIKey.Unmask(),
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		Logger:      logger,
	})
	channel := email.NewChannel(renderer, sendgrid, logger)

	w := &worker{
		client:   sqsClient,
		queueURL: cfg.AWS.NotificationQueue,
		channel:  channel,
		logger:   logger,
	}

	w.poll(ctx)
	logger.Info("email worker stopped")
	return nil
}

// worker consumes the notification queue until its context is canceled.
type worker struct {
	client   *sqs.Client
	queueURL string
	channel  *email.Channel
	logger   *slog.Logger
}

func (w *worker) poll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		out, err := w.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.queueURL),
			MaxNumberOfMessages: maxMessagesPerPoll,
			WaitTimeSeconds:     waitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.ErrorContext(ctx, "failed to receive messages", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range out.Messages {
			w.processMessage(ctx, aws.ToString(msg.Body), aws.ToString(msg.ReceiptHandle), aws.ToString(msg.MessageId))
		}
	}
}

// processMessage delivers one task. The message is deleted on success and on
// permanent failures; transient send failures leave it queued for redelivery.
func (w *worker) processMessage(ctx context.Context, body, receiptHandle, messageID string) {
	var task types.EmailTask
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		w.logger.ErrorContext(ctx, "discarding malformed email task",
			"message_id", messageID,
			"error", err,
		)
		w.delete(ctx, receiptHandle, messageID)
		return
	}

	if err := w.channel.Deliver(ctx, task); err != nil {
		if isPermanent(err) {
			w.logger.ErrorContext(ctx, "discarding undeliverable email task",
				"message_id", messageID,
				"task_id", task.TaskID,
				"kind", task.Kind,
				"error", err,
			)
			w.delete(ctx, receiptHandle, messageID)
			return
		}
		w.logger.WarnContext(ctx, "email delivery failed, leaving task for redelivery",
			"message_id", messageID,
			"task_id", task.TaskID,
			"kind", task.Kind,
			"error", err,
		)
		return
	}

	w.delete(ctx, receiptHandle, messageID)
}

func (w *worker) delete(ctx context.Context, receiptHandle, messageID string) {
	_, err := w.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to delete message",
			"message_id", messageID,
			"error", err,
		)
	}
}

// isPermanent reports whether a delivery error can never succeed on retry.
func isPermanent(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeValidationInvalidEvent
}

// newLogger builds the process-wide structured JSON logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
