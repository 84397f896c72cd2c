package email

import (
	"context"
	"log/slog"

	"aitextspeak/internal/external"
	"aitextspeak/internal/types"
)

// Channel renders an EmailTask and hands it to the delivery provider. It is
// the worker-side counterpart of the queue dispatcher.
type Channel struct {
	renderer *Renderer
	provider external.EmailProvider
	logger   *slog.Logger
}

// NewChannel creates a Channel.
func NewChannel(renderer *Renderer, provider external.EmailProvider, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{renderer: renderer, provider: provider, logger: logger}
}

// Deliver renders and sends one task. Render failures are permanent (the
// task is malformed); send failures are returned so the worker can leave the
// message on the queue for redelivery.
func (c *Channel) Deliver(ctx context.Context, task types.EmailTask) error {
	rendered, err := c.renderer.Render(task.Kind, task.Fields)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidEvent, "email task failed to render", err)
	}

	if err := c.provider.Send(ctx, task.To, rendered.Subject, rendered.BodyHTML); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "email delivered",
		"task_id", task.TaskID,
		"kind", task.Kind,
	)
	return nil
}
