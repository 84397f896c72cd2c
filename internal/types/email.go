package types

import "time"

// EmailKind identifies which billing email template a task renders.
type EmailKind string

const (
	EmailWelcome              EmailKind = "welcome"
	EmailPaymentFailed        EmailKind = "payment_failed"
	EmailAdminNewSubscription EmailKind = "admin_new_subscription"
	EmailAdminCancellation    EmailKind = "admin_cancellation"
)

// EmailTask is the message enqueued for the email worker. Delivery is
// fire-and-forget from the billing core's perspective: a lost email never
// blocks or fails a billing mutation.
type EmailTask struct {
	// TaskID is a fresh UUID per enqueue, used for tracing and worker logs.
	TaskID string    `json:"task_id"`
	Kind   EmailKind `json:"kind"`
	To     string    `json:"to"`
	// Fields carries the template variables (plan name, provider, reason).
	Fields     map[string]string `json:"fields,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}
