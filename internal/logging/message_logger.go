package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for message lifecycle events
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
	}
}

// MessageContext contains all context about a queue entry for logging
type MessageContext struct {
	MessageID    string
	AccountID    uint32
	From         string
	To           []string
	Size         int64
	QueuedAt     time.Time
	DeliveryTime time.Time
	DeliveryHost string
	ReplyCode    int
	RetryCount   int
	NextRetry    time.Time
	Worker       string
	Error        string
}

func (ctx MessageContext) base(event string) []any {
	return []any{
		"event_type", event,
		"message_id", ctx.MessageID,
		"account_id", ctx.AccountID,
		"from", ctx.From,
		"to", ctx.To,
		"recipient_count", len(ctx.To),
		"size", ctx.Size,
		"retry_count", ctx.RetryCount,
	}
}

func sinceQueued(ctx MessageContext, now time.Time) time.Duration {
	if ctx.QueuedAt.IsZero() {
		return 0
	}
	return now.Sub(ctx.QueuedAt)
}

// LogEnqueue logs when a message is accepted into the queue
func (ml *MessageLogger) LogEnqueue(ctx MessageContext) {
	ml.logger.Info("message_enqueue", append(ctx.base("enqueue"),
		"queued_at", ctx.QueuedAt.Format(time.RFC3339),
		"status", "queued",
	)...)
}

// LogDelivery logs a recipient accepted by the remote host
func (ml *MessageLogger) LogDelivery(ctx MessageContext) {
	deliveredAt := ctx.DeliveryTime
	if deliveredAt.IsZero() {
		deliveredAt = time.Now()
	}

	fields := append(ctx.base("delivery"),
		"delivery_time", deliveredAt.Format(time.RFC3339),
		"queue_delay_ms", sinceQueued(ctx, deliveredAt).Milliseconds(),
		"worker", ctx.Worker,
		"status", "delivered",
	)
	if ctx.DeliveryHost != "" {
		fields = append(fields, "delivery_host", ctx.DeliveryHost)
	}
	if ctx.ReplyCode != 0 {
		fields = append(fields, "reply_code", ctx.ReplyCode)
	}

	ml.logger.Info("message_delivery", fields...)
}

// LogTempFail logs a temporary failure that will be retried
func (ml *MessageLogger) LogTempFail(ctx MessageContext) {
	now := time.Now()
	nextIn := time.Duration(0)
	if !ctx.NextRetry.IsZero() {
		nextIn = ctx.NextRetry.Sub(now)
	}

	ml.logger.Warn("message_tempfail", append(ctx.base("tempfail"),
		"failure_time", now.Format(time.RFC3339),
		"next_retry", ctx.NextRetry.Format(time.RFC3339),
		"next_retry_in_seconds", int(nextIn.Seconds()),
		"queue_delay_ms", sinceQueued(ctx, now).Milliseconds(),
		"delivery_host", ctx.DeliveryHost,
		"reply_code", ctx.ReplyCode,
		"failure_reason", ctx.Error,
		"worker", ctx.Worker,
		"status", "temporary_failure",
	)...)
}

// LogBounce logs a permanent failure
func (ml *MessageLogger) LogBounce(ctx MessageContext) {
	now := time.Now()
	ml.logger.Error("message_bounce", append(ctx.base("bounce"),
		"bounce_time", now.Format(time.RFC3339),
		"queue_delay_ms", sinceQueued(ctx, now).Milliseconds(),
		"delivery_host", ctx.DeliveryHost,
		"reply_code", ctx.ReplyCode,
		"bounce_reason", ctx.Error,
		"worker", ctx.Worker,
		"status", "bounced",
	)...)
}

// LogDeadLetter logs a recipient that exhausted its retry budget
func (ml *MessageLogger) LogDeadLetter(ctx MessageContext) {
	now := time.Now()
	ml.logger.Error("message_deadletter", append(ctx.base("deadletter"),
		"deadletter_time", now.Format(time.RFC3339),
		"queue_delay_ms", sinceQueued(ctx, now).Milliseconds(),
		"failure_reason", ctx.Error,
		"worker", ctx.Worker,
		"status", "dead_lettered",
	)...)
}

// LogPurge logs a message removed by administrative purge
func (ml *MessageLogger) LogPurge(ctx MessageContext) {
	ml.logger.Warn("message_purge", append(ctx.base("purge"),
		"purge_time", time.Now().Format(time.RFC3339),
		"reason", ctx.Error,
		"status", "purged",
	)...)
}
