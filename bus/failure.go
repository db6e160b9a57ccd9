package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360studio/stagecraft/envelope"
)

// retryDelay computes the republish delay for the n-th attempt:
// 100ms * 2^(n-1), capped at 5s. Jittered backoff for business retries
// lives in resilience; this is only pacing between redeliveries.
func retryDelay(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Second {
			return 5 * time.Second
		}
	}
	return d
}

// HandleFailure implements the shared redelivery policy for both adapters:
// republish a retry envelope with a fresh id while the budget allows,
// otherwise wrap the envelope as system.dead_letter on dlq:failed. Every
// envelope id is unique per attempt, so consumers' idempotency ledgers see
// each attempt as a distinct delivery.
func HandleFailure(ctx context.Context, b Bus, topic string, env *envelope.Envelope, cause error, maxRetries int, logger *slog.Logger) {
	if env.HasExhaustedRetries(maxRetries) {
		if err := PublishDeadLetter(ctx, b, topic, env, cause); err != nil {
			logger.Error("Failed to publish dead letter",
				"topic", topic,
				"envelope_id", env.ID,
				"error", err)
		}
		return
	}

	retried := envelope.NewRetry(env, cause)
	delay := retryDelay(retried.Meta.Attempts)
	retried.Meta.RetryAfter = int(delay.Milliseconds())

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := b.Publish(ctx, topic, retried, PublishOptions{MirrorToStream: true}); err != nil {
		logger.Error("Failed to republish retry envelope",
			"topic", topic,
			"envelope_id", env.ID,
			"attempt", retried.Meta.Attempts,
			"error", err)
		return
	}

	logger.Debug("Scheduled envelope retry",
		"topic", topic,
		"envelope_id", retried.ID,
		"attempt", retried.Meta.Attempts,
		"delay_ms", retried.Meta.RetryAfter)
}

// PublishDeadLetter wraps env as a system.dead_letter envelope on dlq:failed.
// The wrapper carries the offending id and last error; publication is
// durable so the sink survives restarts.
func PublishDeadLetter(ctx context.Context, b Bus, topic string, env *envelope.Envelope, cause error) error {
	lastErr := env.Meta.LastError
	if cause != nil {
		lastErr = cause.Error()
	}

	dead := &envelope.DeadLetter{
		EnvelopeID: env.ID,
		Topic:      topic,
		LastError:  lastErr,
		Attempts:   env.Meta.Attempts,
	}

	wrapper, err := envelope.New(envelope.DeadLetterType, dead,
		envelope.WithCorrelationID(env.CorrelationID),
		envelope.WithSource("bus"))
	if err != nil {
		return err
	}
	return b.Publish(ctx, TopicDLQ, wrapper, PublishOptions{MirrorToStream: true, Durable: true})
}

// ExtractEnvelopeID best-effort extracts the id from a raw message that
// failed full parsing, so malformed payloads can still be dead-lettered.
func ExtractEnvelopeID(data []byte) string {
	var header struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &header); err != nil || header.ID == "" {
		return "unparseable"
	}
	return header.ID
}
