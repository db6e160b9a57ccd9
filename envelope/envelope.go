// Package envelope defines the typed message envelope used on every
// stagecraft topic: construction, validation, JSON serialization, retry
// helpers, and type guards. The wire format is stable and shared with
// every agent process.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope schema version stamped on newly created envelopes.
const Version = 1

// typePattern constrains event-type tags to lowercase dotted names.
var typePattern = regexp.MustCompile(`^[a-z0-9.]+$`)

// Meta carries delivery metadata for an envelope.
type Meta struct {
	// Attempts is the number of delivery attempts already made (0 for new).
	Attempts int `json:"attempts"`
	// LastError records the most recent handler error, set by NewRetry.
	LastError string `json:"lastError,omitempty"`
	// RetryAfter suggests a delay in milliseconds before redelivery.
	RetryAfter int `json:"retryAfter,omitempty"`
	// Version is the envelope schema version (>= 1).
	Version int `json:"version"`
	// Custom holds adapter-specific metadata.
	Custom map[string]any `json:"custom,omitempty"`
}

// Envelope is the unit of transport: a header record plus an opaque payload.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"ts"`
	CorrelationID string          `json:"corrId,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
	Source        string          `json:"source,omitempty"`
	Meta          Meta            `json:"meta"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Option configures envelope construction.
type Option func(*Envelope)

// WithCorrelationID sets the correlation id joining envelopes that belong to
// the same logical operation.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithTenant sets the tenant id.
func WithTenant(tenant string) Option {
	return func(e *Envelope) { e.TenantID = tenant }
}

// WithSource sets the producing component name.
func WithSource(source string) Option {
	return func(e *Envelope) { e.Source = source }
}

// New creates an envelope of the given event type wrapping payload.
// The payload is marshaled to JSON; a nil payload produces an empty body.
func New(eventType string, payload any, opts ...Option) (*Envelope, error) {
	if !typePattern.MatchString(eventType) {
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("invalid event type %q", eventType)}
	}

	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Meta: Meta{
			Attempts: 0,
			Version:  Version,
		},
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = data
	}

	for _, opt := range opts {
		opt(env)
	}

	// Default correlation to the envelope id so retries stay traceable.
	if env.CorrelationID == "" {
		env.CorrelationID = env.ID
	}

	return env, nil
}

// NewRetry derives a retry envelope from original: fresh id, same
// correlation id and payload, incremented attempt count and meta version,
// and the triggering error recorded.
func NewRetry(original *Envelope, cause error) *Envelope {
	retried := *original
	retried.ID = uuid.New().String()
	retried.Timestamp = time.Now().UTC()
	retried.Meta.Attempts = original.Meta.Attempts + 1
	retried.Meta.Version = original.Meta.Version + 1
	if cause != nil {
		retried.Meta.LastError = cause.Error()
	}
	return &retried
}

// Validate checks the envelope header against the protocol invariants and,
// when a payload schema is registered for the event type, the payload shape.
// Unknown event types pass header validation for forward compatibility.
func (e *Envelope) Validate() error {
	if _, err := uuid.Parse(e.ID); err != nil {
		return &ValidationError{Field: "id", Message: "id must be a UUID"}
	}
	if !typePattern.MatchString(e.Type) {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid event type %q", e.Type)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "ts", Message: "timestamp is required"}
	}
	if e.Meta.Attempts < 0 {
		return &ValidationError{Field: "meta.attempts", Message: "attempts must be >= 0"}
	}
	if e.Meta.Version < 1 {
		return &ValidationError{Field: "meta.version", Message: "version must be >= 1"}
	}
	return validateRegisteredPayload(e)
}

// Serialize encodes the envelope as JSON.
func (e *Envelope) Serialize() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Parse decodes and validates an envelope from JSON.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "payload is empty"}
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// HasExhaustedRetries reports whether the envelope has reached its retry
// budget and must be dead-lettered instead of retried.
func (e *Envelope) HasExhaustedRetries(maxRetries int) bool {
	return e.Meta.Attempts >= maxRetries
}

// IsRequest reports whether the event type carries a ".request" suffix.
func (e *Envelope) IsRequest() bool { return strings.HasSuffix(e.Type, ".request") }

// IsResult reports whether the event type carries a ".result" suffix.
func (e *Envelope) IsResult() bool { return strings.HasSuffix(e.Type, ".result") }

// IsError reports whether the event type carries an ".error" suffix.
func (e *Envelope) IsError() bool { return strings.HasSuffix(e.Type, ".error") }

// IsSystem reports whether the envelope is a system event.
func (e *Envelope) IsSystem() bool { return strings.HasPrefix(e.Type, "system.") }

// ValidationError describes a field-level envelope validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Message)
}
