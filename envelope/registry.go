package envelope

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Payload is implemented by typed payloads that know how to validate
// themselves. Payload shapes are registered per event type; the bus handler
// performs tag dispatch before any payload crosses the envelope boundary.
type Payload interface {
	Validate() error
}

// MigrationFunc upgrades a payload from one schema version to the next.
type MigrationFunc func(json.RawMessage) (json.RawMessage, error)

// registration binds an event type to its payload factory and migrations.
type registration struct {
	factory    func() Payload
	version    int
	migrations map[int]MigrationFunc // keyed by from-version
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*registration)

	// unknownTypes counts envelopes whose event type has no registered
	// schema. Such envelopes pass validation (forward compatibility) but
	// are visible to operators through this counter.
	unknownTypes atomic.Int64
)

// RegisterPayload registers a payload factory for an event type.
// version is the current payload schema version for that type.
func RegisterPayload(eventType string, version int, factory func() Payload) error {
	if !typePattern.MatchString(eventType) {
		return fmt.Errorf("register payload: invalid event type %q", eventType)
	}
	if version < 1 {
		return fmt.Errorf("register payload: version must be >= 1")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	registry[eventType] = &registration{
		factory:    factory,
		version:    version,
		migrations: make(map[int]MigrationFunc),
	}
	return nil
}

// RegisterMigration registers an upgrade function applied to payloads of
// eventType arriving at fromVersion. Migrations chain until the registered
// current version is reached.
func RegisterMigration(eventType string, fromVersion int, fn MigrationFunc) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	reg, ok := registry[eventType]
	if !ok {
		return fmt.Errorf("register migration: unknown event type %q", eventType)
	}
	reg.migrations[fromVersion] = fn
	return nil
}

// UnknownTypeCount returns the number of envelopes seen with unregistered
// event types since process start.
func UnknownTypeCount() int64 { return unknownTypes.Load() }

// SchemaMismatchError reports an envelope whose payload version cannot be
// upgraded to the registered schema. Consumers route these to the DLQ.
type SchemaMismatchError struct {
	EventType string
	Got       int
	Want      int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for %s: version %d, want %d and no migration registered", e.EventType, e.Got, e.Want)
}

// validateRegisteredPayload validates the payload against the registered
// schema for the envelope's event type, migrating older versions when an
// upgrade path exists.
func validateRegisteredPayload(e *Envelope) error {
	registryMu.RLock()
	reg, ok := registry[e.Type]
	registryMu.RUnlock()

	if !ok {
		unknownTypes.Add(1)
		return nil
	}

	data := e.Payload
	version := e.Meta.Version
	for version < reg.version {
		migrate, ok := reg.migrations[version]
		if !ok {
			return &SchemaMismatchError{EventType: e.Type, Got: version, Want: reg.version}
		}
		upgraded, err := migrate(data)
		if err != nil {
			return fmt.Errorf("migrate %s payload from v%d: %w", e.Type, version, err)
		}
		data = upgraded
		version++
	}

	payload := reg.factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return &ValidationError{Field: "payload", Message: fmt.Sprintf("malformed %s payload: %v", e.Type, err)}
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("validate %s payload: %w", e.Type, err)
	}

	// Persist the upgraded payload so downstream consumers see the
	// current schema version.
	if version != e.Meta.Version {
		e.Payload = data
		e.Meta.Version = version
	}
	return nil
}
