package engine

import "errors"

// Error kinds surfaced by the engine. Transient bus and KV errors are
// recovered internally and never appear here.
var (
	// ErrNotFound means the workflow id does not exist.
	ErrNotFound = errors.New("workflow not found")

	// ErrConflict means a CAS on workflow.version failed. Internal; callers
	// retry the read-modify-write.
	ErrConflict = errors.New("concurrent workflow update")

	// ErrTerminal rejects operations on a workflow that already reached a
	// terminal status.
	ErrTerminal = errors.New("workflow is in a terminal status")

	// ErrInvalidTransition rejects an administrative event the current
	// status does not admit.
	ErrInvalidTransition = errors.New("invalid workflow transition")

	// ErrLockHeld means another engine instance owns the workflow lock.
	ErrLockHeld = errors.New("workflow lock held by another instance")
)

// StageTimeoutError is recorded when a dispatch deadline elapses without a
// result. The stage failure path treats it like an agent failure.
const StageTimeoutError = "STAGE_TIMEOUT"
