package domain

import (
	"errors"
	"fmt"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
	cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so wrapped variants
// still satisfy errors.Is against the sentinel.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error {
	return e.cause
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause), cause: cause}
}

// ---- Protocol / FSM / Gate errors (-32010 to -32039) ----

var (
	ErrInvalidTransition = &EngineError{Code: -32010, Message: "invalid protocol transition"}
	ErrPhaseGateFailed   = &EngineError{Code: -32011, Message: "phase exit criteria not met"}
	ErrUnknownBlockingID = &EngineError{Code: -32012, Message: "unknown or already resolved blocking id"}
	ErrPipelineComplete  = &EngineError{Code: -32013, Message: "pipeline already completed"}
	ErrPipelineBlocked   = &EngineError{Code: -32014, Message: "pipeline is blocked"}
	ErrInvalidPhase      = &EngineError{Code: -32016, Message: "invalid phase value"}
	ErrGateNotRegistered = &EngineError{Code: -32017, Message: "no gate registered for phase"}
	ErrOrchestratorDown  = &EngineError{Code: -32018, Message: "orchestrator is not running"}
	ErrInvalidTimeout    = &EngineError{Code: -32019, Message: "blocking timeout must not be negative"}
)

// ---- Routing / Overflow errors (-32040 to -32069) ----

var (
	ErrOverflowRejected    = &EngineError{Code: -32040, Message: "request exceeds context budget"}
	ErrUnsupportedFormat   = &EngineError{Code: -32041, Message: "truncation requires a structured prompt"}
	ErrChunkingUnsupported = &EngineError{Code: -32042, Message: "chunking unsupported for this task class"}
	ErrTierExhausted       = &EngineError{Code: -32043, Message: "tier exhausted"}
	ErrUnknownAlias        = &EngineError{Code: -32044, Message: "unknown model alias"}
)

// ---- Provider / Bridge errors (-32070 to -32099) ----

var (
	ErrProviderUnavailable  = &EngineError{Code: -32070, Message: "model provider unavailable"}
	ErrInvocationFailed     = &EngineError{Code: -32071, Message: "model invocation failed"}
	ErrInvalidResponse      = &EngineError{Code: -32072, Message: "model returned invalid response"}
	ErrBridgeNotReady       = &EngineError{Code: -32073, Message: "bridge is not ready"}
	ErrBackendNotConfigured = &EngineError{Code: -32075, Message: "no backend configured for alias"}
)

// ---- Guard errors (-32100 to -32129) ----

var (
	ErrBudgetExceeded    = &EngineError{Code: -32101, Message: "token budget exceeded"}
	ErrBudgetWarning     = &EngineError{Code: -32102, Message: "token budget warning threshold reached"}
	ErrRateLimitExceeded = &EngineError{Code: -32103, Message: "rate limit exceeded"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrSnapshotCorrupt = &EngineError{Code: -32134, Message: "snapshot checksum mismatch"}
	ErrRecoveryFailed  = &EngineError{Code: -32135, Message: "recovery from state file failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrDuplicateEvent  = &EngineError{Code: -32137, Message: "duplicate event sequence number"}
)
