package kernel

import "fmt"

// ParentMissingError is raised by the Event Log when an append names a
// parentId that does not exist.
type ParentMissingError struct {
	SessionID string
	ParentID  string
}

func (e *ParentMissingError) Error() string {
	return fmt.Sprintf("kernel: parent event %q not found (session %q)", e.ParentID, e.SessionID)
}

// SessionEndedError is raised by the Event Log (append) or the coordinator
// (run) when an operation targets a session that already has a session.end.
type SessionEndedError struct {
	SessionID string
}

func (e *SessionEndedError) Error() string {
	return fmt.Sprintf("kernel: session %q has ended", e.SessionID)
}

// BusyError is raised by the Agent Run Coordinator when a run is requested
// while another run is already active for the session.
type BusyError struct {
	SessionID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("kernel: session %q already has an active run", e.SessionID)
}

// CancelledError is raised when a run observes cancellation.
type CancelledError struct {
	SessionID string
	RunID     string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("kernel: run %q on session %q cancelled", e.RunID, e.SessionID)
}

// ProviderRetryableError wraps a transient provider failure. RetryAfterMs
// mirrors the provider_error delta's retryAfterMs field (§6); zero means the
// coordinator chooses its own backoff.
type ProviderRetryableError struct {
	Message      string
	RetryAfterMs int
	Cause        error
}

func (e *ProviderRetryableError) Error() string {
	if e.Message != "" {
		return "kernel: provider retryable: " + e.Message
	}
	if e.Cause != nil {
		return "kernel: provider retryable: " + e.Cause.Error()
	}
	return "kernel: provider retryable"
}

func (e *ProviderRetryableError) Unwrap() error { return e.Cause }

// ProviderFatalError wraps a non-retryable provider failure.
type ProviderFatalError struct {
	Message string
	Cause   error
}

func (e *ProviderFatalError) Error() string {
	if e.Message != "" {
		return "kernel: provider fatal: " + e.Message
	}
	if e.Cause != nil {
		return "kernel: provider fatal: " + e.Cause.Error()
	}
	return "kernel: provider fatal"
}

func (e *ProviderFatalError) Unwrap() error { return e.Cause }

// DanglingToolUseError is the diagnostic the Message Reconstructor reports
// when an assistant tool_use has no matching tool.result anywhere after it
// on the chain. It is a diagnostic, not necessarily fatal — the caller
// decides whether to discard the tail or raise.
type DanglingToolUseError struct {
	ToolCallID string
	EventID    string
}

func (e *DanglingToolUseError) Error() string {
	return fmt.Sprintf("kernel: dangling tool_use %q (from event %q) has no matching tool.result on chain", e.ToolCallID, e.EventID)
}

// InvariantViolationError is panic-class: a log invariant (§3) could not be
// restored. The component that detects it must refuse further writes to the
// affected session.
type InvariantViolationError struct {
	SessionID string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("kernel: invariant violation in session %q: %s", e.SessionID, e.Detail)
}
