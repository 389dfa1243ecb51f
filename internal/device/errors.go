package device

import "context"

// ErrorReason classifies error events raised by a device.
type ErrorReason string

const (
	// ReasonInvalidResponse marks wire-format-valid responses that failed a
	// semantic predicate (rejected status, missing key, response timeout).
	ReasonInvalidResponse ErrorReason = "invalid-response"
	// ReasonConnectionError marks transport-level close or handshake failure.
	ReasonConnectionError ErrorReason = "connection-error"
	// ReasonUnknownException marks unexpected failures inside a flow task.
	// This is the only class the supervisor recovers automatically.
	ReasonUnknownException ErrorReason = "unknown-exception"
)

// ErrorEvent is delivered to every registered subscriber when a device
// operation fails.
type ErrorEvent struct {
	Description string      `json:"description"`
	Reason      ErrorReason `json:"reason"`
}

// ErrorSubscriber receives error events. Subscribers must not block the
// caller for long; slow policies should spawn their own goroutine.
type ErrorSubscriber func(ctx context.Context, ev ErrorEvent)
