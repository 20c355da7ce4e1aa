package transfer

import "errors"

// Send refusals. These happen before any session exists.
var (
	// ErrDeviceNotFound means the id is absent from the registry; no
	// connection is attempted.
	ErrDeviceNotFound = errors.New("transfer: device not found")
	// ErrDeviceBusy means a session is already active for the device.
	ErrDeviceBusy = errors.New("transfer: device busy")
)

// State is a session's lifecycle position.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateAwaitingAuth State = "AWAITING_AUTHORIZATION"
	StateUploading    State = "UPLOADING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Reason classifies why a session ended short of COMPLETED. The UI keys its
// guidance off these, so they survive into events, API replies and history.
type Reason string

const (
	// ReasonUnreachable: the connect step failed.
	ReasonUnreachable Reason = "UNREACHABLE"
	// ReasonTimeout: the operator never answered the touchscreen prompt.
	ReasonTimeout Reason = "TIMEOUT"
	// ReasonDenied: the operator (or device) explicitly refused.
	ReasonDenied Reason = "DENIED"
	// ReasonConnectionLost: the connection dropped mid-upload.
	ReasonConnectionLost Reason = "CONNECTION_LOST"
	// ReasonCancelled: the caller cancelled.
	ReasonCancelled Reason = "CANCELLED"
)
