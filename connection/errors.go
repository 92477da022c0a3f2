package connection

import "fmt"

// NotConnectedError is returned to a command submitted while the connection is not open.
// It is never retried internally; callers queue and resubmit at a higher level.
type NotConnectedError struct{}

func (e *NotConnectedError) Error() string { return "connection is not open" }

func (e *NotConnectedError) Unwrap() error { return nil }

// SendError means the transport rejected the write. The command is no longer in flight.
type SendError struct {
	InnerErr error
}

func (e *SendError) Error() string { return fmt.Sprintf("failed to send command: %s", e.InnerErr) }

func (e *SendError) Unwrap() error { return e.InnerErr }

// TimeoutError means no acknowledgement arrived within the command's time-to-live
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "timed out waiting for command acknowledgement" }

func (e *TimeoutError) Unwrap() error { return nil }

// ConnectionLostError is delivered to every command still in flight when the socket they were
// written to goes away, whatever the reason
type ConnectionLostError struct {
	Reason error
}

func (e *ConnectionLostError) Error() string {
	if e.Reason == nil {
		return "connection lost"
	}
	return fmt.Sprintf("connection lost: %s", e.Reason)
}

func (e *ConnectionLostError) Unwrap() error { return e.Reason }

// ServerError carries a failure reported by the server in an acknowledgement frame, as-is
type ServerError struct {
	Code    int32
	AppCode int32
	Reason  string
	Detail  string
}

func (e *ServerError) Error() string {
	if e.AppCode != 0 {
		return fmt.Sprintf("server rejected command with code %d (app code %d): %s", e.Code, e.AppCode, e.Reason)
	}
	return fmt.Sprintf("server rejected command with code %d: %s", e.Code, e.Reason)
}

func (e *ServerError) Unwrap() error { return nil }

// DuplicatePeerError is returned when a protocol that cannot multiplex instant messaging
// peers is asked to carry a second one
type DuplicatePeerError struct {
	PeerId   string
	Existing string
	Protocol string
}

func (e *DuplicatePeerError) Error() string {
	return fmt.Sprintf("peer %s cannot share a %s connection already used by peer %s", e.PeerId, e.Protocol, e.Existing)
}

func (e *DuplicatePeerError) Unwrap() error { return nil }
