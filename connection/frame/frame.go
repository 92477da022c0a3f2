/*
This package defines the frames that travel over a real-time socket. A frame either carries a
command we sent (Command), the server's answer to one (Ack, Error), something the server
pushes on its own (Push, Goaway) or heartbeat traffic (Ping, Pong). Only the fields needed
for sequencing, routing and idempotency are modelled; the payload is opaque and belongs to
whoever built the command.
*/
package frame

type Kind int32

const (
	InvalidFrame Kind = iota
	CommandFrame
	AckFrame
	PushFrame
	PingFrame
	PongFrame
	GoawayFrame
	ErrorFrame
)

func (k Kind) String() string {
	switch k {
	case CommandFrame:
		return "Command"
	case AckFrame:
		return "Ack"
	case PushFrame:
		return "Push"
	case PingFrame:
		return "Ping"
	case PongFrame:
		return "Pong"
	case GoawayFrame:
		return "Goaway"
	case ErrorFrame:
		return "Error"
	default:
		return "Invalid"
	}
}

// The service a frame belongs to, when several share one socket
type Service int32

const (
	InstantMessaging Service = 0
	LiveQuery        Service = 1
)

func (s Service) String() string {
	switch s {
	case LiveQuery:
		return "LiveQuery"
	default:
		return "InstantMessaging"
	}
}

type ErrorInfo struct {
	Code    int32
	AppCode int32
	Reason  string
	Detail  string
}

type Frame struct {
	Kind    Kind
	Service Service

	// Empty when the protocol does not tag every frame with its peer
	PeerId string

	// Sequence index assigned by the sender. Zero means the frame answers nothing.
	Index int32

	Op      string
	Payload []byte

	// Set on Error frames and on acknowledgements that report a rejection
	Error *ErrorInfo
}

// IsRejection reports whether this frame tells us the server refused the command it answers
func (f *Frame) IsRejection() bool {
	return f.Kind == ErrorFrame || f.Error != nil
}
