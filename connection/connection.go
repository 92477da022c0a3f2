package connection

import (
	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
)

// Callback receives the acknowledgement frame of a command, or the reason it failed.
// It is invoked exactly once per submission, on the executor given alongside it.
type Callback func(ack *frame.Frame, err error)

// Connection is what higher layers (messaging, live query) see of a shared real-time socket
type Connection interface {
	// Send writes command on behalf of peerId, tagged with the service it belongs to
	Send(peerId string, service frame.Service, command frame.Command, executor dispatch.Executor, callback Callback)
	IsConnected() bool
	Close()
}
