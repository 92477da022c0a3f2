package transporter

import (
	"context"
	"net/http"
	"net/url"
)

// Handler receives everything that happens on a Socket. Calls arrive on the socket's own
// goroutines; whoever implements Handler is responsible for moving them somewhere safe.
type Handler interface {
	OnOpen(socket Socket)
	OnClose(socket Socket, reason error)
	OnFrame(socket Socket, message []byte)
	OnPong(socket Socket)
}

type Socket interface {
	// Open starts connecting and returns immediately. The outcome is reported through
	// OnOpen or OnClose, exactly one of which is called.
	Open(ctx context.Context, connUrl *url.URL, headers http.Header)
	Send(message []byte) error
	Ping() error

	// Close does not wait for the closing handshake. OnClose is not called for a socket
	// the owner closed itself.
	Close(reason error)
}

// Factory builds a fresh, unopened socket speaking the given subprotocol
type Factory func(handler Handler, subprotocol string) Socket
