/*
The Websocket package establishes and ferries raw bytes across the underlying websocket
connection. In terms of the overall connection layer architecture, this package is
at the lowest layer: it knows nothing about frames, it hands every binary message it
receives to its Handler and writes whatever it is given.
*/

package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"

	"github.com/NotEvenANeko/objc-sdk/connection/transporter"
	"github.com/NotEvenANeko/objc-sdk/logger"
	"github.com/NotEvenANeko/objc-sdk/telemetry/throughputstats"
)

const (
	HttpsOnlyWebsocketScheme = "wss"
	HttpWebsocketScheme      = "ws"

	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
	pingWriteTimeout = 5 * time.Second
)

var WebsocketUrlScheme = HttpsOnlyWebsocketScheme

type Websocket struct {
	tmb         tomb.Tomb
	logger      *logger.Logger
	handler     transporter.Handler
	subprotocol string
	stats       *throughputstats.ThroughputStats

	// guards client and closed
	lock   sync.Mutex
	client *gorilla.Conn
	closed bool

	// gorilla allows one concurrent writer of data messages
	writeLock sync.Mutex
}

func New(logger *logger.Logger, handler transporter.Handler, subprotocol string) *Websocket {
	w := &Websocket{
		logger:      logger,
		handler:     handler,
		subprotocol: subprotocol,
	}
	w.stats = throughputstats.New("bytes", w.tmb.Dying())

	return w
}

// NewFactory returns a transporter.Factory that builds websockets logging to the given logger.
// created, when set, sees every websocket before it is opened.
func NewFactory(logger *logger.Logger, created func(*Websocket)) transporter.Factory {
	return func(handler transporter.Handler, subprotocol string) transporter.Socket {
		w := New(logger, handler, subprotocol)
		if created != nil {
			created(w)
		}
		return w
	}
}

func (w *Websocket) Subprotocol() string {
	return w.subprotocol
}

func (w *Websocket) Stats() throughputstats.Digest {
	return w.stats.Digest()
}

func (w *Websocket) Open(ctx context.Context, connUrl *url.URL, headers http.Header) {
	target := *connUrl
	switch target.Scheme {
	case "http", "https", "":
		target.Scheme = WebsocketUrlScheme
	}

	dialer := gorilla.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if w.subprotocol != "" {
		dialer.Subprotocols = []string{w.subprotocol}
	}

	go func() {
		client, _, err := dialer.DialContext(ctx, target.String(), headers)

		w.lock.Lock()
		if w.closed {
			w.lock.Unlock()
			if client != nil {
				client.Close()
			}
			return
		}

		if err != nil {
			w.closed = true
			w.lock.Unlock()

			w.tmb.Kill(err)
			w.handler.OnClose(w, fmt.Errorf("error dialing websocket: %w", err))
			return
		}

		if w.subprotocol != "" && client.Subprotocol() != w.subprotocol {
			w.logger.Warnf("Server did not agree to subprotocol %s, continuing anyway", w.subprotocol)
		}

		w.client = client
		client.SetPongHandler(func(string) error {
			w.handler.OnPong(w)
			return nil
		})
		w.lock.Unlock()

		// OnOpen has to be delivered before the first frame can be
		w.handler.OnOpen(w)

		w.lock.Lock()
		if !w.closed {
			w.tmb.Go(w.receive)
		}
		w.lock.Unlock()
	}()
}

func (w *Websocket) Close(reason error) {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		w.logger.Infof("Close was called on a websocket that is already closed")
		return
	}
	w.closed = true
	client := w.client
	w.lock.Unlock()

	w.logger.Infof("Websocket connection closing because: %s", reason)

	if client != nil {
		client.Close()
	}
	w.tmb.Kill(reason)
}

func (w *Websocket) Send(message []byte) error {
	client, err := w.openClient()
	if err != nil {
		return err
	}

	w.writeLock.Lock()
	defer w.writeLock.Unlock()

	client.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := client.WriteMessage(gorilla.BinaryMessage, message); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}

	w.stats.CountOutbound(len(message))
	return nil
}

func (w *Websocket) Ping() error {
	client, err := w.openClient()
	if err != nil {
		return err
	}

	// WriteControl is safe alongside the data writer
	return client.WriteControl(gorilla.PingMessage, nil, time.Now().Add(pingWriteTimeout))
}

func (w *Websocket) openClient() (*gorilla.Conn, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed || w.client == nil {
		return nil, fmt.Errorf("cannot send message because websocket is not open")
	}
	return w.client, nil
}

func (w *Websocket) receive() error {
	defer w.logger.Infof("Websocket connection closed")
	w.logger.Infof("Websocket connection started")

	w.lock.Lock()
	client := w.client
	w.lock.Unlock()

	for {
		_, rawMessage, err := client.ReadMessage()
		if err != nil {
			w.lock.Lock()
			closedByUs := w.closed
			w.closed = true
			w.lock.Unlock()

			if closedByUs {
				return nil
			}

			// Check if it's a clean exit
			if !gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				w.logger.Error(err)
			} else {
				w.logger.Info("Websocket connection closed normally")
			}

			client.Close()
			w.handler.OnClose(w, err)
			return err
		}

		w.stats.CountInbound(len(rawMessage))
		w.handler.OnFrame(w, rawMessage)
	}
}
