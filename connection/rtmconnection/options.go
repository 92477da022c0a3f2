package rtmconnection

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/NotEvenANeko/objc-sdk/connection/frame"
	"github.com/NotEvenANeko/objc-sdk/connection/lifecycle"
	"github.com/NotEvenANeko/objc-sdk/connection/transporter"
	"github.com/NotEvenANeko/objc-sdk/telemetry/metrics"
)

const (
	defaultPingInterval = 180 * time.Second
	defaultPingTimeout  = 20 * time.Second
	defaultTickInterval = time.Second
	defaultCommandTTL   = 30 * time.Second
)

// Application identifies the tenant a connection is opened for
type Application struct {
	ID  string
	Key string

	// A fixed websocket address. When empty the server is looked up through RouterURL.
	ServerURL string
	RouterURL string
}

// Identity partitions connections and reconnect delays. Two applications with the same
// id in different regions do not share anything.
func (a Application) Identity() string {
	target := a.ServerURL
	if target == "" {
		target = a.RouterURL
	}
	if parsed, err := url.Parse(target); err == nil && parsed.Host != "" {
		target = parsed.Host
	}
	return a.ID + "|" + target
}

// Protocol is the websocket subprotocol, which decides how peers share a socket
type Protocol string

const (
	// Only one instant messaging peer per socket; frames carry no peer id
	Protocol1 Protocol = "lc.protobuf2.1"

	// Every frame names its peer, so any number of peers can share a socket
	Protocol3 Protocol = "lc.protobuf2.3"
)

func (p Protocol) NeedsPeerIdForEveryCommand() bool {
	return p == Protocol3
}

type Service = frame.Service

const (
	ServiceInstantMessaging = frame.InstantMessaging
	ServiceLiveQuery        = frame.LiveQuery
)

// Delegate is told what happens to a connection a peer is registered on. Every call is
// made on the executor the peer registered with.
type Delegate interface {
	ConnectionInConnecting(conn *Connection)
	DidConnect(conn *Connection)
	DidDisconnect(conn *Connection, reason error)
	DidReceiveFrame(conn *Connection, f *frame.Frame)
}

// EndpointResolver finds the server to open a socket to, see router.Router
type EndpointResolver interface {
	Endpoint(ctx context.Context, appId string, routerUrl string, secondary bool) (*url.URL, error)
	Invalidate(appId string)
}

type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration

	// How often the heartbeat and expiry sweep run
	TickInterval time.Duration
	CommandTTL   time.Duration

	SocketFactory transporter.Factory
	Router        EndpointResolver
	Headers       http.Header

	// Optional. Without them the matching lifecycle transitions never happen.
	AppState     lifecycle.AppStateObserver
	Reachability lifecycle.ReachabilityObserver

	Metrics *metrics.Metrics
	Clock   backoff.Clock
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = defaultPingTimeout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.CommandTTL <= 0 {
		o.CommandTTL = defaultCommandTTL
	}
	if o.Clock == nil {
		o.Clock = backoff.SystemClock
	}
	if o.Headers == nil {
		o.Headers = http.Header{}
	}
	return o
}
