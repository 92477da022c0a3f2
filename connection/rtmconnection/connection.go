/*
Package rtmconnection multiplexes many peers over one real-time socket per application and
protocol. A Connection runs every state transition, socket callback and send on its own
dispatch.Queue, so none of its state is locked. The Manager hands Connections out and keeps
the reconnect delay for each application, the one piece of state Connections share.
*/
package rtmconnection

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/NotEvenANeko/objc-sdk/connection"
	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
	"github.com/NotEvenANeko/objc-sdk/connection/lifecycle"
	"github.com/NotEvenANeko/objc-sdk/connection/transporter"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

// State is where a Connection is in its open/close cycle. It is only changed on the
// connection's queue but may be read from anywhere through Connection.State.
type State int32

const (
	// Disconnected has no socket. A reconnect may be scheduled.
	Disconnected State = iota
	// Connecting has a socket, or a server lookup, that has not opened yet
	Connecting
	// Connected has an open socket and accepts commands
	Connected
	// Closing is only held while a socket is being torn down
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	default:
		return "Disconnected"
	}
}

var _ connection.Connection = (*Connection)(nil)

type Connection struct {
	logger   *logger.Logger
	id       string
	manager  *Manager
	app      Application
	protocol Protocol
	options  Options
	queue    *dispatch.Queue

	// cancelled on Close, aborts dials and router lookups
	ctx    context.Context
	cancel context.CancelFunc

	// mirrors state for callers outside the queue
	currentState atomic.Int32

	// Everything below is only touched from the queue
	state          State
	socket         transporter.Socket
	timer          *timer
	heartbeat      *dispatch.Task
	pendingConnect *dispatch.Task

	// bumped whenever an open attempt is started or abandoned, so that a router lookup
	// finishing late can tell it is no longer wanted
	openAttempt uint64

	useSecondaryServer   bool
	previousAppState     lifecycle.AppState
	previousReachability lifecycle.ReachabilityStatus

	delegators map[Service]map[string]*delegator

	// the one instant messaging peer of a protocol that does not tag frames with peers
	defaultIMPeerId string

	unsubscribe []func()
	closed      bool
}

func newConnection(parent *logger.Logger, manager *Manager, app Application, protocol Protocol, options Options) *Connection {
	id := uuid.New().String()
	connLogger := parent.GetComponentLogger("RTMConnection").GetConnectionLogger(id)
	connLogger.AddField("protocol", string(protocol))

	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		logger:               connLogger,
		id:                   id,
		manager:              manager,
		app:                  app,
		protocol:             protocol,
		options:              options,
		queue:                dispatch.NewQueue(),
		ctx:                  ctx,
		cancel:               cancel,
		state:                Disconnected,
		previousAppState:     lifecycle.Foreground,
		previousReachability: lifecycle.Unknown,
		delegators:           make(map[Service]map[string]*delegator),
	}
	c.setState(Disconnected)

	// subscribe before reading the current level so no transition falls in between
	if observer := options.AppState; observer != nil {
		c.unsubscribe = append(c.unsubscribe, observer.Subscribe(func(state lifecycle.AppState) {
			c.queue.Async(func() { c.appStateChanged(state) })
		}))
		c.previousAppState = observer.AppState()
	}
	if observer := options.Reachability; observer != nil {
		c.unsubscribe = append(c.unsubscribe, observer.Subscribe(func(status lifecycle.ReachabilityStatus) {
			c.queue.Async(func() { c.reachabilityChanged(status) })
		}))
		c.previousReachability = observer.Status()
	}

	c.logger.Infof("Created connection for %s", app.ID)
	return c
}

func (c *Connection) Id() string {
	return c.id
}

func (c *Connection) App() Application {
	return c.app
}

func (c *Connection) Protocol() Protocol {
	return c.protocol
}

func (c *Connection) State() State {
	return State(c.currentState.Load())
}

func (c *Connection) IsConnected() bool {
	return c.State() == Connected
}

// Send writes command for peerId under service and calls callback on executor once the server answers,
// or once it is clear it never will. Nothing is buffered: outside of Connected the callback
// gets a NotConnectedError straight away.
func (c *Connection) Send(peerId string, service Service, command frame.Command, executor dispatch.Executor, callback connection.Callback) {
	if executor == nil {
		executor = dispatch.Goroutine
	}

	accepted := c.queue.TryAsync(func() {
		c.send(peerId, service, command, executor, callback)
	})
	if !accepted {
		fail(executor, callback, &connection.NotConnectedError{})
	}
}

// Close tears the connection down for good. It does not wait for the server to
// acknowledge the socket closing.
func (c *Connection) Close() {
	c.queue.Sync(func() {
		if c.closed {
			return
		}
		c.closed = true
		c.logger.Infof("Closing connection")

		for _, unsubscribe := range c.unsubscribe {
			unsubscribe()
		}
		c.unsubscribe = nil

		c.pendingConnect.Cancel()
		c.pendingConnect = nil

		if c.state != Disconnected {
			reason := fmt.Errorf("connection closed")
			c.tearDown(reason)
			c.forEachDelegator(func(d *delegator) { d.notifyDisconnected(c, reason) })
		}
	})

	c.cancel()
	c.queue.Close()
}

func fail(executor dispatch.Executor, callback connection.Callback, err error) {
	if callback == nil {
		return
	}
	executor.Async(func() {
		callback(nil, err)
	})
}

func (c *Connection) send(peerId string, service Service, command frame.Command, executor dispatch.Executor, callback connection.Callback) {
	if c.state != Connected || c.timer == nil {
		c.logger.Debugf("Rejecting %s from %s, connection is %s", command.Op(), peerId, c.state)
		c.options.Metrics.CommandFailed(c.app.ID, string(c.protocol), "not_connected")
		fail(executor, callback, &connection.NotConnectedError{})
		return
	}

	if c.timer.tryThrottle(command, peerId, service, executor, callback) {
		c.options.Metrics.CommandMerged(c.app.ID, string(c.protocol))
		return
	}

	payload, err := command.Payload()
	if err != nil {
		fail(executor, callback, &connection.SendError{InnerErr: fmt.Errorf("failed to encode %s: %w", command.Op(), err)})
		return
	}

	index := c.timer.nextIndex()
	f := &frame.Frame{
		Kind:    frame.CommandFrame,
		Service: service,
		Index:   index,
		Op:      command.Op(),
		Payload: payload,
	}
	if c.protocol.NeedsPeerIdForEveryCommand() {
		f.PeerId = peerId
	}

	data, err := frame.Marshal(f)
	if err != nil {
		fail(executor, callback, &connection.SendError{InnerErr: err})
		return
	}

	oc := newOutCommand(peerId, service, command, executor, callback, c.options.Clock.Now().Add(c.options.CommandTTL))
	c.timer.append(oc, index)

	if err := c.socket.Send(data); err != nil {
		c.logger.Errorf("Failed to write command %d (%s): %s", index, command.Op(), err)
		c.timer.remove(index)
		oc.resolve(nil, &connection.SendError{InnerErr: err})
		c.options.Metrics.CommandFailed(c.app.ID, string(c.protocol), "send")
	} else {
		c.logger.Tracef("Sent command %d (%s) for %s", index, command.Op(), peerId)
		c.options.Metrics.CommandSent(c.app.ID, string(c.protocol))
		c.options.Metrics.CountOutbound(len(data))
	}

	c.reportInFlight()
}

func (c *Connection) canOpen() bool {
	switch {
	case c.closed:
		return false
	case c.state != Disconnected:
		return false
	case c.delegatorCount() == 0:
		c.logger.Debugf("Not opening, no peers registered")
		return false
	case c.previousAppState == lifecycle.Background:
		c.logger.Debugf("Not opening while the application is in the background")
		return false
	case c.previousReachability == lifecycle.NotReachable:
		c.logger.Debugf("Not opening while the network is unreachable")
		return false
	default:
		return true
	}
}

func (c *Connection) open(reason string) {
	if !c.canOpen() {
		return
	}

	c.pendingConnect.Cancel()
	c.pendingConnect = nil

	c.openAttempt++
	attempt := c.openAttempt

	c.logger.Infof("Opening connection (%s)", reason)
	c.setState(Connecting)
	c.forEachDelegator(func(d *delegator) { d.notifyConnecting(c) })

	if c.app.ServerURL != "" {
		endpoint, err := url.Parse(c.app.ServerURL)
		if err != nil {
			c.openFailed(fmt.Errorf("invalid server url %q: %w", c.app.ServerURL, err))
			return
		}
		c.openSocket(endpoint)
		return
	}

	if c.options.Router == nil {
		c.openFailed(fmt.Errorf("no server url configured and no router to look one up"))
		return
	}

	// the lookup is plain blocking http, so it happens off the queue
	secondary := c.useSecondaryServer
	go func() {
		endpoint, err := c.options.Router.Endpoint(c.ctx, c.app.ID, c.app.RouterURL, secondary)

		c.queue.Async(func() {
			if attempt != c.openAttempt || c.state != Connecting {
				return
			}
			if err != nil {
				c.openFailed(err)
				return
			}
			c.openSocket(endpoint)
		})
	}()
}

func (c *Connection) openSocket(endpoint *url.URL) {
	if c.options.SocketFactory == nil {
		c.openFailed(fmt.Errorf("no socket factory configured"))
		return
	}

	c.logger.Infof("Connecting to %s", endpoint)
	socket := c.options.SocketFactory(&socketHandler{conn: c}, string(c.protocol))
	c.socket = socket
	socket.Open(c.ctx, endpoint, c.options.Headers.Clone())
}

func (c *Connection) openFailed(err error) {
	c.logger.Errorf("Failed to open connection: %s", err)
	c.disconnect(err, true, true)
}

func (c *Connection) didOpen(socket transporter.Socket) {
	if socket != c.socket || c.state != Connecting {
		c.logger.Debugf("Ignoring open of a socket we no longer want")
		return
	}

	c.manager.ResetConnectingDelay(c.app)

	c.timer = newTimer(c.logger, c.options.Clock, c.queue, timerConfig{
		pingInterval: c.options.PingInterval,
		pingTimeout:  c.options.PingTimeout,
		commandTTL:   c.options.CommandTTL,
	}, socket.Ping)
	c.heartbeat = c.queue.Every(c.options.TickInterval, c.heartbeatTick)

	c.setState(Connected)
	c.logger.Infof("Connection open")
	c.forEachDelegator(func(d *delegator) { d.notifyConnected(c) })
}

func (c *Connection) didClose(socket transporter.Socket, reason error) {
	if socket != c.socket {
		return
	}

	c.logger.Infof("Socket closed unexpectedly: %s", reason)
	c.disconnect(reason, true, c.state == Connecting)
}

func (c *Connection) didReceivePong(socket transporter.Socket) {
	if socket == c.socket && c.timer != nil {
		c.timer.receivePong()
	}
}

func (c *Connection) didReceive(socket transporter.Socket, message []byte) {
	if socket != c.socket || c.state != Connected {
		return
	}
	c.options.Metrics.CountInbound(len(message))

	f, err := frame.Unmarshal(message)
	if err != nil {
		c.logger.Errorf("Dropping malformed frame: %s", err)
		return
	}

	switch f.Kind {
	case frame.PongFrame:
		c.timer.receivePong()
	case frame.PingFrame:
		pong, _ := frame.Marshal(&frame.Frame{Kind: frame.PongFrame})
		if err := socket.Send(pong); err != nil {
			c.logger.Errorf("Failed to answer ping: %s", err)
		}
	case frame.GoawayFrame:
		c.goaway()
	case frame.AckFrame, frame.ErrorFrame:
		if f.Index != 0 {
			c.timer.handleAck(f)
			c.reportInFlight()
			return
		}
		c.logger.Errorf("Server reported an error outside of any command: %+v", f.Error)
	default:
		c.deliver(f)
	}
}

func (c *Connection) deliver(f *frame.Frame) {
	peerId := f.PeerId
	if peerId == "" && !c.protocol.NeedsPeerIdForEveryCommand() && f.Service == ServiceInstantMessaging {
		peerId = c.defaultIMPeerId
	}

	d, ok := c.delegators[f.Service][peerId]
	if !ok {
		c.logger.Debugf("Dropping %s %s for unknown peer %q", f.Service, f.Op, peerId)
		return
	}
	d.notifyFrame(c, f)
}

func (c *Connection) heartbeatTick() {
	if c.state != Connected || c.timer == nil {
		return
	}

	expired, err := c.timer.tick(c.options.Clock.Now())
	if expired > 0 {
		for i := 0; i < expired; i++ {
			c.options.Metrics.CommandFailed(c.app.ID, string(c.protocol), "timeout")
		}
		c.reportInFlight()
	}

	if err != nil {
		c.logger.Errorf("Giving up on socket: %s", err)
		c.disconnect(err, true, false)
	}
}

func (c *Connection) goaway() {
	c.logger.Infof("Server asked us to go away, reconnecting")

	if c.options.Router != nil {
		c.options.Router.Invalidate(c.app.ID)
	}
	c.disconnect(fmt.Errorf("server sent goaway"), false, false)
	c.open("goaway")
}

func (c *Connection) appStateChanged(state lifecycle.AppState) {
	previous := c.previousAppState
	c.previousAppState = state
	if previous == state || c.closed {
		return
	}

	c.logger.Infof("Application moved to the %s", state)

	switch state {
	case lifecycle.Background:
		c.pendingConnect.Cancel()
		c.pendingConnect = nil

		if c.state == Connecting || c.state == Connected {
			c.disconnect(fmt.Errorf("application entered background"), false, false)
		}
	case lifecycle.Foreground:
		if c.state == Disconnected && !c.pendingConnect.Pending() {
			c.open("application entered foreground")
		}
	}
}

func (c *Connection) reachabilityChanged(status lifecycle.ReachabilityStatus) {
	previous := c.previousReachability
	c.previousReachability = status
	if previous == status || c.closed {
		return
	}

	c.logger.Infof("Network reachability changed from %s to %s", previous, status)

	switch status {
	case lifecycle.NotReachable:
		c.pendingConnect.Cancel()
		c.pendingConnect = nil

		if c.state == Connecting || c.state == Connected {
			c.disconnect(fmt.Errorf("network unreachable"), false, false)
		}
	case lifecycle.Reachable:
		// Unknown to Reachable says nothing new about the network, so a scheduled
		// reconnect keeps its delay
		if previous == lifecycle.NotReachable && c.state == Disconnected {
			c.pendingConnect.Cancel()
			c.pendingConnect = nil
			c.open("network reachable")
		}
	}
}

// disconnect drops the current socket and tells every peer. openFailed flips which server
// the next attempt goes to.
func (c *Connection) disconnect(reason error, reconnect bool, openFailed bool) {
	c.tearDown(reason)

	if openFailed {
		c.useSecondaryServer = !c.useSecondaryServer
	}

	c.forEachDelegator(func(d *delegator) { d.notifyDisconnected(c, reason) })

	if reconnect {
		c.scheduleReconnect()
	}
}

func (c *Connection) tearDown(reason error) {
	// abandons any router lookup still running
	c.openAttempt++

	c.heartbeat.Cancel()
	c.heartbeat = nil

	c.setState(Closing)

	if c.timer != nil {
		c.timer.clean(reason, true)
		c.timer = nil
		c.reportInFlight()
	}

	if c.socket != nil {
		socket := c.socket
		c.socket = nil
		socket.Close(reason)
	}

	c.setState(Disconnected)
}

func (c *Connection) scheduleReconnect() {
	if c.closed || c.delegatorCount() == 0 {
		return
	}
	if c.previousAppState == lifecycle.Background || c.previousReachability == lifecycle.NotReachable {
		return
	}

	delay := c.manager.NextConnectingDelay(c.app)
	c.pendingConnect.Cancel()

	c.logger.Infof("Reconnecting in %s", delay)
	c.options.Metrics.Reconnect(c.app.ID, string(c.protocol))

	var task *dispatch.Task
	task = c.queue.After(delay, func() {
		if c.pendingConnect == task {
			c.pendingConnect = nil
		}
		c.open("reconnect")
	})
	c.pendingConnect = task
}

func (c *Connection) setState(state State) {
	c.state = state
	c.currentState.Store(int32(state))
	c.options.Metrics.SetState(c.app.ID, string(c.protocol), int(state))
}

func (c *Connection) reportInFlight() {
	n := 0
	if c.timer != nil {
		n = c.timer.inFlight()
	}
	c.options.Metrics.SetInFlight(c.app.ID, string(c.protocol), n)
}

type socketHandler struct {
	conn *Connection
}

func (h *socketHandler) OnOpen(socket transporter.Socket) {
	h.conn.queue.Async(func() { h.conn.didOpen(socket) })
}

func (h *socketHandler) OnClose(socket transporter.Socket, reason error) {
	h.conn.queue.Async(func() { h.conn.didClose(socket, reason) })
}

func (h *socketHandler) OnFrame(socket transporter.Socket, message []byte) {
	h.conn.queue.Async(func() { h.conn.didReceive(socket, message) })
}

func (h *socketHandler) OnPong(socket transporter.Socket) {
	h.conn.queue.Async(func() { h.conn.didReceivePong(socket) })
}
