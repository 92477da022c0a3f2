package rtmconnection

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

const (
	defaultDelayFloor   = time.Second
	defaultDelayCeiling = 60 * time.Second
)

type connectionKey struct {
	identity string
	protocol Protocol
}

// Manager is shared by every Connection of the process. It remembers how long each
// application should wait before its next connection attempt and hands out one Connection
// per application and protocol.
type Manager struct {
	logger  *logger.Logger
	options Options

	delayFloor   time.Duration
	delayCeiling time.Duration

	// guards delays, which connections on different queues consult concurrently
	lock   sync.Mutex
	delays map[string]*backoff.ExponentialBackOff

	connectionsLock sync.Mutex
	connections     map[connectionKey]*Connection
}

type ManagerOption func(*Manager)

// WithDelayBounds sets the first reconnect delay and the largest one it can grow to
func WithDelayBounds(floor time.Duration, ceiling time.Duration) ManagerOption {
	return func(m *Manager) {
		m.delayFloor = floor
		m.delayCeiling = ceiling
	}
}

// WithConnectionOptions sets what every Connection created by this manager is built with
func WithConnectionOptions(options Options) ManagerOption {
	return func(m *Manager) {
		m.options = options
	}
}

func NewManager(logger *logger.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:       logger,
		delayFloor:   defaultDelayFloor,
		delayCeiling: defaultDelayCeiling,
		delays:       make(map[string]*backoff.ExponentialBackOff),
		connections:  make(map[connectionKey]*Connection),
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.delayCeiling < m.delayFloor {
		m.delayCeiling = m.delayFloor
	}
	m.options = m.options.withDefaults()

	return m
}

func (m *Manager) delayPolicy(identity string) *backoff.ExponentialBackOff {
	if policy, ok := m.delays[identity]; ok {
		return policy
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.delayFloor
	policy.MaxInterval = m.delayCeiling
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Clock = m.options.Clock
	policy.Reset()

	m.delays[identity] = policy
	return policy
}

// NextConnectingDelay returns how long app should wait before connecting again, and
// doubles the wait for the time after that
func (m *Manager) NextConnectingDelay(app Application) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.delayPolicy(app.Identity()).NextBackOff()
}

// ResetConnectingDelay brings app back to the shortest delay after a successful connect
func (m *Manager) ResetConnectingDelay(app Application) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.delayPolicy(app.Identity()).Reset()
}

// Register attaches a peer to the connection shared by everyone using the same application
// and protocol, creating that connection if this is the first peer. Live query peers always
// travel on their own protocol 3 connection.
func (m *Manager) Register(
	app Application,
	service Service,
	protocol Protocol,
	peerId string,
	executor dispatch.Executor,
	delegate Delegate,
) (*Connection, error) {
	if peerId == "" {
		return nil, fmt.Errorf("cannot register a peer without an id")
	}
	if service == ServiceLiveQuery {
		protocol = Protocol3
	}
	if executor == nil {
		executor = dispatch.Goroutine
	}

	m.connectionsLock.Lock()
	defer m.connectionsLock.Unlock()

	key := connectionKey{identity: app.Identity(), protocol: protocol}
	conn, ok := m.connections[key]
	if !ok {
		conn = newConnection(m.logger, m, app, protocol, m.options)
		m.connections[key] = conn
	}

	if err := conn.addDelegator(service, peerId, executor, delegate); err != nil {
		if !ok {
			delete(m.connections, key)
			conn.Close()
		}
		return nil, err
	}

	return conn, nil
}

// Unregister detaches a peer. A connection left without peers is closed.
func (m *Manager) Unregister(app Application, service Service, protocol Protocol, peerId string) {
	if service == ServiceLiveQuery {
		protocol = Protocol3
	}

	m.connectionsLock.Lock()
	defer m.connectionsLock.Unlock()

	key := connectionKey{identity: app.Identity(), protocol: protocol}
	conn, ok := m.connections[key]
	if !ok {
		return
	}

	if remaining := conn.removeDelegator(service, peerId); remaining == 0 {
		m.logger.Infof("Closing %s connection for %s, no peers left", protocol, app.ID)
		delete(m.connections, key)
		conn.Close()
	}
}

// Connections returns every connection currently open or trying to be
func (m *Manager) Connections() []*Connection {
	m.connectionsLock.Lock()
	defer m.connectionsLock.Unlock()

	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (m *Manager) Close() {
	m.connectionsLock.Lock()
	conns := m.connections
	m.connections = make(map[connectionKey]*Connection)
	m.connectionsLock.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
