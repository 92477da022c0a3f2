package rtmconnection

import (
	"fmt"

	"github.com/NotEvenANeko/objc-sdk/connection"
	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
)

// delegator is one registered peer and where its notifications go
type delegator struct {
	peerId   string
	service  Service
	executor dispatch.Executor
	delegate Delegate
}

func (d *delegator) notifyConnecting(c *Connection) {
	if d.delegate != nil {
		d.executor.Async(func() { d.delegate.ConnectionInConnecting(c) })
	}
}

func (d *delegator) notifyConnected(c *Connection) {
	if d.delegate != nil {
		d.executor.Async(func() { d.delegate.DidConnect(c) })
	}
}

func (d *delegator) notifyDisconnected(c *Connection, reason error) {
	if d.delegate != nil {
		d.executor.Async(func() { d.delegate.DidDisconnect(c, reason) })
	}
}

func (d *delegator) notifyFrame(c *Connection, f *frame.Frame) {
	if d.delegate != nil {
		d.executor.Async(func() { d.delegate.DidReceiveFrame(c, f) })
	}
}

func (c *Connection) addDelegator(service Service, peerId string, executor dispatch.Executor, delegate Delegate) error {
	var err error
	if syncErr := c.queue.Sync(func() {
		err = c.attach(service, peerId, executor, delegate)
	}); syncErr != nil {
		return fmt.Errorf("connection is closed: %w", syncErr)
	}
	return err
}

// removeDelegator returns how many peers are left on the connection
func (c *Connection) removeDelegator(service Service, peerId string) int {
	remaining := 0
	c.queue.Sync(func() {
		if peers, ok := c.delegators[service]; ok {
			delete(peers, peerId)
			if len(peers) == 0 {
				delete(c.delegators, service)
			}
		}
		if service == ServiceInstantMessaging && c.defaultIMPeerId == peerId {
			c.defaultIMPeerId = ""
		}
		remaining = c.delegatorCount()
	})
	return remaining
}

func (c *Connection) attach(service Service, peerId string, executor dispatch.Executor, delegate Delegate) error {
	if c.closed {
		return &connection.NotConnectedError{}
	}

	if service == ServiceInstantMessaging && !c.protocol.NeedsPeerIdForEveryCommand() {
		if c.defaultIMPeerId != "" && c.defaultIMPeerId != peerId {
			return &connection.DuplicatePeerError{
				PeerId:   peerId,
				Existing: c.defaultIMPeerId,
				Protocol: string(c.protocol),
			}
		}
		c.defaultIMPeerId = peerId
	}

	peers, ok := c.delegators[service]
	if !ok {
		peers = make(map[string]*delegator)
		c.delegators[service] = peers
	}

	d := &delegator{
		peerId:   peerId,
		service:  service,
		executor: executor,
		delegate: delegate,
	}
	peers[peerId] = d
	c.logger.Infof("Registered %s peer %s", service, peerId)

	switch c.state {
	case Connecting:
		d.notifyConnecting(c)
	case Connected:
		d.notifyConnected(c)
	case Disconnected:
		if !c.pendingConnect.Pending() {
			c.open("peer registered")
		}
	}
	return nil
}

func (c *Connection) delegatorCount() int {
	count := 0
	for _, peers := range c.delegators {
		count += len(peers)
	}
	return count
}

func (c *Connection) forEachDelegator(fn func(d *delegator)) {
	for _, peers := range c.delegators {
		for _, d := range peers {
			fn(d)
		}
	}
}
