/*
Package natsrelay bridges peers on a real-time connection to NATS. Pushes and connection
state changes for a peer are published under <prefix>.<appId>.<peerId>, and requests
sent to <prefix>.<appId>.<peerId>.cmd.<op> are written to the connection as commands with
the acknowledgement published back to the request's reply subject.
*/
package natsrelay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/NotEvenANeko/objc-sdk/connection"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
	"github.com/NotEvenANeko/objc-sdk/connection/rtmconnection"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

const (
	HeaderService    = "Rtm-Service"
	HeaderPeer       = "Rtm-Peer"
	HeaderConnection = "Rtm-Connection"
	HeaderError      = "Rtm-Error"

	stateToken   = "state"
	commandToken = "cmd"
)

// Publisher is the part of *nats.Conn the relay writes through
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Subscriber is the part of *nats.Conn the relay takes requests from
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type Relay struct {
	logger    *logger.Logger
	publisher Publisher
	prefix    string
	appId     string

	lock          sync.Mutex
	subscriptions []*nats.Subscription
}

func New(logger *logger.Logger, publisher Publisher, prefix string, appId string) *Relay {
	return &Relay{
		logger:    logger.GetComponentLogger("NatsRelay"),
		publisher: publisher,
		prefix:    prefix,
		appId:     appId,
	}
}

// StateEvent is the body of every message published on a peer's state subject
type StateEvent struct {
	State      string `json:"state"`
	Connection string `json:"connection,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Peer returns the delegate to register peerId with
func (r *Relay) Peer(service rtmconnection.Service, peerId string) rtmconnection.Delegate {
	return &peerDelegate{
		relay:   r,
		logger:  r.logger.GetPeerLogger(peerId),
		service: service,
		peerId:  peerId,
	}
}

// Serve relays requests for peerId onto conn until Close, tagging every command with service
func (r *Relay) Serve(subscriber Subscriber, conn connection.Connection, service rtmconnection.Service, peerId string) error {
	base := r.subject(peerId, commandToken)
	sub, err := subscriber.Subscribe(base+".>", func(msg *nats.Msg) {
		op, found := strings.CutPrefix(msg.Subject, base+".")
		if !found {
			op = ""
		}
		r.handleRequest(conn, service, peerId, op, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", base, err)
	}

	r.lock.Lock()
	r.subscriptions = append(r.subscriptions, sub)
	r.lock.Unlock()

	r.logger.Infof("Relaying requests from %s.> for %s", base, peerId)
	return nil
}

func (r *Relay) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, sub := range r.subscriptions {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debugf("Failed to unsubscribe from %s: %s", sub.Subject, err)
		}
	}
	r.subscriptions = nil
}

func (r *Relay) handleRequest(conn connection.Connection, service rtmconnection.Service, peerId string, op string, msg *nats.Msg) {
	if op == "" {
		r.logger.Errorf("Dropping request on %s without an op", msg.Subject)
		return
	}

	conn.Send(peerId, service, frame.NewRawCommand(op, msg.Data), nil, func(ack *frame.Frame, err error) {
		if msg.Reply == "" {
			if err != nil {
				r.logger.Infof("Command %s from %s failed with nobody waiting: %s", op, peerId, err)
			}
			return
		}

		reply := nats.NewMsg(msg.Reply)
		reply.Header.Set(HeaderPeer, peerId)
		if err != nil {
			reply.Header.Set(HeaderError, err.Error())
		} else if ack != nil {
			reply.Data = ack.Payload
		}

		if err := r.publisher.PublishMsg(reply); err != nil {
			r.logger.Errorf("Failed to reply to %s: %s", op, err)
		}
	})
}

func (r *Relay) subject(peerId string, rest ...string) string {
	tokens := append([]string{r.prefix, token(r.appId), token(peerId)}, rest...)
	return strings.Join(tokens, ".")
}

// token makes s usable as a single subject token
func token(s string) string {
	return strings.Map(func(c rune) rune {
		switch c {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return c
	}, s)
}

type peerDelegate struct {
	relay   *Relay
	logger  *logger.Logger
	service rtmconnection.Service
	peerId  string
}

func (p *peerDelegate) ConnectionInConnecting(conn *rtmconnection.Connection) {
	p.publishState(conn, "connecting", nil)
}

func (p *peerDelegate) DidConnect(conn *rtmconnection.Connection) {
	p.publishState(conn, "connected", nil)
}

func (p *peerDelegate) DidDisconnect(conn *rtmconnection.Connection, reason error) {
	p.publishState(conn, "disconnected", reason)
}

func (p *peerDelegate) DidReceiveFrame(conn *rtmconnection.Connection, f *frame.Frame) {
	op := f.Op
	if op == "" {
		op = strings.ToLower(f.Kind.String())
	}

	msg := nats.NewMsg(p.relay.subject(p.peerId, op))
	msg.Data = f.Payload
	msg.Header.Set(HeaderService, f.Service.String())
	msg.Header.Set(HeaderPeer, p.peerId)
	if conn != nil {
		msg.Header.Set(HeaderConnection, conn.Id())
	}

	if err := p.relay.publisher.PublishMsg(msg); err != nil {
		p.logger.Errorf("Failed to publish %s: %s", op, err)
		return
	}
	p.logger.Tracef("Published %s to %s", op, msg.Subject)
}

func (p *peerDelegate) publishState(conn *rtmconnection.Connection, state string, reason error) {
	event := StateEvent{State: state}
	if conn != nil {
		event.Connection = conn.Id()
	}
	if reason != nil {
		event.Reason = reason.Error()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Errorf("Failed to encode state event: %s", err)
		return
	}

	msg := nats.NewMsg(p.relay.subject(p.peerId, stateToken))
	msg.Data = data
	msg.Header.Set(HeaderService, p.service.String())
	msg.Header.Set(HeaderPeer, p.peerId)

	if err := p.relay.publisher.PublishMsg(msg); err != nil {
		p.logger.Errorf("Failed to publish state %s: %s", state, err)
		return
	}
	p.logger.Debugf("Published state %s", state)
}
