package rtmconnection

import (
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	orderedmap "github.com/wk8/go-ordered-map"

	"github.com/NotEvenANeko/objc-sdk/connection"
	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

// A socket is only declared dead once the pong is this much later than the ping timeout
const pongGraceFactor = 1.5

type timerConfig struct {
	pingInterval time.Duration
	pingTimeout  time.Duration
	commandTTL   time.Duration
}

// timer owns everything tied to one socket generation: the heartbeat bookkeeping and the
// commands written to that socket which have not been answered yet. It is only ever used
// from its connection's queue.
type timer struct {
	logger *logger.Logger
	clock  backoff.Clock
	queue  *dispatch.Queue
	config timerConfig

	// sends a heartbeat on the socket this timer belongs to
	ping func() error

	// index -> *outCommand, in the order the indices were handed out. Since every
	// command lives for the same TTL this is also the order in which they expire.
	commands *orderedmap.OrderedMap
	index    int32

	lastPingSent     time.Time
	lastPongReceived time.Time
}

func newTimer(
	logger *logger.Logger,
	clock backoff.Clock,
	queue *dispatch.Queue,
	config timerConfig,
	ping func() error,
) *timer {
	return &timer{
		logger:   logger,
		clock:    clock,
		queue:    queue,
		config:   config,
		ping:     ping,
		commands: orderedmap.New(),

		// a fresh socket counts as having just answered
		lastPongReceived: clock.Now(),
	}
}

// nextIndex hands out increasing indices, wrapping back to 1 after the largest int32. Zero
// is never used since it means "no index" on the wire.
func (t *timer) nextIndex() int32 {
	for {
		if t.index == math.MaxInt32 {
			t.index = 1
		} else {
			t.index++
		}

		// only possible after a wrap with something very old still in flight
		if _, taken := t.commands.Get(t.index); !taken {
			return t.index
		}
	}
}

// tryThrottle reports whether the submission was folded into an equivalent command
// already in flight, in which case the caller must not write anything
func (t *timer) tryThrottle(
	command frame.Command,
	peerId string,
	service frame.Service,
	executor dispatch.Executor,
	callback connection.Callback,
) bool {
	now := t.clock.Now()

	for pair := t.commands.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.(*outCommand).tryMerge(command, peerId, service, executor, callback, now) {
			t.logger.Debugf("Merged %s from %s into in-flight command %d", command.Op(), peerId, pair.Key)
			return true
		}
	}
	return false
}

func (t *timer) append(oc *outCommand, index int32) {
	t.commands.Set(index, oc)
}

func (t *timer) remove(index int32) *outCommand {
	if value, ok := t.commands.Delete(index); ok {
		return value.(*outCommand)
	}
	return nil
}

func (t *timer) inFlight() int {
	return t.commands.Len()
}

// handleAck resolves the command the frame answers. Returns false if nothing was waiting
// on that index, which happens for late answers to commands that already timed out.
func (t *timer) handleAck(f *frame.Frame) bool {
	oc := t.remove(f.Index)
	if oc == nil {
		t.logger.Debugf("Ignoring %s for unknown command index %d", f.Kind, f.Index)
		return false
	}

	if f.IsRejection() {
		serverErr := &connection.ServerError{}
		if f.Error != nil {
			serverErr.Code = f.Error.Code
			serverErr.AppCode = f.Error.AppCode
			serverErr.Reason = f.Error.Reason
			serverErr.Detail = f.Error.Detail
		}
		oc.resolve(f, serverErr)
	} else {
		oc.resolve(f, nil)
	}
	return true
}

func (t *timer) receivePong() {
	t.lastPongReceived = t.clock.Now()
}

// tick runs one heartbeat step: it expires overdue commands, then either pings or decides
// the socket is dead. Returns the number of commands that expired, and an error if the
// socket should be torn down.
func (t *timer) tick(now time.Time) (int, error) {
	expired := t.sweepExpired(now)

	if t.lastPingSent.After(t.lastPongReceived) {
		deadline := time.Duration(float64(t.config.pingTimeout) * pongGraceFactor)
		if now.Sub(t.lastPingSent) > deadline {
			return expired, fmt.Errorf("no pong received within %s of the last ping", deadline)
		}
	}

	if now.Sub(t.lastPingSent) >= t.config.pingInterval && now.Sub(t.lastPongReceived) >= t.config.pingInterval {
		if err := t.ping(); err != nil {
			return expired, fmt.Errorf("failed to send ping: %w", err)
		}
		t.lastPingSent = now
		t.logger.Tracef("Sent ping")
	}

	return expired, nil
}

// sweepExpired walks from the oldest command and stops at the first one still alive
func (t *timer) sweepExpired(now time.Time) int {
	expired := 0

	for pair := t.commands.Oldest(); pair != nil; {
		oc := pair.Value.(*outCommand)
		if !oc.isExpired(now) {
			break
		}

		next := pair.Next()
		t.commands.Delete(pair.Key)
		t.logger.Infof("Command %d (%s) timed out", pair.Key, oc.command.Op())
		oc.resolve(nil, &connection.TimeoutError{})
		expired++

		pair = next
	}

	return expired
}

// clean fails every command still in flight. Callers that are not running on the
// connection's queue must pass onQueue false so the work is moved there first.
func (t *timer) clean(reason error, onQueue bool) {
	if !onQueue {
		t.queue.Async(func() {
			t.clean(reason, true)
		})
		return
	}

	for pair := t.commands.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.(*outCommand).resolve(nil, &connection.ConnectionLostError{Reason: reason})
	}
	t.commands = orderedmap.New()
}
