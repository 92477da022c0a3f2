package rtmconnection

import (
	"time"

	"github.com/NotEvenANeko/objc-sdk/connection"
	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
)

type callbackEntry struct {
	executor dispatch.Executor
	callback connection.Callback
}

// outCommand is one command in flight, plus every submission that was folded into it
type outCommand struct {
	peerId     string
	service    frame.Service
	command    frame.Command
	callbacks  []callbackEntry
	expiration time.Time
	resolved   bool
}

func newOutCommand(
	peerId string,
	service frame.Service,
	command frame.Command,
	executor dispatch.Executor,
	callback connection.Callback,
	expiration time.Time,
) *outCommand {
	return &outCommand{
		peerId:     peerId,
		service:    service,
		command:    command,
		callbacks:  []callbackEntry{{executor: executor, callback: callback}},
		expiration: expiration,
	}
}

// tryMerge attaches callback to this command if the submission asks for the same thing,
// in which case nothing new needs to go on the wire
func (o *outCommand) tryMerge(
	command frame.Command,
	peerId string,
	service frame.Service,
	executor dispatch.Executor,
	callback connection.Callback,
	now time.Time,
) bool {
	if o.resolved || o.isExpired(now) || o.peerId != peerId || o.service != service {
		return false
	}
	if !o.command.Equivalent(command) {
		return false
	}

	o.callbacks = append(o.callbacks, callbackEntry{executor: executor, callback: callback})
	return true
}

func (o *outCommand) resolve(ack *frame.Frame, err error) {
	if o.resolved {
		return
	}
	o.resolved = true

	for _, entry := range o.callbacks {
		entry := entry
		if entry.callback == nil {
			continue
		}
		entry.executor.Async(func() {
			entry.callback(ack, err)
		})
	}
	o.callbacks = nil
}

func (o *outCommand) isExpired(now time.Time) bool {
	return !now.Before(o.expiration)
}
