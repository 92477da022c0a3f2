/*
Package lifecycle describes the two platform events a connection reacts to without being
asked: the application moving between foreground and background, and the network becoming
reachable or not. Both are optional. A connection built without an observer simply never
sees the corresponding transitions.
*/
package lifecycle

import "sync"

type AppState int

const (
	Foreground AppState = iota
	Background
)

func (s AppState) String() string {
	if s == Background {
		return "Background"
	}
	return "Foreground"
}

type AppStateObserver interface {
	AppState() AppState

	// Subscribe registers fn for every future change and returns a function that undoes it
	Subscribe(fn func(AppState)) (unsubscribe func())
}

type ReachabilityStatus int

const (
	Unknown ReachabilityStatus = iota
	NotReachable
	Reachable
)

func (s ReachabilityStatus) String() string {
	switch s {
	case NotReachable:
		return "NotReachable"
	case Reachable:
		return "Reachable"
	default:
		return "Unknown"
	}
}

type ReachabilityObserver interface {
	Status() ReachabilityStatus
	Subscribe(fn func(ReachabilityStatus)) (unsubscribe func())
}

// subscribers keeps a set of listeners; notify calls them outside the lock so a listener
// may unsubscribe from inside its own callback
type subscribers[T any] struct {
	lock sync.Mutex
	next int
	fns  map[int]func(T)
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.fns, id)
	}
}

func (s *subscribers[T]) notify(value T) {
	s.lock.Lock()
	fns := make([]func(T), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.lock.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}
