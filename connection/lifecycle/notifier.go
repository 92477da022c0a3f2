package lifecycle

import "sync"

// Notifier is an AppStateObserver driven by hand, by whatever in the process knows when
// the application is put away (a signal handler, a UI toolkit hook)
type Notifier struct {
	lock  sync.Mutex
	state AppState

	subs subscribers[AppState]
}

func NewNotifier() *Notifier {
	return &Notifier{state: Foreground}
}

func (n *Notifier) AppState() AppState {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.state
}

func (n *Notifier) Subscribe(fn func(AppState)) func() {
	return n.subs.add(fn)
}

func (n *Notifier) EnterBackground() {
	n.set(Background)
}

func (n *Notifier) EnterForeground() {
	n.set(Foreground)
}

// repeated notifications of the same state are swallowed
func (n *Notifier) set(state AppState) {
	n.lock.Lock()
	if n.state == state {
		n.lock.Unlock()
		return
	}
	n.state = state
	n.lock.Unlock()

	n.subs.notify(state)
}
