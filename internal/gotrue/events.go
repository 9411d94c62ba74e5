package gotrue

import (
	"sync"
	"sync/atomic"
)

// AuthChangeEvent names a transition of the client's session.
type AuthChangeEvent string

const (
	EventSignedIn       AuthChangeEvent = "SIGNED_IN"
	EventSignedOut      AuthChangeEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthChangeEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthChangeEvent = "USER_UPDATED"
)

// Listener receives change events. session is nil for EventSignedOut.
type Listener func(event AuthChangeEvent, session *Session)

// Subscription is a registered Listener. Unsubscribe is safe to call more
// than once and from any goroutine.
type Subscription struct {
	id     uint64
	fn     Listener
	active atomic.Bool
	reg    *listenerRegistry
}

// Unsubscribe removes the listener. Events emitted after it returns are
// never delivered, and neither are later deliveries of the event being
// dispatched when it is called. A call already underway on another
// goroutine may still finish. A listener may unsubscribe itself.
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.reg.remove(s.id)
}

type listenerRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*Subscription
}

func (r *listenerRegistry) add(fn Listener) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{id: r.nextID, fn: fn, reg: r}
	sub.active.Store(true)
	r.subs = append(r.subs, sub)
	return sub
}

func (r *listenerRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// notify calls every active listener in registration order. The snapshot
// is taken under the lock but listeners run outside it, so a listener may
// call back into the client or unsubscribe itself. Activity is checked
// again right before each call so an earlier listener can cancel a later one.
func (r *listenerRegistry) notify(event AuthChangeEvent, session *Session) {
	r.mu.RLock()
	subs := make([]*Subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		sub.fn(event, session)
	}
}
