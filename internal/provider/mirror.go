package provider

import (
	"context"
	"sync"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

// State is a snapshot of the mirrored session. While IsLoading is true a
// nil Session means "unknown", not "signed out".
type State struct {
	Session   *gotrue.Session
	IsLoading bool
	Err       error
	Client    *gotrue.Client
}

// Mirror keeps the latest session of a client: one initial GetSession,
// then every change event replaces the session.
type Mirror struct {
	client *gotrue.Client
	sub    *gotrue.Subscription

	mu        sync.Mutex
	session   *gotrue.Session
	loading   bool
	err       error
	eventSeen bool
	closed    bool
	updates   chan State

	ready     chan struct{}
	readyOnce sync.Once
}

// NewMirror subscribes to client and starts the initial session fetch.
// Close releases the subscription.
func NewMirror(ctx context.Context, client *gotrue.Client) *Mirror {
	m := &Mirror{
		client:  client,
		loading: true,
		updates: make(chan State, 1),
		ready:   make(chan struct{}),
	}
	m.sub = client.OnAuthStateChange(m.handleEvent)

	go m.load(ctx)
	return m
}

// UseSession mirrors the client of the provider mounted above ctx.
func UseSession(ctx context.Context) (*Mirror, error) {
	client, err := ClientFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return NewMirror(ctx, client), nil
}

// State returns the current snapshot.
func (m *Mirror) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Ready is closed once the initial fetch resolved or the mirror was closed.
func (m *Mirror) Ready() <-chan struct{} {
	return m.ready
}

// Updates delivers the latest state after each change. Slow readers only
// see the most recent one. The channel is closed by Close.
func (m *Mirror) Updates() <-chan State {
	return m.updates
}

// Close unsubscribes. No state changes happen after it returns; an initial
// fetch still in flight is dropped.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.updates)
	m.mu.Unlock()

	m.readyOnce.Do(func() { close(m.ready) })
	m.sub.Unsubscribe()
}

func (m *Mirror) load(ctx context.Context) {
	session, err := m.client.GetSession(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	// A change event that already landed is newer than this read.
	if !m.eventSeen {
		m.session = session
	}
	m.err = err
	m.loading = false
	m.readyOnce.Do(func() { close(m.ready) })
	m.publishLocked()
}

func (m *Mirror) handleEvent(_ gotrue.AuthChangeEvent, session *gotrue.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.session = session
	m.eventSeen = true
	m.publishLocked()
}

func (m *Mirror) stateLocked() State {
	return State{
		Session:   m.session,
		IsLoading: m.loading,
		Err:       m.err,
		Client:    m.client,
	}
}

// publishLocked replaces any unread state with the current one.
func (m *Mirror) publishLocked() {
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- m.stateLocked():
	default:
	}
}
