package transport

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
)

type eventKind int

const (
	evFrame eventKind = iota
	evSent
	evStatus
	evCall
)

type event struct {
	kind   eventKind
	conn   Connection
	frame  *protocol.Frame
	status Status
	fn     func()
}

type watcher struct {
	fn        func(Status)
	cancelled bool
}

// Manager owns the groups of one process side and serializes every event touching them.
// Connection goroutines only post events; all handlers, watchers and posted functions run on
// the goroutine that calls Run (or Process).
type Manager struct {
	log *zap.Logger

	mu    sync.Mutex
	queue []event
	wake  chan struct{}

	// loop-only state
	groups   map[string]*Group
	watchers map[uuid.UUID][]*watcher
}

// NewManager constructs an idle manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		log:      log,
		wake:     make(chan struct{}, 1),
		groups:   map[string]*Group{},
		watchers: map[uuid.UUID][]*watcher{},
	}
}

func (m *Manager) post(ev event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run processes events until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.Process()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		}
	}
}

// Process handles every queued event, including those queued while processing,
// and returns how many were handled.
func (m *Manager) Process() int {
	n := 0
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, ev := range batch {
			m.dispatch(ev)
			n++
		}
	}
}

// Settle pumps the given managers until none of them has pending events.
func Settle(ms ...*Manager) {
	for {
		n := 0
		for _, m := range ms {
			n += m.Process()
		}
		if n == 0 {
			return
		}
	}
}

// Post schedules fn on the event loop.
func (m *Manager) Post(fn func()) {
	m.post(event{kind: evCall, fn: fn})
}

// Call runs fn on the event loop and waits until it returned.
func (m *Manager) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	m.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	switch ev.kind {
	case evFrame:
		m.deliver(ev.conn, ev.frame)
	case evSent:
		g, ok := m.groups[ev.frame.Group]
		if !ok {
			return
		}
		for _, msg := range ev.frame.Messages {
			g.handler.Sent(ev.conn, msg)
		}
	case evStatus:
		m.notifyStatus(ev.conn, ev.status)
	case evCall:
		ev.fn()
	}
}

func (m *Manager) deliver(conn Connection, f *protocol.Frame) {
	g, ok := m.groups[f.Group]
	if !ok {
		m.log.Debug("frame for unknown group",
			zap.String("group", f.Group),
			zap.Stringer("conn", conn.ID()),
		)
		return
	}
	if !g.HasMember(conn) {
		m.log.Warn("frame from non-member",
			zap.String("group", f.Group),
			zap.Stringer("conn", conn.ID()),
		)
		return
	}
	for _, msg := range f.Messages {
		if g.closed {
			return
		}
		forward := g.handler.Received(conn, msg)
		if forward && f.Scope == protocol.ScopeGroup && g.publisher && !g.closed {
			g.relay(conn, msg)
		}
	}
}

// Watch registers fn for status changes of conn. The returned func cancels the watch.
func (m *Manager) Watch(conn Connection, fn func(Status)) (cancel func()) {
	id := conn.ID()
	w := &watcher{fn: fn}
	m.watchers[id] = append(m.watchers[id], w)
	return func() {
		if w.cancelled {
			return
		}
		w.cancelled = true
		list := m.watchers[id]
		for i, x := range list {
			if x == w {
				m.watchers[id] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(m.watchers[id]) == 0 {
			delete(m.watchers, id)
		}
	}
}

func (m *Manager) notifyStatus(conn Connection, st Status) {
	id := conn.ID()
	list := append([]*watcher(nil), m.watchers[id]...)
	for _, w := range list {
		if !w.cancelled {
			w.fn(st)
		}
	}
	if st != StatusClosed {
		return
	}
	delete(m.watchers, id)
	for _, g := range m.groups {
		if _, ok := g.members[id]; ok {
			m.log.Debug("dropping member of closed connection",
				zap.String("group", g.name),
				zap.Stringer("conn", id),
			)
			delete(g.members, id)
		}
	}
}

// OpenGroup publishes a new group on this side.
func (m *Manager) OpenGroup(name string, method Method, h Handler) (*Group, error) {
	if method != MethodCentral {
		return nil, fmt.Errorf("group %s: unsupported method %q", name, method)
	}
	if _, ok := m.groups[name]; ok {
		return nil, fmt.Errorf("group %s: %w", name, errs.ErrAlreadyExists)
	}
	g := newGroup(m, name, method, h, true)
	m.groups[name] = g
	return g, nil
}

// JoinGroup attaches to a group published by the peer at the other end of conn.
func (m *Manager) JoinGroup(name string, conn Connection, h Handler) (*Group, error) {
	if _, ok := m.groups[name]; ok {
		return nil, fmt.Errorf("group %s: %w", name, errs.ErrAlreadyExists)
	}
	g := newGroup(m, name, MethodCentral, h, false)
	g.RefConnection(conn)
	m.groups[name] = g
	return g, nil
}

// Lookup returns the group called name.
func (m *Manager) Lookup(name string) (*Group, bool) {
	g, ok := m.groups[name]
	return g, ok
}
