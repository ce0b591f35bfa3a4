package transport

import (
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/protocol"
)

// Method selects how a group fans messages out.
type Method string

// MethodCentral relays everything through the publishing side.
const MethodCentral Method = "central"

type member struct {
	conn Connection
	refs int
}

// Group is a named, reference-counted broadcast channel. It is removed from its Manager when
// the last reference is dropped; a member stays until its last connection reference is dropped.
type Group struct {
	m         *Manager
	name      string
	method    Method
	handler   Handler
	publisher bool
	refs      int
	members   map[uuid.UUID]*member
	closed    bool
}

func newGroup(m *Manager, name string, method Method, h Handler, publisher bool) *Group {
	return &Group{
		m:         m,
		name:      name,
		method:    method,
		handler:   h,
		publisher: publisher,
		refs:      1,
		members:   map[uuid.UUID]*member{},
	}
}

func (g *Group) Name() string         { return g.name }
func (g *Group) Method() Method       { return g.method }
func (g *Group) Manager() *Manager    { return g.m }
func (g *Group) Closed() bool         { return g.closed }
func (g *Group) SetHandler(h Handler) { g.handler = h }

// Ref adds a group reference.
func (g *Group) Ref() { g.refs++ }

// Unref drops a group reference; the last one removes the group.
func (g *Group) Unref() {
	if g.refs == 0 {
		return
	}
	g.refs--
	if g.refs > 0 {
		return
	}
	g.closed = true
	g.members = map[uuid.UUID]*member{}
	if cur, ok := g.m.groups[g.name]; ok && cur == g {
		delete(g.m.groups, g.name)
	}
}

// RefConnection adds a participation reference for conn, making it a member.
func (g *Group) RefConnection(conn Connection) {
	mem, ok := g.members[conn.ID()]
	if !ok {
		mem = &member{conn: conn}
		g.members[conn.ID()] = mem
	}
	mem.refs++
}

// UnrefConnection drops a participation reference; the last one removes the member.
func (g *Group) UnrefConnection(conn Connection) {
	mem, ok := g.members[conn.ID()]
	if !ok {
		return
	}
	mem.refs--
	if mem.refs <= 0 {
		delete(g.members, conn.ID())
	}
}

// HasMember reports whether conn participates in the group.
func (g *Group) HasMember(conn Connection) bool {
	_, ok := g.members[conn.ID()]
	return ok
}

// Members returns the current member connections.
func (g *Group) Members() []Connection {
	out := make([]Connection, 0, len(g.members))
	for _, mem := range g.members {
		out = append(out, mem.conn)
	}
	return out
}

// SendTo sends messages to one connection.
func (g *Group) SendTo(conn Connection, msgs ...*protocol.Message) {
	if g.send(conn, protocol.ScopeP2P, msgs) {
		for _, msg := range msgs {
			g.handler.Enqueued(conn, msg)
		}
	}
}

// SendToGroup sends messages to every member except the given connection (may be nil).
// On the joining side the frame is addressed to the group so the publisher relays it.
func (g *Group) SendToGroup(except Connection, msgs ...*protocol.Message) {
	scope := protocol.ScopeP2P
	if !g.publisher {
		scope = protocol.ScopeGroup
	}
	for _, mem := range g.members {
		if except != nil && mem.conn.ID() == except.ID() {
			continue
		}
		if g.send(mem.conn, scope, msgs) {
			for _, msg := range msgs {
				g.handler.Enqueued(mem.conn, msg)
			}
		}
	}
}

func (g *Group) relay(from Connection, msg *protocol.Message) {
	for _, mem := range g.members {
		if mem.conn.ID() == from.ID() {
			continue
		}
		g.send(mem.conn, protocol.ScopeP2P, []*protocol.Message{msg})
	}
}

func (g *Group) send(conn Connection, scope protocol.Scope, msgs []*protocol.Message) bool {
	if g.closed || len(msgs) == 0 {
		return false
	}
	if conn.Status() != StatusOpen {
		g.m.log.Debug("skipping send to connection that is not open",
			zap.String("group", g.name),
			zap.Stringer("conn", conn.ID()),
			zap.Stringer("status", conn.Status()),
		)
		return false
	}
	f := &protocol.Frame{Group: g.name, Scope: scope, Messages: msgs}
	if err := conn.Send(f); err != nil {
		g.m.log.Warn("send failed",
			zap.String("group", g.name),
			zap.Stringer("conn", conn.ID()),
			zap.Error(err),
		)
		return false
	}
	return true
}
