// Package session implements one collaborative session: its user roster, its content and the
// synchronization handshake that transfers both to a peer.
//
// A synchronization is a frame of the form
//
//	<sync-begin num-messages="N"/> N x (<sync-user/> | content message) <sync-end/>
//
// answered by the receiver with <sync-ack/> or <sync-error domain code/>. Either side may
// abort: the sender with <sync-cancel/>, the receiver with <sync-error/>.
package session

import (
	"fmt"
	"sort"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/transport"
)

// Status is the lifecycle state of a session.
type Status int

const (
	StatusSynchronizing Status = iota
	StatusRunning
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSynchronizing:
		return "synchronizing"
	case StatusRunning:
		return "running"
	}
	return "closed"
}

// SyncStatus is the state of the synchronization with one connection.
type SyncStatus int

const (
	SyncNone SyncStatus = iota
	SyncInProgress
	SyncAwaitingAck
)

// SyncEvent reports the outcome of a synchronization. Incoming is set when the session was
// the receiving side.
type SyncEvent struct {
	Conn     transport.Connection
	Incoming bool
	Err      error
}

// Listener receives session events. Nil fields are skipped.
type Listener struct {
	OnUserAdded    func(*User)
	OnSyncComplete func(SyncEvent)
	OnSyncFailed   func(SyncEvent)
	OnClose        func()
}

type listenerEntry struct {
	l       Listener
	removed bool
}

type outgoing struct {
	conn    transport.Connection
	group   *transport.Group
	status  SyncStatus
	end     *protocol.Message
	unwatch func()
}

type incoming struct {
	conn     transport.Connection
	group    *transport.Group
	expected uint64
	received uint64
	begun    bool
	unwatch  func()
}

// Session is not safe for concurrent use; it lives on a transport.Manager event loop.
type Session struct {
	log     *zap.Logger
	typ     string
	content Content
	users   *Roster
	status  Status
	closing bool

	group     *transport.Group
	outgoing  map[uuid.UUID]*outgoing
	incoming  *incoming
	listeners []*listenerEntry
}

// New returns a running session around content.
func New(log *zap.Logger, typ string, content Content) *Session {
	return &Session{
		log:      log,
		typ:      typ,
		content:  content,
		users:    NewRoster(),
		status:   StatusRunning,
		outgoing: map[uuid.UUID]*outgoing{},
	}
}

// NewSynchronizing returns a session that is filled by a synchronization arriving from conn
// inside group.
func NewSynchronizing(log *zap.Logger, typ string, content Content, group *transport.Group, conn transport.Connection) *Session {
	s := New(log, typ, content)
	s.status = StatusSynchronizing
	group.Ref()
	group.RefConnection(conn)
	in := &incoming{conn: conn, group: group}
	in.unwatch = group.Manager().Watch(conn, func(st transport.Status) {
		if st.Gone() && s.incoming == in {
			s.failIncoming(fmt.Errorf("connection %s: %w", st, errs.ErrConnectionClosed), false)
		}
	})
	s.incoming = in
	return s
}

// FromDocument restores a running session from its persistent form. Stored users come back
// unavailable.
func FromDocument(log *zap.Logger, doc *protocol.Message) (*Session, error) {
	typ, ok := doc.Attr(protocol.AttrType)
	if !ok {
		return nil, errs.Newf(errs.DomainStorage, errs.CodeInvalidFormat, "note document has no type")
	}
	content, ok := NewContent(typ)
	if !ok {
		return nil, errs.Newf(errs.DomainDirectory, errs.CodeTypeUnknown, "note type %q is not supported", typ)
	}
	if err := content.Load(doc); err != nil {
		return nil, err
	}
	s := New(log, typ, content)
	for _, c := range doc.Children {
		if c.Name() != docUser {
			continue
		}
		u, err := UserFromXML(c)
		if err != nil {
			return nil, errs.Newf(errs.DomainStorage, errs.CodeInvalidFormat, "stored user: %s", err)
		}
		u.Status = UserUnavailable
		if err := s.users.Add(u); err != nil {
			return nil, errs.Newf(errs.DomainStorage, errs.CodeInvalidFormat, "stored user: %s", err)
		}
	}
	return s, nil
}

const docUser = "user"

// Document returns the persistent form of the session: its type, every user and the content.
func (s *Session) Document() *protocol.Message {
	doc := protocol.NewMessage("note").Set(protocol.AttrType, s.typ)
	for _, u := range s.users.Users() {
		doc.Add(UserToXML(u, protocol.NewMessage(docUser)))
	}
	return doc.Add(s.content.Save())
}

func (s *Session) Type() string            { return s.typ }
func (s *Session) Content() Content        { return s.content }
func (s *Session) Users() *Roster          { return s.users }
func (s *Session) Status() Status          { return s.status }
func (s *Session) Group() *transport.Group { return s.group }

// SetSubscriptionGroup sets the group live traffic is broadcast in.
func (s *Session) SetSubscriptionGroup(g *transport.Group) {
	if s.group == g {
		return
	}
	if s.group != nil {
		s.group.Unref()
	}
	if g != nil {
		g.Ref()
	}
	s.group = g
}

// AddListener registers l. The returned func removes it.
func (s *Session) AddListener(l Listener) (remove func()) {
	e := &listenerEntry{l: l}
	s.listeners = append(s.listeners, e)
	return func() {
		e.removed = true
		for i, x := range s.listeners {
			if x == e {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) emit(fn func(Listener)) {
	for _, e := range append([]*listenerEntry(nil), s.listeners...) {
		if !e.removed {
			fn(e.l)
		}
	}
}

// AddUser inserts u into the roster.
func (s *Session) AddUser(u *User) error {
	if err := s.users.Add(u); err != nil {
		return err
	}
	s.emit(func(l Listener) {
		if l.OnUserAdded != nil {
			l.OnUserAdded(u)
		}
	})
	return nil
}

// SyncStatus returns the state of the synchronization with conn, in either direction.
func (s *Session) SyncStatus(conn transport.Connection) SyncStatus {
	if s.incoming != nil && s.incoming.conn.ID() == conn.ID() {
		return SyncInProgress
	}
	if o, ok := s.outgoing[conn.ID()]; ok {
		return o.status
	}
	return SyncNone
}

// SynchronizeTo sends the full session state to conn inside group. conn becomes a group
// member for the duration of the synchronization.
func (s *Session) SynchronizeTo(group *transport.Group, conn transport.Connection) error {
	if s.status != StatusRunning || s.closing {
		return errs.ErrSessionNotRunning
	}
	if _, ok := s.outgoing[conn.ID()]; ok {
		return fmt.Errorf("synchronization to %s already running: %w", conn.ID(), errs.ErrState)
	}
	if conn.Status() != transport.StatusOpen {
		return errs.ErrConnectionClosed
	}

	users := s.users.Users()
	content := s.content.SyncMessages()

	msgs := make([]*protocol.Message, 0, len(users)+len(content)+2)
	msgs = append(msgs, protocol.NewMessage(protocol.SyncBegin).
		SetUint(protocol.AttrNumMessages, uint64(len(users)+len(content))))
	for _, u := range users {
		msgs = append(msgs, UserToXML(u, protocol.NewMessage(protocol.SyncUser)))
	}
	msgs = append(msgs, content...)
	end := protocol.NewMessage(protocol.SyncEnd)
	msgs = append(msgs, end)

	group.Ref()
	group.RefConnection(conn)
	o := &outgoing{conn: conn, group: group, status: SyncInProgress, end: end}
	o.unwatch = group.Manager().Watch(conn, func(st transport.Status) {
		if st.Gone() {
			s.failOutgoing(o, fmt.Errorf("connection %s: %w", st, errs.ErrConnectionClosed), false)
		}
	})
	s.outgoing[conn.ID()] = o

	s.log.Debug("synchronizing",
		zap.String("group", group.Name()),
		zap.Stringer("conn", conn.ID()),
		zap.Int("users", len(users)),
		zap.Int("content", len(content)),
	)
	group.SendTo(conn, msgs...)
	return nil
}

// Enqueued is part of the net object contract; nothing to do.
func (s *Session) Enqueued(transport.Connection, *protocol.Message) {}

// Sent moves an outgoing synchronization to awaiting-ack once its last message is written.
func (s *Session) Sent(conn transport.Connection, msg *protocol.Message) {
	if o, ok := s.outgoing[conn.ID()]; ok && msg == o.end && o.status == SyncInProgress {
		o.status = SyncAwaitingAck
	}
}

// Received handles a message from conn: synchronization traffic first, content otherwise.
// It reports true only for a content message the session applied.
func (s *Session) Received(conn transport.Connection, msg *protocol.Message) bool {
	if in := s.incoming; in != nil && in.conn.ID() == conn.ID() {
		s.receiveSync(in, msg)
		return false
	}
	if o, ok := s.outgoing[conn.ID()]; ok {
		s.receiveSyncReply(o, msg)
		return false
	}
	if s.status != StatusRunning {
		s.log.Debug("dropping message for session that is not running",
			zap.String("message", msg.Name()),
			zap.Stringer("status", s.status),
		)
		return false
	}
	if protocol.KindOf(msg) != protocol.KindContent {
		s.log.Debug("unexpected message", zap.String("message", msg.Name()))
		return false
	}
	if err := s.content.Received(msg); err != nil {
		s.log.Warn("content message rejected", zap.String("message", msg.Name()), zap.Error(err))
		return false
	}
	return true
}

// Broadcast applies a local change and sends it to the subscription group.
func (s *Session) Broadcast(msg *protocol.Message) error {
	if s.status != StatusRunning {
		return errs.ErrSessionNotRunning
	}
	if err := s.content.Received(msg); err != nil {
		return err
	}
	if s.group != nil {
		s.group.SendToGroup(nil, msg)
	}
	return nil
}

func (s *Session) receiveSyncReply(o *outgoing, msg *protocol.Message) {
	switch msg.Name() {
	case protocol.SyncAck:
		s.completeOutgoing(o)
	case protocol.SyncError:
		err, perr := protocol.ParseRequestFailed(msg)
		if perr != nil {
			err = errs.New(errs.DomainSession, errs.CodeSyncCancelled)
		}
		s.failOutgoing(o, err, false)
	default:
		s.log.Debug("ignoring message during synchronization",
			zap.String("message", msg.Name()),
			zap.Stringer("conn", o.conn.ID()),
		)
	}
}

func (s *Session) completeOutgoing(o *outgoing) {
	s.dropOutgoing(o)
	s.emit(func(l Listener) {
		if l.OnSyncComplete != nil {
			l.OnSyncComplete(SyncEvent{Conn: o.conn})
		}
	})
	o.group.Unref()
}

func (s *Session) failOutgoing(o *outgoing, err error, cancel bool) {
	if cur, ok := s.outgoing[o.conn.ID()]; !ok || cur != o {
		return
	}
	if cancel {
		o.group.SendTo(o.conn, protocol.NewMessage(protocol.SyncCancel))
	}
	s.dropOutgoing(o)
	s.log.Debug("synchronization failed", zap.Stringer("conn", o.conn.ID()), zap.Error(err))
	s.emit(func(l Listener) {
		if l.OnSyncFailed != nil {
			l.OnSyncFailed(SyncEvent{Conn: o.conn, Err: err})
		}
	})
	o.group.Unref()
}

func (s *Session) dropOutgoing(o *outgoing) {
	delete(s.outgoing, o.conn.ID())
	o.unwatch()
	o.group.UnrefConnection(o.conn)
}

func (s *Session) receiveSync(in *incoming, msg *protocol.Message) {
	var err error
	switch msg.Name() {
	case protocol.SyncBegin:
		if in.begun {
			err = unexpectedSync(msg)
			break
		}
		in.expected, err = msg.Uint(protocol.AttrNumMessages)
		in.begun = true
	case protocol.SyncUser:
		if !in.begun {
			err = unexpectedSync(msg)
			break
		}
		var u *User
		if u, err = UserFromXML(msg); err == nil {
			err = s.AddUser(u)
		}
		in.received++
	case protocol.SyncEnd:
		if !in.begun {
			err = unexpectedSync(msg)
			break
		}
		if in.received != in.expected {
			err = errs.Newf(errs.DomainSession, errs.CodeSyncCountMismatch,
				"expected %d synchronization messages, got %d", in.expected, in.received)
			break
		}
		s.completeIncoming(in)
		return
	case protocol.SyncCancel:
		s.failIncoming(errs.New(errs.DomainSession, errs.CodeSyncCancelled), false)
		return
	case protocol.SyncAck, protocol.SyncError:
		err = unexpectedSync(msg)
	default:
		if !in.begun {
			err = unexpectedSync(msg)
			break
		}
		err = s.content.ApplySync(msg)
		in.received++
	}
	if err != nil {
		s.failIncoming(err, true)
	}
}

func unexpectedSync(msg *protocol.Message) error {
	return errs.Newf(errs.DomainSession, errs.CodeSyncUnexpectedMessage,
		"unexpected '%s' during synchronization", msg.Name())
}

func (s *Session) completeIncoming(in *incoming) {
	s.incoming = nil
	in.unwatch()
	in.group.SendTo(in.conn, protocol.NewMessage(protocol.SyncAck))
	s.status = StatusRunning
	s.emit(func(l Listener) {
		if l.OnSyncComplete != nil {
			l.OnSyncComplete(SyncEvent{Conn: in.conn, Incoming: true})
		}
	})
	in.group.UnrefConnection(in.conn)
	in.group.Unref()
}

func (s *Session) failIncoming(err error, notify bool) {
	in := s.incoming
	if in == nil {
		return
	}
	s.incoming = nil
	in.unwatch()
	if notify {
		pe := errs.ToProtocol(err)
		in.group.SendTo(in.conn, protocol.NewMessage(protocol.SyncError).
			Set(protocol.AttrDomain, string(pe.Domain)).
			SetUint(protocol.AttrCode, uint64(pe.Code)).
			SetText(pe.Message))
	}
	s.log.Debug("incoming synchronization failed", zap.Stringer("conn", in.conn.ID()), zap.Error(err))
	s.emit(func(l Listener) {
		if l.OnSyncFailed != nil {
			l.OnSyncFailed(SyncEvent{Conn: in.conn, Incoming: true, Err: err})
		}
	})
	in.group.UnrefConnection(in.conn)
	in.group.Unref()
	s.Close()
}

// Close tears the session down. Listeners see OnClose while synchronizations are still
// registered; running synchronizations are cancelled afterwards.
func (s *Session) Close() {
	if s.closing || s.status == StatusClosed {
		return
	}
	s.closing = true
	s.emit(func(l Listener) {
		if l.OnClose != nil {
			l.OnClose()
		}
	})

	ids := make([]uuid.UUID, 0, len(s.outgoing))
	for id := range s.outgoing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if o, ok := s.outgoing[id]; ok {
			s.failOutgoing(o, errs.New(errs.DomainSession, errs.CodeSyncCancelled), true)
		}
	}
	if s.incoming != nil {
		in := s.incoming
		s.incoming = nil
		in.unwatch()
		in.group.SendTo(in.conn, protocol.NewMessage(protocol.SyncError).
			Set(protocol.AttrDomain, string(errs.DomainSession)).
			SetUint(protocol.AttrCode, uint64(errs.CodeSyncCancelled)))
		s.emit(func(l Listener) {
			if l.OnSyncFailed != nil {
				l.OnSyncFailed(SyncEvent{Conn: in.conn, Incoming: true, Err: errs.New(errs.DomainSession, errs.CodeSyncCancelled)})
			}
		})
		in.group.UnrefConnection(in.conn)
		in.group.Unref()
	}

	s.status = StatusClosed
	s.SetSubscriptionGroup(nil)
}
