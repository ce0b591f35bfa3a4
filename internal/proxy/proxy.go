// Package proxy runs the authoritative side of a note session: it owns the subscriptions of
// the connections following the session, brokers user joins and leaves, and tears the
// subscriptions down when connections go away or the session closes.
package proxy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/metrics"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/transport"
)

// Options tune a Proxy.
type Options struct {
	// SubscribeSyncConn admits the connection an incoming synchronization came from as a
	// subscriber once the synchronization completes.
	SubscribeSyncConn bool
}

type subscription struct {
	conn    transport.Connection
	users   []*session.User
	unwatch func()
}

// Proxy is the transport.Handler of a session group. It must only be used on the event loop
// of the group's manager.
type Proxy struct {
	log   *zap.Logger
	sess  *session.Session
	group *transport.Group
	opts  Options

	subs       []*subscription
	localUsers []*session.User
	nextID     uint32

	removeListener func()
	closed         bool
}

var _ transport.Handler = (*Proxy)(nil)

// New takes over the reference the caller holds on group and installs the proxy as its handler.
func New(log *zap.Logger, sess *session.Session, group *transport.Group, opts Options) *Proxy {
	p := &Proxy{
		log:    log.With(zap.String("group", group.Name())),
		sess:   sess,
		group:  group,
		opts:   opts,
		nextID: sess.Users().MaxID() + 1,
	}
	for _, u := range sess.Users().Users() {
		if u.Status == session.UserAvailable {
			metrics.AddUsersAvailable(1)
		}
	}
	group.SetHandler(p)
	sess.SetSubscriptionGroup(group)
	p.removeListener = sess.AddListener(session.Listener{
		OnUserAdded:    p.userAdded,
		OnSyncComplete: p.syncComplete,
		OnSyncFailed:   p.syncFailed,
		OnClose:        p.sessionClosed,
	})
	metrics.SessionOpened()
	return p
}

func (p *Proxy) Session() *session.Session { return p.sess }
func (p *Proxy) Group() *transport.Group   { return p.group }

// Subscribed reports whether conn holds a subscription.
func (p *Proxy) Subscribed(conn transport.Connection) bool { return p.find(conn) != nil }

// Subscriptions returns the number of subscriptions.
func (p *Proxy) Subscriptions() int { return len(p.subs) }

// LocalUsers returns the users introduced without a connection.
func (p *Proxy) LocalUsers() []*session.User {
	return append([]*session.User(nil), p.localUsers...)
}

// UsersOf returns the users that joined through conn.
func (p *Proxy) UsersOf(conn transport.Connection) []*session.User {
	sub := p.find(conn)
	if sub == nil {
		return nil
	}
	return append([]*session.User(nil), sub.users...)
}

// SubscribeTo synchronizes the session to conn and subscribes it. The subscription exists
// right away; it is released silently if the synchronization fails.
func (p *Proxy) SubscribeTo(conn transport.Connection) error {
	if p.closed || p.sess.Status() != session.StatusRunning {
		return errs.ErrSessionNotRunning
	}
	if p.find(conn) != nil {
		return fmt.Errorf("subscribe %s to %s: %w", conn.ID(), p.group.Name(), errs.ErrAlreadySubscribed)
	}
	if err := p.sess.SynchronizeTo(p.group, conn); err != nil {
		return fmt.Errorf("synchronize %s: %w", conn.ID(), err)
	}
	p.subscribe(conn)
	return nil
}

// AddUser joins a user on behalf of conn, or a local user when conn is nil.
func (p *Proxy) AddUser(conn transport.Connection, props session.Props) (*session.User, error) {
	return p.addUser(conn, props, nil)
}

// RemoveUser makes a user that joined through conn (or a local user when conn is nil) leave.
func (p *Proxy) RemoveUser(conn transport.Connection, id uint32) error {
	return p.removeUser(conn, &id, nil)
}

// Unsubscribe removes the subscription of conn.
func (p *Proxy) Unsubscribe(conn transport.Connection) error {
	sub := p.find(conn)
	if sub == nil {
		return fmt.Errorf("connection %s is not subscribed to %s: %w", conn.ID(), p.group.Name(), errs.ErrState)
	}
	if p.sess.SyncStatus(conn) != session.SyncNone {
		return fmt.Errorf("connection %s is still synchronizing: %w", conn.ID(), errs.ErrState)
	}
	p.removeSubscription(sub)
	return nil
}

// Close closes the session, which tears down every subscription.
func (p *Proxy) Close() {
	p.sess.Close()
}

func (p *Proxy) find(conn transport.Connection) *subscription {
	for _, sub := range p.subs {
		if sub.conn.ID() == conn.ID() {
			return sub
		}
	}
	return nil
}

func (p *Proxy) subscribe(conn transport.Connection) {
	p.group.RefConnection(conn)
	sub := &subscription{conn: conn}
	sub.unwatch = p.group.Manager().Watch(conn, func(st transport.Status) {
		if st.Gone() {
			p.removeSubscription(sub)
		}
	})
	p.subs = append(p.subs, sub)
	metrics.AddSubscriptions(1)
	p.log.Debug("subscribed", zap.Stringer("conn", conn.ID()))
}

// removeSubscription tells the remaining subscribers that the users of sub became
// unavailable, then releases it.
func (p *Proxy) removeSubscription(sub *subscription) {
	if !p.holds(sub) {
		return
	}
	for _, u := range sub.users {
		p.group.SendToGroup(sub.conn, protocol.NewMessage(protocol.UserStatusChange).
			SetUint(protocol.AttrID, uint64(u.ID)).
			Set(protocol.AttrStatus, session.UserUnavailable.String()))
	}
	p.release(sub)
}

func (p *Proxy) holds(sub *subscription) bool {
	for _, s := range p.subs {
		if s == sub {
			return true
		}
	}
	return false
}

func (p *Proxy) release(sub *subscription) {
	for i, s := range p.subs {
		if s == sub {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			break
		}
	}
	sub.unwatch()
	p.group.UnrefConnection(sub.conn)
	for _, u := range sub.users {
		p.markUnavailable(u)
	}
	sub.users = nil
	metrics.AddSubscriptions(-1)
	p.log.Debug("unsubscribed", zap.Stringer("conn", sub.conn.ID()))
}

func (p *Proxy) markUnavailable(u *session.User) {
	if u.Status == session.UserAvailable {
		u.Status = session.UserUnavailable
		metrics.AddUsersAvailable(-1)
	}
}

func (p *Proxy) userAdded(u *session.User) {
	if u.ID >= p.nextID {
		p.nextID = u.ID + 1
	}
}

func (p *Proxy) syncComplete(ev session.SyncEvent) {
	metrics.RecordSync(true)
	if !ev.Incoming || !p.opts.SubscribeSyncConn {
		return
	}
	if ev.Conn.Status() != transport.StatusOpen || p.find(ev.Conn) != nil {
		return
	}
	p.subscribe(ev.Conn)
}

func (p *Proxy) syncFailed(ev session.SyncEvent) {
	metrics.RecordSync(false)
	if ev.Incoming {
		return
	}
	if sub := p.find(ev.Conn); sub != nil {
		p.release(sub)
	}
}

func (p *Proxy) sessionClosed() {
	if p.closed {
		return
	}
	p.closed = true
	for _, sub := range append([]*subscription(nil), p.subs...) {
		if p.sess.SyncStatus(sub.conn) != session.SyncInProgress {
			p.group.SendTo(sub.conn, protocol.NewMessage(protocol.SessionClose))
		}
		p.release(sub)
	}
	for _, u := range p.localUsers {
		p.markUnavailable(u)
	}
	p.localUsers = nil
	p.removeListener()
	p.group.Unref()
	metrics.SessionClosed()
	p.log.Debug("session closed")
}

func (p *Proxy) addUser(conn transport.Connection, props session.Props, seq *uint64) (*session.User, error) {
	if p.closed || p.sess.Status() != session.StatusRunning {
		return nil, errs.ErrSessionNotRunning
	}
	var sub *subscription
	if conn != nil {
		if sub = p.find(conn); sub == nil {
			return nil, fmt.Errorf("connection %s is not subscribed: %w", conn.ID(), errs.ErrState)
		}
	}

	roster := p.sess.Users()
	if props.Name == "" {
		return nil, errs.Newf(errs.DomainRequest, errs.CodeNoSuchAttribute,
			"Request does not contain required attribute 'name'")
	}
	existing, found := roster.LookupName(props.Name)
	if found && existing.Status == session.UserAvailable {
		return nil, errs.New(errs.DomainUserJoin, errs.CodeNameInUse)
	}
	if props.ID != nil {
		return nil, errs.New(errs.DomainUserJoin, errs.CodeIDProvided)
	}
	if props.Status != nil {
		return nil, errs.New(errs.DomainUserJoin, errs.CodeStatusProvided)
	}

	flags := session.UserFlags(0)
	if conn == nil {
		flags = session.FlagLocal
	}

	var (
		u    *session.User
		name = protocol.UserJoin
	)
	if found {
		if err := roster.Validate(props, existing); err != nil {
			return nil, err
		}
		u = existing
		u.Status = session.UserAvailable
		u.Flags = flags
		if props.Hue != nil {
			u.Hue = *props.Hue
		}
		name = protocol.UserRejoin
	} else {
		id := p.nextID
		u = &session.User{ID: id, Name: props.Name, Status: session.UserAvailable, Flags: flags}
		if props.Hue != nil {
			u.Hue = *props.Hue
		}
		if err := p.sess.AddUser(u); err != nil {
			return nil, err
		}
	}
	metrics.AddUsersAvailable(1)

	msg := session.UserToXML(u, protocol.NewMessage(name))
	p.group.SendToGroup(conn, msg)
	if conn != nil {
		reply := msg.Clone()
		if seq != nil {
			reply.SetUint(protocol.AttrSeq, *seq)
		}
		p.group.SendTo(conn, reply)
		sub.users = append(sub.users, u)
	} else {
		p.localUsers = append(p.localUsers, u)
	}

	p.log.Debug("user joined",
		zap.Uint32("id", u.ID),
		zap.String("name", u.Name),
		zap.Bool("rejoin", found),
	)
	return u, nil
}

func (p *Proxy) removeUser(conn transport.Connection, id *uint32, seq *uint64) error {
	if id == nil {
		return errs.New(errs.DomainUserLeave, errs.CodeIDNotPresent)
	}
	u, ok := p.sess.Users().Lookup(*id)
	if !ok {
		return errs.Newf(errs.DomainUserLeave, errs.CodeNoSuchUser, "There is no user with ID %d", *id)
	}

	var list *[]*session.User
	if conn == nil {
		list = &p.localUsers
	} else if sub := p.find(conn); sub != nil {
		list = &sub.users
	}
	idx := -1
	if list != nil {
		for i, x := range *list {
			if x == u {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return errs.Newf(errs.DomainUserLeave, errs.CodeNotJoined,
			"User with ID %d did not join via this connection", *id)
	}

	msg := protocol.NewMessage(protocol.UserLeave).SetUint(protocol.AttrID, uint64(u.ID))
	p.group.SendToGroup(conn, msg)
	if conn != nil {
		reply := msg.Clone()
		if seq != nil {
			reply.SetUint(protocol.AttrSeq, *seq)
		}
		p.group.SendTo(conn, reply)
	}
	*list = append((*list)[:idx:idx], (*list)[idx+1:]...)
	p.markUnavailable(u)

	p.log.Debug("user left", zap.Uint32("id", u.ID), zap.String("name", u.Name))
	return nil
}

// Received dispatches a message from a group member. Connections that are synchronizing talk
// to the session directly. Only content the session applied from a subscriber is forwarded to
// the other subscribers.
func (p *Proxy) Received(conn transport.Connection, msg *protocol.Message) bool {
	metrics.RecordMessage("session")
	if p.sess.SyncStatus(conn) != session.SyncNone {
		p.sess.Received(conn, msg)
		return false
	}

	var err error
	switch protocol.KindOf(msg) {
	case protocol.KindJoinUser:
		err = p.handleJoin(conn, msg)
	case protocol.KindLeaveUser:
		err = p.handleLeave(conn, msg)
	case protocol.KindUnsubscribe:
		err = p.Unsubscribe(conn)
	case protocol.KindContent:
		if p.find(conn) == nil {
			err = errs.Newf(errs.DomainRequest, errs.CodeUnexpectedMessage, "Not subscribed to the session")
			break
		}
		return p.sess.Received(conn, msg)
	default:
		err = errs.Newf(errs.DomainRequest, errs.CodeUnexpectedMessage, "Unexpected message '%s'", msg.Name())
	}
	if err != nil {
		p.replyFailed(conn, msg, err)
	}
	return false
}

func (p *Proxy) Enqueued(conn transport.Connection, msg *protocol.Message) {
	p.sess.Enqueued(conn, msg)
}

func (p *Proxy) Sent(conn transport.Connection, msg *protocol.Message) {
	p.sess.Sent(conn, msg)
}

func seqOf(msg *protocol.Message) *uint64 {
	if seq, ok := msg.Seq(); ok {
		return &seq
	}
	return nil
}

func (p *Proxy) handleJoin(conn transport.Connection, msg *protocol.Message) error {
	props, err := session.PropsFromXML(msg)
	if err != nil {
		return err
	}
	_, err = p.addUser(conn, props, seqOf(msg))
	return err
}

func (p *Proxy) handleLeave(conn transport.Connection, msg *protocol.Message) error {
	var id *uint32
	if msg.Has(protocol.AttrID) {
		v, err := msg.Uint32(protocol.AttrID)
		if err != nil {
			return err
		}
		id = &v
	}
	return p.removeUser(conn, id, seqOf(msg))
}

func (p *Proxy) replyFailed(conn transport.Connection, msg *protocol.Message, err error) {
	pe := errs.ToProtocol(err)
	seq, hasSeq := msg.Seq()
	p.group.SendTo(conn, protocol.RequestFailed(pe, seq, hasSeq))
	metrics.RecordRequestFailed(string(pe.Domain))
	p.log.Debug("request failed",
		zap.String("message", msg.Name()),
		zap.Stringer("conn", conn.ID()),
		zap.Error(err),
	)
}
