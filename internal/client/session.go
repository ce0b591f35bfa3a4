package client

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/browser"
	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/request"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/transport"
)

// SessionProxy is the client end of a subscription. It mirrors the roster of the server
// session and issues user joins and leaves.
type SessionProxy struct {
	log    *zap.Logger
	b      *Browser
	node   uint32
	sess   *session.Session
	group  *transport.Group
	closed bool
}

var (
	_ browser.SessionProxy = (*SessionProxy)(nil)
	_ transport.Handler    = (*SessionProxy)(nil)
)

// newSessionProxy takes over the reference the caller holds on g.
func newSessionProxy(log *zap.Logger, b *Browser, node uint32, sess *session.Session, g *transport.Group) *SessionProxy {
	sp := &SessionProxy{log: log, b: b, node: node, sess: sess, group: g}
	g.SetHandler(sp)
	sess.SetSubscriptionGroup(g)
	sess.AddListener(session.Listener{OnClose: sp.drop})
	return sp
}

func (sp *SessionProxy) Session() *session.Session { return sp.sess }
func (sp *SessionProxy) Node() browser.Iter         { return browser.Iter{ID: sp.node} }

func (sp *SessionProxy) send(kind request.Kind, msg *protocol.Message) *request.Request {
	if sp.closed || sp.sess.Status() != session.StatusRunning {
		return request.Failed(kind, sp.node, errs.ErrSessionNotRunning)
	}
	r, err := sp.b.tracker.Begin(kind, sp.node)
	if err != nil {
		return request.Failed(kind, sp.node, err)
	}
	sp.b.listeners.BeginRequest(browser.Iter{ID: sp.node}, r)
	sp.group.SendTo(sp.b.conn, msg.SetUint(protocol.AttrSeq, r.Seq()))
	return r
}

// JoinUser asks the server to add a user. The request resolves with the *session.User.
func (sp *SessionProxy) JoinUser(props session.Props) *request.Request {
	if props.Name == "" {
		return request.Failed(request.KindUserJoin, sp.node,
			errs.Newf(errs.DomainRequest, errs.CodeNoSuchAttribute, "Request does not contain required attribute 'name'"))
	}
	return sp.send(request.KindUserJoin, props.ToXML(protocol.NewMessage(protocol.JoinUser)))
}

// LeaveUser asks the server to remove a user this connection joined.
func (sp *SessionProxy) LeaveUser(id uint32) *request.Request {
	return sp.send(request.KindUserLeave, protocol.NewMessage(protocol.LeaveUser).SetUint(protocol.AttrID, uint64(id)))
}

// Unsubscribe tells the server to stop sending and closes the local session.
func (sp *SessionProxy) Unsubscribe() error {
	if sp.closed {
		return fmt.Errorf("session of node %d: %w", sp.node, errs.ErrSessionNotRunning)
	}
	if sp.sess.Status() == session.StatusRunning {
		sp.group.SendTo(sp.b.conn, protocol.NewMessage(protocol.SessionUnsubscribe))
	}
	sp.drop()
	return nil
}

// drop closes the session locally and fails its pending user requests.
func (sp *SessionProxy) drop() {
	if sp.closed {
		return
	}
	sp.closed = true
	for _, r := range sp.b.tracker.List(sp.node, "") {
		if r.Kind() == request.KindUserJoin || r.Kind() == request.KindUserLeave {
			sp.b.tracker.Take(r.Seq())
			r.Fail(errs.ErrDisposed)
		}
	}
	if cur, ok := sp.b.sessions[sp.node]; ok && cur == sp {
		delete(sp.b.sessions, sp.node)
	}
	sp.sess.Close()
	sp.group.Unref()
	sp.b.listeners.UnsubscribeSession(browser.Iter{ID: sp.node}, sp)
	sp.log.Debug("session dropped")
}

func (sp *SessionProxy) Enqueued(conn transport.Connection, msg *protocol.Message) {
	sp.sess.Enqueued(conn, msg)
}

func (sp *SessionProxy) Sent(conn transport.Connection, msg *protocol.Message) {
	sp.sess.Sent(conn, msg)
}

// Received routes synchronization traffic to the session and handles roster updates.
func (sp *SessionProxy) Received(conn transport.Connection, msg *protocol.Message) bool {
	if sp.sess.Status() == session.StatusSynchronizing || sp.sess.SyncStatus(conn) != session.SyncNone {
		sp.sess.Received(conn, msg)
		return false
	}

	var err error
	switch protocol.KindOf(msg) {
	case protocol.KindUserJoin, protocol.KindUserRejoin:
		err = sp.userJoined(msg)
	case protocol.KindUserLeave:
		err = sp.userLeft(msg)
	case protocol.KindUserStatusChange:
		err = sp.statusChanged(msg)
	case protocol.KindSessionClose:
		sp.drop()
	case protocol.KindRequestFailed:
		err = sp.failed(msg)
	case protocol.KindContent:
		sp.sess.Received(conn, msg)
	default:
		err = errs.Newf(errs.DomainRequest, errs.CodeUnexpectedMessage, "Unexpected message '%s'", msg.Name())
	}
	if err != nil {
		sp.log.Warn("session message rejected", zap.String("message", msg.Name()), zap.Error(err))
		sp.b.listeners.Error(err)
	}
	return false
}

// resolve finishes the request msg answers, if it answers one of ours.
func (sp *SessionProxy) resolve(msg *protocol.Message, kind request.Kind, result any) {
	seq, ok := msg.Seq()
	if !ok {
		return
	}
	r, ok := sp.b.tracker.Peek(seq)
	if !ok || r.Kind() != kind || r.Node() != sp.node {
		return
	}
	sp.b.tracker.Take(seq)
	r.Succeed(result)
}

func (sp *SessionProxy) userJoined(msg *protocol.Message) error {
	u, err := session.UserFromXML(msg)
	if err != nil {
		return err
	}
	if cur, ok := sp.sess.Users().Lookup(u.ID); ok {
		cur.Status = u.Status
		cur.Hue = u.Hue
		u = cur
	} else if err := sp.sess.AddUser(u); err != nil {
		return err
	}
	sp.resolve(msg, request.KindUserJoin, u)
	return nil
}

func (sp *SessionProxy) userLeft(msg *protocol.Message) error {
	id, err := msg.Uint32(protocol.AttrID)
	if err != nil {
		return err
	}
	u, ok := sp.sess.Users().Lookup(id)
	if !ok {
		return errs.New(errs.DomainUserLeave, errs.CodeNoSuchUser)
	}
	u.Status = session.UserUnavailable
	sp.resolve(msg, request.KindUserLeave, u)
	return nil
}

func (sp *SessionProxy) statusChanged(msg *protocol.Message) error {
	id, err := msg.Uint32(protocol.AttrID)
	if err != nil {
		return err
	}
	v, err := msg.Required(protocol.AttrStatus)
	if err != nil {
		return err
	}
	st, err := session.ParseUserStatus(v)
	if err != nil {
		return err
	}
	u, ok := sp.sess.Users().Lookup(id)
	if !ok {
		return errs.New(errs.DomainUserLeave, errs.CodeNoSuchUser)
	}
	u.Status = st
	return nil
}

func (sp *SessionProxy) failed(msg *protocol.Message) error {
	pe, err := protocol.ParseRequestFailed(msg)
	if err != nil {
		return err
	}
	seq, ok := msg.Seq()
	if !ok {
		return pe
	}
	r, ok := sp.b.tracker.Peek(seq)
	if !ok || r.Node() != sp.node {
		return pe
	}
	sp.b.tracker.Take(seq)
	r.Fail(pe)
	return nil
}
