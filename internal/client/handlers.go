package client

import (
	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/browser"
	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/request"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/transport"
)

func (b *Browser) Enqueued(transport.Connection, *protocol.Message) {}
func (b *Browser) Sent(transport.Connection, *protocol.Message)     {}

// Received applies a directory message from the server.
func (b *Browser) Received(_ transport.Connection, msg *protocol.Message) bool {
	var err error
	switch msg.Name() {
	case protocol.ExploreResponse:
		err = b.handleExplored(msg)
	case protocol.AddNode:
		err = b.handleAddNode(msg)
	case protocol.RemoveNode:
		err = b.handleRemoveNode(msg)
	case protocol.SubscribeSession:
		err = b.handleSubscribed(msg)
	case protocol.RequestFailedName:
		err = b.handleFailed(msg)
	default:
		err = errs.Newf(errs.DomainRequest, errs.CodeUnexpectedMessage, "Unexpected message '%s'", msg.Name())
	}
	if err != nil {
		b.log.Warn("directory message rejected", zap.String("message", msg.Name()), zap.Error(err))
		b.listeners.Error(err)
	}
	return false
}

// take removes the request a reply answers.
func (b *Browser) take(msg *protocol.Message, kind request.Kind) (*request.Request, bool, error) {
	seq, ok := msg.Seq()
	if !ok {
		return nil, false, nil
	}
	r, ok := b.tracker.Peek(seq)
	if !ok || r.Kind() != kind {
		return nil, false, errs.Newf(errs.DomainRequest, errs.CodeInvalidAttribute,
			"'%s' answers no pending %s request (seq %d)", msg.Name(), kind, seq)
	}
	b.tracker.Take(seq)
	return r, true, nil
}

func (b *Browser) handleExplored(msg *protocol.Message) error {
	r, ok, err := b.take(msg, request.KindExplore)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.DomainRequest, errs.CodeNoSuchAttribute, "'%s' without seq", msg.Name())
	}
	id, err := msg.Uint32(protocol.AttrID)
	if err != nil {
		r.Fail(err)
		return err
	}
	n, err := b.tree.Node(browser.Iter{ID: id})
	if err != nil {
		r.Fail(err)
		return nil
	}

	for _, c := range msg.Children {
		if c.Name() != protocol.NodeElement {
			continue
		}
		cid, err := c.Uint32(protocol.AttrID)
		if err != nil {
			r.Fail(err)
			return err
		}
		if _, exists := b.tree.Lookup(cid); exists {
			continue
		}
		name, _ := c.Attr(protocol.AttrName)
		typ, _ := c.Attr(protocol.AttrType)
		if _, err := b.tree.Insert(n, cid, name, typ); err != nil {
			r.Fail(err)
			return err
		}
		b.listeners.NodeAdded(browser.Iter{ID: cid})
	}
	n.Explored = true
	r.Succeed(nil)
	return nil
}

func (b *Browser) handleAddNode(msg *protocol.Message) error {
	id, err := msg.Uint32(protocol.AttrID)
	if err != nil {
		return err
	}
	r, ok, err := b.take(msg, request.KindAddNode)
	if err != nil {
		return err
	}
	if !ok {
		return b.nodeAnnounced(msg, id)
	}

	seq, _ := msg.Seq()
	pa := b.adds[seq]
	delete(b.adds, seq)
	if pa == nil {
		r.Fail(errs.ErrDisposed)
		return nil
	}
	n := pa.node
	if err := b.tree.Rekey(n, id); err != nil {
		b.dropNode(n)
		r.Fail(err)
		return err
	}
	delete(b.status, r.Node())
	r.Retarget(id)

	if in := msg.Child(protocol.SyncInChild); in != nil && pa.session != nil {
		if err := b.syncIn(n, pa, in); err != nil {
			b.log.Warn("push initial content", zap.Uint32("id", id), zap.Error(err))
			b.listeners.Error(err)
		}
	} else if sub := msg.Child(protocol.SubscribeChild); sub != nil {
		if _, err := b.openSession(n, sub); err != nil {
			b.log.Warn("subscribe to new note", zap.Uint32("id", id), zap.Error(err))
			b.listeners.Error(err)
		}
	}
	r.Succeed(browser.Iter{ID: id})
	return nil
}

// nodeAnnounced inserts a node another connection created.
func (b *Browser) nodeAnnounced(msg *protocol.Message, id uint32) error {
	parent, err := msg.Uint32(protocol.AttrParent)
	if err != nil {
		return err
	}
	p, ok := b.tree.Lookup(parent)
	if !ok || !p.Explored {
		return nil
	}
	if _, exists := b.tree.Lookup(id); exists {
		return nil
	}
	name, err := msg.Required(protocol.AttrName)
	if err != nil {
		return err
	}
	typ, err := msg.Required(protocol.AttrType)
	if err != nil {
		return err
	}
	if _, err := b.tree.Insert(p, id, name, typ); err != nil {
		return err
	}
	b.listeners.NodeAdded(browser.Iter{ID: id})
	return nil
}

func (b *Browser) handleRemoveNode(msg *protocol.Message) error {
	id, err := msg.Uint32(protocol.AttrID)
	if err != nil {
		return err
	}
	r, _, err := b.take(msg, request.KindRemove)
	if err != nil {
		return err
	}
	if n, ok := b.tree.Lookup(id); ok {
		b.dropNode(n)
	}
	if r != nil {
		r.Succeed(nil)
	}
	return nil
}

func (b *Browser) handleSubscribed(msg *protocol.Message) error {
	r, ok, err := b.take(msg, request.KindSubscribe)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.DomainRequest, errs.CodeNoSuchAttribute, "'%s' without seq", msg.Name())
	}
	n, err := b.tree.Node(browser.Iter{ID: r.Node()})
	if err != nil {
		r.Fail(err)
		return nil
	}
	sp, err := b.openSession(n, msg)
	if err != nil {
		r.Fail(err)
		return err
	}
	r.Succeed(browser.SessionProxy(sp))
	return nil
}

func (b *Browser) handleFailed(msg *protocol.Message) error {
	pe, err := protocol.ParseRequestFailed(msg)
	if err != nil {
		return err
	}
	seq, ok := msg.Seq()
	if !ok {
		return pe
	}
	r, ok := b.tracker.Take(seq)
	if !ok {
		return errs.Newf(errs.DomainRequest, errs.CodeInvalidAttribute, "request-failed for unknown seq %d", seq)
	}

	switch r.Kind() {
	case request.KindAddNode:
		if pa := b.adds[seq]; pa != nil {
			delete(b.adds, seq)
			b.dropNode(pa.node)
		}
	case request.KindRemove:
		if n, ok := b.tree.Lookup(r.Node()); ok {
			b.markSubtree(n, browser.NodeSynced)
		}
	}
	r.Fail(pe)
	return nil
}

// openSession joins the session group named by the group attribute of msg and starts
// receiving the synchronization.
func (b *Browser) openSession(n *browser.Node, msg *protocol.Message) (*SessionProxy, error) {
	name, err := msg.Required(protocol.AttrGroup)
	if err != nil {
		return nil, err
	}
	content, ok := session.NewContent(n.Type)
	if !ok {
		return nil, errs.Newf(errs.DomainDirectory, errs.CodeTypeUnknown, "Note type %q is not supported", n.Type)
	}
	g, err := b.m.JoinGroup(name, b.conn, nil)
	if err != nil {
		return nil, err
	}
	log := b.log.Named("session").With(zap.Uint32("node", n.ID))
	sp := newSessionProxy(log, b, n.ID, session.NewSynchronizing(log, n.Type, content, g, b.conn), g)
	b.sessions[n.ID] = sp
	b.listeners.SubscribeSession(browser.Iter{ID: n.ID}, sp)
	return sp, nil
}

// syncIn pushes the initial session of a new note. Subscribed notes keep the session
// as their proxy; otherwise the group goes away once the synchronization ends.
func (b *Browser) syncIn(n *browser.Node, pa *pendingAdd, in *protocol.Message) error {
	name, err := in.Required(protocol.AttrGroup)
	if err != nil {
		return err
	}
	g, err := b.m.JoinGroup(name, b.conn, nil)
	if err != nil {
		return err
	}
	if pa.subscribe {
		sp := newSessionProxy(b.log.Named("session").With(zap.Uint32("node", n.ID)), b, n.ID, pa.session, g)
		b.sessions[n.ID] = sp
		b.listeners.SubscribeSession(browser.Iter{ID: n.ID}, sp)
		if err := pa.session.SynchronizeTo(g, b.conn); err != nil {
			sp.drop()
			return err
		}
		return nil
	}
	g.SetHandler(pa.session)
	err = pa.session.SynchronizeTo(g, b.conn)
	g.Unref()
	return err
}
