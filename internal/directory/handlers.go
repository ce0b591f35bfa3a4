package directory

import (
	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/browser"
	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/metrics"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/proxy"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/transport"
)

// Received dispatches a directory request from a client.
func (d *Directory) Received(conn transport.Connection, msg *protocol.Message) bool {
	metrics.RecordMessage(protocol.DirectoryGroup)

	var err error
	switch msg.Name() {
	case protocol.ExploreRequest:
		err = d.handleExplore(conn, msg)
	case protocol.AddNode:
		err = d.handleAddNode(conn, msg)
	case protocol.RemoveNode:
		err = d.handleRemoveNode(conn, msg)
	case protocol.SubscribeSession:
		err = d.handleSubscribe(conn, msg)
	default:
		err = errs.Newf(errs.DomainRequest, errs.CodeUnexpectedMessage, "Unexpected message '%s'", msg.Name())
	}
	if err != nil {
		d.replyFailed(conn, msg, err)
	}
	return false
}

func (d *Directory) Enqueued(transport.Connection, *protocol.Message) {}
func (d *Directory) Sent(transport.Connection, *protocol.Message)     {}

func (d *Directory) replyFailed(conn transport.Connection, msg *protocol.Message, err error) {
	pe := errs.ToProtocol(err)
	seq, hasSeq := msg.Seq()
	d.group.SendTo(conn, protocol.RequestFailed(pe, seq, hasSeq))
	metrics.RecordRequestFailed(string(pe.Domain))
	d.log.Debug("request failed",
		zap.String("message", msg.Name()),
		zap.Stringer("conn", conn.ID()),
		zap.Error(err),
	)
}

// withSeq copies the sequence token of req onto reply.
func withSeq(reply, req *protocol.Message) *protocol.Message {
	if v, ok := req.Attr(protocol.AttrSeq); ok {
		reply.Set(protocol.AttrSeq, v)
	}
	return reply
}

func (d *Directory) nodeOf(msg *protocol.Message, attr string) (*browser.Node, error) {
	id, err := msg.Uint32(attr)
	if err != nil {
		return nil, err
	}
	return d.tree.Node(browser.Iter{ID: id})
}

func (d *Directory) handleExplore(conn transport.Connection, msg *protocol.Message) error {
	n, err := d.nodeOf(msg, protocol.AttrID)
	if err != nil {
		return err
	}
	if !n.IsSubdirectory() {
		return notSubdirectory(n.ID)
	}
	if d.isExplorer(n.ID, conn) {
		return errs.Newf(errs.DomainDirectory, errs.CodeAlreadyExplored, "Node %d has already been explored", n.ID)
	}
	if err := d.explore(n); err != nil {
		return err
	}

	reply := withSeq(protocol.NewMessage(protocol.ExploreResponse).SetUint(protocol.AttrID, uint64(n.ID)), msg)
	for _, c := range n.Children {
		reply.Add(protocol.NewMessage(protocol.NodeElement).
			SetUint(protocol.AttrID, uint64(c.ID)).
			Set(protocol.AttrName, c.Name).
			Set(protocol.AttrType, c.Type))
	}
	d.explorers[n.ID] = append(d.explorers[n.ID], conn)
	d.group.SendTo(conn, reply)
	return nil
}

func (d *Directory) handleAddNode(conn transport.Connection, msg *protocol.Message) error {
	parent, err := d.nodeOf(msg, protocol.AttrParent)
	if err != nil {
		return err
	}
	name, err := msg.Required(protocol.AttrName)
	if err != nil {
		return err
	}
	typ, err := msg.Required(protocol.AttrType)
	if err != nil {
		return err
	}
	subscribe, err := msg.Bool(protocol.AttrSubscribe)
	if err != nil {
		return err
	}
	syncIn, err := msg.Bool(protocol.AttrSyncIn)
	if err != nil {
		return err
	}

	if !parent.IsSubdirectory() {
		return notSubdirectory(parent.ID)
	}
	if !d.isExplorer(parent.ID, conn) {
		return errs.Newf(errs.DomainDirectory, errs.CodeNotExplored, "Node %d has not been explored", parent.ID)
	}
	if typ == protocol.SubdirectoryType && (subscribe || syncIn) {
		return errs.Newf(errs.DomainDirectory, errs.CodeNotNote, "A subdirectory has no session")
	}

	n, err := d.createNode(parent, name, typ)
	if err != nil {
		return err
	}

	var (
		child *protocol.Message
		p     *proxy.Proxy
	)
	switch {
	case syncIn:
		p, err = d.openSyncIn(n, conn, subscribe)
		child = protocol.NewMessage(protocol.SyncInChild)
	case subscribe:
		p, err = d.openSession(n)
		child = protocol.NewMessage(protocol.SubscribeChild)
	}
	if err != nil {
		if rerr := d.removeNode(n); rerr != nil {
			d.log.Warn("roll back node", zap.Uint32("id", n.ID), zap.Error(rerr))
		}
		return err
	}

	announce := nodeMessage(protocol.AddNode, n)
	d.broadcast(parent.ID, conn, announce)

	reply := withSeq(announce.Clone(), msg)
	if child != nil {
		reply.Add(child.Set(protocol.AttrGroup, p.Group().Name()))
	}
	d.group.SendTo(conn, reply)

	// the reply has to reach the client before the session group does
	if subscribe && !syncIn {
		if err := p.SubscribeTo(conn); err != nil {
			d.log.Warn("subscribe to new note", zap.Uint32("id", n.ID), zap.Error(err))
		}
	}
	return nil
}

func (d *Directory) handleRemoveNode(conn transport.Connection, msg *protocol.Message) error {
	n, err := d.nodeOf(msg, protocol.AttrID)
	if err != nil {
		return err
	}
	if n.Parent == nil {
		return errs.New(errs.DomainDirectory, errs.CodeRootNodeRemove)
	}
	parent := n.Parent.ID
	if err := d.removeNode(n); err != nil {
		return err
	}
	announce := protocol.NewMessage(protocol.RemoveNode).SetUint(protocol.AttrID, uint64(n.ID))
	d.broadcast(parent, conn, announce)
	d.group.SendTo(conn, withSeq(announce.Clone(), msg))
	return nil
}

func (d *Directory) handleSubscribe(conn transport.Connection, msg *protocol.Message) error {
	n, err := d.nodeOf(msg, protocol.AttrID)
	if err != nil {
		return err
	}
	if n.IsSubdirectory() {
		return notNote(n.ID)
	}
	p, err := d.openSession(n)
	if err != nil {
		return err
	}
	if p.Subscribed(conn) {
		return errs.Newf(errs.DomainDirectory, errs.CodeAlreadySubscribed, "Already subscribed to node %d", n.ID)
	}
	if p.Session().Status() != session.StatusRunning {
		return errs.New(errs.DomainDirectory, errs.CodeSessionNotRunning)
	}

	d.group.SendTo(conn, withSeq(protocol.NewMessage(protocol.SubscribeSession).
		SetUint(protocol.AttrID, uint64(n.ID)).
		Set(protocol.AttrGroup, p.Group().Name()), msg))
	if err := p.SubscribeTo(conn); err != nil {
		d.log.Warn("subscribe", zap.Uint32("id", n.ID), zap.Stringer("conn", conn.ID()), zap.Error(err))
	}
	return nil
}
