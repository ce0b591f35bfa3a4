// Package client implements the cached view of a remote directory and the client side of
// note sessions.
package client

import (
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/browser"
	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/model"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/request"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/transport"
)

// speculativeBase is the first id handed to nodes the server has not confirmed yet.
const speculativeBase = model.MaxNodeID + 1

// pendingAdd remembers what a speculative node needs once the server answers.
type pendingAdd struct {
	node      *browser.Node
	session   *session.Session
	subscribe bool
}

// Browser mirrors the directory of one server connection. All methods must run on the
// event loop of its manager.
type Browser struct {
	log     *zap.Logger
	m       *transport.Manager
	conn    transport.Connection
	group   *transport.Group
	unwatch func()

	state     browser.Status
	tracker   *request.Tracker
	tree      *browser.Tree
	status    map[uint32]browser.NodeStatus
	adds      map[uint64]*pendingAdd
	nextLocal uint32
	sessions  map[uint32]*SessionProxy
	listeners browser.Listeners
}

var (
	_ browser.Browser   = (*Browser)(nil)
	_ transport.Handler = (*Browser)(nil)
)

// NewBrowser joins the directory group behind conn.
func NewBrowser(log *zap.Logger, m *transport.Manager, conn transport.Connection) (*Browser, error) {
	b := &Browser{
		log:       log.Named("browser"),
		m:         m,
		conn:      conn,
		state:     browser.StatusOpening,
		tracker:   request.NewTracker(),
		tree:      browser.NewTree(),
		status:    map[uint32]browser.NodeStatus{},
		adds:      map[uint64]*pendingAdd{},
		nextLocal: speculativeBase,
		sessions:  map[uint32]*SessionProxy{},
	}
	g, err := m.JoinGroup(protocol.DirectoryGroup, conn, b)
	if err != nil {
		return nil, fmt.Errorf("join directory: %w", err)
	}
	b.group = g
	b.unwatch = m.Watch(conn, b.connectionStatus)
	b.connectionStatus(conn.Status())
	return b, nil
}

func (b *Browser) connectionStatus(st transport.Status) {
	switch {
	case st == transport.StatusOpen && b.state == browser.StatusOpening:
		b.state = browser.StatusOpen
		b.log.Debug("browser open")
	case st.Gone():
		b.Close()
	}
}

// Status returns the connection state of the browser.
func (b *Browser) Status() browser.Status { return b.state }

// Close fails every pending request, drops all sessions and leaves the directory group.
func (b *Browser) Close() {
	if b.state == browser.StatusClosed {
		return
	}
	b.state = browser.StatusClosed
	b.unwatch()
	for _, seq := range slices.Sorted(maps.Keys(b.adds)) {
		n := b.adds[seq].node
		if cur, ok := b.tree.Lookup(n.ID); ok && cur == n {
			b.dropNode(n)
		}
	}
	b.adds = map[uint64]*pendingAdd{}
	for _, id := range slices.Sorted(maps.Keys(b.sessions)) {
		b.sessions[id].drop()
	}
	b.tracker.FailAll(errs.ErrDisposed)
	b.group.Unref()
	b.log.Debug("browser closed")
}

func (b *Browser) Root() browser.Iter                           { return b.tree.Root() }
func (b *Browser) Next(it browser.Iter) (browser.Iter, error)   { return b.tree.Next(it) }
func (b *Browser) Prev(it browser.Iter) (browser.Iter, error)   { return b.tree.Prev(it) }
func (b *Browser) Parent(it browser.Iter) (browser.Iter, error) { return b.tree.Parent(it) }
func (b *Browser) Child(it browser.Iter) (browser.Iter, error)  { return b.tree.Child(it) }
func (b *Browser) NodeName(it browser.Iter) (string, error)     { return b.tree.NodeName(it) }
func (b *Browser) NodeType(it browser.Iter) (string, error)     { return b.tree.NodeType(it) }
func (b *Browser) IsSubdirectory(it browser.Iter) (bool, error) { return b.tree.IsSubdirectory(it) }
func (b *Browser) IsExplored(it browser.Iter) bool              { return b.tree.IsExplored(it) }

func (b *Browser) AddListener(l browser.Listener) (remove func()) { return b.listeners.Add(l) }

// NodeStatus returns the synchronization state of a node, resolving inherited states.
func (b *Browser) NodeStatus(it browser.Iter) (browser.NodeStatus, error) {
	n, err := b.tree.Node(it)
	if err != nil {
		return 0, err
	}
	for ; n != nil; n = n.Parent {
		if st := b.status[n.ID]; st != browser.NodeInherit {
			return st, nil
		}
	}
	return browser.NodeSynced, nil
}

// markSubtree sets st on n and lets its descendants inherit it. Descendants with a pending
// state of their own keep it.
func (b *Browser) markSubtree(n *browser.Node, st browser.NodeStatus) {
	browser.Walk(n, func(x *browser.Node) {
		cur, ok := b.status[x.ID]
		switch {
		case x == n && st == browser.NodeSynced:
			delete(b.status, x.ID)
		case x == n:
			b.status[x.ID] = st
		case st == browser.NodeSynced && cur == browser.NodeInherit:
			delete(b.status, x.ID)
		case st != browser.NodeSynced && !ok:
			b.status[x.ID] = browser.NodeInherit
		}
	})
}

func (b *Browser) usable() error {
	if b.state != browser.StatusOpen {
		return fmt.Errorf("browser is %s: %w", b.state, errs.ErrConnectionClosed)
	}
	return nil
}

// begin registers a request and announces it before msg goes out.
func (b *Browser) begin(kind request.Kind, it browser.Iter, msg *protocol.Message) *request.Request {
	r, err := b.tracker.Begin(kind, it.ID)
	if err != nil {
		return request.Failed(kind, it.ID, err)
	}
	b.listeners.BeginRequest(it, r)
	b.group.SendTo(b.conn, msg.SetUint(protocol.AttrSeq, r.Seq()))
	return r
}

// Explore asks the server for the children of a subdirectory. While a request is pending
// the same one is returned.
func (b *Browser) Explore(it browser.Iter) *request.Request {
	n, err := b.tree.Node(it)
	if err != nil {
		return request.Failed(request.KindExplore, it.ID, err)
	}
	if !n.IsSubdirectory() {
		return request.Failed(request.KindExplore, it.ID,
			errs.Newf(errs.DomainDirectory, errs.CodeNotSubdirectory, "Node %d is not a subdirectory", n.ID))
	}
	if n.Explored {
		return request.Succeeded(request.KindExplore, it.ID, nil)
	}
	if r := b.tracker.Find(it.ID, request.KindExplore); r != nil {
		return r
	}
	if err := b.usable(); err != nil {
		return request.Failed(request.KindExplore, it.ID, err)
	}
	return b.begin(request.KindExplore, it,
		protocol.NewMessage(protocol.ExploreRequest).SetUint(protocol.AttrID, uint64(n.ID)))
}

// AddSubdirectory creates a subdirectory; the node shows up right away as locally added.
func (b *Browser) AddSubdirectory(parent browser.Iter, name string) *request.Request {
	return b.add(parent, name, protocol.SubdirectoryType, browser.NoteOptions{})
}

// AddNote creates a note. With opts.Session the note is filled from that session; with
// opts.Subscribe the browser subscribes to the new note.
func (b *Browser) AddNote(parent browser.Iter, name, typ string, opts browser.NoteOptions) *request.Request {
	if typ == protocol.SubdirectoryType {
		return request.Failed(request.KindAddNode, parent.ID,
			errs.Newf(errs.DomainDirectory, errs.CodeNotNote, "A subdirectory is not a note"))
	}
	if s := opts.Session; s != nil {
		if s.Status() != session.StatusRunning {
			return request.Failed(request.KindAddNode, parent.ID, errs.ErrSessionNotRunning)
		}
		if s.Type() != typ {
			return request.Failed(request.KindAddNode, parent.ID,
				fmt.Errorf("session of type %q for note of type %q: %w", s.Type(), typ, errs.ErrValidation))
		}
	}
	return b.add(parent, name, typ, opts)
}

func (b *Browser) add(parent browser.Iter, name, typ string, opts browser.NoteOptions) *request.Request {
	fail := func(err error) *request.Request { return request.Failed(request.KindAddNode, parent.ID, err) }

	p, err := b.tree.Node(parent)
	if err != nil {
		return fail(err)
	}
	switch {
	case !p.IsSubdirectory():
		return fail(errs.Newf(errs.DomainDirectory, errs.CodeNotSubdirectory, "Node %d is not a subdirectory", p.ID))
	case !p.Explored:
		return fail(errs.Newf(errs.DomainDirectory, errs.CodeNotExplored, "Node %d has not been explored", p.ID))
	case b.status[p.ID] == browser.NodeLocallyAdded:
		return fail(fmt.Errorf("parent %d is not confirmed yet: %w", p.ID, errs.ErrRequestPending))
	case !browser.ValidName(name):
		return fail(errs.Newf(errs.DomainDirectory, errs.CodeInvalidName, "Name %q is invalid", name))
	}
	if _, ok := b.tree.ChildByName(p, name); ok {
		return fail(errs.Newf(errs.DomainDirectory, errs.CodeNodeExists, "Name %q already exists", name))
	}
	if err := b.usable(); err != nil {
		return fail(err)
	}

	n, err := b.tree.Insert(p, b.nextLocal, name, typ)
	if err != nil {
		return fail(err)
	}
	b.nextLocal++
	n.Explored = n.IsSubdirectory()
	b.status[n.ID] = browser.NodeLocallyAdded
	b.listeners.NodeAdded(browser.Iter{ID: n.ID})

	msg := protocol.NewMessage(protocol.AddNode).
		SetUint(protocol.AttrParent, uint64(p.ID)).
		Set(protocol.AttrName, name).
		Set(protocol.AttrType, typ)
	if opts.Subscribe {
		msg.SetBool(protocol.AttrSubscribe, true)
	}
	if opts.Session != nil {
		msg.SetBool(protocol.AttrSyncIn, true)
	}
	r := b.begin(request.KindAddNode, browser.Iter{ID: n.ID}, msg)
	if !r.Pending() {
		b.dropNode(n)
		return r
	}
	b.adds[r.Seq()] = &pendingAdd{node: n, session: opts.Session, subscribe: opts.Subscribe}
	return r
}

// RemoveNode asks the server to delete a node. The node stays visible as locally deleted
// until the server confirms.
func (b *Browser) RemoveNode(it browser.Iter) *request.Request {
	n, err := b.tree.Node(it)
	if err != nil {
		return request.Failed(request.KindRemove, it.ID, err)
	}
	if n.Parent == nil {
		return request.Failed(request.KindRemove, it.ID, errs.New(errs.DomainDirectory, errs.CodeRootNodeRemove))
	}
	if r := b.tracker.Find(it.ID, request.KindRemove); r != nil {
		return r
	}
	if st, _ := b.NodeStatus(it); st != browser.NodeSynced {
		return request.Failed(request.KindRemove, it.ID, fmt.Errorf("node %d is %s: %w", it.ID, st, errs.ErrRequestPending))
	}
	if err := b.usable(); err != nil {
		return request.Failed(request.KindRemove, it.ID, err)
	}
	r := b.begin(request.KindRemove, it, protocol.NewMessage(protocol.RemoveNode).SetUint(protocol.AttrID, uint64(n.ID)))
	if r.Pending() {
		b.markSubtree(n, browser.NodeLocallyDeleted)
	}
	return r
}

// Subscribe subscribes to the session of a note. The request resolves with the
// SessionProxy once the server accepted; the session then synchronizes.
func (b *Browser) Subscribe(it browser.Iter) *request.Request {
	n, err := b.tree.Node(it)
	if err != nil {
		return request.Failed(request.KindSubscribe, it.ID, err)
	}
	if n.IsSubdirectory() {
		return request.Failed(request.KindSubscribe, it.ID, errs.Newf(errs.DomainDirectory, errs.CodeNotNote, "Node %d is not a note", n.ID))
	}
	if _, ok := b.sessions[n.ID]; ok {
		return request.Failed(request.KindSubscribe, it.ID, errs.ErrAlreadySubscribed)
	}
	if r := b.tracker.Find(it.ID, request.KindSubscribe); r != nil {
		return r
	}
	if st, _ := b.NodeStatus(it); st != browser.NodeSynced {
		return request.Failed(request.KindSubscribe, it.ID, fmt.Errorf("node %d is %s: %w", it.ID, st, errs.ErrRequestPending))
	}
	if err := b.usable(); err != nil {
		return request.Failed(request.KindSubscribe, it.ID, err)
	}
	return b.begin(request.KindSubscribe, it,
		protocol.NewMessage(protocol.SubscribeSession).SetUint(protocol.AttrID, uint64(n.ID)))
}

// Session returns the proxy of a subscribed note.
func (b *Browser) Session(it browser.Iter) (browser.SessionProxy, bool) {
	sp, ok := b.sessions[it.ID]
	if !ok {
		return nil, false
	}
	return sp, true
}

// PendingRequests lists the unresolved requests on a node; an empty kind matches all.
func (b *Browser) PendingRequests(it browser.Iter, kind request.Kind) []*request.Request {
	return b.tracker.List(it.ID, kind)
}

// IterFromRequest returns the node of a request. A confirmed add request points at the
// node under its server id.
func (b *Browser) IterFromRequest(r *request.Request) (browser.Iter, error) {
	if it, ok := r.Result().(browser.Iter); ok {
		return it, nil
	}
	it := browser.Iter{ID: r.Node()}
	if _, err := b.tree.Node(it); err != nil {
		return browser.Iter{}, err
	}
	return it, nil
}

// dropNode forgets n and its subtree, closing the sessions inside.
func (b *Browser) dropNode(n *browser.Node) {
	for _, x := range b.tree.Remove(n) {
		delete(b.status, x.ID)
		if sp, ok := b.sessions[x.ID]; ok {
			sp.drop()
		}
	}
	b.listeners.NodeRemoved(browser.Iter{ID: n.ID})
}
