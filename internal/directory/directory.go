// Package directory hosts the authoritative note directory: the persisted node tree, the
// connections exploring it and the sessions of its notes.
package directory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/browser"
	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/metrics"
	"github.com/and161185/gophnotes/internal/model"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/proxy"
	"github.com/and161185/gophnotes/internal/repository"
	"github.com/and161185/gophnotes/internal/request"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/storage"
	"github.com/and161185/gophnotes/internal/transport"
)

const (
	notesIdentifier  = "notes"
	defaultOpTimeout = 5 * time.Second
)

func notePath(id uint32) string { return strconv.FormatUint(uint64(id), 10) + ".xml" }

// note is the server side of a note whose session is open.
type note struct {
	proxy          *proxy.Proxy
	removeListener func()
}

// Directory is the authoritative browser.Browser. Everything except SaveAll and Autosave must
// run on the event loop of its manager.
type Directory struct {
	log       *zap.Logger
	m         *transport.Manager
	repo      repository.NodeRepository
	store     storage.Storage
	group     *transport.Group
	opTimeout time.Duration

	tree      *browser.Tree
	notes     map[uint32]*note
	explorers map[uint32][]transport.Connection
	conns     map[uuid.UUID]func()
	listeners browser.Listeners
	closed    bool
}

var (
	_ browser.Browser   = (*Directory)(nil)
	_ transport.Handler = (*Directory)(nil)
)

// New publishes the directory group on m. Call it before m runs or from the loop.
func New(log *zap.Logger, m *transport.Manager, repo repository.NodeRepository, store storage.Storage) (*Directory, error) {
	d := &Directory{
		log:       log.Named("directory"),
		m:         m,
		repo:      repo,
		store:     store,
		opTimeout: defaultOpTimeout,
		tree:      browser.NewTree(),
		notes:     map[uint32]*note{},
		explorers: map[uint32][]transport.Connection{},
		conns:     map[uuid.UUID]func(){},
	}
	g, err := m.OpenGroup(protocol.DirectoryGroup, transport.MethodCentral, d)
	if err != nil {
		return nil, fmt.Errorf("open directory group: %w", err)
	}
	d.group = g
	return d, nil
}

func (d *Directory) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.opTimeout)
}

// AddConnection admits conn to the directory group. It is dropped again when it closes.
func (d *Directory) AddConnection(conn transport.Connection) {
	if _, ok := d.conns[conn.ID()]; ok {
		return
	}
	d.group.RefConnection(conn)
	d.conns[conn.ID()] = d.m.Watch(conn, func(st transport.Status) {
		if st.Gone() {
			d.RemoveConnection(conn)
		}
	})
	metrics.ConnectionOpened()
	d.log.Debug("connection added", zap.Stringer("conn", conn.ID()), zap.String("remote", conn.RemoteAddr()))
}

// RemoveConnection forgets conn. Its session subscriptions are released by the proxies.
func (d *Directory) RemoveConnection(conn transport.Connection) {
	unwatch, ok := d.conns[conn.ID()]
	if !ok {
		return
	}
	delete(d.conns, conn.ID())
	unwatch()
	for id := range d.explorers {
		d.dropExplorer(id, conn)
	}
	d.group.UnrefConnection(conn)
	metrics.ConnectionClosed()
	d.log.Debug("connection removed", zap.Stringer("conn", conn.ID()))
}

func (d *Directory) isExplorer(id uint32, conn transport.Connection) bool {
	for _, c := range d.explorers[id] {
		if c.ID() == conn.ID() {
			return true
		}
	}
	return false
}

func (d *Directory) dropExplorer(id uint32, conn transport.Connection) {
	list := d.explorers[id]
	for i, c := range list {
		if c.ID() == conn.ID() {
			d.explorers[id] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(d.explorers[id]) == 0 {
		delete(d.explorers, id)
	}
}

// broadcast sends msg to every connection that explored parent, except one.
func (d *Directory) broadcast(parent uint32, except transport.Connection, msg *protocol.Message) {
	for _, c := range d.explorers[parent] {
		if except != nil && c.ID() == except.ID() {
			continue
		}
		d.group.SendTo(c, msg)
	}
}

func notSubdirectory(id uint32) error {
	return errs.Newf(errs.DomainDirectory, errs.CodeNotSubdirectory, "Node %d is not a subdirectory", id)
}

func notNote(id uint32) error {
	return errs.Newf(errs.DomainDirectory, errs.CodeNotNote, "Node %d is not a note", id)
}

// explore loads the children of n from the repository once.
func (d *Directory) explore(n *browser.Node) error {
	if !n.IsSubdirectory() {
		return notSubdirectory(n.ID)
	}
	if n.Explored {
		return nil
	}
	ctx, cancel := d.opContext()
	defer cancel()
	children, err := d.repo.Children(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("explore %d: %w", n.ID, err)
	}
	for _, c := range children {
		if _, err := d.tree.Insert(n, c.ID, c.Name, c.Type); err != nil {
			return fmt.Errorf("explore %d: %w", n.ID, err)
		}
	}
	n.Explored = true
	d.log.Debug("explored", zap.Uint32("id", n.ID), zap.Int("children", len(children)))
	return nil
}

func validType(typ string) bool {
	if typ == protocol.SubdirectoryType {
		return true
	}
	_, ok := session.NewContent(typ)
	return ok
}

// createNode persists and inserts a new child of parent.
func (d *Directory) createNode(parent *browser.Node, name, typ string) (*browser.Node, error) {
	if !parent.IsSubdirectory() {
		return nil, notSubdirectory(parent.ID)
	}
	if err := d.explore(parent); err != nil {
		return nil, err
	}
	if !browser.ValidName(name) {
		return nil, errs.Newf(errs.DomainDirectory, errs.CodeInvalidName, "Name %q is invalid", name)
	}
	if !validType(typ) {
		return nil, errs.Newf(errs.DomainDirectory, errs.CodeTypeUnknown, "Note type %q is not supported", typ)
	}
	if _, ok := d.tree.ChildByName(parent, name); ok {
		return nil, errs.Newf(errs.DomainDirectory, errs.CodeNodeExists, "Name %q already exists", name)
	}

	ctx, cancel := d.opContext()
	defer cancel()
	mn := &model.Node{ParentID: parent.ID, Name: name, Type: typ}
	if err := d.repo.Create(ctx, mn); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return nil, errs.Newf(errs.DomainDirectory, errs.CodeNodeExists, "Name %q already exists", name)
		}
		return nil, fmt.Errorf("create node %q: %w", name, err)
	}
	n, err := d.tree.Insert(parent, mn.ID, name, typ)
	if err != nil {
		return nil, err
	}
	if n.IsSubdirectory() {
		n.Explored = true
	}
	d.log.Debug("node added", zap.Uint32("id", n.ID), zap.Uint32("parent", parent.ID), zap.String("type", typ))
	d.listeners.NodeAdded(browser.Iter{ID: n.ID})
	return n, nil
}

// collectNotes returns the note ids below n, including those of subtrees never loaded.
func (d *Directory) collectNotes(ctx context.Context, n *browser.Node) ([]uint32, error) {
	if !n.IsSubdirectory() {
		return []uint32{n.ID}, nil
	}
	var out []uint32
	if n.Explored {
		for _, c := range n.Children {
			ids, err := d.collectNotes(ctx, c)
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
		}
		return out, nil
	}
	stack := []uint32{n.ID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := d.repo.Children(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.Type == protocol.SubdirectoryType {
				stack = append(stack, c.ID)
			} else {
				out = append(out, c.ID)
			}
		}
	}
	return out, nil
}

// removeNode deletes n with its subtree: sessions are closed, stored content removed.
func (d *Directory) removeNode(n *browser.Node) error {
	if n.Parent == nil {
		return errs.New(errs.DomainDirectory, errs.CodeRootNodeRemove)
	}
	ctx, cancel := d.opContext()
	defer cancel()

	noteIDs, err := d.collectNotes(ctx, n)
	if err != nil {
		return fmt.Errorf("remove node %d: %w", n.ID, err)
	}
	if err := d.repo.Delete(ctx, n.ID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("remove node %d: %w", n.ID, err)
	}

	for _, x := range d.tree.Remove(n) {
		delete(d.explorers, x.ID)
		if nt, ok := d.notes[x.ID]; ok {
			nt.proxy.Close()
		}
	}
	for _, id := range noteIDs {
		if err := d.store.Remove(ctx, notesIdentifier, notePath(id)); err != nil {
			d.log.Warn("remove note content", zap.Uint32("id", id), zap.Error(err))
			d.listeners.Error(err)
		}
	}
	d.log.Debug("node removed", zap.Uint32("id", n.ID), zap.Int("notes", len(noteIDs)))
	d.listeners.NodeRemoved(browser.Iter{ID: n.ID})
	return nil
}

// loadSession restores the stored session of n; a note without stored content starts empty.
func (d *Directory) loadSession(n *browser.Node) (*session.Session, error) {
	ctx, cancel := d.opContext()
	defer cancel()
	log := d.log.Named("session").With(zap.Uint32("node", n.ID))

	doc, err := d.store.ReadStructured(ctx, notesIdentifier, notePath(n.ID))
	if errors.Is(err, errs.ErrNotFound) {
		content, ok := session.NewContent(n.Type)
		if !ok {
			return nil, errs.Newf(errs.DomainDirectory, errs.CodeTypeUnknown, "Note type %q is not supported", n.Type)
		}
		return session.New(log, n.Type, content), nil
	}
	if err != nil {
		return nil, err
	}
	sess, err := session.FromDocument(log, doc)
	if err != nil {
		return nil, err
	}
	if sess.Type() != n.Type {
		return nil, storage.NewError(errs.CodeInvalidFormat, "read", notePath(n.ID),
			fmt.Errorf("stored type %q does not match node type %q", sess.Type(), n.Type))
	}
	return sess, nil
}

// openSession returns the proxy of note n, loading its session on first use.
func (d *Directory) openSession(n *browser.Node) (*proxy.Proxy, error) {
	if nt, ok := d.notes[n.ID]; ok {
		return nt.proxy, nil
	}
	if n.IsSubdirectory() {
		return nil, notNote(n.ID)
	}
	sess, err := d.loadSession(n)
	if err != nil {
		return nil, err
	}
	return d.host(n, func(*transport.Group) *session.Session { return sess }, proxy.Options{})
}

// host opens the session group of n and installs a proxy for the session mk returns.
func (d *Directory) host(n *browser.Node, mk func(*transport.Group) *session.Session, opts proxy.Options) (*proxy.Proxy, error) {
	group, err := d.m.OpenGroup(protocol.SessionGroup(n.ID), transport.MethodCentral, nil)
	if err != nil {
		return nil, fmt.Errorf("open session group: %w", err)
	}
	sess := mk(group)
	p := proxy.New(d.log.Named("proxy"), sess, group, opts)

	id := n.ID
	nt := &note{proxy: p}
	nt.removeListener = sess.AddListener(session.Listener{
		OnSyncFailed: func(ev session.SyncEvent) {
			if ev.Incoming {
				d.m.Post(func() { d.dropFailedSyncIn(id) })
			}
		},
		OnClose: func() { d.detach(id, nt) },
	})
	d.notes[id] = nt
	d.listeners.SubscribeSession(browser.Iter{ID: id}, p)
	return p, nil
}

// openSyncIn creates the session of a new note that conn fills by synchronizing into it.
func (d *Directory) openSyncIn(n *browser.Node, conn transport.Connection, subscribe bool) (*proxy.Proxy, error) {
	content, ok := session.NewContent(n.Type)
	if !ok {
		return nil, errs.Newf(errs.DomainDirectory, errs.CodeTypeUnknown, "Note type %q is not supported", n.Type)
	}
	log := d.log.Named("session").With(zap.Uint32("node", n.ID))
	return d.host(n, func(g *transport.Group) *session.Session {
		return session.NewSynchronizing(log, n.Type, content, g, conn)
	}, proxy.Options{SubscribeSyncConn: subscribe})
}

func (d *Directory) detach(id uint32, nt *note) {
	if cur, ok := d.notes[id]; !ok || cur != nt {
		return
	}
	delete(d.notes, id)
	nt.removeListener()
	d.listeners.UnsubscribeSession(browser.Iter{ID: id}, nt.proxy)
}

// dropFailedSyncIn removes a note whose initial content never arrived.
func (d *Directory) dropFailedSyncIn(id uint32) {
	n, ok := d.tree.Lookup(id)
	if !ok || n.Parent == nil {
		return
	}
	parent := n.Parent.ID
	if err := d.removeNode(n); err != nil {
		d.log.Warn("remove note after failed synchronization", zap.Uint32("id", id), zap.Error(err))
		d.listeners.Error(err)
		return
	}
	d.broadcast(parent, nil, protocol.NewMessage(protocol.RemoveNode).SetUint(protocol.AttrID, uint64(id)))
}

func nodeMessage(name string, n *browser.Node) *protocol.Message {
	return protocol.NewMessage(name).
		SetUint(protocol.AttrID, uint64(n.ID)).
		SetUint(protocol.AttrParent, uint64(n.Parent.ID)).
		Set(protocol.AttrName, n.Name).
		Set(protocol.AttrType, n.Type)
}

// Close closes every open session and withdraws the directory group.
func (d *Directory) Close() {
	if d.closed {
		return
	}
	d.closed = true
	for _, id := range slices.Sorted(maps.Keys(d.notes)) {
		if nt, ok := d.notes[id]; ok {
			nt.proxy.Close()
		}
	}
	d.group.Unref()
}

// SessionInfo describes one open note session.
type SessionInfo struct {
	ID             uint32
	Path           string
	Type           string
	Status         string
	Subscriptions  int
	UsersAvailable int
	LocalUsers     int
}

// Sessions lists the open sessions ordered by node id.
func (d *Directory) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, len(d.notes))
	for _, id := range slices.Sorted(maps.Keys(d.notes)) {
		p := d.notes[id].proxy
		sess := p.Session()
		path, err := browser.Path(d, browser.Iter{ID: id})
		if err != nil {
			continue
		}
		available := 0
		for _, u := range sess.Users().Users() {
			if u.Status == session.UserAvailable {
				available++
			}
		}
		out = append(out, SessionInfo{
			ID:             id,
			Path:           path,
			Type:           sess.Type(),
			Status:         sess.Status().String(),
			Subscriptions:  p.Subscriptions(),
			UsersAvailable: available,
			LocalUsers:     len(p.LocalUsers()),
		})
	}
	return out
}

// Ready reports whether the root directory could be loaded.
func (d *Directory) Ready() bool {
	root, _ := d.tree.Lookup(browser.RootID)
	return !d.closed && root.Explored
}

// Probe loads the root if it is not loaded yet and reports Ready. A repository that was
// unreachable is retried on the next call.
func (d *Directory) Probe() bool {
	if !d.closed && !d.tree.IsExplored(d.tree.Root()) {
		if err := d.Explore(d.tree.Root()).Err(); err != nil {
			d.log.Warn("load root", zap.Error(err))
		}
	}
	return d.Ready()
}

// local runs fn as a request that resolves before it is returned.
func (d *Directory) local(kind request.Kind, it browser.Iter, fn func() (any, error)) *request.Request {
	r := request.New(kind, 0, it.ID)
	d.listeners.BeginRequest(it, r)
	res, err := fn()
	if err != nil {
		r.Fail(err)
		return r
	}
	r.Succeed(res)
	return r
}
