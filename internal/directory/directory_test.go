package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/gophnotes/internal/browser"
	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/model"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/proxy"
	"github.com/and161185/gophnotes/internal/repository/memory"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/storage"
	"github.com/and161185/gophnotes/internal/storage/fs"
	"github.com/and161185/gophnotes/internal/transport"
)

type recorder struct {
	msgs  []*protocol.Message
	onMsg func(*protocol.Message)
}

func (r *recorder) Received(_ transport.Connection, msg *protocol.Message) bool {
	r.msgs = append(r.msgs, msg)
	if r.onMsg != nil {
		r.onMsg(msg)
	}
	return false
}

func (r *recorder) Enqueued(transport.Connection, *protocol.Message) {}
func (r *recorder) Sent(transport.Connection, *protocol.Message)     {}

func (r *recorder) last(t *testing.T) *protocol.Message {
	t.Helper()
	require.NotEmpty(t, r.msgs)
	return r.msgs[len(r.msgs)-1]
}

type client struct {
	m       *transport.Manager
	conn    transport.Connection
	srvConn transport.Connection
	dir     *transport.Group
	rec     *recorder
}

func (c *client) send(msgs ...*protocol.Message) { c.dir.SendTo(c.conn, msgs...) }

type fixture struct {
	t       *testing.T
	srv     *transport.Manager
	repo    *memory.NodeRepo
	store   storage.Storage
	dir     *Directory
	clients []*client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := fs.New(t.TempDir(), log)
	require.NoError(t, err)
	f := &fixture{t: t, srv: transport.NewManager(log), repo: memory.NewNodeRepo(), store: store}
	f.dir, err = New(log, f.srv, f.repo, store)
	require.NoError(t, err)
	return f
}

func (f *fixture) connect() *client {
	f.t.Helper()
	cm := transport.NewManager(zaptest.NewLogger(f.t))
	sc, cc := transport.Pipe(f.srv, cm)
	rec := &recorder{}
	g, err := cm.JoinGroup(protocol.DirectoryGroup, cc, rec)
	require.NoError(f.t, err)
	f.dir.AddConnection(sc)
	c := &client{m: cm, conn: cc, srvConn: sc, dir: g, rec: rec}
	f.clients = append(f.clients, c)
	return c
}

func (f *fixture) settle() {
	ms := []*transport.Manager{f.srv}
	for _, c := range f.clients {
		ms = append(ms, c.m)
	}
	transport.Settle(ms...)
}

func (f *fixture) seed(parent uint32, name, typ string) uint32 {
	f.t.Helper()
	n := &model.Node{ParentID: parent, Name: name, Type: typ}
	require.NoError(f.t, f.repo.Create(context.Background(), n))
	return n.ID
}

// explored connects a client that explored the root.
func (f *fixture) explored() *client {
	f.t.Helper()
	c := f.connect()
	c.send(explore(browser.RootID, 100))
	f.settle()
	require.Equal(f.t, protocol.ExploreResponse, c.rec.last(f.t).Name())
	c.rec.msgs = nil
	return c
}

func explore(id uint32, seq uint64) *protocol.Message {
	return protocol.NewMessage(protocol.ExploreRequest).
		SetUint(protocol.AttrID, uint64(id)).
		SetUint(protocol.AttrSeq, seq)
}

func addNode(parent uint32, name, typ string, seq uint64) *protocol.Message {
	return protocol.NewMessage(protocol.AddNode).
		SetUint(protocol.AttrParent, uint64(parent)).
		Set(protocol.AttrName, name).
		Set(protocol.AttrType, typ).
		SetUint(protocol.AttrSeq, seq)
}

func attr(t *testing.T, msg *protocol.Message, name string) string {
	t.Helper()
	v, ok := msg.Attr(name)
	require.True(t, ok, "attribute %s missing on %s", name, msg.Name())
	return v
}

func requireFailed(t *testing.T, msg *protocol.Message, code errs.Code, seq uint64) {
	t.Helper()
	require.Equal(t, protocol.RequestFailedName, msg.Name())
	pe, err := protocol.ParseRequestFailed(msg)
	require.NoError(t, err)
	require.ErrorIs(t, pe, errs.New(errs.DomainDirectory, code))
	got, ok := msg.Seq()
	require.True(t, ok)
	require.Equal(t, seq, got)
}

func TestExplore_ListsStoredChildren(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	docs := f.seed(browser.RootID, "docs", protocol.SubdirectoryType)
	f.seed(browser.RootID, "todo", session.TextType)
	f.seed(docs, "deep", session.TextType)
	c := f.connect()

	c.send(explore(browser.RootID, 1))
	f.settle()

	resp := c.rec.last(t)
	require.Equal(t, protocol.ExploreResponse, resp.Name())
	require.Equal(t, "1", attr(t, resp, protocol.AttrSeq))
	require.Len(t, resp.Children, 2)
	require.Equal(t, "docs", attr(t, resp.Children[0], protocol.AttrName))
	require.Equal(t, protocol.SubdirectoryType, attr(t, resp.Children[0], protocol.AttrType))
	require.Equal(t, "todo", attr(t, resp.Children[1], protocol.AttrName))
	require.True(t, f.dir.IsExplored(f.dir.Root()))
	require.False(t, f.dir.IsExplored(browser.Iter{ID: docs}))

	c.send(explore(browser.RootID, 2))
	f.settle()
	requireFailed(t, c.rec.last(t), errs.CodeAlreadyExplored, 2)

	todo, err := browser.Find(f.dir, f.dir.Root(), "todo")
	require.NoError(t, err)
	c.send(explore(todo.ID, 3))
	f.settle()
	requireFailed(t, c.rec.last(t), errs.CodeNotSubdirectory, 3)

	c.send(explore(999, 4))
	f.settle()
	requireFailed(t, c.rec.last(t), errs.CodeNoSuchNode, 4)
}

func TestAddNode_AnnouncesToOtherExplorers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.explored()
	b := f.explored()
	idle := f.connect()

	a.send(addNode(browser.RootID, "projects", protocol.SubdirectoryType, 7))
	f.settle()

	reply := a.rec.last(t)
	require.Equal(t, protocol.AddNode, reply.Name())
	require.Equal(t, "7", attr(t, reply, protocol.AttrSeq))
	require.Equal(t, "projects", attr(t, reply, protocol.AttrName))
	id := attr(t, reply, protocol.AttrID)

	require.Len(t, b.rec.msgs, 1)
	require.Equal(t, id, attr(t, b.rec.msgs[0], protocol.AttrID))
	require.False(t, b.rec.msgs[0].Has(protocol.AttrSeq))
	require.Empty(t, idle.rec.msgs)

	children, err := f.repo.Children(context.Background(), browser.RootID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "projects", children[0].Name)
}

func TestAddNode_Rejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.explored()
	stranger := f.connect()

	c.send(addNode(browser.RootID, "a", session.TextType, 1))
	f.settle()
	require.Equal(t, protocol.AddNode, c.rec.last(t).Name())

	cases := []struct {
		name string
		from *client
		msg  *protocol.Message
		code errs.Code
	}{
		{"duplicate name", c, addNode(browser.RootID, "a", session.TextType, 2), errs.CodeNodeExists},
		{"unknown type", c, addNode(browser.RootID, "b", "spreadsheet", 3), errs.CodeTypeUnknown},
		{"bad name", c, addNode(browser.RootID, "x/y", session.TextType, 4), errs.CodeInvalidName},
		{"missing parent", c, addNode(999, "b", session.TextType, 5), errs.CodeNoSuchNode},
		{"not explored", stranger, addNode(browser.RootID, "b", session.TextType, 6), errs.CodeNotExplored},
		{"subdirectory with session", c, addNode(browser.RootID, "b", protocol.SubdirectoryType, 7).
			SetBool(protocol.AttrSubscribe, true), errs.CodeNotNote},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.from.send(tc.msg)
			f.settle()
			seq, _ := tc.msg.Seq()
			requireFailed(t, tc.from.rec.last(t), tc.code, seq)
		})
	}

	children, err := f.repo.Children(context.Background(), browser.RootID)
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestAddNode_SubscribeThenJoin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.explored()

	// joins the session group as soon as the reply names it, like a real client
	sessRec := &recorder{}
	c.rec.onMsg = func(msg *protocol.Message) {
		if sub := msg.Child(protocol.SubscribeChild); sub != nil {
			_, err := c.m.JoinGroup(attr(t, sub, protocol.AttrGroup), c.conn, sessRec)
			require.NoError(t, err)
		}
	}

	c.send(addNode(browser.RootID, "doc1", session.TextType, 1).SetBool(protocol.AttrSubscribe, true))
	f.settle()

	reply := c.rec.last(t)
	require.Equal(t, protocol.AddNode, reply.Name())
	sub := reply.Child(protocol.SubscribeChild)
	require.NotNil(t, sub)
	group := attr(t, sub, protocol.AttrGroup)
	require.Equal(t, protocol.SessionGroup(1), group)

	require.Len(t, sessRec.msgs, 3)
	require.Equal(t, protocol.SyncBegin, sessRec.msgs[0].Name())
	require.Equal(t, protocol.SyncEnd, sessRec.msgs[2].Name())

	sg, ok := c.m.Lookup(group)
	require.True(t, ok)
	sg.SendTo(c.conn, protocol.NewMessage(protocol.SyncAck))
	sg.SendTo(c.conn, protocol.NewMessage(protocol.JoinUser).
		Set(protocol.AttrName, "bob").
		SetUint(protocol.AttrSeq, 2))
	f.settle()

	joined := sessRec.msgs[len(sessRec.msgs)-1]
	require.Equal(t, protocol.UserJoin, joined.Name())
	require.Equal(t, "1", attr(t, joined, protocol.AttrID))
	require.Equal(t, "bob", attr(t, joined, protocol.AttrName))

	sp, ok := f.dir.Session(browser.Iter{ID: 1})
	require.True(t, ok)
	p := sp.(*proxy.Proxy)
	require.True(t, p.Subscribed(c.srvConn))
	require.Equal(t, 1, p.Session().Users().Len())
}

func TestSubscribeSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	note := f.seed(browser.RootID, "todo", session.TextType)
	dir := f.seed(browser.RootID, "docs", protocol.SubdirectoryType)
	c := f.explored()

	sessRec := &recorder{}
	c.rec.onMsg = func(msg *protocol.Message) {
		if msg.Name() == protocol.SubscribeSession {
			_, err := c.m.JoinGroup(attr(t, msg, protocol.AttrGroup), c.conn, sessRec)
			require.NoError(t, err)
		}
	}

	subscribe := func(id uint32, seq uint64) {
		c.send(protocol.NewMessage(protocol.SubscribeSession).
			SetUint(protocol.AttrID, uint64(id)).
			SetUint(protocol.AttrSeq, seq))
		f.settle()
	}

	subscribe(note, 1)
	reply := c.rec.last(t)
	require.Equal(t, protocol.SubscribeSession, reply.Name())
	require.Equal(t, "1", attr(t, reply, protocol.AttrSeq))
	require.Equal(t, protocol.SessionGroup(note), attr(t, reply, protocol.AttrGroup))
	require.Len(t, sessRec.msgs, 3)
	require.Equal(t, "", sessRec.msgs[1].Text)

	subscribe(note, 2)
	requireFailed(t, c.rec.last(t), errs.CodeAlreadySubscribed, 2)

	subscribe(dir, 3)
	requireFailed(t, c.rec.last(t), errs.CodeNotNote, 3)
}

func TestSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	docs := f.seed(browser.RootID, "docs", protocol.SubdirectoryType)
	note := f.seed(docs, "plan", session.TextType)
	c := f.explored()
	require.Empty(t, f.dir.Sessions())

	c.send(explore(docs, 1))
	f.settle()
	c.rec.onMsg = func(msg *protocol.Message) {
		if msg.Name() == protocol.SubscribeSession {
			_, err := c.m.JoinGroup(attr(t, msg, protocol.AttrGroup), c.conn, &recorder{})
			require.NoError(t, err)
		}
	}
	c.send(protocol.NewMessage(protocol.SubscribeSession).SetUint(protocol.AttrID, uint64(note)).SetUint(protocol.AttrSeq, 2))
	f.settle()

	_, err := f.dir.notes[note].proxy.AddUser(nil, session.Props{Name: "server"})
	require.NoError(t, err)
	require.Equal(t, []SessionInfo{{
		ID:             note,
		Path:           "/docs/plan",
		Type:           session.TextType,
		Status:         "running",
		Subscriptions:  1,
		UsersAvailable: 1,
		LocalUsers:     1,
	}}, f.dir.Sessions())
}

func TestAddNode_SyncIn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.explored()
	local := session.New(zaptest.NewLogger(t), session.TextType, session.NewText("draft"))

	c.rec.onMsg = func(msg *protocol.Message) {
		in := msg.Child(protocol.SyncInChild)
		if in == nil {
			return
		}
		g, err := c.m.JoinGroup(attr(t, in, protocol.AttrGroup), c.conn, local)
		require.NoError(t, err)
		require.NoError(t, local.SynchronizeTo(g, c.conn))
	}

	c.send(addNode(browser.RootID, "pushed", session.TextType, 1).
		SetBool(protocol.AttrSyncIn, true).
		SetBool(protocol.AttrSubscribe, true))
	f.settle()

	require.NotNil(t, c.rec.last(t).Child(protocol.SyncInChild))
	sp, ok := f.dir.Session(browser.Iter{ID: 1})
	require.True(t, ok)
	p := sp.(*proxy.Proxy)
	require.Equal(t, session.StatusRunning, p.Session().Status())
	require.Equal(t, "draft", p.Session().Content().(*session.Text).String())
	require.True(t, p.Subscribed(c.srvConn))
}

func TestAddNode_FailedSyncInRemovesNode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.explored()
	other := f.explored()

	var sg *transport.Group
	c.rec.onMsg = func(msg *protocol.Message) {
		if in := msg.Child(protocol.SyncInChild); in != nil {
			var err error
			sg, err = c.m.JoinGroup(attr(t, in, protocol.AttrGroup), c.conn, &recorder{})
			require.NoError(t, err)
		}
	}

	c.send(addNode(browser.RootID, "broken", session.TextType, 1).SetBool(protocol.AttrSyncIn, true))
	f.settle()
	require.NotNil(t, sg)
	require.Equal(t, protocol.AddNode, other.rec.last(t).Name())

	sg.SendTo(c.conn,
		protocol.NewMessage(protocol.SyncBegin).SetUint(protocol.AttrNumMessages, 2),
		protocol.NewMessage(protocol.SyncEnd))
	f.settle()

	_, err := f.dir.tree.Node(browser.Iter{ID: 1})
	require.ErrorIs(t, err, errs.ErrNoSuchNode)
	_, err = f.repo.Get(context.Background(), 1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, ok := f.dir.Session(browser.Iter{ID: 1})
	require.False(t, ok)

	gone := other.rec.last(t)
	require.Equal(t, protocol.RemoveNode, gone.Name())
	require.Equal(t, "1", attr(t, gone, protocol.AttrID))
}

func TestRemoveNode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	docs := f.seed(browser.RootID, "docs", protocol.SubdirectoryType)
	note := f.seed(docs, "old", session.TextType)
	doc := session.New(zaptest.NewLogger(t), session.TextType, session.NewText("stale")).Document()
	require.NoError(t, f.store.WriteStructured(context.Background(), notesIdentifier, notePath(note), doc))

	a := f.explored()
	b := f.explored()

	remove := func(id uint32, seq uint64) {
		a.send(protocol.NewMessage(protocol.RemoveNode).
			SetUint(protocol.AttrID, uint64(id)).
			SetUint(protocol.AttrSeq, seq))
		f.settle()
	}

	remove(browser.RootID, 1)
	requireFailed(t, a.rec.last(t), errs.CodeRootNodeRemove, 1)

	// docs was never explored, its note is found through the repository
	remove(docs, 2)
	reply := a.rec.last(t)
	require.Equal(t, protocol.RemoveNode, reply.Name())
	require.Equal(t, "2", attr(t, reply, protocol.AttrSeq))
	require.Equal(t, protocol.RemoveNode, b.rec.last(t).Name())
	require.False(t, b.rec.last(t).Has(protocol.AttrSeq))

	_, err := f.store.ReadStructured(context.Background(), notesIdentifier, notePath(note))
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.repo.Get(context.Background(), note)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRemoveNode_ClosesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	note := f.seed(browser.RootID, "todo", session.TextType)
	c := f.explored()

	sessRec := &recorder{}
	c.rec.onMsg = func(msg *protocol.Message) {
		if msg.Name() == protocol.SubscribeSession {
			_, err := c.m.JoinGroup(attr(t, msg, protocol.AttrGroup), c.conn, sessRec)
			require.NoError(t, err)
		}
	}
	c.send(protocol.NewMessage(protocol.SubscribeSession).SetUint(protocol.AttrID, uint64(note)).SetUint(protocol.AttrSeq, 1))
	f.settle()
	sg, _ := c.m.Lookup(protocol.SessionGroup(note))
	sg.SendTo(c.conn, protocol.NewMessage(protocol.SyncAck))
	f.settle()

	var unsubscribed []browser.Iter
	f.dir.AddListener(browser.Listener{
		UnsubscribeSession: func(it browser.Iter, _ browser.SessionProxy) { unsubscribed = append(unsubscribed, it) },
	})
	r := f.dir.RemoveNode(browser.Iter{ID: note})
	require.NoError(t, r.Err())
	f.settle()

	require.Equal(t, []browser.Iter{{ID: note}}, unsubscribed)
	require.Equal(t, protocol.SessionClose, sessRec.msgs[len(sessRec.msgs)-1].Name())
	_, ok := f.srv.Lookup(protocol.SessionGroup(note))
	require.False(t, ok)
}

func TestClosedConnectionStopsReceivingAnnouncements(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.explored()
	b := f.explored()

	require.NoError(t, b.conn.Close())
	f.settle()
	require.Len(t, f.dir.explorers[browser.RootID], 1)

	a.send(addNode(browser.RootID, "n", session.TextType, 1))
	f.settle()
	require.Empty(t, b.rec.msgs)
	require.Equal(t, protocol.AddNode, a.rec.last(t).Name())
}

func TestLocalOperations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.explored()

	var added, removed []browser.Iter
	f.dir.AddListener(browser.Listener{
		NodeAdded:   func(it browser.Iter) { added = append(added, it) },
		NodeRemoved: func(it browser.Iter) { removed = append(removed, it) },
	})

	r := f.dir.AddSubdirectory(f.dir.Root(), "local")
	require.NoError(t, r.Err())
	it, err := f.dir.IterFromRequest(r)
	require.NoError(t, err)
	name, err := f.dir.NodeName(it)
	require.NoError(t, err)
	require.Equal(t, "local", name)

	initial := session.New(zaptest.NewLogger(t), session.TextType, session.NewText("seeded"))
	r = f.dir.AddNote(it, "n", session.TextType, browser.NoteOptions{Session: initial})
	require.NoError(t, r.Err())
	noteIt, err := f.dir.IterFromRequest(r)
	require.NoError(t, err)
	sp, ok := f.dir.Session(noteIt)
	require.True(t, ok)
	require.Same(t, initial, sp.Session())

	r = f.dir.AddNote(it, "n", session.TextType, browser.NoteOptions{})
	require.ErrorIs(t, r.Err(), errs.ErrAlreadyExists)

	f.settle()
	require.Equal(t, protocol.AddNode, c.rec.last(t).Name())
	require.False(t, c.rec.last(t).Has(protocol.AttrSeq))

	require.NoError(t, f.dir.RemoveNode(it).Err())
	require.ErrorIs(t, f.dir.RemoveNode(f.dir.Root()).Err(), errs.New(errs.DomainDirectory, errs.CodeRootNodeRemove))
	f.settle()

	require.Equal(t, []browser.Iter{it, noteIt}, added)
	require.Equal(t, []browser.Iter{it}, removed)
	require.Equal(t, protocol.RemoveNode, c.rec.last(t).Name())
	_, ok = f.dir.Session(noteIt)
	require.False(t, ok)
}

func TestSaveAllAndReload(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t)
	store, err := fs.New(t.TempDir(), log)
	require.NoError(t, err)
	repo := memory.NewNodeRepo()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := transport.NewManager(log)
	d, err := New(log, m, repo, store)
	require.NoError(t, err)
	go func() { _ = m.Run(ctx) }()

	var (
		noteIt  browser.Iter
		callErr error
	)
	require.NoError(t, m.Call(ctx, func() {
		r := d.AddNote(d.Root(), "kept", session.TextType, browser.NoteOptions{Subscribe: true})
		if callErr = r.Err(); callErr != nil {
			return
		}
		noteIt = r.Result().(browser.Iter)
		sp, _ := d.Session(noteIt)
		text := sp.Session().Content().(*session.Text)
		callErr = sp.Session().Broadcast(text.SetMessage(0, "persist me"))
	}))
	require.NoError(t, callErr)
	require.NoError(t, d.SaveAll(ctx))

	m2 := transport.NewManager(log)
	d2, err := New(log, m2, repo, store)
	require.NoError(t, err)
	require.NoError(t, d2.Explore(d2.Root()).Err())
	r := d2.Subscribe(noteIt)
	require.NoError(t, r.Err())
	sp := r.Result().(browser.SessionProxy)
	require.Equal(t, "persist me", sp.Session().Content().(*session.Text).String())
	require.True(t, d2.Ready())
}
