package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
)

type recorder struct {
	received []string
	enqueued int
	sent     int
	forward  func(*protocol.Message) bool
}

func (r *recorder) Received(_ Connection, msg *protocol.Message) bool {
	r.received = append(r.received, msg.Name())
	return r.forward != nil && r.forward(msg)
}

func (r *recorder) Enqueued(Connection, *protocol.Message) { r.enqueued++ }
func (r *recorder) Sent(Connection, *protocol.Message)     { r.sent++ }

func forwardAll(*protocol.Message) bool { return true }

// star is a publisher with two joined peers.
type star struct {
	srv, a, b        *Manager
	srvA, srvB       Connection
	aConn, bConn     Connection
	pub, ga, gb      *Group
	recS, recA, recB *recorder
}

func newStar(t *testing.T) *star {
	t.Helper()
	log := zaptest.NewLogger(t)
	s := &star{
		srv: NewManager(log), a: NewManager(log), b: NewManager(log),
		recS: &recorder{forward: forwardAll}, recA: &recorder{}, recB: &recorder{},
	}
	var err error
	s.pub, err = s.srv.OpenGroup("g", MethodCentral, s.recS)
	require.NoError(t, err)
	s.srvA, s.aConn = Pipe(s.srv, s.a)
	s.srvB, s.bConn = Pipe(s.srv, s.b)
	s.pub.RefConnection(s.srvA)
	s.pub.RefConnection(s.srvB)
	s.ga, err = s.a.JoinGroup("g", s.aConn, s.recA)
	require.NoError(t, err)
	s.gb, err = s.b.JoinGroup("g", s.bConn, s.recB)
	require.NoError(t, err)
	return s
}

func (s *star) settle() { Settle(s.srv, s.a, s.b) }

func TestGroup_RelaysGroupScopedFrames(t *testing.T) {
	t.Parallel()
	s := newStar(t)

	s.ga.SendToGroup(nil, protocol.NewMessage("set-content"))
	s.settle()
	require.Equal(t, []string{"set-content"}, s.recS.received)
	require.Equal(t, []string{"set-content"}, s.recB.received)
	require.Empty(t, s.recA.received, "the sender does not get its own message back")
	require.Equal(t, 1, s.recA.enqueued)
	require.Equal(t, 1, s.recA.sent)

	s.ga.SendTo(s.aConn, protocol.NewMessage("join-user"))
	s.settle()
	require.Equal(t, []string{"set-content", "join-user"}, s.recS.received)
	require.Len(t, s.recB.received, 1, "point to point frames are not relayed")
}

func TestGroup_RelaysOnlyWhatTheHandlerAccepts(t *testing.T) {
	t.Parallel()
	s := newStar(t)
	s.recS.forward = func(msg *protocol.Message) bool { return msg.Name() == "set-content" }

	s.ga.SendToGroup(nil, protocol.NewMessage("user-join"), protocol.NewMessage("set-content"), protocol.NewMessage("session-close"))
	s.settle()
	require.Equal(t, []string{"user-join", "set-content", "session-close"}, s.recS.received)
	require.Equal(t, []string{"set-content"}, s.recB.received)

	s.recS.forward = nil
	s.ga.SendToGroup(nil, protocol.NewMessage("set-content"))
	s.settle()
	require.Len(t, s.recB.received, 1)
}

func TestGroup_SendToGroupSkipsExcept(t *testing.T) {
	t.Parallel()
	s := newStar(t)

	s.pub.SendToGroup(s.srvA, protocol.NewMessage("user-join"))
	s.settle()
	require.Empty(t, s.recA.received)
	require.Equal(t, []string{"user-join"}, s.recB.received)
}

func TestDeliver_DropsNonMembers(t *testing.T) {
	t.Parallel()
	s := newStar(t)

	s.pub.UnrefConnection(s.srvB)
	require.False(t, s.pub.HasMember(s.srvB))
	s.gb.SendTo(s.bConn, protocol.NewMessage("join-user"))
	s.settle()
	require.Empty(t, s.recS.received)
}

func TestGroup_RefCounting(t *testing.T) {
	t.Parallel()
	m := NewManager(zaptest.NewLogger(t))
	g, err := m.OpenGroup("g", MethodCentral, &recorder{})
	require.NoError(t, err)

	_, err = m.OpenGroup("g", MethodCentral, &recorder{})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	_, err = m.OpenGroup("h", Method("gossip"), &recorder{})
	require.Error(t, err)

	g.Ref()
	g.Unref()
	_, ok := m.Lookup("g")
	require.True(t, ok)
	g.Unref()
	_, ok = m.Lookup("g")
	require.False(t, ok)
	require.True(t, g.Closed())
	g.Unref()

	_, err = m.OpenGroup("g", MethodCentral, &recorder{})
	require.NoError(t, err, "the name is free again")
}

func TestWatch_ClosedConnectionLeavesGroups(t *testing.T) {
	t.Parallel()
	s := newStar(t)

	var seen []Status
	cancel := s.srv.Watch(s.srvA, func(st Status) { seen = append(seen, st) })
	var other int
	cancelOther := s.srv.Watch(s.srvA, func(Status) { other++ })
	cancelOther()
	cancelOther()

	require.NoError(t, s.aConn.Close())
	s.settle()
	require.Equal(t, []Status{StatusClosing, StatusClosed}, seen)
	require.Zero(t, other)
	require.False(t, s.pub.HasMember(s.srvA))
	require.True(t, s.pub.HasMember(s.srvB))
	cancel()

	require.ErrorIs(t, s.srvA.Send(&protocol.Frame{Group: "g"}), errs.ErrConnectionClosed)
	s.pub.SendTo(s.srvA, protocol.NewMessage("x"))
	require.Zero(t, s.recS.enqueued)
}

func TestProcess_RecoversFromPanics(t *testing.T) {
	t.Parallel()
	m := NewManager(zaptest.NewLogger(t))
	ran := false
	m.Post(func() { panic("boom") })
	m.Post(func() { ran = true })
	require.Equal(t, 2, m.Process())
	require.True(t, ran)
}

func TestCall(t *testing.T) {
	t.Parallel()
	m := NewManager(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped, stop := context.WithCancel(context.Background())
	stop()
	require.ErrorIs(t, m.Call(stopped, func() {}), context.Canceled, "nothing runs the loop")

	go func() { _ = m.Run(ctx) }()
	v := 0
	require.NoError(t, m.Call(ctx, func() { v = 42 }))
	require.Equal(t, 42, v)
}

func TestWebsocket_AcceptRegistersBeforeFirstFrame(t *testing.T) {
	t.Parallel()
	log := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := NewManager(log)
	got := make(chan string, 4)
	pub, err := srv.OpenGroup("g", MethodCentral, handlerFunc(func(_ Connection, msg *protocol.Message) {
		got <- msg.Name()
	}))
	require.NoError(t, err)
	go func() { _ = srv.Run(ctx) }()

	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		Accept(srv, ws, DefaultSettings(), func(c Connection) { pub.RefConnection(c) })
	}))
	defer hs.Close()

	cli := NewManager(log)
	go func() { _ = cli.Run(ctx) }()
	conn, err := Dial(ctx, cli, "ws"+strings.TrimPrefix(hs.URL, "http"), nil, DefaultSettings())
	require.NoError(t, err)
	defer conn.Close()

	var g *Group
	require.NoError(t, cli.Call(ctx, func() { g, err = cli.JoinGroup("g", conn, handlerFunc(nil)) }))
	require.NoError(t, err)
	require.NoError(t, cli.Call(ctx, func() { g.SendTo(conn, protocol.NewMessage("hello")) }))

	select {
	case name := <-got:
		require.Equal(t, "hello", name)
	case <-ctx.Done():
		t.Fatal("frame never delivered")
	}
}

func TestDial_Unauthorized(t *testing.T) {
	t.Parallel()
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer hs.Close()

	_, err := Dial(context.Background(), NewManager(zap.NewNop()), "ws"+strings.TrimPrefix(hs.URL, "http"), nil, DefaultSettings())
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

type handlerFunc func(Connection, *protocol.Message)

func (f handlerFunc) Received(c Connection, msg *protocol.Message) bool {
	if f != nil {
		f(c, msg)
	}
	return false
}
func (handlerFunc) Enqueued(Connection, *protocol.Message) {}
func (handlerFunc) Sent(Connection, *protocol.Message)     {}
