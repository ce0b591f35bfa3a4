package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/browser"
	"github.com/and161185/gophnotes/internal/client"
	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/replay"
	"github.com/and161185/gophnotes/internal/request"
	"github.com/and161185/gophnotes/internal/retry"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/transport"
)

// remote is a browser on a server directory. Every browser access goes through the event
// loop of m.
type remote struct {
	log    *zap.Logger
	m      *transport.Manager
	conn   *transport.WSConn
	b      *client.Browser
	cancel context.CancelFunc
}

// wsURL turns the server base URL into the websocket endpoint.
func wsURL(server string) string {
	u := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func connect(ctx context.Context, log *zap.Logger, server, token string) (*remote, error) {
	m := transport.NewManager(log)
	loopCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(loopCtx) }()

	conn, err := client.Dial(ctx, log, m, wsURL(server), token, retry.DefaultConfig())
	if err != nil {
		cancel()
		return nil, err
	}
	r := &remote{log: log, m: m, conn: conn, cancel: cancel}
	var b *client.Browser
	if cerr := m.Call(ctx, func() { b, err = client.NewBrowser(log, m, conn) }); cerr != nil {
		err = cerr
	}
	if err != nil {
		r.close()
		return nil, err
	}
	r.b = b
	return r, nil
}

func (r *remote) close() {
	if r.b != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = r.m.Call(ctx, r.b.Close)
		cancel()
	}
	_ = r.conn.Close()
	r.cancel()
}

// on runs fn on the loop.
func (r *remote) on(ctx context.Context, fn func()) error { return r.m.Call(ctx, fn) }

// do issues a request on the loop and waits for it.
func (r *remote) do(ctx context.Context, fn func() *request.Request) (any, error) {
	var req *request.Request
	if err := r.m.Call(ctx, func() { req = fn() }); err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

func (r *remote) explore(ctx context.Context, it browser.Iter) error {
	_, err := r.do(ctx, func() *request.Request { return r.b.Explore(it) })
	return err
}

// resolve walks path from the root, exploring each directory on the way.
func (r *remote) resolve(ctx context.Context, path string) (browser.Iter, error) {
	it := r.b.Root()
	for _, name := range browser.SplitPath(path) {
		if err := r.explore(ctx, it); err != nil {
			return browser.Iter{}, err
		}
		var (
			next browser.Iter
			err  error
		)
		if cerr := r.on(ctx, func() { next, err = browser.Find(r.b, it, name) }); cerr != nil {
			return browser.Iter{}, cerr
		}
		if err != nil {
			return browser.Iter{}, fmt.Errorf("%s: %w", path, err)
		}
		it = next
	}
	return it, nil
}

// resolveParent resolves everything but the last element of path, which it returns.
func (r *remote) resolveParent(ctx context.Context, path string) (browser.Iter, string, error) {
	parts := browser.SplitPath(path)
	if len(parts) == 0 {
		return browser.Iter{}, "", fmt.Errorf("%q names the root: %w", path, errs.ErrValidation)
	}
	parent, err := r.resolve(ctx, strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return browser.Iter{}, "", err
	}
	if err := r.explore(ctx, parent); err != nil {
		return browser.Iter{}, "", err
	}
	return parent, parts[len(parts)-1], nil
}

type entry struct {
	Name string
	Type string
}

func (r *remote) list(ctx context.Context, path string) ([]entry, error) {
	dir, err := r.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := r.explore(ctx, dir); err != nil {
		return nil, err
	}
	var out []entry
	err = r.on(ctx, func() {
		it, cerr := r.b.Child(dir)
		for cerr == nil {
			var e entry
			e.Name, _ = r.b.NodeName(it)
			e.Type, _ = r.b.NodeType(it)
			out = append(out, e)
			it, cerr = r.b.Next(it)
		}
	})
	return out, err
}

// subscribe subscribes to the note at path and waits until its session is running.
func (r *remote) subscribe(ctx context.Context, path string) (*client.SessionProxy, error) {
	it, err := r.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	res, err := r.do(ctx, func() *request.Request { return r.b.Subscribe(it) })
	if err != nil {
		return nil, err
	}
	sp, ok := res.(*client.SessionProxy)
	if !ok {
		return nil, fmt.Errorf("subscribe %s: unexpected result %T", path, res)
	}
	return sp, r.waitRunning(ctx, sp)
}

func (r *remote) waitRunning(ctx context.Context, sp *client.SessionProxy) error {
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	var remove func()
	err := r.on(ctx, func() {
		switch sp.Session().Status() {
		case session.StatusRunning:
			finish(nil)
			return
		case session.StatusClosed:
			finish(errs.ErrSessionNotRunning)
			return
		}
		remove = sp.Session().AddListener(session.Listener{
			OnSyncComplete: func(session.SyncEvent) { finish(nil) },
			OnSyncFailed:   func(ev session.SyncEvent) { finish(fmt.Errorf("synchronization: %w", ev.Err)) },
			OnClose:        func() { finish(errs.ErrSessionNotRunning) },
		})
	})
	if err != nil {
		return err
	}
	defer func() {
		if remove != nil {
			_ = r.on(context.Background(), remove)
		}
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionTarget plays records into a subscribed session over the connection.
type sessionTarget struct {
	r  *remote
	sp *client.SessionProxy
}

var _ replay.Target = sessionTarget{}

func (t sessionTarget) Join(ctx context.Context, name string) (uint32, error) {
	res, err := t.r.do(ctx, func() *request.Request { return t.sp.JoinUser(session.Props{Name: name}) })
	if err != nil {
		return 0, err
	}
	u, ok := res.(*session.User)
	if !ok {
		return 0, fmt.Errorf("join %q: unexpected result %T", name, res)
	}
	return u.ID, nil
}

func (t sessionTarget) Leave(ctx context.Context, id uint32) error {
	_, err := t.r.do(ctx, func() *request.Request { return t.sp.LeaveUser(id) })
	return err
}

func (t sessionTarget) Apply(ctx context.Context, msg *protocol.Message) error {
	var err error
	if cerr := t.r.on(ctx, func() { err = t.sp.Session().Broadcast(msg) }); cerr != nil {
		return cerr
	}
	return err
}
