package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
)

// Settings tunes websocket connections.
type Settings struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	SendQueue    int
	MaxFrameSize int64
}

// DefaultSettings returns the settings used by both binaries.
func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		SendQueue:    256,
		MaxFrameSize: 4 << 20,
	}
}

// WSConn is a Connection over a websocket. One frame is one text message.
type WSConn struct {
	id       uuid.UUID
	ws       *websocket.Conn
	m        *Manager
	log      *zap.Logger
	settings Settings
	status   atomic.Int32
	out      chan *protocol.Frame
	done     chan struct{}
	once     sync.Once
}

// NewWSConn wraps an established websocket and starts its read and write loops.
func NewWSConn(m *Manager, ws *websocket.Conn, settings Settings) *WSConn {
	return Accept(m, ws, settings, nil)
}

// Accept is NewWSConn with a hook that runs on the event loop before the first frame of
// the connection is dispatched, so the connection can join its groups in time.
func Accept(m *Manager, ws *websocket.Conn, settings Settings, register func(Connection)) *WSConn {
	c := &WSConn{
		id:       newConnID(),
		ws:       ws,
		m:        m,
		settings: settings,
		out:      make(chan *protocol.Frame, settings.SendQueue),
		done:     make(chan struct{}),
	}
	c.log = m.log.Named("ws").With(zap.Stringer("conn", c.id), zap.String("remote", c.RemoteAddr()))
	c.status.Store(int32(StatusOpen))
	if register != nil {
		m.Post(func() { register(c) })
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Dial opens a websocket to url and wraps it.
func Dial(ctx context.Context, m *Manager, url string, header http.Header, settings Settings) (*WSConn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, resp, err := d.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", url, errs.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(m, ws, settings), nil
}

func (c *WSConn) ID() uuid.UUID      { return c.id }
func (c *WSConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
func (c *WSConn) Status() Status     { return Status(c.status.Load()) }

// Send enqueues f for the write loop. A full queue closes the connection.
func (c *WSConn) Send(f *protocol.Frame) error {
	if c.Status() != StatusOpen {
		return errs.ErrConnectionClosed
	}
	select {
	case c.out <- f:
		return nil
	default:
		c.log.Warn("send queue full, closing")
		c.shutdown()
		return fmt.Errorf("send queue full: %w", errs.ErrConnectionClosed)
	}
}

// Close sends a close frame and tears the connection down.
func (c *WSConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.shutdown()
	return nil
}

func (c *WSConn) shutdown() {
	c.once.Do(func() {
		c.status.Store(int32(StatusClosing))
		c.m.post(event{kind: evStatus, conn: c, status: StatusClosing})
		close(c.done)
		_ = c.ws.Close()
		c.status.Store(int32(StatusClosed))
		c.m.post(event{kind: evStatus, conn: c, status: StatusClosed})
	})
}

func (c *WSConn) readLoop() {
	defer c.shutdown()

	c.ws.SetReadLimit(c.settings.MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read", zap.Error(err))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.m.post(event{kind: evFrame, conn: c, frame: f})
	}
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			data, err := protocol.Encode(f)
			if err != nil {
				c.log.Error("encode frame", zap.String("group", f.Group), zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write", zap.Error(err))
				c.shutdown()
				return
			}
			c.m.post(event{kind: evSent, conn: c, frame: f})
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
