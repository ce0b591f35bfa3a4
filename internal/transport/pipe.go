package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
)

// pipeConn is one end of an in-process connection. Frames go through the XML codec so both
// ends see exactly what a socket peer would.
type pipeConn struct {
	id     uuid.UUID
	m      *Manager
	peer   *pipeConn
	remote string
	status atomic.Int32
}

// Pipe connects two managers. The first returned connection belongs to a, the second to b.
func Pipe(a, b *Manager) (Connection, Connection) {
	ca := &pipeConn{id: newConnID(), m: a, remote: "pipe:b"}
	cb := &pipeConn{id: newConnID(), m: b, remote: "pipe:a"}
	ca.peer, cb.peer = cb, ca
	ca.status.Store(int32(StatusOpen))
	cb.status.Store(int32(StatusOpen))
	return ca, cb
}

func (c *pipeConn) ID() uuid.UUID      { return c.id }
func (c *pipeConn) RemoteAddr() string { return c.remote }
func (c *pipeConn) Status() Status     { return Status(c.status.Load()) }

func (c *pipeConn) Send(f *protocol.Frame) error {
	if c.Status() != StatusOpen {
		return errs.ErrConnectionClosed
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	decoded, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	c.peer.m.post(event{kind: evFrame, conn: c.peer, frame: decoded})
	c.m.post(event{kind: evSent, conn: c, frame: f})
	return nil
}

func (c *pipeConn) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *pipeConn) shutdown() {
	if !c.status.CompareAndSwap(int32(StatusOpen), int32(StatusClosing)) {
		return
	}
	c.m.post(event{kind: evStatus, conn: c, status: StatusClosing})
	c.status.Store(int32(StatusClosed))
	c.m.post(event{kind: evStatus, conn: c, status: StatusClosed})
}
