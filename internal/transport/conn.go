// Package transport provides connections, named broadcast groups and the sequential event
// loop that every server and client component runs on.
package transport

import (
	"github.com/gofrs/uuid/v5"

	"github.com/and161185/gophnotes/internal/protocol"
)

// Status is the lifecycle state of a connection.
type Status int32

const (
	StatusOpening Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpening:
		return "opening"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Gone reports whether the connection is closing or closed.
func (s Status) Gone() bool { return s >= StatusClosing }

// Connection is one physical link to a peer.
// Send only enqueues; the frame is written asynchronously and reported back through the
// owning Manager as a sent event.
type Connection interface {
	ID() uuid.UUID
	RemoteAddr() string
	Status() Status
	Send(f *protocol.Frame) error
	Close() error
}

// Handler is the net object behind a group: it receives the group's inbound messages and
// learns when its own outbound messages were enqueued and written.
//
// Received reports whether a group-scoped message is forwarded to the other members. Only the
// publishing side forwards, and only after the handler accepted the message.
type Handler interface {
	Received(conn Connection, msg *protocol.Message) (forward bool)
	Enqueued(conn Connection, msg *protocol.Message)
	Sent(conn Connection, msg *protocol.Message)
}

func newConnID() uuid.UUID { return uuid.Must(uuid.NewV4()) }
