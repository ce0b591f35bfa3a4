// Package browser defines the directory capability shared by the authoritative directory and
// the cached client view, together with the tree store, cursor and event registry both use.
package browser

import (
	"github.com/and161185/gophnotes/internal/request"
	"github.com/and161185/gophnotes/internal/session"
)

// Iter is a cursor on one node. It stays valid until the node is removed.
type Iter struct {
	ID uint32
}

// NodeStatus tells how the local view of a node relates to the authoritative one.
type NodeStatus int

const (
	NodeSynced NodeStatus = iota
	NodeLocallyDeleted
	NodeLocallyAdded
	NodeLocallyMoved
	NodeLocallyCopied
	// NodeInherit is stored on descendants of a pending node and resolved by walking up.
	NodeInherit
)

func (s NodeStatus) String() string {
	switch s {
	case NodeSynced:
		return "synced"
	case NodeLocallyDeleted:
		return "locally-deleted"
	case NodeLocallyAdded:
		return "locally-added"
	case NodeLocallyMoved:
		return "locally-moved"
	case NodeLocallyCopied:
		return "locally-copied"
	case NodeInherit:
		return "inherit"
	}
	return "unknown"
}

// Status is the connection state of a browser.
type Status int

const (
	StatusClosed Status = iota
	StatusOpening
	StatusOpen
)

func (s Status) String() string {
	switch s {
	case StatusOpening:
		return "opening"
	case StatusOpen:
		return "open"
	}
	return "closed"
}

// NoteOptions tune AddNote.
type NoteOptions struct {
	// Session, when set, is pushed to the authoritative side as the initial state of the note.
	Session *session.Session
	// Subscribe subscribes the caller to the new note.
	Subscribe bool
}

// SessionProxy is the handle of a subscribed or hosted session.
type SessionProxy interface {
	Session() *session.Session
}

// Browser is the directory capability. Request results: Explore and RemoveNode resolve with
// nil, AddSubdirectory and AddNote with the Iter of the new node, Subscribe with the
// SessionProxy.
type Browser interface {
	Root() Iter
	Next(it Iter) (Iter, error)
	Prev(it Iter) (Iter, error)
	Parent(it Iter) (Iter, error)
	Child(it Iter) (Iter, error)

	NodeName(it Iter) (string, error)
	NodeType(it Iter) (string, error)
	IsSubdirectory(it Iter) (bool, error)

	IsExplored(it Iter) bool
	Explore(it Iter) *request.Request

	AddSubdirectory(parent Iter, name string) *request.Request
	AddNote(parent Iter, name, typ string, opts NoteOptions) *request.Request
	RemoveNode(it Iter) *request.Request
	Subscribe(it Iter) *request.Request

	Session(it Iter) (SessionProxy, bool)
	PendingRequests(it Iter, kind request.Kind) []*request.Request
	IterFromRequest(r *request.Request) (Iter, error)

	AddListener(l Listener) (remove func())
}

// Listener receives browser events. Nil fields are skipped.
type Listener struct {
	NodeAdded          func(it Iter)
	NodeRemoved        func(it Iter)
	SubscribeSession   func(it Iter, p SessionProxy)
	UnsubscribeSession func(it Iter, p SessionProxy)
	// BeginRequest fires when a request is created, before anything is sent.
	BeginRequest func(it Iter, r *request.Request)
	Error        func(err error)
}

type listenerEntry struct {
	l       Listener
	removed bool
}

// Listeners is a registry of Listener values. The zero value is ready to use.
type Listeners struct {
	entries []*listenerEntry
}

// Add registers l. The returned func removes it.
func (ls *Listeners) Add(l Listener) (remove func()) {
	e := &listenerEntry{l: l}
	ls.entries = append(ls.entries, e)
	return func() {
		e.removed = true
		for i, x := range ls.entries {
			if x == e {
				ls.entries = append(ls.entries[:i:i], ls.entries[i+1:]...)
				return
			}
		}
	}
}

func (ls *Listeners) each(fn func(Listener)) {
	for _, e := range append([]*listenerEntry(nil), ls.entries...) {
		if !e.removed {
			fn(e.l)
		}
	}
}

func (ls *Listeners) NodeAdded(it Iter) {
	ls.each(func(l Listener) {
		if l.NodeAdded != nil {
			l.NodeAdded(it)
		}
	})
}

func (ls *Listeners) NodeRemoved(it Iter) {
	ls.each(func(l Listener) {
		if l.NodeRemoved != nil {
			l.NodeRemoved(it)
		}
	})
}

func (ls *Listeners) SubscribeSession(it Iter, p SessionProxy) {
	ls.each(func(l Listener) {
		if l.SubscribeSession != nil {
			l.SubscribeSession(it, p)
		}
	})
}

func (ls *Listeners) UnsubscribeSession(it Iter, p SessionProxy) {
	ls.each(func(l Listener) {
		if l.UnsubscribeSession != nil {
			l.UnsubscribeSession(it, p)
		}
	})
}

func (ls *Listeners) BeginRequest(it Iter, r *request.Request) {
	ls.each(func(l Listener) {
		if l.BeginRequest != nil {
			l.BeginRequest(it, r)
		}
	})
}

func (ls *Listeners) Error(err error) {
	ls.each(func(l Listener) {
		if l.Error != nil {
			l.Error(err)
		}
	})
}
