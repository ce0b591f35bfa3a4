package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/browser"
	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/proxy"
	"github.com/and161185/gophnotes/internal/request"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/transport"
)

func (d *Directory) Root() browser.Iter                           { return d.tree.Root() }
func (d *Directory) Next(it browser.Iter) (browser.Iter, error)   { return d.tree.Next(it) }
func (d *Directory) Prev(it browser.Iter) (browser.Iter, error)   { return d.tree.Prev(it) }
func (d *Directory) Parent(it browser.Iter) (browser.Iter, error) { return d.tree.Parent(it) }
func (d *Directory) Child(it browser.Iter) (browser.Iter, error)  { return d.tree.Child(it) }
func (d *Directory) NodeName(it browser.Iter) (string, error)     { return d.tree.NodeName(it) }
func (d *Directory) NodeType(it browser.Iter) (string, error)     { return d.tree.NodeType(it) }
func (d *Directory) IsSubdirectory(it browser.Iter) (bool, error) { return d.tree.IsSubdirectory(it) }
func (d *Directory) IsExplored(it browser.Iter) bool              { return d.tree.IsExplored(it) }

func (d *Directory) AddListener(l browser.Listener) (remove func()) { return d.listeners.Add(l) }

// Explore loads the children of a subdirectory from the repository.
func (d *Directory) Explore(it browser.Iter) *request.Request {
	if d.tree.IsExplored(it) {
		return request.Succeeded(request.KindExplore, it.ID, nil)
	}
	return d.local(request.KindExplore, it, func() (any, error) {
		n, err := d.tree.Node(it)
		if err != nil {
			return nil, err
		}
		return nil, d.explore(n)
	})
}

// AddSubdirectory creates a subdirectory and announces it to the explorers of parent.
func (d *Directory) AddSubdirectory(parent browser.Iter, name string) *request.Request {
	return d.local(request.KindAddNode, parent, func() (any, error) {
		p, err := d.tree.Node(parent)
		if err != nil {
			return nil, err
		}
		n, err := d.createNode(p, name, protocol.SubdirectoryType)
		if err != nil {
			return nil, err
		}
		d.broadcast(p.ID, nil, nodeMessage(protocol.AddNode, n))
		return browser.Iter{ID: n.ID}, nil
	})
}

// AddNote creates a note. A session in opts becomes the hosted session of the note; Subscribe
// opens the stored one right away.
func (d *Directory) AddNote(parent browser.Iter, name, typ string, opts browser.NoteOptions) *request.Request {
	return d.local(request.KindAddNode, parent, func() (any, error) {
		if typ == protocol.SubdirectoryType {
			return nil, errs.Newf(errs.DomainDirectory, errs.CodeNotNote, "A subdirectory is not a note")
		}
		if s := opts.Session; s != nil {
			if s.Status() != session.StatusRunning {
				return nil, errs.ErrSessionNotRunning
			}
			if s.Type() != typ {
				return nil, fmt.Errorf("session of type %q for note of type %q: %w", s.Type(), typ, errs.ErrValidation)
			}
		}
		p, err := d.tree.Node(parent)
		if err != nil {
			return nil, err
		}
		n, err := d.createNode(p, name, typ)
		if err != nil {
			return nil, err
		}

		switch {
		case opts.Session != nil:
			_, err = d.host(n, func(*transport.Group) *session.Session { return opts.Session }, proxy.Options{})
		case opts.Subscribe:
			_, err = d.openSession(n)
		}
		if err != nil {
			if rerr := d.removeNode(n); rerr != nil {
				d.log.Warn("roll back node", zap.Uint32("id", n.ID), zap.Error(rerr))
			}
			return nil, err
		}
		d.broadcast(p.ID, nil, nodeMessage(protocol.AddNode, n))
		return browser.Iter{ID: n.ID}, nil
	})
}

// RemoveNode deletes a node with its subtree and announces the removal.
func (d *Directory) RemoveNode(it browser.Iter) *request.Request {
	return d.local(request.KindRemove, it, func() (any, error) {
		n, err := d.tree.Node(it)
		if err != nil {
			return nil, err
		}
		if n.Parent == nil {
			return nil, errs.New(errs.DomainDirectory, errs.CodeRootNodeRemove)
		}
		parent := n.Parent.ID
		if err := d.removeNode(n); err != nil {
			return nil, err
		}
		d.broadcast(parent, nil, protocol.NewMessage(protocol.RemoveNode).SetUint(protocol.AttrID, uint64(it.ID)))
		return nil, nil
	})
}

// Subscribe opens the session of a note and resolves with its proxy.
func (d *Directory) Subscribe(it browser.Iter) *request.Request {
	return d.local(request.KindSubscribe, it, func() (any, error) {
		n, err := d.tree.Node(it)
		if err != nil {
			return nil, err
		}
		p, err := d.openSession(n)
		if err != nil {
			return nil, err
		}
		return browser.SessionProxy(p), nil
	})
}

// Session returns the proxy of a note whose session is open.
func (d *Directory) Session(it browser.Iter) (browser.SessionProxy, bool) {
	nt, ok := d.notes[it.ID]
	if !ok {
		return nil, false
	}
	return nt.proxy, true
}

// PendingRequests is always empty: local requests resolve before they are returned.
func (d *Directory) PendingRequests(browser.Iter, request.Kind) []*request.Request { return nil }

// IterFromRequest returns the node a request created or targeted.
func (d *Directory) IterFromRequest(r *request.Request) (browser.Iter, error) {
	if it, ok := r.Result().(browser.Iter); ok {
		return it, nil
	}
	it := browser.Iter{ID: r.Node()}
	if _, err := d.tree.Node(it); err != nil {
		return browser.Iter{}, err
	}
	return it, nil
}

// snapshot returns the documents of all running sessions.
func (d *Directory) snapshot() map[uint32]*protocol.Message {
	docs := make(map[uint32]*protocol.Message, len(d.notes))
	for id, nt := range d.notes {
		if nt.proxy.Session().Status() == session.StatusRunning {
			docs[id] = nt.proxy.Session().Document()
		}
	}
	return docs
}

// SaveAll writes every open session to storage. It must not be called from the event loop.
func (d *Directory) SaveAll(ctx context.Context) error {
	var docs map[uint32]*protocol.Message
	if err := d.m.Call(ctx, func() { docs = d.snapshot() }); err != nil {
		return fmt.Errorf("snapshot sessions: %w", err)
	}

	var errList []error
	for id, doc := range docs {
		if err := d.store.WriteStructured(ctx, notesIdentifier, notePath(id), doc); err != nil {
			errList = append(errList, fmt.Errorf("save note %d: %w", id, err))
		}
	}

	// a note removed while we were writing must not leave its content behind
	var gone []uint32
	if err := d.m.Call(ctx, func() {
		for id := range docs {
			if _, ok := d.tree.Lookup(id); !ok {
				gone = append(gone, id)
			}
		}
	}); err != nil {
		errList = append(errList, err)
	}
	for _, id := range gone {
		if err := d.store.Remove(ctx, notesIdentifier, notePath(id)); err != nil && !errors.Is(err, errs.ErrNotFound) {
			errList = append(errList, err)
		}
	}

	d.log.Debug("sessions saved", zap.Int("count", len(docs)-len(gone)), zap.Int("errors", len(errList)))
	return errors.Join(errList...)
}

// Autosave calls SaveAll every interval until ctx is done.
func (d *Directory) Autosave(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.SaveAll(ctx); err != nil {
				d.log.Warn("autosave", zap.Error(err))
			}
		}
	}
}
