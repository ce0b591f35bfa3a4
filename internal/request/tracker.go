package request

import (
	"fmt"
	"sort"

	"github.com/and161185/gophnotes/internal/errs"
)

// Tracker allocates sequence tokens for one connection and keeps its pending requests.
// It is not safe for concurrent use; it lives on the event loop.
type Tracker struct {
	next    uint64
	pending map[uint64]*Request
}

// NewTracker returns an empty tracker. Tokens start at 1.
func NewTracker() *Tracker {
	return &Tracker{next: 1, pending: map[uint64]*Request{}}
}

// Begin registers a new pending request. Exclusive kinds fail with ErrRequestPending while
// another request of the same kind targets node.
func (t *Tracker) Begin(kind Kind, node uint32) (*Request, error) {
	if kind.exclusive() {
		if r := t.Find(node, kind); r != nil {
			return nil, fmt.Errorf("%s on node %d: %w", kind, node, errs.ErrRequestPending)
		}
	}
	r := New(kind, t.next, node)
	t.pending[r.seq] = r
	t.next++
	return r, nil
}

// Find returns the pending request of kind on node.
func (t *Tracker) Find(node uint32, kind Kind) *Request {
	for _, r := range t.pending {
		if r.node == node && r.kind == kind {
			return r
		}
	}
	return nil
}

// List returns the pending requests on node in issue order; an empty kind matches all.
func (t *Tracker) List(node uint32, kind Kind) []*Request {
	var out []*Request
	for _, r := range t.pending {
		if r.node == node && (kind == "" || r.kind == kind) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Take removes and returns the request with the given token.
func (t *Tracker) Take(seq uint64) (*Request, bool) {
	r, ok := t.pending[seq]
	if ok {
		delete(t.pending, seq)
	}
	return r, ok
}

// Peek returns the request with the given token without removing it.
func (t *Tracker) Peek(seq uint64) (*Request, bool) {
	r, ok := t.pending[seq]
	return r, ok
}

// FailAll resolves every pending request with err and empties the tracker.
func (t *Tracker) FailAll(err error) {
	pending := t.pending
	t.pending = map[uint64]*Request{}
	seqs := make([]uint64, 0, len(pending))
	for seq := range pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		pending[seq].Fail(err)
	}
}

// Len returns the number of pending requests.
func (t *Tracker) Len() int { return len(t.pending) }
