// Package request correlates locally issued operations with their eventual resolution.
package request

import (
	"context"
	"sync"
)

// Kind is the operation a Request stands for.
type Kind string

const (
	KindExplore   Kind = "explore"
	KindAddNode   Kind = "add-node"
	KindRemove    Kind = "remove-node"
	KindSubscribe Kind = "subscribe"
	KindUserJoin  Kind = "user-join"
	KindUserLeave Kind = "user-leave"
)

// exclusive reports whether only one request of the kind may be pending per node.
func (k Kind) exclusive() bool {
	switch k {
	case KindUserJoin, KindUserLeave:
		return false
	}
	return true
}

// Request is the handle of one outstanding asynchronous operation.
// It is resolved exactly once; listeners run synchronously on the resolving goroutine.
type Request struct {
	kind Kind
	seq  uint64
	node uint32

	mu        sync.Mutex
	done      chan struct{}
	finished  bool
	result    any
	err       error
	listeners []func(*Request)
}

// New returns a pending request.
func New(kind Kind, seq uint64, node uint32) *Request {
	return &Request{kind: kind, seq: seq, node: node, done: make(chan struct{})}
}

// Succeeded returns a request that is already resolved successfully.
func Succeeded(kind Kind, node uint32, result any) *Request {
	r := New(kind, 0, node)
	r.Succeed(result)
	return r
}

// Failed returns a request that is already resolved with err.
func Failed(kind Kind, node uint32, err error) *Request {
	r := New(kind, 0, node)
	r.Fail(err)
	return r
}

func (r *Request) Kind() Kind   { return r.kind }
func (r *Request) Seq() uint64  { return r.seq }
func (r *Request) Node() uint32 { return r.node }

// Retarget moves the request to another node, used when a speculative node is replaced.
func (r *Request) Retarget(node uint32) { r.node = node }

// Done is closed once the request is resolved.
func (r *Request) Done() <-chan struct{} { return r.done }

// Pending reports whether the request is still unresolved.
func (r *Request) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.finished
}

// Err returns the failure, nil while pending or on success.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Result returns the success value.
func (r *Request) Result() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// OnFinished registers fn; it runs immediately if the request is already resolved.
func (r *Request) OnFinished(fn func(*Request)) {
	r.mu.Lock()
	if !r.finished {
		r.listeners = append(r.listeners, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn(r)
}

// Succeed resolves the request. It returns false if it was already resolved.
func (r *Request) Succeed(result any) bool {
	return r.finish(result, nil)
}

// Fail resolves the request with err. It returns false if it was already resolved.
func (r *Request) Fail(err error) bool {
	return r.finish(nil, err)
}

func (r *Request) finish(result any, err error) bool {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.finished = true
	r.result = result
	r.err = err
	listeners := r.listeners
	r.listeners = nil
	close(r.done)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(r)
	}
	return true
}

// Wait blocks until the request is resolved or ctx is done.
func (r *Request) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.Result(), r.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
