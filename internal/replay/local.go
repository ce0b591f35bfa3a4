package replay

import (
	"context"

	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/proxy"
	"github.com/and161185/gophnotes/internal/session"
)

// Local plays a record into a server-side session proxy as local users. Its methods must
// run on the event loop of the proxy's manager.
type Local struct {
	p *proxy.Proxy
}

// NewLocal returns a target backed by p.
func NewLocal(p *proxy.Proxy) *Local { return &Local{p: p} }

func (l *Local) Join(_ context.Context, name string) (uint32, error) {
	u, err := l.p.AddUser(nil, session.Props{Name: name})
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func (l *Local) Leave(_ context.Context, id uint32) error {
	return l.p.RemoveUser(nil, id)
}

func (l *Local) Apply(_ context.Context, msg *protocol.Message) error {
	return l.p.Session().Broadcast(msg)
}
