package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type attempts struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is an in-process Limiter for servers without a database. A pair is forgotten once
// neither its failure window nor its block can still apply.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu    sync.Mutex
	pairs *ttlcache.Cache[string, *attempts]
}

// NewMemory constructs an in-memory limiter and starts expiring stale pairs. Call Close to
// stop the expiry goroutine.
func NewMemory(policy Policy) *Memory {
	ttl := max(policy.Window, policy.BlockFor)
	pairs := ttlcache.New[string, *attempts](
		ttlcache.WithTTL[string, *attempts](ttl),
		// expiry counts from the last failure, not from the last check
		ttlcache.WithDisableTouchOnHit[string, *attempts](),
	)
	go pairs.Start()
	return &Memory{policy: policy, now: time.Now, pairs: pairs}
}

// Close stops expiring pairs.
func (m *Memory) Close() { m.pairs.Stop() }

// Len returns the number of tracked pairs.
func (m *Memory) Len() int { return m.pairs.Len() }

func key(username string, ipHash []byte) string {
	return username + "\x00" + string(ipHash)
}

func (m *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.pairs.Get(key(username, ipHash))
	if item == nil {
		return true, 0, nil
	}
	if wait := item.Value().blockedUntil.Sub(m.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

func (m *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs.Delete(key(username, ipHash))
	return nil
}

func (m *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := key(username, ipHash)
	var a *attempts
	if item := m.pairs.Get(k); item != nil && now.Sub(item.Value().updatedAt) <= m.policy.Window {
		a = item.Value()
	} else {
		a = &attempts{}
	}
	a.fails++
	a.updatedAt = now
	blocked := a.fails >= m.policy.MaxFails
	if blocked {
		a.blockedUntil = now.Add(m.policy.BlockFor)
	}
	m.pairs.Set(k, a, ttlcache.DefaultTTL)
	if !blocked {
		return false, 0, nil
	}
	return true, m.policy.BlockFor, nil
}
