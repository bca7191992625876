package sync

import (
	"context"
	"errors"
	gosync "sync"

	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/provider"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool closed")

// DialFunc opens a new authenticated session.
type DialFunc func(ctx context.Context) (provider.Session, error)

// Pool bounds the number of sessions an account holds open at once and
// reuses idle ones. A session is held by one borrower at a time.
type Pool struct {
	dial  DialFunc
	slots chan struct{}

	mu     gosync.Mutex
	idle   []provider.Session
	gen    uint64
	closed bool
}

// NewPool returns a pool allowing at most size concurrent sessions.
func NewPool(size int, dial DialFunc) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		dial:  dial,
		slots: make(chan struct{}, size),
	}
}

// Size reports the pool's capacity.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Acquire returns an idle session or dials a new one, waiting for a free
// slot while the pool is at capacity.
func (p *Pool) Acquire(ctx context.Context) (provider.Session, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		sess := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return sess, nil
	}
	gen := p.gen
	p.mu.Unlock()

	sess, err := p.dial(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	metrics.SessionsOpen.Inc()
	return &lockedSession{inner: sess, gen: gen}, nil
}

// Release returns sess to the pool. Broken sessions are closed instead of
// being reused.
func (p *Pool) Release(sess provider.Session, broken bool) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	stale := false
	if ls, ok := sess.(*lockedSession); ok {
		stale = ls.gen != p.gen
	}
	if broken || stale || p.closed {
		p.mu.Unlock()
		p.discard(sess)
		return
	}
	p.idle = append(p.idle, sess)
	p.mu.Unlock()
}

// Close closes idle sessions and makes later Acquire calls fail. Sessions
// still borrowed are closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, sess := range idle {
		p.discard(sess)
	}
}

// Drain closes idle sessions but keeps the pool usable, so the next
// Acquire dials with fresh credentials. Sessions borrowed before Drain
// are closed when released.
func (p *Pool) Drain() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.gen++
	p.mu.Unlock()

	for _, sess := range idle {
		p.discard(sess)
	}
}

func (p *Pool) discard(sess provider.Session) {
	metrics.SessionsOpen.Dec()
	if err := sess.Close(); err != nil {
		log.WithError(err).Debug("closing session")
	}
}
