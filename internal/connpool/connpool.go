// Package connpool implements the bounded per-address connection pool
// (§4.3, L2): liveness checks, re-authentication on acquire, fair
// waiting via a condition variable, and address deactivation.
//
// The pool lock is a plain sync.Mutex, not a re-entrant one: §9 flags
// the source's re-entrant pool lock as a redesign target, and every
// helper that needs the lock held is inlined into the method that
// already holds it rather than re-acquiring.
package connpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/drivererrors"
)

// AccessMode selects whether an acquired connection will read or write.
type AccessMode int

const (
	AccessModeWrite AccessMode = iota
	AccessModeRead
)

// entry is one address's slice of idle connections plus its count of
// in-flight opens (§3 "pool entry").
type entry struct {
	addr         boltconn.Address
	idle         []*boltconn.Connection
	reservations int
	inUseCount   int
}

// Dialer opens a new connection to addr. Production code wires this to
// boltconn.Dial; tests substitute a fake.
type Dialer func(ctx context.Context, addr boltconn.Address) (*boltconn.Connection, error)

// Pool is a bounded per-address connection pool (§4.3 L2).
type Pool struct {
	mu   sync.Mutex
	cond sync.Cond

	entries map[string]*entry

	maxPoolSize         int // <= 0 means unbounded
	livenessCheckPeriod time.Duration

	dial Dialer
	log  *slog.Logger

	closed bool
}

// New returns a Pool that opens connections with dial.
func New(dial Dialer, maxPoolSize int, livenessCheckPeriod time.Duration, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		entries:             make(map[string]*entry),
		maxPoolSize:         maxPoolSize,
		livenessCheckPeriod: livenessCheckPeriod,
		dial:                dial,
		log:                 log,
	}
	p.cond.L = &p.mu
	return p
}

func (p *Pool) entryFor(addr boltconn.Address) *entry {
	key := addr.Key()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{addr: addr}
		p.entries[key] = e
	}
	return e
}

// liveCount returns len(idle)+inUseCount+reservations for
// addr, the quantity P1 bounds by maxPoolSize.
func (e *entry) liveCount() int { return len(e.idle) + e.inUseCount + e.reservations }

// Acquire implements §4.3's acquire algorithm: scan for a healthy idle
// connection, running a liveness check (RESET round-trip) on anything
// idle past livenessCheckPeriod; otherwise reserve a slot and open a
// new one outside the lock; otherwise wait on the condition variable
// until the deadline.
func (p *Pool) Acquire(ctx context.Context, addr boltconn.Address, auth boltconn.AuthToken) (*boltconn.Connection, error) {
	key := addr.Key()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, &drivererrors.ServiceUnavailableError{Address: key, Cause: fmt.Errorf("pool closed")}
		}
		e := p.entryFor(addr)

		if conn := p.takeHealthyLocked(e); conn != nil {
			p.mu.Unlock()
			if err := p.reAuth(conn, auth); err != nil {
				p.Release(conn)
				return nil, err
			}
			return conn, nil
		}

		if p.maxPoolSize <= 0 || e.liveCount() < p.maxPoolSize {
			e.reservations++
			p.mu.Unlock()
			conn, err := p.openNew(ctx, addr)
			p.mu.Lock()
			e.reservations--
			if err != nil {
				p.cond.Broadcast()
				p.mu.Unlock()
				return nil, err
			}
			e.inUseCount++
			p.mu.Unlock()
			if err := p.reAuth(conn, auth); err != nil {
				p.Release(conn)
				return nil, err
			}
			return conn, nil
		}

		if !p.waitLocked(ctx) {
			p.mu.Unlock()
			return nil, &drivererrors.PoolTimeoutError{Address: key, Waited: deadlineDescription(ctx)}
		}
		p.mu.Unlock()
	}
}

// takeHealthyLocked scans e.idle for the first connection that passes
// health_check, removing and returning it; unhealthy candidates are
// closed and dropped. Must be called with p.mu held.
func (p *Pool) takeHealthyLocked(e *entry) *boltconn.Connection {
	for len(e.idle) > 0 {
		n := len(e.idle)
		conn := e.idle[n-1]
		e.idle = e.idle[:n-1]

		if conn.Defunct || conn.Stale {
			go conn.Close()
			continue
		}
		if p.livenessCheckPeriod > 0 && conn.IdleDuration() > p.livenessCheckPeriod {
			if err := conn.Reset(); err != nil {
				go conn.Close()
				continue
			}
		}
		conn.InUse = true
		e.inUseCount++
		return conn
	}
	return nil
}

func (p *Pool) openNew(ctx context.Context, addr boltconn.Address) (*boltconn.Connection, error) {
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	conn.InUse = true
	return conn, nil
}

// reAuth brings conn's auth token in line with want (§4.3). A
// dialect without session-level re-auth support and a caller-supplied
// auth token is a configuration error; absent a caller-supplied token
// it is the pool-wide auth manager's problem, handled by the caller
// closing and reopening instead (ReAuth reports performed=false for
// that case with no error).
func (p *Pool) reAuth(conn *boltconn.Connection, want boltconn.AuthToken) error {
	if want == nil {
		return nil
	}
	performed, err := conn.ReAuth(want)
	if err != nil {
		return err
	}
	if !performed {
		return &drivererrors.ConfigurationError{Reason: "connection's protocol version does not support session-level re-authentication"}
	}
	return nil
}

// waitLocked blocks on the condition variable until woken or ctx is
// done, returning false on the latter. Must be called with p.mu held;
// it is the only point where suspension happens inside the lock's
// critical section (§5).
func (p *Pool) waitLocked(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		close(done)
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()
	p.cond.Wait()
	select {
	case <-done:
		return false
	default:
		return ctx.Err() == nil
	}
}

func deadlineDescription(ctx context.Context) string {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl).String()
	}
	return "no deadline"
}

// Release returns conn to its address's idle deque (§4.3). A defunct or
// stale connection gets no RESET; it is marked not-in-use and closed
// instead of being returned to the deque. Every other connection gets a
// RESET to truncate any pending stream, even one that was just reset:
// the pool keeps no record of whether a connection is already reset. A
// RESET failure kills the connection rather than propagating.
func (p *Pool) Release(conn *boltconn.Connection) {
	if !conn.Defunct && !conn.Stale {
		if err := conn.Reset(); err != nil {
			conn.Log().Warn("release: reset failed, killing connection", "err", err)
			_ = conn.Close()
			conn.Defunct = true
		}
	}
	conn.MarkIdle()
	conn.InUse = false

	p.mu.Lock()
	key := conn.Unresolved.Key()
	e, ok := p.entries[key]
	if ok {
		e.inUseCount--
		if !conn.Defunct && !conn.Stale {
			e.idle = append(e.idle, conn)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if conn.Defunct || conn.Stale {
		go conn.Close()
	}
}

// KillAndRelease forcefully closes conn (no graceful RESET) and drops
// it from the pool — the cancellation path (§5c): partial protocol
// state on a cancelled connection is unrecoverable.
func (p *Pool) KillAndRelease(conn *boltconn.Connection) {
	conn.InUse = false
	_ = conn.Close()
	conn.Defunct = true

	p.mu.Lock()
	if e, ok := p.entries[conn.Unresolved.Key()]; ok {
		e.inUseCount--
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Deactivate removes addr's deque from the pool, closing every idle
// connection; in-use connections self-remove on Release since they
// will observe a missing entry and simply not be re-added (§4.3,
// idempotent).
func (p *Pool) Deactivate(addr boltconn.Address) {
	key := addr.Key()
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if !ok {
		return
	}
	for _, conn := range e.idle {
		go conn.Close()
	}
}

// MarkAllStale marks every pooled connection, idle and in-use, as
// stale; in-use ones are dropped on their next Release, idle ones are
// closed immediately (§4.6 "invalidates-all-connections").
func (p *Pool) MarkAllStale() {
	p.mu.Lock()
	var toClose []*boltconn.Connection
	for _, e := range p.entries {
		for _, conn := range e.idle {
			conn.Stale = true
			toClose = append(toClose, conn)
		}
		e.idle = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	for _, conn := range toClose {
		go conn.Close()
	}
}

// InUseCount reports how many connections are currently checked out
// for addr — the routing pool's load-balancing signal (§4.4 step 2).
func (p *Pool) InUseCount(addr boltconn.Address) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[addr.Key()]; ok {
		return e.inUseCount
	}
	return 0
}

// Addresses returns every address the pool currently has an entry for,
// used by the routing pool's garbage-collection pass (§4.4
// update_connection_pool).
func (p *Pool) Addresses() []boltconn.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]boltconn.Address, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.addr)
	}
	return out
}

// Close deactivates every address, closing all idle connections.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, e := range entries {
		for _, conn := range e.idle {
			go conn.Close()
		}
	}
}
