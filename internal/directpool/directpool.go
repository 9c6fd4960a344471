// Package directpool implements L3a: a connection source bound to one
// known address, used by bolt://-scheme URIs. It is the thinnest
// possible wrapper over internal/connpool — no routing table, no
// address selection, just a fixed target.
package directpool

import (
	"context"

	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/connpool"
)

// Pool serves connections to a single fixed address.
type Pool struct {
	addr boltconn.Address
	pool *connpool.Pool
}

// New wraps pool, always acquiring against addr.
func New(addr boltconn.Address, pool *connpool.Pool) *Pool {
	return &Pool{addr: addr, pool: pool}
}

// Acquire ignores accessMode and database since a direct pool has only
// one address and no notion of cluster roles; callers that need
// role-aware selection want internal/routing instead.
func (p *Pool) Acquire(ctx context.Context, auth boltconn.AuthToken) (*boltconn.Connection, error) {
	return p.pool.Acquire(ctx, p.addr, auth)
}

// Release returns conn to the underlying pool.
func (p *Pool) Release(conn *boltconn.Connection) { p.pool.Release(conn) }

// KillAndRelease forcefully drops conn (cancellation path, §5c).
func (p *Pool) KillAndRelease(conn *boltconn.Connection) { p.pool.KillAndRelease(conn) }

// Address returns the pool's single target address.
func (p *Pool) Address() boltconn.Address { return p.addr }

// Close releases all pooled connections.
func (p *Pool) Close() { p.pool.Close() }
