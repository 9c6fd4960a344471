// Package session implements L4/L5/L5': the workspace/session,
// transactions, and lazy-pull result streaming (§4.5).
package session

import (
	"context"

	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/connpool"
	"github.com/jroosing/hydrabolt/internal/directpool"
	"github.com/jroosing/hydrabolt/internal/routing"
)

// AccessMode mirrors connpool.AccessMode; sessions talk in terms of
// this package's own alias so callers never need to import connpool
// just to pick read vs. write.
type AccessMode = connpool.AccessMode

const (
	AccessModeWrite = connpool.AccessModeWrite
	AccessModeRead  = connpool.AccessModeRead
)

// ConnectionSource is whatever a session borrows connections from: a
// direct pool (single known address) or a routing pool (cluster-aware
// selection). Both L3a and L3b satisfy it via the adapters below.
type ConnectionSource interface {
	Acquire(ctx context.Context, mode AccessMode, database string, bookmarks []string, auth boltconn.AuthToken) (*boltconn.Connection, error)
	Release(conn *boltconn.Connection)
	KillAndRelease(conn *boltconn.Connection)
	// HomeDatabaseCapable reports whether this source can resolve a
	// server-assigned home database (only a routing pool can; a direct
	// pool always talks to the one address the URI named).
	HomeDatabaseCapable() bool
}

// DirectSource adapts a directpool.Pool, which has no notion of access
// mode, database name, or bookmarks, to ConnectionSource.
type DirectSource struct {
	Pool *directpool.Pool
}

func (s DirectSource) Acquire(ctx context.Context, _ AccessMode, _ string, _ []string, auth boltconn.AuthToken) (*boltconn.Connection, error) {
	return s.Pool.Acquire(ctx, auth)
}
func (s DirectSource) Release(conn *boltconn.Connection)         { s.Pool.Release(conn) }
func (s DirectSource) KillAndRelease(conn *boltconn.Connection)  { s.Pool.KillAndRelease(conn) }
func (s DirectSource) HomeDatabaseCapable() bool                 { return false }

// RoutingSource adapts a routing.Pool.
type RoutingSource struct {
	Pool *routing.Pool
}

func (s RoutingSource) Acquire(ctx context.Context, mode AccessMode, database string, bookmarks []string, auth boltconn.AuthToken) (*boltconn.Connection, error) {
	return s.Pool.Acquire(ctx, mode, database, bookmarks, auth)
}
func (s RoutingSource) Release(conn *boltconn.Connection)        { s.Pool.Release(conn) }
func (s RoutingSource) KillAndRelease(conn *boltconn.Connection) { s.Pool.KillAndRelease(conn) }
func (s RoutingSource) HomeDatabaseCapable() bool                { return true }
