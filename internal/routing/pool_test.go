package routing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/bolttest"
	"github.com/jroosing/hydrabolt/internal/connpool"
	"github.com/jroosing/hydrabolt/internal/packstream"
	"github.com/jroosing/hydrabolt/internal/routing"
)

func routeReply(writers, readers, routers []string) packstream.Map {
	servers := []any{
		packstream.Map{"role": "ROUTE", "addresses": toAny(routers)},
		packstream.Map{"role": "READ", "addresses": toAny(readers)},
	}
	if len(writers) > 0 {
		servers = append(servers, packstream.Map{"role": "WRITE", "addresses": toAny(writers)})
	}
	return packstream.Map{"rt": packstream.Map{"ttl": int64(300), "servers": servers}}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func newUnderlying(srv *bolttest.Server) *connpool.Pool {
	dial := func(ctx context.Context, addr boltconn.Address) (*boltconn.Connection, error) {
		return boltconn.Dial(addr, boltconn.Config{UserAgent: "hydrabolt-test/1.0"}, packstream.NewBuilder().Build(), nil)
	}
	return connpool.New(dial, 0, 0, nil)
}

func initialAddr(t *testing.T, srv *bolttest.Server) boltconn.Address {
	t.Helper()
	addr, err := boltconn.ParseAddress(srv.Addr())
	require.NoError(t, err)
	return addr
}

func TestRoutingPool_Acquire_FetchesTableThenConnects(t *testing.T) {
	self := ""
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		if msg.Tag == boltconn.TagRoute {
			return []packstream.Structure{bolttest.Success(routeReply(
				[]string{self}, []string{self}, []string{self}))}
		}
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()
	self = srv.Addr()

	underlying := newUnderlying(srv)
	defer underlying.Close()
	rp := routing.New(underlying, initialAddr(t, srv), nil, time.Minute, nil, nil)
	defer rp.Close()

	conn, err := rp.Acquire(context.Background(), connpool.AccessModeWrite, "neo4j", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, conn)
	rp.Release(conn)
}

func TestRoutingPool_Acquire_CachesTableWithinTTL(t *testing.T) {
	self := ""
	var routeCalls int
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		if msg.Tag == boltconn.TagRoute {
			routeCalls++
			return []packstream.Structure{bolttest.Success(routeReply(
				[]string{self}, []string{self}, []string{self}))}
		}
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()
	self = srv.Addr()

	underlying := newUnderlying(srv)
	defer underlying.Close()
	rp := routing.New(underlying, initialAddr(t, srv), nil, time.Minute, nil, nil)
	defer rp.Close()

	conn1, err := rp.Acquire(context.Background(), connpool.AccessModeRead, "neo4j", nil, nil)
	require.NoError(t, err)
	rp.Release(conn1)

	conn2, err := rp.Acquire(context.Background(), connpool.AccessModeRead, "neo4j", nil, nil)
	require.NoError(t, err)
	rp.Release(conn2)

	assert.Equal(t, 1, routeCalls, "a second acquire within the table's TTL must not trigger another ROUTE fetch")
}

func TestRoutingPool_OnWriteFailure_RemovesWriterAndTriggersRefresh(t *testing.T) {
	self := ""
	var routeCalls int
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		if msg.Tag == boltconn.TagRoute {
			routeCalls++
			return []packstream.Structure{bolttest.Success(routeReply(
				[]string{self}, []string{self}, []string{self}))}
		}
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()
	self = srv.Addr()

	underlying := newUnderlying(srv)
	defer underlying.Close()
	rp := routing.New(underlying, initialAddr(t, srv), nil, time.Minute, nil, nil)
	defer rp.Close()

	conn, err := rp.Acquire(context.Background(), connpool.AccessModeWrite, "neo4j", nil, nil)
	require.NoError(t, err)
	addr := conn.Unresolved
	rp.Release(conn)
	require.Equal(t, 1, routeCalls)

	rp.OnWriteFailure(addr, "neo4j")

	_, err = rp.Acquire(context.Background(), connpool.AccessModeWrite, "neo4j", nil, nil)
	require.NoError(t, err, "removing the only writer should force a refresh that re-discovers it")
	assert.Equal(t, 2, routeCalls, "OnWriteFailure must invalidate the writer set so the next write acquire re-fetches")
}

func TestRoutingPool_Deactivate_DropsAddressFromEveryTable(t *testing.T) {
	self1, self2 := "", ""
	handle := func(msg packstream.Structure) []packstream.Structure {
		if msg.Tag == boltconn.TagRoute {
			return []packstream.Structure{bolttest.Success(routeReply(
				[]string{self1, self2}, []string{self1, self2}, []string{self1}))}
		}
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	}
	srv1 := bolttest.NewServer(handle)
	defer srv1.Close()
	srv2 := bolttest.NewServer(handle)
	defer srv2.Close()
	self1, self2 = srv1.Addr(), srv2.Addr()

	underlying := newUnderlying(srv1)
	defer underlying.Close()
	rp := routing.New(underlying, initialAddr(t, srv1), nil, time.Minute, nil, nil)
	defer rp.Close()

	addr1, err := boltconn.ParseAddress(self1)
	require.NoError(t, err)

	// Prime the table so both readers are known, then deactivate the
	// first one: every later acquire must land on the survivor, never
	// back on the address just deactivated.
	conn, err := rp.Acquire(context.Background(), connpool.AccessModeRead, "neo4j", nil, nil)
	require.NoError(t, err)
	rp.Release(conn)

	rp.Deactivate(addr1)

	for i := 0; i < 5; i++ {
		conn, err := rp.Acquire(context.Background(), connpool.AccessModeRead, "neo4j", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, self2, conn.Unresolved.Key(), "a deactivated address must never be picked again while its table entry survives")
		rp.Release(conn)
	}
}

func TestRoutingPool_Acquire_ResolvesHomeDatabaseCallback(t *testing.T) {
	self := ""
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		if msg.Tag == boltconn.TagRoute {
			reply := routeReply([]string{self}, []string{self}, []string{self})
			reply["rt"].(packstream.Map)["db"] = "resolved-home-db"
			return []packstream.Structure{bolttest.Success(reply)}
		}
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()
	self = srv.Addr()

	var resolved string
	underlying := newUnderlying(srv)
	defer underlying.Close()
	rp := routing.New(underlying, initialAddr(t, srv), nil, time.Minute, func(database string) {
		resolved = database
	}, nil)
	defer rp.Close()

	conn, err := rp.Acquire(context.Background(), connpool.AccessModeRead, "", nil, nil)
	require.NoError(t, err)
	rp.Release(conn)

	assert.Equal(t, "resolved-home-db", resolved, "a ROUTE reply naming a database other than the requested one must invoke the callback")
}
