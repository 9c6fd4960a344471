package connpool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/bolttest"
	"github.com/jroosing/hydrabolt/internal/connpool"
	"github.com/jroosing/hydrabolt/internal/packstream"
)

func dialerFor(srv *bolttest.Server) connpool.Dialer {
	return func(ctx context.Context, addr boltconn.Address) (*boltconn.Connection, error) {
		return boltconn.Dial(addr, boltconn.Config{UserAgent: "hydrabolt-test/1.0"}, packstream.NewBuilder().Build(), nil)
	}
}

func serverAddr(t *testing.T, srv *bolttest.Server) boltconn.Address {
	t.Helper()
	addr, err := boltconn.ParseAddress(srv.Addr())
	require.NoError(t, err)
	return addr
}

func TestAcquireRelease_ReusesIdleConnection(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 0, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	conn, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	first := conn.CorrelationID
	pool.Release(conn)

	conn2, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	assert.Equal(t, first, conn2.CorrelationID, "releasing then re-acquiring should hand back the same idle connection")
	pool.Release(conn2)
}

func TestAcquire_EnforcesMaxPoolSize(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 1, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	conn, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, addr, nil)
	require.Error(t, err, "a second acquire beyond maxPoolSize=1 must block and time out rather than exceed the bound")

	pool.Release(conn)
}

func TestAcquire_UnblocksWaiterOnRelease(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 1, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	held, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)

	var waiterErr error
	var waiterConn *boltconn.Connection
	done := make(chan struct{})
	go func() {
		defer close(done)
		waiterConn, waiterErr = pool.Acquire(context.Background(), addr, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Release(held)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken after Release freed a slot")
	}
	require.NoError(t, waiterErr)
	require.NotNil(t, waiterConn)
	pool.Release(waiterConn)
}

func TestAcquire_LivenessCheckResetsStaleIdleConnection(t *testing.T) {
	var resetCount atomic.Int32
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		if msg.Tag == boltconn.TagReset {
			resetCount.Add(1)
		}
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 0, 10*time.Millisecond, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	conn, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	pool.Release(conn)

	time.Sleep(30 * time.Millisecond)

	conn2, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	assert.Equal(t, conn.CorrelationID, conn2.CorrelationID, "a liveness-checked idle connection should still be reused, not redialed")
	assert.GreaterOrEqual(t, resetCount.Load(), int32(1), "reuse past livenessCheckPeriod must round-trip a RESET")
	pool.Release(conn2)
}

func TestRelease_ResetsBeforeParking(t *testing.T) {
	var resetCount atomic.Int32
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		if msg.Tag == boltconn.TagReset {
			resetCount.Add(1)
		}
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 0, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	conn, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	pool.Release(conn)

	assert.Equal(t, int32(1), resetCount.Load(), "Release must RESET a healthy connection before parking it idle")
	assert.False(t, conn.InUse)
}

func TestRelease_KillsConnectionWhenResetFails(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		if msg.Tag == boltconn.TagReset {
			return []packstream.Structure{bolttest.Failure("Neo.ClientError.Statement.SyntaxError", "reset rejected")}
		}
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 0, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	conn, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)

	pool.Release(conn)
	assert.True(t, conn.Defunct, "a Release whose RESET round trip fails must kill the connection rather than park it")
}

func TestKillAndRelease_DropsWithoutResetAndFreesCapacity(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 1, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	conn, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	pool.KillAndRelease(conn)
	assert.True(t, conn.Defunct)

	conn2, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err, "KillAndRelease must free the reservation so a new connection can open at the same address")
	assert.NotEqual(t, conn.CorrelationID, conn2.CorrelationID)
	pool.Release(conn2)
}

func TestDeactivate_ClosesIdleConnectionsAndDropsTheEntry(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 0, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	conn, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	pool.Release(conn)
	require.Contains(t, pool.Addresses(), addr)

	pool.Deactivate(addr)
	assert.NotContains(t, pool.Addresses(), addr)
}

func TestInUseCount_TracksCheckedOutConnections(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 0, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	assert.Equal(t, 0, pool.InUseCount(addr))
	conn, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.InUseCount(addr))
	pool.Release(conn)
	assert.Equal(t, 0, pool.InUseCount(addr))
}

func TestMarkAllStale_ClosesIdleAndFlagsInUseForDropOnRelease(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 0, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	inUse, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	idle, err := pool.Acquire(context.Background(), addr, nil)
	require.NoError(t, err)
	pool.Release(idle)

	pool.MarkAllStale()
	assert.True(t, idle.Stale)

	pool.Release(inUse)
	assert.True(t, inUse.Stale, "an in-use connection marked stale mid-flight must still be flagged once released")
	assert.Equal(t, 0, pool.InUseCount(addr))
}

func TestAcquire_FailsAfterClose(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	pool := connpool.New(dialerFor(srv), 0, 0, nil)
	addr := serverAddr(t, srv)
	pool.Close()

	_, err := pool.Acquire(context.Background(), addr, nil)
	assert.Error(t, err)
}

func TestAcquire_ConcurrentCallersStayWithinCapacity(t *testing.T) {
	srv := bolttest.NewServer(func(msg packstream.Structure) []packstream.Structure {
		return []packstream.Structure{bolttest.Success(packstream.Map{})}
	})
	defer srv.Close()

	const maxPoolSize = 3
	pool := connpool.New(dialerFor(srv), maxPoolSize, 0, nil)
	defer pool.Close()
	addr := serverAddr(t, srv)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			conn, err := pool.Acquire(ctx, addr, nil)
			if err != nil {
				errs <- err
				return
			}
			if pool.InUseCount(addr) > maxPoolSize {
				errs <- assert.AnError
			}
			time.Sleep(5 * time.Millisecond)
			pool.Release(conn)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("P1 violated or acquire failed: %v", err)
		}
	}
}
