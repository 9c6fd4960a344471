package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/hydrabolt/internal/boltconn"
)

func addr(host string, port int) boltconn.Address {
	return boltconn.NewAddress(host, port)
}

func TestTable_FreshForReadsAndWrites(t *testing.T) {
	now := time.Now()
	table := &Table{
		Routers: []boltconn.Address{addr("r1", 7687)},
		Readers: []boltconn.Address{addr("a", 7687)},
		Writers: []boltconn.Address{addr("b", 7687)},
		TTL:     time.Minute,
		LastUpdated: now,
	}

	assert.True(t, table.FreshForReads(now))
	assert.True(t, table.FreshForWrites(now))

	expired := now.Add(2 * time.Minute)
	assert.False(t, table.FreshForReads(expired))
	assert.False(t, table.FreshForWrites(expired))
}

func TestTable_FreshForWrites_RequiresWriters(t *testing.T) {
	now := time.Now()
	table := &Table{
		Routers:     []boltconn.Address{addr("r1", 7687)},
		Readers:     []boltconn.Address{addr("a", 7687)},
		Writers:     nil,
		TTL:         time.Minute,
		LastUpdated: now,
	}
	assert.True(t, table.FreshForReads(now))
	assert.False(t, table.FreshForWrites(now), "a table with no writers is never fresh for writes")
}

func TestTable_Purgeable(t *testing.T) {
	now := time.Now()
	table := &Table{TTL: time.Minute, LastUpdated: now}
	assert.False(t, table.Purgeable(now.Add(time.Minute+time.Second)))
	assert.True(t, table.Purgeable(now.Add(time.Minute+purgeDelay+time.Second)))
}

func TestTable_Valid(t *testing.T) {
	require.False(t, (&Table{}).Valid(), "a table with no routers is never valid")
	valid := &Table{
		Routers: []boltconn.Address{addr("r1", 7687)},
		Readers: []boltconn.Address{addr("a", 7687)},
	}
	assert.True(t, valid.Valid())
}

func TestTable_RemoveAddress(t *testing.T) {
	table := &Table{
		Routers: []boltconn.Address{addr("r1", 7687), addr("r2", 7687)},
		Readers: []boltconn.Address{addr("a", 7687), addr("b", 7687)},
		Writers: []boltconn.Address{addr("b", 7687)},
	}
	table.removeAddress(addr("b", 7687))
	assert.Equal(t, []boltconn.Address{addr("a", 7687)}, table.Readers)
	assert.Empty(t, table.Writers)
	assert.Len(t, table.Routers, 2, "routers that do not list the removed address are left intact")
}
