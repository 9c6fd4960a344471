package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/hydrabolt/internal/packstream"
)

func TestParseRawReply(t *testing.T) {
	rt := packstream.Map{
		"ttl": int64(300),
		"db":  "neo4j",
		"servers": []any{
			packstream.Map{"role": "ROUTE", "addresses": []any{"r1:7687"}},
			packstream.Map{"role": "READ", "addresses": []any{"a:7687", "b:7687"}},
			packstream.Map{"role": "WRITE", "addresses": []any{"a:7687"}},
		},
	}
	reply := parseRawReply(rt)
	assert.Equal(t, int64(300), reply.ttlSeconds)
	assert.Equal(t, "neo4j", reply.database)
	assert.Len(t, reply.servers, 3)
	assert.Equal(t, "ROUTE", reply.servers[0].role)
	assert.Equal(t, []string{"r1:7687"}, reply.servers[0].addresses)
	assert.Equal(t, []string{"a:7687", "b:7687"}, reply.servers[1].addresses)
}

func TestParseRawReply_MissingDatabaseLeavesItEmpty(t *testing.T) {
	reply := parseRawReply(packstream.Map{"ttl": int64(60)})
	assert.Empty(t, reply.database)
	assert.Empty(t, reply.servers)
}

func TestParseProcedureRecord(t *testing.T) {
	fields := []string{"ttl", "servers"}
	values := []any{
		int64(120),
		[]any{packstream.Map{"role": "WRITE", "addresses": []any{"w1:7687"}}},
	}
	reply := parseProcedureRecord(fields, values)
	assert.Equal(t, int64(120), reply.ttlSeconds)
	require.Len(t, reply.servers, 1)
	assert.Equal(t, "WRITE", reply.servers[0].role)
}

func TestRawToTable_ThreadsDatabaseAndInitializedWithoutWriters(t *testing.T) {
	raw := &rawRoutingReply{
		ttlSeconds: 300,
		database:   "resolved-db",
		servers: []serverGroup{
			{role: "ROUTE", addresses: []string{"r1:7687"}},
			{role: "READ", addresses: []string{"r1:7687"}},
		},
	}
	table := rawToTable(raw)
	assert.Equal(t, "resolved-db", table.Database)
	assert.True(t, table.InitializedWithoutWriters, "a reply with no WRITE group must mark the table as initialized without writers")
	assert.Len(t, table.Routers, 1)
	assert.Len(t, table.Readers, 1)
	assert.Empty(t, table.Writers)
}

func TestRawToTable_WithWriters(t *testing.T) {
	raw := &rawRoutingReply{
		servers: []serverGroup{
			{role: "ROUTE", addresses: []string{"r1:7687"}},
			{role: "READ", addresses: []string{"r1:7687"}},
			{role: "WRITE", addresses: []string{"r1:7687"}},
		},
	}
	table := rawToTable(raw)
	assert.False(t, table.InitializedWithoutWriters)
	assert.Len(t, table.Writers, 1)
}
