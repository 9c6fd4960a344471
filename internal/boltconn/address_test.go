package boltconn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/hydrabolt/internal/boltconn"
)

func TestAddress_KeyAndDialTarget(t *testing.T) {
	a := boltconn.NewAddress("db1.internal", 7687)
	assert.Equal(t, "db1.internal:7687", a.Key())
	assert.Equal(t, "db1.internal:7687", a.DialTarget(), "an unresolved address dials its own host:port")

	resolved := a.Resolve("10.0.0.5")
	assert.Equal(t, "db1.internal:7687", resolved.Key(), "pool keying uses the unresolved form even after Resolve")
	assert.Equal(t, "10.0.0.5:7687", resolved.DialTarget())
}

func TestParseAddress(t *testing.T) {
	a, err := boltconn.ParseAddress("neo4j.example.com:7687")
	require.NoError(t, err)
	assert.Equal(t, "neo4j.example.com", a.Host)
	assert.Equal(t, 7687, a.Port)

	_, err = boltconn.ParseAddress("not-a-hostport")
	assert.Error(t, err)

	_, err = boltconn.ParseAddress("host:not-a-port")
	assert.Error(t, err)
}
