package routing

import (
	"time"

	"github.com/jroosing/hydrabolt/internal/boltconn"
)

func rawToTable(raw *rawRoutingReply) *Table {
	t := &Table{
		Database:    raw.database,
		TTL:         time.Duration(raw.ttlSeconds) * time.Second,
		LastUpdated: time.Now(),
	}
	for _, g := range raw.servers {
		addrs := make([]boltconn.Address, 0, len(g.addresses))
		for _, s := range g.addresses {
			if a, err := boltconn.ParseAddress(s); err == nil {
				addrs = append(addrs, a)
			}
		}
		switch g.role {
		case "ROUTE":
			t.Routers = addrs
		case "READ":
			t.Readers = addrs
		case "WRITE":
			t.Writers = addrs
		}
	}
	t.InitializedWithoutWriters = len(t.Writers) == 0
	return t
}
