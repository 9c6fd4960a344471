// Package routing implements L3b: a per-database routing table cache
// with TTL-driven refresh, role-based address selection, and
// failure-driven invalidation (§4.4).
package routing

import (
	"time"

	"github.com/jroosing/hydrabolt/internal/boltconn"
)

// DefaultDatabaseKey is the distinguished map key §3 calls "the default
// database" — used when a session has not (yet) resolved a home
// database name.
const DefaultDatabaseKey = ""

// purgeDelay is how long past TTL expiry a table is kept around before
// being purged entirely (§3 "purgeable").
const purgeDelay = 30 * time.Second

// Table is one database's routing table (§3).
type Table struct {
	Routers []boltconn.Address
	Readers []boltconn.Address
	Writers []boltconn.Address

	// Database is the server-resolved database name this table was
	// fetched for (§4.4 "db" field of the routing reply): the requested
	// name when one was given, or the server's assigned default/home
	// database when it wasn't (§4.5 "Home-database caching").
	Database string

	TTL         time.Duration
	LastUpdated time.Time

	// InitializedWithoutWriters is true when the table was first fetched
	// with an empty writer set (leader election in progress); the next
	// refresh should prefer the initial router over the table's own
	// router set (§4.4 step 2 "Update").
	InitializedWithoutWriters bool
}

func (t *Table) expired(now time.Time) bool {
	return now.After(t.LastUpdated.Add(t.TTL))
}

// FreshForReads reports whether t can serve a READ acquisition without
// a refresh (§3, §8 P5).
func (t *Table) FreshForReads(now time.Time) bool {
	return !t.expired(now) && len(t.Routers) > 0 && len(t.Readers) > 0
}

// FreshForWrites reports whether t can serve a WRITE acquisition
// without a refresh (§3, §8 P5).
func (t *Table) FreshForWrites(now time.Time) bool {
	return !t.expired(now) && len(t.Routers) > 0 && len(t.Writers) > 0
}

// Fresh dispatches to FreshForReads/FreshForWrites by whether the
// caller wants a read-only table, matching §8 P5's single-predicate
// phrasing.
func (t *Table) Fresh(readonly bool, now time.Time) bool {
	if readonly {
		return t.FreshForReads(now)
	}
	return t.FreshForWrites(now)
}

// Purgeable reports whether t is old enough to be dropped outright
// rather than merely refreshed (§3).
func (t *Table) Purgeable(now time.Time) bool {
	return now.After(t.LastUpdated.Add(t.TTL).Add(purgeDelay))
}

// Valid reports whether a freshly fetched table is usable at all:
// routers and readers must be non-empty, writers may legitimately be
// empty during leader election (§4.4 step 4).
func (t *Table) Valid() bool {
	return len(t.Routers) > 0 && len(t.Readers) > 0
}

func (t *Table) removeWriter(addr boltconn.Address) {
	t.Writers = removeAddr(t.Writers, addr)
}

func (t *Table) removeAddress(addr boltconn.Address) {
	t.Routers = removeAddr(t.Routers, addr)
	t.Readers = removeAddr(t.Readers, addr)
	t.Writers = removeAddr(t.Writers, addr)
}

func removeAddr(list []boltconn.Address, addr boltconn.Address) []boltconn.Address {
	out := list[:0]
	for _, a := range list {
		if a.Key() != addr.Key() {
			out = append(out, a)
		}
	}
	return out
}
