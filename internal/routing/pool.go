package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/dnscache"

	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/connpool"
	"github.com/jroosing/hydrabolt/internal/drivererrors"
)

// DatabaseCallback is invoked after a routing table names a database
// other than (or in addition to) the one requested, so a session can
// cache the server-assigned home database (§4.5 "home-database
// caching").
type DatabaseCallback func(database string)

// Pool wraps a direct connpool.Pool with per-database routing tables
// (§4.4, L3b).
type Pool struct {
	underlying *connpool.Pool

	initialAddress boltconn.Address
	routingContext map[string]string

	resolver        *dnscache.Resolver
	resolverRefresh time.Duration
	stopResolver    chan struct{}

	refreshMu sync.Mutex
	tables    map[string]*Table

	onDatabaseResolved DatabaseCallback

	log *slog.Logger
}

// New returns a routing Pool fronting underlying, seeded with the
// initial router address parsed from the neo4j:// URI.
func New(underlying *connpool.Pool, initialAddress boltconn.Address, routingContext map[string]string, resolverCacheTTL time.Duration, onDatabaseResolved DatabaseCallback, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if resolverCacheTTL <= 0 {
		resolverCacheTTL = 30 * time.Second
	}
	p := &Pool{
		underlying:         underlying,
		initialAddress:     initialAddress,
		routingContext:     routingContext,
		resolver:           &dnscache.Resolver{},
		resolverRefresh:    resolverCacheTTL,
		stopResolver:        make(chan struct{}),
		tables:             make(map[string]*Table),
		onDatabaseResolved: onDatabaseResolved,
		log:                log,
	}
	go p.runResolverRefresh()
	return p
}

func (p *Pool) runResolverRefresh() {
	ticker := time.NewTicker(p.resolverRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.resolver.Refresh(true)
		case <-p.stopResolver:
			return
		}
	}
}

// resolveHost turns a router hostname into its current IPs through the
// shared dnscache.Resolver, so repeated refreshes against the same
// router don't repeat a DNS lookup per attempt (§3, §4.4).
func (p *Pool) resolveHost(ctx context.Context, addr boltconn.Address) ([]boltconn.Address, error) {
	ips, err := p.resolver.LookupHost(ctx, addr.Host)
	if err != nil {
		return nil, fmt.Errorf("routing: resolve %s: %w", addr.Host, err)
	}
	out := make([]boltconn.Address, 0, len(ips))
	for _, ip := range ips {
		out = append(out, addr.Resolve(ip))
	}
	return out, nil
}

func databaseKey(database string) string { return database }

func (p *Pool) tableFor(key string) *Table {
	t, ok := p.tables[key]
	if !ok {
		t = &Table{}
		p.tables[key] = t
	}
	return t
}

// ensureFresh implements §4.4 step 1: purge stale tables, then refresh
// the target table if it isn't already fresh for the requested mode.
// Must be called with refreshMu held by the caller's choice of entry
// point (Acquire), not re-entered.
func (p *Pool) ensureFresh(ctx context.Context, database string, readonly bool, bookmarks []string, auth boltconn.AuthToken) error {
	now := time.Now()
	key := databaseKey(database)

	for k, t := range p.tables {
		if t.Purgeable(now) {
			delete(p.tables, k)
		}
	}

	t := p.tableFor(key)
	if t.Fresh(readonly, now) {
		return nil
	}
	return p.update(ctx, database, bookmarks, auth)
}

// update implements §4.4 step "Update(database)": try the initial
// router first if the table was last seen without writers, else try
// existing routers in order, each resolved via the cached resolver.
func (p *Pool) update(ctx context.Context, database string, bookmarks []string, auth boltconn.AuthToken) error {
	key := databaseKey(database)
	existing := p.tableFor(key)

	candidates := make([]boltconn.Address, 0, len(existing.Routers)+1)
	if existing.InitializedWithoutWriters {
		candidates = append(candidates, p.initialAddress)
		candidates = append(candidates, existing.Routers...)
	} else {
		candidates = append(candidates, existing.Routers...)
		candidates = append(candidates, p.initialAddress)
	}

	var lastErr error
	for _, router := range candidates {
		resolved, err := p.resolveHost(ctx, router)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ra := range resolved {
			table, resolvedDB, err := p.tryFetch(ctx, ra, database, bookmarks, auth)
			if err != nil {
				lastErr = err
				continue
			}
			if !table.Valid() {
				lastErr = fmt.Errorf("routing: router %s returned an invalid table", ra)
				continue
			}
			p.tables[key] = table
			if resolvedDB != "" && resolvedDB != database && p.onDatabaseResolved != nil {
				p.onDatabaseResolved(resolvedDB)
			}
			p.updateConnectionPool()
			return nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("routing: no routers available for database %q", database)
	}
	return &drivererrors.ServiceUnavailableError{Address: p.initialAddress.Key(), Cause: lastErr}
}

func (p *Pool) tryFetch(ctx context.Context, router boltconn.Address, database string, bookmarks []string, auth boltconn.AuthToken) (*Table, string, error) {
	conn, err := p.underlying.Acquire(ctx, router, auth)
	if err != nil {
		return nil, "", err
	}
	defer p.underlying.Release(conn)

	table, err := fetchRoutingTable(conn, p.routingContext, bookmarks, database, "")
	if err != nil {
		return nil, "", err
	}
	return table, table.Database, nil
}

// updateConnectionPool garbage-collects pooled connections to addresses
// no longer present in any routing table (§4.4
// update_connection_pool). Must be called with refreshMu held.
func (p *Pool) updateConnectionPool() {
	live := make(map[string]bool)
	for _, t := range p.tables {
		for _, a := range t.Routers {
			live[a.Key()] = true
		}
		for _, a := range t.Readers {
			live[a.Key()] = true
		}
		for _, a := range t.Writers {
			live[a.Key()] = true
		}
	}
	for _, addr := range p.underlying.Addresses() {
		if !live[addr.Key()] {
			p.underlying.Deactivate(addr)
		}
	}
}

// Acquire implements §4.4's acquire: ensure the table is fresh, pick an
// address by least-in-use-count (random among ties), acquire from the
// underlying pool, retrying against a different address on
// ServiceUnavailable/SessionExpired.
func (p *Pool) Acquire(ctx context.Context, mode connpool.AccessMode, database string, bookmarks []string, auth boltconn.AuthToken) (*boltconn.Connection, error) {
	readonly := mode == connpool.AccessModeRead

	for {
		p.refreshMu.Lock()
		if err := p.ensureFresh(ctx, database, readonly, bookmarks, auth); err != nil {
			p.refreshMu.Unlock()
			return nil, err
		}
		t := p.tableFor(databaseKey(database))
		candidates := t.Writers
		if readonly {
			candidates = t.Readers
		}
		tableSnapshot := append([]boltconn.Address(nil), candidates...)
		p.refreshMu.Unlock()

		if len(tableSnapshot) == 0 {
			return nil, &drivererrors.SessionExpiredError{Database: database, Cause: fmt.Errorf("routing table has no %s addresses", accessModeLabel(readonly))}
		}

		addr := p.pickLeastUsed(tableSnapshot)
		conn, err := p.underlying.Acquire(ctx, addr, auth)
		if err == nil {
			return conn, nil
		}
		if isConnectFailure(err) {
			p.Deactivate(addr)
			continue
		}
		return nil, err
	}
}

func accessModeLabel(readonly bool) string {
	if readonly {
		return "reader"
	}
	return "writer"
}

func isConnectFailure(err error) bool {
	return errors.Is(err, drivererrors.ErrServiceUnavailable) || errors.Is(err, drivererrors.ErrSessionExpired)
}

// pickLeastUsed partitions candidates by InUseCount on the underlying
// pool and picks uniformly at random from the least-used bucket (§4.4
// step 2).
func (p *Pool) pickLeastUsed(candidates []boltconn.Address) boltconn.Address {
	best := candidates[0]
	bestCount := p.underlying.InUseCount(best)
	var tied []boltconn.Address
	tied = append(tied, best)
	for _, a := range candidates[1:] {
		c := p.underlying.InUseCount(a)
		switch {
		case c < bestCount:
			bestCount = c
			tied = tied[:0]
			tied = append(tied, a)
		case c == bestCount:
			tied = append(tied, a)
		}
	}
	return tied[rand.Intn(len(tied))]
}

// Release returns conn to the underlying pool.
func (p *Pool) Release(conn *boltconn.Connection) { p.underlying.Release(conn) }

// KillAndRelease forcefully drops conn (cancellation path, §5c).
func (p *Pool) KillAndRelease(conn *boltconn.Connection) { p.underlying.KillAndRelease(conn) }

// Deactivate removes addr from the underlying pool and from every
// routing table that lists it, the read-failure response (§4.4 "On
// read failure: deactivate the address").
func (p *Pool) Deactivate(addr boltconn.Address) {
	p.underlying.Deactivate(addr)
	p.refreshMu.Lock()
	for _, t := range p.tables {
		t.removeAddress(addr)
	}
	p.refreshMu.Unlock()
}

// OnWriteFailure removes addr from database's writer set without
// touching the underlying pool (§4.4 "On write failure: remove the
// offending address from writers").
func (p *Pool) OnWriteFailure(addr boltconn.Address, database string) {
	p.refreshMu.Lock()
	if t, ok := p.tables[databaseKey(database)]; ok {
		t.removeWriter(addr)
	}
	p.refreshMu.Unlock()
}

// Invalidate forces a refresh of database's table on the next Acquire
// by expiring it immediately.
func (p *Pool) Invalidate(database string) {
	p.refreshMu.Lock()
	if t, ok := p.tables[databaseKey(database)]; ok {
		t.LastUpdated = time.Time{}
	}
	p.refreshMu.Unlock()
}

// Close stops the resolver refresh loop and closes the underlying pool.
func (p *Pool) Close() {
	close(p.stopResolver)
	p.underlying.Close()
}
