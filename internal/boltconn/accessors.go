package boltconn

import (
	"log/slog"
	"time"
)

// Auth returns the auth token this connection was opened or re-authed
// with.
func (c *Connection) Auth() AuthToken { return c.auth }

// SetAuth updates the cached auth token after a successful re-auth.
func (c *Connection) SetAuth(a AuthToken) { c.auth = a }

// Log returns the connection's correlation-scoped logger.
func (c *Connection) Log() *slog.Logger { return c.log }

// MarkIdle stamps the connection's idle timestamp; the pool calls this
// on release.
func (c *Connection) MarkIdle() { c.IdleSince = time.Now() }

// IdleDuration reports how long the connection has been sitting idle.
func (c *Connection) IdleDuration() time.Duration { return time.Since(c.IdleSince) }

// Age reports how long ago the connection was opened.
func (c *Connection) Age() time.Duration { return time.Since(c.CreatedAt) }

// RecvTimeout returns the recv-timeout hint applied from HELLO, zero if
// none was set.
func (c *Connection) RecvTimeout() time.Duration { return c.recvTimeout }

// MostRecentQID returns the last query id the server assigned on this
// connection.
func (c *Connection) MostRecentQID() int64 { return c.mostRecentQID }

// ReAuth brings the connection's auth token in line with want. On a
// dialect without session-level re-auth support, callers that supplied
// a session-specific auth token must fail with a configuration error
// (§4.3); callers that only want to pick up a rotated pool-wide token
// should instead close and reopen, which ReAuth signals by returning
// false, nil (no error, no re-auth performed).
func (c *Connection) ReAuth(want AuthToken) (performed bool, err error) {
	if authTokensEqual(c.auth, want) {
		return true, nil
	}
	if !c.SupportsReAuth() {
		return false, nil
	}
	c.auth = want
	return true, nil
}

func authTokensEqual(a, b AuthToken) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
