package boltconn

import "github.com/jroosing/hydrabolt/internal/packstream"

// RunExtras carries the extras map for an auto-commit or in-transaction
// RUN (§4.2's dialect-dependent extras table).
type RunExtras struct {
	Bookmarks   []string
	TxTimeoutMS int64
	TxMetadata  packstream.Map
	Mode        string // "r" or "w"; omitted entirely when "w" (default)
	Database    string
	ImpUser     string
}

func (c *Connection) buildRunExtras(e RunExtras) packstream.Map {
	m := packstream.Map{}
	if len(e.Bookmarks) > 0 {
		bms := make([]any, len(e.Bookmarks))
		for i, b := range e.Bookmarks {
			bms[i] = b
		}
		m["bookmarks"] = bms
	}
	if e.TxTimeoutMS > 0 {
		m["tx_timeout"] = e.TxTimeoutMS
	}
	if len(e.TxMetadata) > 0 {
		m["tx_metadata"] = e.TxMetadata
	}
	if e.Mode == "r" {
		m["mode"] = "r"
	}
	if e.Database != "" && c.dialect.SupportsDBExtra() {
		m["db"] = e.Database
	}
	if e.ImpUser != "" && c.dialect.SupportsImpersonation() {
		m["imp_user"] = e.ImpUser
	}
	return m
}

// Run sends RUN(query, params, extras). send tags the handler as a RUN
// reply, so its SUCCESS moves READY to STREAMING, or TX_READY to
// TX_STREAMING when a transaction is open on the connection.
func (c *Connection) Run(query string, params packstream.Map, extras RunExtras, handler *ResponseHandler) error {
	return c.send(runMessage(query, params, c.buildRunExtras(extras)), handler)
}

// pullDiscardExtras builds the n/qid extras map for PULL/DISCARD. qid
// uses -1 (encoded as the sentinel) when it equals the connection's
// most-recent-qid, per §4.5 "qid: ... client encodes qid = -1 to save
// bytes".
func (c *Connection) pullDiscardExtras(n int64, qid int64) packstream.Map {
	if !c.dialect.SupportsPullDiscardExtras() {
		return packstream.Map{}
	}
	m := packstream.Map{"n": n}
	if qid == c.mostRecentQID {
		m["qid"] = int64(-1)
	} else {
		m["qid"] = qid
	}
	return m
}

// Pull sends PULL(n, qid) and registers handler at the tail of the
// response queue.
func (c *Connection) Pull(n int64, qid int64, handler *ResponseHandler) error {
	return c.send(pullMessage(c.pullDiscardExtras(n, qid)), handler)
}

// Discard sends DISCARD(n, qid). n=-1 discards everything remaining.
func (c *Connection) Discard(n int64, qid int64, handler *ResponseHandler) error {
	return c.send(discardMessage(c.pullDiscardExtras(n, qid)), handler)
}

// Begin sends BEGIN with the assembled extras map.
func (c *Connection) Begin(extras RunExtras, handler *ResponseHandler) error {
	return c.send(beginMessage(c.buildRunExtras(extras)), handler)
}

// Commit sends COMMIT. The handler's OnSuccess receives the summary
// metadata, which carries the chained bookmark (§4.5).
func (c *Connection) Commit(handler *ResponseHandler) error {
	return c.send(commitMessage(), handler)
}

// Rollback sends ROLLBACK best-effort.
func (c *Connection) Rollback(handler *ResponseHandler) error {
	return c.send(rollbackMessage(), handler)
}

// SetMostRecentQID records the qid the server most recently assigned,
// so a later PULL/DISCARD against the same query can use the -1
// shorthand.
func (c *Connection) SetMostRecentQID(qid int64) { c.mostRecentQID = qid }

// Route sends ROUTE(context, bookmarks, dbExtra) on dialects that
// support the message (v4.3+); callers on earlier dialects must instead
// RUN the appropriate routing procedure (§4.2, §4.4).
func (c *Connection) Route(context map[string]string, bookmarks []string, database, impUser string, handler *ResponseHandler) error {
	ctx := make(packstream.Map, len(context))
	for k, v := range context {
		ctx[k] = v
	}
	bms := make([]any, len(bookmarks))
	for i, b := range bookmarks {
		bms[i] = b
	}
	dbExtra := packstream.Map{}
	if database != "" {
		dbExtra["db"] = database
	}
	if impUser != "" && c.dialect.SupportsImpersonation() {
		dbExtra["imp_user"] = impUser
	}
	return c.send(routeMessage(ctx, bms, dbExtra), handler)
}

// Flush exposes flush to callers outside the package that build up a
// batch of sends (RUN immediately followed by PULL) before flushing
// once, matching §4.2's "send_all() flushes" append-then-flush shape.
func (c *Connection) Flush() error { return c.flush() }

// FetchMessage exposes fetchMessage to result-streaming callers that
// need to drive exactly one server message at a time.
func (c *Connection) FetchMessage() error { return c.fetchMessage() }

// FetchAll exposes fetchAll to callers that want to block until a
// given handler's reply is complete.
func (c *Connection) FetchAll(handler *ResponseHandler) error { return c.fetchAll(handler) }

// SupportsReAuth reports whether the connection can re-authenticate
// with a LOGOFF/LOGON pair. Bolt 5.1+ would carry it; within the
// 4.0-4.4 range this driver negotiates, no dialect supports session-
// level re-auth, so it always returns false and callers must treat
// ErrConfiguration from the pool as the expected outcome (§4.3 "if the protocol lacks support and the
// session passed an auth token, fail with a configuration error").
func (c *Connection) SupportsReAuth() bool { return false }
