package session

import (
	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/drivererrors"
	"github.com/jroosing/hydrabolt/internal/packstream"
)

// Transaction groups RUN/PULL/DISCARD/COMMIT/ROLLBACK on one borrowed
// connection (§3 "Transaction", L5). A session owns at most one at a
// time.
type Transaction struct {
	conn      *boltconn.Connection
	fetchSize int64

	open     []*Result
	closed   bool
	bookmark string // set by Commit's SUCCESS metadata (§4.5)
}

func beginTransaction(conn *boltconn.Connection, extras boltconn.RunExtras, fetchSize int64) (*Transaction, error) {
	var beginErr error
	handler := &boltconn.ResponseHandler{
		OnFailure: func(metadata packstream.Map) { beginErr = boltconn.ServerErrorFromMetadata(metadata) },
	}
	if err := conn.Begin(extras, handler); err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}
	if err := conn.FetchAll(handler); err != nil {
		return nil, err
	}
	if beginErr != nil {
		return nil, beginErr
	}
	return &Transaction{conn: conn, fetchSize: fetchSize}, nil
}

// Run sends RUN+PULL within the transaction and returns a lazily
// streamed Result (§4.5, §3 "Transaction... streams Results").
func (tx *Transaction) Run(query string, params packstream.Map, extras boltconn.RunExtras) (*Result, error) {
	if tx.closed {
		return nil, &drivererrors.ResultConsumedError{Reason: "transaction is closed"}
	}

	var keys []string
	var runErr error
	runHandler := &boltconn.ResponseHandler{
		OnSuccess: func(metadata packstream.Map) {
			if fs, ok := metadata["fields"].([]any); ok {
				for _, f := range fs {
					if s, ok := f.(string); ok {
						keys = append(keys, s)
					}
				}
			}
			if qid, ok := metadata["qid"].(int64); ok {
				tx.conn.SetMostRecentQID(qid)
			}
		},
		OnFailure: func(metadata packstream.Map) { runErr = boltconn.ServerErrorFromMetadata(metadata) },
	}
	if err := tx.conn.Run(query, params, extras, runHandler); err != nil {
		return nil, err
	}

	result := newResult(tx.conn, nil, tx.conn.MostRecentQID(), tx.fetchSize)
	streamHandler := result.newStreamHandler()
	if err := tx.conn.Pull(tx.fetchSize, tx.conn.MostRecentQID(), streamHandler); err != nil {
		return nil, err
	}
	if err := tx.conn.Flush(); err != nil {
		return nil, err
	}
	if err := tx.conn.FetchAll(runHandler); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}
	result.keys = keys
	tx.open = append(tx.open, result)
	return result, nil
}

// Commit sends COMMIT, captures the chained bookmark from its SUCCESS
// metadata, and marks every Result this transaction produced
// out-of-scope (§4.5, §4.5 "Bookmark chaining").
func (tx *Transaction) Commit() (string, error) {
	if tx.closed {
		return "", &drivererrors.ResultConsumedError{Reason: "transaction is already closed"}
	}
	var commitErr error
	handler := &boltconn.ResponseHandler{
		OnSuccess: func(metadata packstream.Map) {
			if bm, ok := metadata["bookmark"].(string); ok {
				tx.bookmark = bm
			}
		},
		OnFailure: func(metadata packstream.Map) { commitErr = boltconn.ServerErrorFromMetadata(metadata) },
	}
	if err := tx.conn.Commit(handler); err != nil {
		return "", err
	}
	err := tx.conn.Flush()
	if err == nil {
		err = tx.conn.FetchAll(handler)
	}
	if err != nil {
		if tx.conn.Defunct {
			return "", &drivererrors.IncompleteCommitError{Cause: err}
		}
		return "", err
	}
	tx.closeResults()
	tx.closed = true
	if commitErr != nil {
		return "", commitErr
	}
	return tx.bookmark, nil
}

// Rollback sends ROLLBACK best-effort (§4.5 "execute_read/write: On
// exception: ROLLBACK (best-effort)"). A rollback failure is logged by
// the caller, not propagated as fatal, since the transaction is being
// abandoned either way.
func (tx *Transaction) Rollback() error {
	if tx.closed {
		return nil
	}
	var rollbackErr error
	handler := &boltconn.ResponseHandler{
		OnFailure: func(metadata packstream.Map) { rollbackErr = boltconn.ServerErrorFromMetadata(metadata) },
	}
	err := tx.conn.Rollback(handler)
	if err == nil {
		if fErr := tx.conn.Flush(); fErr != nil {
			err = fErr
		} else {
			err = tx.conn.FetchAll(handler)
		}
	}
	tx.closeResults()
	tx.closed = true
	if err != nil {
		return err
	}
	return rollbackErr
}

// closeResults marks every Result this transaction produced as out of
// scope (§4.5 "A result becomes out of scope when its owning
// transaction or session is closed").
func (tx *Transaction) closeResults() {
	for _, r := range tx.open {
		r.markOutOfScope()
	}
	tx.open = nil
}

