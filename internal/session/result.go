package session

import (
	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/drivererrors"
	"github.com/jroosing/hydrabolt/internal/packstream"
)

// Summary is a RUN's terminal metadata (§3 "the summary metadata once
// terminal"): server timing, counters, the query's field names, and
// (for a COMMIT-bearing flow) the chained bookmark.
type Summary map[string]any

// Result is a lazy cursor over one RUN's records (§3, L5'): it drives
// PULL/DISCARD against its connection on demand rather than buffering
// the whole stream up front.
type Result struct {
	conn *boltconn.Connection
	keys []string
	qid  int64

	fetchSize int64

	buffer []Record

	attached   bool
	streaming  bool
	hasMore    bool
	discarding bool
	consumed   bool
	outOfScope bool

	summary Summary

	pending *boltconn.ResponseHandler
}

// Record is one row: positional values aligned with Result.Keys().
type Record []any

func newResult(conn *boltconn.Connection, keys []string, qid int64, fetchSize int64) *Result {
	if fetchSize <= 0 {
		fetchSize = 1000
	}
	return &Result{
		conn:      conn,
		keys:      keys,
		qid:       qid,
		fetchSize: fetchSize,
		attached:  true,
		streaming: true, // the initial PULL is already in flight when newResult is built
	}
}

// Keys returns the result's column names.
func (r *Result) Keys() []string { return append([]string(nil), r.keys...) }

// FieldIndex returns the position of name in the result's keys, or
// -1 if absent. Callers typically resolve this once and reuse it
// across every Record from the same Result.
func (r *Result) FieldIndex(name string) int {
	for i, k := range r.keys {
		if k == name {
			return i
		}
	}
	return -1
}

// markOutOfScope is called when the owning transaction or session
// closes while this result is still live (§4.5 "A result becomes out
// of scope when..."). Subsequent use fails with ResultConsumedError.
func (r *Result) markOutOfScope() {
	r.outOfScope = true
	r.attached = false
}

func (r *Result) checkUsable() error {
	if r.outOfScope {
		return &drivererrors.ResultConsumedError{Reason: "result's owning transaction or session is closed"}
	}
	if r.consumed {
		return &drivererrors.ResultConsumedError{Reason: "result already consumed"}
	}
	return nil
}

// Next advances the cursor. It returns (record, true, nil) when a
// record was available, (nil, false, nil) once the stream is
// exhausted, and (nil, false, err) on any error (§4.5 result streaming
// algorithm, §8 P6).
func (r *Result) Next() (Record, bool, error) {
	if err := r.checkUsable(); err != nil {
		return nil, false, err
	}
	for len(r.buffer) == 0 {
		if !r.attached {
			return nil, false, nil
		}
		if err := r.advance(); err != nil {
			return nil, false, err
		}
		if len(r.buffer) == 0 && !r.attached {
			return nil, false, nil
		}
	}
	rec := r.buffer[0]
	r.buffer = r.buffer[1:]
	return rec, true, nil
}

// advance implements one iteration of §4.5's pull loop: if a PULL is
// already in flight, fetch one more server message; else if has_more,
// queue another PULL; else if discarding, queue a DISCARD(-1); else the
// result is exhausted and becomes detached.
func (r *Result) advance() error {
	switch {
	case r.streaming:
		return r.conn.FetchMessage()
	case r.hasMore:
		return r.sendPull()
	case r.discarding:
		return r.sendDiscard()
	default:
		r.attached = false
		return nil
	}
}

func (r *Result) sendPull() error {
	handler := r.newStreamHandler()
	r.streaming = true
	r.hasMore = false
	if err := r.conn.Pull(r.fetchSize, r.qid, handler); err != nil {
		return err
	}
	return r.conn.Flush()
}

func (r *Result) sendDiscard() error {
	handler := r.newStreamHandler()
	r.streaming = true
	r.discarding = false
	if err := r.conn.Discard(-1, r.qid, handler); err != nil {
		return err
	}
	return r.conn.Flush()
}

func (r *Result) newStreamHandler() *boltconn.ResponseHandler {
	handler := &boltconn.ResponseHandler{}
	handler.OnRecords = func(fields []any) {
		r.buffer = append(r.buffer, Record(fields))
	}
	handler.OnSuccess = func(metadata packstream.Map) {
		r.streaming = false
		if hm, ok := metadata["has_more"].(bool); ok && hm {
			r.hasMore = true
			return
		}
		r.attached = false
		r.summary = Summary(metadata)
	}
	handler.OnFailure = func(metadata packstream.Map) {
		r.streaming = false
		r.attached = false
	}
	return handler
}

// Single buffers up to two records then discards the rest (§4.5
// "single(strict)"). With strict=true it fails unless the stream
// yielded exactly one record.
func (r *Result) Single(strict bool) (Record, error) {
	first, ok, err := r.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		if strict {
			return nil, &drivererrors.ResultConsumedError{Reason: "expected exactly one record, got zero"}
		}
		return nil, nil
	}
	_, ok2, err := r.Next()
	if err != nil {
		return nil, err
	}
	if ok2 {
		_, _ = r.Consume()
		if strict {
			return nil, &drivererrors.ResultConsumedError{Reason: "expected exactly one record, got more than one"}
		}
	}
	return first, nil
}

// Consume discards the remainder of the stream and returns the
// summary (§4.5 "consume() discards the rest and returns the summary").
func (r *Result) Consume() (Summary, error) {
	if r.consumed {
		return r.summary, nil
	}
	for r.attached {
		r.discarding = true
		if _, _, err := r.Next(); err != nil {
			return r.summary, err
		}
	}
	r.buffer = nil
	r.consumed = true
	return r.summary, nil
}

// bufferRemainder drains the result into memory without discarding
// (§4.5 "run: if an auto-commit result is active, buffer its remainder
// into memory before running the next"), keeping every record
// reachable via subsequent Next calls.
func (r *Result) bufferRemainder() error {
	for r.attached {
		if err := r.advance(); err != nil {
			return err
		}
	}
	return nil
}
