package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/drivererrors"
	"github.com/jroosing/hydrabolt/internal/packstream"
	"github.com/jroosing/hydrabolt/internal/retry"
)

// Config configures a Session (§3 "Session").
type Config struct {
	DefaultAccessMode AccessMode
	Database          string // empty means "resolve the home database"
	Bookmarks         []string
	Auth              boltconn.AuthToken // nil uses the driver-wide auth
	BookmarkManager   BookmarkManager
	FetchSize         int64
	ImpersonatedUser  string
	AuthFingerprint   string // for the home-database cache key

	AcquireTimeout time.Duration
	Retry          retry.Config
}

// concurrencyGuard is the debug-only single-threaded-access check
// (§5, §8 P7), compiled in always but only enforced when enabled.
type concurrencyGuard struct {
	enabled  bool
	inFlight atomic.Int32
}

// Session owns at most one borrowed connection at a time (§3, §4.5 L4).
// It is single-threaded: concurrent calls from multiple goroutines are
// a programming error, caught by the debug guard when enabled.
type Session struct {
	source ConnectionSource
	log    *slog.Logger

	cfg Config

	initialBookmarks *BookmarkSet
	bookmarks        *BookmarkSet
	initialMerged    bool

	homeDatabase     string
	homeDBResolved   bool
	homeDatabaseCache *HomeDatabaseCache

	conn *boltconn.Connection
	tx   *Transaction
	auto *Result

	closed bool

	guard concurrencyGuard
}

// New returns a Session borrowing from source.
func New(source ConnectionSource, cfg Config, homeDBCache *HomeDatabaseCache, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FetchSize <= 0 {
		cfg.FetchSize = 1000
	}
	s := &Session{
		source:            source,
		log:               log,
		cfg:               cfg,
		initialBookmarks:  NewBookmarkSet(cfg.Bookmarks...),
		bookmarks:         NewBookmarkSet(),
		homeDatabase:      cfg.Database,
		homeDBResolved:    cfg.Database != "",
		homeDatabaseCache: homeDBCache,
	}
	s.guard.enabled = os.Getenv("HYDRABOLT_CONCURRENCY_CHECK") == "1"
	return s
}

func (s *Session) enter(method string) (func(), error) {
	if !s.guard.enabled {
		return func() {}, nil
	}
	if !s.guard.inFlight.CompareAndSwap(0, 1) {
		return nil, &drivererrors.NonConcurrentAccessError{
			Component: fmt.Sprintf("session.%s", method),
			Stack:     string(debug.Stack()),
		}
	}
	return func() { s.guard.inFlight.Store(0) }, nil
}

// currentBookmarks assembles the bookmark list for the next
// transaction (§4.5 "Bookmark chaining"): the manager's bookmarks (if
// any), plus the still-unmerged initial bookmarks on the very first
// transaction, plus whatever this session has accumulated from prior
// commits.
func (s *Session) currentBookmarks() []string {
	set := NewBookmarkSet(s.bookmarks.Slice()...)
	if !s.initialMerged {
		set.Add(s.initialBookmarks.Slice()...)
		s.initialMerged = true
	}
	if s.cfg.BookmarkManager != nil {
		set.Add(s.cfg.BookmarkManager.Get()...)
	}
	return set.Slice()
}

// onCommitted records a commit's chained bookmark (§4.5): the
// session's bookmark set becomes exactly {that_bookmark}, and the
// bookmark manager (if any) is notified of the transition.
func (s *Session) onCommitted(previous []string, bookmark string) {
	if bookmark == "" {
		return
	}
	s.bookmarks.Replace(bookmark)
	if s.cfg.BookmarkManager != nil {
		s.cfg.BookmarkManager.Update(previous, []string{bookmark})
	}
}

// LastBookmarks returns the session's current bookmark set (§3, §8 P3).
func (s *Session) LastBookmarks() []string { return s.bookmarks.Slice() }

// database resolves the database this session should target, issuing
// a routing refresh for home-database resolution on first use if
// needed (§4.5 "Home-database caching").
func (s *Session) database(ctx context.Context) (string, error) {
	if s.homeDBResolved {
		return s.homeDatabase, nil
	}
	if !s.source.HomeDatabaseCapable() {
		s.homeDBResolved = true
		return "", nil
	}
	if s.homeDatabaseCache != nil {
		if cached, ok := s.homeDatabaseCache.Get(s.cfg.ImpersonatedUser, s.cfg.AuthFingerprint); ok {
			s.homeDatabase = cached
			s.homeDBResolved = true
			return cached, nil
		}
	}
	// The routing pool resolves the home database as a side effect of
	// the first acquire against the empty-database key; Acquire below
	// records whatever name comes back via ensureConnection's callback.
	return "", nil
}

// ensureConnection borrows a connection for mode if none is currently
// held.
func (s *Session) ensureConnection(ctx context.Context, mode AccessMode) error {
	if s.conn != nil {
		return nil
	}
	db, err := s.database(ctx)
	if err != nil {
		return err
	}
	// The routing lookup sees the initial bookmarks without consuming
	// them; the BEGIN or RUN that follows still carries them.
	merged := s.initialMerged
	conn, err := s.source.Acquire(ctx, mode, db, s.currentBookmarks(), s.cfg.Auth)
	s.initialMerged = merged
	if err != nil {
		return err
	}
	s.conn = conn
	if !s.homeDBResolved {
		// A routing acquisition that resolved a home database stashes it
		// via the driver's DatabaseCallback before Acquire returns; by
		// convention the caller of session.New already wired that
		// callback to call ResolveHomeDatabase on this session.
		if s.homeDatabase != "" {
			s.homeDBResolved = true
			if s.homeDatabaseCache != nil {
				s.homeDatabaseCache.Set(s.cfg.ImpersonatedUser, s.cfg.AuthFingerprint, s.homeDatabase)
			}
		}
	}
	return nil
}

// ResolveHomeDatabase is the DatabaseCallback hook a routing.Pool
// invokes after a refresh names a database other than the one
// requested (§4.5). Wire this via routing.New's onDatabaseResolved
// argument, closing over this session (or, for pooled home-database
// resolution, over the HomeDatabaseCache directly).
func (s *Session) ResolveHomeDatabase(database string) {
	s.homeDatabase = database
}

// Run executes an auto-commit query (§4.5 "run"). If an auto-commit
// result from a previous call is still live, it is buffered into
// memory first so its records remain reachable.
func (s *Session) Run(ctx context.Context, query string, params packstream.Map) (*Result, error) {
	if done, err := s.enter("Run"); err != nil {
		return nil, err
	} else {
		defer done()
	}
	if s.closed {
		return nil, &drivererrors.ResultConsumedError{Reason: "session is closed"}
	}
	if s.tx != nil {
		return nil, &drivererrors.ConfigurationError{Reason: "cannot run an auto-commit query while a transaction is open"}
	}
	if s.auto != nil {
		if err := s.auto.bufferRemainder(); err != nil {
			return nil, err
		}
	}
	if err := s.ensureConnection(ctx, s.cfg.DefaultAccessMode); err != nil {
		return nil, err
	}

	var keys []string
	var runErr error
	runHandler := &boltconn.ResponseHandler{
		OnSuccess: func(metadata packstream.Map) {
			if fs, ok := metadata["fields"].([]any); ok {
				for _, f := range fs {
					if str, ok := f.(string); ok {
						keys = append(keys, str)
					}
				}
			}
		},
		OnFailure: func(metadata packstream.Map) { runErr = boltconn.ServerErrorFromMetadata(metadata) },
	}
	extras := boltconn.RunExtras{
		Bookmarks: s.currentBookmarks(),
		Database:  s.homeDatabase,
		Mode:      modeLabel(s.cfg.DefaultAccessMode),
		ImpUser:   s.cfg.ImpersonatedUser,
	}
	if err := s.conn.Run(query, params, extras, runHandler); err != nil {
		return nil, err
	}
	result := newResult(s.conn, nil, s.conn.MostRecentQID(), s.cfg.FetchSize)
	streamHandler := result.newStreamHandler()
	wrappedSuccess := streamHandler.OnSuccess
	streamHandler.OnSuccess = func(metadata packstream.Map) {
		wrappedSuccess(metadata)
		if bm, ok := metadata["bookmark"].(string); ok {
			s.onCommitted(s.bookmarks.Slice(), bm)
		}
	}
	if err := s.conn.Pull(s.cfg.FetchSize, s.conn.MostRecentQID(), streamHandler); err != nil {
		return nil, err
	}
	if err := s.conn.Flush(); err != nil {
		return nil, err
	}
	if err := s.conn.FetchAll(runHandler); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}
	result.keys = keys
	s.auto = result
	return result, nil
}

func modeLabel(mode AccessMode) string {
	if mode == AccessModeRead {
		return "r"
	}
	return "w"
}

// BeginTransaction buffers any active auto-commit result, acquires a
// connection for access mode mode, and sends BEGIN (§4.5
// "begin_transaction").
func (s *Session) BeginTransaction(ctx context.Context, mode AccessMode, metadata packstream.Map, timeout time.Duration) (*Transaction, error) {
	if done, err := s.enter("BeginTransaction"); err != nil {
		return nil, err
	} else {
		defer done()
	}
	if s.closed {
		return nil, &drivererrors.ResultConsumedError{Reason: "session is closed"}
	}
	if s.tx != nil {
		return nil, &drivererrors.ConfigurationError{Reason: "a transaction is already open on this session"}
	}
	if s.auto != nil {
		if err := s.auto.bufferRemainder(); err != nil {
			return nil, err
		}
		s.auto = nil
	}
	if err := s.ensureConnection(ctx, mode); err != nil {
		return nil, err
	}

	extras := boltconn.RunExtras{
		Bookmarks:  s.currentBookmarks(),
		Database:   s.homeDatabase,
		Mode:       modeLabel(mode),
		ImpUser:    s.cfg.ImpersonatedUser,
		TxMetadata: metadata,
	}
	if timeout > 0 {
		extras.TxTimeoutMS = timeout.Milliseconds()
	}
	tx, err := beginTransaction(s.conn, extras, s.cfg.FetchSize)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return tx, nil
}

// endTransaction releases the session's connection once a transaction
// finishes, whether by commit, rollback, or forced kill.
func (s *Session) endTransaction(tx *Transaction, kill bool) {
	if s.tx != tx {
		return
	}
	s.tx = nil
	if s.conn == nil {
		return
	}
	conn := s.conn
	s.conn = nil
	if kill || conn.Defunct {
		s.source.KillAndRelease(conn)
		return
	}
	s.source.Release(conn)
}

// ExecuteWrite runs fn under the managed-retry loop with access mode
// WRITE (§4.5 "execute_write"). See ExecuteRead for the shared
// implementation.
func (s *Session) ExecuteWrite(ctx context.Context, fn func(tx *Transaction) (any, error)) (any, error) {
	return s.executeManaged(ctx, AccessModeWrite, fn)
}

// ExecuteRead runs fn under the managed-retry loop with access mode
// READ (§4.5 "execute_read").
func (s *Session) ExecuteRead(ctx context.Context, fn func(tx *Transaction) (any, error)) (any, error) {
	return s.executeManaged(ctx, AccessModeRead, fn)
}

func (s *Session) executeManaged(ctx context.Context, mode AccessMode, fn func(tx *Transaction) (any, error)) (any, error) {
	executor := retry.New(s.cfg.Retry, retry.RealSleeper, nil)
	return executor.Run(ctx, func(ctx context.Context) (any, error) {
		tx, err := s.BeginTransaction(ctx, mode, nil, 0)
		if err != nil {
			return nil, err
		}
		value, fnErr := fn(tx)
		if fnErr != nil {
			_ = tx.Rollback()
			s.endTransaction(tx, false)
			return nil, fnErr
		}
		previous := s.bookmarks.Slice()
		bookmark, commitErr := tx.Commit()
		s.endTransaction(tx, false)
		if commitErr != nil {
			return nil, commitErr
		}
		s.onCommitted(previous, bookmark)
		return value, nil
	})
}

// Cancel kills the session's borrowed connection (no graceful reset)
// and any open transaction's results become out of scope (§5c, §8
// scenario 6 "Cancelled session close"). Cancellation never suppresses
// the caller's own error; Cancel is a resource-teardown helper the
// caller invokes after observing a ctx.Done().
func (s *Session) Cancel() {
	if s.tx != nil {
		tx := s.tx
		tx.closeResults()
		s.endTransaction(tx, true)
	} else if s.conn != nil {
		conn := s.conn
		s.conn = nil
		s.source.KillAndRelease(conn)
	}
	if s.auto != nil {
		s.auto.markOutOfScope()
		s.auto = nil
	}
}

// Close releases the session's borrowed connection, if any, rolling
// back an open transaction first (§3 "close()").
func (s *Session) Close() error {
	if done, err := s.enter("Close"); err != nil {
		return err
	} else {
		defer done()
	}
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx != nil {
		tx := s.tx
		err := tx.Rollback()
		s.endTransaction(tx, err != nil)
		if s.auto != nil {
			s.auto.markOutOfScope()
			s.auto = nil
		}
		return err
	}
	if s.auto != nil {
		s.auto.markOutOfScope()
		s.auto = nil
	}
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		s.source.Release(conn)
	}
	return nil
}
