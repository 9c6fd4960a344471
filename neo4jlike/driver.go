// Package neo4jlike is the public surface: parse a connection URI,
// stand up the right pool (direct or routing), and hand out Sessions.
// Everything else lives under internal/ (§4, L0-L6); this package only
// wires those layers together.
package neo4jlike

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/jroosing/hydrabolt/internal/boltconfig"
	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/connpool"
	"github.com/jroosing/hydrabolt/internal/directpool"
	"github.com/jroosing/hydrabolt/internal/driverlog"
	"github.com/jroosing/hydrabolt/internal/packstream"
	"github.com/jroosing/hydrabolt/internal/retry"
	"github.com/jroosing/hydrabolt/internal/routing"
	"github.com/jroosing/hydrabolt/internal/session"
)

// Re-exports so callers never need to import internal/session directly
// for the handful of types that cross the public boundary.
type (
	AccessMode      = session.AccessMode
	Session         = session.Session
	Transaction     = session.Transaction
	Result          = session.Result
	Record          = session.Record
	Summary         = session.Summary
	BookmarkManager = session.BookmarkManager
)

const (
	AccessModeWrite = session.AccessModeWrite
	AccessModeRead  = session.AccessModeRead
)

// AuthToken is the credential map sent in HELLO/LOGON (§4.2).
type AuthToken = boltconn.AuthToken

// BasicAuth builds an AuthToken for Bolt's "basic" scheme.
func BasicAuth(principal, credentials, realm string) AuthToken {
	t := AuthToken{"scheme": "basic", "principal": principal, "credentials": credentials}
	if realm != "" {
		t["realm"] = realm
	}
	return t
}

// BearerAuth builds an AuthToken for Bolt's "bearer" scheme (SSO tokens).
func BearerAuth(token string) AuthToken {
	return AuthToken{"scheme": "bearer", "credentials": token}
}

// Driver is the process-wide entry point: one per application, shared
// across goroutines, fronting exactly one connection pool (direct or
// routing) per §5's single concurrency contract.
type Driver struct {
	uri    *boltconfig.ParsedURI
	config *boltconfig.DriverConfig
	auth   AuthToken

	registry *packstream.Registry
	log      *slog.Logger

	connPool  *connpool.Pool
	direct    *directpool.Pool
	routingP  *routing.Pool

	homeDBCache *session.HomeDatabaseCache

	bookmarkManager session.BookmarkManager

	pendingWatchPath string
	stopWatch        func()

	closed bool
}

// Option customizes a Driver at construction.
type Option func(*Driver)

// WithConfig overrides the ambient DriverConfig loaded from defaults.
func WithConfig(cfg *boltconfig.DriverConfig) Option {
	return func(d *Driver) { d.config = cfg }
}

// WithConfigFile loads the ambient DriverConfig from path and, once the
// driver exists, live-watches it (§6 ambient config,
// internal/boltconfig.WatchFile). A reload copies the logging and retry
// settings into the driver's config: sessions created afterwards use
// the new retry settings, while the logger built by NewDriver keeps its
// original level and format. Pool sizing and wire limits are not
// reloaded.
func WithConfigFile(path string) Option {
	return func(d *Driver) {
		cfg, err := boltconfig.Load(path)
		if err == nil {
			d.config = cfg
		}
		d.pendingWatchPath = path
	}
}

// WithBookmarkManager shares bookmarks across every session this driver
// creates (§4.5 "BookmarkManager").
func WithBookmarkManager(bm session.BookmarkManager) Option {
	return func(d *Driver) { d.bookmarkManager = bm }
}

// NewDriver parses uri (§6), loads the ambient config, builds the
// right pool for the URI's scheme, and returns a ready Driver.
func NewDriver(uri string, auth AuthToken, opts ...Option) (*Driver, error) {
	parsed, err := boltconfig.ParseURI(uri)
	if err != nil {
		return nil, err
	}

	d := &Driver{uri: parsed, auth: auth}
	for _, opt := range opts {
		opt(d)
	}
	if d.config == nil {
		cfg, err := boltconfig.Load("")
		if err != nil {
			return nil, err
		}
		d.config = cfg
	}
	d.config.TrustAnyCertificate = parsed.Trust == boltconfig.TrustAny

	d.log = driverlog.Configure(driverlog.Config{
		Level:      d.config.Logging.Level,
		Structured: d.config.Logging.Structured,
	})

	d.registry = packstream.NewBuilder().Build()

	var tlsConfig *tls.Config
	if parsed.Trust != boltconfig.TrustNone {
		tlsConfig = &tls.Config{InsecureSkipVerify: parsed.Trust == boltconfig.TrustAny}
	}

	dialer := func(ctx context.Context, addr boltconn.Address) (*boltconn.Connection, error) {
		cfg := boltconn.Config{
			UserAgent:      "hydrabolt/1.0",
			Auth:           d.auth,
			RoutingContext: parsed.RoutingContext,
			TLS:            tlsConfig,
			DialTimeout:    d.config.Pool.ConnectionAcquisitionTimeout,
		}
		return boltconn.Dial(addr, cfg, d.registry, d.log)
	}

	d.connPool = connpool.New(dialer, d.config.Pool.MaxConnectionPoolSize, d.config.Pool.LivenessCheckTimeout, d.log)
	d.homeDBCache = session.NewHomeDatabaseCache(d.config.Routing.ResolverCacheTTL)

	initialAddr := boltconn.NewAddress(parsed.Host, parsed.Port)
	switch parsed.Kind {
	case boltconfig.PoolDirect:
		d.direct = directpool.New(initialAddr, d.connPool)
	case boltconfig.PoolRouting:
		d.routingP = routing.New(d.connPool, initialAddr, parsed.RoutingContext, d.config.Routing.ResolverCacheTTL, nil, d.log)
	default:
		return nil, fmt.Errorf("neo4jlike: unsupported pool kind")
	}

	if d.pendingWatchPath != "" {
		stop, err := boltconfig.WatchFile(d.pendingWatchPath, func(cfg *boltconfig.DriverConfig) {
			d.log.Info("config reloaded", "path", d.pendingWatchPath)
			d.config.Logging = cfg.Logging
			d.config.Retry = cfg.Retry
		})
		if err == nil {
			d.stopWatch = stop
		}
	}

	return d, nil
}

// NewSession opens a Session against this driver's pool (§3 "Session").
func (d *Driver) NewSession(cfg session.Config) *Session {
	cfg.Retry = d.retryConfig(cfg.Retry)
	cfg.BookmarkManager = firstNonNil(cfg.BookmarkManager, d.bookmarkManager)

	var source session.ConnectionSource
	if d.routingP != nil {
		source = session.RoutingSource{Pool: d.routingP}
	} else {
		source = session.DirectSource{Pool: d.direct}
	}
	return session.New(source, cfg, d.homeDBCache, d.log)
}

func (d *Driver) retryConfig(cfg retry.Config) retry.Config {
	if cfg == (retry.Config{}) {
		cfg = retry.Config{
			MaxRetryTime: d.config.Retry.MaxRetryTime,
			InitialDelay: d.config.Retry.InitialDelay,
			Multiplier:   d.config.Retry.Multiplier,
			JitterFactor: d.config.Retry.JitterFactor,
		}
	}
	return cfg
}

func firstNonNil(a, b session.BookmarkManager) session.BookmarkManager {
	if a != nil {
		return a
	}
	return b
}

// VerifyConnectivity opens and immediately releases one connection,
// surfacing a handshake or auth failure before the caller runs a query
// (§8 scenario 1 "handshake reject").
func (d *Driver) VerifyConnectivity(ctx context.Context) error {
	if d.direct != nil {
		conn, err := d.direct.Acquire(ctx, d.auth)
		if err != nil {
			return err
		}
		d.direct.Release(conn)
		return nil
	}
	conn, err := d.routingP.Acquire(ctx, AccessModeRead, "", nil, d.auth)
	if err != nil {
		return err
	}
	d.routingP.Release(conn)
	return nil
}

// Close releases the driver's pool(s) and stops any config watcher.
func (d *Driver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.stopWatch != nil {
		d.stopWatch()
	}
	if d.routingP != nil {
		d.routingP.Close()
	}
	if d.direct != nil {
		d.direct.Close()
	}
	return nil
}
