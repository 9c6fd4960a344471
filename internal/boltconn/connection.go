// Package boltconn implements the Bolt connection: handshake, HELLO,
// per-version dialects, the outbox/inbox message pipeline, and the
// per-connection server state machine (§4.2).
package boltconn

import (
	"bufio"
	"container/list"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jroosing/hydrabolt/internal/chunking"
	"github.com/jroosing/hydrabolt/internal/drivererrors"
	"github.com/jroosing/hydrabolt/internal/packstream"
	"golang.org/x/sys/unix"
)

const productAgentPrefix = "Neo4j/"

// AuthToken is an opaque credential map sent in HELLO/LOGON. Its shape
// is scheme-specific ("basic", "bearer", "kerberos", ...); the driver
// never interprets its contents beyond comparing it for re-auth.
type AuthToken packstream.Map

// Config carries everything Dial needs beyond the target address.
type Config struct {
	UserAgent      string
	Auth           AuthToken
	RoutingContext map[string]string
	TLS            *tls.Config // nil for plain TCP
	DialTimeout    time.Duration
}

// Connection is a single Bolt connection, exclusively owned by at most
// one session at a time (§3).
type Connection struct {
	CorrelationID uuid.UUID

	Unresolved Address
	Resolved   Address
	Version    NegotiatedVersion
	dialect    *Dialect

	CreatedAt time.Time
	IdleSince time.Time

	InUse   bool
	Stale   bool
	Defunct bool

	state ServerState

	mostRecentQID int64
	hints         packstream.Map
	recvTimeout   time.Duration

	auth AuthToken

	conn     net.Conn
	bufOut   *bufio.Writer
	writer   *chunking.Writer
	reader   *chunking.Reader

	registry *packstream.Registry

	// responses is the FIFO of pending response handlers, one per client
	// message still awaiting a terminal reply.
	responses *list.List

	log *slog.Logger
}

// Dial opens a TCP (optionally TLS) connection to addr, performs the
// handshake and HELLO, and returns a ready Connection in state READY.
func Dial(addr Address, cfg Config, registry *packstream.Registry, log *slog.Logger) (*Connection, error) {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.Dial("tcp", addr.DialTarget())
	if err != nil {
		return nil, &drivererrors.ServiceUnavailableError{Address: addr.Key(), Cause: err}
	}
	tuneSocket(raw, log)

	var transport net.Conn = raw
	if cfg.TLS != nil {
		tlsConn := tls.Client(raw, cfg.TLS)
		if err := tlsConn.Handshake(); err != nil {
			raw.Close()
			return nil, &drivererrors.ServiceUnavailableError{Address: addr.Key(), Cause: err}
		}
		transport = tlsConn
	}

	id := uuid.New()
	bufOut := bufio.NewWriter(transport)
	c := &Connection{
		CorrelationID: id,
		Unresolved:    addr,
		Resolved:      addr,
		CreatedAt:     time.Now(),
		IdleSince:     time.Now(),
		state:         StateConnected,
		conn:          transport,
		bufOut:        bufOut,
		writer:        chunking.NewWriter(bufOut, chunking.DefaultChunkSize),
		reader:        chunking.NewReader(transport),
		registry:      registry,
		responses:     list.New(),
		log:           log.With("correlation_id", id.String(), "address", addr.Key()),
		auth:          cfg.Auth,
	}

	version, err := c.handshake()
	if err != nil {
		transport.Close()
		return nil, err
	}
	c.Version = version
	dialect, ok := dialectFor(version)
	if !ok {
		transport.Close()
		return nil, &drivererrors.ProtocolError{Reason: fmt.Sprintf("no dialect for negotiated version %s", version)}
	}
	c.dialect = dialect

	if err := c.sayHello(cfg); err != nil {
		transport.Close()
		return nil, err
	}
	return c, nil
}

// tuneSocket sets TCP_NODELAY and enables SO_KEEPALIVE via a raw syscall
// Control callback, the same pattern internal/server used for
// SO_REUSEPORT on its listening socket, applied here to the dialed
// socket instead of a listener.
func tuneSocket(conn net.Conn, log *slog.Logger) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		log.Debug("tuneSocket: no raw conn", "err", err)
		return
	}
	ctrlErr := rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if ctrlErr != nil {
		log.Debug("tuneSocket: control failed", "err", ctrlErr)
	}
}

func (c *Connection) handshake() (NegotiatedVersion, error) {
	if _, err := c.conn.Write(buildHandshake()); err != nil {
		return NegotiatedVersion{}, &drivererrors.ServiceUnavailableError{Address: c.Unresolved.Key(), Cause: err}
	}
	var reply [4]byte
	n, err := readFull(c.conn, reply[:])
	if err != nil || n != 4 {
		return NegotiatedVersion{}, &drivererrors.ServiceUnavailableError{Address: c.Unresolved.Key(), Cause: err}
	}
	version, ok := parseHandshakeReply(reply)
	if !ok {
		return NegotiatedVersion{}, &drivererrors.HandshakeError{Offered: offeredVersionStrings()}
	}
	return version, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Connection) sayHello(cfg Config) error {
	extras := packstream.Map{
		"user_agent": cfg.UserAgent,
	}
	for k, v := range cfg.Auth {
		extras[k] = v
	}
	if c.dialect.SupportsRoutingContextInHello() && len(cfg.RoutingContext) > 0 {
		rc := make(packstream.Map, len(cfg.RoutingContext))
		for k, v := range cfg.RoutingContext {
			rc[k] = v
		}
		extras["routing"] = rc
	}

	var helloErr error
	var agent string
	handler := &ResponseHandler{
		Kind: summaryHello,
		OnSuccess: func(metadata packstream.Map) {
			if a, ok := metadata["server"].(string); ok {
				agent = a
			}
			c.hints = packstream.Map{}
			if h, ok := metadata["hints"].(packstream.Map); ok {
				c.hints = h
			}
			c.applyRecvTimeoutHint()
		},
		OnFailure: func(metadata packstream.Map) {
			helloErr = ServerErrorFromMetadata(metadata)
		},
	}
	if err := c.send(helloMessage(extras), handler); err != nil {
		return err
	}
	if err := c.fetchAll(handler); err != nil {
		return err
	}
	if helloErr != nil {
		return helloErr
	}
	if agent != "" && !hasPrefix(agent, productAgentPrefix) {
		return &drivererrors.ProtocolError{Reason: fmt.Sprintf("unexpected server agent %q", agent)}
	}
	c.state = c.state.advance(summaryHello, false)
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// applyRecvTimeoutHint honors connection.recv_timeout_seconds (§4.2): a
// positive integer becomes the socket read deadline interval; anything
// else is logged and ignored rather than failing the connection.
func (c *Connection) applyRecvTimeoutHint() {
	v, ok := c.hints["connection.recv_timeout_seconds"]
	if !ok {
		return
	}
	n, ok := v.(int64)
	if !ok || n <= 0 {
		c.log.Warn("ignoring invalid connection.recv_timeout_seconds hint", "value", v)
		return
	}
	c.recvTimeout = time.Duration(n) * time.Second
}
