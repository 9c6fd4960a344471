// Package bolttest is an in-process fake Bolt server for exercising
// internal/boltconn, internal/connpool, internal/routing, and
// internal/session against real chunked/packstream wire traffic
// instead of mocked method calls — the same "drive the real codec
// over a loopback listener" shape internal/server's own tests used for
// the DNS wire format, adapted to Bolt's handshake/HELLO/message loop.
package bolttest

import (
	"io"
	"net"
	"sync"

	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/chunking"
	"github.com/jroosing/hydrabolt/internal/packstream"
)

// Server grants every handshake as Bolt 4.4, answers HELLO with a
// canned SUCCESS, and hands every later client message to Handle,
// writing back whatever Structures it returns.
type Server struct {
	ln     net.Listener
	Handle func(msg packstream.Structure) []packstream.Structure

	mu      sync.Mutex
	closed  bool
	helloFn func() packstream.Structure
}

// NewServer starts listening on 127.0.0.1:0 in the background.
func NewServer(handle func(msg packstream.Structure) []packstream.Structure) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	s := &Server{
		ln:      ln,
		Handle:  handle,
		helloFn: func() packstream.Structure { return Success(packstream.Map{"server": "Neo4j/4.4.0"}) },
	}
	go s.serve()
	return s
}

// WithHello overrides the canned HELLO reply, e.g. to simulate an
// authentication failure.
func (s *Server) WithHello(fn func() packstream.Structure) *Server {
	s.helloFn = fn
	return s
}

// Addr returns "host:port", suitable for boltconn.ParseAddress.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting new connections and closes the listener.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ln.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if err := grantHandshake(conn); err != nil {
		return
	}
	reader := chunking.NewReader(conn)
	writer := chunking.NewWriter(conn, chunking.DefaultChunkSize)
	for {
		raw, err := reader.ReadMessage()
		if err != nil {
			return
		}
		dec := packstream.NewDecoder(raw)
		v, err := dec.Decode()
		if err != nil {
			return
		}
		msg, ok := v.(packstream.Structure)
		if !ok {
			return
		}
		switch msg.Tag {
		case boltconn.TagHello:
			if err := writeStruct(writer, s.helloFn()); err != nil {
				return
			}
		case boltconn.TagGoodbye:
			return
		default:
			for _, reply := range s.Handle(msg) {
				if err := writeStruct(writer, reply); err != nil {
					return
				}
			}
		}
	}
}

// grantHandshake reads the 4-byte preamble plus four 4-byte version
// proposals and unconditionally grants Bolt 4.4, the highest version
// this driver ever offers.
func grantHandshake(conn net.Conn) error {
	buf := make([]byte, 4+4*4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	_, err := conn.Write([]byte{0x00, 0x00, 0x04, 0x04})
	return err
}

func writeStruct(w *chunking.Writer, s packstream.Structure) error {
	enc := packstream.NewEncoder()
	if err := enc.Encode(s); err != nil {
		return err
	}
	return w.WriteMessage(enc.Bytes())
}

// Success builds a SUCCESS reply carrying metadata.
func Success(metadata packstream.Map) packstream.Structure {
	return packstream.Structure{Tag: boltconn.TagSuccess, Fields: []any{metadata}}
}

// Failure builds a FAILURE reply.
func Failure(code, message string) packstream.Structure {
	return packstream.Structure{Tag: boltconn.TagFailure, Fields: []any{packstream.Map{"code": code, "message": message}}}
}

// Record builds a RECORD reply carrying values.
func Record(values ...any) packstream.Structure {
	return packstream.Structure{Tag: boltconn.TagRecord, Fields: []any{append([]any(nil), values...)}}
}
