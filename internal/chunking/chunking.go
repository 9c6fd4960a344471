// Package chunking implements Bolt's chunked message framing (§4.1,
// §6): every logical message is split into chunks of a big-endian
// uint16 length followed by that many payload bytes, terminated by a
// zero-length chunk. A zero-length chunk seen between messages is a
// NOOP and must be silently skipped.
//
// This mirrors the length-prefix framing internal/server's TCP server
// used for DNS-over-TCP, generalized from one fixed 2-byte prefix per
// message to a sequence of prefixes per message.
package chunking

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/jroosing/hydrabolt/internal/helpers"
)

// MaxChunkSize is the largest payload a single chunk may carry; the
// sender SHOULD split larger messages across multiple chunks (§4.1).
const MaxChunkSize = 0xffff

// DefaultChunkSize is the size the writer targets per chunk when
// splitting a large message; ~16 KiB per §4.1.
const DefaultChunkSize = 16 * 1024

// chunkHeaderPool pools the 2-byte chunk-length prefix so writing or
// reading a chunk never allocates for it, the same pattern
// internal/server used for the TCP DNS length prefix — folded here as
// a concrete pool of *[2]byte rather than a reusable generic wrapper,
// since the chunk header is the only fixed-size buffer this driver
// ever pools.
type chunkHeaderPool struct {
	p sync.Pool
}

func newChunkHeaderPool() *chunkHeaderPool {
	return &chunkHeaderPool{p: sync.Pool{New: func() any { return new([2]byte) }}}
}

func (hp *chunkHeaderPool) get() *[2]byte  { return hp.p.Get().(*[2]byte) }
func (hp *chunkHeaderPool) put(b *[2]byte) { hp.p.Put(b) }

var headerBufPool = newChunkHeaderPool()

// Writer frames one logical message into chunks and writes them
// straight to an underlying io.Writer; it keeps no buffer of its own.
// It is reused across messages by boltconn.
type Writer struct {
	w         io.Writer
	chunkSize int
}

// NewWriter returns a Writer that splits payloads into chunks no
// larger than chunkSize. A chunkSize <= 0 or above MaxChunkSize uses
// DefaultChunkSize.
func NewWriter(w io.Writer, chunkSize int) *Writer {
	return &Writer{w: w, chunkSize: helpers.ClampChunkSize(chunkSize, DefaultChunkSize, MaxChunkSize)}
}

// WriteMessage frames payload into one or more length-prefixed chunks
// terminated by a zero-length chunk. payload must be non-empty: every
// real Bolt message carries at least a PackStream structure tag, and a
// zero-length payload would be indistinguishable on the wire from an
// inter-message NOOP.
func (w *Writer) WriteMessage(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("chunking: cannot frame an empty message")
	}
	off := 0
	for off < len(payload) {
		end := off + w.chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := w.writeChunk(payload[off:end]); err != nil {
			return err
		}
		off = end
	}
	return w.writeTerminator()
}

func (w *Writer) writeChunk(b []byte) error {
	hdr := headerBufPool.get()
	defer headerBufPool.put(hdr)
	binary.BigEndian.PutUint16(hdr[:], helpers.ClampIntToUint16(len(b)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("chunking: write chunk header: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("chunking: write chunk payload: %w", err)
	}
	return nil
}

func (w *Writer) writeTerminator() error {
	hdr := headerBufPool.get()
	defer headerBufPool.put(hdr)
	hdr[0], hdr[1] = 0, 0
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("chunking: write terminator: %w", err)
	}
	return nil
}

// Reader reassembles whole messages from a chunked stream, silently
// skipping NOOP (zero-length) chunks that appear between messages.
type Reader struct {
	r   io.Reader
	buf []byte // scratch reused across ReadMessage calls
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 0, DefaultChunkSize)}
}

// ReadMessage reads chunks until the terminating zero-length chunk and
// returns the reassembled message. Leading NOOP chunks (zero-length,
// seen before any payload chunk) are skipped rather than treated as an
// empty message, per §4.1/§6.
func (r *Reader) ReadMessage() ([]byte, error) {
	r.buf = r.buf[:0]
	sawPayload := false
	for {
		n, err := r.readChunkLen()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if sawPayload {
				return append([]byte(nil), r.buf...), nil
			}
			// NOOP between messages: keep waiting for real content.
			continue
		}
		sawPayload = true
		start := len(r.buf)
		r.buf = append(r.buf, make([]byte, n)...)
		if _, err := io.ReadFull(r.r, r.buf[start:start+n]); err != nil {
			return nil, fmt.Errorf("chunking: read chunk payload: %w", err)
		}
	}
}

func (r *Reader) readChunkLen() (int, error) {
	hdr := headerBufPool.get()
	defer headerBufPool.put(hdr)
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return 0, fmt.Errorf("chunking: read chunk header: %w", err)
	}
	return int(binary.BigEndian.Uint16(hdr[:])), nil
}
