// Package packstream implements the PackStream value codec: the
// tag-prefixed binary encoding used for every value that crosses a Bolt
// connection (null, bool, int64, float64, string, byte string, list,
// map, and structure).
//
// The codec is symmetric: Decode(Encode(v)) reproduces v for every
// value in the domain (§8 P4). Map keys must be strings. Structures
// decode as plain Structure values; Registry.Hydrate turns one with an
// unknown tag into a Broken sentinel value rather than failing the
// whole message, matching §4.1's "broken-value sentinel, not a fatal
// error" requirement.
package packstream

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jroosing/hydrabolt/internal/helpers"
)

// Marker bytes (PackStream v1, unchanged across Bolt versions 3.0-4.4).
const (
	markerTinyIntMaxPositive = 0x7f
	markerTinyIntMinNegative = 0xf0 // -16, as an unsigned byte

	markerNull  = 0xc0
	markerFalse = 0xc2
	markerTrue  = 0xc3

	markerFloat64 = 0xc1

	markerInt8  = 0xc8
	markerInt16 = 0xc9
	markerInt32 = 0xca
	markerInt64 = 0xcb

	markerTinyStringBase = 0x80 // + length (0-15) in low nibble
	markerString8        = 0xd0
	markerString16       = 0xd1
	markerString32       = 0xd2

	markerTinyBytesBase = 0xcc // bytes have no tiny form; cc/cd/ce sized only
	markerBytes8        = 0xcc
	markerBytes16       = 0xcd
	markerBytes32       = 0xce

	markerTinyListBase = 0x90 // + length (0-15)
	markerList8        = 0xd4
	markerList16       = 0xd5
	markerList32       = 0xd6

	markerTinyMapBase = 0xa0 // + length (0-15)
	markerMap8        = 0xd8
	markerMap16       = 0xd9
	markerMap32       = 0xda

	markerTinyStructBase = 0xb0 // + field count (0-15)
	markerStruct8        = 0xdc
	markerStruct16       = 0xdd
)

// Structure is the wire-format tagged product type: a 1-byte tag plus
// a length-prefixed field list. Dehydration hooks (see Registry)
// produce these from application types; hydration hooks consume them.
type Structure struct {
	Tag    byte
	Fields []any
}

// Broken is what an unknown structure tag hydrates into, per §4.1: a
// decode failure on one structure must not fail the whole message.
type Broken struct {
	Tag    byte
	Fields []any
	Reason string
}

// Map is the PackStream mapping value: string keys to any PackStream
// value. It preserves no ordering, matching §3's "mappings preserve no
// ordering" invariant.
type Map map[string]any

// Encoder appends PackStream-encoded values to an internal buffer.
// boltconn creates a fresh Encoder for every message; Reset clears an
// Encoder's buffer so it can be reused.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with a small initial capacity.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Reset clears the encoder's buffer for reuse.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Bytes returns the encoded bytes accumulated so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// Encode appends the PackStream encoding of v to the buffer.
func (e *Encoder) Encode(v any) error {
	switch val := v.(type) {
	case nil:
		e.buf = append(e.buf, markerNull)
	case bool:
		if val {
			e.buf = append(e.buf, markerTrue)
		} else {
			e.buf = append(e.buf, markerFalse)
		}
	case int:
		e.encodeInt(int64(val))
	case int64:
		e.encodeInt(val)
	case int32:
		e.encodeInt(int64(val))
	case float64:
		e.encodeFloat(val)
	case string:
		e.encodeString(val)
	case []byte:
		e.encodeBytes(val)
	case []any:
		if err := e.encodeList(val); err != nil {
			return err
		}
	case Map:
		if err := e.encodeMap(val); err != nil {
			return err
		}
	case map[string]any:
		if err := e.encodeMap(Map(val)); err != nil {
			return err
		}
	case Structure:
		if err := e.encodeStruct(val); err != nil {
			return err
		}
	default:
		return fmt.Errorf("packstream: encode: unsupported type %T", v)
	}
	return nil
}

func (e *Encoder) encodeInt(v int64) {
	switch {
	case v >= -16 && v <= markerTinyIntMaxPositive:
		e.buf = append(e.buf, byte(v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		e.buf = append(e.buf, markerInt8, byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		e.buf = append(e.buf, markerInt16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		e.buf = append(e.buf, markerInt32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
	default:
		e.buf = append(e.buf, markerInt64)
		e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
	}
}

func (e *Encoder) encodeFloat(v float64) {
	e.buf = append(e.buf, markerFloat64)
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
}

func (e *Encoder) encodeString(s string) {
	n := len(s)
	switch {
	case n <= 15:
		e.buf = append(e.buf, markerTinyStringBase|byte(n))
	case n <= math.MaxUint8:
		e.buf = append(e.buf, markerString8, byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, markerString16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, helpers.ClampIntToUint16(n))
	default:
		e.buf = append(e.buf, markerString32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, helpers.ClampIntToUint32(n))
	}
	e.buf = append(e.buf, s...)
}

func (e *Encoder) encodeBytes(b []byte) {
	n := len(b)
	switch {
	case n <= math.MaxUint8:
		e.buf = append(e.buf, markerBytes8, byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, markerBytes16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, helpers.ClampIntToUint16(n))
	default:
		e.buf = append(e.buf, markerBytes32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, helpers.ClampIntToUint32(n))
	}
	e.buf = append(e.buf, b...)
}

func (e *Encoder) encodeList(items []any) error {
	n := len(items)
	switch {
	case n <= 15:
		e.buf = append(e.buf, markerTinyListBase|byte(n))
	case n <= math.MaxUint8:
		e.buf = append(e.buf, markerList8, byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, markerList16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, helpers.ClampIntToUint16(n))
	default:
		e.buf = append(e.buf, markerList32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, helpers.ClampIntToUint32(n))
	}
	for _, it := range items {
		if err := e.Encode(it); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeMap(m Map) error {
	n := len(m)
	switch {
	case n <= 15:
		e.buf = append(e.buf, markerTinyMapBase|byte(n))
	case n <= math.MaxUint8:
		e.buf = append(e.buf, markerMap8, byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, markerMap16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, helpers.ClampIntToUint16(n))
	default:
		e.buf = append(e.buf, markerMap32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, helpers.ClampIntToUint32(n))
	}
	for k, v := range m {
		e.encodeString(k)
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeStruct(s Structure) error {
	n := len(s.Fields)
	if n <= 15 {
		e.buf = append(e.buf, markerTinyStructBase|byte(n), s.Tag)
	} else if n <= math.MaxUint8 {
		e.buf = append(e.buf, markerStruct8, byte(n), s.Tag)
	} else {
		e.buf = append(e.buf, markerStruct16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, helpers.ClampIntToUint16(n))
		e.buf = append(e.buf, s.Tag)
	}
	for _, f := range s.Fields {
		if err := e.Encode(f); err != nil {
			return err
		}
	}
	return nil
}
