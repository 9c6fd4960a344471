package packstream_test

import (
	"testing"

	"github.com/jroosing/hydrabolt/internal/packstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoundTrip exercises P4: decode(encode(v)) == v for the base
// value domain (null/bool/int/float/string/bytes/list/map/struct).
func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"null", nil, nil},
		{"true", true, true},
		{"false", false, false},
		{"tiny int", int64(42), int64(42)},
		{"negative tiny int", int64(-10), int64(-10)},
		{"int8 boundary", int64(-42), int64(-42)},
		{"int16", int64(1000), int64(1000)},
		{"int32", int64(100000), int64(100000)},
		{"int64", int64(1) << 40, int64(1) << 40},
		{"float", 3.14159, 3.14159},
		{"tiny string", "hi", "hi"},
		{"long string", string(make([]byte, 5000)), string(make([]byte, 5000))},
		{"bytes", []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"list", []any{int64(1), "two", 3.0}, []any{int64(1), "two", 3.0}},
		{"map", packstream.Map{"a": int64(1)}, packstream.Map{"a": int64(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := packstream.NewEncoder()
			require.NoError(t, enc.Encode(tt.in))

			dec := packstream.NewDecoder(enc.Bytes())
			got, err := dec.Decode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.False(t, dec.Remaining())
		})
	}
}

func TestStructureRoundTrip(t *testing.T) {
	s := packstream.Structure{Tag: 0x4e, Fields: []any{int64(1), "Person"}}

	enc := packstream.NewEncoder()
	require.NoError(t, enc.Encode(s))

	dec := packstream.NewDecoder(enc.Bytes())
	got, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestUnknownStructureTagIsBroken(t *testing.T) {
	s := packstream.Structure{Tag: 0xff, Fields: []any{int64(1)}}
	enc := packstream.NewEncoder()
	require.NoError(t, enc.Encode(s))

	dec := packstream.NewDecoder(enc.Bytes())
	v, err := dec.Decode()
	require.NoError(t, err)

	decoded, ok := v.(packstream.Structure)
	require.True(t, ok)

	reg := packstream.NewBuilder().Build()
	hydrated := reg.Hydrate(decoded)
	broken, ok := hydrated.(packstream.Broken)
	require.True(t, ok, "unknown tag must hydrate to Broken, not fail")
	assert.Equal(t, byte(0xff), broken.Tag)
}

func TestMapKeyMustBeString(t *testing.T) {
	enc := packstream.NewEncoder()
	// Hand-build a map with a non-string key: {1: 2} as tiny map len=1.
	enc.Encode(nil) // encoder is only encoded into and reset; the map is raw bytes below
	enc.Reset()

	raw := []byte{0xa1, 0x01, 0x02} // tiny map, len 1, key=int(1), val=int(2)
	dec := packstream.NewDecoder(raw)
	_, err := dec.Decode()
	require.Error(t, err)
}

func TestRegistryDehydrateHydrate(t *testing.T) {
	type point struct{ X, Y float64 }

	b := packstream.NewBuilder()
	b.AddHook(point{}, 0x58,
		func(v any) (packstream.Structure, error) {
			p := v.(point)
			return packstream.Structure{Tag: 0x58, Fields: []any{p.X, p.Y}}, nil
		},
		func(s packstream.Structure) (any, error) {
			return point{X: s.Fields[0].(float64), Y: s.Fields[1].(float64)}, nil
		},
	)
	reg := b.Build()

	s, ok, err := reg.Dehydrate(point{X: 1, Y: 2})
	require.NoError(t, err)
	require.True(t, ok)

	back := reg.Hydrate(s)
	assert.Equal(t, point{X: 1, Y: 2}, back)
}
