package chunking_test

import (
	"bytes"
	"testing"

	"github.com/jroosing/hydrabolt/internal/chunking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := chunking.NewWriter(&buf, 8) // force splitting across several chunks
	payload := []byte("the quick brown fox jumps over the lazy dog")

	require.NoError(t, w.WriteMessage(payload))

	r := chunking.NewReader(&buf)
	got, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEmptyMessageRejected(t *testing.T) {
	var buf bytes.Buffer
	w := chunking.NewWriter(&buf, 0)
	err := w.WriteMessage(nil)
	require.Error(t, err)
	assert.Equal(t, 0, buf.Len())
}

func TestLeadingNoopIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	// NOOP chunk between messages.
	buf.Write([]byte{0x00, 0x00})
	w := chunking.NewWriter(&buf, 0)
	require.NoError(t, w.WriteMessage([]byte("hello")))

	r := chunking.NewReader(&buf)
	got, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestMultipleMessagesSequentially(t *testing.T) {
	var buf bytes.Buffer
	w := chunking.NewWriter(&buf, 0)
	require.NoError(t, w.WriteMessage([]byte("first")))
	require.NoError(t, w.WriteMessage([]byte("second")))

	r := chunking.NewReader(&buf)
	first, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), first)

	second, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), second)
}
