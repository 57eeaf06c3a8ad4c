package munge

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesIsInvolution(t *testing.T) {
	for _, in := range [][]byte{nil, {0}, {0x2A}, []byte("#deadbeef:12#"), bytes.Repeat([]byte{0xFF, 0x00}, 300)} {
		b := append([]byte(nil), in...)
		Bytes(b)
		if len(in) > 0 {
			assert.NotEqual(t, in, b)
		}
		Bytes(b)
		assert.Equal(t, len(in), len(b))
		assert.True(t, bytes.Equal(in, b))
	}
}

func TestCopyLeavesInputAlone(t *testing.T) {
	in := []byte("abc")
	out := Copy(in)
	assert.Equal(t, []byte("abc"), in)
	assert.Equal(t, in, Copy(out))
}

func TestReaderAndWriterAreSymmetric(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	var wire bytes.Buffer
	_, err := NewWriter(&wire).Write(payload)
	require.NoError(t, err)
	assert.Equal(t, Copy(payload), wire.Bytes())

	back, err := io.ReadAll(NewReader(&wire))
	require.NoError(t, err)
	assert.Equal(t, payload, back)
}
