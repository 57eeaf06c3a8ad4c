// Package munge implements the byte obfuscation used on the relay wire.
// It is a fixed XOR and provides no secrecy.
package munge

import "io"

// Key is the XOR constant applied to every byte.
const Key byte = 0x2A

// Bytes munges b in place. Applying it twice restores the input.
func Bytes(b []byte) {
	for i := range b {
		b[i] ^= Key
	}
}

// Copy returns a munged copy of b.
func Copy(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ Key
	}
	return out
}

type reader struct {
	r io.Reader
}

// NewReader returns a reader that munges bytes as they are read from r.
func NewReader(r io.Reader) io.Reader {
	return &reader{r: r}
}

func (m *reader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	Bytes(p[:n])
	return n, err
}

type writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter returns a writer that munges bytes before passing them to w.
// The caller's buffer is never modified.
func NewWriter(w io.Writer) io.Writer {
	return &writer{w: w}
}

func (m *writer) Write(p []byte) (int, error) {
	if cap(m.buf) < len(p) {
		m.buf = make([]byte, len(p))
	}
	buf := m.buf[:len(p)]
	for i, c := range p {
		buf[i] = c ^ Key
	}
	return m.w.Write(buf)
}
