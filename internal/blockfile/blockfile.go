// Package blockfile reads and writes the framed container the relay uses to
// deliver several compressed blobs in one response.
//
// Each frame is an ASCII header "#<hash>:<length>#" followed by length bytes
// of compressed payload. On the wire both header and payload are munged.
package blockfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/jaywantadh/disktrosync/internal/munge"
)

var (
	// ErrTruncated means the stream ended inside a frame.
	ErrTruncated = errors.New("blockfile: truncated frame")
	// ErrMalformed means a frame header could not be parsed.
	ErrMalformed = errors.New("blockfile: malformed frame header")
)

// maxHeader bounds the header so a corrupt stream cannot make the reader
// buffer unbounded garbage.
const maxHeader = 160

// MaxFrameSize is the largest payload a header may announce.
const MaxFrameSize = 1 << 30

// Encoding says whether a stream still carries the wire munging.
type Encoding int

const (
	Munged Encoding = iota
	Plain
)

// Frame is one blob from a block file.
type Frame struct {
	Hash       string
	Compressed []byte
}

// Writer emits frames.
type Writer struct {
	w   io.Writer
	enc Encoding
}

func NewWriter(w io.Writer, enc Encoding) *Writer {
	if enc == Munged {
		w = munge.NewWriter(w)
	}
	return &Writer{w: w, enc: enc}
}

// WriteFrame writes a header and payload for one blob.
func (bw *Writer) WriteFrame(hash string, compressed []byte) error {
	header := "#" + hash + ":" + strconv.Itoa(len(compressed)) + "#"
	if _, err := io.WriteString(bw.w, header); err != nil {
		return fmt.Errorf("write frame header for %s: %w", hash, err)
	}
	if _, err := bw.w.Write(compressed); err != nil {
		return fmt.Errorf("write frame payload for %s: %w", hash, err)
	}
	return nil
}

// Reader parses frames sequentially.
type Reader struct {
	r   *bufio.Reader
	enc Encoding
}

func NewReader(r io.Reader, enc Encoding) *Reader {
	return &Reader{r: bufio.NewReader(r), enc: enc}
}

func (br *Reader) readByte() (byte, error) {
	b, err := br.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if br.enc == Munged {
		b ^= munge.Key
	}
	return b, nil
}

// Next returns the next frame. It returns io.EOF when the stream ends on a
// frame boundary and ErrTruncated when it ends inside one.
func (br *Reader) Next() (Frame, error) {
	b, err := br.readByte()
	if errors.Is(err, io.EOF) {
		return Frame{}, io.EOF
	}
	if err != nil {
		return Frame{}, err
	}
	if b != '#' {
		return Frame{}, fmt.Errorf("%w: expected '#', got %q", ErrMalformed, b)
	}

	hash, err := br.readUntil(':')
	if err != nil {
		return Frame{}, err
	}
	lengthText, err := br.readUntil('#')
	if err != nil {
		return Frame{}, err
	}
	if hash == "" {
		return Frame{}, fmt.Errorf("%w: empty hash", ErrMalformed)
	}
	length, err := strconv.ParseInt(lengthText, 10, 64)
	if err != nil || length < 0 {
		return Frame{}, fmt.Errorf("%w: bad length %q for %s", ErrMalformed, lengthText, hash)
	}
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %s announces %d bytes", ErrMalformed, hash, length)
	}

	// the buffer grows with what actually arrives, not with the header
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, br.r, length)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{Hash: hash}, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrTruncated, hash, length, n)
		}
		return Frame{Hash: hash}, err
	}
	payload := buf.Bytes()
	if br.enc == Munged {
		munge.Bytes(payload)
	}
	return Frame{Hash: hash, Compressed: payload}, nil
}

func (br *Reader) readUntil(delim byte) (string, error) {
	buf := make([]byte, 0, 48)
	for {
		b, err := br.readByte()
		if errors.Is(err, io.EOF) {
			return "", ErrTruncated
		}
		if err != nil {
			return "", err
		}
		if b == delim {
			return string(buf), nil
		}
		if len(buf) >= maxHeader {
			return "", fmt.Errorf("%w: header exceeds %d bytes", ErrMalformed, maxHeader)
		}
		buf = append(buf, b)
	}
}

// ReadAll drains r and returns every complete frame in order. A truncated
// trailing frame is dropped and reported through the returned error while
// the frames before it are still returned.
func ReadAll(r io.Reader, enc Encoding) ([]Frame, error) {
	br := NewReader(r, enc)
	var frames []Frame
	for {
		f, err := br.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}
