package feedproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire framing: every envelope is preceded by a 4-byte big-endian length.
// Partial reads are resumed until the full message is buffered, so slow or
// fragmented TCP delivery never corrupts message boundaries.

// DefaultMaxMessageBytes bounds a single framed message. Anything larger is
// rejected before allocation.
const DefaultMaxMessageBytes = 64 << 20

const readerBufferSize = 64 << 10

// ErrMessageTooLarge is returned when a length prefix exceeds the configured
// limit.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// Reader decodes length-prefixed envelopes from a stream. Not safe for
// concurrent use.
type Reader struct {
	r      *bufio.Reader
	max    uint32
	lenBuf [4]byte
}

// NewReader wraps r with buffering and a message size limit. A zero limit
// selects DefaultMaxMessageBytes.
func NewReader(r io.Reader, maxBytes uint32) *Reader {
	if maxBytes == 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Reader{r: bufio.NewReaderSize(r, readerBufferSize), max: maxBytes}
}

// Next returns the body of the next framed message. io.EOF is returned only
// on a clean message boundary; a stream cut mid-message yields
// io.ErrUnexpectedEOF.
func (r *Reader) Next() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(r.lenBuf[:])
	if n > r.max {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, n, r.max)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// ReadEnvelope reads and decodes the next envelope.
func (r *Reader) ReadEnvelope() (*Envelope, error) {
	body, err := r.Next()
	if err != nil {
		return nil, err
	}
	return UnmarshalEnvelope(body)
}

// Writer encodes length-prefixed envelopes onto a stream. Not safe for
// concurrent use; callers serialize writes.
type Writer struct {
	w      *bufio.Writer
	max    uint32
	lenBuf [4]byte
}

// NewWriter wraps w with buffering and a message size limit. A zero limit
// selects DefaultMaxMessageBytes.
func NewWriter(w io.Writer, maxBytes uint32) *Writer {
	if maxBytes == 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Writer{w: bufio.NewWriterSize(w, readerBufferSize), max: maxBytes}
}

// WriteEnvelope marshals e, writes the length prefix and body, and flushes.
func (w *Writer) WriteEnvelope(e *Envelope) error {
	body := e.Marshal()
	if uint64(len(body)) > uint64(w.max) {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(body), w.max)
	}
	binary.BigEndian.PutUint32(w.lenBuf[:], uint32(len(body)))
	if _, err := w.w.Write(w.lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(body); err != nil {
		return err
	}
	return w.w.Flush()
}
