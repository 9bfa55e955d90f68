// Package wire implements the framed message protocol spoken between the
// coordinator and its workers.
//
// A frame is a 4-byte big-endian length N followed by exactly N bytes of a
// protobuf-encoded Message. A frame cut short by the end of the stream means
// the peers are no longer synchronized; the connection must be dropped.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. Larger lengths are treated like a
// desynchronized stream.
const MaxFrameSize = 64 << 20

var (
	ErrShortFrame    = errors.New("wire: short read, stream not synchronized")
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
)

// ReadFrame reads one frame body. It returns io.EOF only if the stream ended
// cleanly on a frame boundary.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: want %d bytes", ErrShortFrame, n)
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes body prefixed with its length.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (*Message, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(body)
}

// WriteMessage encodes m and writes it as one frame.
func WriteMessage(w io.Writer, m *Message) error {
	body, err := Marshal(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}
