package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame tags identify the type of each message in the framed protocol.
// Client-to-server tags are in the 0x01-0x0F range.
// Server-to-client tags are in the 0x10-0x1F range.
const (
	TagCommand   byte = 0x01 // C→S: one command line, raw bytes
	TagStdinData byte = 0x02 // C→S: raw stdin bytes for the current command
	TagStdinEOF  byte = 0x03 // C→S: stdin closed (no payload)

	TagOutput byte = 0x10 // S→C: raw output bytes (stdout and stderr)
	TagEnd    byte = 0x12 // S→C: JSON-encoded EndResult, ends one response
)

// MaxFrameSize bounds the payload a peer may announce.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a frame header announces a payload
// larger than MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// EndResult closes one response in the framed protocol.
type EndResult struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// WriteFrame writes a tagged frame: [tag:1][len:4 big-endian][payload:len].
func WriteFrame(w io.Writer, tag byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	if err := writeAll(w, buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one tagged frame, returning the tag and payload.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	tag := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return tag, payload, nil
}

// WriteJSON writes a tagged frame with a JSON-encoded payload.
func WriteJSON(w io.Writer, tag byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return WriteFrame(w, tag, data)
}

// writeAll keeps writing until p is sent. net.Conn writes are already
// complete-or-error, but plain io.Writers may return short counts.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
