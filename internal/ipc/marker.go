package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Marker protocol bytes. Commands are NUL-terminated; each response ends
// with exactly one EndOfResponse byte, which command output is assumed
// never to contain.
const (
	CommandTerminator byte = 0x00
	EndOfResponse     byte = 0x04
)

// ErrCommandTooLong is returned when a peer sends more than the allowed
// bytes without a terminator.
var ErrCommandTooLong = errors.New("command too long")

// WriteCommand sends one NUL-terminated command line.
func WriteCommand(w io.Writer, line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, CommandTerminator)
	if err := writeAll(w, buf); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}

// ReadCommand reads one NUL-terminated command line. It reads a byte at a
// time so nothing past the terminator is consumed: the connection may be
// handed to a child process as its stdin afterwards. A stream that ends
// after a partial line yields that line; a stream that ends at a line
// boundary yields io.EOF.
func ReadCommand(r io.Reader, max int) (string, error) {
	var line []byte
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == CommandTerminator {
				return string(line), nil
			}
			if max > 0 && len(line) >= max {
				return "", fmt.Errorf("%w (limit %d bytes)", ErrCommandTooLong, max)
			}
			line = append(line, b[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return string(line), nil
			}
			return "", err
		}
	}
}

// WriteEndOfResponse sends the single marker byte that ends a response.
func WriteEndOfResponse(w io.Writer) error {
	if err := writeAll(w, []byte{EndOfResponse}); err != nil {
		return fmt.Errorf("send end of response: %w", err)
	}
	return nil
}

// CopyResponse copies one response from r to w, stopping after the
// end-of-response marker, which is not copied. r should be buffered: bytes
// after the marker stay unread for the next response.
func CopyResponse(w io.Writer, r io.ByteReader) error {
	var buf bytes.Buffer
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		_, err := w.Write(buf.Bytes())
		buf.Reset()
		return err
	}
	for {
		b, err := r.ReadByte()
		if err != nil {
			if ferr := flush(); ferr != nil {
				return ferr
			}
			return err
		}
		if b == EndOfResponse {
			return flush()
		}
		buf.WriteByte(b)
		if b == '\n' || buf.Len() >= 4096 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
