package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marcelocantos/dsh/internal/config"
	"github.com/marcelocantos/dsh/internal/ipc"
)

// maxWireCommand bounds a single command on the wire. Lines within it but
// over the shell's line limit are rejected by the pipeline builder with a
// readable message instead of dropping the connection.
const maxWireCommand = 64 << 10

// codec is one side of a wire protocol, seen from the server.
type codec interface {
	// ReadCommand blocks for the next command line.
	ReadCommand() (string, error)

	// Input returns the stdin stream for the current command, or nil if
	// the command gets no input from the client. release must be called
	// once the command has finished and its response has been sent.
	Input(forward bool) (in io.Reader, release func())

	// Output is where command output and diagnostics go.
	Output() io.Writer

	// EndResponse terminates the response to the current command.
	EndResponse(res ipc.EndResult) error
}

func newCodec(protocol string, conn net.Conn) codec {
	if protocol == config.ProtocolFramed {
		c := &framedCodec{conn: conn}
		c.out = &outputFrames{c: c}
		return c
	}
	return &markerCodec{conn: conn}
}

// markerCodec speaks the NUL/0x04 protocol. Output is raw bytes, so a
// command that prints the marker byte ends its response early.
type markerCodec struct {
	conn net.Conn
}

func (c *markerCodec) ReadCommand() (string, error) {
	return ipc.ReadCommand(c.conn, maxWireCommand)
}

// filer is implemented by *net.TCPConn and *net.UnixConn.
type filer interface {
	File() (*os.File, error)
}

// Input hands the socket itself to the first stage. The stage reads
// whatever the client sends next, up to and including later commands,
// which is the behaviour of a shell whose stdin is the connection.
func (c *markerCodec) Input(forward bool) (io.Reader, func()) {
	if !forward {
		return nil, func() {}
	}
	fc, ok := c.conn.(filer)
	if !ok {
		return nil, func() {}
	}
	f, err := fc.File()
	if err != nil {
		return nil, func() {}
	}
	return f, func() {
		// Handing f to a child switched the shared file description to
		// blocking mode; switch it back for the runtime poller.
		unix.SetNonblock(int(f.Fd()), true)
		f.Close()
	}
}

func (c *markerCodec) Output() io.Writer {
	return c.conn
}

func (c *markerCodec) EndResponse(ipc.EndResult) error {
	return ipc.WriteEndOfResponse(c.conn)
}

// framedCodec speaks the length-prefixed protocol. Each command is
// followed on the wire by zero or more stdin frames and one stdin EOF
// frame, which are consumed whether or not they are forwarded.
type framedCodec struct {
	conn net.Conn
	mu   sync.Mutex // serialises frames written by concurrent stages
	out  *outputFrames

	// err is a receive failure seen by the stdin demultiplexer; it ends
	// the session at the next ReadCommand.
	err error
}

func (c *framedCodec) ReadCommand() (string, error) {
	if c.err != nil {
		return "", c.err
	}
	for {
		tag, payload, err := ipc.ReadFrame(c.conn)
		if err != nil {
			return "", err
		}
		switch tag {
		case ipc.TagCommand:
			if len(payload) > maxWireCommand {
				return "", fmt.Errorf("%w (limit %d bytes)", ipc.ErrCommandTooLong, maxWireCommand)
			}
			return string(payload), nil
		case ipc.TagStdinData, ipc.TagStdinEOF:
			// Stray stdin for a command that never ran.
		default:
			return "", fmt.Errorf("unexpected frame 0x%02x", tag)
		}
	}
}

// Input starts the demultiplexer that reads stdin frames for the current
// command. It runs until the client's stdin EOF frame so the next
// ReadCommand starts on a frame boundary.
func (c *framedCodec) Input(forward bool) (io.Reader, func()) {
	stdinR, stdinW := io.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer stdinW.Close()
		var sink io.Writer = stdinW
		if !forward {
			sink = io.Discard
		}
		for {
			t, p, err := ipc.ReadFrame(c.conn)
			if err != nil {
				c.err = err
				return
			}
			switch t {
			case ipc.TagStdinData:
				if _, err := sink.Write(p); err != nil {
					// The pipeline stopped reading; keep draining.
					sink = io.Discard
				}
			case ipc.TagStdinEOF:
				return
			default:
				c.err = fmt.Errorf("unexpected frame 0x%02x during stdin", t)
				return
			}
		}
	}()

	release := func() {
		stdinR.Close()
		<-done
	}
	if !forward {
		return nil, release
	}
	return stdinR, release
}

func (c *framedCodec) Output() io.Writer {
	return c.out
}

// outputFrames turns each write into one output frame. Several pipeline
// stages may write at once; frames never interleave on the wire.
type outputFrames struct {
	c *framedCodec
}

func (o *outputFrames) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	if err := ipc.WriteFrame(o.c.conn, ipc.TagOutput, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *framedCodec) EndResponse(res ipc.EndResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ipc.WriteJSON(c.conn, ipc.TagEnd, res)
}

// isDisconnect reports whether err just means the peer went away or the
// session was asked to stop.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
