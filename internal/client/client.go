package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marcelocantos/dsh/internal/config"
	"github.com/marcelocantos/dsh/internal/ipc"
)

// ErrUnreachable is returned by Dial when no server answers.
var ErrUnreachable = errors.New("server unreachable")

// Client is a connection to a dsh server.
type Client struct {
	conn     net.Conn
	protocol string
	r        *bufio.Reader
}

// New wraps an established connection. protocol is config.ProtocolMarker
// or config.ProtocolFramed and must match the server's.
func New(conn net.Conn, protocol string) *Client {
	return &Client{conn: conn, protocol: protocol, r: bufio.NewReader(conn)}
}

// Dial connects to a server at target ("host:port" or "unix:/path").
func Dial(ctx context.Context, target, protocol string) (*Client, error) {
	network, addr := ipc.Address(target)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrUnreachable, target, err)
	}
	return New(conn, protocol), nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one command line and copies its response to stdout. stdin, if
// not nil, is forwarded to the command in the framed protocol; the marker
// protocol has no per-command input stream and ignores it. Do returns only
// after stdin reaches EOF, so an interactive stdin must not be passed. Only
// the framed protocol reports an exit status.
func (c *Client) Do(ctx context.Context, line string, stdin io.Reader, stdout io.Writer) (ipc.EndResult, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if c.protocol == config.ProtocolFramed {
		return c.relay(line, stdin, stdout)
	}

	if err := ipc.WriteCommand(c.conn, line); err != nil {
		return ipc.EndResult{}, err
	}
	if err := ipc.CopyResponse(stdout, c.r); err != nil {
		return ipc.EndResult{}, fmt.Errorf("read response: %w", err)
	}
	return ipc.EndResult{}, nil
}

// relay sends a framed command, pumps stdin and demultiplexes the
// response until its end frame.
func (c *Client) relay(line string, stdin io.Reader, stdout io.Writer) (ipc.EndResult, error) {
	if err := ipc.WriteFrame(c.conn, ipc.TagCommand, []byte(line)); err != nil {
		return ipc.EndResult{}, fmt.Errorf("send command: %w", err)
	}

	// Stdin pump goroutine: reads from stdin, sends StdinData frames,
	// sends StdinEOF when done.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if stdin == nil {
			ipc.WriteFrame(c.conn, ipc.TagStdinEOF, nil)
			return
		}
		buf := make([]byte, 32*1024)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				if writeErr := ipc.WriteFrame(c.conn, ipc.TagStdinData, buf[:n]); writeErr != nil {
					return
				}
			}
			if err != nil {
				ipc.WriteFrame(c.conn, ipc.TagStdinEOF, nil)
				return
			}
		}
	}()

	var res ipc.EndResult
	for {
		tag, payload, err := ipc.ReadFrame(c.r)
		if err != nil {
			wg.Wait()
			return res, fmt.Errorf("read response: %w", err)
		}
		switch tag {
		case ipc.TagOutput:
			stdout.Write(payload)
		case ipc.TagEnd:
			wg.Wait()
			if err := json.Unmarshal(payload, &res); err != nil {
				return res, fmt.Errorf("unmarshal end: %w", err)
			}
			return res, nil
		default:
			wg.Wait()
			return res, fmt.Errorf("unexpected frame 0x%02x", tag)
		}
	}
}
