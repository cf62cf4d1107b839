package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelocantos/dsh/internal/audit"
	"github.com/marcelocantos/dsh/internal/config"
	"github.com/marcelocantos/dsh/internal/ipc"
)

func requireTools(t *testing.T) {
	t.Helper()
	for _, name := range []string{"sh", "printf", "sort", "tr", "cat", "ls", "head"} {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not available: %v", name, err)
		}
	}
}

func testConfig(protocol, mode string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Protocol = protocol
	cfg.Server.Mode = mode
	cfg.Audit.Path = ""
	return cfg
}

// running is a Serve call in progress.
type running struct {
	addr    string
	err     error
	stopped chan struct{}
}

// wait returns Serve's result.
func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.stopped:
		return r.err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

// startServer serves on a loopback listener until the test ends.
func startServer(t *testing.T, srv *Server) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{addr: ln.Addr().String(), stopped: make(chan struct{})}
	go func() {
		r.err = srv.Serve(ctx, ln)
		close(r.stopped)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.stopped:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return r
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv := New(cfg, nil, log.New(io.Discard, "", 0))
	srv.dir = t.TempDir()
	return srv
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

type markerClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newMarkerClient(t *testing.T, addr string) *markerClient {
	conn := dial(t, addr)
	return &markerClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *markerClient) do(line string) string {
	c.t.Helper()
	require.NoError(c.t, ipc.WriteCommand(c.conn, line))
	var out bytes.Buffer
	require.NoError(c.t, ipc.CopyResponse(&out, c.r), "response to %q", line)
	return out.String()
}

func (c *markerClient) expectClosed() {
	c.t.Helper()
	_, err := c.r.ReadByte()
	assert.ErrorIs(c.t, err, io.EOF)
}

// framedDo sends one command with the given stdin chunks and collects the
// response.
func framedDo(t *testing.T, conn net.Conn, line string, stdin ...string) (string, ipc.EndResult) {
	t.Helper()
	require.NoError(t, ipc.WriteFrame(conn, ipc.TagCommand, []byte(line)))
	for _, chunk := range stdin {
		require.NoError(t, ipc.WriteFrame(conn, ipc.TagStdinData, []byte(chunk)))
	}
	require.NoError(t, ipc.WriteFrame(conn, ipc.TagStdinEOF, nil))

	var out strings.Builder
	for {
		tag, payload, err := ipc.ReadFrame(conn)
		require.NoError(t, err, "response to %q", line)
		switch tag {
		case ipc.TagOutput:
			out.Write(payload)
		case ipc.TagEnd:
			var res ipc.EndResult
			require.NoError(t, json.Unmarshal(payload, &res))
			return out.String(), res
		default:
			t.Fatalf("unexpected frame 0x%02x", tag)
		}
	}
}

func TestMarkerTranscript(t *testing.T) {
	requireTools(t)
	srv := newTestServer(t, testConfig(config.ProtocolMarker, config.ModeSequential))
	addr := startServer(t, srv).addr
	c := newMarkerClient(t, addr)

	var transcript strings.Builder
	for _, line := range []string{
		`printf "hello, world\n"`,
		`printf "b\na\n" | sort`,
		`cd /nonexistent`,
		`rc`,
		`echo "unterminated`,
		`|`,
		`sh -c "exit 3"`,
		`rc`,
		`  |  exit | cat`,
	} {
		fmt.Fprintf(&transcript, "> %s\n%s", line, c.do(line))
	}
	c.expectClosed()

	g := goldie.New(t,
		goldie.WithFixtureDir(filepath.Join("testdata", "golden")),
		goldie.WithDiffEngine(goldie.ColoredDiff),
		goldie.WithTestNameForDir(true),
	)
	g.Assert(t, "session", []byte(transcript.String()))
}

func TestCdFailureSendsOneMarkerAndKeepsConnection(t *testing.T) {
	requireTools(t)
	srv := newTestServer(t, testConfig(config.ProtocolMarker, config.ModeSequential))
	addr := startServer(t, srv).addr
	c := newMarkerClient(t, addr)

	assert.Equal(t, "cd: /nonexistent: no such file or directory\n", c.do("cd /nonexistent"))

	// A second marker would show up as an empty response here.
	assert.Equal(t, "still here", c.do(`printf "still here"`))
}

func TestEmptyOutputStillEndsResponse(t *testing.T) {
	requireTools(t)
	srv := newTestServer(t, testConfig(config.ProtocolMarker, config.ModeSequential))
	addr := startServer(t, srv).addr
	c := newMarkerClient(t, addr)

	assert.Empty(t, c.do("true"))
	assert.Empty(t, c.do("cd /"))
	assert.Equal(t, "0\n", c.do("rc | cat"), "built-ins only look at the first stage")
}

func TestStopServerEndsAcceptLoop(t *testing.T) {
	srv := newTestServer(t, testConfig(config.ProtocolMarker, config.ModeSequential))
	r := startServer(t, srv)
	c := newMarkerClient(t, r.addr)

	assert.Empty(t, c.do("stop-server"))
	c.expectClosed()
	assert.NoError(t, r.wait(t))

	_, err := net.DialTimeout("tcp", r.addr, time.Second)
	assert.Error(t, err, "listener should be closed")
}

func TestStopServerAfterEmptyStage(t *testing.T) {
	srv := newTestServer(t, testConfig(config.ProtocolMarker, config.ModeSequential))
	r := startServer(t, srv)
	c := newMarkerClient(t, r.addr)

	assert.Empty(t, c.do("  |  stop-server"))
	c.expectClosed()
	assert.NoError(t, r.wait(t))
}

func TestSequentialServesNextClient(t *testing.T) {
	requireTools(t)
	srv := newTestServer(t, testConfig(config.ProtocolMarker, config.ModeSequential))
	addr := startServer(t, srv).addr

	first := newMarkerClient(t, addr)
	assert.Equal(t, "one", first.do(`printf one`))
	first.conn.Close()

	second := newMarkerClient(t, addr)
	assert.Equal(t, "two", second.do(`printf two`))
}

func TestConcurrentSessionsHaveOwnDirectory(t *testing.T) {
	requireTools(t)
	cfg := testConfig(config.ProtocolMarker, config.ModeConcurrent)
	cfg.Server.OutputRate = 1 << 20
	srv := newTestServer(t, cfg)
	require.NoError(t, os.Mkdir(filepath.Join(srv.dir, "sub"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(srv.dir, "sub", "inner"), nil, 0600))
	r := startServer(t, srv)
	addr := r.addr

	a := newMarkerClient(t, addr)
	b := newMarkerClient(t, addr)

	assert.Empty(t, a.do("cd sub"))
	assert.Equal(t, "inner\n", a.do("ls"))
	assert.Equal(t, "sub\n", b.do("ls"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newMarkerClient(t, addr)
			msg := fmt.Sprintf("msg-%d", i)
			assert.Equal(t, msg, c.do("printf "+msg))
		}()
	}
	wg.Wait()

	// stop-server in one session ends the idle ones too.
	assert.Empty(t, b.do("stop-server"))
	b.expectClosed()
	a.expectClosed()
	assert.NoError(t, r.wait(t))
}

func TestMarkerStdinFromConnection(t *testing.T) {
	requireTools(t)
	cfg := testConfig(config.ProtocolMarker, config.ModeSequential)
	cfg.Server.StdinFromConn = true
	srv := newTestServer(t, cfg)
	addr := startServer(t, srv).addr
	c := newMarkerClient(t, addr)

	_, err := c.conn.Write([]byte("head -n 1\x00from the socket\n"))
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, ipc.CopyResponse(&out, c.r))
	assert.Equal(t, "from the socket\n", out.String())

	// The connection is usable by the server again afterwards.
	assert.Equal(t, "after", c.do("printf after"))
}

func TestFramedStdinRelay(t *testing.T) {
	requireTools(t)
	cfg := testConfig(config.ProtocolFramed, config.ModeSequential)
	cfg.Server.StdinFromConn = true
	srv := newTestServer(t, cfg)
	addr := startServer(t, srv).addr
	conn := dial(t, addr)

	out, res := framedDo(t, conn, "tr a-z A-Z", "hello ", "world")
	assert.Equal(t, "HELLO WORLD", out)
	assert.Equal(t, ipc.EndResult{}, res)

	// A stage that ignores its input must not wedge the stream.
	out, res = framedDo(t, conn, "printf ignored", strings.Repeat("x", 1<<20))
	assert.Equal(t, "ignored", out)
	assert.Equal(t, 0, res.Status)

	out, _ = framedDo(t, conn, "cat")
	assert.Empty(t, out)
}

func TestFramedWithoutForwarding(t *testing.T) {
	requireTools(t)
	srv := newTestServer(t, testConfig(config.ProtocolFramed, config.ModeSequential))
	addr := startServer(t, srv).addr
	conn := dial(t, addr)

	out, res := framedDo(t, conn, "cat", "not forwarded")
	assert.Empty(t, out)
	assert.Equal(t, 0, res.Status)

	_, res = framedDo(t, conn, `sh -c "exit 3"`)
	assert.Equal(t, 3, res.Status)

	out, res = framedDo(t, conn, `echo "oops`)
	assert.Equal(t, "dsh: stage 0: unbalanced quotes in command line\n", out)
	assert.Equal(t, errorStatus, res.Status)
	assert.Contains(t, res.Error, "unbalanced quotes")

	out, res = framedDo(t, conn, "no-such-command-dsh-test")
	assert.Contains(t, out, "spawn failed")
	assert.Equal(t, errorStatus, res.Status)

	// Output containing the marker byte survives framing.
	out, _ = framedDo(t, conn, `printf "a\004b"`)
	assert.Equal(t, "a\x04b", out)

	_, res = framedDo(t, conn, "exit")
	assert.Equal(t, ipc.EndResult{}, res)
	_, _, err := ipc.ReadFrame(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramedRejectsUnknownFrame(t *testing.T) {
	srv := newTestServer(t, testConfig(config.ProtocolFramed, config.ModeSequential))
	addr := startServer(t, srv).addr
	conn := dial(t, addr)

	require.NoError(t, ipc.WriteFrame(conn, 0x7f, []byte("bogus")))
	_, _, err := ipc.ReadFrame(conn)
	assert.ErrorIs(t, err, io.EOF, "session should close")
}

func TestCommandsAreAudited(t *testing.T) {
	requireTools(t)
	fs := afero.NewMemMapFs()
	logger, err := audit.NewLogger(fs, "/audit.jsonl")
	require.NoError(t, err)

	srv := New(testConfig(config.ProtocolMarker, config.ModeSequential), logger, log.New(io.Discard, "", 0))
	srv.dir = "/"
	addr := startServer(t, srv).addr
	c := newMarkerClient(t, addr)

	c.do("printf x | cat")
	c.do("cd /nonexistent")
	c.do("exit")
	c.expectClosed()

	require.NoError(t, audit.Verify(fs, "/audit.jsonl"))
	entries, err := audit.Tail(fs, "/audit.jsonl", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, []string{"printf", "cat"}, entries[0].Stages)
	assert.Equal(t, "/", entries[0].Cwd)
	assert.EqualValues(t, 1, entries[0].Session)
	assert.NotEmpty(t, entries[0].Remote)

	assert.Equal(t, "cd", entries[1].Builtin)
	assert.Equal(t, 1, entries[1].Status)
	assert.Equal(t, "exit", entries[2].Builtin)
}

func TestRunUnixSocket(t *testing.T) {
	// Keep the path short for the unix socket length limit.
	dir, err := os.MkdirTemp("", "dsh-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sockPath := filepath.Join(dir, "s.sock")

	cfg := testConfig(config.ProtocolFramed, config.ModeSequential)
	cfg.Server.Address = "unix:" + sockPath
	srv := newTestServer(t, cfg)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", sockPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	defer conn.Close()

	pid, err := os.ReadFile(ipc.PidPath(sockPath))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(os.Getpid()), string(pid))

	_, res := framedDo(t, conn, "stop-server")
	assert.Equal(t, ipc.EndResult{}, res)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after stop-server")
	}
	assert.NoFileExists(t, sockPath)
	assert.NoFileExists(t, ipc.PidPath(sockPath))
}

func TestRunListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(config.ProtocolMarker, config.ModeSequential)
	cfg.Server.Interface = "127.0.0.1"
	cfg.Server.Port = busy.Addr().(*net.TCPAddr).Port
	srv := newTestServer(t, cfg)

	err = srv.Run(context.Background())
	assert.ErrorIs(t, err, ErrCommunication)
}

func TestCleanStaleSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	require.NoError(t, cleanStaleSocket(sockPath), "no socket is a no-op")

	// A leftover file with nobody listening.
	require.NoError(t, os.WriteFile(sockPath, nil, 0600))
	require.NoError(t, cleanStaleSocket(sockPath))
	assert.NoFileExists(t, sockPath)
}

func TestCleanStaleSocketLiveServer(t *testing.T) {
	dir, err := os.MkdirTemp("", "dsh-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sockPath := filepath.Join(dir, "s.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	err = cleanStaleSocket(sockPath)
	assert.ErrorContains(t, err, "already running")
}

func TestChildEnv(t *testing.T) {
	env := childEnv([]string{
		"HOME=/home/u",
		"PATH=/bin",
		"PWD=/elsewhere",
		"SECRET_TOKEN=x",
		"LC_ALL=C",
		"malformed",
	}, "/srv/session")
	assert.Equal(t, []string{"HOME=/home/u", "PATH=/bin", "LC_ALL=C", "PWD=/srv/session"}, env)
}

func TestFramedOutputFramesDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := newCodec(config.ProtocolFramed, server)
	out := c.Output()

	const writers, writes = 4, 50
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				chunk := bytes.Repeat([]byte{byte('a' + i)}, 100)
				for j := 0; j < writes; j++ {
					out.Write(chunk)
				}
			}(i)
		}
		wg.Wait()
		c.EndResponse(ipc.EndResult{Status: 0})
	}()

	r := bufio.NewReader(client)
	frames := 0
	for {
		tag, payload, err := ipc.ReadFrame(r)
		require.NoError(t, err)
		if tag == ipc.TagEnd {
			break
		}
		require.Equal(t, ipc.TagOutput, tag)
		require.Len(t, payload, 100)
		assert.Equal(t, bytes.Repeat(payload[:1], 100), payload, "frame mixes writers")
		frames++
	}
	assert.Equal(t, writers*writes, frames)
}
