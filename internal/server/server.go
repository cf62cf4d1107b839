package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/marcelocantos/dsh/internal/audit"
	"github.com/marcelocantos/dsh/internal/builtin"
	"github.com/marcelocantos/dsh/internal/config"
	"github.com/marcelocantos/dsh/internal/ipc"
	"github.com/marcelocantos/dsh/internal/pipeline"
)

// ErrCommunication wraps listen and accept failures, which are fatal to
// the server.
var ErrCommunication = errors.New("communication error")

// Server accepts remote shell clients and runs their commands.
type Server struct {
	cfg      *config.Config
	builtins *builtin.Registry
	builder  *pipeline.Builder
	audit    *audit.Logger
	log      *log.Logger
	fs       afero.Fs
	dir      string

	nextID atomic.Uint64
	active sync.WaitGroup
}

// New creates a server. auditLog may be nil. Sessions start in the
// server's working directory.
func New(cfg *config.Config, auditLog *audit.Logger, logger *log.Logger) *Server {
	dir, _ := os.Getwd()
	return &Server{
		cfg:      cfg,
		builtins: builtin.Remote(),
		builder:  cfg.Builder(),
		audit:    auditLog,
		log:      logger,
		fs:       afero.NewOsFs(),
		dir:      dir,
	}
}

// Run listens on the configured address and calls Serve.
func (s *Server) Run(ctx context.Context) error {
	network, addr := ipc.Address(s.cfg.Server.ListenTarget())

	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(addr), 0700); err != nil {
			return fmt.Errorf("%w: create socket dir: %v", ErrCommunication, err)
		}
		if err := cleanStaleSocket(addr); err != nil {
			return fmt.Errorf("%w: %v", ErrCommunication, err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("%w: listen: %v", ErrCommunication, err)
	}

	if network == "unix" {
		if err := os.Chmod(addr, 0600); err != nil {
			ln.Close()
			return fmt.Errorf("%w: chmod socket: %v", ErrCommunication, err)
		}
		if err := writePidFile(addr); err != nil {
			ln.Close()
			return fmt.Errorf("write pid: %w", err)
		}
		defer func() {
			os.Remove(addr)
			os.Remove(ipc.PidPath(addr))
		}()
	}

	s.log.Printf("listening on %s (%s, %s protocol)", ln.Addr(), s.cfg.Server.Mode, s.cfg.Server.Protocol)
	return s.Serve(ctx, ln)
}

// reuseAddr lets a restarted server bind while old connections linger in
// TIME_WAIT.
func reuseAddr(network, _ string, c syscall.RawConn) error {
	if network == "unix" {
		return nil
	}
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Serve accepts connections on ln until a client sends stop-server or ctx
// is cancelled, then waits for active sessions and returns nil. The
// listener is closed on return. In sequential mode one session is served
// at a time; in concurrent mode each connection gets its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	// Close the listener when the context is done (stop-server or parent
	// cancel).
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	concurrent := s.cfg.Server.Mode == config.ModeConcurrent

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.active.Wait()
				s.log.Printf("server stopped")
				return nil
			default:
				shutdown()
				s.active.Wait()
				return fmt.Errorf("%w: accept: %v", ErrCommunication, err)
			}
		}

		sess := s.newSession(conn)
		if !concurrent {
			if s.runSession(ctx, sess) == ShutdownRequested {
				shutdown()
			}
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			if s.runSession(ctx, sess) == ShutdownRequested {
				shutdown()
			}
		}()
	}
}

func (s *Server) runSession(ctx context.Context, sess *Session) Outcome {
	defer sess.conn.Close()
	s.log.Printf("session %d: client connected from %s", sess.ID, sess.Remote)
	outcome := sess.Serve(ctx)
	s.log.Printf("session %d: %s", sess.ID, outcome)
	return outcome
}
