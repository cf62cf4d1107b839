package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/juju/ratelimit"

	"github.com/marcelocantos/dsh/internal/audit"
	"github.com/marcelocantos/dsh/internal/builtin"
	"github.com/marcelocantos/dsh/internal/ipc"
	"github.com/marcelocantos/dsh/internal/pipeline"
)

// Outcome is how a session ended.
type Outcome int

const (
	// Closed: the client disconnected or sent exit.
	Closed Outcome = iota
	// ShutdownRequested: the client sent stop-server.
	ShutdownRequested
)

func (o Outcome) String() string {
	switch o {
	case Closed:
		return "closed"
	case ShutdownRequested:
		return "shutdown requested"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// errorStatus is reported in the end frame for lines that fail before any
// process runs.
const errorStatus = 1

// Session serves one client connection. Each session owns its working
// directory; cd in one session never affects another.
type Session struct {
	ID     uint64
	Remote string

	srv   *Server
	conn  net.Conn
	codec codec
	env   *builtin.Env
	out   io.Writer
}

func (s *Server) newSession(conn net.Conn) *Session {
	sess := &Session{
		ID:     s.nextID.Add(1),
		Remote: conn.RemoteAddr().String(),
		srv:    s,
		conn:   conn,
		codec:  newCodec(s.cfg.Server.Protocol, conn),
		env: &builtin.Env{
			Fs:  s.fs,
			Dir: s.dir,
		},
	}

	sess.out = sess.codec.Output()
	if rate := s.cfg.Server.OutputRate; rate > 0 {
		sess.out = ratelimit.Writer(sess.out, ratelimit.NewBucketWithRate(float64(rate), rate))
	}
	sess.env.Stdout = sess.out
	sess.env.Stderr = sess.out
	return sess
}

// Serve reads and answers commands until the client leaves, sends exit or
// sends stop-server. Cancelling ctx ends the session at the next command
// boundary; a command already running is allowed to finish.
func (s *Session) Serve(ctx context.Context) Outcome {
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		line, err := s.codec.ReadCommand()
		if err != nil {
			if !isDisconnect(err) {
				s.srv.log.Printf("session %d: receive: %v", s.ID, err)
			}
			return Closed
		}

		outcome, done := s.handle(ctx, line)
		if done {
			return outcome
		}
	}
}

// handle runs one command line and always answers it with exactly one end
// of response.
func (s *Session) handle(ctx context.Context, line string) (Outcome, bool) {
	start := time.Now()
	rec := audit.Record{
		Line:    line,
		Cwd:     s.env.Dir,
		Remote:  s.Remote,
		Session: s.ID,
	}

	in, release := s.codec.Input(s.srv.cfg.Server.StdinFromConn)
	res, outcome, done := s.run(ctx, line, in, &rec)

	if err := s.codec.EndResponse(res); err != nil {
		if !isDisconnect(err) {
			s.srv.log.Printf("session %d: send: %v", s.ID, err)
		}
		outcome, done = Closed, true
	}
	release()

	rec.Duration = time.Since(start)
	if err := s.srv.audit.Log(rec); err != nil {
		s.srv.log.Printf("audit: %v", err)
	}
	return outcome, done
}

func (s *Session) run(ctx context.Context, line string, in io.Reader, rec *audit.Record) (ipc.EndResult, Outcome, bool) {
	// exit and stop-server are recognised before the rest of the line is
	// parsed.
	if name, err := pipeline.FirstWord(line); err == nil {
		switch s.srv.builtins.Classify(name) {
		case builtin.Exit:
			rec.Builtin = name
			return ipc.EndResult{}, Closed, true
		case builtin.StopServer:
			rec.Builtin = name
			s.srv.log.Printf("session %d: stop-server requested", s.ID)
			return ipc.EndResult{}, ShutdownRequested, true
		}
	}

	p, err := s.srv.builder.Build(line)
	if err != nil {
		rec.Err = err
		if errors.Is(err, pipeline.ErrNoCommand) {
			fmt.Fprintln(s.out, "dsh: warning: no commands provided")
			return ipc.EndResult{}, Closed, false
		}
		fmt.Fprintf(s.out, "dsh: %v\n", err)
		return ipc.EndResult{Status: errorStatus, Error: err.Error()}, Closed, false
	}

	switch kind, status := s.srv.builtins.Dispatch(s.env, p.Commands[0].Args); kind {
	case builtin.Executed:
		rec.Builtin = p.Commands[0].Name()
		rec.Status = status
		s.env.LastStatus = status
		return ipc.EndResult{Status: status}, Closed, false
	case builtin.Exit:
		rec.Builtin = p.Commands[0].Name()
		return ipc.EndResult{}, Closed, true
	case builtin.StopServer:
		rec.Builtin = p.Commands[0].Name()
		s.srv.log.Printf("session %d: stop-server requested", s.ID)
		return ipc.EndResult{}, ShutdownRequested, true
	}

	rec.Stages = stageNames(p)

	if in == nil {
		devNull, err := os.Open(os.DevNull)
		if err != nil {
			in = strings.NewReader("")
		} else {
			defer devNull.Close()
			in = devNull
		}
	}

	exec := &pipeline.Executor{
		Dir:         s.env.Dir,
		Env:         childEnv(os.Environ(), s.env.Dir),
		Stdin:       in,
		Stdout:      s.out,
		Stderr:      s.out,
		StageStderr: s.out,
	}
	// Server shutdown stops accepting work but lets running pipelines end
	// on their own.
	status, err := exec.Run(context.WithoutCancel(ctx), p)
	s.env.LastStatus = status
	rec.Status = status
	if err != nil {
		rec.Err = err
		fmt.Fprintf(s.out, "dsh: %v\n", err)
		return ipc.EndResult{Status: errorStatus, Error: err.Error()}, Closed, false
	}
	return ipc.EndResult{Status: status}, Closed, false
}

func stageNames(p *pipeline.Pipeline) []string {
	names := make([]string, len(p.Commands))
	for i, c := range p.Commands {
		names[i] = c.Name()
	}
	return names
}
