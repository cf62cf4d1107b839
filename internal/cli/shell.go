package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/abiosoft/readline"
	"github.com/fatih/color"

	"github.com/marcelocantos/dsh/internal/audit"
	"github.com/marcelocantos/dsh/internal/builtin"
	"github.com/marcelocantos/dsh/internal/pipeline"
)

var (
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
)

// LineReader yields input lines without their trailing newline. It
// returns io.EOF when input is exhausted and readline.ErrInterrupt when
// the user abandons a line.
type LineReader interface {
	Readline() (string, error)
}

// NewLineReader reads from stdin through readline when stdin is a
// terminal, and line by line otherwise.
func NewLineReader(prompt string, stdin io.Reader, stdout io.Writer) (LineReader, func(), error) {
	if f, ok := stdin.(*os.File); ok && readline.IsTerminal(int(f.Fd())) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt: prompt,
			Stdin:  readline.NewCancelableStdin(f),
			Stdout: stdout,
		})
		if err != nil {
			return nil, nil, err
		}
		return rl, func() { rl.Close() }, nil
	}
	return &scanReader{s: bufio.NewScanner(stdin)}, func() {}, nil
}

// scanReader is a LineReader over a non-interactive stream.
type scanReader struct {
	s *bufio.Scanner
}

func (r *scanReader) Readline() (string, error) {
	if r.s.Scan() {
		return strings.TrimSuffix(r.s.Text(), "\r"), nil
	}
	if err := r.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Shell is the local interactive loop.
type Shell struct {
	In       LineReader
	Stdin    io.Reader // first stage input; nil inherits
	Out      io.Writer
	Err      io.Writer
	Builtins *builtin.Registry
	Builder  *pipeline.Builder
	Env      *builtin.Env
	Audit    *audit.Logger
}

// NewShell returns a shell using the local built-ins and the process's
// standard streams.
func NewShell(in LineReader, builder *pipeline.Builder, auditLog *audit.Logger) *Shell {
	return &Shell{
		In:       in,
		Out:      os.Stdout,
		Err:      os.Stderr,
		Builtins: builtin.Local(),
		Builder:  builder,
		Env:      builtin.NewEnv(),
		Audit:    auditLog,
	}
}

// Run reads and executes lines until exit or end of input.
func (s *Shell) Run(ctx context.Context) error {
	for {
		line, err := s.In.Readline()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case err != nil:
			return fmt.Errorf("read input: %w", err)
		}

		if s.Exec(ctx, line) {
			return nil
		}
	}
}

// Exec runs one line and reports whether it asked the shell to exit.
// Parse and execution errors are reported and never end the loop.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	if name, err := pipeline.FirstWord(line); err == nil && s.Builtins.Classify(name) == builtin.Exit {
		return true
	}

	start := time.Now()
	rec := audit.Record{Line: line, Cwd: s.Env.Dir}
	defer func() {
		rec.Duration = time.Since(start)
		if err := s.Audit.Log(rec); err != nil {
			fmt.Fprintf(s.Err, "dsh: audit: %v\n", err)
		}
	}()

	s.Env.Stdout, s.Env.Stderr = s.Out, s.Err

	p, err := s.Builder.Build(line)
	if err != nil {
		rec.Err = err
		s.report(err)
		return false
	}

	switch kind, status := s.Builtins.Dispatch(s.Env, p.Commands[0].Args); kind {
	case builtin.Executed:
		rec.Builtin = p.Commands[0].Name()
		rec.Status = status
		s.Env.LastStatus = status
		return false
	case builtin.Exit, builtin.StopServer:
		rec.Builtin = p.Commands[0].Name()
		return true
	}

	rec.Stages = stageNames(p)
	exec := &pipeline.Executor{
		Dir:    s.Env.Dir,
		Stdin:  s.Stdin,
		Stdout: s.Out,
		Stderr: s.Err,
	}
	status, err := exec.Run(ctx, p)
	s.Env.LastStatus = status
	rec.Status = status
	if err != nil {
		rec.Err = err
		s.report(err)
	}
	return false
}

func (s *Shell) report(err error) {
	if errors.Is(err, pipeline.ErrNoCommand) {
		warnColor.Fprintf(s.Err, "warning: %v\n", err)
		return
	}
	errorColor.Fprintf(s.Err, "dsh: %v\n", err)
}

func stageNames(p *pipeline.Pipeline) []string {
	names := make([]string, len(p.Commands))
	for i, c := range p.Commands {
		names[i] = c.Name()
	}
	return names
}
