package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Executor runs pipelines as one OS process per stage. Nil streams fall
// back to the invoking process's standard streams. Stdin feeds the first
// stage; Stdout and Stderr receive the last stage's output and errors.
// Intermediate stages write errors to StageStderr, which may be written
// from several goroutines at once.
type Executor struct {
	Dir         string // working directory for every stage; empty inherits
	Env         []string
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
	StageStderr io.Writer
}

// conduit is one stage-to-stage pipe.
type conduit struct {
	r, w *os.File
}

type conduitSet []conduit

func (cs conduitSet) Close() {
	for _, c := range cs {
		c.r.Close()
		c.w.Close()
	}
}

// Run executes p and returns the exit status of its last stage. All
// conduits are created before the first process starts, and every conduit
// end is closed in the caller once the stages are spawned so each reader
// sees end-of-stream when its writer exits.
func (e *Executor) Run(ctx context.Context, p *Pipeline) (int, error) {
	n := p.Len()
	if n == 0 {
		return 0, ErrNoCommand
	}

	conduits := make(conduitSet, 0, n-1)
	for i := 0; i < n-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			conduits.Close()
			return 0, fmt.Errorf("%w: create pipe: %v", ErrSpawnFailed, err)
		}
		conduits = append(conduits, conduit{r: r, w: w})
	}

	stdin, stopPump, err := e.firstInput()
	if err != nil {
		conduits.Close()
		return 0, err
	}

	cmds := make([]*exec.Cmd, 0, n)
	var spawnErr error
	for i, c := range p.Commands {
		cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
		cmd.Dir = e.Dir
		cmd.Env = e.Env

		if i == 0 {
			cmd.Stdin = stdin
		} else {
			cmd.Stdin = conduits[i-1].r
		}

		if i == n-1 {
			cmd.Stdout = orStdout(e.Stdout)
			cmd.Stderr = orStderr(e.Stderr)
		} else {
			cmd.Stdout = conduits[i].w
			cmd.Stderr = orStderr(e.StageStderr)
		}

		if err := cmd.Start(); err != nil {
			spawnErr = fmt.Errorf("%w: stage %d (%s): %v", ErrSpawnFailed, i, c.Name(), err)
			break
		}
		cmds = append(cmds, cmd)
	}

	conduits.Close()
	stopPump()

	status := 0
	var waitErr error
	for i, cmd := range cmds {
		err := cmd.Wait()
		if i == n-1 {
			status = exitStatus(cmd.ProcessState)
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && waitErr == nil {
			waitErr = fmt.Errorf("%w: stage %d (%s): %v", ErrWaitFailed, i, p.Commands[i].Name(), err)
		}
	}

	if spawnErr != nil {
		return 0, spawnErr
	}
	return status, waitErr
}

// firstInput returns the reader handed to the first stage. Readers that
// are not files are pumped through an extra pipe so that Wait never blocks
// on an input source that outlives the pipeline. The returned stop func
// drops the caller's copy of the pipe's read end once the first stage owns
// it.
func (e *Executor) firstInput() (io.Reader, func(), error) {
	switch in := e.Stdin.(type) {
	case nil:
		return os.Stdin, func() {}, nil
	case *os.File:
		return in, func() {}, nil
	default:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: create input pipe: %v", ErrSpawnFailed, err)
		}
		go func() {
			io.Copy(w, in)
			w.Close()
		}()
		return r, func() { r.Close() }, nil
	}
}

func orStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}

func orStderr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stderr
	}
	return w
}

// exitStatus maps a finished process to a shell-style status: the exit
// code, or 128+signal for processes killed by a signal.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
