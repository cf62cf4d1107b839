package cli

import (
	"errors"
	"io"
	"net"

	"github.com/marcelocantos/dsh/internal/client"
	"github.com/marcelocantos/dsh/internal/pipeline"
	"github.com/marcelocantos/dsh/internal/server"
)

// ExitCode is the status dsh itself exits with.
type ExitCode int

const (
	OK                 ExitCode = 0
	WarnNoCommand      ExitCode = 1
	ErrTooManyCommands ExitCode = 2
	ErrArgsTooBig      ExitCode = 3
	ErrMemory          ExitCode = 4 // reserved; allocation failure is fatal in Go
	ErrExec            ExitCode = 5
	ErrBadQuoting      ExitCode = 6
	ErrCommunication   ExitCode = 7
	ErrClient          ExitCode = 8
)

// Classify maps an error to the exit code reported for it.
func Classify(err error) ExitCode {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, pipeline.ErrNoCommand):
		return WarnNoCommand
	case errors.Is(err, pipeline.ErrTooManyCommands):
		return ErrTooManyCommands
	case errors.Is(err, pipeline.ErrTooManyArgs), errors.Is(err, pipeline.ErrLineTooLong):
		return ErrArgsTooBig
	case errors.Is(err, pipeline.ErrBadQuoting):
		return ErrBadQuoting
	case errors.Is(err, pipeline.ErrSpawnFailed), errors.Is(err, pipeline.ErrWaitFailed):
		return ErrExec
	case errors.Is(err, client.ErrUnreachable):
		return ErrClient
	case errors.Is(err, server.ErrCommunication):
		return ErrCommunication
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrCommunication
	}
	return ErrExec
}
