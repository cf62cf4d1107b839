package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/abiosoft/readline"

	"github.com/marcelocantos/dsh/internal/builtin"
	"github.com/marcelocantos/dsh/internal/client"
	"github.com/marcelocantos/dsh/internal/pipeline"
)

// RemoteShell reads lines locally and runs them on a dsh server.
type RemoteShell struct {
	In     LineReader
	Out    io.Writer
	Client *client.Client
}

// Run relays lines until end of input, a local exit, or stop-server.
// exit never reaches the server.
func (r *RemoteShell) Run(ctx context.Context) error {
	remote := builtin.Remote()
	for {
		line, err := r.In.Readline()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case err != nil:
			return fmt.Errorf("read input: %w", err)
		}

		kind := builtin.NotBuiltin
		if name, err := pipeline.FirstWord(line); err == nil {
			kind = remote.Classify(name)
		}
		if kind == builtin.Exit {
			return nil
		}

		// Failures are printed by the server as part of the response.
		if _, err := r.Client.Do(ctx, line, nil, r.Out); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
		if kind == builtin.StopServer {
			return nil
		}
	}
}
