package builtin

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

// Cd changes the session's working directory.
type Cd struct{}

func (Cd) Name() string        { return "cd" }
func (Cd) Description() string { return "change the working directory" }

func (Cd) Run(env *Env, args []string) (Kind, int) {
	switch len(args) {
	case 1:
		return Executed, 0
	case 2:
	default:
		fmt.Fprintf(env.Stderr, "%s: too many arguments\n", args[0])
		return Executed, 1
	}

	target := args[1]
	if !filepath.IsAbs(target) {
		target = filepath.Join(env.Dir, target)
	}
	target = filepath.Clean(target)

	fi, err := env.Fs.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintf(env.Stderr, "%s: %s: no such file or directory\n", args[0], args[1])
		return Executed, 1
	case errors.Is(err, fs.ErrPermission):
		fmt.Fprintf(env.Stderr, "%s: %s: permission denied\n", args[0], args[1])
		return Executed, 1
	case err != nil:
		fmt.Fprintf(env.Stderr, "%s: %s: %v\n", args[0], args[1], err)
		return Executed, 1
	case !fi.IsDir():
		fmt.Fprintf(env.Stderr, "%s: %s: not a directory\n", args[0], args[1])
		return Executed, 1
	}

	env.Dir = target
	return Executed, 0
}

// ExitCmd ends the current session. The caller performs the exit.
type ExitCmd struct{}

func (ExitCmd) Name() string                   { return "exit" }
func (ExitCmd) Description() string            { return "end the session" }
func (ExitCmd) Run(*Env, []string) (Kind, int) { return Exit, 0 }

// StopServerCmd ends the session and asks the server to stop accepting
// connections. The caller performs the shutdown.
type StopServerCmd struct{}

func (StopServerCmd) Name() string                   { return "stop-server" }
func (StopServerCmd) Description() string            { return "end the session and stop the server" }
func (StopServerCmd) Run(*Env, []string) (Kind, int) { return StopServer, 0 }

// Rc prints the status of the last pipeline.
type Rc struct{}

func (Rc) Name() string        { return "rc" }
func (Rc) Description() string { return "print the last exit status" }

func (Rc) Run(env *Env, _ []string) (Kind, int) {
	fmt.Fprintf(env.Stdout, "%d\n", env.LastStatus)
	return Executed, 0
}
