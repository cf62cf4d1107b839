package builtin

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/spf13/afero"
)

// Kind classifies a line's first command before anything is spawned.
type Kind int

const (
	NotBuiltin Kind = iota // hand the line to the pipeline executor
	Executed               // the built-in ran; nothing else to do
	Exit                   // the caller must end the session
	StopServer             // the caller must end the session and stop the server
)

func (k Kind) String() string {
	switch k {
	case NotBuiltin:
		return "not-builtin"
	case Executed:
		return "executed"
	case Exit:
		return "exit"
	case StopServer:
		return "stop-server"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Env is the per-session state built-ins read and modify. Dir replaces the
// process-wide working directory: cd updates it and the executor applies it
// to every process it spawns.
type Env struct {
	Fs         afero.Fs
	Dir        string
	LastStatus int
	Stdout     io.Writer
	Stderr     io.Writer
}

// NewEnv returns an Env rooted at the process's current directory on the
// real filesystem, writing to the process's standard streams.
func NewEnv() *Env {
	dir, _ := os.Getwd()
	return &Env{
		Fs:     afero.NewOsFs(),
		Dir:    dir,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Builtin is a command the shell handles itself without spawning a process.
type Builtin interface {
	// Name returns the command word that selects this built-in.
	Name() string

	// Description returns a one-line summary for help output.
	Description() string

	// Run executes the built-in. args[0] is the command word. It returns
	// the classification for the caller and the command's status.
	Run(env *Env, args []string) (Kind, int)
}

// Registry maps command words to built-ins.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Builtin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builtins: make(map[string]Builtin)}
}

// Local returns the built-ins available to an interactive local shell.
func Local() *Registry {
	r := NewRegistry()
	r.Register(Cd{})
	r.Register(ExitCmd{})
	r.Register(Rc{})
	return r
}

// Remote returns the built-ins available to remote sessions, which add
// stop-server to the local set.
func Remote() *Registry {
	r := Local()
	r.Register(StopServerCmd{})
	return r
}

// Register adds a built-in to the registry.
func (r *Registry) Register(b Builtin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[b.Name()] = b
}

// Lookup returns the built-in for name.
func (r *Registry) Lookup(name string) (Builtin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builtins[name]
	return b, ok
}

// Classify reports what the given command word means without running it.
// Exit and StopServer are returned for those words; every other built-in
// classifies as Executed.
func (r *Registry) Classify(name string) Kind {
	b, ok := r.Lookup(name)
	if !ok {
		return NotBuiltin
	}
	switch b.(type) {
	case ExitCmd:
		return Exit
	case StopServerCmd:
		return StopServer
	default:
		return Executed
	}
}

// Dispatch runs args as a built-in if args[0] names one. Non-built-ins
// return NotBuiltin and leave env untouched.
func (r *Registry) Dispatch(env *Env, args []string) (Kind, int) {
	if len(args) == 0 {
		return NotBuiltin, 0
	}
	b, ok := r.Lookup(args[0])
	if !ok {
		return NotBuiltin, 0
	}
	return b.Run(env, args)
}

// All returns all registered built-ins sorted by name.
func (r *Registry) All() []Builtin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Builtin, 0, len(r.builtins))
	for _, b := range r.builtins {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Name() < all[j].Name()
	})
	return all
}
