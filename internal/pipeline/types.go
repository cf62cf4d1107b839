package pipeline

import "errors"

// Syntax characters recognised by the parser.
const (
	PipeChar  = '|' // separates pipeline stages
	QuoteChar = '"' // delimits a token that may contain whitespace
)

// Default limits, matching the classic dsh build constants.
const (
	DefaultMaxCommands = 8   // stages per pipeline
	DefaultMaxArgs     = 8   // tokens per stage, including the command name
	DefaultMaxLine     = 200 // bytes per input line
)

// Parse errors. NoCommand is a warning: callers report it and carry on.
var (
	ErrNoCommand       = errors.New("no commands provided")
	ErrBadQuoting      = errors.New("unbalanced quotes in command line")
	ErrTooManyArgs     = errors.New("too many arguments")
	ErrTooManyCommands = errors.New("too many commands in pipeline")
	ErrLineTooLong     = errors.New("command line too long")
)

// Execution errors.
var (
	ErrSpawnFailed = errors.New("spawn failed")
	ErrWaitFailed  = errors.New("wait failed")
)

// Command is a single stage of a pipeline.
type Command struct {
	Args []string // Args[0] is the executable, the rest are its arguments
	Raw  string   // trimmed segment text, kept for diagnostics
}

// Name returns the executable name.
func (c Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Pipeline is an ordered list of stages in data-flow order: stage i's
// stdout feeds stage i+1's stdin.
type Pipeline struct {
	Commands []Command
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.Commands) }
