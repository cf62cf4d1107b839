package pipeline

import (
	"fmt"
	"strings"
)

// Builder turns raw input lines into pipelines. Zero-valued limits fall
// back to the package defaults.
type Builder struct {
	MaxCommands int
	MaxArgs     int
	MaxLine     int
}

// NewBuilder returns a Builder with the default limits.
func NewBuilder() *Builder {
	return &Builder{
		MaxCommands: DefaultMaxCommands,
		MaxArgs:     DefaultMaxArgs,
		MaxLine:     DefaultMaxLine,
	}
}

func (b *Builder) maxCommands() int {
	if b == nil || b.MaxCommands <= 0 {
		return DefaultMaxCommands
	}
	return b.MaxCommands
}

func (b *Builder) maxArgs() int {
	if b == nil || b.MaxArgs <= 0 {
		return DefaultMaxArgs
	}
	return b.MaxArgs
}

func (b *Builder) maxLine() int {
	if b == nil || b.MaxLine <= 0 {
		return DefaultMaxLine
	}
	return b.MaxLine
}

// Build splits line on '|', trims each segment, drops empty segments and
// tokenizes the rest. The stage limit is enforced as segments are found, so
// the segment that overflows it is never tokenized.
func (b *Builder) Build(line string) (*Pipeline, error) {
	if len(line) > b.maxLine() {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrLineTooLong, len(line), b.maxLine())
	}

	p := &Pipeline{}
	rest := line
	for {
		seg, tail, more := strings.Cut(rest, string(PipeChar))
		seg = strings.TrimSpace(seg)
		if seg != "" {
			if len(p.Commands) >= b.maxCommands() {
				return nil, fmt.Errorf("%w (limit %d)", ErrTooManyCommands, b.maxCommands())
			}
			args, err := Tokenize(seg, b.maxArgs())
			if err != nil {
				return nil, fmt.Errorf("stage %d: %w", len(p.Commands), err)
			}
			p.Commands = append(p.Commands, Command{Args: args, Raw: seg})
		}
		if !more {
			break
		}
		rest = tail
	}

	if len(p.Commands) == 0 {
		return nil, ErrNoCommand
	}
	return p, nil
}

// Tokenize splits one pipeline stage into its argument vector. Runs of
// whitespace separate tokens. A token that starts with a double quote runs
// to the next unescaped double quote and keeps its whitespace verbatim;
// inside such a span \" and \\ stand for a literal quote and backslash.
func Tokenize(segment string, maxArgs int) ([]string, error) {
	var args []string
	i, n := 0, len(segment)

	for {
		for i < n && isSpace(segment[i]) {
			i++
		}
		if i >= n {
			break
		}

		var tok string
		if segment[i] == QuoteChar {
			var sb strings.Builder
			i++
			closed := false
			for i < n {
				c := segment[i]
				if c == '\\' && i+1 < n && (segment[i+1] == QuoteChar || segment[i+1] == '\\') {
					sb.WriteByte(segment[i+1])
					i += 2
					continue
				}
				if c == QuoteChar {
					closed = true
					i++
					break
				}
				sb.WriteByte(c)
				i++
			}
			if !closed {
				return nil, ErrBadQuoting
			}
			tok = sb.String()
		} else {
			start := i
			for i < n && !isSpace(segment[i]) {
				i++
			}
			tok = segment[start:i]
		}

		if maxArgs > 0 && len(args) >= maxArgs {
			return nil, fmt.Errorf("%w (limit %d)", ErrTooManyArgs, maxArgs)
		}
		args = append(args, tok)
	}

	if len(args) == 0 {
		return nil, ErrNoCommand
	}
	return args, nil
}

// FirstWord returns the first token of the first non-empty stage of line
// without parsing the remaining stages, so built-ins such as exit can be
// recognised even when later stages would not parse. Empty segments are
// skipped the same way Build skips them.
func FirstWord(line string) (string, error) {
	rest := line
	for {
		seg, tail, more := strings.Cut(rest, string(PipeChar))
		if strings.TrimSpace(seg) != "" {
			args, err := Tokenize(seg, 0)
			if err != nil {
				return "", err
			}
			return args[0], nil
		}
		if !more {
			return "", ErrNoCommand
		}
		rest = tail
	}
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
