package audit

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
)

// maxEntrySize bounds one JSONL line; command lines are short, so this
// leaves room for long error texts.
const maxEntrySize = 1 << 20

// ChainError reports the first entry that breaks the hash chain.
type ChainError struct {
	Line   int // 1-based line in the log file
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// scanEntries calls fn for each non-empty line of the log at path.
func scanEntries(fs afero.Fs, path string, fn func(lineNo int, raw []byte) error) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxEntrySize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(lineNo, sc.Bytes()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	return nil
}

// Verify walks the log at path and checks sequence numbers and the hash
// chain. A broken chain is reported as a *ChainError; an empty log is
// valid.
func Verify(fs afero.Fs, path string) error {
	prev := genesisHash()
	var seq uint64

	return scanEntries(fs, path, func(lineNo int, raw []byte) error {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return &ChainError{Line: lineNo, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
		switch {
		case e.Seq != seq+1:
			return &ChainError{Line: lineNo, Reason: fmt.Sprintf("sequence gap: want %d, have %d", seq+1, e.Seq)}
		case e.PrevHash != prev:
			return &ChainError{Line: lineNo, Reason: fmt.Sprintf("previous hash %s does not follow %s", short(e.PrevHash), short(prev))}
		}
		if want := computeHash(e); e.Hash != want {
			return &ChainError{Line: lineNo, Reason: fmt.Sprintf("entry hash %s, content hashes to %s", short(e.Hash), short(want))}
		}
		prev, seq = e.Hash, e.Seq
		return nil
	})
}

// Tail returns up to n of the newest entries, oldest first. Lines that do
// not decode are skipped.
func Tail(fs afero.Fs, path string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]Entry, 0, n)
	next := 0
	err := scanEntries(fs, path, func(_ int, raw []byte) error {
		var e Entry
		if json.Unmarshal(raw, &e) != nil {
			return nil
		}
		if len(ring) < n {
			ring = append(ring, e)
			return nil
		}
		ring[next] = e
		next = (next + 1) % n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append(ring[next:], ring[:next]...), nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
