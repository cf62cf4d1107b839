package audit

import "time"

// Entry represents a single audit log record.
type Entry struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"ts"`
	PrevHash string    `json:"prev_hash"`
	Line     string    `json:"line"`              // raw input line
	Stages   []string  `json:"stages,omitempty"`  // program name of each stage
	Builtin  string    `json:"builtin,omitempty"` // built-in that handled the line
	Status   int       `json:"status"`            // last stage's exit status
	Error    string    `json:"error,omitempty"`   // parse or spawn error
	Duration float64   `json:"duration_ms"`       // execution time in milliseconds
	Cwd      string    `json:"cwd"`               // working directory
	Remote   string    `json:"remote,omitempty"`  // peer address for remote sessions
	Session  uint64    `json:"session,omitempty"` // server session number
	Hash     string    `json:"hash"`              // SHA-256 of this entry (with hash field empty)
}

// Record carries the per-command fields the caller supplies. Sequence,
// time and hashes are filled in by the Logger.
type Record struct {
	Line     string
	Stages   []string
	Builtin  string
	Status   int
	Err      error
	Duration time.Duration
	Cwd      string
	Remote   string
	Session  uint64
}
