package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/marcelocantos/dsh/internal/audit"
)

// AuditVerify checks the audit log's hash chain.
func AuditVerify(fs afero.Fs, w io.Writer, logPath string) int {
	if err := audit.Verify(fs, logPath); err != nil {
		fmt.Fprintf(w, "audit verification FAILED: %v\n", err)
		return 1
	}
	fmt.Fprintln(w, "audit log integrity verified")
	return 0
}

// AuditTail prints the last n audit entries as indented JSON.
func AuditTail(fs afero.Fs, w io.Writer, logPath string, n int) int {
	entries, err := audit.Tail(fs, logPath, n)
	if err != nil {
		fmt.Fprintf(w, "dsh audit: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no audit entries")
		return 0
	}
	for _, e := range entries {
		data, _ := json.MarshalIndent(e, "", "  ")
		fmt.Fprintf(w, "%s\n", data)
	}
	return 0
}
