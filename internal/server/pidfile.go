package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/marcelocantos/dsh/internal/ipc"
)

func writePidFile(sockPath string) error {
	return os.WriteFile(ipc.PidPath(sockPath), []byte(strconv.Itoa(os.Getpid())), 0600)
}

// cleanStaleSocket removes a socket file if no process is listening on it.
// Returns an error if a live server is detected.
func cleanStaleSocket(sockPath string) error {
	if _, err := os.Stat(sockPath); os.IsNotExist(err) {
		return nil
	}

	// Try connecting: if it succeeds, a server is already running.
	conn, err := net.Dial("unix", sockPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("server already running (socket %s is active)", sockPath)
	}

	if data, err := os.ReadFile(ipc.PidPath(sockPath)); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("server already running (pid %d)", pid)
				}
			}
		}
	}

	// Stale socket, remove it.
	return os.Remove(sockPath)
}
