package ipc

import (
	"net"
	"strconv"
	"strings"
)

// Defaults for the remote shell.
const (
	DefaultServerInterface = "0.0.0.0"
	DefaultClientHost      = "127.0.0.1"
	DefaultPort            = 1234
)

const unixPrefix = "unix:"

// Address splits a listen or dial target into network and address.
// "unix:/path/to.sock" selects a Unix socket; anything else is TCP.
func Address(target string) (network, address string) {
	if strings.HasPrefix(target, unixPrefix) {
		return "unix", strings.TrimPrefix(target, unixPrefix)
	}
	return "tcp", target
}

// JoinHostPort builds a TCP target from an interface and port.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// PidPath returns the pid file kept next to a Unix socket.
func PidPath(sockPath string) string {
	return sockPath + ".pid"
}
