package server

import "strings"

// curatedEnvKeys lists environment variables passed from the server to the
// processes it spawns for remote clients.
var curatedEnvKeys = []string{
	"HOME", "PATH", "USER", "SHELL", "TERM",
	"LANG", "TMPDIR",
}

// curatedEnvPrefixes lists prefixes for additional propagated variables.
var curatedEnvPrefixes = []string{
	"LC_",
}

// childEnv builds the environment for a remote session's processes from
// environ. PWD follows the session's working directory.
func childEnv(environ []string, dir string) []string {
	env := make([]string, 0, len(curatedEnvKeys)+1)
	for _, kv := range environ {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || k == "PWD" {
			continue
		}
		if curated(k) {
			env = append(env, kv)
		}
	}
	if dir != "" {
		env = append(env, "PWD="+dir)
	}
	return env
}

func curated(key string) bool {
	for _, k := range curatedEnvKeys {
		if key == k {
			return true
		}
	}
	for _, prefix := range curatedEnvPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
