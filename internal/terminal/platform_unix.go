//go:build !windows

package terminal

import "os"

const defaultShell = "/bin/bash"

// colorEnv makes tools inside the shell behave as in a color-capable terminal.
var colorEnv = []string{
	"TERM=xterm-256color",
	"COLORTERM=truecolor",
	"TERM_PROGRAM=tabterm",
	"CLICOLOR=1",
}

type unixPlatform struct{}

// DefaultPlatform returns the platform ops for the host OS.
func DefaultPlatform() Platform {
	return unixPlatform{}
}

// Shell returns $SHELL, falling back to /bin/bash.
func (unixPlatform) Shell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return defaultShell
}

func (unixPlatform) Environ() []string {
	return mergeEnv(os.Environ(), colorEnv)
}

func (unixPlatform) Cwd(pid int) (string, bool, error) {
	return processCwd(pid)
}
