//go:build windows

package terminal

import "os"

const windowsShell = "cmd.exe"

type windowsPlatform struct{}

// DefaultPlatform returns the platform ops for the host OS.
func DefaultPlatform() Platform {
	return windowsPlatform{}
}

func (windowsPlatform) Shell() string {
	return windowsShell
}

func (windowsPlatform) Environ() []string {
	return os.Environ()
}

func (windowsPlatform) Cwd(pid int) (string, bool, error) {
	return processCwd(pid)
}
