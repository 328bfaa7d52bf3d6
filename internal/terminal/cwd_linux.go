//go:build linux

package terminal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// processCwd resolves /proc/<pid>/cwd. A missing link (process already
// reaped) is reported as unavailable rather than as an error.
func processCwd(pid int) (string, bool, error) {
	cwd, err := os.Readlink(filepath.Join("/proc", strconv.Itoa(pid), "cwd"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read cwd link: %w", err)
	}
	return cwd, true, nil
}
