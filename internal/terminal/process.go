package terminal

import "io"

// process is a shell attached to a pseudo-terminal. Read drains the
// terminal's output side, Write feeds its input side, Resize goes through
// the control handle. Read may run concurrently with Write and Resize.
type process interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
	// Pid reports ok=false when the OS process id is not available.
	Pid() (int, bool)
	Kill() error
	Wait() error
}
