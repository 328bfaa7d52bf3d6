//go:build !windows

package terminal

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty/v2"
)

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func startProcess(shell string, env []string, cols, rows uint16) (process, error) {
	cmd := exec.Command(shell)
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }
func (p *ptyProcess) Close() error                { return p.ptmx.Close() }
func (p *ptyProcess) Wait() error                 { return p.cmd.Wait() }

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
}

func (p *ptyProcess) Pid() (int, bool) {
	if p.cmd.Process == nil {
		return 0, false
	}
	return p.cmd.Process.Pid, true
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
