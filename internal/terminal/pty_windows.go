//go:build windows

package terminal

import (
	"context"
	"fmt"
	"sync"

	"github.com/UserExistsError/conpty"
)

type conProcess struct {
	cpty      *conpty.ConPty
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// startProcess launches shell inside a ConPTY. The child inherits the
// parent environment; env is only honored on unix hosts.
func startProcess(shell string, _ []string, cols, rows uint16) (process, error) {
	cpty, err := conpty.Start(shell, conpty.ConPtyDimensions(int(cols), int(rows)))
	if err != nil {
		return nil, fmt.Errorf("failed to start conpty: %w", err)
	}
	return &conProcess{cpty: cpty, closed: make(chan struct{})}, nil
}

func (p *conProcess) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *conProcess) Write(b []byte) (int, error) { return p.cpty.Write(b) }

func (p *conProcess) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// Pid is not exposed by the pseudo console handle.
func (p *conProcess) Pid() (int, bool) { return 0, false }

// Kill closes the pseudo console, which terminates the attached client.
func (p *conProcess) Kill() error { return p.Close() }

func (p *conProcess) Wait() error {
	select {
	case <-p.closed:
		return nil
	default:
	}
	_, err := p.cpty.Wait(context.Background())
	return err
}

func (p *conProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.cpty.Close()
		close(p.closed)
	})
	return p.closeErr
}
