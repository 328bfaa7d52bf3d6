package terminal

import (
	"sync"
	"time"
)

// Session is one live shell bound to a pseudo-terminal. Its handles are
// created together in Open and released together in terminate.
type Session struct {
	tabID     string
	shell     string
	createdAt time.Time

	proc       process
	scrollback *RingBuffer

	// serializes writers; reads and resizes do not take it
	wmu sync.Mutex

	closeOnce sync.Once
}

// Info is a snapshot of a registered session.
type Info struct {
	TabID     string `json:"tabId"`
	Shell     string `json:"shell"`
	PID       int    `json:"pid,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func (s *Session) Info() Info {
	pid, _ := s.proc.Pid()
	return Info{
		TabID:     s.tabID,
		Shell:     s.shell,
		PID:       pid,
		CreatedAt: s.createdAt.UTC().Format(time.RFC3339),
	}
}

// write hands data to the terminal's input side. The pty file is
// unbuffered, so a nil return means every byte left this process.
func (s *Session) write(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.proc.Write(data)
	return err
}

func (s *Session) resize(cols, rows uint16) error {
	return s.proc.Resize(cols, rows)
}

// terminate kills the child, reaps it and closes the terminal. Failures
// are ignored: the session is gone either way.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		_ = s.proc.Kill()
		_ = s.proc.Wait()
		_ = s.proc.Close()
	})
}
