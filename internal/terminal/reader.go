package terminal

import (
	"errors"
	"io"
	"os"
)

const readChunkSize = 8192

// readLoop drains the session's output until end of stream or a read
// error, then publishes a single exit event. Read errors are only logged.
func (r *Registry) readLoop(s *Session) {
	buf := make([]byte, readChunkSize)
	var dec utf8Decoder

	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			s.scrollback.Write(buf[:n])
			r.metrics.Read(n)
			if text := dec.Decode(buf[:n]); text != "" {
				r.sink.Publish(EventData, DataEvent{TabID: s.tabID, Data: text})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.logger.Debug("pty read error", "tabId", s.tabID, "err", err)
			}
			break
		}
		if n == 0 {
			break
		}
	}

	if rest := dec.Flush(); rest != "" {
		r.sink.Publish(EventData, DataEvent{TabID: s.tabID, Data: rest})
	}
	r.sink.Publish(EventExit, ExitEvent{TabID: s.tabID})
	r.logger.Debug("terminal output ended", "tabId", s.tabID)
}
