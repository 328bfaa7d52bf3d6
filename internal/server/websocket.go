package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/loppo-llc/tabterm/internal/terminal"
)

type WSInputMsg struct {
	TabID string `json:"tabId"`
	Data  string `json:"data"`
}

type WSResizeMsg struct {
	TabID string `json:"tabId"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

type WSScrollbackReq struct {
	TabID string `json:"tabId"`
}

type WSScrollbackMsg struct {
	TabID string `json:"tabId"`
	Data  string `json:"data"` // base64
}

type WSErrorMsg struct {
	TabID   string `json:"tabId,omitempty"`
	Message string `json:"message"`
}

type WSConnectedMsg struct {
	ClientID string `json:"clientId"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024) // 64KB max for terminal input

	c, ok := s.hub.register()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.hub.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Info("websocket connected", "client", c.id)
	defer s.logger.Info("websocket disconnected", "client", c.id)

	if err := writeJSON(ctx, conn, outbound{Type: "connected", Payload: WSConnectedMsg{ClientID: c.id}}); err != nil {
		return
	}

	go s.wsReadLoop(ctx, cancel, conn, c)

	// keepalive: ping every 30s to detect dead connections on mobile
	go s.wsPingLoop(ctx, cancel, conn)

	s.wsWriteLoop(ctx, conn, c)
}

func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *client) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid ws message", "err", err)
			continue
		}

		switch msg.Type {
		case "input":
			var input WSInputMsg
			if err := json.Unmarshal(msg.Payload, &input); err != nil {
				continue
			}
			if err := s.terminals.Write(input.TabID, []byte(input.Data)); err != nil {
				s.logger.Debug("pty write error", "tabId", input.TabID, "err", err)
				s.reply(ctx, c, "error", WSErrorMsg{TabID: input.TabID, Message: err.Error()})
			}

		case "resize":
			var resize WSResizeMsg
			if err := json.Unmarshal(msg.Payload, &resize); err != nil {
				continue
			}
			cols, rows, ok := dimensions(resize.Cols, resize.Rows)
			if !ok {
				continue
			}
			if err := s.terminals.Resize(resize.TabID, cols, rows); err != nil {
				s.logger.Debug("pty resize error", "tabId", resize.TabID, "err", err)
			}

		case "scrollback":
			var req WSScrollbackReq
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				continue
			}
			data, ok := s.terminals.Scrollback(req.TabID)
			if !ok {
				s.reply(ctx, c, "error", WSErrorMsg{TabID: req.TabID, Message: terminal.ErrSessionNotFound.Error()})
				continue
			}
			s.reply(ctx, c, "scrollback", WSScrollbackMsg{
				TabID: req.TabID,
				Data:  base64.StdEncoding.EncodeToString(data),
			})

		default:
			s.logger.Debug("unknown ws message type", "type", msg.Type)
		}
	}
}

// reply queues a message for one client behind any events already queued
// for it.
func (s *Server) reply(ctx context.Context, c *client, typ string, payload any) {
	data, err := json.Marshal(outbound{Type: typ, Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-ctx.Done():
	}
}

func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hub.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-c.send:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("websocket write failed", "client", c.id, "err", err)
				}
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
