package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/convoflow/convoflow/fanout"
	"github.com/convoflow/convoflow/session"
)

type (
	// wsFrame is the wire shape in both directions. Server frames carry the
	// session event kind in Type with the event payload in Data, plus the
	// event's session id, sequence number and emission time; client frames
	// are user.text, user.dtmf or client.cancel.
	wsFrame struct {
		Type      string         `json:"type"`
		SessionID string         `json:"sessionId,omitempty"`
		Seq       int64          `json:"seq,omitempty"`
		Timestamp time.Time      `json:"timestamp,omitzero"`
		Data      map[string]any `json:"data,omitempty"`
	}

	// wsConn serializes writes; the read pump and the write pump both send
	// frames and gorilla allows one concurrent writer only.
	wsConn struct {
		conn *websocket.Conn
		mu   sync.Mutex
	}
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var (
	errSessionIDRequired = errors.New("session_id is required")

	upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
)

// WSHandler serves only the observer attach endpoint, for deployments that
// expose WebSocket traffic on a dedicated port. The main Handler routes /ws
// as well.
func (s *Server) WSHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.cors)
	r.Use(s.requestLog)
	r.Get("/ws", s.handleWS)
	return r
}

// handleWS upgrades the connection and attaches a hub observer for the
// session. Events stream out as JSON frames; inbound frames feed user input
// into the engine. The observer detaches when either side closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errSessionIDRequired)
		return
	}
	if _, err := s.engine.GetState(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	obs, err := s.hub.Attach(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Close()
		s.logger.Warn(r.Context(), "websocket upgrade failed", "session_id", sessionID, "err", err)
		return
	}
	conn := &wsConn{conn: raw}
	done := make(chan struct{})
	go s.wsWritePump(conn, obs, done)
	s.wsReadPump(conn, sessionID)
	close(done)
	obs.Close()
	_ = raw.Close()
}

// wsWritePump serializes observer events onto the socket and keeps the
// connection alive with pings.
func (s *Server) wsWritePump(conn *wsConn, obs *fanout.Observer, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-obs.Events():
			if !ok {
				conn.closeNormal("session ended")
				return
			}
			if err := conn.writeFrame(eventFrame(ev)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// wsReadPump consumes client frames until the connection drops. DTMF digits
// are treated as text input; unknown frame kinds get an error frame back
// and are otherwise ignored.
func (s *Server) wsReadPump(conn *wsConn, sessionID string) {
	_ = conn.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.wsError(conn, sessionID, "malformed frame")
			continue
		}
		switch frame.Type {
		case "user.text":
			text, _ := frame.Data["text"].(string)
			s.wsInput(conn, sessionID, text)
		case "user.dtmf":
			digits, _ := frame.Data["digits"].(string)
			s.wsInput(conn, sessionID, digits)
		case "client.cancel":
			return
		default:
			s.wsError(conn, sessionID, "unknown frame type: "+frame.Type)
		}
	}
}

func (s *Server) wsInput(conn *wsConn, sessionID, text string) {
	ctx := context.Background()
	if text == "" {
		s.wsError(conn, sessionID, "text is required")
		return
	}
	if !s.limiter(sessionID).Allow() {
		s.wsError(conn, sessionID, "input rate exceeded")
		return
	}
	if err := s.engine.ProcessUserInput(ctx, sessionID, text); err != nil {
		s.logger.Warn(ctx, "websocket input failed", "session_id", sessionID, "err", err)
		s.wsError(conn, sessionID, err.Error())
	}
}

// eventFrame maps a session event onto the wire, keeping its id, sequence
// number and emission time.
func eventFrame(ev session.Event) wsFrame {
	return wsFrame{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
}

func (s *Server) wsError(conn *wsConn, sessionID, msg string) {
	_ = conn.writeFrame(wsFrame{
		Type:      string(session.EventError),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"message": msg},
	})
}

func (c *wsConn) writeFrame(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) closeNormal(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(wsWriteWait))
}
