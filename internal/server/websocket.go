package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/termrun/internal/session"
)

const (
	wsWriteWait    = 10 * time.Second
	wsEndTimeout   = 10 * time.Second
	wsMaxFrameSize = 1 << 20
)

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type     string `json:"type"` // run, input, resize
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Data     string `json:"data,omitempty"`
	Rows     uint16 `json:"rows,omitempty"`
	Cols     uint16 `json:"cols,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type      string `json:"type"` // started, output, compile_error, finished, error
	SessionID string `json:"sessionId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Message   string `json:"message,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	log  *logrus.Entry
}

func (c *wsConn) send(v wsOutgoing) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.WithError(err).Debug("websocket write failed")
		return err
	}
	return nil
}

func (c *wsConn) sendError(err error) error {
	return c.send(wsOutgoing{Type: "error", Message: messageFor(err)})
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.cfg.Server.AllowedOrigins, r)
		},
	}
}

// forward relays events from sub to the client until the terminal event or
// ctx is done. It reports whether the terminal event was sent.
func forward(ctx context.Context, c *wsConn, sub *session.Subscription) bool {
	defer sub.Close()
	var split utf8Splitter
	for {
		ev, err := sub.Peek(ctx)
		if err != nil {
			return errors.Is(err, io.EOF)
		}
		switch ev.Type {
		case session.EventOutput:
			if text := split.Write(ev.Data); text != "" {
				if c.send(wsOutgoing{Type: "output", Data: text}) != nil {
					return false
				}
			}
			sub.Ack()
		case session.EventFinished:
			code := ev.ExitCode
			if c.send(wsOutgoing{Type: "finished", Data: split.Flush() + exitTrailer, ExitCode: &code}) != nil {
				return false
			}
			sub.Ack()
			return true
		case session.EventError:
			if c.send(wsOutgoing{Type: "error", Data: split.Flush(), Message: ev.Message}) != nil {
				return false
			}
			sub.Ack()
			return true
		}
	}
}

// handleAttach connects a WebSocket to an existing session. Closing the
// socket ends the session.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.sessions.StreamOutput(id)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, statusFor(err), messageFor(err))
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrameSize)

	c := &wsConn{conn: conn, log: s.log.WithField("session", id)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		if forward(ctx, c, sub) {
			c.mu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "program exited"),
				time.Now().Add(wsWriteWait))
			c.mu.Unlock()
		}
	}()

	s.readFrames(c, func(msg wsIncoming) {
		switch msg.Type {
		case "input":
			if err := s.sessions.SendInput(id, []byte(msg.Data)); err != nil {
				c.sendError(err)
			}
		case "resize":
			if err := s.sessions.Resize(id, msg.Rows, msg.Cols); err != nil {
				c.sendError(err)
			}
		default:
			c.send(wsOutgoing{Type: "error", Message: "invalid message"})
		}
	})

	s.endOnDisconnect(id)
	cancel()
	<-forwarded
}

// handleTerminal serves a connection-scoped terminal: each run frame
// compiles and starts a program under the connection's id, replacing the
// previous one. Closing the socket ends the session.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrameSize)

	id := uuid.NewString()
	c := &wsConn{conn: conn, log: s.log.WithField("session", id)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var forwarded chan struct{}
	waitForwarder := func() {
		if forwarded != nil {
			<-forwarded
			forwarded = nil
		}
	}

	s.readFrames(c, func(msg wsIncoming) {
		switch msg.Type {
		case "run":
			s.wsRun(ctx, c, id, msg, &forwarded, waitForwarder)
		case "input":
			if err := s.sessions.SendInput(id, []byte(msg.Data)); err != nil {
				c.sendError(err)
			}
		case "resize":
			if err := s.sessions.Resize(id, msg.Rows, msg.Cols); err != nil {
				c.sendError(err)
			}
		default:
			c.send(wsOutgoing{Type: "error", Message: "invalid message"})
		}
	})

	s.endOnDisconnect(id)
	cancel()
	waitForwarder()
}

func (s *Server) wsRun(ctx context.Context, c *wsConn, id string, msg wsIncoming, forwarded *chan struct{}, waitForwarder func()) {
	if msg.Code == "" {
		c.send(wsOutgoing{Type: "error", Message: "No code provided"})
		return
	}

	sess, err := s.sessions.RunAs(ctx, id, session.RunRequest{Source: msg.Code, Language: msg.Language})
	if err != nil {
		var se *session.Error
		if errors.As(err, &se) && se.Code == session.CodeCompile {
			c.send(wsOutgoing{
				Type:    "compile_error",
				Data:    compileHeader + terminalText(se.Diagnostic),
				Message: "Compilation failed",
				Stderr:  se.Diagnostic,
			})
			return
		}
		c.sendError(err)
		return
	}

	// The previous program was reaped inside RunAs; its forwarder is at EOF.
	waitForwarder()

	sub, err := s.sessions.StreamOutput(id)
	if err != nil {
		c.sendError(err)
		return
	}
	c.send(wsOutgoing{Type: "started", SessionID: sess.ID, RunID: sess.RunID})

	done := make(chan struct{})
	*forwarded = done
	go func() {
		defer close(done)
		forward(ctx, c, sub)
	}()
}

// readFrames dispatches client frames until the connection closes.
func (s *Server) readFrames(c *wsConn, handle func(wsIncoming)) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("websocket read ended")
			}
			return
		}
		var msg wsIncoming
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(wsOutgoing{Type: "error", Message: "invalid message"})
			continue
		}
		handle(msg)
	}
}

func (s *Server) endOnDisconnect(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), wsEndTimeout)
	defer cancel()
	if err := s.sessions.EndSession(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.log.WithError(err).WithField("session", id).Warn("ending session after disconnect")
	}
}
