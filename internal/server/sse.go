package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/termrun/internal/session"
)

const sseKeepAlive = 15 * time.Second

// utf8Splitter re-chunks a byte stream so no multi-byte rune is split across
// two frames. Invalid sequences pass through untouched.
type utf8Splitter struct {
	pending []byte
}

// Write appends b and returns the longest prefix that does not end inside a rune.
func (u *utf8Splitter) Write(b []byte) string {
	data := append(u.pending, b...)
	u.pending = nil

	cut := len(data)
	// A rune is at most 4 bytes, so only the last 3 can start an incomplete one.
	for i := len(data) - 1; i >= 0 && i >= len(data)-3; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if !utf8.FullRune(data[i:]) {
			cut = i
		}
		break
	}
	if cut < len(data) {
		u.pending = append([]byte(nil), data[cut:]...)
	}
	return string(data[:cut])
}

// Flush returns whatever is held back.
func (u *utf8Splitter) Flush() string {
	s := string(u.pending)
	u.pending = nil
	return s
}

type sseFrame struct {
	Output   string `json:"output,omitempty"`
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

func writeSSE(w http.ResponseWriter, f http.Flusher, frame sseFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	f.Flush()
	return nil
}

// handleOutput streams a session's output as Server-Sent Events. Closing the
// stream early does not end the session; another consumer may attach.
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.sessions.StreamOutput(id)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, statusFor(err), messageFor(err))
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, flusher, sseFrame{Output: connectBanner}); err != nil {
		return
	}

	// Events are acknowledged only after they reach the client, so a
	// reconnecting client resumes where the failed write left off.
	var split utf8Splitter
	for {
		ctx, cancel := context.WithTimeout(r.Context(), sseKeepAlive)
		ev, err := sub.Peek(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
				continue
			}
			return
		}

		switch ev.Type {
		case session.EventOutput:
			if text := split.Write(ev.Data); text != "" {
				if err := writeSSE(w, flusher, sseFrame{Output: text}); err != nil {
					return
				}
			}
			sub.Ack()
		case session.EventFinished:
			code := ev.ExitCode
			if writeSSE(w, flusher, sseFrame{Output: split.Flush() + exitTrailer, Status: "finished", ExitCode: &code}) == nil {
				sub.Ack()
			}
			return
		case session.EventError:
			if rest := split.Flush(); rest != "" {
				if writeSSE(w, flusher, sseFrame{Output: rest}) != nil {
					return
				}
			}
			if writeSSE(w, flusher, sseFrame{Error: ev.Message, Status: "failed"}) == nil {
				sub.Ack()
			}
			return
		}
	}
}
