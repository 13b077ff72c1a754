package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/termrun/internal/session"
	"github.com/michaelbrown/termrun/internal/storage"
)

const (
	compileHeader = "\x1b[31mCompilation Error:\x1b[0m\r\n"
	exitTrailer   = "\r\n\x1b[32mProgram exited.\x1b[0m\r\n"
	connectBanner = "Connected to terminal session...\r\n"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps a session error to an HTTP status.
func statusFor(err error) int {
	switch session.CodeOf(err) {
	case session.CodeNotFound:
		return http.StatusNotFound
	case session.CodeNotRunning, session.CodeInvalidInput, session.CodeCompile:
		return http.StatusBadRequest
	case session.CodeStreamBusy:
		return http.StatusConflict
	case session.CodeCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageFor is the client-facing text for a session error.
func messageFor(err error) string {
	var se *session.Error
	if !errors.As(err, &se) {
		return "internal error"
	}
	switch se.Code {
	case session.CodeNotFound:
		return "Session not found"
	case session.CodeNotRunning:
		return "Process finished"
	case session.CodeInvalidInput:
		return se.Message
	}
	msg := se.Message
	if len(msg) > 0 {
		msg = strings.ToUpper(msg[:1]) + msg[1:]
	}
	return msg
}

// terminalText converts compiler output for display on a terminal.
func terminalText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": len(s.sessions.Sessions()),
	})
}

// --- Run handlers ---

type runRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type runResponse struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
}

type compileErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Stderr  string `json:"stderr"`
}

func (s *Server) maxBody() int64 {
	if s.cfg.Server.MaxRequestBytes > 0 {
		return s.cfg.Server.MaxRequestBytes
	}
	return 1 << 20
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody())

	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "No code provided")
		return
	}
	if limit := s.sessions.Config().MaxSourceBytes; len(req.Code) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "source too large")
		return
	}

	sess, err := s.sessions.StartRun(r.Context(), session.RunRequest{Source: req.Code, Language: req.Language})
	if err != nil {
		var se *session.Error
		if errors.As(err, &se) && se.Code == session.CodeCompile {
			writeJSON(w, http.StatusBadRequest, compileErrorResponse{
				Error:   "Compilation failed",
				Message: compileHeader + terminalText(se.Diagnostic),
				Stderr:  se.Diagnostic,
			})
			return
		}
		if statusFor(err) == http.StatusInternalServerError {
			s.log.WithError(err).Error("run failed")
		}
		writeError(w, statusFor(err), messageFor(err))
		return
	}

	writeJSON(w, http.StatusOK, runResponse{SessionID: sess.ID, RunID: sess.RunID})
}

type inputRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody())

	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.sessions.SendInput(id, []byte(req.Input)); err != nil {
		writeError(w, statusFor(err), messageFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), messageFor(err))
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.EndSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), messageFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"languages": s.sessions.Languages(),
		"default":   s.cfg.Compiler.Default,
	})
}

// --- Run history handlers ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}

	q := r.URL.Query()
	opts := storage.RunListOptions{
		Status:    storage.RunStatus(q.Get("status")),
		SessionID: q.Get("session"),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}

	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	output, err := s.store.LoadOutput(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"run": run, "output": output})
}
