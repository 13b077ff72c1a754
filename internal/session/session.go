package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelbrown/termrun/internal/ptyproc"
	"github.com/michaelbrown/termrun/internal/workspace"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCompiling Status = "compiling"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
)

// Stop reasons, also used as metric labels.
const (
	reasonEnded     = "ended"
	reasonReplaced  = "replaced"
	reasonIdle      = "idle"
	reasonTimeLimit = "time_limit"
	reasonShutdown  = "shutdown"
)

// Session is one compile-and-run attempt bound to an id. It exclusively owns
// its process and workspace; both are released exactly once by the pump.
type Session struct {
	ID        string
	RunID     string
	Language  string
	CreatedAt time.Time

	mu         sync.Mutex
	status     Status
	exitCode   int
	startedAt  time.Time
	finishedAt time.Time
	stopReason string

	lastActive atomic.Int64 // unix nanos

	proc *ptyproc.Process
	ws   *workspace.Workspace
	out  *outbox

	transcript    []byte
	transcriptCap int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newSession(id, runID, language string, ws *workspace.Workspace) *Session {
	now := time.Now()
	s := &Session{
		ID:        id,
		RunID:     runID,
		Language:  language,
		CreatedAt: now,
		status:    StatusCompiling,
		exitCode:  -1,
		ws:        ws,
		out:       newOutbox(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// markStarted records that the program is running as of now.
func (s *Session) markStarted(now time.Time) {
	s.mu.Lock()
	s.status = StatusRunning
	s.startedAt = now
	s.mu.Unlock()
}

// StartedAt returns when the program was spawned, or the zero time while it
// is still compiling.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// runTime is how long the program ran, from spawn until now.
func (s *Session) runTime(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return now.Sub(s.startedAt)
}

// ExitCode returns the program's exit status once finished, else -1.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Done is closed after teardown has completed and the terminal event is queued.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive is the time of the most recent input or output.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// requestStop asks the pump to terminate the process. Only the first reason sticks.
func (s *Session) requestStop(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopReason = reason
		s.mu.Unlock()
		close(s.stop)
	})
}

// destroy stops the session and waits for its teardown. Safe to call any
// number of times.
func (s *Session) destroy(ctx context.Context, reason string) error {
	s.requestStop(reason)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) write(data []byte) error {
	if s.Status() != StatusRunning || s.proc == nil || !s.proc.IsAlive() {
		return ErrNotRunning
	}
	if _, err := s.proc.Write(data); err != nil {
		return &Error{Code: CodeNotRunning, Message: "process finished", Cause: err}
	}
	s.touch()
	return nil
}

func (s *Session) resize(rows, cols uint16) error {
	if s.Status() != StatusRunning || s.proc == nil || !s.proc.IsAlive() {
		return ErrNotRunning
	}
	return s.proc.Resize(rows, cols)
}

func (s *Session) record(chunk []byte) {
	if s.transcriptCap <= 0 {
		return
	}
	room := s.transcriptCap - len(s.transcript)
	if room <= 0 {
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
	}
	s.transcript = append(s.transcript, chunk...)
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string     `json:"id"`
	RunID      string     `json:"runId,omitempty"`
	Language   string     `json:"language"`
	Status     Status     `json:"status"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	Pid        int        `json:"pid,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	LastActive time.Time  `json:"lastActive"`
}

// Info returns a snapshot of the session's state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:         s.ID,
		RunID:      s.RunID,
		Language:   s.Language,
		Status:     s.status,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive(),
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		info.StartedAt = &started
	}
	if s.status == StatusFinished || s.status == StatusFailed {
		code := s.exitCode
		info.ExitCode = &code
	} else if s.proc != nil {
		info.Pid = s.proc.Pid()
	}
	return info
}
