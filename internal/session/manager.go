// Package session runs compiled programs on pseudo-terminals and tracks them
// by id until every resource they hold has been released.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/termrun/internal/compiler"
	"github.com/michaelbrown/termrun/internal/logging"
	"github.com/michaelbrown/termrun/internal/metrics"
	"github.com/michaelbrown/termrun/internal/ptyproc"
	"github.com/michaelbrown/termrun/internal/storage"
	"github.com/michaelbrown/termrun/internal/workspace"
)

// Config tunes the session core. Zero durations and sizes fall back to
// DefaultConfig values, except MaxRuntime, IdleTTL, MaxSessions and
// MaxBacklog where zero means unlimited.
type Config struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ReadChunk      int           `mapstructure:"read_chunk"`
	MaxBacklog     int           `mapstructure:"max_backlog"`
	MaxSessions    int           `mapstructure:"max_sessions"`
	MaxSourceBytes int           `mapstructure:"max_source_bytes"`
	MaxRuntime     time.Duration `mapstructure:"max_runtime"`
	IdleTTL        time.Duration `mapstructure:"idle_ttl"`
	FinishedTTL    time.Duration `mapstructure:"finished_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	Rows           uint16        `mapstructure:"rows"`
	Cols           uint16        `mapstructure:"cols"`
	HistoryOutput  int           `mapstructure:"history_output"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   100 * time.Millisecond,
		ReadChunk:      1024,
		MaxBacklog:     1 << 20,
		MaxSessions:    64,
		MaxSourceBytes: 256 << 10,
		IdleTTL:        30 * time.Minute,
		FinishedTTL:    5 * time.Minute,
		SweepInterval:  time.Minute,
		KillGrace:      ptyproc.DefaultGrace,
		Rows:           24,
		Cols:           80,
		HistoryOutput:  64 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = d.ReadChunk
	}
	if c.MaxSourceBytes <= 0 {
		c.MaxSourceBytes = d.MaxSourceBytes
	}
	if c.FinishedTTL <= 0 {
		c.FinishedTTL = d.FinishedTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.KillGrace <= 0 {
		c.KillGrace = d.KillGrace
	}
	if c.Rows == 0 {
		c.Rows = d.Rows
	}
	if c.Cols == 0 {
		c.Cols = d.Cols
	}
	return c
}

// RunRequest is a program to compile and run. An empty Language selects the
// compiler set's default.
type RunRequest struct {
	Source   string
	Language string
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore records every run in store.
func WithStore(store storage.Store) Option {
	return func(m *Manager) { m.store = store }
}

// Manager is the entry point for starting, driving and ending sessions.
type Manager struct {
	cfg        Config
	compilers  *compiler.Set
	workspaces *workspace.Manager
	store      storage.Store
	reg        *Registry
	log        *logrus.Entry
	closing    atomic.Bool
}

func NewManager(cfg Config, compilers *compiler.Set, workspaces *workspace.Manager, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg.withDefaults(),
		compilers:  compilers,
		workspaces: workspaces,
		reg:        NewRegistry(),
		log:        logging.NewLogger("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Languages lists the languages StartRun accepts.
func (m *Manager) Languages() []string {
	return m.compilers.Languages()
}

// StartRun compiles req and runs it under a fresh id.
func (m *Manager) StartRun(ctx context.Context, req RunRequest) (*Session, error) {
	return m.run(ctx, uuid.NewString(), req, false)
}

// RunAs compiles req and runs it under id. A session already registered
// under id is terminated and reaped before the new program starts; if
// compilation fails the existing session is left alone.
func (m *Manager) RunAs(ctx context.Context, id string, req RunRequest) (*Session, error) {
	if id == "" {
		return nil, newError(CodeInvalidInput, "session id is required", nil)
	}
	return m.run(ctx, id, req, true)
}

func (m *Manager) run(ctx context.Context, id string, req RunRequest, replace bool) (*Session, error) {
	if m.closing.Load() {
		return nil, &Error{Code: CodeCapacity, Message: "server is shutting down"}
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, newError(CodeInvalidInput, "no code provided", nil)
	}
	if len(req.Source) > m.cfg.MaxSourceBytes {
		return nil, newError(CodeInvalidInput, fmt.Sprintf("source exceeds %d bytes", m.cfg.MaxSourceBytes), nil)
	}
	entry, err := m.compilers.Lookup(req.Language)
	if err != nil {
		return nil, newError(CodeInvalidInput, err.Error(), err)
	}
	lang := entry.Toolchain.Name

	if !m.hasRoom(id, replace) {
		metrics.RunsTotal.WithLabelValues(lang, "rejected").Inc()
		return nil, ErrCapacity
	}

	ws, err := m.workspaces.Prepare(req.Source, entry.Toolchain.SourceExt)
	if err != nil {
		return nil, newError(CodeWorkspace, "could not prepare workspace", err)
	}

	s := newSession(id, uuid.NewString(), lang, ws)
	if m.store != nil {
		s.transcriptCap = m.cfg.HistoryOutput
	}
	m.createRecord(s, req.Source)

	log := m.log.WithFields(logrus.Fields{"session": id, "run": s.RunID, "language": lang})

	res, err := entry.Compiler.Compile(ctx, ws.SourcePath, ws.BinaryPath)
	if err != nil {
		m.abandon(s, storage.StatusFailed, "", err)
		if errors.Is(err, context.Canceled) {
			log.Debug("compilation cancelled")
		} else {
			log.WithError(err).Error("compiler could not run")
		}
		return nil, newError(CodeToolchain, "compiler could not run", err)
	}
	metrics.CompileDuration.WithLabelValues(lang).Observe(float64(res.Duration.Milliseconds()))
	if !res.OK {
		m.abandon(s, storage.StatusCompileError, res.Diagnostic, nil)
		metrics.RunsTotal.WithLabelValues(lang, "compile_error").Inc()
		log.Debug("compilation failed")
		return nil, &Error{Code: CodeCompile, Message: "Compilation failed", Diagnostic: res.Diagnostic}
	}

	build := func() (*Session, error) {
		if m.cfg.MaxSessions > 0 && m.reg.Len() >= m.cfg.MaxSessions {
			return nil, ErrCapacity
		}
		proc, err := ptyproc.Spawn(ws.BinaryPath, nil, ptyproc.Options{
			Dir:   ws.Dir,
			Rows:  m.cfg.Rows,
			Cols:  m.cfg.Cols,
			Grace: m.cfg.KillGrace,
		})
		if err != nil {
			return nil, newError(CodeSpawn, "could not start program", err)
		}
		s.proc = proc
		s.markStarted(time.Now())
		s.touch()
		metrics.ActiveSessions.Inc()
		m.updateRecord(s, storage.StatusRunning, "")
		go m.pump(s)
		return s, nil
	}

	var started *Session
	if replace {
		started, err = m.reg.Replace(ctx, id, build)
	} else {
		started, err = m.reg.Create(id, build)
	}
	if err != nil {
		m.abandon(s, storage.StatusFailed, "", err)
		if errors.Is(err, ErrCapacity) {
			metrics.RunsTotal.WithLabelValues(lang, "rejected").Inc()
		}
		log.WithError(err).Warn("run not started")
		return nil, err
	}

	log.WithField("pid", started.proc.Pid()).Info("program started")
	return started, nil
}

func (m *Manager) hasRoom(id string, replace bool) bool {
	if m.cfg.MaxSessions <= 0 {
		return true
	}
	n := m.reg.Len()
	if replace {
		if _, err := m.reg.Get(id); err == nil {
			n--
		}
	}
	return n < m.cfg.MaxSessions
}

// abandon cleans up a session that never got a process.
func (m *Manager) abandon(s *Session, status storage.RunStatus, diagnostic string, cause error) {
	if err := s.ws.Discard(); err != nil {
		m.log.WithError(err).WithField("session", s.ID).Warn("discarding workspace")
	}
	s.setStatus(StatusFailed)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.updateRecordDetail(s, status, diagnostic, nil, msg)
}

// Get returns the session registered under id.
func (m *Manager) Get(id string) (*Session, error) {
	return m.reg.Get(id)
}

// StreamOutput attaches the single consumer of id's output. Output produced
// before the call is not lost. Taking the terminal event unregisters the
// session.
func (m *Manager) StreamOutput(id string) (*Subscription, error) {
	s, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if s.out.isDelivered() {
		m.reg.RemoveIf(id, s)
		return nil, ErrNotFound
	}
	if !s.out.subscribe() {
		return nil, ErrStreamBusy
	}
	return &Subscription{
		s:         s,
		onDeliver: func() { m.reg.RemoveIf(s.ID, s) },
	}, nil
}

// SendInput writes data to the program's terminal.
func (m *Manager) SendInput(id string, data []byte) error {
	s, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	return s.write(data)
}

// Resize changes the terminal size of a running session.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return newError(CodeInvalidInput, "rows and cols must be positive", nil)
	}
	s, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	return s.resize(rows, cols)
}

// EndSession force-terminates id, waits for its teardown and unregisters it.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	return m.reg.Remove(ctx, id, reasonEnded)
}

// Sessions lists registered sessions, oldest first.
func (m *Manager) Sessions() []Info {
	snap := m.reg.Snapshot()
	out := make([]Info, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.Info())
	}
	return out
}

// Sweep stops running sessions idle longer than IdleTTL and unregisters
// finished sessions whose terminal event nobody took within FinishedTTL.
// It returns how many sessions it acted on and never blocks on teardown.
func (m *Manager) Sweep(now time.Time) int {
	n := 0
	for _, s := range m.reg.Snapshot() {
		if s.isDone() {
			s.mu.Lock()
			finishedAt := s.finishedAt
			s.mu.Unlock()
			if now.Sub(finishedAt) > m.cfg.FinishedTTL && m.reg.RemoveIf(s.ID, s) {
				metrics.SessionsReclaimed.WithLabelValues("unobserved").Inc()
				n++
			}
			continue
		}
		if m.cfg.IdleTTL > 0 && now.Sub(s.LastActive()) > m.cfg.IdleTTL {
			m.log.WithField("session", s.ID).Info("stopping idle session")
			s.requestStop(reasonIdle)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				m.log.WithField("count", n).Debug("swept sessions")
			}
		}
	}
}

// Shutdown refuses new runs and ends every session, waiting for teardown
// until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m.reg.Snapshot() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := m.reg.Remove(ctx, id, reasonShutdown)
			if err != nil && !errors.Is(err, ErrNotFound) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
				mu.Unlock()
			}
		}(s.ID)
	}
	wg.Wait()
	return errors.Join(errs...)
}
