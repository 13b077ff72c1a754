package session

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/termrun/internal/metrics"
	"github.com/michaelbrown/termrun/internal/ptyproc"
)

// pump moves output from the session's terminal into its outbox until the
// program ends or a stop is requested. Teardown runs on every exit path
// before the terminal event is queued.
func (m *Manager) pump(s *Session) {
	var runErr *Error
	defer func() {
		m.teardown(s, runErr)
		if runErr != nil {
			s.out.push(Event{Type: EventError, Message: runErr.Message})
		} else {
			s.out.push(Event{Type: EventFinished, ExitCode: s.ExitCode()})
		}
		close(s.done)
	}()

	buf := make([]byte, m.cfg.ReadChunk)

	var deadline <-chan time.Time
	if m.cfg.MaxRuntime > 0 {
		timer := time.NewTimer(m.cfg.MaxRuntime)
		defer timer.Stop()
		deadline = timer.C
	}

	var exitedAt time.Time
	for {
		select {
		case <-s.stop:
			m.stopProcess(s, buf)
			return
		case <-deadline:
			s.requestStop(reasonTimeLimit)
			m.stopProcess(s, buf)
			runErr = newError(CodeTimeLimit, fmt.Sprintf("time limit exceeded (%s)", m.cfg.MaxRuntime), nil)
			return
		default:
		}

		if m.cfg.MaxBacklog > 0 && s.out.backlog() >= m.cfg.MaxBacklog {
			// Stop reading so the child blocks on its own writes.
			select {
			case <-s.out.space:
			case <-s.stop:
			case <-deadline:
				s.requestStop(reasonTimeLimit)
				m.stopProcess(s, buf)
				runErr = newError(CodeTimeLimit, fmt.Sprintf("time limit exceeded (%s)", m.cfg.MaxRuntime), nil)
				return
			case <-time.After(m.cfg.PollInterval):
			}
			continue
		}

		ready, err := s.proc.Poll(m.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			runErr = newError(CodeStreamFault, "terminal read failed", err)
			return
		}
		if !ready {
			if !s.proc.IsAlive() {
				m.finishExited(s, buf)
				return
			}
			continue
		}

		eof, err := m.readAvailable(s, buf)
		if err != nil {
			runErr = newError(CodeStreamFault, "terminal read failed", err)
			return
		}
		if eof {
			return
		}

		// A descendant can hold the terminal open and keep it readable after
		// the program exits. Allow one poll interval for trailing output.
		if !s.proc.IsAlive() {
			if exitedAt.IsZero() {
				exitedAt = time.Now()
			} else if time.Since(exitedAt) >= m.cfg.PollInterval {
				m.finishExited(s, buf)
				return
			}
		}
	}
}

// finishExited kills whatever the program left in its process group, then
// takes the output still buffered.
func (m *Manager) finishExited(s *Session, buf []byte) {
	if err := s.proc.KillGroup(); err != nil {
		m.log.WithError(err).WithField("session", s.ID).Warn("killing process group")
	}
	m.drain(s, buf)
}

// readBurst caps the chunks read per readiness wakeup so stop requests and
// liveness are re-checked even under continuous output.
const readBurst = 64

// readAvailable reads chunks until the terminal has nothing buffered, the
// backlog fills up, the burst limit is hit, or the terminal closes.
func (m *Manager) readAvailable(s *Session, buf []byte) (eof bool, err error) {
	for i := 0; i < readBurst; i++ {
		n, err := s.proc.ReadNonBlocking(buf)
		if n > 0 {
			m.emit(s, buf[:n])
		}
		switch {
		case errors.Is(err, ptyproc.ErrWouldBlock):
			return false, nil
		case errors.Is(err, io.EOF):
			return true, nil
		case err != nil:
			return false, err
		}
		if m.cfg.MaxBacklog > 0 && s.out.backlog() >= m.cfg.MaxBacklog {
			return false, nil
		}
		runtime.Gosched()
	}
	return false, nil
}

// drain takes whatever output is still buffered without waiting for more.
func (m *Manager) drain(s *Session, buf []byte) {
	for {
		n, err := s.proc.ReadNonBlocking(buf)
		if n > 0 {
			m.emit(s, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) stopProcess(s *Session, buf []byte) {
	if err := s.proc.Terminate(true); err != nil {
		m.log.WithError(err).WithField("session", s.ID).Warn("terminate failed")
	}
	m.drain(s, buf)
}

func (m *Manager) emit(s *Session, chunk []byte) {
	data := make([]byte, len(chunk))
	copy(data, chunk)
	s.out.push(Event{Type: EventOutput, Data: data})
	s.record(data)
	s.touch()
	metrics.OutputBytes.Add(float64(len(data)))
}

// teardown releases the process and workspace. Failures are logged, never
// returned.
func (m *Manager) teardown(s *Session, runErr *Error) {
	log := m.log.WithField("session", s.ID)

	if err := s.proc.Close(); err != nil {
		log.WithError(err).Warn("closing process")
	}
	if err := s.ws.Discard(); err != nil {
		log.WithError(err).Warn("discarding workspace")
	}

	exit := s.proc.ExitCode()
	now := time.Now()

	s.mu.Lock()
	s.exitCode = exit
	s.finishedAt = now
	if runErr != nil {
		s.status = StatusFailed
	} else {
		s.status = StatusFinished
	}
	reason := s.stopReason
	s.mu.Unlock()

	metrics.ActiveSessions.Dec()
	metrics.RunDuration.WithLabelValues(s.Language).Observe(float64(s.runTime(now).Milliseconds()))
	if reason != "" {
		metrics.SessionsReclaimed.WithLabelValues(reason).Inc()
	}
	outcome := "finished"
	if runErr != nil {
		outcome = "failed"
	}
	metrics.RunsTotal.WithLabelValues(s.Language, outcome).Inc()

	log.WithFields(logrus.Fields{
		"exit_code": exit,
		"reason":    reason,
	}).Debug("session torn down")

	m.finishRecord(s, exit, runErr)
}
