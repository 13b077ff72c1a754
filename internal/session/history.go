package session

import (
	"context"
	"time"

	"github.com/michaelbrown/termrun/internal/storage"
)

const recordTimeout = 5 * time.Second

func (m *Manager) createRecord(s *Session, source string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	run := &storage.Run{
		ID:        s.RunID,
		SessionID: s.ID,
		Language:  s.Language,
		Status:    storage.StatusCompiling,
		Source:    source,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		m.log.WithError(err).WithField("run", s.RunID).Warn("recording run")
	}
}

func (m *Manager) updateRecord(s *Session, status storage.RunStatus, diagnostic string) {
	m.updateRecordDetail(s, status, diagnostic, nil, "")
}

func (m *Manager) updateRecordDetail(s *Session, status storage.RunStatus, diagnostic string, exitCode *int, errMsg string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	run, err := m.store.GetRun(ctx, s.RunID)
	if err != nil {
		m.log.WithError(err).WithField("run", s.RunID).Warn("loading run record")
		return
	}
	run.Status = status
	if diagnostic != "" {
		run.Diagnostic = diagnostic
	}
	run.ExitCode = exitCode
	run.Error = errMsg
	if status.Terminal() {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	if err := m.store.UpdateRun(ctx, run); err != nil {
		m.log.WithError(err).WithField("run", s.RunID).Warn("updating run record")
	}
}

func (m *Manager) finishRecord(s *Session, exit int, runErr *Error) {
	if m.store == nil {
		return
	}
	status := storage.StatusFinished
	msg := ""
	if runErr != nil {
		status = storage.StatusFailed
		msg = runErr.Message
	}
	m.updateRecordDetail(s, status, "", &exit, msg)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.store.SaveOutput(ctx, s.RunID, string(s.transcript)); err != nil {
		m.log.WithError(err).WithField("run", s.RunID).Warn("saving run output")
	}
}
