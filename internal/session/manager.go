package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/analysis"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/streambuf"
)

// Manager hands out at most one active session at a time.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *log.Logger

	mu     sync.Mutex
	active *Session
}

// NewManager creates a session manager.
func NewManager(deps Deps, cfg Config, logger *log.Logger) *Manager {
	if deps.Store == nil {
		panic("Manager: store cannot be nil")
	}
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	return &Manager{deps: deps, cfg: cfg, logger: logger}
}

// NewSession creates a session in not_started. It fails with
// ErrSessionActive while another session has not finished or been released.
func (m *Manager) NewSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.State() != StateFinished {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, m.active.ID())
	}
	s := newSession(uuid.New().String(), m.deps, m.cfg, m.logger)
	m.active = s
	m.logger.Printf("Manager: session %s created", s.ID())
	return s, nil
}

// Active returns the current session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// Release drops the manager's reference to session id. A session that is
// recording or paused must be finished first.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.ID() != id {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if st := m.active.State(); st == StateRecording || st == StatePaused {
		return &TransitionError{Op: "release", From: st}
	}
	m.active = nil
	m.logger.Printf("Manager: session %s released", id)
	return nil
}

// Recover rebuilds every session left in storage by an earlier run, such as
// a crash mid-recording or an upload that never succeeded. Each is returned
// finished with a closed buffer, ready for submission. Unfinished sessions
// end at their last persisted sample.
func (m *Manager) Recover(ctx context.Context) ([]*Session, error) {
	recs, err := m.deps.Store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover sessions: %w", err)
	}

	m.mu.Lock()
	activeID := ""
	if m.active != nil {
		activeID = m.active.ID()
	}
	m.mu.Unlock()

	var out []*Session
	for _, rec := range recs {
		if rec.ID == activeID {
			continue
		}
		s := newSession(rec.ID, m.deps, m.cfg, m.logger)
		s.selection = Selection{Category: rec.Category, Location: rec.Location}
		s.planName = rec.PlanName
		s.profile = rec.Profile
		s.startedAt = rec.StartedAt
		s.endedAt = rec.EndedAt
		s.recovered = true

		if s.endedAt.IsZero() {
			last, err := m.deps.Store.LastSampleTime(ctx, rec.ID)
			if err != nil {
				m.logger.Printf("Manager: session %s: %v", rec.ID, err)
			}
			s.endedAt = last
			if s.endedAt.Before(s.startedAt) {
				s.endedAt = s.startedAt
			}
		}
		if rec.Paused > 0 {
			// only the total is persisted; place it at the end
			start := s.endedAt.Add(-rec.Paused)
			if start.Before(s.startedAt) {
				start = s.startedAt
			}
			s.pauses = []analysis.Interval{{Start: start, End: s.endedAt}}
		}
		s.state = StateFinished

		s.buffer = streambuf.New(rec.ID, m.deps.Store, s.cfg.Buffer, m.logger)
		closeCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = s.buffer.Close(closeCtx)
		cancel()

		if rec.State != string(StateFinished) {
			s.save(s.recordLocked())
			m.logger.Printf("Manager: recovered interrupted session %s (%s, ended %s)",
				rec.ID, rec.State, s.endedAt.Format(time.RFC3339))
		} else {
			m.logger.Printf("Manager: recovered unsubmitted session %s", rec.ID)
		}
		out = append(out, s)
	}
	return out, nil
}
