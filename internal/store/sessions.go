package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// SessionRecord is the persisted metadata of a recording session. A row lives
// from Start until the session's upload is confirmed.
type SessionRecord struct {
	ID        string
	Category  model.Category
	Location  model.Location
	PlanName  string
	State     string
	StartedAt time.Time
	EndedAt   time.Time // zero while recording
	Paused    time.Duration
	Profile   model.Profile
}

// SaveSession inserts or updates the session row.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	profile, err := json.Marshal(rec.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	var ended sql.NullInt64
	if !rec.EndedAt.IsZero() {
		ended = sql.NullInt64{Int64: rec.EndedAt.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, category, location, plan_name, state, started_ms, ended_ms, paused_ms, profile, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			ended_ms = excluded.ended_ms,
			paused_ms = excluded.paused_ms,
			updated_ms = excluded.updated_ms`,
		rec.ID, string(rec.Category), string(rec.Location), rec.PlanName, rec.State,
		rec.StartedAt.UnixMilli(), ended, rec.Paused.Milliseconds(), string(profile),
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

const sessionColumns = `id, category, location, plan_name, state, started_ms, ended_ms, paused_ms, profile`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var category, location, profile string
	var started, paused int64
	var ended sql.NullInt64
	if err := row.Scan(&rec.ID, &category, &location, &rec.PlanName, &rec.State, &started, &ended, &paused, &profile); err != nil {
		return rec, err
	}
	rec.Category = model.Category(category)
	rec.Location = model.Location(location)
	rec.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		rec.EndedAt = time.UnixMilli(ended.Int64).UTC()
	}
	rec.Paused = time.Duration(paused) * time.Millisecond
	if err := json.Unmarshal([]byte(profile), &rec.Profile); err != nil {
		return rec, fmt.Errorf("decode profile of %s: %w", rec.ID, err)
	}
	return rec, nil
}

// LoadSession returns the session row or ErrNotFound.
func (s *Store) LoadSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("load session %s: %w", id, err)
	}
	return rec, nil
}

// ListSessions returns every stored session, oldest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY started_ms`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastSampleTime returns the latest chunk end time of the session, or the zero
// time when it has no chunks.
func (s *Store) LastSampleTime(ctx context.Context, id string) (time.Time, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(end_ms) FROM chunks WHERE session_id = ?`, id).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("last sample of %s: %w", id, err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(last.Int64).UTC(), nil
}

// DeleteSession removes the session row and all of its chunks.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return tx.Commit()
}
