package store

import (
	"context"
	"fmt"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// ChunkRecord is one persisted chunk row.
type ChunkRecord struct {
	SessionID   string
	Metric      model.Metric
	Index       int
	StartMs     int64
	EndMs       int64
	SampleCount int
	Checksum    uint32
	Payload     []byte
}

// WriteChunk stores rec. Writing the same (session, metric, index) again
// replaces the row, so a retried write after an ambiguous failure is safe.
func (s *Store) WriteChunk(ctx context.Context, rec ChunkRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(session_id, metric, chunk_index, start_ms, end_ms, sample_count, checksum, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, string(rec.Metric), rec.Index, rec.StartMs, rec.EndMs,
		rec.SampleCount, int64(rec.Checksum), rec.Payload)
	if err != nil {
		return fmt.Errorf("write chunk %s/%s/%d: %w", rec.SessionID, rec.Metric, rec.Index, err)
	}
	return nil
}

// ReadChunks returns every chunk of the session ordered by metric and index.
// Rows whose metric is not recognised are returned as-is; callers validate.
func (s *Store) ReadChunks(ctx context.Context, sessionID string) ([]ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric, chunk_index, start_ms, end_ms, sample_count, checksum, payload
		FROM chunks WHERE session_id = ?
		ORDER BY metric, chunk_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []ChunkRecord
	for rows.Next() {
		rec := ChunkRecord{SessionID: sessionID}
		var metric string
		var checksum int64
		if err := rows.Scan(&metric, &rec.Index, &rec.StartMs, &rec.EndMs, &rec.SampleCount, &checksum, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan chunk for %s: %w", sessionID, err)
		}
		rec.Metric = model.Metric(metric)
		rec.Checksum = uint32(checksum)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteChunks removes every chunk of the session.
func (s *Store) DeleteChunks(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", sessionID, err)
	}
	return nil
}

// ChunkCount returns the number of stored chunks for the session.
func (s *Store) ChunkCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks for %s: %w", sessionID, err)
	}
	return n, nil
}
