package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// KnownSensor is a device the athlete connected to before.
type KnownSensor struct {
	ID            string
	Name          string
	Capabilities  []string
	LastConnected time.Time
}

// SaveKnownSensor remembers a sensor, refreshing its name and timestamp.
func (s *Store) SaveKnownSensor(ctx context.Context, k KnownSensor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO known_sensors (id, name, capabilities, last_connected_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			last_connected_ms = excluded.last_connected_ms`,
		k.ID, k.Name, strings.Join(k.Capabilities, ","), k.LastConnected.UnixMilli())
	if err != nil {
		return fmt.Errorf("save known sensor %s: %w", k.ID, err)
	}
	return nil
}

// KnownSensors returns remembered sensors, most recently connected first.
func (s *Store) KnownSensors(ctx context.Context) ([]KnownSensor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, capabilities, last_connected_ms
		FROM known_sensors ORDER BY last_connected_ms DESC`)
	if err != nil {
		return nil, fmt.Errorf("list known sensors: %w", err)
	}
	defer rows.Close()

	var out []KnownSensor
	for rows.Next() {
		var k KnownSensor
		var caps string
		var last int64
		if err := rows.Scan(&k.ID, &k.Name, &caps, &last); err != nil {
			return nil, fmt.Errorf("scan known sensor: %w", err)
		}
		if caps != "" {
			k.Capabilities = strings.Split(caps, ",")
		}
		k.LastConnected = time.UnixMilli(last).UTC()
		out = append(out, k)
	}
	return out, rows.Err()
}

// ForgetSensor removes a remembered sensor.
func (s *Store) ForgetSensor(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM known_sensors WHERE id = ?`, id); err != nil {
		return fmt.Errorf("forget sensor %s: %w", id, err)
	}
	return nil
}
