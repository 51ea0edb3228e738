// Package sqlite persists calibration state and fire events across
// sessions so learned actuator response survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gimbalworks/aimloop/internal/calib"
	"github.com/gimbalworks/aimloop/internal/monitoring"
)

// Store wraps the embedded database. It satisfies calib.Store.
type Store struct {
	*sql.DB
}

//go:embed schema.sql
var schemaSQL string

// Open creates or opens the database at path and applies the schema.
// ":memory:" gives an ephemeral store for tests and dry runs.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open calibration database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply calibration schema: %w", err)
	}
	monitoring.Logf("calibration database ready at %s", path)
	return &Store{db}, nil
}

// Save writes one snapshot and its sample history in a single transaction.
func (s *Store) Save(ctx context.Context, snap calib.Snapshot) error {
	directional, err := json.Marshal(snap.Directional)
	if err != nil {
		return fmt.Errorf("failed to encode directional factors: %w", err)
	}

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO calibration_snapshots (session_id, global_factor, directional_json, accum_x, accum_y, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.SessionID, snap.GlobalFactor, string(directional), snap.AccumX, snap.AccumY,
		snap.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert calibration snapshot: %w", err)
	}
	snapshotID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get snapshot ID: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO calibration_samples (snapshot_id, requested_x, requested_y, observed_x, observed_y, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()
	for _, sm := range snap.History {
		if _, err := stmt.ExecContext(ctx, snapshotID,
			sm.RequestedX, sm.RequestedY, sm.ObservedX, sm.ObservedY,
			sm.At.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to insert calibration sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit calibration snapshot: %w", err)
	}
	return nil
}

// Load returns the most recently saved snapshot with its samples, or
// calib.ErrNoSnapshot when the store is empty.
func (s *Store) Load(ctx context.Context) (calib.Snapshot, error) {
	var (
		snap        calib.Snapshot
		snapshotID  int64
		directional string
		savedAt     string
	)
	err := s.QueryRowContext(ctx, `
		SELECT id, session_id, global_factor, directional_json, accum_x, accum_y, saved_at
		FROM calibration_snapshots
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&snapshotID, &snap.SessionID, &snap.GlobalFactor, &directional, &snap.AccumX, &snap.AccumY, &savedAt)
	if err == sql.ErrNoRows {
		return calib.Snapshot{}, calib.ErrNoSnapshot
	}
	if err != nil {
		return calib.Snapshot{}, fmt.Errorf("failed to load calibration snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(directional), &snap.Directional); err != nil {
		return calib.Snapshot{}, fmt.Errorf("failed to decode directional factors: %w", err)
	}
	if snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return calib.Snapshot{}, fmt.Errorf("failed to parse snapshot time: %w", err)
	}

	rows, err := s.QueryContext(ctx, `
		SELECT requested_x, requested_y, observed_x, observed_y, at
		FROM calibration_samples
		WHERE snapshot_id = ?
		ORDER BY id
	`, snapshotID)
	if err != nil {
		return calib.Snapshot{}, fmt.Errorf("failed to load calibration samples: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sm Sample
			at string
		)
		if err := rows.Scan(&sm.RequestedX, &sm.RequestedY, &sm.ObservedX, &sm.ObservedY, &at); err != nil {
			return calib.Snapshot{}, fmt.Errorf("failed to scan calibration sample: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return calib.Snapshot{}, fmt.Errorf("failed to parse sample time: %w", err)
		}
		snap.History = append(snap.History, calib.Sample{
			RequestedX: sm.RequestedX,
			RequestedY: sm.RequestedY,
			ObservedX:  sm.ObservedX,
			ObservedY:  sm.ObservedY,
			At:         parsed,
		})
	}
	if err := rows.Err(); err != nil {
		return calib.Snapshot{}, fmt.Errorf("failed to iterate calibration samples: %w", err)
	}
	return snap, nil
}

// Sample mirrors calib.Sample for row scanning and report queries.
type Sample struct {
	RequestedX float64
	RequestedY float64
	ObservedX  float64
	ObservedY  float64
	At         time.Time
}

// RecordFire persists one completed fire action.
func (s *Store) RecordFire(ctx context.Context, episodeID string, at time.Time) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO fire_events (episode_id, fired_at)
		VALUES (?, ?)
	`, episodeID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert fire event: %w", err)
	}
	return nil
}

// FireCount returns the number of recorded fire events.
func (s *Store) FireCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM fire_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count fire events: %w", err)
	}
	return n, nil
}

// SnapshotInfo is one row of snapshot metadata for reporting.
type SnapshotInfo struct {
	ID           int64
	SessionID    string
	GlobalFactor float64
	SavedAt      time.Time
	SampleCount  int
}

// Snapshots lists stored snapshots oldest first, for the report tool.
func (s *Store) Snapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT s.id, s.session_id, s.global_factor, s.saved_at,
			(SELECT COUNT(*) FROM calibration_samples WHERE snapshot_id = s.id)
		FROM calibration_snapshots s
		ORDER BY s.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var (
			info    SnapshotInfo
			savedAt string
		)
		if err := rows.Scan(&info.ID, &info.SessionID, &info.GlobalFactor, &savedAt, &info.SampleCount); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		if info.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot time: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// AllSamples returns every stored sample oldest first, for the report
// tool's response charts.
func (s *Store) AllSamples(ctx context.Context) ([]Sample, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT requested_x, requested_y, observed_x, observed_y, at
		FROM calibration_samples
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			sm Sample
			at string
		)
		if err := rows.Scan(&sm.RequestedX, &sm.RequestedY, &sm.ObservedX, &sm.ObservedY, &at); err != nil {
			return nil, fmt.Errorf("failed to scan sample row: %w", err)
		}
		if sm.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse sample time: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
