package calib

import (
	"context"
	"errors"
)

// ErrNoSnapshot is returned by Store.Load when no calibration has been
// persisted yet. Callers start from base factors in that case.
var ErrNoSnapshot = errors.New("no calibration snapshot")

// Store is the narrow persistence boundary for calibration state. It is
// invoked only at session boundaries, never on the hot path.
type Store interface {
	// Load returns the most recently saved snapshot, or ErrNoSnapshot.
	Load(ctx context.Context) (Snapshot, error)
	// Save persists a snapshot.
	Save(ctx context.Context, snap Snapshot) error
}
