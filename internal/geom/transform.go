// Package geom converts detection-space target positions into pixel and
// angular offsets relative to the aim reference. It is pure math: no
// actuator state, no side effects, safe to call from any goroutine.
package geom

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrConfiguration marks invalid capture geometry. The control loop must
// validate geometry before its first frame; a transform that fails mid-loop
// aborts movement planning for that frame.
var ErrConfiguration = errors.New("invalid capture geometry")

// Target is one detection produced by the perception collaborator.
// Coordinates are detection-space pixels. Read-only to this module.
type Target struct {
	X          float64
	Y          float64
	Confidence float64
	BBoxHeight float64
	Timestamp  time.Time
}

// Offset is the displacement between a target's aim point and the aim
// reference. Recomputed every frame, never persisted.
type Offset struct {
	DX         float64 // pixels, positive right
	DY         float64 // pixels, positive down
	DistancePx float64 // hypot(DX, DY)
	AngleX     float64 // degrees, horizontal
	AngleY     float64 // degrees, vertical (aspect-corrected)
	AngleDeg   float64 // hypot(AngleX, AngleY)
}

// Geometry describes the capture region and display it maps onto. The aim
// reference is the capture centre; it is fixed for the session.
type Geometry struct {
	CaptureFOVDegrees float64 // horizontal field of view covered by the capture region
	CaptureSizePx     float64 // side length of the (square) capture region
	DisplayWidthPx    float64
	DisplayHeightPx   float64

	// AimOffsetRatio biases the aim point upward by this fraction of the
	// target's bounding-box height, converging on a preferred point above
	// the box centre rather than the centroid itself.
	AimOffsetRatio float64
}

// Validate reports whether the geometry can produce meaningful offsets.
// Zero capture size or display height would divide by zero downstream.
func (g Geometry) Validate() error {
	if g.CaptureSizePx <= 0 {
		return fmt.Errorf("%w: capture_size_px must be positive, got %f", ErrConfiguration, g.CaptureSizePx)
	}
	if g.DisplayHeightPx <= 0 {
		return fmt.Errorf("%w: display_height_px must be positive, got %f", ErrConfiguration, g.DisplayHeightPx)
	}
	if g.DisplayWidthPx <= 0 {
		return fmt.Errorf("%w: display_width_px must be positive, got %f", ErrConfiguration, g.DisplayWidthPx)
	}
	if g.CaptureFOVDegrees <= 0 || g.CaptureFOVDegrees >= 180 {
		return fmt.Errorf("%w: capture_fov_degrees must be in (0, 180), got %f", ErrConfiguration, g.CaptureFOVDegrees)
	}
	if g.AimOffsetRatio < 0 || g.AimOffsetRatio > 1 {
		return fmt.Errorf("%w: aim_offset_ratio must be in [0, 1], got %f", ErrConfiguration, g.AimOffsetRatio)
	}
	return nil
}

// AimReference returns the fixed point detections are converged onto:
// the centre of the capture region.
func (g Geometry) AimReference() (x, y float64) {
	return g.CaptureSizePx / 2, g.CaptureSizePx / 2
}

// DegreesPerPixel returns the horizontal angular width of one capture pixel.
func (g Geometry) DegreesPerPixel() float64 {
	return g.CaptureFOVDegrees / g.CaptureSizePx
}

// ComputeOffset maps a target to its pixel and angular offset from the aim
// reference. The vertical pixel delta is biased upward by AimOffsetRatio of
// the bounding-box height; the vertical angle is additionally scaled by the
// display aspect ratio to correct for non-square capture regions.
func (g Geometry) ComputeOffset(t Target) (Offset, error) {
	if err := g.Validate(); err != nil {
		return Offset{}, err
	}

	refX, refY := g.AimReference()
	dx := t.X - refX
	dy := t.Y - g.AimOffsetRatio*t.BBoxHeight - refY

	dpp := g.DegreesPerPixel()
	aspect := g.DisplayWidthPx / g.DisplayHeightPx
	ax := dx * dpp
	ay := dy * dpp * aspect

	return Offset{
		DX:         dx,
		DY:         dy,
		DistancePx: math.Hypot(dx, dy),
		AngleX:     ax,
		AngleY:     ay,
		AngleDeg:   math.Hypot(ax, ay),
	}, nil
}
