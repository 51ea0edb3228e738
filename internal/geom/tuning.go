package geom

import "github.com/gimbalworks/aimloop/internal/config"

// GeometryFromTuning builds a Geometry from a loaded TuningConfig.
func GeometryFromTuning(cfg *config.TuningConfig) Geometry {
	return Geometry{
		CaptureFOVDegrees: cfg.GetCaptureFOVDegrees(),
		CaptureSizePx:     cfg.GetCaptureSizePx(),
		DisplayWidthPx:    cfg.GetDisplayWidthPx(),
		DisplayHeightPx:   cfg.GetDisplayHeightPx(),
		AimOffsetRatio:    cfg.GetAimOffsetRatio(),
	}
}
