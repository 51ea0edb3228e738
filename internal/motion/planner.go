// Package motion turns a frame's offset into zero or more actuator moves,
// converging on the aim reference without overshoot while feeding observed
// hardware response back into calibration.
package motion

import (
	"math"
	"time"

	"github.com/gimbalworks/aimloop/internal/config"
)

// Tier classifies an offset by pixel distance and drives the planning
// policy for that acquisition.
type Tier string

const (
	TierMicro      Tier = "micro"
	TierMedium     Tier = "medium"
	TierLarge      Tier = "large"
	TierExtraLarge Tier = "extra_large"
)

// Step is one planned relative movement. Coarse steps cover the bulk of
// the distance; fine steps correct the residual.
type Step struct {
	DX     float64
	DY     float64
	Tier   Tier
	Coarse bool
}

// Config holds movement planning and dispatch tuning.
type Config struct {
	// Tier boundaries, strictly increasing.
	MicroThreshold  float64
	MediumThreshold float64
	LargeThreshold  float64

	MediumFirstRatio float64 // coarse fraction for medium moves
	LargeFirstRatio  float64 // coarse fraction for large and extra-large moves
	FinalPrecision   float64 // residual below this ends fine stepping
	MaxFineSteps     int     // fine-step budget for extra-large moves
	MinMovement      float64 // deltas below this are not dispatched at all
	MaxStepRange     float64 // per-axis clamp on a single dispatched step

	StepDelayBase   time.Duration
	StepDelayJitter time.Duration
}

// ConfigFromTuning builds a motion Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MicroThreshold:   cfg.GetMicroThreshold(),
		MediumThreshold:  cfg.GetMediumThreshold(),
		LargeThreshold:   cfg.GetLargeThreshold(),
		MediumFirstRatio: cfg.GetMediumFirstRatio(),
		LargeFirstRatio:  cfg.GetLargeFirstRatio(),
		FinalPrecision:   cfg.GetFinalPrecision(),
		MaxFineSteps:     cfg.GetMaxFineSteps(),
		MinMovement:      cfg.GetMinMovement(),
		MaxStepRange:     cfg.GetMaxStepRange(),
		StepDelayBase:    cfg.GetStepDelayBase(),
		StepDelayJitter:  cfg.GetStepDelayJitter(),
	}
}

// Classify maps a pixel distance onto its movement tier.
func (c Config) Classify(distance float64) Tier {
	switch {
	case distance <= c.MicroThreshold:
		return TierMicro
	case distance <= c.MediumThreshold:
		return TierMedium
	case distance <= c.LargeThreshold:
		return TierLarge
	default:
		return TierExtraLarge
	}
}

// Plan computes the step sequence for one target acquisition. The plan is
// consumed within a single control cycle; during execution the residual is
// re-derived from observed movement, so the fine steps here are the
// noiseless-actuator shape of the plan.
func (c Config) Plan(dx, dy float64) []Step {
	distance := math.Hypot(dx, dy)
	if distance < c.MinMovement {
		return nil
	}

	tier := c.Classify(distance)
	switch tier {
	case TierMicro:
		// Direct convergence: one full-delta step, no coarse/fine split.
		return []Step{{DX: dx, DY: dy, Tier: tier}}

	case TierMedium:
		first := c.MediumFirstRatio
		coarseX, coarseY := dx*first, dy*first
		return []Step{
			{DX: coarseX, DY: coarseY, Tier: tier, Coarse: true},
			{DX: dx - coarseX, DY: dy - coarseY, Tier: tier},
		}

	case TierLarge:
		first := c.LargeFirstRatio
		coarseX, coarseY := dx*first, dy*first
		return []Step{
			{DX: coarseX, DY: coarseY, Tier: tier, Coarse: true},
			{DX: dx - coarseX, DY: dy - coarseY, Tier: tier},
		}

	default: // TierExtraLarge
		first := c.LargeFirstRatio
		coarseX, coarseY := dx*first, dy*first
		steps := []Step{{DX: coarseX, DY: coarseY, Tier: tier, Coarse: true}}

		remX, remY := dx-coarseX, dy-coarseY
		remaining := math.Hypot(remX, remY)
		if remaining <= c.FinalPrecision {
			steps = append(steps, Step{DX: remX, DY: remY, Tier: tier})
			return steps
		}

		// Split the residual into 2..MaxFineSteps equal fine steps, more
		// steps for longer residuals.
		n := int(remaining / 20)
		if n < 2 {
			n = 2
		}
		if n > c.MaxFineSteps {
			n = c.MaxFineSteps
		}
		var accX, accY float64
		for i := 1; i <= n; i++ {
			progress := float64(i) / float64(n)
			targetX, targetY := remX*progress, remY*progress
			steps = append(steps, Step{DX: targetX - accX, DY: targetY - accY, Tier: tier})
			accX, accY = targetX, targetY
		}
		return steps
	}
}

// StepDelay returns the pause before dispatching a step. Coarse steps wait
// longer than fine ones, and a bounded uniform jitter keeps the cadence
// from being mechanically uniform. jitterUnit must be in [0, 1). Micro
// plans have no delay.
func (c Config) StepDelay(tier Tier, coarse bool, jitterUnit float64) time.Duration {
	if tier == TierMicro {
		return 0
	}
	var d time.Duration
	if coarse {
		d = c.StepDelayBase * 3 / 2
	} else {
		d = c.StepDelayBase * 4 / 5
	}
	d += time.Duration((jitterUnit*2 - 1) * float64(c.StepDelayJitter))
	if d < 0 {
		d = 0
	}
	return d
}
