package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Alignment modes. A session uses exactly one metric; the two are never
// combined or switched mid-episode.
const (
	AlignmentModePixel = "pixel"
	AlignmentModeAngle = "angle"
)

// TuningConfig is the root configuration for the alignment loop. All fields
// are pointers so that partial JSON files are safe: anything omitted falls
// back to the documented default via the Get* accessors.
type TuningConfig struct {
	// Alignment params
	AlignmentMode         *string  `json:"alignment_mode,omitempty"`          // "pixel" or "angle"
	PixelThreshold        *float64 `json:"pixel_threshold_px,omitempty"`      // aligned when distance < this (pixel mode)
	AngleThreshold        *float64 `json:"angle_threshold_deg,omitempty"`     // aligned when angle < this (angle mode)
	AlignmentConfirmCount *int     `json:"alignment_confirmations,omitempty"` // aligned evaluations required inside the window
	AlignmentWindow       *string  `json:"alignment_window,omitempty"`        // duration string like "500ms"

	// Movement tier boundaries (pixels). Must be strictly increasing.
	MicroThreshold  *float64 `json:"micro_threshold_px,omitempty"`
	MediumThreshold *float64 `json:"medium_threshold_px,omitempty"`
	LargeThreshold  *float64 `json:"large_threshold_px,omitempty"`

	// Movement planning params
	MediumFirstRatio *float64 `json:"medium_first_ratio,omitempty"` // coarse fraction for medium moves
	LargeFirstRatio  *float64 `json:"large_first_ratio,omitempty"`  // coarse fraction for large / extra-large moves
	FinalPrecision   *float64 `json:"final_precision_px,omitempty"` // residual below this ends fine stepping
	MaxFineSteps     *int     `json:"max_fine_steps,omitempty"`     // fine-step budget for extra-large moves
	MinMovement      *float64 `json:"min_movement_px,omitempty"`    // de-jitter floor; smaller deltas are not dispatched
	MaxStepRange     *float64 `json:"max_step_px,omitempty"`        // actuator single-step clamp per axis
	StepDelayBase    *string  `json:"step_delay_base,omitempty"`    // duration string like "8ms"
	StepDelayJitter  *string  `json:"step_delay_variance,omitempty"`

	// Calibration params
	BaseFactor            *float64 `json:"base_factor,omitempty"`
	MinFactor             *float64 `json:"min_factor,omitempty"`
	MaxFactor             *float64 `json:"max_factor,omitempty"`
	DecayRate             *float64 `json:"decay_rate,omitempty"`      // error accumulator decay per update
	AdjustmentRate        *float64 `json:"adjustment_rate,omitempty"` // per-observation directional factor nudge
	CompensationThreshold *float64 `json:"compensation_threshold_px,omitempty"`
	CompensationGain      *float64 `json:"compensation_gain,omitempty"` // fraction of the accumulator injected per step
	HistoryCapacity       *int     `json:"history_capacity,omitempty"`
	PlausibilityRatio     *float64 `json:"plausibility_ratio,omitempty"` // observed/requested magnitude bound for calibration

	// Trigger params
	SafetyReleaseWindow *string `json:"safety_release_window,omitempty"`
	FireCooldown        *string `json:"fire_cooldown,omitempty"`

	// Loop params
	StaleAfter       *string `json:"stale_after,omitempty"`
	ActuatorTimeout  *string `json:"actuator_timeout,omitempty"`
	ErrorStreakLimit *int    `json:"error_streak_limit,omitempty"`

	// Capture geometry. Validated separately by geom.Geometry before the
	// loop starts; carried here so a single JSON file configures a session.
	CaptureFOVDegrees *float64 `json:"capture_fov_degrees,omitempty"`
	CaptureSizePx     *float64 `json:"capture_size_px,omitempty"`
	DisplayWidthPx    *float64 `json:"display_width_px,omitempty"`
	DisplayHeightPx   *float64 `json:"display_height_px,omitempty"`
	AimOffsetRatio    *float64 `json:"aim_offset_ratio,omitempty"` // fraction of bbox height biasing the aim point upward
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from a defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and stay under the max file size. Fields omitted from
// the JSON retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching the current directory and common parent
// directories. Panics if the file cannot be loaded. Intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that configured values are internally consistent. The loop
// refuses to start on a Validate error; these are configuration faults, not
// transient ones.
func (c *TuningConfig) Validate() error {
	if c.AlignmentMode != nil {
		if *c.AlignmentMode != AlignmentModePixel && *c.AlignmentMode != AlignmentModeAngle {
			return fmt.Errorf("alignment_mode must be %q or %q, got %q", AlignmentModePixel, AlignmentModeAngle, *c.AlignmentMode)
		}
	}
	if c.PixelThreshold != nil && *c.PixelThreshold <= 0 {
		return fmt.Errorf("pixel_threshold_px must be positive, got %f", *c.PixelThreshold)
	}
	if c.AngleThreshold != nil && *c.AngleThreshold <= 0 {
		return fmt.Errorf("angle_threshold_deg must be positive, got %f", *c.AngleThreshold)
	}

	// Tier boundaries must be strictly increasing. Each falls back to its
	// default when unset, so mixed partial configs are still checked.
	t1, t2, t3 := c.GetMicroThreshold(), c.GetMediumThreshold(), c.GetLargeThreshold()
	if t1 <= 0 || t1 >= t2 || t2 >= t3 {
		return fmt.Errorf("tier thresholds must satisfy 0 < micro < medium < large, got %f/%f/%f", t1, t2, t3)
	}

	for name, r := range map[string]*float64{
		"medium_first_ratio": c.MediumFirstRatio,
		"large_first_ratio":  c.LargeFirstRatio,
		"compensation_gain":  c.CompensationGain,
	} {
		if r != nil && (*r <= 0 || *r >= 1) {
			return fmt.Errorf("%s must be in (0, 1), got %f", name, *r)
		}
	}

	if c.DecayRate != nil && (*c.DecayRate < 0 || *c.DecayRate >= 1) {
		return fmt.Errorf("decay_rate must be in [0, 1), got %f", *c.DecayRate)
	}
	minF, maxF := c.GetMinFactor(), c.GetMaxFactor()
	if minF <= 0 || minF >= maxF {
		return fmt.Errorf("factor bounds must satisfy 0 < min_factor < max_factor, got %f/%f", minF, maxF)
	}
	if base := c.GetBaseFactor(); base < minF || base > maxF {
		return fmt.Errorf("base_factor %f outside factor bounds [%f, %f]", base, minF, maxF)
	}
	if c.HistoryCapacity != nil && *c.HistoryCapacity <= 0 {
		return fmt.Errorf("history_capacity must be positive, got %d", *c.HistoryCapacity)
	}
	if c.MaxFineSteps != nil && *c.MaxFineSteps < 1 {
		return fmt.Errorf("max_fine_steps must be at least 1, got %d", *c.MaxFineSteps)
	}
	if c.ErrorStreakLimit != nil && *c.ErrorStreakLimit < 1 {
		return fmt.Errorf("error_streak_limit must be at least 1, got %d", *c.ErrorStreakLimit)
	}

	for name, d := range map[string]*string{
		"alignment_window":      c.AlignmentWindow,
		"step_delay_base":       c.StepDelayBase,
		"step_delay_variance":   c.StepDelayJitter,
		"safety_release_window": c.SafetyReleaseWindow,
		"fire_cooldown":         c.FireCooldown,
		"stale_after":           c.StaleAfter,
		"actuator_timeout":      c.ActuatorTimeout,
	} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
			}
		}
	}

	return nil
}

func (c *TuningConfig) getDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetAlignmentMode returns the alignment_mode value or the default.
func (c *TuningConfig) GetAlignmentMode() string {
	if c.AlignmentMode == nil {
		return AlignmentModePixel
	}
	return *c.AlignmentMode
}

// GetPixelThreshold returns the pixel_threshold_px value or the default.
func (c *TuningConfig) GetPixelThreshold() float64 {
	if c.PixelThreshold == nil {
		return 35.0
	}
	return *c.PixelThreshold
}

// GetAngleThreshold returns the angle_threshold_deg value or the default.
func (c *TuningConfig) GetAngleThreshold() float64 {
	if c.AngleThreshold == nil {
		return 0.3
	}
	return *c.AngleThreshold
}

// GetAlignmentConfirmCount returns the alignment_confirmations value or the default.
func (c *TuningConfig) GetAlignmentConfirmCount() int {
	if c.AlignmentConfirmCount == nil {
		return 2
	}
	return *c.AlignmentConfirmCount
}

// GetAlignmentWindow returns the alignment_window value or the default.
func (c *TuningConfig) GetAlignmentWindow() time.Duration {
	return c.getDuration(c.AlignmentWindow, 500*time.Millisecond)
}

// GetMicroThreshold returns the micro_threshold_px value or the default.
func (c *TuningConfig) GetMicroThreshold() float64 {
	if c.MicroThreshold == nil {
		return 15.0
	}
	return *c.MicroThreshold
}

// GetMediumThreshold returns the medium_threshold_px value or the default.
func (c *TuningConfig) GetMediumThreshold() float64 {
	if c.MediumThreshold == nil {
		return 60.0
	}
	return *c.MediumThreshold
}

// GetLargeThreshold returns the large_threshold_px value or the default.
func (c *TuningConfig) GetLargeThreshold() float64 {
	if c.LargeThreshold == nil {
		return 120.0
	}
	return *c.LargeThreshold
}

// GetMediumFirstRatio returns the medium_first_ratio value or the default.
func (c *TuningConfig) GetMediumFirstRatio() float64 {
	if c.MediumFirstRatio == nil {
		return 0.60
	}
	return *c.MediumFirstRatio
}

// GetLargeFirstRatio returns the large_first_ratio value or the default.
func (c *TuningConfig) GetLargeFirstRatio() float64 {
	if c.LargeFirstRatio == nil {
		return 0.80
	}
	return *c.LargeFirstRatio
}

// GetFinalPrecision returns the final_precision_px value or the default.
func (c *TuningConfig) GetFinalPrecision() float64 {
	if c.FinalPrecision == nil {
		return 3.0
	}
	return *c.FinalPrecision
}

// GetMaxFineSteps returns the max_fine_steps value or the default.
func (c *TuningConfig) GetMaxFineSteps() int {
	if c.MaxFineSteps == nil {
		return 3
	}
	return *c.MaxFineSteps
}

// GetMinMovement returns the min_movement_px value or the default.
// Source material for the tuning defaults disagrees on this value
// (0.5–2px depending on the document), so it is deliberately
// configuration rather than a constant.
func (c *TuningConfig) GetMinMovement() float64 {
	if c.MinMovement == nil {
		return 1.0
	}
	return *c.MinMovement
}

// GetMaxStepRange returns the max_step_px value or the default. The default
// matches the int8 report range of a HID relative-movement packet.
func (c *TuningConfig) GetMaxStepRange() float64 {
	if c.MaxStepRange == nil {
		return 127.0
	}
	return *c.MaxStepRange
}

// GetStepDelayBase returns the step_delay_base value or the default.
func (c *TuningConfig) GetStepDelayBase() time.Duration {
	return c.getDuration(c.StepDelayBase, 8*time.Millisecond)
}

// GetStepDelayJitter returns the step_delay_variance value or the default.
func (c *TuningConfig) GetStepDelayJitter() time.Duration {
	return c.getDuration(c.StepDelayJitter, 3*time.Millisecond)
}

// GetBaseFactor returns the base_factor value or the default.
func (c *TuningConfig) GetBaseFactor() float64 {
	if c.BaseFactor == nil {
		return 0.62
	}
	return *c.BaseFactor
}

// GetMinFactor returns the min_factor value or the default.
func (c *TuningConfig) GetMinFactor() float64 {
	if c.MinFactor == nil {
		return 0.30
	}
	return *c.MinFactor
}

// GetMaxFactor returns the max_factor value or the default.
func (c *TuningConfig) GetMaxFactor() float64 {
	if c.MaxFactor == nil {
		return 1.20
	}
	return *c.MaxFactor
}

// GetDecayRate returns the decay_rate value or the default.
// Like min_movement_px, documented defaults conflict; configuration wins.
func (c *TuningConfig) GetDecayRate() float64 {
	if c.DecayRate == nil {
		return 0.70
	}
	return *c.DecayRate
}

// GetAdjustmentRate returns the adjustment_rate value or the default.
func (c *TuningConfig) GetAdjustmentRate() float64 {
	if c.AdjustmentRate == nil {
		return 0.005
	}
	return *c.AdjustmentRate
}

// GetCompensationThreshold returns the compensation_threshold_px value or the default.
func (c *TuningConfig) GetCompensationThreshold() float64 {
	if c.CompensationThreshold == nil {
		return 3.0
	}
	return *c.CompensationThreshold
}

// GetCompensationGain returns the compensation_gain value or the default.
func (c *TuningConfig) GetCompensationGain() float64 {
	if c.CompensationGain == nil {
		return 0.30
	}
	return *c.CompensationGain
}

// GetHistoryCapacity returns the history_capacity value or the default.
func (c *TuningConfig) GetHistoryCapacity() int {
	if c.HistoryCapacity == nil {
		return 50
	}
	return *c.HistoryCapacity
}

// GetPlausibilityRatio returns the plausibility_ratio value or the default.
func (c *TuningConfig) GetPlausibilityRatio() float64 {
	if c.PlausibilityRatio == nil {
		return 5.0
	}
	return *c.PlausibilityRatio
}

// GetSafetyReleaseWindow returns the safety_release_window value or the default.
func (c *TuningConfig) GetSafetyReleaseWindow() time.Duration {
	return c.getDuration(c.SafetyReleaseWindow, 150*time.Millisecond)
}

// GetFireCooldown returns the fire_cooldown value or the default.
func (c *TuningConfig) GetFireCooldown() time.Duration {
	return c.getDuration(c.FireCooldown, 300*time.Millisecond)
}

// GetStaleAfter returns the stale_after value or the default.
func (c *TuningConfig) GetStaleAfter() time.Duration {
	return c.getDuration(c.StaleAfter, 250*time.Millisecond)
}

// GetActuatorTimeout returns the actuator_timeout value or the default.
func (c *TuningConfig) GetActuatorTimeout() time.Duration {
	return c.getDuration(c.ActuatorTimeout, 50*time.Millisecond)
}

// GetErrorStreakLimit returns the error_streak_limit value or the default.
func (c *TuningConfig) GetErrorStreakLimit() int {
	if c.ErrorStreakLimit == nil {
		return 3
	}
	return *c.ErrorStreakLimit
}

// GetCaptureFOVDegrees returns the capture_fov_degrees value or the default.
func (c *TuningConfig) GetCaptureFOVDegrees() float64 {
	if c.CaptureFOVDegrees == nil {
		return 103.0
	}
	return *c.CaptureFOVDegrees
}

// GetCaptureSizePx returns the capture_size_px value or the default.
func (c *TuningConfig) GetCaptureSizePx() float64 {
	if c.CaptureSizePx == nil {
		return 160.0
	}
	return *c.CaptureSizePx
}

// GetDisplayWidthPx returns the display_width_px value or the default.
func (c *TuningConfig) GetDisplayWidthPx() float64 {
	if c.DisplayWidthPx == nil {
		return 2560.0
	}
	return *c.DisplayWidthPx
}

// GetDisplayHeightPx returns the display_height_px value or the default.
func (c *TuningConfig) GetDisplayHeightPx() float64 {
	if c.DisplayHeightPx == nil {
		return 1600.0
	}
	return *c.DisplayHeightPx
}

// GetAimOffsetRatio returns the aim_offset_ratio value or the default.
func (c *TuningConfig) GetAimOffsetRatio() float64 {
	if c.AimOffsetRatio == nil {
		return 0.25
	}
	return *c.AimOffsetRatio
}
