package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if got := cfg.GetAlignmentMode(); got != AlignmentModePixel {
		t.Errorf("GetAlignmentMode() = %q, want %q", got, AlignmentModePixel)
	}
	if got := cfg.GetMicroThreshold(); got != 15.0 {
		t.Errorf("GetMicroThreshold() = %f, want 15.0", got)
	}
	if got := cfg.GetMediumThreshold(); got != 60.0 {
		t.Errorf("GetMediumThreshold() = %f, want 60.0", got)
	}
	if got := cfg.GetLargeThreshold(); got != 120.0 {
		t.Errorf("GetLargeThreshold() = %f, want 120.0", got)
	}
	if got := cfg.GetMediumFirstRatio(); got != 0.60 {
		t.Errorf("GetMediumFirstRatio() = %f, want 0.60", got)
	}
	if got := cfg.GetLargeFirstRatio(); got != 0.80 {
		t.Errorf("GetLargeFirstRatio() = %f, want 0.80", got)
	}
	if got := cfg.GetBaseFactor(); got != 0.62 {
		t.Errorf("GetBaseFactor() = %f, want 0.62", got)
	}
	if got := cfg.GetStepDelayBase(); got != 8*time.Millisecond {
		t.Errorf("GetStepDelayBase() = %v, want 8ms", got)
	}
	if got := cfg.GetSafetyReleaseWindow(); got != 150*time.Millisecond {
		t.Errorf("GetSafetyReleaseWindow() = %v, want 150ms", got)
	}
	if got := cfg.GetFireCooldown(); got != 300*time.Millisecond {
		t.Errorf("GetFireCooldown() = %v, want 300ms", got)
	}
	if got := cfg.GetHistoryCapacity(); got != 50 {
		t.Errorf("GetHistoryCapacity() = %d, want 50", got)
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	// Partial config: unset fields must keep their defaults.
	testJSON := `{
  "alignment_mode": "angle",
  "angle_threshold_deg": 0.25,
  "micro_threshold_px": 10.0,
  "step_delay_base": "12ms",
  "error_streak_limit": 5
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.GetAlignmentMode(); got != AlignmentModeAngle {
		t.Errorf("GetAlignmentMode() = %q, want %q", got, AlignmentModeAngle)
	}
	if got := cfg.GetAngleThreshold(); got != 0.25 {
		t.Errorf("GetAngleThreshold() = %f, want 0.25", got)
	}
	if got := cfg.GetMicroThreshold(); got != 10.0 {
		t.Errorf("GetMicroThreshold() = %f, want 10.0", got)
	}
	if got := cfg.GetStepDelayBase(); got != 12*time.Millisecond {
		t.Errorf("GetStepDelayBase() = %v, want 12ms", got)
	}
	if got := cfg.GetErrorStreakLimit(); got != 5 {
		t.Errorf("GetErrorStreakLimit() = %d, want 5", got)
	}
	// Untouched fields keep defaults.
	if got := cfg.GetMediumThreshold(); got != 60.0 {
		t.Errorf("GetMediumThreshold() = %f, want default 60.0", got)
	}
}

func TestDefaultsFileMatchesAccessors(t *testing.T) {
	// The shipped defaults file spells out every value explicitly. Loading
	// it must produce the same config as an empty one, otherwise the file
	// and the accessor defaults have drifted apart.
	cfg := MustLoadDefaultConfig()
	empty := EmptyTuningConfig()

	if got, want := cfg.GetAlignmentMode(), empty.GetAlignmentMode(); got != want {
		t.Errorf("GetAlignmentMode() = %q, want %q", got, want)
	}
	if got, want := cfg.GetPixelThreshold(), empty.GetPixelThreshold(); got != want {
		t.Errorf("GetPixelThreshold() = %f, want %f", got, want)
	}
	if got, want := cfg.GetMicroThreshold(), empty.GetMicroThreshold(); got != want {
		t.Errorf("GetMicroThreshold() = %f, want %f", got, want)
	}
	if got, want := cfg.GetLargeThreshold(), empty.GetLargeThreshold(); got != want {
		t.Errorf("GetLargeThreshold() = %f, want %f", got, want)
	}
	if got, want := cfg.GetBaseFactor(), empty.GetBaseFactor(); got != want {
		t.Errorf("GetBaseFactor() = %f, want %f", got, want)
	}
	if got, want := cfg.GetDecayRate(), empty.GetDecayRate(); got != want {
		t.Errorf("GetDecayRate() = %f, want %f", got, want)
	}
	if got, want := cfg.GetHistoryCapacity(), empty.GetHistoryCapacity(); got != want {
		t.Errorf("GetHistoryCapacity() = %d, want %d", got, want)
	}
	if got, want := cfg.GetFireCooldown(), empty.GetFireCooldown(); got != want {
		t.Errorf("GetFireCooldown() = %v, want %v", got, want)
	}
	if got, want := cfg.GetCaptureFOVDegrees(), empty.GetCaptureFOVDegrees(); got != want {
		t.Errorf("GetCaptureFOVDegrees() = %f, want %f", got, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults file failed: %v", err)
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "micro_threshold_px": "invalid"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{
			name:    "empty config is valid",
			cfg:     &TuningConfig{},
			wantErr: false,
		},
		{
			name: "unknown alignment mode",
			cfg: &TuningConfig{
				AlignmentMode: ptrString("hybrid"),
			},
			wantErr: true,
		},
		{
			name: "tier order inverted",
			cfg: &TuningConfig{
				MicroThreshold:  ptrFloat64(80),
				MediumThreshold: ptrFloat64(60),
			},
			wantErr: true,
		},
		{
			name: "tier boundary equal",
			cfg: &TuningConfig{
				MediumThreshold: ptrFloat64(120),
			},
			wantErr: true,
		},
		{
			name: "coarse ratio out of range",
			cfg: &TuningConfig{
				LargeFirstRatio: ptrFloat64(1.0),
			},
			wantErr: true,
		},
		{
			name: "decay rate at one",
			cfg: &TuningConfig{
				DecayRate: ptrFloat64(1.0),
			},
			wantErr: true,
		},
		{
			name: "base factor outside bounds",
			cfg: &TuningConfig{
				BaseFactor: ptrFloat64(2.0),
			},
			wantErr: true,
		},
		{
			name: "inverted factor bounds",
			cfg: &TuningConfig{
				MinFactor: ptrFloat64(1.5),
				MaxFactor: ptrFloat64(0.5),
			},
			wantErr: true,
		},
		{
			name: "bad duration",
			cfg: &TuningConfig{
				FireCooldown: ptrString("soon"),
			},
			wantErr: true,
		},
		{
			name: "zero history capacity",
			cfg: &TuningConfig{
				HistoryCapacity: ptrInt(0),
			},
			wantErr: true,
		},
		{
			name: "negative pixel threshold",
			cfg: &TuningConfig{
				PixelThreshold: ptrFloat64(-5),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
