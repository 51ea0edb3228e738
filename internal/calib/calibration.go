// Package calib owns the learned correction state that closes the gap
// between requested and actually-applied actuator movement. The state is
// mutated only by the movement controller's execution context; readers
// (diagnostics, persistence) get copied snapshots.
package calib

import (
	"math"
	"sync"
	"time"

	"github.com/gimbalworks/aimloop/internal/config"
)

// Direction is the dominant axis of a movement delta. Correction factors
// are learned per direction because actuator response is not symmetric.
type Direction string

const (
	DirRight Direction = "right"
	DirLeft  Direction = "left"
	DirUp    Direction = "up"
	DirDown  Direction = "down"
)

// Directions lists all learned directions in stable order.
var Directions = []Direction{DirRight, DirLeft, DirUp, DirDown}

// DirectionOf classifies a delta by its dominant axis.
func DirectionOf(dx, dy float64) Direction {
	if math.Abs(dx) > math.Abs(dy) {
		if dx > 0 {
			return DirRight
		}
		return DirLeft
	}
	if dy > 0 {
		return DirDown
	}
	return DirUp
}

// Sample is one (requested, observed) movement pair recorded for
// calibration. Observed is what the actuator reports actually happened.
type Sample struct {
	RequestedX float64   `json:"requested_x"`
	RequestedY float64   `json:"requested_y"`
	ObservedX  float64   `json:"observed_x"`
	ObservedY  float64   `json:"observed_y"`
	At         time.Time `json:"at"`
}

// ErrorMagnitude returns the Euclidean magnitude of the sample's error.
func (s Sample) ErrorMagnitude() float64 {
	return math.Hypot(s.ObservedX-s.RequestedX, s.ObservedY-s.RequestedY)
}

// Accurate reports whether the sample landed within tolerance. The tolerance
// scales with the requested magnitude (10%) with a small fixed floor, so
// tiny movements are not judged against a sub-pixel bound.
func (s Sample) Accurate() bool {
	tol := 0.10 * math.Hypot(s.RequestedX, s.RequestedY)
	if tol < accurateErrorPx {
		tol = accurateErrorPx
	}
	return s.ErrorMagnitude() <= tol
}

// Params holds calibration tuning. See config.TuningConfig for defaults.
type Params struct {
	BaseFactor            float64
	MinFactor             float64
	MaxFactor             float64
	DecayRate             float64 // accumulator decay applied on every update
	AdjustmentRate        float64 // directional factor nudge per observation
	CompensationThreshold float64 // accumulator magnitude before compensation kicks in
	CompensationGain      float64 // fraction of the accumulator injected per correction
	HistoryCapacity       int
	PlausibilityRatio     float64 // observed/requested magnitude bound
}

// ParamsFromTuning builds calibration Params from a loaded TuningConfig.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	return Params{
		BaseFactor:            cfg.GetBaseFactor(),
		MinFactor:             cfg.GetMinFactor(),
		MaxFactor:             cfg.GetMaxFactor(),
		DecayRate:             cfg.GetDecayRate(),
		AdjustmentRate:        cfg.GetAdjustmentRate(),
		CompensationThreshold: cfg.GetCompensationThreshold(),
		CompensationGain:      cfg.GetCompensationGain(),
		HistoryCapacity:       cfg.GetHistoryCapacity(),
		PlausibilityRatio:     cfg.GetPlausibilityRatio(),
	}
}

// accurateErrorPx is the floor of the accuracy tolerance, see
// Sample.Accurate. Also the absolute slack in the plausibility check.
const accurateErrorPx = 2.0

// recentWindow is the number of trailing samples used for the accuracy trim.
const recentWindow = 10

// State is the calibration state for one session: a global factor, four
// directional factors, a decaying error accumulator, and a bounded history
// ring of (requested, observed) samples.
//
// Single-writer discipline: only the movement controller calls Correct and
// Record. The mutex exists so diagnostics and persistence can take
// eventually-consistent snapshots from other goroutines.
type State struct {
	mu sync.RWMutex

	params      Params
	global      float64
	directional map[Direction]float64

	accumX float64
	accumY float64

	// history is a ring buffer of the most recent samples.
	history []Sample
	head    int
	count   int

	recorded  int64
	discarded int64
}

// NewState creates calibration state seeded from params. All factors start
// at BaseFactor.
func NewState(params Params) *State {
	if params.HistoryCapacity <= 0 {
		params.HistoryCapacity = 50
	}
	s := &State{
		params:      params,
		global:      params.BaseFactor,
		directional: make(map[Direction]float64, len(Directions)),
		history:     make([]Sample, params.HistoryCapacity),
	}
	for _, d := range Directions {
		s.directional[d] = params.BaseFactor
	}
	return s
}

func (s *State) clamp(f float64) float64 {
	if f < s.params.MinFactor {
		return s.params.MinFactor
	}
	if f > s.params.MaxFactor {
		return s.params.MaxFactor
	}
	return f
}

// Factor returns the effective correction factor for a delta: the clamped
// blend of the direction-specific factor and the global factor.
func (s *State) Factor(dx, dy float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clamp((s.directional[DirectionOf(dx, dy)] + s.global) / 2)
}

// Correct applies the learned correction to a requested delta:
// corrected = requested * factor + accumulator contribution. When the
// accumulated error on an axis exceeds the compensation threshold, a
// fraction of it is injected into the output and drained from the
// accumulator so stale error cannot be compensated twice.
func (s *State) Correct(dx, dy float64) (cx, cy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	factor := s.clamp((s.directional[DirectionOf(dx, dy)] + s.global) / 2)
	cx = dx * factor
	cy = dy * factor

	gain := s.params.CompensationGain
	if math.Abs(s.accumX) > s.params.CompensationThreshold {
		cx += s.accumX * gain
		s.accumX *= 1 - gain
	}
	if math.Abs(s.accumY) > s.params.CompensationThreshold {
		cy += s.accumY * gain
		s.accumY *= 1 - gain
	}
	return cx, cy
}

// Record feeds one (requested, observed) pair back into calibration.
// Implausible observations (observed magnitude beyond PlausibilityRatio
// times the requested magnitude) are discarded so a glitching backend
// cannot poison the factors. Returns false when the sample was discarded.
func (s *State) Record(requestedX, requestedY, observedX, observedY float64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqMag := math.Hypot(requestedX, requestedY)
	obsMag := math.Hypot(observedX, observedY)
	// The absolute slack keeps tiny requested deltas from tripping the
	// ratio check on sub-pixel rounding.
	if obsMag > reqMag*s.params.PlausibilityRatio+accurateErrorPx {
		s.discarded++
		return false
	}

	sample := Sample{
		RequestedX: requestedX,
		RequestedY: requestedY,
		ObservedX:  observedX,
		ObservedY:  observedY,
		At:         at,
	}
	s.history[s.head] = sample
	s.head = (s.head + 1) % len(s.history)
	if s.count < len(s.history) {
		s.count++
	}
	s.recorded++

	// Decaying accumulator of signed per-axis error. The decay keeps it
	// from diverging; the clamp below is a hard stop against adversarial
	// observation streams.
	s.accumX = s.accumX*s.params.DecayRate + (requestedX - observedX)
	s.accumY = s.accumY*s.params.DecayRate + (requestedY - observedY)
	const accumLimit = 100.0
	s.accumX = math.Max(-accumLimit, math.Min(accumLimit, s.accumX))
	s.accumY = math.Max(-accumLimit, math.Min(accumLimit, s.accumY))

	// Nudge the directional factor toward the observed response: when the
	// actuator undershoots along the dominant axis, the factor grows.
	dir := DirectionOf(requestedX, requestedY)
	var reqAxis, obsAxis float64
	switch dir {
	case DirLeft, DirRight:
		reqAxis, obsAxis = requestedX, observedX
	default:
		reqAxis, obsAxis = requestedY, observedY
	}
	magErr := math.Abs(reqAxis) - math.Abs(obsAxis)
	if magErr > 0 {
		s.directional[dir] = s.clamp(s.directional[dir] + s.params.AdjustmentRate)
	} else if magErr < 0 {
		s.directional[dir] = s.clamp(s.directional[dir] - s.params.AdjustmentRate)
	}

	s.trimGlobalLocked()
	return true
}

// trimGlobalLocked slowly trims the global factor based on recent accuracy:
// consistently accurate movement relaxes the correction, consistently poor
// movement strengthens it.
func (s *State) trimGlobalLocked() {
	if s.count < recentWindow {
		return
	}
	accurate := 0
	for i := 0; i < recentWindow; i++ {
		idx := (s.head - 1 - i + len(s.history)) % len(s.history)
		if s.history[idx].Accurate() {
			accurate++
		}
	}
	ratio := float64(accurate) / float64(recentWindow)
	switch {
	case ratio > 0.85:
		s.global = s.clamp(s.global * 0.995)
	case ratio < 0.60:
		s.global = s.clamp(s.global * 1.005)
	}
}

// History returns the recorded samples, oldest first.
func (s *State) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, 0, s.count)
	start := (s.head - s.count + len(s.history)) % len(s.history)
	for i := 0; i < s.count; i++ {
		out = append(out, s.history[(start+i)%len(s.history)])
	}
	return out
}

// Stats reports how many samples were recorded and how many were discarded
// as implausible.
func (s *State) Stats() (recorded, discarded int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recorded, s.discarded
}

// GlobalFactor returns the current global correction factor.
func (s *State) GlobalFactor() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

// DirectionalFactor returns the learned factor for one direction.
func (s *State) DirectionalFactor(d Direction) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.directional[d]
}

// Accumulator returns the current decayed error accumulator.
func (s *State) Accumulator() (x, y float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accumX, s.accumY
}

// Snapshot is the persistable projection of calibration state.
type Snapshot struct {
	SessionID    string                `json:"session_id"`
	GlobalFactor float64               `json:"global_factor"`
	Directional  map[Direction]float64 `json:"directional_factors"`
	AccumX       float64               `json:"accum_x"`
	AccumY       float64               `json:"accum_y"`
	History      []Sample              `json:"history,omitempty"`
	SavedAt      time.Time             `json:"saved_at"`
}

// Snapshot copies the current state for persistence or diagnostics.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir := make(map[Direction]float64, len(s.directional))
	for d, f := range s.directional {
		dir[d] = f
	}
	snap := Snapshot{
		GlobalFactor: s.global,
		Directional:  dir,
		AccumX:       s.accumX,
		AccumY:       s.accumY,
		SavedAt:      time.Now(),
	}
	start := (s.head - s.count + len(s.history)) % len(s.history)
	for i := 0; i < s.count; i++ {
		snap.History = append(snap.History, s.history[(start+i)%len(s.history)])
	}
	return snap
}

// Restore loads a persisted snapshot into the state, re-clamping every
// factor so a snapshot written under different bounds cannot violate the
// current ones. History beyond the configured capacity keeps the newest
// entries.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.global = s.clamp(snap.GlobalFactor)
	for _, d := range Directions {
		if f, ok := snap.Directional[d]; ok {
			s.directional[d] = s.clamp(f)
		}
	}
	s.accumX = snap.AccumX
	s.accumY = snap.AccumY

	hist := snap.History
	if len(hist) > len(s.history) {
		hist = hist[len(hist)-len(s.history):]
	}
	s.head = 0
	s.count = 0
	for _, sample := range hist {
		s.history[s.head] = sample
		s.head = (s.head + 1) % len(s.history)
		s.count++
	}
}
