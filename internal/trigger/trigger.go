// Package trigger decides when the fire action is allowed. It is a small
// state machine driven once per control cycle; all hardware effects go
// through the actuator gateway so the decision logic stays testable with a
// manual clock.
package trigger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gimbalworks/aimloop/internal/actuator"
	"github.com/gimbalworks/aimloop/internal/config"
	"github.com/gimbalworks/aimloop/internal/geom"
	"github.com/gimbalworks/aimloop/internal/monitoring"
	"github.com/gimbalworks/aimloop/internal/timeutil"
)

// State is the trigger machine's current phase.
type State string

const (
	// StateIdle waits for a confirmed alignment.
	StateIdle State = "idle"
	// StateAlignedPending has seen enough aligned frames and is about to
	// start the safety sequence.
	StateAlignedPending State = "aligned_pending"
	// StateSafetyRelease has released directional input and is dwelling
	// before the fire action.
	StateSafetyRelease State = "safety_release"
	// StateCooldown has fired and refuses further fires until the
	// cooldown elapses.
	StateCooldown State = "cooldown"
)

// Config holds alignment and firing tuning. Exactly one alignment metric
// is active per machine; the mode is fixed at construction.
type Config struct {
	Mode           string // config.AlignmentModePixel or config.AlignmentModeAngle
	PixelThreshold float64
	AngleThreshold float64

	ConfirmCount  int           // aligned frames required before the safety sequence
	ConfirmWindow time.Duration // confirmations older than this are forgotten
	ReleaseWindow time.Duration // dwell between input release and fire
	FireCooldown  time.Duration
}

// ConfigFromTuning builds a trigger Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Mode:           cfg.GetAlignmentMode(),
		PixelThreshold: cfg.GetPixelThreshold(),
		AngleThreshold: cfg.GetAngleThreshold(),
		ConfirmCount:   cfg.GetAlignmentConfirmCount(),
		ConfirmWindow:  cfg.GetAlignmentWindow(),
		ReleaseWindow:  cfg.GetSafetyReleaseWindow(),
		FireCooldown:   cfg.GetFireCooldown(),
	}
}

// Aligned reports whether the offset satisfies the configured metric.
func (c Config) Aligned(off geom.Offset) bool {
	if c.Mode == config.AlignmentModeAngle {
		return off.AngleDeg < c.AngleThreshold
	}
	return off.DistancePx < c.PixelThreshold
}

// FireEvent describes one completed fire action.
type FireEvent struct {
	EpisodeID string    `json:"episode_id"`
	At        time.Time `json:"at"`
}

// Machine runs the alignment and firing sequence. It is driven by a single
// goroutine (the control loop) and is not safe for concurrent use.
type Machine struct {
	cfg     Config
	gateway actuator.Gateway
	input   actuator.InputState
	clock   timeutil.Clock

	state         State
	entered       time.Time // when the current state was entered
	episodeID     string
	confirmations []time.Time
	lastFire      time.Time
	fired         int64
	suppressed    bool
}

// NewMachine builds a trigger machine over the given gateway. input
// performs the directional release before a fire; it may equal the
// gateway when one backend provides both.
func NewMachine(cfg Config, gw actuator.Gateway, input actuator.InputState) *Machine {
	if cfg.ConfirmCount < 1 {
		cfg.ConfirmCount = 1
	}
	if cfg.ReleaseWindow <= 0 {
		cfg.ReleaseWindow = 150 * time.Millisecond
	}
	return &Machine{
		cfg:     cfg,
		gateway: gw,
		input:   input,
		clock:   timeutil.RealClock{},
		state:   StateIdle,
	}
}

// SetClock replaces the time source. Tests use this to step the machine
// deterministically.
func (m *Machine) SetClock(c timeutil.Clock) { m.clock = c }

// State returns the current phase.
func (m *Machine) State() State { return m.state }

// EpisodeID returns the id of the current alignment episode, empty in
// StateIdle.
func (m *Machine) EpisodeID() string { return m.episodeID }

// Fired returns the number of completed fire actions.
func (m *Machine) Fired() int64 { return m.fired }

// Suppress blocks all firing until lifted. The control loop raises it
// after a streak of actuator failures and lifts it on the next success.
func (m *Machine) Suppress(on bool) {
	m.suppressed = on
	if on {
		m.toIdle()
	}
}

func (m *Machine) toIdle() {
	m.state = StateIdle
	m.entered = m.clock.Now()
	m.episodeID = ""
	m.confirmations = m.confirmations[:0]
}

func (m *Machine) transition(s State) {
	m.state = s
	m.entered = m.clock.Now()
}

// TargetLost collapses any pre-fire progress. A machine in cooldown keeps
// counting down; everything else returns to idle.
func (m *Machine) TargetLost() {
	if m.state != StateCooldown {
		m.toIdle()
	}
}

// Step advances the machine by one control cycle. A non-nil FireEvent
// means the fire action completed on this cycle. Errors come from the
// actuator and leave the machine in idle; the caller decides whether to
// suppress further attempts.
func (m *Machine) Step(ctx context.Context, off geom.Offset) (*FireEvent, error) {
	now := m.clock.Now()
	aligned := m.cfg.Aligned(off)

	switch m.state {
	case StateIdle:
		if m.suppressed || !aligned {
			if !aligned {
				m.confirmations = m.confirmations[:0]
			}
			return nil, nil
		}
		m.confirmations = append(m.confirmations, now)
		m.pruneConfirmations(now)
		if len(m.confirmations) >= m.cfg.ConfirmCount {
			m.episodeID = uuid.NewString()
			m.transition(StateAlignedPending)
		}
		return nil, nil

	case StateAlignedPending:
		if !aligned {
			m.toIdle()
			return nil, nil
		}
		// Release any held directional input before firing. The call is
		// bounded by the dwell window so a stuck backend cannot stall
		// the control loop.
		relCtx, cancel := context.WithTimeout(ctx, m.cfg.ReleaseWindow)
		err := m.input.ReleaseDirectional(relCtx)
		cancel()
		if err != nil {
			m.toIdle()
			return nil, err
		}
		m.transition(StateSafetyRelease)
		return nil, nil

	case StateSafetyRelease:
		if !aligned {
			m.toIdle()
			return nil, nil
		}
		if now.Sub(m.entered) < m.cfg.ReleaseWindow {
			return nil, nil
		}
		// Alignment held through the dwell; this frame re-confirms it.
		if err := m.gateway.Click(ctx); err != nil {
			m.toIdle()
			return nil, err
		}
		ev := &FireEvent{EpisodeID: m.episodeID, At: now}
		m.fired++
		m.lastFire = now
		monitoring.GetCounter("trigger.fires").Inc()
		m.transition(StateCooldown)
		return ev, nil

	case StateCooldown:
		if now.Sub(m.lastFire) >= m.cfg.FireCooldown {
			m.toIdle()
		}
		return nil, nil
	}
	return nil, nil
}

func (m *Machine) pruneConfirmations(now time.Time) {
	cutoff := now.Add(-m.cfg.ConfirmWindow)
	keep := m.confirmations[:0]
	for _, t := range m.confirmations {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	m.confirmations = keep
}
