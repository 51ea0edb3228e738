// Package pipeline runs the control loop: it accepts target detections,
// turns each into an offset, drives the movement controller, and steps
// the trigger machine. One goroutine owns the whole cycle; detection
// producers only ever touch the mailbox.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gimbalworks/aimloop/internal/calib"
	"github.com/gimbalworks/aimloop/internal/config"
	"github.com/gimbalworks/aimloop/internal/geom"
	"github.com/gimbalworks/aimloop/internal/monitoring"
	"github.com/gimbalworks/aimloop/internal/motion"
	"github.com/gimbalworks/aimloop/internal/timeutil"
	"github.com/gimbalworks/aimloop/internal/trigger"
)

// ErrStaleDetection marks a frame that aged out before the loop got to it.
var ErrStaleDetection = errors.New("stale detection discarded")

// Mailbox holds at most the single freshest detection. Offering a new
// target replaces an unconsumed one; the loop never processes a backlog.
type Mailbox struct {
	mu     sync.Mutex
	target geom.Target
	has    bool
	seq    uint64
	notify chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Offer publishes a detection, replacing any pending one.
func (m *Mailbox) Offer(t geom.Target) {
	m.mu.Lock()
	if m.has {
		monitoring.GetCounter("pipeline.frames_replaced").Inc()
	}
	m.target = t
	m.has = true
	m.seq++
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Take removes and returns the pending detection, if any.
func (m *Mailbox) Take() (geom.Target, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.has {
		return geom.Target{}, m.seq, false
	}
	m.has = false
	return m.target, m.seq, true
}

// Seq returns the sequence number of the latest offered detection. The
// movement controller polls it to notice fresher frames mid-plan.
func (m *Mailbox) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Store persists calibration across sessions and logs fire events. The
// sqlite store satisfies it.
type Store interface {
	calib.Store
	RecordFire(ctx context.Context, episodeID string, at time.Time) error
}

// Status is a point-in-time view of the loop for the status API.
type Status struct {
	SessionID       string           `json:"session_id"`
	Engaged         bool             `json:"engaged"`
	TriggerState    trigger.State    `json:"trigger_state"`
	Fired           int64            `json:"fired"`
	FramesProcessed int64            `json:"frames_processed"`
	FramesStale     int64            `json:"frames_stale"`
	ErrorStreak     int              `json:"error_streak"`
	GlobalFactor    float64          `json:"global_factor"`
	Recorded        int64            `json:"samples_recorded"`
	Discarded       int64            `json:"samples_discarded"`
	Counters        map[string]int64 `json:"counters"`
}

// Loop owns one engagement session. Construct with New, feed detections
// through Offer, and drive with Run; cancelling Run's context disengages.
type Loop struct {
	geometry geom.Geometry
	mailbox  *Mailbox
	ctrl     *motion.Controller
	trig     *trigger.Machine
	cal      *calib.State
	store    Store // nil disables persistence

	staleAfter  time.Duration
	streakLimit int
	clock       timeutil.Clock
	onFire      func(trigger.FireEvent)

	sessionID string

	mu              sync.Mutex
	engaged         bool
	errStreak       int
	framesProcessed int64
	framesStale     int64
	triggerState    trigger.State // cached for Status; the loop owns the machine
	fired           int64
}

// Options carries the loop's collaborators. Geometry must be valid;
// Store and OnFire may be nil.
type Options struct {
	Geometry   geom.Geometry
	Controller *motion.Controller
	Trigger    *trigger.Machine
	Calib      *calib.State
	Store      Store
	OnFire     func(trigger.FireEvent)

	StaleAfter  time.Duration
	StreakLimit int
}

// ApplyTuning fills the timing fields from a loaded TuningConfig.
func (o *Options) ApplyTuning(cfg *config.TuningConfig) {
	o.StaleAfter = cfg.GetStaleAfter()
	o.StreakLimit = cfg.GetErrorStreakLimit()
}

// New builds a Loop. The session id is fixed at construction and tags
// the calibration snapshot written at disengage.
func New(opts Options) (*Loop, error) {
	if err := opts.Geometry.Validate(); err != nil {
		return nil, err
	}
	if opts.Controller == nil || opts.Trigger == nil || opts.Calib == nil {
		return nil, errors.New("pipeline: controller, trigger and calibration are required")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 250 * time.Millisecond
	}
	if opts.StreakLimit <= 0 {
		opts.StreakLimit = 3
	}
	return &Loop{
		geometry:    opts.Geometry,
		mailbox:     NewMailbox(),
		ctrl:        opts.Controller,
		trig:        opts.Trigger,
		cal:         opts.Calib,
		store:       opts.Store,
		staleAfter:  opts.StaleAfter,
		streakLimit: opts.StreakLimit,
		clock:       timeutil.RealClock{},
		onFire:      opts.OnFire,
		sessionID:   uuid.NewString(),
	}, nil
}

// SetClock replaces the time source for staleness checks.
func (l *Loop) SetClock(c timeutil.Clock) { l.clock = c }

// SessionID returns the id tagging this engagement session.
func (l *Loop) SessionID() string { return l.sessionID }

// Offer feeds a detection into the loop. Safe to call from any goroutine.
func (l *Loop) Offer(t geom.Target) { l.mailbox.Offer(t) }

// Status reports the loop's current state. Safe to call from any
// goroutine.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	recorded, discarded := l.cal.Stats()
	state := l.triggerState
	if state == "" {
		state = trigger.StateIdle
	}
	return Status{
		SessionID:       l.sessionID,
		Engaged:         l.engaged,
		TriggerState:    state,
		Fired:           l.fired,
		FramesProcessed: l.framesProcessed,
		FramesStale:     l.framesStale,
		ErrorStreak:     l.errStreak,
		GlobalFactor:    l.cal.GlobalFactor(),
		Recorded:        recorded,
		Discarded:       discarded,
		Counters:        monitoring.Snapshot(),
	}
}

// Run drives the control loop until ctx is cancelled. Cancellation is
// the disengage path: the loop stops moving, abandons any trigger
// progress and persists calibration before returning. A cancelled
// context is a clean exit.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.restore(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.engaged = true
	l.mu.Unlock()
	monitoring.Logf("control loop engaged (session %s)", l.sessionID)

	idle := time.NewTimer(l.staleAfter)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.disengage()
		case <-idle.C:
			// No detections for a full staleness window: the target is
			// gone and any trigger progress is void.
			l.trig.TargetLost()
			l.publishTrigger()
			idle.Reset(l.staleAfter)
		case <-l.mailbox.notify:
			target, seq, ok := l.mailbox.Take()
			if !ok {
				continue
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(l.staleAfter)
			if err := l.processFrame(ctx, target, seq); errors.Is(err, ErrStaleDetection) {
				monitoring.GetCounter("pipeline.frames_stale").Inc()
			}
		}
	}
}

func (l *Loop) processFrame(ctx context.Context, target geom.Target, seq uint64) error {
	if l.clock.Since(target.Timestamp) > l.staleAfter {
		l.mu.Lock()
		l.framesStale++
		l.mu.Unlock()
		return ErrStaleDetection
	}

	off, err := l.geometry.ComputeOffset(target)
	if err != nil {
		monitoring.Logf("offset computation failed: %v", err)
		return err
	}

	preempt := func() bool { return l.mailbox.Seq() != seq }
	moveErr := l.ctrl.Execute(ctx, off, preempt)
	l.noteActuation(moveErr)
	if moveErr != nil {
		if !errors.Is(moveErr, context.Canceled) {
			monitoring.Logf("movement failed: %v", moveErr)
		}
		return moveErr
	}

	// A superseded frame never drives the trigger: the offset it carries
	// is already known to be stale, and in the safety dwell it would
	// re-confirm alignment against the wrong frame.
	if l.mailbox.Seq() != seq {
		l.mu.Lock()
		l.framesProcessed++
		l.mu.Unlock()
		return nil
	}

	ev, err := l.trig.Step(ctx, off)
	l.publishTrigger()
	l.noteActuation(err)
	if err != nil {
		monitoring.Logf("trigger step failed: %v", err)
		return err
	}
	if ev != nil {
		monitoring.Logf("fired (episode %s)", ev.EpisodeID)
		if l.store != nil {
			if err := l.store.RecordFire(ctx, ev.EpisodeID, ev.At); err != nil {
				monitoring.Logf("failed to record fire event: %v", err)
			}
		}
		if l.onFire != nil {
			l.onFire(*ev)
		}
	}

	l.mu.Lock()
	l.framesProcessed++
	l.mu.Unlock()
	return nil
}

func (l *Loop) publishTrigger() {
	state, fired := l.trig.State(), l.trig.Fired()
	l.mu.Lock()
	l.triggerState = state
	l.fired = fired
	l.mu.Unlock()
}

// noteActuation tracks consecutive actuator failures. A streak at the
// limit forces the trigger idle and suppresses firing; the next success
// lifts the suppression.
func (l *Loop) noteActuation(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil || errors.Is(err, context.Canceled) {
		if l.errStreak >= l.streakLimit {
			l.trig.Suppress(false)
			monitoring.Logf("actuator recovered, firing re-enabled")
		}
		l.errStreak = 0
		return
	}
	l.errStreak++
	if l.errStreak == l.streakLimit {
		l.trig.Suppress(true)
		monitoring.Logf("actuator error streak reached %d, firing suppressed", l.errStreak)
	}
}

func (l *Loop) restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	snap, err := l.store.Load(ctx)
	if errors.Is(err, calib.ErrNoSnapshot) {
		monitoring.Logf("no stored calibration, starting from defaults")
		return nil
	}
	if err != nil {
		return err
	}
	l.cal.Restore(snap)
	monitoring.Logf("restored calibration from session %s (global factor %.3f)",
		snap.SessionID, snap.GlobalFactor)
	return nil
}

func (l *Loop) disengage() error {
	l.mu.Lock()
	l.engaged = false
	l.mu.Unlock()
	l.trig.TargetLost()
	l.publishTrigger()
	monitoring.Logf("control loop disengaged (session %s)", l.sessionID)

	if l.store == nil {
		return nil
	}
	// The run context is already cancelled; the snapshot write gets its
	// own bounded context.
	saveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap := l.cal.Snapshot()
	snap.SessionID = l.sessionID
	snap.SavedAt = l.clock.Now()
	if err := l.store.Save(saveCtx, snap); err != nil {
		monitoring.Logf("failed to persist calibration: %v", err)
		return err
	}
	monitoring.Logf("calibration persisted (%d samples)", len(snap.History))
	return nil
}
