package motion

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gimbalworks/aimloop/internal/actuator"
	"github.com/gimbalworks/aimloop/internal/calib"
	"github.com/gimbalworks/aimloop/internal/geom"
	"github.com/gimbalworks/aimloop/internal/monitoring"
)

// Stats counts controller activity since construction.
type Stats struct {
	Executions      int64
	StepsDispatched int64
	Skipped         int64 // offsets below the de-jitter threshold
	Preempted       int64 // plans abandoned for a fresher detection
	Failed          int64 // plans aborted on an actuator error
	ByTier          map[Tier]int64
}

// Controller executes movement plans against an actuator gateway, applying
// calibration correction on the way out and recording observed response on
// the way back.
//
// A Controller is not safe for concurrent Execute calls; the control loop
// owns it exclusively.
type Controller struct {
	cfg     Config
	calib   *calib.State
	gateway actuator.Gateway

	// sleep and rng are injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand

	mu    sync.Mutex
	stats Stats
}

// NewController builds a Controller over the given gateway and calibration
// state.
func NewController(cfg Config, cal *calib.State, gw actuator.Gateway) *Controller {
	return &Controller{
		cfg:     cfg,
		calib:   cal,
		gateway: gw,
		sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSleeper replaces the inter-step delay function. Tests use this to run
// plans without wall-clock waits.
func (c *Controller) SetSleeper(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
}

// SetRand replaces the jitter source.
func (c *Controller) SetRand(r *rand.Rand) { c.rng = r }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute converges on the given offset. preempt, when non-nil, is polled
// between steps; a true result abandons the rest of the plan so the caller
// can re-plan against a fresher detection. Preemption and sub-threshold
// offsets are not errors.
//
// On an actuator failure the remaining plan is dropped and the error is
// returned. Failed steps are never recorded into calibration.
func (c *Controller) Execute(ctx context.Context, off geom.Offset, preempt func() bool) error {
	distance := off.DistancePx
	if distance < c.cfg.MinMovement {
		c.mu.Lock()
		c.stats.Skipped++
		c.mu.Unlock()
		return nil
	}

	tier := c.cfg.Classify(distance)
	plan := c.cfg.Plan(off.DX, off.DY)
	if len(plan) == 0 {
		c.mu.Lock()
		c.stats.Skipped++
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.stats.Executions++
	if c.stats.ByTier == nil {
		c.stats.ByTier = make(map[Tier]int64)
	}
	c.stats.ByTier[tier]++
	c.mu.Unlock()
	monitoring.GetCounter("motion.executions").Inc()

	// remaining tracks the residual in offset space, re-derived from the
	// gateway's observed deltas rather than assumed from the plan.
	remX, remY := off.DX, off.DY
	var consumedX, consumedY float64 // planned delta already attempted

	for i, step := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}

		if i > 0 {
			d := c.cfg.StepDelay(tier, step.Coarse, c.rng.Float64())
			if err := c.sleep(ctx, d); err != nil {
				return err
			}
		}

		// Polled after the delay so a fresher detection that landed
		// during the wait is not chased with a stale step.
		if preempt != nil && preempt() {
			c.mu.Lock()
			c.stats.Preempted++
			c.mu.Unlock()
			monitoring.GetCounter("motion.preemptions").Inc()
			return nil
		}

		// Later fine steps target the observed residual instead of the
		// planned one, so actuator shortfall on earlier steps is absorbed
		// inside the same plan.
		wantX, wantY := step.DX, step.DY
		if !step.Coarse {
			planRemX := off.DX - consumedX
			planRemY := off.DY - consumedY
			if planRem := math.Hypot(planRemX, planRemY); planRem > 1e-9 {
				scale := math.Hypot(remX, remY) / planRem
				wantX = step.DX * scale
				wantY = step.DY * scale
			}
		}
		consumedX += step.DX
		consumedY += step.DY

		// The first step always dispatches; later steps stop early once
		// the observed residual is inside the precision target.
		if i > 0 && math.Hypot(remX, remY) <= c.cfg.FinalPrecision {
			return nil
		}

		corrX, corrY := c.calib.Correct(wantX, wantY)
		corrX = clampAbs(corrX, c.cfg.MaxStepRange)
		corrY = clampAbs(corrY, c.cfg.MaxStepRange)
		if math.Hypot(corrX, corrY) < c.cfg.MinMovement {
			continue
		}

		applied, err := c.gateway.Move(ctx, corrX, corrY)
		if err != nil {
			c.mu.Lock()
			c.stats.Failed++
			c.mu.Unlock()
			monitoring.GetCounter("motion.failures").Inc()
			return err
		}

		c.mu.Lock()
		c.stats.StepsDispatched++
		c.mu.Unlock()

		c.calib.Record(corrX, corrY, applied.DX, applied.DY, time.Now())

		remX -= applied.DX
		remY -= applied.DY
	}
	return nil
}

// Stats returns a copy of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	if c.stats.ByTier != nil {
		out.ByTier = make(map[Tier]int64, len(c.stats.ByTier))
		for k, v := range c.stats.ByTier {
			out.ByTier[k] = v
		}
	}
	return out
}

func clampAbs(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
