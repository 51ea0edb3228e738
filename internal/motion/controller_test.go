package motion

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gimbalworks/aimloop/internal/actuator"
	"github.com/gimbalworks/aimloop/internal/calib"
	"github.com/gimbalworks/aimloop/internal/geom"
)

// perfectParams pins the calibration factor at 1.0 so tests can reason
// about dispatched deltas exactly.
func perfectParams() calib.Params {
	return calib.Params{
		BaseFactor:            1.0,
		MinFactor:             0.3,
		MaxFactor:             1.2,
		DecayRate:             0.7,
		AdjustmentRate:        0.005,
		CompensationThreshold: 3.0,
		CompensationGain:      0.3,
		HistoryCapacity:       50,
		PlausibilityRatio:     5.0,
	}
}

func offsetOf(dx, dy float64) geom.Offset {
	return geom.Offset{DX: dx, DY: dy, DistancePx: math.Hypot(dx, dy)}
}

func newTestController(gw actuator.Gateway) (*Controller, *calib.State) {
	cal := calib.NewState(perfectParams())
	ctrl := NewController(testConfig(), cal, gw)
	ctrl.SetSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	ctrl.SetRand(rand.New(rand.NewSource(1)))
	return ctrl, cal
}

func TestExecuteMicroSingleDispatch(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	ctrl, _ := newTestController(sim)

	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(5, 3), nil))

	moves := sim.CommandsOf("move")
	require.Len(t, moves, 1)
	assert.InDelta(t, 5.0, moves[0].DX, 1e-9)
	assert.InDelta(t, 3.0, moves[0].DY, 1e-9)

	x, y := sim.Position()
	assert.InDelta(t, 5.0, x, 1e-9)
	assert.InDelta(t, 3.0, y, 1e-9)
}

func TestExecuteLargeConverges(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	ctrl, _ := newTestController(sim)

	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(90, 0), nil))

	moves := sim.CommandsOf("move")
	require.Len(t, moves, 2)
	assert.InDelta(t, 72.0, moves[0].DX, 1e-9)
	assert.InDelta(t, 18.0, moves[1].DX, 1e-9)

	x, _ := sim.Position()
	assert.InDelta(t, 90.0, x, 1e-9)
}

func TestExecuteAbsorbsUndershootInFineSteps(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	sim.Gain = 0.8
	ctrl, cal := newTestController(sim)

	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(90, 0), nil))

	// Coarse request 72 lands at 57.6. The fine step retargets the
	// observed residual (32.4, not the planned 18) and calibration adds
	// accumulator compensation on top, so the request overshoots 32.4.
	moves := sim.CommandsOf("move")
	require.Len(t, moves, 2)
	assert.InDelta(t, 72.0, moves[0].DX, 1e-9)
	assert.Greater(t, moves[1].DX, 32.4)

	x, _ := sim.Position()
	assert.Less(t, math.Abs(90-x), math.Abs(90-57.6), "fine step must reduce the residual")
	assert.InDelta(t, 90.0, x, testConfig().FinalPrecision)

	// Every successful step fed calibration with its observed response.
	assert.Len(t, cal.History(), 2)
	assert.Greater(t, cal.DirectionalFactor(calib.DirRight), 1.0,
		"sustained undershoot grows the directional factor")
}

func TestExecuteSkipsBelowDeadband(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	ctrl, _ := newTestController(sim)

	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(0.3, 0.4), nil))
	assert.Empty(t, sim.Commands())
	assert.Equal(t, int64(1), ctrl.Stats().Skipped)
}

func TestExecutePreemptedByFresherTarget(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	ctrl, _ := newTestController(sim)

	calls := 0
	preempt := func() bool {
		calls++
		return calls > 1 // allow the first step, abandon the rest
	}
	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(90, 0), preempt))

	assert.Len(t, sim.CommandsOf("move"), 1)
	assert.Equal(t, int64(1), ctrl.Stats().Preempted)
}

func TestExecutePreemptedDuringDelay(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	ctrl, _ := newTestController(sim)

	// The fresher detection arrives while the controller is waiting out
	// the inter-step delay; the queued step must not be dispatched.
	var fresh bool
	ctrl.SetSleeper(func(ctx context.Context, _ time.Duration) error {
		fresh = true
		return ctx.Err()
	})
	preempt := func() bool { return fresh }
	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(90, 0), preempt))

	assert.Len(t, sim.CommandsOf("move"), 1)
	assert.Equal(t, int64(1), ctrl.Stats().Preempted)
}

func TestExecuteAbortsOnActuatorError(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	sim.MoveErr = errors.New("stepper stalled")
	ctrl, cal := newTestController(sim)

	err := ctrl.Execute(context.Background(), offsetOf(90, 0), nil)
	require.Error(t, err)
	var aerr *actuator.Error
	assert.ErrorAs(t, err, &aerr)

	// Failed dispatches never pollute calibration.
	assert.Empty(t, cal.History())
	recorded, _ := cal.Stats()
	assert.Zero(t, recorded)
	assert.Equal(t, int64(1), ctrl.Stats().Failed)
}

func TestExecuteHonoursContextCancel(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	ctrl, _ := newTestController(sim)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ctrl.Execute(ctx, offsetOf(90, 0), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteClampsStepRange(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	ctrl, _ := newTestController(sim)

	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(400, 0), nil))

	for _, m := range sim.CommandsOf("move") {
		assert.LessOrEqual(t, math.Abs(m.DX), 127.0)
		assert.LessOrEqual(t, math.Abs(m.DY), 127.0)
	}
}

func TestExecuteStopsOnceInsidePrecision(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	// The coarse step alone lands within the precision target, so the
	// planned fine steps must not dispatch.
	sim.Gain = 149.0 / 120.0
	ctrl, _ := newTestController(sim)

	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(150, 0), nil))

	require.Len(t, sim.CommandsOf("move"), 1)
	x, _ := sim.Position()
	assert.InDelta(t, 149.0, x, 1e-9)
}

func TestStatsByTier(t *testing.T) {
	t.Parallel()
	sim := actuator.NewSim()
	ctrl, _ := newTestController(sim)

	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(5, 0), nil))
	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(40, 0), nil))
	require.NoError(t, ctrl.Execute(context.Background(), offsetOf(90, 0), nil))

	st := ctrl.Stats()
	assert.Equal(t, int64(3), st.Executions)
	assert.Equal(t, int64(1), st.ByTier[TierMicro])
	assert.Equal(t, int64(1), st.ByTier[TierMedium])
	assert.Equal(t, int64(1), st.ByTier[TierLarge])
	assert.Equal(t, int64(5), st.StepsDispatched)
}
