package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gimbalworks/aimloop/internal/actuator"
	"github.com/gimbalworks/aimloop/internal/config"
	"github.com/gimbalworks/aimloop/internal/geom"
	"github.com/gimbalworks/aimloop/internal/timeutil"
)

func pixelConfig() Config {
	return Config{
		Mode:           config.AlignmentModePixel,
		PixelThreshold: 35,
		AngleThreshold: 0.3,
		ConfirmCount:   2,
		ConfirmWindow:  500 * time.Millisecond,
		ReleaseWindow:  150 * time.Millisecond,
		FireCooldown:   300 * time.Millisecond,
	}
}

func newTestMachine(cfg Config) (*Machine, *actuator.Sim, *timeutil.MockClock) {
	sim := actuator.NewSim()
	m := NewMachine(cfg, sim, sim)
	clk := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m.SetClock(clk)
	return m, sim, clk
}

func aligned() geom.Offset { return geom.Offset{DX: 3, DY: 4, DistancePx: 5, AngleDeg: 0.05} }
func misaligned() geom.Offset {
	return geom.Offset{DX: 30, DY: 31.44, DistancePx: 43.44, AngleDeg: 0.43}
}

// step is a helper for frames that must not fire or fail.
func step(t *testing.T, m *Machine, off geom.Offset) {
	t.Helper()
	ev, err := m.Step(context.Background(), off)
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestFullFireSequence(t *testing.T) {
	t.Parallel()
	m, sim, clk := newTestMachine(pixelConfig())
	ctx := context.Background()

	step(t, m, aligned())
	assert.Equal(t, StateIdle, m.State(), "one confirmation is not enough")

	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	assert.Equal(t, StateAlignedPending, m.State())
	require.NotEmpty(t, m.EpisodeID())

	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	assert.Equal(t, StateSafetyRelease, m.State())
	assert.Len(t, sim.CommandsOf("release"), 1)

	// Still inside the release dwell: no fire.
	clk.Advance(50 * time.Millisecond)
	step(t, m, aligned())
	assert.Equal(t, StateSafetyRelease, m.State())
	assert.Empty(t, sim.CommandsOf("click"))

	clk.Advance(100 * time.Millisecond)
	ev, err := m.Step(ctx, aligned())
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, m.EpisodeID(), ev.EpisodeID)
	assert.Equal(t, StateCooldown, m.State())
	assert.Len(t, sim.CommandsOf("click"), 1)
	assert.Equal(t, int64(1), m.Fired())

	clk.Advance(300 * time.Millisecond)
	step(t, m, aligned())
	assert.Equal(t, StateIdle, m.State())
}

func TestNeverFiresWithoutRelease(t *testing.T) {
	t.Parallel()
	m, sim, clk := newTestMachine(pixelConfig())

	for i := 0; i < 200; i++ {
		_, err := m.Step(context.Background(), aligned())
		require.NoError(t, err)
		clk.Advance(20 * time.Millisecond)
	}
	require.NotEmpty(t, sim.CommandsOf("click"))

	// Every click must have a release earlier in the same session.
	releases := 0
	for _, c := range sim.Commands() {
		switch c.Op {
		case "release":
			releases++
		case "click":
			assert.Greater(t, releases, 0, "click without a preceding release")
		}
	}
}

func TestMisalignedStaysIdle(t *testing.T) {
	t.Parallel()
	m, sim, clk := newTestMachine(pixelConfig())

	for i := 0; i < 50; i++ {
		step(t, m, misaligned())
		clk.Advance(20 * time.Millisecond)
	}
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, sim.Commands())
}

func TestAngleModeIgnoresPixelDistance(t *testing.T) {
	t.Parallel()
	cfg := pixelConfig()
	cfg.Mode = config.AlignmentModeAngle
	m, _, clk := newTestMachine(cfg)

	// Far in pixels, close in angle: only the angle metric counts.
	off := geom.Offset{DistancePx: 4344, AngleDeg: 0.25}
	step(t, m, off)
	clk.Advance(20 * time.Millisecond)
	step(t, m, off)
	assert.Equal(t, StateAlignedPending, m.State())
}

func TestAlignmentLossCollapsesSafetySequence(t *testing.T) {
	t.Parallel()
	m, sim, clk := newTestMachine(pixelConfig())

	step(t, m, aligned())
	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	require.Equal(t, StateSafetyRelease, m.State())

	clk.Advance(200 * time.Millisecond)
	step(t, m, misaligned())
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, sim.CommandsOf("click"), "drifted target must not be fired on")
	assert.Empty(t, m.EpisodeID())
}

func TestCooldownBlocksSecondFire(t *testing.T) {
	t.Parallel()
	m, sim, clk := newTestMachine(pixelConfig())

	var fires []time.Time
	for i := 0; i < 300; i++ {
		ev, err := m.Step(context.Background(), aligned())
		require.NoError(t, err)
		if ev != nil {
			fires = append(fires, ev.At)
		}
		clk.Advance(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, len(fires), 2)
	for i := 1; i < len(fires); i++ {
		assert.GreaterOrEqual(t, fires[i].Sub(fires[i-1]), pixelConfig().FireCooldown)
	}
	assert.Equal(t, int64(len(fires)), m.Fired())
	assert.Len(t, sim.CommandsOf("click"), len(fires))
}

func TestConfirmationsExpire(t *testing.T) {
	t.Parallel()
	m, _, clk := newTestMachine(pixelConfig())

	step(t, m, aligned())
	clk.Advance(600 * time.Millisecond) // past the confirmation window
	step(t, m, aligned())
	assert.Equal(t, StateIdle, m.State(), "stale confirmation must not count")

	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	assert.Equal(t, StateAlignedPending, m.State())
}

func TestReleaseFailureReturnsToIdle(t *testing.T) {
	t.Parallel()
	m, sim, clk := newTestMachine(pixelConfig())
	sim.ReleaseErr = errors.New("device detached")

	step(t, m, aligned())
	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	require.Equal(t, StateAlignedPending, m.State())

	clk.Advance(20 * time.Millisecond)
	_, err := m.Step(context.Background(), aligned())
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, sim.CommandsOf("click"))
}

// hungInput never answers a release; it only returns once its context is
// cut off, the way a serial backend does when firmware stops responding.
type hungInput struct{}

func (hungInput) ReleaseDirectional(ctx context.Context) error {
	<-ctx.Done()
	return actuator.NewError("test", "release", ctx.Err())
}

func TestHungReleaseDoesNotStallStep(t *testing.T) {
	t.Parallel()
	cfg := pixelConfig()
	cfg.ReleaseWindow = 20 * time.Millisecond
	sim := actuator.NewSim()
	m := NewMachine(cfg, sim, hungInput{})
	clk := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m.SetClock(clk)

	step(t, m, aligned())
	clk.Advance(10 * time.Millisecond)
	step(t, m, aligned())
	require.Equal(t, StateAlignedPending, m.State())

	// The release call carries its own deadline even when the caller's
	// context has none.
	start := time.Now()
	_, err := m.Step(context.Background(), aligned())
	elapsed := time.Since(start)

	require.Error(t, err)
	var aerr *actuator.Error
	assert.ErrorAs(t, err, &aerr)
	assert.ErrorIs(t, err, actuator.ErrTimeout)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, sim.CommandsOf("click"))
}

func TestClickFailureReturnsToIdle(t *testing.T) {
	t.Parallel()
	m, sim, clk := newTestMachine(pixelConfig())
	sim.ClickErr = errors.New("switch jammed")

	step(t, m, aligned())
	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	require.Equal(t, StateSafetyRelease, m.State())

	clk.Advance(200 * time.Millisecond)
	ev, err := m.Step(context.Background(), aligned())
	require.Error(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, StateIdle, m.State())
	assert.Zero(t, m.Fired())
}

func TestSuppressBlocksFiring(t *testing.T) {
	t.Parallel()
	m, sim, clk := newTestMachine(pixelConfig())

	m.Suppress(true)
	for i := 0; i < 100; i++ {
		step(t, m, aligned())
		clk.Advance(20 * time.Millisecond)
	}
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, sim.Commands())

	m.Suppress(false)
	step(t, m, aligned())
	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	assert.Equal(t, StateAlignedPending, m.State())
}

func TestTargetLost(t *testing.T) {
	t.Parallel()
	m, _, clk := newTestMachine(pixelConfig())

	step(t, m, aligned())
	clk.Advance(20 * time.Millisecond)
	step(t, m, aligned())
	require.Equal(t, StateAlignedPending, m.State())

	m.TargetLost()
	assert.Equal(t, StateIdle, m.State())

	// Cooldown keeps counting down through target loss.
	for i := 0; i < 200 && m.State() != StateCooldown; i++ {
		_, err := m.Step(context.Background(), aligned())
		require.NoError(t, err)
		clk.Advance(10 * time.Millisecond)
	}
	require.Equal(t, StateCooldown, m.State())
	m.TargetLost()
	assert.Equal(t, StateCooldown, m.State())
}
