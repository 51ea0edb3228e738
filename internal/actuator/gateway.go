// Package actuator is the single choke-point through which movement and
// click commands leave the control loop. The loop consumes the Gateway and
// InputState interfaces only; concrete backends (serial, simulator, no-op)
// are selected at construction time and may be stacked into a fallback
// chain, so the controller never branches on which backend is active.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gimbalworks/aimloop/internal/monitoring"
)

// Delta is an applied relative movement reported by a backend.
type Delta struct {
	DX float64
	DY float64
}

// Gateway dispatches relative movement and click commands to pointing
// hardware. Implementations must honour context deadlines; a command that
// cannot complete in time fails with ErrTimeout rather than blocking the
// control loop.
type Gateway interface {
	// Name identifies the backend for diagnostics.
	Name() string
	// Move requests a relative movement and returns the delta the hardware
	// actually applied. Backends without movement feedback report the
	// requested delta as applied.
	Move(ctx context.Context, dx, dy float64) (Delta, error)
	// Click performs the discrete fire action.
	Click(ctx context.Context) error
}

// InputState releases any held directional inputs so a fire action is not
// compounded with in-flight movement assertions. It is a separate
// capability because not every movement backend also owns key state.
type InputState interface {
	ReleaseDirectional(ctx context.Context) error
}

// ErrTimeout marks a command that exceeded its deadline. Timeouts are
// transient: the plan for the current frame is aborted and the next frame
// retries from a fresh offset.
var ErrTimeout = errors.New("actuator deadline exceeded")

// Error wraps a backend failure with enough context to log it usefully.
// Every Error is transient from the loop's perspective.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("actuator %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as an actuator Error, mapping context deadline
// expiry onto ErrTimeout.
func NewError(backend, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return &Error{Backend: backend, Op: op, Err: err}
}

// WithTimeout wraps a Gateway so every command carries an explicit
// deadline. A zero timeout disables the wrapper's deadline.
func WithTimeout(g Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		return g
	}
	return &timeoutGateway{inner: g, timeout: timeout}
}

type timeoutGateway struct {
	inner   Gateway
	timeout time.Duration
}

func (t *timeoutGateway) Name() string { return t.inner.Name() }

func (t *timeoutGateway) Move(ctx context.Context, dx, dy float64) (Delta, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Move(ctx, dx, dy)
}

func (t *timeoutGateway) Click(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Click(ctx)
}

// ReleaseWithTimeout wraps an InputState so the directional release
// carries an explicit deadline, like every other actuator command.
// A zero timeout disables the wrapper's deadline.
func ReleaseWithTimeout(in InputState, timeout time.Duration) InputState {
	if timeout <= 0 {
		return in
	}
	return &timeoutInput{inner: in, timeout: timeout}
}

type timeoutInput struct {
	inner   InputState
	timeout time.Duration
}

func (t *timeoutInput) ReleaseDirectional(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.ReleaseDirectional(ctx)
}

// Chain tries an ordered list of backends in sequence, falling through to
// the next on failure. Retry and fallback live here so call sites see a
// single Move/Click contract.
type Chain struct {
	gateways  []Gateway
	fallbacks *monitoring.Counter
}

// NewChain builds a fallback chain. The terminal element is typically
// Noop{} so the loop degrades to doing nothing rather than erroring every
// frame when all hardware is gone.
func NewChain(gateways ...Gateway) *Chain {
	return &Chain{
		gateways:  gateways,
		fallbacks: monitoring.GetCounter("actuator.fallbacks"),
	}
}

func (c *Chain) Name() string { return "chain" }

// Move dispatches through the chain, returning the first success. On total
// failure the last backend's error is returned.
func (c *Chain) Move(ctx context.Context, dx, dy float64) (Delta, error) {
	var lastErr error
	for i, g := range c.gateways {
		applied, err := g.Move(ctx, dx, dy)
		if err == nil {
			return applied, nil
		}
		lastErr = err
		if i < len(c.gateways)-1 {
			c.fallbacks.Inc()
			monitoring.Logf("actuator: %s move failed, falling back to %s: %v", g.Name(), c.gateways[i+1].Name(), err)
		}
	}
	if lastErr == nil {
		lastErr = NewError("chain", "move", errors.New("no backends configured"))
	}
	return Delta{}, lastErr
}

// Click dispatches through the chain like Move.
func (c *Chain) Click(ctx context.Context) error {
	var lastErr error
	for i, g := range c.gateways {
		err := g.Click(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if i < len(c.gateways)-1 {
			c.fallbacks.Inc()
			monitoring.Logf("actuator: %s click failed, falling back to %s: %v", g.Name(), c.gateways[i+1].Name(), err)
		}
	}
	if lastErr == nil {
		lastErr = NewError("chain", "click", errors.New("no backends configured"))
	}
	return lastErr
}

// Noop is the terminal fallback backend: it accepts every command and does
// nothing. It provides no movement feedback, so Move reports the requested
// delta as applied.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Move(_ context.Context, dx, dy float64) (Delta, error) {
	return Delta{DX: dx, DY: dy}, nil
}

func (Noop) Click(context.Context) error { return nil }

// ReleaseDirectional satisfies InputState.
func (Noop) ReleaseDirectional(context.Context) error { return nil }
