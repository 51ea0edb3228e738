package actuator

import (
	"context"
	"math/rand"
	"sync"
)

// SimCommand records one command received by the simulator.
type SimCommand struct {
	Op string // "move", "click", "release"
	DX float64
	DY float64
}

// Sim is an in-process backend that models imperfect hardware: it applies
// a configurable gain to requested deltas and optional noise, and records
// every command it receives. It backs dry runs of the daemon and doubles
// as the test backend for the movement controller and trigger.
type Sim struct {
	mu sync.Mutex

	// Gain scales requested movement to applied movement; 1.0 is a perfect
	// actuator, 0.8 models a backend that undershoots by 20%.
	Gain float64
	// Noise, when non-zero, adds ±Noise pixels of uniform noise per axis.
	Noise float64
	// Rand drives noise; nil leaves movement deterministic.
	Rand *rand.Rand

	// MoveErr / ClickErr / ReleaseErr, when set, are returned by the
	// corresponding command. Used to inject failures in tests.
	MoveErr    error
	ClickErr   error
	ReleaseErr error

	commands []SimCommand
	posX     float64
	posY     float64
}

// NewSim returns a simulator with a perfect response.
func NewSim() *Sim {
	return &Sim{Gain: 1.0}
}

func (s *Sim) Name() string { return "sim" }

// Move applies gain and noise to the requested delta and records it.
func (s *Sim) Move(ctx context.Context, dx, dy float64) (Delta, error) {
	if err := ctx.Err(); err != nil {
		return Delta{}, NewError("sim", "move", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MoveErr != nil {
		return Delta{}, NewError("sim", "move", s.MoveErr)
	}

	applied := Delta{DX: dx * s.Gain, DY: dy * s.Gain}
	if s.Noise > 0 && s.Rand != nil {
		applied.DX += (s.Rand.Float64()*2 - 1) * s.Noise
		applied.DY += (s.Rand.Float64()*2 - 1) * s.Noise
	}
	s.posX += applied.DX
	s.posY += applied.DY
	s.commands = append(s.commands, SimCommand{Op: "move", DX: dx, DY: dy})
	return applied, nil
}

// Click records the fire action.
func (s *Sim) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewError("sim", "click", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClickErr != nil {
		return NewError("sim", "click", s.ClickErr)
	}
	s.commands = append(s.commands, SimCommand{Op: "click"})
	return nil
}

// ReleaseDirectional satisfies InputState.
func (s *Sim) ReleaseDirectional(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewError("sim", "release", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReleaseErr != nil {
		return NewError("sim", "release", s.ReleaseErr)
	}
	s.commands = append(s.commands, SimCommand{Op: "release"})
	return nil
}

// Commands returns a copy of everything the simulator has received.
func (s *Sim) Commands() []SimCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimCommand, len(s.commands))
	copy(out, s.commands)
	return out
}

// CommandsOf returns only the commands matching op, in order.
func (s *Sim) CommandsOf(op string) []SimCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SimCommand
	for _, c := range s.commands {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Position returns the simulator's accumulated cursor position.
func (s *Sim) Position() (x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posX, s.posY
}

// Reset clears recorded commands and position.
func (s *Sim) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
	s.posX, s.posY = 0, 0
}
