package actuator

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/gimbalworks/aimloop/internal/monitoring"
)

// SerialGateway talks to a microcontroller-based movement channel over a
// serial line. The wire format is a one-line-per-command text protocol:
//
//	-> M <dx> <dy>     relative move request
//	<- A <dx> <dy>     applied delta (movement feedback)
//	-> C               click
//	-> R               release all directional inputs
//	<- K               acknowledged
//	<- E <reason>      command failed
//
// Firmware that cannot measure its own movement echoes the requested delta
// in the A response.
type SerialGateway struct {
	mu     sync.Mutex
	port   serial.Port
	reader *bufio.Reader
	name   string
}

// OpenSerial opens the named serial port at the conventional parameters
// for the movement firmware.
func OpenSerial(portName string) (*SerialGateway, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return &SerialGateway{
		port:   port,
		reader: bufio.NewReader(port),
		name:   "serial:" + portName,
	}, nil
}

func (g *SerialGateway) Name() string { return g.name }

// Close closes the underlying port.
func (g *SerialGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.port.Close()
}

// roundTrip writes one command line and reads one response line while
// holding the lock, so concurrent callers cannot interleave request and
// response pairs. The context deadline bounds the read.
func (g *SerialGateway) roundTrip(ctx context.Context, op, line string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := g.port.SetReadTimeout(time.Until(deadline)); err != nil {
			return "", NewError(g.name, op, err)
		}
	}

	if _, err := g.port.Write([]byte(line + "\n")); err != nil {
		return "", NewError(g.name, op, err)
	}

	resp, err := g.reader.ReadString('\n')
	if err != nil {
		return "", NewError(g.name, op, err)
	}
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return "", NewError(g.name, op, ErrTimeout)
	}
	if strings.HasPrefix(resp, "E") {
		return "", NewError(g.name, op, fmt.Errorf("firmware error: %s", strings.TrimSpace(strings.TrimPrefix(resp, "E"))))
	}
	return resp, nil
}

// Move sends a relative move and parses the applied-delta response.
func (g *SerialGateway) Move(ctx context.Context, dx, dy float64) (Delta, error) {
	resp, err := g.roundTrip(ctx, "move", fmt.Sprintf("M %.2f %.2f", dx, dy))
	if err != nil {
		return Delta{}, err
	}

	var applied Delta
	if _, err := fmt.Sscanf(resp, "A %f %f", &applied.DX, &applied.DY); err != nil {
		// Older firmware acknowledges moves with a bare K and no feedback;
		// report the requested delta as applied in that case.
		if resp == "K" {
			return Delta{DX: dx, DY: dy}, nil
		}
		monitoring.Logf("actuator: %s unparseable move response %q", g.name, resp)
		return Delta{}, NewError(g.name, "move", fmt.Errorf("unexpected response %q", resp))
	}
	return applied, nil
}

// Click sends the fire command.
func (g *SerialGateway) Click(ctx context.Context) error {
	_, err := g.roundTrip(ctx, "click", "C")
	return err
}

// ReleaseDirectional asks the firmware to release every held directional
// input. Satisfies InputState.
func (g *SerialGateway) ReleaseDirectional(ctx context.Context) error {
	_, err := g.roundTrip(ctx, "release", "R")
	return err
}
