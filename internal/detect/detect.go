// Package detect scans serial ports for a target running the ROM
// bootloader, using internal/port and internal/session instead of
// talking SLIP/sync by hand — it is a thin convenience layer over the
// same Connect path cmd/romflash uses for a named port.
package detect

import (
	"context"
	"fmt"
	"time"

	"romflash/internal/chiptab"
	"romflash/internal/logging"
	"romflash/internal/port"
	"romflash/internal/session"
	"romflash/internal/slip"
)

// Result describes a target found on a port.
type Result struct {
	Port     string
	Target   chiptab.Target
	ChipName string
}

const probeTimeout = 2 * time.Second

// Scan tries every serial port reported by internal/port.ListPorts and
// returns every one that completes Connect within probeTimeout.
func Scan(baud int, log logging.Sink) ([]Result, error) {
	names, err := port.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("detect: list ports: %w", err)
	}

	var results []Result
	for _, name := range names {
		if r, ok := tryPort(name, baud, log); ok {
			results = append(results, r)
		}
	}
	return results, nil
}

// Probe attempts to connect on exactly one named port, returning an error
// if nothing answers the sync handshake.
func Probe(name string, baud int, log logging.Sink) (Result, error) {
	if r, ok := tryPort(name, baud, log); ok {
		return r, nil
	}
	return Result{}, fmt.Errorf("detect: no target responded on %s", name)
}

func tryPort(name string, baud int, log logging.Sink) (Result, bool) {
	p, err := port.Open(name, baud, slip.NewFrameReader(), log)
	if err != nil {
		return Result{}, false
	}

	s := session.New(p, log)
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err = s.Connect(ctx, 3)
	if err != nil {
		s.Close()
		return Result{}, false
	}

	target := s.Target()
	s.Close()
	return Result{Port: name, Target: target, ChipName: target.String()}, true
}
