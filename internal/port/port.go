// Package port is the concrete Go shape of §6.1's transport contract: byte
// I/O against an armed deadline, reset-strap control, and a best-effort
// debug sink. internal/engine and internal/session only ever see the Port
// interface; internal/slip framing sits on top of Send/Receive, not inside
// this package.
package port

import (
	"context"
	"fmt"
	"time"

	goserial "go.bug.st/serial"

	"romflash/internal/logging"
)

// Port is the transport collaborator the protocol core consumes.
type Port interface {
	// EnterBootloader drives the reset/boot strap sequence (§6.1
	// enter_bootloader).
	EnterBootloader() error
	// ResetTarget performs a plain reset without entering the bootloader
	// (§6.1 reset_target).
	ResetTarget() error
	// Send writes a fully SLIP-framed buffer to the wire.
	Send(frame []byte) error
	// Receive reads a SLIP-framed response under ctx's deadline, returning
	// the decoded (un-escaped, delimiter-stripped) frame payload. Returns
	// context.DeadlineExceeded if ctx expires before a full frame arrives.
	Receive(ctx context.Context) ([]byte, error)
	// SetBaud reopens the port at a new rate after CHANGE_BAUDRATE's
	// response has been received; the core never touches port settings on
	// its own initiative otherwise (§4.3).
	SetBaud(baud int) error
	// DebugPrint is the best-effort log sink (§6.1 debug_print).
	DebugPrint(msg string)
	// Close releases the underlying transport.
	Close() error
}

// transport is the byte-level contract a SerialPort needs from whichever
// backend openPlatformTransport selects: go.bug.st/serial on most
// platforms, or direct termios syscalls on Linux where the tighter
// read-timeout and DTR/RTS control matter for the bootloader strap
// sequence's timing (transport_linux.go / transport_other.go).
type transport interface {
	Write(data []byte) (int, error)
	Read(buf []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
	SetDTR(value bool) error
	SetRTS(value bool) error
	Close() error
}

// defaultReadTimeout is restored after every timed read on the library
// backend; ReadWithTimeout's timeout is only meant to apply to that one call.
const defaultReadTimeout = 100 * time.Millisecond

// libTransport backs transport with go.bug.st/serial.
type libTransport struct {
	conn goserial.Port
}

func openLibTransport(name string, baud int) (transport, error) {
	mode := &goserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
	conn, err := goserial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("port: open %s: %w", name, err)
	}
	if err := conn.SetReadTimeout(defaultReadTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("port: set read timeout: %w", err)
	}
	return &libTransport{conn: conn}, nil
}

func (t *libTransport) Write(data []byte) (int, error) { return t.conn.Write(data) }
func (t *libTransport) Read(buf []byte) (int, error)   { return t.conn.Read(buf) }

func (t *libTransport) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := t.conn.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer t.conn.SetReadTimeout(defaultReadTimeout)
	return t.conn.Read(buf)
}

func (t *libTransport) Flush() error            { return t.conn.ResetInputBuffer() }
func (t *libTransport) SetDTR(value bool) error { return t.conn.SetDTR(value) }
func (t *libTransport) SetRTS(value bool) error { return t.conn.SetRTS(value) }
func (t *libTransport) Close() error            { return t.conn.Close() }

// SerialPort is a Port backed by a transport: go.bug.st/serial on non-Linux,
// raw termios syscalls on Linux for tighter USB-CDC timing.
type SerialPort struct {
	t    transport
	name string
	baud int
	log  logging.Sink
	frr  frameReassembler
}

// frameReassembler is satisfied by *slip.FrameReader; kept as an interface
// here purely to avoid internal/port importing internal/slip's concrete
// type in its exported surface — engine is the only consumer that cares
// about frame shape.
type frameReassembler interface {
	Feed(chunk []byte) ([]byte, bool)
	Reset()
}

// Open opens a serial port at baud and wraps it as a Port. reassembler is
// typically slip.NewFrameReader().
func Open(name string, baud int, reassembler frameReassembler, log logging.Sink) (*SerialPort, error) {
	t, err := openPlatformTransport(name, baud)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Null{}
	}
	return &SerialPort{t: t, name: name, baud: baud, log: log, frr: reassembler}, nil
}

// resetBootloaderSequence drives the classic auto-reset strap used by most
// ESP8266/ESP32 dev boards: DTR/RTS toggles that assert EN (reset) and
// GPIO0 (boot-mode select) through the board's transistor-inverted reset
// circuit, per §6.1's enter_bootloader.
func resetBootloaderSequence(t transport) error {
	steps := []struct {
		rts, dtr bool
		settle   time.Duration
	}{
		{true, false, 100 * time.Millisecond},  // assert EN
		{false, true, 50 * time.Millisecond},   // assert GPIO0, release EN
		{false, false, 50 * time.Millisecond},  // release GPIO0
		{false, false, 0},                      // release all
	}
	for _, s := range steps {
		if err := t.SetRTS(s.rts); err != nil {
			return err
		}
		if err := t.SetDTR(s.dtr); err != nil {
			return err
		}
		if s.settle > 0 {
			time.Sleep(s.settle)
		}
	}
	t.Flush()
	time.Sleep(100 * time.Millisecond)
	return nil
}

// hardResetSequence pulls EN low through RTS then releases it, without
// touching GPIO0 — a plain reset rather than a bootloader entry.
func hardResetSequence(t transport) error {
	if err := t.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return t.SetRTS(false)
}

func (p *SerialPort) EnterBootloader() error {
	return resetBootloaderSequence(p.t)
}

func (p *SerialPort) ResetTarget() error {
	return hardResetSequence(p.t)
}

func (p *SerialPort) Send(frame []byte) error {
	_, err := p.t.Write(frame)
	return err
}

// Receive polls the connection in short slices until the reassembler
// reports a complete frame or ctx's deadline passes. This mirrors §6.1's
// "receive_packet... must return TIMEOUT if the armed deadline expires"
// using context.Context as the idiomatic Go rendering of an armed
// deadline (see SPEC_FULL.md §4.2).
func (p *SerialPort) Receive(ctx context.Context) ([]byte, error) {
	p.frr.Reset()
	chunk := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return nil, context.DeadlineExceeded
		default:
		}

		remaining := 20 * time.Millisecond
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < remaining {
				remaining = left
			}
		}
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}

		n, err := p.t.ReadWithTimeout(chunk, remaining)
		if n > 0 {
			if decoded, ok := p.frr.Feed(chunk[:n]); ok {
				return decoded, nil
			}
		}
		if err != nil && n == 0 {
			continue
		}
	}
}

func (p *SerialPort) SetBaud(baud int) error {
	if err := p.t.Close(); err != nil {
		return fmt.Errorf("port: close before rebaud: %w", err)
	}
	t, err := openPlatformTransport(p.name, baud)
	if err != nil {
		return fmt.Errorf("port: reopen %s at %d baud: %w", p.name, baud, err)
	}
	p.t = t
	p.baud = baud
	return nil
}

func (p *SerialPort) DebugPrint(msg string) {
	p.log.Debugf("%s", msg)
}

func (p *SerialPort) Close() error {
	return p.t.Close()
}

// ListPorts enumerates the serial ports available on this host.
func ListPorts() ([]string, error) {
	return goserial.GetPortsList()
}
