// Package session is the session manager of §4.3: the owned Session
// handle that drives the sync handshake, chip detection, the flash-size
// probe, streaming writes (raw and compressed) to flash or RAM, digest
// verification, register access, and baud-rate change. Session carries no
// package-level state (see SPEC_FULL.md §3/§9) — every call takes the
// receiver explicitly, so multiple targets can be driven from separate
// Session values.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"romflash/internal/chiptab"
	"romflash/internal/engine"
	"romflash/internal/logging"
	"romflash/internal/port"
	"romflash/internal/protocol"
)

// Session is the single owned handle described in §3/§9's "process-wide
// state should become an explicit handle" design note.
type Session struct {
	port port.Port
	eng  *engine.Engine
	log  logging.Sink

	target chiptab.Target
	regs   chiptab.RegisterTable
	caps   chiptab.Capabilities
	state  state

	flashSize      uint32 // 0 until probed or set
	spiPinOverride *uint32
	flashWriteSize uint32 // 0 when no streaming operation is open
	sequenceNumber uint32
	digest         streamDigest
	flashCursor    flashCursor
}

// New returns an IDLE Session bound to p. log may be nil, in which case
// debug output goes to logging.Null{}.
func New(p port.Port, log logging.Sink) *Session {
	if log == nil {
		log = logging.Null{}
	}
	return &Session{
		port:  p,
		eng:   engine.New(p, log),
		log:   log,
		state: stateIdle,
	}
}

// Target reports the chip identity detected by Connect, or chiptab.Unknown
// before Connect succeeds.
func (s *Session) Target() chiptab.Target { return s.target }

// FlashSize reports the probed (or explicitly set) flash size in bytes, 0
// if neither has happened yet.
func (s *Session) FlashSize() uint32 { return s.flashSize }

// SetFlashSize overrides the probed flash size (supplemented in
// SPEC_FULL.md §4.3): a caller that already knows the part from a board
// profile (internal/boardcfg) can skip trusting the JEDEC decode.
func (s *Session) SetFlashSize(size uint32) { s.flashSize = size }

// SetSPIPinConfig overrides the SPI_ATTACH pin-mux word Connect would
// otherwise derive from chiptab.Caps(target) (supplemented, §4.5): for a
// board whose strapping differs from the reference layout (internal/
// boardcfg's Board.SPIPinConfig), a caller sets this before Connect. Must
// be called before Connect — SPI_ATTACH is sent during Connect, not lazily.
func (s *Session) SetSPIPinConfig(cfg uint32) {
	s.spiPinOverride = &cfg
}

// Connect drives the reset/boot strap sequence, then repeatedly arms the
// sync deadline and sends SYNC, retrying up to trials times with a 100ms
// backoff between attempts. On success it runs chip detection and the
// ESP8266-quirk-or-SPI_ATTACH branch of §4.3.
func (s *Session) Connect(ctx context.Context, trials int) error {
	if err := s.port.EnterBootloader(); err != nil {
		return fmt.Errorf("session: enter bootloader: %w", err)
	}

	var lastErr error
	synced := false
	for attempt := 0; attempt < trials; attempt++ {
		syncCtx, cancel := engine.ArmDeadline(ctx, SyncTimeout)
		req := protocol.NewRequest(protocol.CmdSync, protocol.SyncData())
		_, err := s.eng.ExchangeSync(syncCtx, req)
		cancel()
		if err == nil {
			synced = true
			break
		}
		var pErr *protocol.Error
		if !errors.As(err, &pErr) || pErr.Code != protocol.CodeTimeout {
			return fmt.Errorf("session: sync: %w", err)
		}
		lastErr = err
		if err := s.sleep(ctx, SyncRetryBackoff); err != nil {
			return err
		}
	}
	if !synced {
		return fmt.Errorf("session: sync failed after %d attempts: %w", trials, lastErr)
	}

	target, regs, err := s.detectChip(ctx)
	if err != nil {
		return err
	}
	s.target = target
	s.regs = regs
	s.caps = chiptab.Caps(target)
	if s.caps.StatusTailLen == 4 {
		s.eng.StatusTailLen = 4
	} else {
		s.eng.StatusTailLen = 2
	}

	if target == chiptab.ESP8266 {
		// Silences an ESP8266-only quirk in the ROM loader.
		beginCtx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
		req := protocol.NewRequest(protocol.CmdFlashBegin, protocol.FlashBeginData(0, 0, 0, 0, nil))
		_, err := s.eng.Exchange(beginCtx, req)
		cancel()
		if err != nil {
			return fmt.Errorf("session: esp8266 flash_begin quirk: %w", err)
		}
	} else {
		pinConfig := s.caps.SpiPinConfig
		if s.spiPinOverride != nil {
			pinConfig = *s.spiPinOverride
		}
		attachCtx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
		req := protocol.NewRequest(protocol.CmdSpiAttach, protocol.SpiAttachConfigData(pinConfig))
		_, err := s.eng.Exchange(attachCtx, req)
		cancel()
		if err != nil {
			return fmt.Errorf("session: spi_attach: %w", err)
		}
	}

	s.state = stateConnected
	return nil
}

// detectChip reads the chip-magic register and matches it against
// chiptab's table (§6.2's detect_chip collaborator, made concrete).
func (s *Session) detectChip(ctx context.Context) (chiptab.Target, chiptab.RegisterTable, error) {
	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()
	value, err := s.readRegRaw(ctx, chiptab.ChipDetectMagicRegAddr)
	if err != nil {
		return chiptab.Unknown, chiptab.RegisterTable{}, fmt.Errorf("session: chip detect: %w", err)
	}
	target := chiptab.DetectByMagic(value)
	if target == chiptab.Unknown {
		return chiptab.Unknown, chiptab.RegisterTable{}, protocol.NewError(protocol.CodeUnsupportedChip, "unrecognized chip magic 0x%08x", value)
	}
	regs, err := chiptab.Registers(target)
	if err != nil {
		return chiptab.Unknown, chiptab.RegisterTable{}, protocol.WrapError(protocol.CodeUnsupportedChip, err)
	}
	return target, regs, nil
}

// ReadReg issues READ_REG and returns the register's value.
func (s *Session) ReadReg(ctx context.Context, addr uint32) (uint32, error) {
	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()
	return s.readRegRaw(ctx, addr)
}

func (s *Session) readRegRaw(ctx context.Context, addr uint32) (uint32, error) {
	req := protocol.NewRequest(protocol.CmdReadReg, protocol.ReadRegData(addr))
	resp, err := s.eng.Exchange(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// WriteReg issues WRITE_REG: value is written through mask, with a
// delayUS settle time the device applies after the write.
func (s *Session) WriteReg(ctx context.Context, addr, value, mask, delayUS uint32) error {
	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()
	req := protocol.NewRequest(protocol.CmdWriteReg, protocol.WriteRegData(addr, value, mask, delayUS))
	_, err := s.eng.Exchange(ctx, req)
	return err
}

// ChangeBaudRate sends CHANGE_BAUDRATE. ESP8266 doesn't implement it and
// this returns UNSUPPORTED_FUNC without touching the wire. On success the
// caller — not the core — is responsible for reconfiguring the port's
// local baud rate to match (§4.3); Session.Reopen does that once the
// caller decides to commit to the new rate.
func (s *Session) ChangeBaudRate(ctx context.Context, newBaud uint32) error {
	if s.target == chiptab.ESP8266 {
		return protocol.NewError(protocol.CodeUnsupportedFunc, "CHANGE_BAUDRATE unsupported on ESP8266")
	}
	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()
	req := protocol.NewRequest(protocol.CmdChangeBaud, protocol.ChangeBaudData(newBaud))
	_, err := s.eng.Exchange(ctx, req)
	return err
}

// Reopen reconfigures the underlying port to baud, for use immediately
// after a successful ChangeBaudRate.
func (s *Session) Reopen(baud int) error {
	return s.port.SetBaud(baud)
}

// SecurityInfo issues GET_SECURITY_INFO (supplemented, §4.3): a read-only
// query some ROM revisions implement as an alternative chip-ID mechanism.
// It never substitutes for Connect's magic-register detection.
func (s *Session) SecurityInfo(ctx context.Context) (*protocol.SecurityInfo, error) {
	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()
	req := protocol.NewRequest(protocol.CmdGetSecurityInfo, nil)
	resp, err := s.eng.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	return protocol.ParseSecurityInfo(resp.Data)
}

// ResetTarget forces the session back to IDLE and resets the physical
// target, per §4.5's "reset_target forces IDLE".
func (s *Session) ResetTarget() error {
	s.state = stateIdle
	s.flashWriteSize = 0
	return s.port.ResetTarget()
}

// Close releases the underlying port.
func (s *Session) Close() error {
	return s.port.Close()
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
