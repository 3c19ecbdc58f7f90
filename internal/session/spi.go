package session

import (
	"context"
	"encoding/binary"
	"fmt"

	"romflash/internal/chiptab"
	"romflash/internal/engine"
	"romflash/internal/protocol"
)

// SPI1 controller bit masks (§4.4). Opcodes below SPI1 share a layout
// across targets; only the register addresses differ (chiptab.RegisterTable).
const (
	usrCmdBit  = 1 << 31
	usrMisoBit = 1 << 28
	usrMosiBit = 1 << 27
	cmdUsrBit  = 1 << 18

	spiPollIterations = 10
)

// jedecReadIDOpcode is the standard SPI-flash RDID command: 24 bits back
// (manufacturer, memory type, capacity exponent), no data out.
const jedecReadIDOpcode = 0x9F

// maxSPITxBytes is §4.4's tx_size precondition: at most 64 bytes (512
// bits) of TX data, split across W0..W15.
const maxSPITxBytes = 64

// spiCommand drives the target's SPI1 controller through register writes
// to issue one indirect SPI transaction: opcode into USR2, up to 64 bytes
// of tx data split across W0, W0+4, …, W0+60, up to 32 bits of rx read
// back from W0. USR and USR2 are saved and restored around the
// transaction so it doesn't disturb whatever state the flash driver
// otherwise depends on.
//
// rxBits must be at most 32 and len(txData) at most maxSPITxBytes — the
// preconditions of §4.4 — enforced as panics since a violation is a
// programming error in this package, not a caller-reachable condition.
func (s *Session) spiCommand(ctx context.Context, opcode byte, txData []byte, rxBits int) (uint32, error) {
	if rxBits > 32 {
		panic("session: spiCommand rxBits > 32")
	}
	if len(txData) > maxSPITxBytes {
		panic("session: spiCommand txData > 64 bytes")
	}
	txBits := len(txData) * 8

	savedUSR, err := s.readRegRaw(ctx, s.regs.USR)
	if err != nil {
		return 0, fmt.Errorf("session: spi save USR: %w", err)
	}
	savedUSR2, err := s.readRegRaw(ctx, s.regs.USR2)
	if err != nil {
		return 0, fmt.Errorf("session: spi save USR2: %w", err)
	}

	if s.target == chiptab.ESP8266 {
		var mask uint32
		if misoLen := rxBits; misoLen > 0 {
			mask |= uint32(misoLen-1) << 8
		}
		if mosiLen := txBits; mosiLen > 0 {
			mask |= uint32(mosiLen-1) << 17
		}
		if err := s.writeRegRaw(ctx, s.regs.USR1, mask, 0xFFFFFFFF, 0); err != nil {
			return 0, fmt.Errorf("session: spi USR1: %w", err)
		}
	} else {
		if txBits > 0 {
			if err := s.writeRegRaw(ctx, s.regs.MOSIDLen, uint32(txBits-1), 0xFFFFFFFF, 0); err != nil {
				return 0, fmt.Errorf("session: spi MOSI_DLEN: %w", err)
			}
		}
		if rxBits > 0 {
			if err := s.writeRegRaw(ctx, s.regs.MISODLen, uint32(rxBits-1), 0xFFFFFFFF, 0); err != nil {
				return 0, fmt.Errorf("session: spi MISO_DLEN: %w", err)
			}
		}
	}

	usr := uint32(usrCmdBit)
	if rxBits > 0 {
		usr |= usrMisoBit
	}
	if txBits > 0 {
		usr |= usrMosiBit
	}
	if err := s.writeRegRaw(ctx, s.regs.USR, usr, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("session: spi USR: %w", err)
	}

	usr2 := uint32(7<<28) | uint32(opcode)
	if err := s.writeRegRaw(ctx, s.regs.USR2, usr2, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("session: spi USR2: %w", err)
	}

	if len(txData) == 0 {
		if err := s.writeRegRaw(ctx, s.regs.W0, 0, 0xFFFFFFFF, 0); err != nil {
			return 0, fmt.Errorf("session: spi clear W0: %w", err)
		}
	} else {
		buf := make([]byte, ((len(txData)+3)/4)*4)
		copy(buf, txData)
		words := len(buf) / 4
		for i := 0; i < words; i++ {
			word := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
			if err := s.writeRegRaw(ctx, s.regs.W0+uint32(i*4), word, 0xFFFFFFFF, 0); err != nil {
				return 0, fmt.Errorf("session: spi W0+%d: %w", i*4, err)
			}
		}
	}

	if err := s.writeRegRaw(ctx, s.regs.CMD, cmdUsrBit, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("session: spi CMD: %w", err)
	}

	cleared := false
	for i := 0; i < spiPollIterations; i++ {
		v, err := s.readRegRaw(ctx, s.regs.CMD)
		if err != nil {
			return 0, fmt.Errorf("session: spi poll CMD: %w", err)
		}
		if v&cmdUsrBit == 0 {
			cleared = true
			break
		}
	}
	if !cleared {
		return 0, protocol.NewError(protocol.CodeTimeout, "indirect SPI command 0x%02X did not complete", opcode)
	}

	rx, err := s.readRegRaw(ctx, s.regs.W0)
	if err != nil {
		return 0, fmt.Errorf("session: spi read W0: %w", err)
	}

	if err := s.writeRegRaw(ctx, s.regs.USR, savedUSR, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("session: spi restore USR: %w", err)
	}
	if err := s.writeRegRaw(ctx, s.regs.USR2, savedUSR2, 0xFFFFFFFF, 0); err != nil {
		return 0, fmt.Errorf("session: spi restore USR2: %w", err)
	}

	return rx, nil
}

func (s *Session) writeRegRaw(ctx context.Context, addr, value, mask, delayUS uint32) error {
	req := protocol.NewRequest(protocol.CmdWriteReg, protocol.WriteRegData(addr, value, mask, delayUS))
	_, err := s.eng.Exchange(ctx, req)
	return err
}

// capacityByteMin/Max bound the plausible JEDEC capacity exponent (§4.3):
// 0x12 is 256 KiB, 0x18 is 16 MiB, the range real SPI flash parts on these
// boards report.
const (
	capacityByteMin = 0x12
	capacityByteMax = 0x18
)

// ProbeFlashSize issues the SPI-flash JEDEC RDID command indirectly
// through the target's SPI1 controller and decodes the reply's capacity
// byte as size = 1 << capacity (the standard JEDEC convention). It does
// not call SetFlashSize itself — callers decide whether to trust the
// probe or a board profile override.
func (s *Session) ProbeFlashSize(ctx context.Context) (uint32, error) {
	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()

	rx, err := s.spiCommand(ctx, jedecReadIDOpcode, nil, 24)
	if err != nil {
		return 0, fmt.Errorf("session: probe flash size: %w", err)
	}

	capacity := byte(rx >> 16)
	if capacity < capacityByteMin || capacity > capacityByteMax {
		return 0, protocol.NewError(protocol.CodeUnsupportedChip, "implausible JEDEC capacity byte 0x%02X", capacity)
	}
	return 1 << capacity, nil
}

// defaultFlashSize is the fallback used when the JEDEC probe fails: 4 MiB
// covers the overwhelming majority of ESP8266/ESP32 boards in the field.
const defaultFlashSize = 4 * 1024 * 1024

// ProbeAndSetFlashSize runs ProbeFlashSize and adopts the result via
// SetFlashSize. If the probe fails, the session continues with
// defaultFlashSize and logs a debug message (§4.3: "if probing fails, the
// session continues with a default flash size and logs a debug message").
func (s *Session) ProbeAndSetFlashSize(ctx context.Context) {
	size, err := s.ProbeFlashSize(ctx)
	if err != nil {
		s.log.Debugf("flash size probe failed, using default %d bytes: %v", defaultFlashSize, err)
		s.SetFlashSize(defaultFlashSize)
		return
	}
	s.SetFlashSize(size)
}
