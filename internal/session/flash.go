package session

import (
	"context"
	"encoding/binary"
	"fmt"

	"romflash/internal/engine"
	"romflash/internal/protocol"
)

// flashCursor tracks the moving parts of an open streaming flash write:
// where the image started, compression mode, and total size for the
// final erase-size bookkeeping that FLASH_BEGIN already locked in.
type flashCursor struct {
	compressed bool
	imageSize  uint32 // uncompressed, for raw-path padding and MD5 range
	offset     uint32
}

// StartFlashWrite begins a raw streaming write of an image of imageSize
// bytes at offset, per §4.3's flash_start: computes the block-aligned
// erase size, issues SPI_SET_PARAMS + FLASH_BEGIN with a deadline scaled
// to the erase region, resets the sequence number, and records
// flash_write_size = protocol.FlashBlockSize.
func (s *Session) StartFlashWrite(ctx context.Context, offset, imageSize uint32) error {
	return s.startFlash(ctx, offset, imageSize, imageSize, false)
}

// StartFlashDeflWrite begins a compressed streaming write: compressedSize
// is the size on the wire (what blocksToWrite is computed from),
// imageSize is the uncompressed size the erase region and FLASH_DEFL_BEGIN
// payload are sized from.
func (s *Session) StartFlashDeflWrite(ctx context.Context, offset, compressedSize, imageSize uint32) error {
	return s.startFlash(ctx, offset, compressedSize, imageSize, true)
}

func (s *Session) startFlash(ctx context.Context, offset, payloadSizeOnWire, imageSize uint32, compressed bool) error {
	if s.state != stateConnected {
		return fmt.Errorf("session: flash_start called from state %s, want CONNECTED", s.state)
	}

	blockSize := uint32(protocol.FlashBlockSize)
	blocksToWrite := (payloadSizeOnWire + blockSize - 1) / blockSize
	// §4.3/§8 invariant 7: erase_size = block_size * ceil(image_size /
	// block_size) — the erase region tracks block_size, not flash's 4KiB
	// sector granularity (that rounding lives in protocol.CalculateEraseSize
	// for callers that need the physical-sector view instead).
	blocksOfImage := (imageSize + blockSize - 1) / blockSize
	eraseSize := blocksOfImage * blockSize

	if s.flashSize != 0 && uint64(offset)+uint64(imageSize) > uint64(s.flashSize) {
		return protocol.NewError(protocol.CodeImageSize, "offset 0x%X + image_size %d exceeds flash_size %d", offset, imageSize, s.flashSize)
	}

	setupCtx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	req := protocol.NewRequest(protocol.CmdSpiSetParams, protocol.SpiSetParamsData(s.flashSize))
	_, err := s.eng.Exchange(setupCtx, req)
	cancel()
	if err != nil {
		return fmt.Errorf("session: spi_set_params: %w", err)
	}

	beginDeadline := maxDuration(DefaultFlashTimeout, timeoutForBytes(EraseTimeoutPerMB, int(eraseSize)))
	beginCtx, cancel := engine.ArmDeadline(ctx, beginDeadline)
	defer cancel()

	var encrypted *uint32
	if s.caps.HasEncryptedField {
		zero := uint32(0)
		encrypted = &zero
	}

	var cmd byte
	var beginData []byte
	if compressed {
		cmd = protocol.CmdFlashDeflBegin
		beginData = protocol.FlashDeflBeginData(imageSize, blocksToWrite, blockSize, offset, encrypted)
	} else {
		cmd = protocol.CmdFlashBegin
		beginData = protocol.FlashBeginData(eraseSize, blocksToWrite, blockSize, offset, encrypted)
	}

	req = protocol.NewRequest(cmd, beginData)
	if _, err := s.eng.Exchange(beginCtx, req); err != nil {
		return fmt.Errorf("session: flash_begin: %w", err)
	}

	s.sequenceNumber = 0
	s.flashWriteSize = blockSize
	s.digest = newStreamDigest()
	s.state = stateFlashStreaming
	s.flashCursor = flashCursor{compressed: compressed, imageSize: imageSize, offset: offset}
	return nil
}

// WriteFlashBlock writes one block of a raw streaming write. data must be
// at most flash_write_size bytes; the tail is padded to flash_write_size
// with 0xFF before it goes on the wire, per §8 invariant 4, while the
// sub-header's data_size field carries len(data). The running MD5
// accumulator is fed len(data) rounded up to the next 4-byte boundary of
// the padded block (caller bytes, then at most 3 bytes of 0xFF), per the
// DESIGN.md note on the small-payload MD5 open question.
func (s *Session) WriteFlashBlock(ctx context.Context, data []byte) error {
	if s.state != stateFlashStreaming || s.flashCursor.compressed {
		return fmt.Errorf("session: flash_write called from state %s (compressed=%v), want raw FLASH_STREAMING", s.state, s.flashCursor.compressed)
	}
	if uint32(len(data)) > s.flashWriteSize {
		return fmt.Errorf("session: flash_write block of %d bytes exceeds flash_write_size %d", len(data), s.flashWriteSize)
	}

	padded := make([]byte, s.flashWriteSize)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = 0xFF
	}
	s.digest.write(padded[:(len(data)+3)&^3])

	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()

	req := protocol.NewDataRequest(protocol.CmdFlashData, s.sequenceNumber, padded)
	// data_size reports the caller's byte count; the checksum and the wire
	// block still cover the full padded block.
	binary.LittleEndian.PutUint32(req.Data[0:4], uint32(len(data)))
	if _, err := s.eng.ExchangeWithData(ctx, req, padded); err != nil {
		return fmt.Errorf("session: flash_data seq=%d: %w", s.sequenceNumber, err)
	}
	s.sequenceNumber++
	return nil
}

// WriteFlashDeflBlock writes one block of a compressed streaming write.
// Unlike the raw path, compressed blocks are never padded on the wire
// (§4.3); the MD5 accumulator instead sees the block rounded up to the
// next 4-byte boundary with zero bytes, mirroring the source behavior of
// hashing size rounded to (size+3)&^3 without extending the actual wire
// payload.
func (s *Session) WriteFlashDeflBlock(ctx context.Context, compressedBlock []byte) error {
	if s.state != stateFlashStreaming || !s.flashCursor.compressed {
		return fmt.Errorf("session: flash_defl_write called from state %s (compressed=%v), want compressed FLASH_STREAMING", s.state, s.flashCursor.compressed)
	}

	rounded := (len(compressedBlock) + 3) &^ 3
	digestInput := make([]byte, rounded)
	copy(digestInput, compressedBlock)
	s.digest.write(digestInput)

	deadline := maxDuration(DefaultTimeout, DefaultTimeout*DeflTimeoutFactor)
	ctx, cancel := engine.ArmDeadline(ctx, deadline)
	defer cancel()

	req := protocol.NewDataRequest(protocol.CmdFlashDeflData, s.sequenceNumber, compressedBlock)
	if _, err := s.eng.ExchangeWithData(ctx, req, compressedBlock); err != nil {
		return fmt.Errorf("session: flash_defl_data seq=%d: %w", s.sequenceNumber, err)
	}
	s.sequenceNumber++
	return nil
}

// FinishFlashWrite sends FLASH_END (or FLASH_DEFL_END on the compressed
// path) and returns the session to CONNECTED. reboot==true lets the ROM
// reboot into the just-flashed image; reboot==false keeps the bootloader
// resident for further operations.
func (s *Session) FinishFlashWrite(ctx context.Context, reboot bool) error {
	if s.state != stateFlashStreaming {
		return fmt.Errorf("session: flash_finish called from state %s, want FLASH_STREAMING", s.state)
	}

	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()

	cmd := protocol.CmdFlashEnd
	data := protocol.FlashEndData(reboot)
	if s.flashCursor.compressed {
		cmd = protocol.CmdFlashDeflEnd
		data = protocol.FlashDeflEndData(reboot)
	}

	req := protocol.NewRequest(cmd, data)
	if _, err := s.eng.Exchange(ctx, req); err != nil {
		return fmt.Errorf("session: flash_end: %w", err)
	}

	s.flashWriteSize = 0
	s.state = stateConnected
	return nil
}

// FlashWriteOffset and FlashImageSize expose the currently (or most
// recently) open flash write's address range, for a caller that wants to
// call VerifyFlashMD5 without re-tracking the range itself.
func (s *Session) FlashWriteOffset() uint32 { return s.flashCursor.offset }
func (s *Session) FlashImageSize() uint32   { return s.flashCursor.imageSize }
