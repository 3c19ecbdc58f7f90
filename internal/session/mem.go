package session

import (
	"context"
	"fmt"

	"romflash/internal/engine"
	"romflash/internal/protocol"
)

// StartMemWrite begins a RAM download of totalSize bytes at offset,
// mirroring StartFlashWrite but targeting device RAM (§4.3's "RAM
// download mirrors the flash path").
func (s *Session) StartMemWrite(ctx context.Context, offset, totalSize uint32) error {
	if s.state != stateConnected {
		return fmt.Errorf("session: mem_start called from state %s, want CONNECTED", s.state)
	}

	blockSize := uint32(protocol.FlashBlockSize)
	blocksToWrite := (totalSize + blockSize - 1) / blockSize

	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()

	req := protocol.NewRequest(protocol.CmdMemBegin, protocol.MemBeginData(totalSize, blocksToWrite, blockSize, offset))
	if _, err := s.eng.Exchange(ctx, req); err != nil {
		return fmt.Errorf("session: mem_begin: %w", err)
	}

	s.sequenceNumber = 0
	s.flashWriteSize = blockSize
	s.state = stateMemStreaming
	s.flashCursor = flashCursor{offset: offset, imageSize: totalSize}
	return nil
}

// WriteMemBlock writes one RAM download block. Unlike the flash path, RAM
// blocks are never padded — the device's RAM-fill loop doesn't care about
// flash-sector alignment.
func (s *Session) WriteMemBlock(ctx context.Context, data []byte) error {
	if s.state != stateMemStreaming {
		return fmt.Errorf("session: mem_write called from state %s, want MEM_STREAMING", s.state)
	}
	if uint32(len(data)) > s.flashWriteSize {
		return fmt.Errorf("session: mem_write block of %d bytes exceeds block size %d", len(data), s.flashWriteSize)
	}

	ctx, cancel := engine.ArmDeadline(ctx, DefaultTimeout)
	defer cancel()

	req := protocol.NewDataRequest(protocol.CmdMemData, s.sequenceNumber, data)
	if _, err := s.eng.ExchangeWithData(ctx, req, data); err != nil {
		return fmt.Errorf("session: mem_data seq=%d: %w", s.sequenceNumber, err)
	}
	s.sequenceNumber++
	return nil
}

// FinishMemWrite sends MEM_END. entryPoint == 0 means "stay in the
// bootloader, do not jump"; any other value is the address the ROM jumps
// to once the download completes.
func (s *Session) FinishMemWrite(ctx context.Context, entryPoint uint32) error {
	if s.state != stateMemStreaming {
		return fmt.Errorf("session: mem_finish called from state %s, want MEM_STREAMING", s.state)
	}

	ctx, cancel := engine.ArmDeadline(ctx, MemEndTimeout)
	defer cancel()

	stay := entryPoint == 0
	req := protocol.NewRequest(protocol.CmdMemEnd, protocol.MemEndData(stay, entryPoint))
	if _, err := s.eng.Exchange(ctx, req); err != nil {
		return fmt.Errorf("session: mem_end: %w", err)
	}

	s.flashWriteSize = 0
	s.state = stateConnected
	return nil
}
