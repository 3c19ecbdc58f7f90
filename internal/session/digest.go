package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"romflash/internal/engine"
	"romflash/internal/protocol"
)

// streamDigest accumulates an MD5 hash alongside a raw-path streaming
// write, so Session can compare against the device's own SPI_FLASH_MD5
// without re-reading the image from disk.
//
// The accumulation rule for a short, final, non-4-byte-aligned block: the
// digest is fed the caller's bytes rounded up to the next 4-byte boundary
// of the padded wire block, so at most 3 bytes of 0xFF padding are hashed,
// never the full flash_write_size block. VerifyFlashMD5 asks the device to
// hash exactly the requested size, so an image whose length is a multiple
// of 4 yields matching digests; for any other length the local digest
// covers up to 3 more 0xFF bytes than the device hashes.
type streamDigest struct {
	hasher interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
}

func newStreamDigest() streamDigest {
	return streamDigest{hasher: md5.New()}
}

func (d *streamDigest) write(padded []byte) {
	d.hasher.Write(padded)
}

func (d *streamDigest) sum() [16]byte {
	var out [16]byte
	copy(out[:], d.hasher.Sum(nil))
	return out
}

// LocalDigest returns the running MD5 hex digest of every block, rounded
// up to a 4-byte boundary, written so far in the currently open (or most
// recently finished) flash streaming operation, raw or compressed.
func (s *Session) LocalDigest() string {
	return hex.EncodeToString(s.digest.sum()[:])
}

// VerifyFlashMD5 issues SPI_FLASH_MD5 over [address, address+size) and
// compares it against the session's locally accumulated digest from the
// write that just finished. It errors with protocol.CodeInvalidMD5 on
// mismatch. Only ESP32-family targets implement SPI_FLASH_MD5
// (chiptab.Capabilities.SupportsSPIFlashMD5); on ESP8266 this returns
// CodeUnsupportedFunc without touching the wire.
func (s *Session) VerifyFlashMD5(ctx context.Context, address, size uint32) error {
	return s.verifyFlashMD5(ctx, address, size, s.LocalDigest())
}

// VerifyImageMD5 checks whether the target's flash already holds data at
// address without writing anything: it computes the local digest the same
// way a raw streaming write would — each flash_write_size chunk rounded up
// to a 4-byte boundary with 0xFF — and compares it against the device's
// SPI_FLASH_MD5 reply. This is what backs a "verify without writing"
// operation; VerifyFlashMD5 only checks against a write that just ran in
// this same session.
func (s *Session) VerifyImageMD5(ctx context.Context, address uint32, data []byte) error {
	return s.verifyFlashMD5(ctx, address, uint32(len(data)), LocalDigestForImage(data, protocol.FlashBlockSize))
}

func (s *Session) verifyFlashMD5(ctx context.Context, address, size uint32, localHex string) error {
	if !s.caps.SupportsSPIFlashMD5 {
		return protocol.NewError(protocol.CodeUnsupportedFunc, "SPI_FLASH_MD5 unsupported on %s", s.target)
	}

	deadline := maxDuration(DefaultTimeout, timeoutForBytes(MD5TimeoutPerMB, int(size)))
	ctx, cancel := engine.ArmDeadline(ctx, deadline)
	defer cancel()

	req := protocol.NewRequest(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(address, size))
	resp, err := s.eng.Exchange(ctx, req)
	if err != nil {
		return err
	}

	deviceHex, err := deviceMD5Hex(resp.Data)
	if err != nil {
		return protocol.WrapError(protocol.CodeInvalidResponse, err)
	}

	if deviceHex != localHex {
		return protocol.NewError(protocol.CodeInvalidMD5, "digest mismatch: device=%s local=%s", deviceHex, localHex)
	}
	return nil
}

// LocalDigestForImage computes the MD5 hex digest a raw streaming write of
// data in blockSize chunks would accumulate (each chunk's bytes followed by
// 0xFF up to the next 4-byte boundary), without performing any write — the
// same per-block rule WriteFlashBlock applies to each packet it sends.
func LocalDigestForImage(data []byte, blockSize uint32) string {
	d := newStreamDigest()
	block := int(blockSize)
	for off := 0; off < len(data); off += block {
		end := off + block
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		padded := make([]byte, blockSize)
		copy(padded, chunk)
		for i := len(chunk); i < len(padded); i++ {
			padded[i] = 0xFF
		}
		d.write(padded[:(len(chunk)+3)&^3])
	}
	sum := d.sum()
	return hex.EncodeToString(sum[:])
}

// deviceMD5Hex extracts the digest from a SPI_FLASH_MD5 response body. ROM
// revisions report it either as 32 ASCII hex characters or as 16 raw
// bytes; both are accepted.
func deviceMD5Hex(body []byte) (string, error) {
	switch len(body) {
	case 32:
		return string(body), nil
	case 16:
		return hex.EncodeToString(body), nil
	default:
		return "", fmt.Errorf("unexpected SPI_FLASH_MD5 body length: %d", len(body))
	}
}
