package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFlashBeginData_WithEncrypted(t *testing.T) {
	encrypted := uint32(0)
	data := FlashBeginData(0x1000, 1, 0x400, 0x10000, &encrypted)
	if len(data) != 20 {
		t.Fatalf("len = %d, want 20", len(data))
	}
	if v := binary.LittleEndian.Uint32(data[16:20]); v != encrypted {
		t.Errorf("encrypted field = %d, want %d", v, encrypted)
	}
}

func TestFlashBeginData_WithoutEncrypted(t *testing.T) {
	data := FlashBeginData(0x1000, 1, 0x400, 0x10000, nil)
	if len(data) != 16 {
		t.Fatalf("len = %d, want 16 (no encrypted field on ESP8266)", len(data))
	}
}

func TestFlashBeginData_Fields(t *testing.T) {
	data := FlashBeginData(0x1000, 1, 0x400, 0x10000, nil)
	fields := []struct {
		off      int
		expected uint32
	}{
		{0, 0x1000},
		{4, 1},
		{8, 0x400},
		{12, 0x10000},
	}
	for _, f := range fields {
		if v := binary.LittleEndian.Uint32(data[f.off : f.off+4]); v != f.expected {
			t.Errorf("field@%d = 0x%X, want 0x%X", f.off, v, f.expected)
		}
	}
}

func TestFlashDataData_Header(t *testing.T) {
	block := bytes.Repeat([]byte{0xAB}, 16)
	payload := FlashDataData(block, 3)
	if len(payload) != 16+len(block) {
		t.Fatalf("len = %d, want %d", len(payload), 16+len(block))
	}
	if v := binary.LittleEndian.Uint32(payload[0:4]); v != uint32(len(block)) {
		t.Errorf("size field = %d, want %d", v, len(block))
	}
	if v := binary.LittleEndian.Uint32(payload[4:8]); v != 3 {
		t.Errorf("seq field = %d, want 3", v)
	}
	if !bytes.Equal(payload[16:], block) {
		t.Error("payload tail does not match block")
	}
}

func TestMemEndData_StayVsJump(t *testing.T) {
	stay := MemEndData(true, 0)
	if binary.LittleEndian.Uint32(stay[0:4]) != 1 {
		t.Error("stayInLoader=true should encode flag 1")
	}
	jump := MemEndData(false, 0x40080000)
	if binary.LittleEndian.Uint32(jump[0:4]) != 0 {
		t.Error("stayInLoader=false should encode flag 0")
	}
	if binary.LittleEndian.Uint32(jump[4:8]) != 0x40080000 {
		t.Error("entry point not encoded")
	}
}

func TestDecodeResponseTail_FourByteTail(t *testing.T) {
	// body = 1 data byte + 4-byte tail {status, error, reserved, reserved}
	body := []byte{0xAA, 0x00, 0x00, 0x00, 0x00}
	resp := make([]byte, 8+len(body))
	resp[0] = DirResponse
	resp[1] = CmdSpiFlashMD5
	binary.LittleEndian.PutUint16(resp[2:4], uint16(len(body)))
	copy(resp[8:], body)

	decoded, err := DecodeResponseTail(resp, 4)
	if err != nil {
		t.Fatalf("DecodeResponseTail() error = %v", err)
	}
	if !bytes.Equal(decoded.Data, []byte{0xAA}) {
		t.Errorf("Data = %v, want [0xAA]", decoded.Data)
	}
	if !decoded.IsSuccess() {
		t.Error("expected success")
	}
}

func TestSpiAttachConfigData(t *testing.T) {
	data := SpiAttachConfigData(0x3f3f3f3f)
	if v := binary.LittleEndian.Uint32(data[0:4]); v != 0x3f3f3f3f {
		t.Errorf("config = 0x%X, want 0x3f3f3f3f", v)
	}
}

func TestChangeBaudData(t *testing.T) {
	data := ChangeBaudData(921600)
	if v := binary.LittleEndian.Uint32(data[0:4]); v != 921600 {
		t.Errorf("new baud = %d, want 921600", v)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != 0 {
		t.Errorf("old baud = %d, want 0", v)
	}
}
