package protocol

// Opcodes understood by the ROM/stub bootloader. Commands reserved for a
// stub loader uploaded over RAM download (erase/read-flash, run-user-code)
// are out of scope for this driver and are not listed here.
const (
	CmdFlashBegin      = 0x02
	CmdFlashData       = 0x03
	CmdFlashEnd        = 0x04
	CmdMemBegin        = 0x05
	CmdMemEnd          = 0x06
	CmdMemData         = 0x07
	CmdSync            = 0x08
	CmdWriteReg        = 0x09
	CmdReadReg         = 0x0A
	CmdSpiSetParams    = 0x0B
	CmdSpiAttach       = 0x0D
	CmdChangeBaud      = 0x0F
	CmdFlashDeflBegin  = 0x10
	CmdFlashDeflData   = 0x11
	CmdFlashDeflEnd    = 0x12
	CmdSpiFlashMD5     = 0x13
	CmdGetSecurityInfo = 0x14
)

// Direction byte values.
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Flash layout constants.
const (
	FlashBlockSize  = 0x400  // streaming packet size for raw FLASH_DATA
	FlashSectorSize = 0x1000 // flash erase granularity
	FlashPageSize   = 0x100  // programming page size
	FlashEraseBlock = 0x10000
)

// Chip ID values reported by GET_SECURITY_INFO.
const (
	ChipIDESP32   = 0x00
	ChipIDESP32S2 = 0x02
	ChipIDESP32C3 = 0x05
	ChipIDESP32S3 = 0x09
	ChipIDESP32C2 = 0x0C
	ChipIDESP32C6 = 0x0D
	ChipIDESP32H2 = 0x10
)

// ChipName returns a human-readable name for a chip ID reported by
// GET_SECURITY_INFO. An ID outside the known set still reports as the base
// "ESP32" family rather than "unknown": GET_SECURITY_INFO is only ever
// issued after SYNC has already established the target responds to the
// ESP32-family dialect (ESP8266 doesn't implement this command at all), so
// an unrecognized ID is a newer/unlisted ESP32 variant, not an alien chip.
func ChipName(id uint32) string {
	switch id {
	case ChipIDESP32:
		return "ESP32"
	case ChipIDESP32S2:
		return "ESP32-S2"
	case ChipIDESP32C3:
		return "ESP32-C3"
	case ChipIDESP32S3:
		return "ESP32-S3"
	case ChipIDESP32C2:
		return "ESP32-C2"
	case ChipIDESP32C6:
		return "ESP32-C6"
	case ChipIDESP32H2:
		return "ESP32-H2"
	default:
		return "ESP32"
	}
}

// Error byte values the bootloader reports in the failed-status tail.
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
	ErrDeflateError    = 0x0B
)

// ErrorMessage returns a human-readable description of a bootloader error
// byte.
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	case ErrDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}
