package protocol

import "fmt"

// Code is the taxonomy of errors the core surfaces to a caller, per §7 of
// the specification.
type Code int

const (
	// CodeTimeout: the armed deadline elapsed inside a port I/O call.
	CodeTimeout Code = iota
	// CodeInvalidResponse: response.failed was set; the inner error byte is
	// logged symbolically and folded into this single code.
	CodeInvalidResponse
	// CodeInvalidMD5: the locally computed digest disagrees with the
	// device-reported one.
	CodeInvalidMD5
	// CodeInvalidParam: a caller precondition was violated (e.g. a write
	// larger than the agreed block size).
	CodeInvalidParam
	// CodeImageSize: the image does not fit in the probed (or configured)
	// flash size.
	CodeImageSize
	// CodeUnsupportedChip: chip detection found no match, or the JEDEC
	// capacity byte was out of range.
	CodeUnsupportedChip
	// CodeUnsupportedFunc: the command is not implemented on this target
	// (e.g. SPI_FLASH_MD5 or CHANGE_BAUDRATE on ESP8266).
	CodeUnsupportedFunc
)

func (c Code) String() string {
	switch c {
	case CodeTimeout:
		return "TIMEOUT"
	case CodeInvalidResponse:
		return "INVALID_RESPONSE"
	case CodeInvalidMD5:
		return "INVALID_MD5"
	case CodeInvalidParam:
		return "INVALID_PARAM"
	case CodeImageSize:
		return "IMAGE_SIZE"
	case CodeUnsupportedChip:
		return "UNSUPPORTED_CHIP"
	case CodeUnsupportedFunc:
		return "UNSUPPORTED_FUNC"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Code with a human-readable message and, for
// CodeInvalidResponse, the wrapped lower-level cause. Callers that need to
// branch on the taxonomy use errors.As against *Error rather than string
// matching.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error for code with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error for code that wraps a lower-level cause.
func WrapError(code Code, err error) *Error {
	return &Error{Code: code, Msg: err.Error(), Err: err}
}

// ResponseError maps a failed response's internal error byte to an
// *Error with CodeInvalidResponse, matching §7's propagation policy:
// every internal error byte value folds into INVALID_RESPONSE, with the
// symbolic name preserved in the message for logging.
func ResponseError(op byte, errByte byte) *Error {
	return NewError(CodeInvalidResponse, "op=0x%02X error=0x%02X (%s)", op, errByte, ErrorMessage(errByte))
}
