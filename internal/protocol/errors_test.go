package protocol

import (
	"errors"
	"testing"
)

func TestError_CodeString(t *testing.T) {
	cases := []struct {
		code Code
		want string
	}{
		{CodeTimeout, "TIMEOUT"},
		{CodeInvalidResponse, "INVALID_RESPONSE"},
		{CodeInvalidMD5, "INVALID_MD5"},
		{CodeInvalidParam, "INVALID_PARAM"},
		{CodeImageSize, "IMAGE_SIZE"},
		{CodeUnsupportedChip, "UNSUPPORTED_CHIP"},
		{CodeUnsupportedFunc, "UNSUPPORTED_FUNC"},
	}
	for _, tc := range cases {
		if got := tc.code.String(); got != tc.want {
			t.Errorf("Code(%d).String() = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestError_ErrorsAs(t *testing.T) {
	var err error = NewError(CodeImageSize, "offset 0x%x + size 0x%x exceeds flash", 0x10000, 0x800000)

	var pErr *Error
	if !errors.As(err, &pErr) {
		t.Fatal("errors.As(*Error) failed")
	}
	if pErr.Code != CodeImageSize {
		t.Errorf("Code = %v, want %v", pErr.Code, CodeImageSize)
	}
}

func TestResponseError_FoldsIntoInvalidResponse(t *testing.T) {
	err := ResponseError(CmdFlashData, ErrInvalidCRC)
	if err.Code != CodeInvalidResponse {
		t.Errorf("Code = %v, want %v", err.Code, CodeInvalidResponse)
	}
	if err.Error() == "" {
		t.Error("Error() should not be empty")
	}
}

func TestWrapError_Unwraps(t *testing.T) {
	cause := errors.New("deadline exceeded")
	err := WrapError(CodeTimeout, cause)
	if !errors.Is(err, cause) {
		t.Error("WrapError result should unwrap to the cause")
	}
}
