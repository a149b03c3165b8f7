package program

import "errors"

// Error is a custom program error code. Handlers wrap these with context
// using fmt.Errorf("%w: ...") and callers match with errors.Is.
type Error uint32

const (
	ErrMalformedInput Error = iota + 1
	ErrOverflow
	ErrInactive
	ErrPriceMismatch
	ErrInsufficientFunds
	ErrUnauthorized
	ErrUnknownInstruction
	ErrTransferFailed
	ErrMalformedRecord
	ErrBufferTooSmall
	ErrUninitializedParticipant
	ErrInvalidAccount
	ErrNotEnoughAccountKeys
	ErrOracleUnavailable
)

var errorNames = map[Error]string{
	ErrMalformedInput:           "MalformedInput",
	ErrOverflow:                 "Overflow",
	ErrInactive:                 "Inactive",
	ErrPriceMismatch:            "PriceMismatch",
	ErrInsufficientFunds:        "InsufficientFunds",
	ErrUnauthorized:             "Unauthorized",
	ErrUnknownInstruction:       "UnknownInstruction",
	ErrTransferFailed:           "TransferFailed",
	ErrMalformedRecord:          "MalformedRecord",
	ErrBufferTooSmall:           "BufferTooSmall",
	ErrUninitializedParticipant: "UninitializedParticipant",
	ErrInvalidAccount:           "InvalidAccount",
	ErrNotEnoughAccountKeys:     "NotEnoughAccountKeys",
	ErrOracleUnavailable:        "OracleUnavailable",
}

func (e Error) Name() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return "Unknown"
}

func (e Error) Error() string {
	return "escrow: " + e.Name()
}

// CodeOf returns the outermost program error code carried by err.
func CodeOf(err error) (Error, bool) {
	var code Error
	if errors.As(err, &code) {
		return code, true
	}
	return 0, false
}
