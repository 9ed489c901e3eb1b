package ilp

import "fmt"

// ErrorCode is an ILP reject code. The first letter carries the class: F (final),
// T (temporary) or R (relative).
type ErrorCode string

const (
	CodeBadRequest            ErrorCode = "F00"
	CodeInvalidPacket         ErrorCode = "F01"
	CodeUnreachable           ErrorCode = "F02"
	CodeWrongCondition        ErrorCode = "F05"
	CodeAmountTooLarge        ErrorCode = "F08"
	CodeInternalError         ErrorCode = "T00"
	CodePeerUnreachable       ErrorCode = "T01"
	CodePeerBusy              ErrorCode = "T02"
	CodeConnectorBusy         ErrorCode = "T03"
	CodeInsufficientLiquidity ErrorCode = "T04"
	CodeRateLimited           ErrorCode = "T05"
	CodeTransferTimedOut      ErrorCode = "R00"
	CodeInsufficientTimeout   ErrorCode = "R02"
)

var codeNames = map[ErrorCode]string{
	CodeBadRequest:            "BAD_REQUEST",
	CodeInvalidPacket:         "INVALID_PACKET",
	CodeUnreachable:           "UNREACHABLE",
	CodeWrongCondition:        "WRONG_CONDITION",
	CodeAmountTooLarge:        "AMOUNT_TOO_LARGE",
	CodeInternalError:         "INTERNAL_ERROR",
	CodePeerUnreachable:       "PEER_UNREACHABLE",
	CodePeerBusy:              "PEER_BUSY",
	CodeConnectorBusy:         "CONNECTOR_BUSY",
	CodeInsufficientLiquidity: "INSUFFICIENT_LIQUIDITY",
	CodeRateLimited:           "RATE_LIMITED",
	CodeTransferTimedOut:      "TRANSFER_TIMED_OUT",
	CodeInsufficientTimeout:   "INSUFFICIENT_TIMEOUT",
}

// Name returns the symbolic name, or UNKNOWN for codes outside the closed set.
func (c ErrorCode) Name() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsFinal reports whether retrying the same packet can never succeed.
func (c ErrorCode) IsFinal() bool { return len(c) > 0 && c[0] == 'F' }

// IsTemporary reports whether the failure is transient.
func (c ErrorCode) IsTemporary() bool { return len(c) > 0 && c[0] == 'T' }

// IsRelative reports whether the failure depends on timing or amount relative to the path.
func (c ErrorCode) IsRelative() bool { return len(c) > 0 && c[0] == 'R' }

func (c ErrorCode) String() string {
	return fmt.Sprintf("%s %s", string(c), c.Name())
}
