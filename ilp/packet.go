package ilp

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"time"
)

// Prepare proposes a conditional transfer. Packets are never mutated once built;
// forwarding produces a fresh copy through WithAmountAndExpiry.
type Prepare struct {
	Destination        Address
	Amount             uint64
	ExecutionCondition [32]byte
	ExpiresAt          time.Time
	Data               []byte
}

// WithAmountAndExpiry returns a copy of p carrying the supplied amount and expiry.
func (p *Prepare) WithAmountAndExpiry(amount uint64, expiresAt time.Time) *Prepare {
	return &Prepare{
		Destination:        p.Destination,
		Amount:             amount,
		ExecutionCondition: p.ExecutionCondition,
		ExpiresAt:          expiresAt,
		Data:               append([]byte(nil), p.Data...),
	}
}

// Fulfill proves completion of a prepare.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

// Matches reports whether the fulfillment hashes to condition.
func (f *Fulfill) Matches(condition [32]byte) bool {
	if f == nil {
		return false
	}
	digest := sha256.Sum256(f.Fulfillment[:])
	return bytes.Equal(digest[:], condition[:])
}

// ConditionFor returns the execution condition a fulfillment satisfies.
func ConditionFor(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

// Reject refuses a prepare.
type Reject struct {
	Code        ErrorCode
	TriggeredBy Address
	Message     string
	Data        []byte
}

// NewReject builds a reject triggered by the given node.
func NewReject(code ErrorCode, triggeredBy Address, format string, args ...any) *Reject {
	return &Reject{
		Code:        code,
		TriggeredBy: triggeredBy,
		Message:     fmt.Sprintf(format, args...),
	}
}

func (r *Reject) String() string {
	return fmt.Sprintf("%s (%s) triggered by %s: %s", r.Code, r.Code.Name(), r.TriggeredBy, r.Message)
}

// Response is exactly one of a fulfill or a reject.
type Response struct {
	Fulfill *Fulfill
	Reject  *Reject
}

// FulfillResponse wraps f.
func FulfillResponse(f *Fulfill) Response { return Response{Fulfill: f} }

// RejectResponse wraps r.
func RejectResponse(r *Reject) Response { return Response{Reject: r} }

// IsFulfill reports whether the response carries a fulfillment.
func (r Response) IsFulfill() bool { return r.Fulfill != nil }

// Validate checks the one-of invariant.
func (r Response) Validate() error {
	switch {
	case r.Fulfill != nil && r.Reject != nil:
		return fmt.Errorf("%w: response carries both fulfill and reject", ErrInvalidPacket)
	case r.Fulfill == nil && r.Reject == nil:
		return fmt.Errorf("%w: empty response", ErrInvalidPacket)
	default:
		return nil
	}
}
