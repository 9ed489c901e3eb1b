package ilp

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidPacket indicates a packet that cannot be decoded or violates its shape.
var ErrInvalidPacket = errors.New("ilp: invalid packet")

type prepareJSON struct {
	Destination        string    `json:"destination"`
	Amount             string    `json:"amount"`
	ExecutionCondition string    `json:"executionCondition"`
	ExpiresAt          time.Time `json:"expiresAt"`
	Data               []byte    `json:"data,omitempty"`
}

type fulfillJSON struct {
	Fulfillment string `json:"fulfillment"`
	Data        []byte `json:"data,omitempty"`
}

type rejectJSON struct {
	Code        string `json:"code"`
	TriggeredBy string `json:"triggeredBy"`
	Message     string `json:"message"`
	Data        []byte `json:"data,omitempty"`
}

type responseJSON struct {
	Fulfill *Fulfill `json:"fulfill,omitempty"`
	Reject  *Reject  `json:"reject,omitempty"`
}

// MarshalJSON encodes the amount as a decimal string and the condition as hex.
func (p Prepare) MarshalJSON() ([]byte, error) {
	return json.Marshal(prepareJSON{
		Destination:        string(p.Destination),
		Amount:             strconv.FormatUint(p.Amount, 10),
		ExecutionCondition: hex.EncodeToString(p.ExecutionCondition[:]),
		ExpiresAt:          p.ExpiresAt.UTC(),
		Data:               p.Data,
	})
}

// UnmarshalJSON decodes and validates a prepare.
func (p *Prepare) UnmarshalJSON(data []byte) error {
	var raw prepareJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	dest, err := ParseAddress(raw.Destination)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	amount, err := strconv.ParseUint(raw.Amount, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: amount: %v", ErrInvalidPacket, err)
	}
	condition, err := decode32(raw.ExecutionCondition)
	if err != nil {
		return fmt.Errorf("%w: executionCondition: %v", ErrInvalidPacket, err)
	}
	if raw.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiresAt required", ErrInvalidPacket)
	}
	*p = Prepare{
		Destination:        dest,
		Amount:             amount,
		ExecutionCondition: condition,
		ExpiresAt:          raw.ExpiresAt,
		Data:               raw.Data,
	}
	return nil
}

func (f Fulfill) MarshalJSON() ([]byte, error) {
	return json.Marshal(fulfillJSON{
		Fulfillment: hex.EncodeToString(f.Fulfillment[:]),
		Data:        f.Data,
	})
}

func (f *Fulfill) UnmarshalJSON(data []byte) error {
	var raw fulfillJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	fulfillment, err := decode32(raw.Fulfillment)
	if err != nil {
		return fmt.Errorf("%w: fulfillment: %v", ErrInvalidPacket, err)
	}
	*f = Fulfill{Fulfillment: fulfillment, Data: raw.Data}
	return nil
}

func (r Reject) MarshalJSON() ([]byte, error) {
	return json.Marshal(rejectJSON{
		Code:        string(r.Code),
		TriggeredBy: string(r.TriggeredBy),
		Message:     r.Message,
		Data:        r.Data,
	})
}

func (r *Reject) UnmarshalJSON(data []byte) error {
	var raw rejectJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if len(raw.Code) != 3 {
		return fmt.Errorf("%w: reject code %q", ErrInvalidPacket, raw.Code)
	}
	*r = Reject{
		Code:        ErrorCode(raw.Code),
		TriggeredBy: Address(raw.TriggeredBy),
		Message:     raw.Message,
		Data:        raw.Data,
	}
	return nil
}

func (r Response) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(responseJSON{Fulfill: r.Fulfill, Reject: r.Reject})
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var raw responseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := Response{Fulfill: raw.Fulfill, Reject: raw.Reject}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*r = decoded
	return nil
}

func decode32(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("expected %d bytes, got %d", len(out), len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
