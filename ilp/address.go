package ilp

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const maxAddressLength = 1023

var (
	// ErrInvalidAddress indicates a malformed ILP address or prefix.
	ErrInvalidAddress = errors.New("ilp: invalid address")

	segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9_~-]+$`)
)

// Allocation schemes accepted as the first segment of a full address.
var allocationSchemes = map[string]struct{}{
	"g":       {},
	"private": {},
	"example": {},
	"peer":    {},
	"self":    {},
	"test":    {},
	"test1":   {},
	"test2":   {},
	"test3":   {},
	"local":   {},
}

// Address is a dot-delimited hierarchical ILP address such as g.us.bank.alice.
type Address string

// ParseAddress validates raw as a full address: a known allocation scheme followed by
// zero or more segments.
func ParseAddress(raw string) (Address, error) {
	addr := Address(strings.TrimSpace(raw))
	if err := addr.validate(); err != nil {
		return "", err
	}
	if _, ok := allocationSchemes[addr.Scheme()]; !ok {
		return "", fmt.Errorf("%w: unknown allocation scheme %q", ErrInvalidAddress, addr.Scheme())
	}
	return addr, nil
}

// ParsePrefix validates raw as a routing prefix. Unlike full addresses a prefix does not
// need a known scheme, and the empty prefix is the global catch-all.
func ParsePrefix(raw string) (Address, error) {
	prefix := Address(strings.TrimSpace(raw))
	if prefix == "" {
		return "", nil
	}
	if err := prefix.validate(); err != nil {
		return "", err
	}
	return prefix, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(raw string) Address {
	addr, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) validate() error {
	if len(a) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if len(a) > maxAddressLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidAddress, maxAddressLength)
	}
	for _, segment := range strings.Split(string(a), ".") {
		if !segmentPattern.MatchString(segment) {
			return fmt.Errorf("%w: bad segment %q in %q", ErrInvalidAddress, segment, string(a))
		}
	}
	return nil
}

// Segments splits the address on dots.
func (a Address) Segments() []string {
	if a == "" {
		return nil
	}
	return strings.Split(string(a), ".")
}

// Scheme returns the first segment.
func (a Address) Scheme() string {
	scheme, _, _ := strings.Cut(string(a), ".")
	return scheme
}

// HasPrefix reports whether prefix matches a's leading segments. The empty prefix
// matches every address.
func (a Address) HasPrefix(prefix Address) bool {
	if prefix == "" {
		return true
	}
	if a == prefix {
		return true
	}
	return strings.HasPrefix(string(a), string(prefix)+".")
}

// With appends a segment.
func (a Address) With(segment string) Address {
	if a == "" {
		return Address(segment)
	}
	return Address(string(a) + "." + segment)
}

// IsLocal reports whether the address belongs to a node-local class (peer. or self.)
// that never leaves this node for an external hop.
func (a Address) IsLocal() bool {
	switch a.Scheme() {
	case "peer", "self":
		return true
	default:
		return false
	}
}

func (a Address) String() string { return string(a) }
