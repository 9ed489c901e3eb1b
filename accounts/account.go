package accounts

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const maxAccountIDLength = 64

var (
	// ErrInvalidAccountID indicates an identifier outside the accepted charset or length.
	ErrInvalidAccountID = errors.New("accounts: invalid account id")
	// ErrInvalidAccount indicates an account whose settings are inconsistent.
	ErrInvalidAccount = errors.New("accounts: invalid account")
	// ErrAccountNotFound is returned when no source knows the account.
	ErrAccountNotFound = errors.New("accounts: account not found")

	accountIDPattern = regexp.MustCompile(`^[a-z0-9._~-]+$`)
)

// AccountID identifies a peer account. Values are normalised to lowercase ASCII.
type AccountID string

// ParseAccountID trims, lowercases and validates raw.
func ParseAccountID(raw string) (AccountID, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAccountID)
	}
	if len(normalized) > maxAccountIDLength {
		return "", fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidAccountID, normalized, maxAccountIDLength)
	}
	if !accountIDPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountID, normalized)
	}
	return AccountID(normalized), nil
}

func (id AccountID) String() string { return string(id) }

// Relationship describes how this node relates to the account's owner.
type Relationship int

const (
	RelationshipPeer Relationship = iota
	RelationshipParent
	RelationshipChild
)

func (r Relationship) String() string {
	switch r {
	case RelationshipParent:
		return "PARENT"
	case RelationshipChild:
		return "CHILD"
	case RelationshipPeer:
		return "PEER"
	default:
		return "UNKNOWN"
	}
}

// ParseRelationship accepts PARENT, CHILD or PEER in any case.
func ParseRelationship(raw string) (Relationship, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PARENT":
		return RelationshipParent, nil
	case "CHILD":
		return RelationshipChild, nil
	case "PEER", "":
		return RelationshipPeer, nil
	default:
		return 0, fmt.Errorf("%w: unknown relationship %q", ErrInvalidAccount, raw)
	}
}

// BalancePolicy bounds the clearing balance of an account. Nil pointers mean the
// limit is not configured.
type BalancePolicy struct {
	MinBalance      *int64
	SettleThreshold *int64
	SettleTo        int64
}

// SettlementEnabled reports whether fulfills may trigger settlement.
func (p BalancePolicy) SettlementEnabled() bool { return p.SettleThreshold != nil }

// Account is an immutable snapshot of an account's configuration.
type Account struct {
	ID              AccountID
	AssetCode       string
	AssetScale      uint8
	Relationship    Relationship
	Balance         BalancePolicy
	MaxPacketAmount *uint64
	// RateLimit caps inbound prepares per second; zero disables the limit.
	RateLimit float64
	// LinkType selects the link factory used to reach the account.
	LinkType     string
	LinkSettings map[string]string
	// Persistent accounts are dialled at startup, redialled after a disconnect and
	// never evicted from the live link set.
	Persistent bool
}

// New validates the supplied account once and returns the normalised copy.
func New(a Account) (Account, error) {
	id, err := ParseAccountID(string(a.ID))
	if err != nil {
		return Account{}, err
	}
	a.ID = id
	a.AssetCode = strings.ToUpper(strings.TrimSpace(a.AssetCode))
	if a.AssetCode == "" {
		return Account{}, fmt.Errorf("%w: %s: asset code required", ErrInvalidAccount, id)
	}
	if a.RateLimit < 0 {
		return Account{}, fmt.Errorf("%w: %s: negative rate limit", ErrInvalidAccount, id)
	}
	if t := a.Balance.SettleThreshold; t != nil && *t < a.Balance.SettleTo {
		return Account{}, fmt.Errorf("%w: %s: settle threshold %d below settle-to %d", ErrInvalidAccount, id, *t, a.Balance.SettleTo)
	}
	if m := a.Balance.MinBalance; m != nil && *m > 0 {
		return Account{}, fmt.Errorf("%w: %s: min balance %d must not be positive", ErrInvalidAccount, id, *m)
	}
	a.LinkType = strings.ToLower(strings.TrimSpace(a.LinkType))
	a = a.Clone()
	if a.LinkSettings == nil {
		a.LinkSettings = map[string]string{}
	}
	return a, nil
}

// Clone returns a copy that shares no maps or pointers with a.
func (a Account) Clone() Account {
	if a.LinkSettings != nil {
		settings := make(map[string]string, len(a.LinkSettings))
		for k, v := range a.LinkSettings {
			settings[k] = v
		}
		a.LinkSettings = settings
	}
	if a.Balance.MinBalance != nil {
		a.Balance.MinBalance = Int64(*a.Balance.MinBalance)
	}
	if a.Balance.SettleThreshold != nil {
		a.Balance.SettleThreshold = Int64(*a.Balance.SettleThreshold)
	}
	if a.MaxPacketAmount != nil {
		a.MaxPacketAmount = Uint64(*a.MaxPacketAmount)
	}
	return a
}

func (a Account) IsParent() bool { return a.Relationship == RelationshipParent }
func (a Account) IsChild() bool  { return a.Relationship == RelationshipChild }
func (a Account) IsPeer() bool   { return a.Relationship == RelationshipPeer }

// Int64 is a helper for building optional policy values.
func Int64(v int64) *int64 { return &v }

// Uint64 is a helper for building optional packet limits.
func Uint64(v uint64) *uint64 { return &v }
