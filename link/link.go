package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"ilpnode/accounts"
	"ilpnode/ilp"
)

var (
	// ErrUnknownLinkType is returned when no factory is registered for an account's link type.
	ErrUnknownLinkType = errors.New("link: unknown link type")
	// ErrNotConnected is returned by SendPacket on a link that is not connected.
	ErrNotConnected = errors.New("link: not connected")
	// ErrConnect wraps a failed connection attempt during link acquisition.
	ErrConnect = errors.New("link: connect failed")
	// ErrManagerClosed is returned after Manager.Close.
	ErrManagerClosed = errors.New("link: manager closed")
)

// State is the connection state of a link.
type State int

const (
	StateNotConnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "not_connected"
}

// Link is an outbound channel to one peer account. Its id equals the account id.
type Link interface {
	ID() accounts.AccountID
	// SendPacket forwards a prepare and waits for the peer's response. An error means no
	// structured response could be obtained.
	SendPacket(ctx context.Context, prepare *ilp.Prepare) (ilp.Response, error)
}

// Connector is implemented by links with connection semantics.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() State
}

// Observer receives connection lifecycle notifications from a link.
type Observer interface {
	LinkConnected(id accounts.AccountID)
	LinkDisconnected(id accounts.AccountID, reason error)
}

// Observable links accept a single lifecycle observer.
type Observable interface {
	SetObserver(Observer)
}

// Settings is everything a factory needs to build a link for one account.
type Settings struct {
	OperatorAddress ilp.Address
	Account         accounts.Account
	Logger          *slog.Logger
}

// Option returns a link-specific setting, or def when absent.
func (s Settings) Option(key, def string) string {
	if v, ok := s.Account.LinkSettings[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Factory builds a link of one type.
type Factory func(Settings) (Link, error)

// Registry maps link type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in loopback and http types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(TypeLoopback, NewLoopbackLink)
	r.Register(TypeHTTP, NewHTTPLink)
	return r
}

// Register adds or replaces the factory for a link type.
func (r *Registry) Register(linkType string, f Factory) {
	r.mu.Lock()
	r.factories[strings.ToLower(strings.TrimSpace(linkType))] = f
	r.mu.Unlock()
}

// Types lists the registered link types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build constructs the link for settings.Account.
func (r *Registry) Build(settings Settings) (Link, error) {
	linkType := strings.ToLower(strings.TrimSpace(settings.Account.LinkType))
	r.mu.RLock()
	f, ok := r.factories[linkType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q for account %s", ErrUnknownLinkType, linkType, settings.Account.ID)
	}
	return f(settings)
}
