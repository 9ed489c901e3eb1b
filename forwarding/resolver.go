package forwarding

import (
	"context"
	"errors"
	"time"

	"ilpnode/accounts"
	"ilpnode/fx"
	"ilpnode/ilp"
	"ilpnode/routing"
)

const (
	// DefaultMinMessageWindow is the time reserved for a fulfill to travel back one hop.
	DefaultMinMessageWindow = time.Second
	// DefaultMaxHoldTime caps how long a forwarded prepare may be held downstream.
	DefaultMaxHoldTime = 30 * time.Second
)

// RouteLookup is the read side of the routing table.
type RouteLookup interface {
	FindNextHopRoute(destination ilp.Address) (routing.Route, bool)
}

// AccountGetter loads account snapshots.
type AccountGetter interface {
	Get(ctx context.Context, id accounts.AccountID) (accounts.Account, error)
}

// NextHop is the outcome of a successful resolution.
type NextHop struct {
	Account accounts.Account
	Route   routing.Route
	Prepare *ilp.Prepare
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithMinMessageWindow overrides DefaultMinMessageWindow.
func WithMinMessageWindow(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.minMessageWindow = d
		}
	}
}

// WithMaxHoldTime overrides DefaultMaxHoldTime.
func WithMaxHoldTime(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.maxHoldTime = d
		}
	}
}

// WithClock injects the time source used for expiry checks.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver computes the next hop, amount and expiry for a prepare. It holds no state
// of its own beyond its collaborators.
type Resolver struct {
	operator         ilp.Address
	routes           RouteLookup
	accounts         AccountGetter
	rates            fx.RateSource
	minMessageWindow time.Duration
	maxHoldTime      time.Duration
	now              func() time.Time
}

// NewResolver returns a resolver rejecting on behalf of operator.
func NewResolver(operator ilp.Address, routes RouteLookup, accts AccountGetter, rates fx.RateSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		operator:         operator,
		routes:           routes,
		accounts:         accts,
		rates:            rates,
		minMessageWindow: DefaultMinMessageWindow,
		maxHoldTime:      DefaultMaxHoldTime,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the next hop for prepare sent by sender, or the reject explaining
// why it cannot be forwarded.
func (r *Resolver) Resolve(ctx context.Context, sender accounts.Account, prepare *ilp.Prepare) (NextHop, *ilp.Reject) {
	route, ok := r.routes.FindNextHopRoute(prepare.Destination)
	if !ok {
		return NextHop{}, ilp.NewReject(ilp.CodeUnreachable, r.operator,
			"destination address is unreachable (destination=%s)", prepare.Destination)
	}
	if route.NextHop == sender.ID {
		return NextHop{}, ilp.NewReject(ilp.CodeUnreachable, r.operator,
			"refusing to route back to sender (destination=%s, account=%s)", prepare.Destination, sender.ID)
	}

	next, err := r.accounts.Get(ctx, route.NextHop)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return NextHop{}, ilp.NewReject(ilp.CodeUnreachable, r.operator,
			"next hop account %s is not configured", route.NextHop)
	}
	if err != nil {
		return NextHop{}, ilp.NewReject(ilp.CodeInternalError, r.operator,
			"unable to load next hop account %s", route.NextHop)
	}

	if prepare.Destination.IsLocal() {
		return NextHop{Account: next, Route: route, Prepare: prepare.WithAmountAndExpiry(prepare.Amount, prepare.ExpiresAt)}, nil
	}

	amount, reject := r.convert(ctx, sender, next, prepare.Amount)
	if reject != nil {
		return NextHop{}, reject
	}
	expiry, reject := r.expiry(prepare.ExpiresAt)
	if reject != nil {
		return NextHop{}, reject
	}
	return NextHop{Account: next, Route: route, Prepare: prepare.WithAmountAndExpiry(amount, expiry)}, nil
}

func (r *Resolver) convert(ctx context.Context, sender, next accounts.Account, amount uint64) (uint64, *ilp.Reject) {
	quote, err := r.rates.Quote(ctx, sender.AssetCode, next.AssetCode)
	if err != nil {
		return 0, ilp.NewReject(ilp.CodeInternalError, r.operator,
			"no exchange rate from %s to %s", sender.AssetCode, next.AssetCode)
	}
	converted, err := fx.ConvertQuote(amount, sender.AssetScale, next.AssetScale, quote)
	if err != nil {
		return 0, ilp.NewReject(ilp.CodeInternalError, r.operator,
			"unable to convert %d %s to %s", amount, sender.AssetCode, next.AssetCode)
	}
	return converted, nil
}

// expiry shortens the source expiry by the message window and caps it at the max hold time.
func (r *Resolver) expiry(source time.Time) (time.Time, *ilp.Reject) {
	now := r.now()
	if !source.After(now) {
		return time.Time{}, ilp.NewReject(ilp.CodeInsufficientTimeout, r.operator,
			"source transfer has already expired (expiresAt=%s, now=%s)", source.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano))
	}
	destination := source.Add(-r.minMessageWindow)
	if maxHold := now.Add(r.maxHoldTime); maxHold.Before(destination) {
		destination = maxHold
	}
	if !destination.Add(-r.minMessageWindow).After(now) {
		return time.Time{}, ilp.NewReject(ilp.CodeInsufficientTimeout, r.operator,
			"source transfer expiry is too soon to complete payment (expiresAt=%s, now=%s)", source.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano))
	}
	return destination, nil
}
