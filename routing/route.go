package routing

import (
	"time"

	"ilpnode/accounts"
	"ilpnode/ilp"
)

// Route maps a destination prefix to the account packets are forwarded to.
type Route struct {
	Prefix  ilp.Address
	NextHop accounts.AccountID
	// Path lists the nodes a learned route traverses, for loop detection and diagnostics.
	Path []ilp.Address
	// ExpiresAt is zero for routes that never expire.
	ExpiresAt time.Time
	// Epoch is the advertiser's table epoch for learned routes; a newer epoch
	// overwrites an existing entry for the same prefix.
	Epoch uint64
	// Auth is reserved for route authentication tokens.
	Auth []byte
	// Static routes come from configuration and survive peer disconnects.
	Static bool
}

// Expired reports whether the route is past its expiry at now.
func (r Route) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Traverses reports whether addr already appears on the route's path.
func (r Route) Traverses(addr ilp.Address) bool {
	for _, hop := range r.Path {
		if hop == addr {
			return true
		}
	}
	return false
}

func (r Route) clone() Route {
	out := r
	out.Path = append([]ilp.Address(nil), r.Path...)
	out.Auth = append([]byte(nil), r.Auth...)
	return out
}

// RouteUpdate records one mutation of the table for distribution to peers.
type RouteUpdate struct {
	Epoch     uint64
	Prefix    ilp.Address
	Route     *Route
	Withdrawn bool
}
