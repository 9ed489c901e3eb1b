package forwarding

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ilpnode/accounts"
	"ilpnode/fx"
	"ilpnode/ilp"
	"ilpnode/routing"
)

var (
	operator = ilp.MustParseAddress("test.node")
	epoch    = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

func fixedClock() time.Time { return epoch }

func mustDirectory(t *testing.T, list ...accounts.Account) *accounts.Directory {
	t.Helper()
	src, err := accounts.NewStaticSource(list...)
	if err != nil {
		t.Fatalf("new static source: %v", err)
	}
	return accounts.NewDirectory(src)
}

func account(id, asset string, scale uint8, rel accounts.Relationship) accounts.Account {
	return accounts.Account{ID: accounts.AccountID(id), AssetCode: asset, AssetScale: scale, Relationship: rel, LinkType: "loopback"}
}

func resolverFixture(t *testing.T, opts ...ResolverOption) (*Resolver, *routing.Table) {
	t.Helper()
	table := routing.NewTable()
	for prefix, hop := range map[string]string{"g.a": "alice", "g.b": "bob", "g": "carol", "peer.config": "bob", "test.euro": "euro"} {
		_, err := table.AddRoute(ilp.Address(prefix), routing.Route{NextHop: accounts.AccountID(hop), Static: true})
		if err != nil {
			t.Fatalf("add route: %v", err)
		}
	}
	dir := mustDirectory(t,
		account("alice", "USD", 2, accounts.RelationshipChild),
		account("bob", "USD", 2, accounts.RelationshipPeer),
		account("carol", "USD", 2, accounts.RelationshipParent),
		account("euro", "EUR", 4, accounts.RelationshipPeer),
	)
	rates := fx.NewStaticRates()
	if err := rates.Set("USD", "EUR", decimal.RequireFromString("0.9")); err != nil {
		t.Fatalf("set: %v", err)
	}
	opts = append([]ResolverOption{WithClock(fixedClock)}, opts...)
	return NewResolver(operator, table, dir, rates, opts...), table
}

func prepareTo(dest string, amount uint64, expiresIn time.Duration) *ilp.Prepare {
	return &ilp.Prepare{
		Destination:        ilp.MustParseAddress(dest),
		Amount:             amount,
		ExecutionCondition: ilp.ConditionFor([32]byte{}),
		ExpiresAt:          epoch.Add(expiresIn),
		Data:               []byte("memo"),
	}
}

func TestResolveLongestPrefix(t *testing.T) {
	r, _ := resolverFixture(t)
	sender := account("dave", "USD", 2, accounts.RelationshipChild)

	tests := []struct {
		dest string
		want accounts.AccountID
	}{
		{"g.a.foo", "alice"},
		{"g.b", "bob"},
		{"g.c", "carol"},
		{"g.ab", "carol"},
	}
	for _, tc := range tests {
		t.Run(tc.dest, func(t *testing.T) {
			hop, reject := r.Resolve(context.Background(), sender, prepareTo(tc.dest, 10, time.Minute))
			if reject != nil {
				t.Fatalf("expected nil reject, got %v", reject)
			}
			if !reflect.DeepEqual(hop.Account.ID, tc.want) {
				t.Fatalf("unexpected next hop: got %v want %v", hop.Account.ID, tc.want)
			}
		})
	}

	_, reject := r.Resolve(context.Background(), sender, prepareTo("test.nowhere", 10, time.Minute))
	if reject == nil {
		t.Fatal("expected reject")
	}
	if reject.Code != ilp.CodeUnreachable {
		t.Fatalf("unexpected code: got %v want %v", reject.Code, ilp.CodeUnreachable)
	}
	if !reflect.DeepEqual(reject.TriggeredBy, operator) {
		t.Fatalf("unexpected triggered by: got %v want %v", reject.TriggeredBy, operator)
	}
}

func TestResolveRefusesRouteBackToSender(t *testing.T) {
	r, _ := resolverFixture(t)
	for _, dest := range []string{"g.a", "g.a.x", "g.a.x.y.z"} {
		_, reject := r.Resolve(context.Background(), account("alice", "USD", 2, accounts.RelationshipChild), prepareTo(dest, 1, time.Minute))
		if reject == nil {
			t.Fatal(dest)
		}
		if reject.Code != ilp.CodeUnreachable {
			t.Fatalf("unexpected code: got %v want %v", reject.Code, ilp.CodeUnreachable)
		}
		if !strings.Contains(reject.Message, "back to sender") {
			t.Fatalf("expected %q in %q", "back to sender", reject.Message)
		}
	}
}

func TestResolveMissingNextHopAccount(t *testing.T) {
	r, table := resolverFixture(t)
	_, err := table.AddRoute("test.ghost", routing.Route{NextHop: "ghost"})
	if err != nil {
		t.Fatalf("add route: %v", err)
	}
	_, reject := r.Resolve(context.Background(), account("dave", "USD", 2, accounts.RelationshipChild), prepareTo("test.ghost.x", 1, time.Minute))
	if reject == nil {
		t.Fatal("expected reject")
	}
	if reject.Code != ilp.CodeUnreachable {
		t.Fatalf("unexpected code: got %v want %v", reject.Code, ilp.CodeUnreachable)
	}
}

func TestResolveConvertsAndFloors(t *testing.T) {
	r, _ := resolverFixture(t)
	sender := account("dave", "USD", 2, accounts.RelationshipChild)

	hop, reject := r.Resolve(context.Background(), sender, prepareTo("test.euro.shop", 333, time.Minute))
	if reject != nil {
		t.Fatalf("expected nil reject, got %v", reject)
	}
	// 3.33 USD * 0.9 = 2.997 EUR = 29970 units at scale 4.
	if hop.Prepare.Amount != uint64(29970) {
		t.Fatalf("unexpected amount: got %v want %v", hop.Prepare.Amount, uint64(29970))
	}
	if !reflect.DeepEqual(hop.Prepare.Data, []byte("memo")) {
		t.Fatalf("unexpected data: got %v want %v", hop.Prepare.Data, []byte("memo"))
	}

	hop, reject = r.Resolve(context.Background(), account("euro2", "EUR", 4, accounts.RelationshipChild), prepareTo("g.b.x", 9, time.Minute))
	if reject != nil {
		t.Fatalf("expected nil reject, got %v", reject)
	}
	// 0.0009 EUR / 0.9 = 0.001 USD, below one cent.
	if hop.Prepare.Amount != uint64(0) {
		t.Fatalf("unexpected amount: got %v want %v", hop.Prepare.Amount, uint64(0))
	}
}

func TestResolveRateUnavailable(t *testing.T) {
	r, _ := resolverFixture(t)
	_, reject := r.Resolve(context.Background(), account("dave", "XRP", 6, accounts.RelationshipChild), prepareTo("g.b", 1, time.Minute))
	if reject == nil {
		t.Fatal("expected reject")
	}
	if reject.Code != ilp.CodeInternalError {
		t.Fatalf("unexpected code: got %v want %v", reject.Code, ilp.CodeInternalError)
	}
}

func TestResolveLocalDestinationPassesThrough(t *testing.T) {
	r, _ := resolverFixture(t)
	p := prepareTo("peer.config", 77, 500*time.Millisecond)
	hop, reject := r.Resolve(context.Background(), account("dave", "XRP", 6, accounts.RelationshipChild), p)
	if reject != nil {
		t.Fatalf("expected nil reject, got %v", reject)
	}
	if hop.Prepare.Amount != uint64(77) {
		t.Fatalf("unexpected amount: got %v want %v", hop.Prepare.Amount, uint64(77))
	}
	if !hop.Prepare.ExpiresAt.Equal(p.ExpiresAt) {
		t.Fatalf("unexpected expiry: got %v want %v", hop.Prepare.ExpiresAt, p.ExpiresAt)
	}
	if hop.Prepare == p {
		t.Fatal("next hop must carry a copy of the prepare")
	}
}

func TestResolveExpiryBudget(t *testing.T) {
	r, _ := resolverFixture(t, WithMinMessageWindow(time.Second), WithMaxHoldTime(10*time.Second))
	sender := account("dave", "USD", 2, accounts.RelationshipChild)

	hop, reject := r.Resolve(context.Background(), sender, prepareTo("g.b", 1, 5*time.Second))
	if reject != nil {
		t.Fatalf("expected nil reject, got %v", reject)
	}
	if !hop.Prepare.ExpiresAt.Equal(epoch.Add(4 * time.Second)) {
		t.Fatalf("unexpected expiry: got %v want %v", hop.Prepare.ExpiresAt, epoch.Add(4*time.Second))
	}

	hop, reject = r.Resolve(context.Background(), sender, prepareTo("g.b", 1, time.Minute))
	if reject != nil {
		t.Fatalf("expected nil reject, got %v", reject)
	}
	if !hop.Prepare.ExpiresAt.Equal(epoch.Add(10 * time.Second)) {
		t.Fatal("capped by max hold time")
	}

	for _, in := range []time.Duration{-time.Second, 0, time.Second, 2 * time.Second} {
		_, reject = r.Resolve(context.Background(), sender, prepareTo("g.b", 1, in))
		if reject == nil {
			t.Fatal(in.String())
		}
		if reject.Code != ilp.CodeInsufficientTimeout {
			t.Fatalf("unexpected code: got %v want %v", reject.Code, ilp.CodeInsufficientTimeout)
		}
	}
}

func TestResolveExpiryMonotonicity(t *testing.T) {
	const window, hold = 700 * time.Millisecond, 20 * time.Second
	r, _ := resolverFixture(t, WithMinMessageWindow(window), WithMaxHoldTime(hold))
	sender := account("dave", "USD", 2, accounts.RelationshipChild)

	for ms := 0; ms <= 60_000; ms += 137 {
		p := prepareTo("g.b", 1, time.Duration(ms)*time.Millisecond)
		hop, reject := r.Resolve(context.Background(), sender, p)
		if reject != nil {
			if reject.Code != ilp.CodeInsufficientTimeout {
				t.Fatalf("unexpected code: got %v want %v", reject.Code, ilp.CodeInsufficientTimeout)
			}
			continue
		}
		if hop.Prepare.ExpiresAt.After(p.ExpiresAt.Add(-window)) {
			t.Fatalf("expiry %v not reduced by the safety window", hop.Prepare.ExpiresAt)
		}
		if hop.Prepare.ExpiresAt.After(epoch.Add(hold)) {
			t.Fatalf("expiry %v exceeds max hold time", hop.Prepare.ExpiresAt)
		}
		if !hop.Prepare.ExpiresAt.Add(-window).After(epoch) {
			t.Fatalf("expiry %v leaves no room after the safety window", hop.Prepare.ExpiresAt)
		}
	}
}
