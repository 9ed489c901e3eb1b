package accounts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestParseAccountIDNormalises(t *testing.T) {
	id, err := ParseAccountID("  Alice.Peer-1 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != "alice.peer-1" {
		t.Fatalf("expected lowercase id, got %q", id)
	}
	for _, raw := range []string{"", "bad id", "ümlaut", strings.Repeat("a", 65)} {
		if _, err := ParseAccountID(raw); !errors.Is(err, ErrInvalidAccountID) {
			t.Fatalf("expected %q to be rejected, got %v", raw, err)
		}
	}
}

func TestNewValidatesBalancePolicy(t *testing.T) {
	_, err := New(Account{
		ID:        "bob",
		AssetCode: "usd",
		Balance:   BalancePolicy{SettleThreshold: Int64(5), SettleTo: 10},
	})
	if !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected threshold below settle-to to fail, got %v", err)
	}
	acct, err := New(Account{ID: "Bob", AssetCode: "usd", Relationship: RelationshipChild})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if acct.AssetCode != "USD" || acct.ID != "bob" || !acct.IsChild() || acct.IsPeer() {
		t.Fatalf("unexpected normalised account %+v", acct)
	}
}

type countingSource struct {
	inner Source
	calls atomic.Int32
}

func (c *countingSource) FindAccount(ctx context.Context, id AccountID) (Account, bool, error) {
	c.calls.Add(1)
	return c.inner.FindAccount(ctx, id)
}

func (c *countingSource) FindAllAccounts(ctx context.Context) ([]Account, error) {
	return c.inner.FindAllAccounts(ctx)
}

func TestDirectoryReadThroughAndInvalidate(t *testing.T) {
	static, err := NewStaticSource(Account{ID: "alice", AssetCode: "USD", AssetScale: 2})
	if err != nil {
		t.Fatalf("static source: %v", err)
	}
	src := &countingSource{inner: static}
	dir := NewDirectory(src)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dir.Get(ctx, "alice"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := dir.Get(ctx, "alice"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if calls := src.calls.Load(); calls < 1 || calls > 16 {
		t.Fatalf("unexpected source calls %d", calls)
	}
	before := src.calls.Load()
	if _, err := dir.Get(ctx, "alice"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if src.calls.Load() != before {
		t.Fatalf("cached lookup should not reach the source")
	}

	if err := static.Upsert(Account{ID: "alice", AssetCode: "EUR"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	dir.Invalidate("alice")
	acct, err := dir.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if acct.AssetCode != "EUR" {
		t.Fatalf("expected refreshed account, got %s", acct.AssetCode)
	}

	if _, err := dir.Get(ctx, "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDirectoryReturnsIsolatedCopies(t *testing.T) {
	static, err := NewStaticSource(Account{
		ID:           "alice",
		AssetCode:    "USD",
		Balance:      BalancePolicy{MinBalance: Int64(-100)},
		LinkSettings: map[string]string{"url": "http://alice", "incoming_token": "s3cret"},
	})
	if err != nil {
		t.Fatalf("static source: %v", err)
	}
	dir := NewDirectory(static)
	ctx := context.Background()

	first, err := dir.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.LinkSettings["incoming_token"] = ""
	*first.Balance.MinBalance = 0

	for _, load := range []func() (Account, error){
		func() (Account, error) { return dir.Get(ctx, "alice") },
		func() (Account, error) {
			all, err := dir.All(ctx)
			if err != nil {
				return Account{}, err
			}
			all[0].LinkSettings["url"] = "http://mallory"
			return dir.Get(ctx, "alice")
		},
	} {
		acct, err := load()
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if acct.LinkSettings["incoming_token"] != "s3cret" || acct.LinkSettings["url"] != "http://alice" {
			t.Fatalf("cached settings were mutated: %v", acct.LinkSettings)
		}
		if *acct.Balance.MinBalance != -100 {
			t.Fatalf("cached policy was mutated: %d", *acct.Balance.MinBalance)
		}
	}
}

func TestStaticSourceRejectsDuplicates(t *testing.T) {
	_, err := NewStaticSource(Account{ID: "a", AssetCode: "USD"}, Account{ID: "A", AssetCode: "USD"})
	if !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}
