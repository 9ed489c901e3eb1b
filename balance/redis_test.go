package balance

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ilpnode/accounts"
)

func TestRedisTrackerValidatesBeforeCallingServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	tracker := NewRedisTracker(client, "")
	ctx := context.Background()

	_, err := tracker.UpdateBalanceForPrepare(ctx, "", 1, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected %v, got %v", ErrInvalidArgument, err)
	}
	_, err = tracker.UpdateBalanceForReject(ctx, Debit{AccountID: "alice", Amount: -1})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected %v, got %v", ErrInvalidArgument, err)
	}
	if got := tracker.key("alice"); got != "ilp:balance:alice" {
		t.Fatalf("unexpected key: got %v want %v", got, "ilp:balance:alice")
	}
}

func TestScriptReplyDecoding(t *testing.T) {
	vals, err := int64s([]interface{}{int64(1), int64(-4), int64(0), int64(2)}, 4)
	if err != nil {
		t.Fatalf("int64s: %v", err)
	}
	if !reflect.DeepEqual(vals, []int64{1, -4, 0, 2}) {
		t.Fatalf("unexpected values: got %v want %v", vals, []int64{1, -4, 0, 2})
	}

	_, err = int64s([]interface{}{int64(1)}, 4)
	if err == nil {
		t.Fatal("expected error")
	}
	_, err = int64s([]interface{}{"x", int64(1)}, 2)
	if err == nil {
		t.Fatal("expected error")
	}
}

func newMiniRedisTracker(t *testing.T) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTracker(client, ""), srv
}

func TestRedisPrepareDrawsPrepaidThenChecksFloor(t *testing.T) {
	tracker, srv := newMiniRedisTracker(t)
	ctx := context.Background()
	srv.HSet("ilp:balance:alice", fieldClearing, "-5", fieldPrepaid, "3")

	_, err := tracker.UpdateBalanceForPrepare(ctx, "alice", 9, ptr(-10))
	var te *TrackerError
	if !errors.As(err, &te) {
		t.Fatalf("expected tracker error, got %v", err)
	}
	if !errors.Is(err, ErrMinBalanceExceeded) {
		t.Fatalf("expected %v, got %v", ErrMinBalanceExceeded, err)
	}
	if want := (Balance{ClearingBalance: -5, PrepaidAmount: 3}); te.Balance != want {
		t.Fatalf("unexpected reported balance: got %v want %v", te.Balance, want)
	}

	debit, err := tracker.UpdateBalanceForPrepare(ctx, "alice", 8, ptr(-10))
	if err != nil {
		t.Fatalf("update balance for prepare: %v", err)
	}
	if debit.FromPrepaid != 3 {
		t.Fatalf("unexpected prepaid portion: got %d want 3", debit.FromPrepaid)
	}
	if want := (Balance{ClearingBalance: -10}); debit.Balance != want {
		t.Fatalf("unexpected balance: got %v want %v", debit.Balance, want)
	}
}

func TestRedisFulfillSettlesOnlyAboveThreshold(t *testing.T) {
	ctx := context.Background()
	policy := accounts.BalancePolicy{SettleThreshold: ptr(10), SettleTo: 0}
	cases := []struct {
		name    string
		start   string
		amount  int64
		settle  int64
		balance int64
	}{
		{name: "reaches threshold", start: "9", amount: 1, settle: 0, balance: 10},
		{name: "crosses threshold", start: "10", amount: 1, settle: 11, balance: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tracker, srv := newMiniRedisTracker(t)
			srv.HSet("ilp:balance:bob", fieldClearing, tc.start)
			res, err := tracker.UpdateBalanceForFulfill(ctx, "bob", tc.amount, policy)
			if err != nil {
				t.Fatalf("update balance for fulfill: %v", err)
			}
			var settled int64
			if res.Settlement != nil {
				settled = res.Settlement.Amount
			}
			if settled != tc.settle {
				t.Fatalf("unexpected settlement: got %d want %d", settled, tc.settle)
			}
			if res.Balance.ClearingBalance != tc.balance {
				t.Fatalf("unexpected clearing balance: got %d want %d", res.Balance.ClearingBalance, tc.balance)
			}
			if got := srv.HGet("ilp:balance:bob", fieldClearing); got != strconv.FormatInt(tc.balance, 10) {
				t.Fatalf("unexpected stored balance: got %q want %d", got, tc.balance)
			}
		})
	}
}

func TestRedisRejectRestoresPrepareExactly(t *testing.T) {
	tracker, srv := newMiniRedisTracker(t)
	ctx := context.Background()
	srv.HSet("ilp:balance:alice", fieldClearing, "7", fieldPrepaid, "3")

	debit, err := tracker.UpdateBalanceForPrepare(ctx, "alice", 5, ptr(0))
	if err != nil {
		t.Fatalf("update balance for prepare: %v", err)
	}
	after, err := tracker.UpdateBalanceForReject(ctx, debit)
	if err != nil {
		t.Fatalf("update balance for reject: %v", err)
	}
	if want := (Balance{ClearingBalance: 7, PrepaidAmount: 3}); after != want {
		t.Fatalf("balance changed: got %v want %v", after, want)
	}
}

func TestRedisScriptsHandleLargeAmounts(t *testing.T) {
	tracker, srv := newMiniRedisTracker(t)
	ctx := context.Background()
	const large = int64(100_000_000_000_000)

	debit, err := tracker.UpdateBalanceForPrepare(ctx, "alice", large, nil)
	if err != nil {
		t.Fatalf("update balance for prepare: %v", err)
	}
	if debit.Balance.ClearingBalance != -large {
		t.Fatalf("unexpected clearing balance: got %d want %d", debit.Balance.ClearingBalance, -large)
	}
	if got := srv.HGet("ilp:balance:alice", fieldClearing); got != "-100000000000000" {
		t.Fatalf("unexpected stored balance: %q", got)
	}
	if _, err := tracker.UpdateBalanceForReject(ctx, debit); err != nil {
		t.Fatalf("update balance for reject: %v", err)
	}

	res, err := tracker.UpdateBalanceForFulfill(ctx, "bob", 3*large,
		accounts.BalancePolicy{SettleThreshold: ptr(large), SettleTo: large})
	if err != nil {
		t.Fatalf("update balance for fulfill: %v", err)
	}
	if res.Settlement == nil || res.Settlement.Amount != 2*large {
		t.Fatalf("unexpected settlement: %+v", res.Settlement)
	}
	if _, err := tracker.UpdateBalanceForFulfill(ctx, "bob", 1, accounts.BalancePolicy{}); err != nil {
		t.Fatalf("fulfill after settle-to write: %v", err)
	}
	bal, err := tracker.Balance(ctx, "bob")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.ClearingBalance != large+1 {
		t.Fatalf("unexpected clearing balance: got %d want %d", bal.ClearingBalance, large+1)
	}
}
