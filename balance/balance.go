package balance

import (
	"context"
	"errors"
	"fmt"
	"math"

	"ilpnode/accounts"
)

var (
	// ErrInvalidArgument reports a precondition violation (missing account, negative
	// amount). It is never a ledger outcome.
	ErrInvalidArgument = errors.New("balance: invalid argument")
	// ErrMinBalanceExceeded is wrapped by TrackerError when a prepare would breach the floor.
	ErrMinBalanceExceeded = errors.New("balance: minimum balance exceeded")
	// ErrOverflow reports a mutation whose result does not fit in int64.
	ErrOverflow = errors.New("balance: arithmetic overflow")
)

// Balance is the ledger state of one account in its asset units.
type Balance struct {
	ClearingBalance int64 `json:"clearingBalance"`
	PrepaidAmount   int64 `json:"prepaidAmount"`
}

// NetBalance is clearing plus prepaid.
func (b Balance) NetBalance() int64 { return b.ClearingBalance + b.PrepaidAmount }

// Debit describes how a prepare was drawn from an account. It is handed back to
// UpdateBalanceForReject to reverse exactly that draw-down.
type Debit struct {
	AccountID   accounts.AccountID
	Amount      int64
	FromPrepaid int64
	Balance     Balance
}

// FromClearing is the part of the debit taken from the clearing balance.
func (d Debit) FromClearing() int64 { return d.Amount - d.FromPrepaid }

// Settlement asks for Amount to be settled to an account.
type Settlement struct {
	AccountID accounts.AccountID
	Amount    int64
}

// FulfillResult is the outcome of UpdateBalanceForFulfill. Settlement is nil unless
// the threshold was crossed.
type FulfillResult struct {
	Balance    Balance
	Settlement *Settlement
}

// TrackerError is returned when a prepare would push the clearing balance below the
// account's minimum. No mutation is committed.
type TrackerError struct {
	Op         string
	AccountID  accounts.AccountID
	Amount     int64
	Balance    Balance
	MinBalance int64
}

func (e *TrackerError) Error() string {
	return fmt.Sprintf("balance: %s of %d on account %s refused: clearing balance %d (prepaid %d) would fall below minimum %d",
		e.Op, e.Amount, e.AccountID, e.Balance.ClearingBalance, e.Balance.PrepaidAmount, e.MinBalance)
}

func (e *TrackerError) Unwrap() error { return ErrMinBalanceExceeded }

// Tracker is the per-account ledger. Every operation is atomic per account: concurrent
// callers never observe intermediate state and results are equivalent to some serial order.
type Tracker interface {
	Balance(ctx context.Context, id accounts.AccountID) (Balance, error)
	UpdateBalanceForPrepare(ctx context.Context, id accounts.AccountID, amount int64, minBalance *int64) (Debit, error)
	UpdateBalanceForFulfill(ctx context.Context, id accounts.AccountID, amount int64, policy accounts.BalancePolicy) (FulfillResult, error)
	UpdateBalanceForReject(ctx context.Context, debit Debit) (Balance, error)
	UpdateBalanceForIncomingSettlement(ctx context.Context, id accounts.AccountID, amount int64) (Balance, error)
}

// SettlementNotifier receives settlement requests. Delivery of the actual transfer is
// the notifier's concern; failures never roll back the ledger.
type SettlementNotifier interface {
	NotifySettlement(ctx context.Context, id accounts.AccountID, amount int64) error
}

// NotifierFunc adapts a function to SettlementNotifier.
type NotifierFunc func(ctx context.Context, id accounts.AccountID, amount int64) error

func (f NotifierFunc) NotifySettlement(ctx context.Context, id accounts.AccountID, amount int64) error {
	return f(ctx, id, amount)
}

func checkArgs(id accounts.AccountID, amount int64) error {
	if id == "" {
		return fmt.Errorf("%w: account id required", ErrInvalidArgument)
	}
	if amount < 0 {
		return fmt.Errorf("%w: amount %d must not be negative", ErrInvalidArgument, amount)
	}
	return nil
}

func addChecked(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return a + b, nil
}

// applyPrepare draws amount from prepaid first and the remainder from clearing. The
// floor is only enforced when clearing actually moves.
func applyPrepare(id accounts.AccountID, b Balance, amount int64, minBalance *int64) (Balance, int64, error) {
	var fromPrepaid int64
	if b.PrepaidAmount > 0 {
		fromPrepaid = min(b.PrepaidAmount, amount)
	}
	rest := amount - fromPrepaid
	clearing, err := addChecked(b.ClearingBalance, -rest)
	if err != nil {
		return b, 0, err
	}
	if rest > 0 && minBalance != nil && clearing < *minBalance {
		return b, 0, &TrackerError{
			Op:         "prepare",
			AccountID:  id,
			Amount:     amount,
			Balance:    b,
			MinBalance: *minBalance,
		}
	}
	return Balance{ClearingBalance: clearing, PrepaidAmount: b.PrepaidAmount - fromPrepaid}, fromPrepaid, nil
}

// applyFulfill credits clearing and, when the result is strictly above the threshold,
// resets clearing to settle-to and reports the difference for settlement.
func applyFulfill(b Balance, amount int64, policy accounts.BalancePolicy) (Balance, int64, error) {
	clearing, err := addChecked(b.ClearingBalance, amount)
	if err != nil {
		return b, 0, err
	}
	next := Balance{ClearingBalance: clearing, PrepaidAmount: b.PrepaidAmount}
	if policy.SettleThreshold == nil || clearing <= *policy.SettleThreshold {
		return next, 0, nil
	}
	settle := clearing - policy.SettleTo
	next.ClearingBalance = policy.SettleTo
	return next, settle, nil
}

// applyReject returns a debit to the buckets it was drawn from.
func applyReject(b Balance, d Debit) (Balance, error) {
	prepaid, err := addChecked(b.PrepaidAmount, d.FromPrepaid)
	if err != nil {
		return b, err
	}
	clearing, err := addChecked(b.ClearingBalance, d.FromClearing())
	if err != nil {
		return b, err
	}
	return Balance{ClearingBalance: clearing, PrepaidAmount: prepaid}, nil
}

func checkDebit(d Debit) error {
	if err := checkArgs(d.AccountID, d.Amount); err != nil {
		return err
	}
	if d.FromPrepaid < 0 || d.FromPrepaid > d.Amount {
		return fmt.Errorf("%w: prepaid portion %d outside [0, %d]", ErrInvalidArgument, d.FromPrepaid, d.Amount)
	}
	return nil
}
