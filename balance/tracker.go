package balance

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"ilpnode/accounts"
	"ilpnode/events"
	"ilpnode/observability"
	"ilpnode/observability/logging"
)

// Option customises tracker construction.
type Option func(*settings)

type settings struct {
	notifier SettlementNotifier
	emitter  events.Emitter
	logger   *slog.Logger
}

// WithNotifier installs the settlement sink.
func WithNotifier(n SettlementNotifier) Option {
	return func(s *settings) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithEmitter publishes SettlementTriggered events.
func WithEmitter(e events.Emitter) Option {
	return func(s *settings) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{emitter: events.NoopEmitter{}, logger: logging.OrDefault(nil)}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// LocalTracker serialises mutations per account with an in-process mutex and commits
// each result to a Store before releasing it. Different accounts proceed in parallel.
type LocalTracker struct {
	settings
	store Store

	mu    sync.Mutex
	locks map[accounts.AccountID]*accountLock
}

// accountLock is dropped from the map once no caller holds or waits on it, so the
// map is bounded by the accounts currently in flight.
type accountLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocalTracker returns a tracker over store. A nil store uses memory.
func NewLocalTracker(store Store, opts ...Option) *LocalTracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &LocalTracker{
		settings: newSettings(opts),
		store:    store,
		locks:    make(map[accounts.AccountID]*accountLock),
	}
}

func (t *LocalTracker) lock(id accounts.AccountID) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &accountLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

// mutate loads, transforms and saves one account's balance under its lock.
func (t *LocalTracker) mutate(ctx context.Context, id accounts.AccountID, fn func(Balance) (Balance, error)) (Balance, error) {
	unlock := t.lock(id)
	defer unlock()
	current, err := t.store.Load(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	next, err := fn(current)
	if err != nil {
		return current, err
	}
	if err := t.store.Save(ctx, id, next); err != nil {
		return current, err
	}
	observability.Balances().ObserveBalance(string(id), next.ClearingBalance, next.PrepaidAmount)
	return next, nil
}

// Balance returns a snapshot of the account's balance.
func (t *LocalTracker) Balance(ctx context.Context, id accounts.AccountID) (Balance, error) {
	if err := checkArgs(id, 0); err != nil {
		return Balance{}, err
	}
	unlock := t.lock(id)
	defer unlock()
	return t.store.Load(ctx, id)
}

// Balances returns every stored balance.
func (t *LocalTracker) Balances(ctx context.Context) (map[accounts.AccountID]Balance, error) {
	return t.store.All(ctx)
}

// UpdateBalanceForPrepare debits the source account of an incoming prepare, drawing
// prepaid funds first. A TrackerError means nothing was committed.
func (t *LocalTracker) UpdateBalanceForPrepare(ctx context.Context, id accounts.AccountID, amount int64, minBalance *int64) (Debit, error) {
	if err := checkArgs(id, amount); err != nil {
		return Debit{}, err
	}
	var fromPrepaid int64
	next, err := t.mutate(ctx, id, func(b Balance) (Balance, error) {
		nb, fp, err := applyPrepare(id, b, amount, minBalance)
		fromPrepaid = fp
		return nb, err
	})
	if err != nil {
		var te *TrackerError
		if errors.As(err, &te) {
			observability.Balances().RecordFloorRejection(string(id))
		}
		return Debit{}, err
	}
	return Debit{AccountID: id, Amount: amount, FromPrepaid: fromPrepaid, Balance: next}, nil
}

// UpdateBalanceForFulfill credits the account a fulfilled packet was forwarded to.
// When the threshold is crossed the balance is reset in the same critical section and
// the notifier is called after the lock is released.
func (t *LocalTracker) UpdateBalanceForFulfill(ctx context.Context, id accounts.AccountID, amount int64, policy accounts.BalancePolicy) (FulfillResult, error) {
	if err := checkArgs(id, amount); err != nil {
		return FulfillResult{}, err
	}
	var settle int64
	next, err := t.mutate(ctx, id, func(b Balance) (Balance, error) {
		nb, s, err := applyFulfill(b, amount, policy)
		settle = s
		return nb, err
	})
	if err != nil {
		return FulfillResult{}, err
	}
	res := FulfillResult{Balance: next}
	if settle > 0 {
		res.Settlement = &Settlement{AccountID: id, Amount: settle}
		t.notify(ctx, id, settle)
	}
	return res, nil
}

// UpdateBalanceForReject reverses a prepare debit.
func (t *LocalTracker) UpdateBalanceForReject(ctx context.Context, debit Debit) (Balance, error) {
	if err := checkDebit(debit); err != nil {
		return Balance{}, err
	}
	return t.mutate(ctx, debit.AccountID, func(b Balance) (Balance, error) {
		return applyReject(b, debit)
	})
}

// UpdateBalanceForIncomingSettlement credits funds the peer settled to us as prepaid.
func (t *LocalTracker) UpdateBalanceForIncomingSettlement(ctx context.Context, id accounts.AccountID, amount int64) (Balance, error) {
	if err := checkArgs(id, amount); err != nil {
		return Balance{}, err
	}
	return t.mutate(ctx, id, func(b Balance) (Balance, error) {
		prepaid, err := addChecked(b.PrepaidAmount, amount)
		if err != nil {
			return b, err
		}
		b.PrepaidAmount = prepaid
		return b, nil
	})
}

func (s *settings) notify(ctx context.Context, id accounts.AccountID, amount int64) {
	observability.Balances().RecordSettlement(string(id))
	s.emitter.Emit(events.SettlementTriggered{AccountID: id, Amount: amount})
	if s.notifier == nil {
		s.logger.Warn("settlement threshold crossed without a notifier",
			slog.String("account", string(id)),
			slog.Int64("amount", amount))
		return
	}
	if err := s.notifier.NotifySettlement(ctx, id, amount); err != nil {
		observability.Balances().RecordNotifyFailure(string(id))
		s.logger.Error("settlement notification failed",
			slog.String("account", string(id)),
			slog.Int64("amount", amount),
			slog.Any("error", err))
	}
}
