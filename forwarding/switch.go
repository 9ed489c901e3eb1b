package forwarding

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"ilpnode/accounts"
	"ilpnode/balance"
	"ilpnode/events"
	"ilpnode/ilp"
	"ilpnode/link"
	"ilpnode/observability"
	"ilpnode/observability/logging"
)

// LinkSource hands out the outbound link for an account.
type LinkSource interface {
	GetOrCreateLink(ctx context.Context, id accounts.AccountID) (link.Link, error)
}

// SwitchOption customises a Switch.
type SwitchOption func(*Switch)

// WithEmitter publishes packet outcomes.
func WithEmitter(e events.Emitter) SwitchOption {
	return func(s *Switch) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) SwitchOption {
	return func(s *Switch) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSwitchClock injects the clock used by the expiry filter.
func WithSwitchClock(now func() time.Time) SwitchOption {
	return func(s *Switch) {
		if now != nil {
			s.now = now
		}
	}
}

// Switch runs the packet path: filters, resolution, balance prepare, send, then
// fulfill or reject bookkeeping.
type Switch struct {
	operator ilp.Address
	accounts AccountGetter
	resolver *Resolver
	tracker  balance.Tracker
	links    LinkSource
	emitter  events.Emitter
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer

	limitMu  sync.Mutex
	limiters map[accounts.AccountID]*rate.Limiter
}

// NewSwitch wires the packet path.
func NewSwitch(operator ilp.Address, accts AccountGetter, resolver *Resolver, tracker balance.Tracker, links LinkSource, opts ...SwitchOption) *Switch {
	s := &Switch{
		operator: operator,
		accounts: accts,
		resolver: resolver,
		tracker:  tracker,
		links:    links,
		emitter:  events.NoopEmitter{},
		logger:   logging.OrDefault(nil),
		now:      time.Now,
		tracer:   otel.Tracer("ilpnode/forwarding"),
		limiters: make(map[accounts.AccountID]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Switch) reject(code ilp.ErrorCode, format string, args ...any) ilp.Response {
	return ilp.RejectResponse(ilp.NewReject(code, s.operator, format, args...))
}

// HandlePrepare processes one prepare from senderID. Every failure is returned as a
// reject; nothing is thrown past this boundary.
func (s *Switch) HandlePrepare(ctx context.Context, senderID accounts.AccountID, prepare *ilp.Prepare) ilp.Response {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "forwarding.HandlePrepare", trace.WithAttributes(
		attribute.String("ilp.account", string(senderID)),
		attribute.String("ilp.destination", prepare.Destination.String()),
		attribute.Int64("ilp.amount", int64(min(prepare.Amount, math.MaxInt64))),
	))
	defer span.End()

	resp, local := s.handle(ctx, senderID, prepare)

	outcome := "fulfilled"
	if resp.Reject != nil {
		outcome = "rejected"
		span.SetStatus(codes.Error, string(resp.Reject.Code))
		span.SetAttributes(attribute.String("ilp.reject_code", string(resp.Reject.Code)))
		observability.Packets().RecordReject(string(resp.Reject.Code), local)
		s.emitter.Emit(events.PacketRejected{
			SourceAccount: senderID,
			Destination:   prepare.Destination,
			Amount:        prepare.Amount,
			Code:          resp.Reject.Code,
			TriggeredBy:   resp.Reject.TriggeredBy,
			Message:       resp.Reject.Message,
		})
		s.logger.Debug("prepare rejected",
			slog.String("account", string(senderID)),
			slog.String("destination", prepare.Destination.String()),
			slog.String("code", string(resp.Reject.Code)),
			slog.String("message", resp.Reject.Message),
			slog.Bool("local", local))
	}
	observability.Packets().ObservePrepare(string(senderID), outcome, s.now().Sub(start))
	return resp
}

// handle reports whether a reject was produced by this node.
func (s *Switch) handle(ctx context.Context, senderID accounts.AccountID, prepare *ilp.Prepare) (ilp.Response, bool) {
	sender, err := s.accounts.Get(ctx, senderID)
	if errors.Is(err, accounts.ErrAccountNotFound) || errors.Is(err, accounts.ErrInvalidAccountID) {
		return s.reject(ilp.CodeBadRequest, "unknown source account %s", senderID), true
	}
	if err != nil {
		s.logger.Error("source account lookup failed", slog.String("account", string(senderID)), slog.Any("error", err))
		return s.reject(ilp.CodeInternalError, "unable to load source account"), true
	}
	if resp, rejected := s.filter(sender, prepare); rejected {
		return resp, true
	}

	next, reject := s.resolver.Resolve(ctx, sender, prepare)
	if reject != nil {
		return ilp.RejectResponse(reject), true
	}
	if prepare.Amount > math.MaxInt64 || next.Prepare.Amount > math.MaxInt64 {
		return s.reject(ilp.CodeAmountTooLarge, "amount %d exceeds the ledger range", prepare.Amount), true
	}

	debit, err := s.tracker.UpdateBalanceForPrepare(ctx, sender.ID, int64(prepare.Amount), sender.Balance.MinBalance)
	if err != nil {
		var te *balance.TrackerError
		if errors.As(err, &te) {
			return s.reject(ilp.CodeInsufficientLiquidity, "insufficient liquidity on account %s", sender.ID), true
		}
		s.logger.Error("balance prepare failed", slog.String("account", string(sender.ID)), slog.Any("error", err))
		return s.reject(ilp.CodeInternalError, "unable to update balance"), true
	}

	resp, local := s.send(ctx, next)
	if resp.Reject != nil {
		s.reverse(ctx, debit)
		return resp, local
	}

	res, err := s.tracker.UpdateBalanceForFulfill(context.WithoutCancel(ctx), next.Account.ID, int64(next.Prepare.Amount), next.Account.Balance)
	if err != nil {
		s.logger.Error("balance fulfill failed",
			slog.String("account", string(next.Account.ID)),
			slog.Uint64("amount", next.Prepare.Amount),
			slog.Any("error", err))
	} else if res.Settlement != nil {
		s.logger.Info("settlement triggered",
			slog.String("account", string(next.Account.ID)),
			slog.Int64("amount", res.Settlement.Amount))
	}
	observability.Packets().RecordFulfilledAmounts(string(sender.ID), prepare.Amount, string(next.Account.ID), next.Prepare.Amount)
	s.emitter.Emit(events.PacketFulfilled{
		SourceAccount:      sender.ID,
		DestinationAccount: next.Account.ID,
		Destination:        prepare.Destination,
		SourceAmount:       prepare.Amount,
		DestinationAmount:  next.Prepare.Amount,
		Fulfillment:        resp.Fulfill.Fulfillment,
	})
	return resp, false
}

// filter applies the admission checks that run before routing.
func (s *Switch) filter(sender accounts.Account, prepare *ilp.Prepare) (ilp.Response, bool) {
	if now := s.now(); !prepare.ExpiresAt.After(now) {
		return s.reject(ilp.CodeTransferTimedOut, "packet expired at %s", prepare.ExpiresAt.UTC().Format(time.RFC3339Nano)), true
	}
	if limit := sender.MaxPacketAmount; limit != nil && prepare.Amount > *limit {
		return s.reject(ilp.CodeAmountTooLarge, "packet size too large (received=%d, maximum=%d)", prepare.Amount, *limit), true
	}
	if !s.allow(sender) {
		return s.reject(ilp.CodeRateLimited, "too many requests from account %s", sender.ID), true
	}
	if prepare.Destination.Scheme() == "peer" && !sender.IsPeer() {
		return s.reject(ilp.CodeUnreachable, "destination %s is only reachable by peers", prepare.Destination), true
	}
	return ilp.Response{}, false
}

func (s *Switch) allow(sender accounts.Account) bool {
	if sender.RateLimit <= 0 {
		return true
	}
	s.limitMu.Lock()
	l, ok := s.limiters[sender.ID]
	if !ok || float64(l.Limit()) != sender.RateLimit {
		burst := int(math.Ceil(sender.RateLimit))
		l = rate.NewLimiter(rate.Limit(sender.RateLimit), max(burst, 1))
		s.limiters[sender.ID] = l
	}
	s.limitMu.Unlock()
	return l.AllowN(s.now(), 1)
}

// send forwards the prepare, bounding the wait by the downstream expiry, and verifies
// the fulfillment against the condition.
func (s *Switch) send(ctx context.Context, next NextHop) (ilp.Response, bool) {
	l, err := s.links.GetOrCreateLink(ctx, next.Account.ID)
	if err != nil {
		s.logger.Warn("no link to next hop", slog.String("account", string(next.Account.ID)), slog.Any("error", err))
		return s.reject(ilp.CodePeerUnreachable, "unable to reach next hop %s", next.Account.ID), true
	}
	sendCtx, cancel := context.WithDeadline(ctx, next.Prepare.ExpiresAt)
	defer cancel()

	resp, err := l.SendPacket(sendCtx, next.Prepare)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return s.reject(ilp.CodeTransferTimedOut, "transfer timed out waiting for %s", next.Account.ID), true
		}
		s.logger.Warn("send failed", slog.String("account", string(next.Account.ID)), slog.Any("error", err))
		return s.reject(ilp.CodeInternalError, "unable to send packet to %s", next.Account.ID), true
	}
	if err := resp.Validate(); err != nil {
		return s.reject(ilp.CodeInternalError, "invalid response from %s", next.Account.ID), true
	}
	if resp.Reject != nil {
		return resp, resp.Reject.TriggeredBy == s.operator
	}
	if !resp.Fulfill.Matches(next.Prepare.ExecutionCondition) {
		s.logger.Warn("fulfillment does not match condition", slog.String("account", string(next.Account.ID)))
		return s.reject(ilp.CodeWrongCondition, "fulfillment from %s does not match the execution condition", next.Account.ID), true
	}
	return resp, false
}

func (s *Switch) reverse(ctx context.Context, debit balance.Debit) {
	if _, err := s.tracker.UpdateBalanceForReject(context.WithoutCancel(ctx), debit); err != nil {
		s.logger.Error("balance reject failed",
			slog.String("account", string(debit.AccountID)),
			slog.Int64("amount", debit.Amount),
			slog.Any("error", err))
	}
}
