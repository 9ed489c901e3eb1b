package link

import (
	"context"
	"errors"
	"time"

	"ilpnode/accounts"
	"ilpnode/ilp"
)

// BreakerLink guards a link with a circuit breaker. T02 responses and transport errors
// count as failures. Every other reject passes through unmodified and uncounted.
type BreakerLink struct {
	link     Link
	breaker  *Breaker
	operator ilp.Address
	now      func() time.Time
}

// NewBreakerLink wraps l. Short-circuited calls are rejected as triggered by operator.
func NewBreakerLink(l Link, breaker *Breaker, operator ilp.Address) *BreakerLink {
	return &BreakerLink{link: l, breaker: breaker, operator: operator, now: breaker.now}
}

func (l *BreakerLink) ID() accounts.AccountID { return l.link.ID() }

// Unwrap returns the guarded link.
func (l *BreakerLink) Unwrap() Link { return l.link }

// Breaker exposes the breaker for inspection.
func (l *BreakerLink) Breaker() *Breaker { return l.breaker }

func (l *BreakerLink) SendPacket(ctx context.Context, prepare *ilp.Prepare) (ilp.Response, error) {
	done, err := l.breaker.Acquire()
	if errors.Is(err, ErrBreakerOpen) {
		linkMetrics().recordShortCircuit(string(l.ID()))
		return ilp.RejectResponse(ilp.NewReject(ilp.CodePeerBusy, l.operator,
			"circuit breaker open for link %s", l.ID())), nil
	}
	if timeout := l.breaker.cfg.CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := l.now()
	resp, err := l.link.SendPacket(ctx, prepare)
	elapsed := l.now().Sub(start)
	linkMetrics().observeSend(string(l.ID()), classify(resp, err), elapsed)

	switch {
	case err != nil:
		done(OutcomeFailure, elapsed)
	case resp.Reject != nil && resp.Reject.Code == ilp.CodePeerBusy:
		done(OutcomeFailure, elapsed)
	case resp.Reject != nil:
		done(OutcomeIgnored, elapsed)
	default:
		done(OutcomeSuccess, elapsed)
	}
	return resp, err
}

func classify(resp ilp.Response, err error) string {
	switch {
	case err != nil:
		return "error"
	case resp.Reject != nil:
		return "reject"
	default:
		return "fulfill"
	}
}
