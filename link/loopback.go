package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ilpnode/accounts"
	"ilpnode/ilp"
)

// TypeLoopback names the in-process link.
const TypeLoopback = "loopback"

// ErrPeerClosed is the disconnect reason reported by LoopbackLink.Close.
var ErrPeerClosed = errors.New("link: closed by peer")

// LoopbackLink answers packets in-process. It fulfills with the zero preimage unless a
// reject_code setting makes it reject every packet. An optional latency setting delays
// each response.
type LoopbackLink struct {
	id         accounts.AccountID
	operator   ilp.Address
	rejectCode ilp.ErrorCode
	latency    time.Duration

	mu       sync.Mutex
	state    State
	observer Observer
	sends    int
}

// NewLoopbackLink is the loopback Factory.
func NewLoopbackLink(s Settings) (Link, error) {
	l := &LoopbackLink{id: s.Account.ID, operator: s.OperatorAddress}
	if code := strings.ToUpper(s.Option("reject_code", "")); code != "" {
		l.rejectCode = ilp.ErrorCode(code)
	}
	if raw := s.Option("latency", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("link %s: latency: %w", s.Account.ID, err)
		}
		l.latency = d
	}
	return l, nil
}

func (l *LoopbackLink) ID() accounts.AccountID { return l.id }

func (l *LoopbackLink) SetObserver(o Observer) {
	l.mu.Lock()
	l.observer = o
	l.mu.Unlock()
}

func (l *LoopbackLink) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Sends reports how many packets reached this link.
func (l *LoopbackLink) Sends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sends
}

func (l *LoopbackLink) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	already := l.state == StateConnected
	l.state = StateConnected
	obs := l.observer
	l.mu.Unlock()
	if !already && obs != nil {
		obs.LinkConnected(l.id)
	}
	return nil
}

func (l *LoopbackLink) Disconnect(context.Context) error {
	l.transitionDown(nil)
	return nil
}

// Close simulates the peer closing the connection.
func (l *LoopbackLink) Close() {
	l.transitionDown(ErrPeerClosed)
}

func (l *LoopbackLink) transitionDown(reason error) {
	l.mu.Lock()
	was := l.state == StateConnected
	l.state = StateNotConnected
	obs := l.observer
	l.mu.Unlock()
	if was && obs != nil {
		obs.LinkDisconnected(l.id, reason)
	}
}

func (l *LoopbackLink) SendPacket(ctx context.Context, prepare *ilp.Prepare) (ilp.Response, error) {
	l.mu.Lock()
	if l.state != StateConnected {
		l.mu.Unlock()
		return ilp.Response{}, fmt.Errorf("%w: %s", ErrNotConnected, l.id)
	}
	l.sends++
	l.mu.Unlock()

	if l.latency > 0 {
		timer := time.NewTimer(l.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ilp.Response{}, ctx.Err()
		}
	}
	if l.rejectCode != "" {
		return ilp.RejectResponse(ilp.NewReject(l.rejectCode, l.operator, "loopback reject for %s", prepare.Destination)), nil
	}
	return ilp.FulfillResponse(&ilp.Fulfill{}), nil
}
