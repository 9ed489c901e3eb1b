package link

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"ilpnode/accounts"
	"ilpnode/ilp"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func smallBreaker(clock *fakeClock, transitions *[]string) *Breaker {
	return NewBreaker(BreakerConfig{
		WindowSize:           4,
		MinimumCalls:         4,
		FailureRateThreshold: 0.5,
		OpenDuration:         10 * time.Second,
		HalfOpenCalls:        2,
	}, WithBreakerClock(clock.Now), WithStateChange(func(from, to BreakerState) {
		if transitions != nil {
			*transitions = append(*transitions, from.String()+"->"+to.String())
		}
	}))
}

func record(t *testing.T, b *Breaker, outcome Outcome) {
	t.Helper()
	done, err := b.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done(outcome, time.Millisecond)
}

func TestBreakerOpensAtFailureRate(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := smallBreaker(clock, &transitions)

	record(t, b, OutcomeSuccess)
	record(t, b, OutcomeFailure)
	record(t, b, OutcomeSuccess)
	if !reflect.DeepEqual(b.State(), BreakerClosed) {
		t.Fatal("below minimum calls")
	}
	record(t, b, OutcomeFailure)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerOpen)
	}

	_, err := b.Acquire()
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected %v, got %v", ErrBreakerOpen, err)
	}
	if !reflect.DeepEqual(transitions, []string{"closed->open"}) {
		t.Fatalf("unexpected transitions: got %v want %v", transitions, []string{"closed->open"})
	}
}

func TestBreakerIgnoredOutcomesDoNotCount(t *testing.T) {
	b := smallBreaker(newFakeClock(), nil)
	for i := 0; i < 20; i++ {
		record(t, b, OutcomeIgnored)
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerClosed)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := smallBreaker(clock, &transitions)
	b.ForceOpen()

	clock.Advance(9 * time.Second)
	_, err := b.Acquire()
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected %v, got %v", ErrBreakerOpen, err)
	}

	clock.Advance(time.Second)
	first, err := b.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := b.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = b.Acquire()
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatal("probe concurrency is bounded")
	}

	first(OutcomeSuccess, time.Millisecond)
	second(OutcomeSuccess, time.Millisecond)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerClosed)
	}
	if !reflect.DeepEqual(transitions, []string{"closed->open", "open->half-open", "half-open->closed"}) {
		t.Fatalf("unexpected transitions: got %v want %v", transitions, []string{"closed->open", "open->half-open", "half-open->closed"})
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := smallBreaker(clock, nil)
	b.ForceOpen()
	clock.Advance(10 * time.Second)

	done, err := b.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done(OutcomeFailure, time.Millisecond)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerOpen)
	}
}

func TestBreakerSlowCalls(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		WindowSize:            2,
		MinimumCalls:          2,
		FailureRateThreshold:  1,
		SlowCallDuration:      100 * time.Millisecond,
		SlowCallRateThreshold: 1,
	}, WithBreakerClock(newFakeClock().Now))
	for i := 0; i < 2; i++ {
		done, err := b.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		done(OutcomeSuccess, 150*time.Millisecond)
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerOpen)
	}
}

func TestBreakerStaleCompletionIgnored(t *testing.T) {
	clock := newFakeClock()
	b := smallBreaker(clock, nil)
	done, err := b.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b.ForceOpen()
	b.Reset()
	done(OutcomeFailure, time.Millisecond)
	done(OutcomeFailure, time.Millisecond)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerClosed)
	}
}

type scriptedLink struct {
	mu    sync.Mutex
	calls int
	resp  ilp.Response
	err   error
}

func (l *scriptedLink) ID() accounts.AccountID { return "bob" }

func (l *scriptedLink) SendPacket(context.Context, *ilp.Prepare) (ilp.Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.resp, l.err
}

func (l *scriptedLink) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

var operator = ilp.MustParseAddress("test.node")

func testPrepare() *ilp.Prepare {
	return &ilp.Prepare{Destination: ilp.MustParseAddress("test.bob.x"), Amount: 1, ExpiresAt: time.Now().Add(time.Minute)}
}

func TestConnectorBusyDoesNotOpenBreaker(t *testing.T) {
	inner := &scriptedLink{resp: ilp.RejectResponse(ilp.NewReject(ilp.CodeConnectorBusy, ilp.MustParseAddress("test.far"), "busy"))}
	l := NewBreakerLink(inner, smallBreaker(newFakeClock(), nil), operator)

	for i := 0; i < 10; i++ {
		resp, err := l.SendPacket(context.Background(), testPrepare())
		if err != nil {
			t.Fatalf("send packet: %v", err)
		}
		if resp.Reject.Code != ilp.CodeConnectorBusy {
			t.Fatalf("unexpected code: got %v want %v", resp.Reject.Code, ilp.CodeConnectorBusy)
		}
		if got := resp.Reject.TriggeredBy.String(); got != "test.far" {
			t.Fatalf("unexpected triggered by: got %v want %v", got, "test.far")
		}
	}
	if got := inner.Calls(); got != 10 {
		t.Fatalf("unexpected calls: got %v want %v", got, 10)
	}
	if got := l.Breaker().State(); got != BreakerClosed {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerClosed)
	}
}

func TestPeerBusyShortCircuitsWithinCoolDown(t *testing.T) {
	clock := newFakeClock()
	inner := &scriptedLink{resp: ilp.RejectResponse(ilp.NewReject(ilp.CodePeerBusy, ilp.MustParseAddress("test.bob"), "overloaded"))}
	l := NewBreakerLink(inner, smallBreaker(clock, nil), operator)

	for i := 0; i < 4; i++ {
		_, err := l.SendPacket(context.Background(), testPrepare())
		if err != nil {
			t.Fatalf("send packet: %v", err)
		}
	}
	if got := l.Breaker().State(); got != BreakerOpen {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerOpen)
	}

	resp, err := l.SendPacket(context.Background(), testPrepare())
	if err != nil {
		t.Fatalf("send packet: %v", err)
	}
	if inner.Calls() != 4 {
		t.Fatal("open breaker must not reach the transport")
	}
	if resp.Reject.Code != ilp.CodePeerBusy {
		t.Fatalf("unexpected code: got %v want %v", resp.Reject.Code, ilp.CodePeerBusy)
	}
	if !reflect.DeepEqual(resp.Reject.TriggeredBy, operator) {
		t.Fatalf("unexpected triggered by: got %v want %v", resp.Reject.TriggeredBy, operator)
	}
	if !strings.Contains(resp.Reject.Message, "bob") {
		t.Fatalf("expected %q in %q", "bob", resp.Reject.Message)
	}

	clock.Advance(10 * time.Second)
	inner.mu.Lock()
	inner.resp = ilp.FulfillResponse(&ilp.Fulfill{})
	inner.mu.Unlock()
	for i := 0; i < 2; i++ {
		resp, err = l.SendPacket(context.Background(), testPrepare())
		if err != nil {
			t.Fatalf("send packet: %v", err)
		}
		if !resp.IsFulfill() {
			t.Fatal("expected fulfill")
		}
	}
	if got := l.Breaker().State(); got != BreakerClosed {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerClosed)
	}
}

func TestTransportErrorsCountAsFailures(t *testing.T) {
	inner := &scriptedLink{err: errors.New("connection refused")}
	l := NewBreakerLink(inner, smallBreaker(newFakeClock(), nil), operator)
	for i := 0; i < 4; i++ {
		_, err := l.SendPacket(context.Background(), testPrepare())
		if err == nil {
			t.Fatal("expected error")
		}
	}
	if got := l.Breaker().State(); got != BreakerOpen {
		t.Fatalf("unexpected state: got %v want %v", got, BreakerOpen)
	}
}
