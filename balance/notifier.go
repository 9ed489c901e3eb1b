package balance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ilpnode/accounts"
	"ilpnode/observability"
	"ilpnode/observability/logging"
)

// ErrNotifierClosed is returned after AsyncNotifier.Close.
var ErrNotifierClosed = errors.New("balance: notifier closed")

// ErrQueueFull is returned when the AsyncNotifier backlog is saturated.
var ErrQueueFull = errors.New("balance: settlement queue full")

type settlementJob struct {
	id     accounts.AccountID
	amount int64
}

// AsyncNotifier hands settlements to a background worker so the packet path never waits
// on the settlement system.
type AsyncNotifier struct {
	next   SettlementNotifier
	logger *slog.Logger
	queue  chan settlementJob

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncNotifier starts a worker delivering to next with a backlog of size entries.
func NewAsyncNotifier(next SettlementNotifier, size int, logger *slog.Logger) *AsyncNotifier {
	if size <= 0 {
		size = 64
	}
	n := &AsyncNotifier{
		next:   next,
		logger: logging.OrDefault(logger),
		queue:  make(chan settlementJob, size),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *AsyncNotifier) run() {
	defer close(n.done)
	for job := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := n.next.NotifySettlement(ctx, job.id, job.amount); err != nil {
			observability.Balances().RecordNotifyFailure(string(job.id))
			n.logger.Error("settlement delivery failed",
				slog.String("account", string(job.id)),
				slog.Int64("amount", job.amount),
				slog.Any("error", err))
		}
		cancel()
	}
}

// NotifySettlement enqueues without blocking.
func (n *AsyncNotifier) NotifySettlement(_ context.Context, id accounts.AccountID, amount int64) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrNotifierClosed
	}
	select {
	case n.queue <- settlementJob{id: id, amount: amount}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains the backlog and stops the worker.
func (n *AsyncNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPNotifier asks a settlement engine to settle by POSTing to
// {base}/accounts/{id}/settlements with an idempotency key.
type HTTPNotifier struct {
	base   *url.URL
	client *http.Client
	scale  func(accounts.AccountID) uint8
}

// NewHTTPNotifier targets the settlement engine at baseURL. scale reports the asset
// scale the amount is denominated in; nil means zero.
func NewHTTPNotifier(baseURL string, scale func(accounts.AccountID) uint8) (*HTTPNotifier, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("settlement engine url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("settlement engine url: unsupported scheme %q", u.Scheme)
	}
	return &HTTPNotifier{
		base:   u,
		client: &http.Client{Timeout: 15 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		scale:  scale,
	}, nil
}

type settlementRequest struct {
	Amount string `json:"amount"`
	Scale  uint8  `json:"scale"`
}

func (n *HTTPNotifier) NotifySettlement(ctx context.Context, id accounts.AccountID, amount int64) error {
	var scale uint8
	if n.scale != nil {
		scale = n.scale(id)
	}
	body, err := json.Marshal(settlementRequest{Amount: strconv.FormatInt(amount, 10), Scale: scale})
	if err != nil {
		return err
	}
	endpoint := n.base.JoinPath("accounts", string(id), "settlements")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("settle %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("settle %s: settlement engine returned %s", id, resp.Status)
	}
	return nil
}
