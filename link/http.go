package link

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ilpnode/accounts"
	"ilpnode/ilp"
	"ilpnode/observability/logging"
)

// TypeHTTP names the JSON-over-HTTP link.
const TypeHTTP = "http"

// HeaderAccount names the account a prepare is sent as on an ILP-over-HTTP hop.
const HeaderAccount = "ILP-Account"

const maxResponseBytes = 1 << 20

// HTTPLink posts prepares as JSON to a peer's ingress and decodes the JSON response.
// It is stateless and has no connection lifecycle.
type HTTPLink struct {
	id       accounts.AccountID
	endpoint string
	remoteAs string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPLink is the http Factory. Settings: url (required), account (our account id at
// the peer), auth_token, timeout.
func NewHTTPLink(s Settings) (Link, error) {
	raw := s.Option("url", "")
	if raw == "" {
		return nil, fmt.Errorf("link %s: url setting required", s.Account.ID)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("link %s: invalid url %q", s.Account.ID, raw)
	}
	timeout := 30 * time.Second
	if t := s.Option("timeout", ""); t != "" {
		if timeout, err = time.ParseDuration(t); err != nil {
			return nil, fmt.Errorf("link %s: timeout: %w", s.Account.ID, err)
		}
	}
	l := &HTTPLink{
		id:       s.Account.ID,
		endpoint: u.String(),
		remoteAs: s.Option("account", ""),
		token:    s.Option("auth_token", ""),
		client:   &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:   logging.OrDefault(s.Logger),
	}
	l.logger.Debug("http link configured",
		slog.String("account", string(l.id)),
		slog.String("endpoint", l.endpoint),
		logging.MaskField("auth_token", l.token))
	return l, nil
}

func (l *HTTPLink) ID() accounts.AccountID { return l.id }

func (l *HTTPLink) SendPacket(ctx context.Context, prepare *ilp.Prepare) (ilp.Response, error) {
	body, err := json.Marshal(prepare)
	if err != nil {
		return ilp.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return ilp.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if l.remoteAs != "" {
		req.Header.Set(HeaderAccount, l.remoteAs)
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return ilp.Response{}, fmt.Errorf("link %s: %w", l.id, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ilp.Response{}, fmt.Errorf("link %s: read response: %w", l.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return ilp.Response{}, fmt.Errorf("link %s: peer returned %s", l.id, resp.Status)
	}
	var out ilp.Response
	if err := json.Unmarshal(payload, &out); err != nil {
		return ilp.Response{}, fmt.Errorf("link %s: decode response: %w", l.id, err)
	}
	return out, nil
}
