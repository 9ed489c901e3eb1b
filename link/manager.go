package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ilpnode/accounts"
	"ilpnode/events"
	"ilpnode/ilp"
	"ilpnode/observability/logging"
)

const (
	defaultReconnectBackoff    = time.Second
	defaultMaxReconnectBackoff = 2 * time.Minute
	reconnectAttemptTimeout    = 30 * time.Second
)

// AccountLookup is the read side of the account directory.
type AccountLookup interface {
	Get(ctx context.Context, id accounts.AccountID) (accounts.Account, error)
	All(ctx context.Context) ([]accounts.Account, error)
}

// RouteWithdrawer drops routes through an account whose link went away.
type RouteWithdrawer interface {
	RemoveRoutesForNextHop(id accounts.AccountID) int
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithEmitter publishes link and breaker events.
func WithEmitter(e events.Emitter) ManagerOption {
	return func(m *Manager) {
		if e != nil {
			m.emitter = e
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRouteWithdrawer removes routes through disconnected accounts.
func WithRouteWithdrawer(r RouteWithdrawer) ManagerOption {
	return func(m *Manager) { m.routes = r }
}

// WithBreakerConfig sets the breaker configuration applied to every link.
func WithBreakerConfig(cfg BreakerConfig) ManagerOption {
	return func(m *Manager) { m.breakerCfg = cfg }
}

// WithReconnectBackoff sets the base and cap of the persistent link redial backoff.
func WithReconnectBackoff(base, limit time.Duration) ManagerOption {
	return func(m *Manager) {
		if base > 0 {
			m.reconnectBase = base
		}
		if limit > 0 {
			m.reconnectMax = limit
		}
	}
}

// WithClock injects the clock handed to every breaker.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type entry struct {
	ready      chan struct{}
	err        error
	link       *BreakerLink
	linkType   string
	persistent bool
}

func (e *entry) connector() (Connector, bool) {
	if e.link == nil {
		return nil, false
	}
	c, ok := e.link.Unwrap().(Connector)
	return c, ok
}

// Status describes one live link for operators.
type Status struct {
	AccountID  accounts.AccountID `json:"account"`
	LinkType   string             `json:"linkType"`
	State      string             `json:"state"`
	Breaker    string             `json:"breaker"`
	Persistent bool               `json:"persistent"`
}

// Manager owns the live link set. Creation is single-writer per account: the first
// caller for an account builds and connects the link while later callers wait for it.
type Manager struct {
	operator   ilp.Address
	accounts   AccountLookup
	registry   *Registry
	breakerCfg BreakerConfig
	emitter    events.Emitter
	routes     RouteWithdrawer
	logger     *slog.Logger
	now        func() time.Time

	reconnectBase time.Duration
	reconnectMax  time.Duration

	mu        sync.Mutex
	links     map[accounts.AccountID]*entry
	backoff   map[accounts.AccountID]time.Duration
	redialing map[accounts.AccountID]struct{}
	closed    bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewManager returns a manager building links through registry for accounts found in lookup.
func NewManager(operator ilp.Address, lookup AccountLookup, registry *Registry, opts ...ManagerOption) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	m := &Manager{
		operator:      operator,
		accounts:      lookup,
		registry:      registry,
		breakerCfg:    DefaultBreakerConfig(),
		emitter:       events.NoopEmitter{},
		logger:        logging.OrDefault(nil),
		now:           time.Now,
		reconnectBase: defaultReconnectBackoff,
		reconnectMax:  defaultMaxReconnectBackoff,
		links:         make(map[accounts.AccountID]*entry),
		backoff:       make(map[accounts.AccountID]time.Duration),
		redialing:     make(map[accounts.AccountID]struct{}),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// GetOrCreateLink returns the live link for id, building and connecting it on a miss.
// Connection failures are returned to every caller waiting on that attempt and leave no
// entry behind.
func (m *Manager) GetOrCreateLink(ctx context.Context, id accounts.AccountID) (Link, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if e, ok := m.links[id]; ok {
		m.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.link, nil
	}
	e := &entry{ready: make(chan struct{})}
	m.links[id] = e
	m.mu.Unlock()

	err := m.build(ctx, id, e)
	if err != nil {
		m.mu.Lock()
		if m.links[id] == e {
			delete(m.links, id)
		}
		m.mu.Unlock()
		e.err = err
		close(e.ready)
		m.logger.Warn("link acquisition failed",
			slog.String("account", string(id)),
			slog.Any("error", err))
		return nil, err
	}
	close(e.ready)
	return e.link, nil
}

func (m *Manager) build(ctx context.Context, id accounts.AccountID, e *entry) error {
	acct, err := m.accounts.Get(ctx, id)
	if err != nil {
		return err
	}
	raw, err := m.registry.Build(Settings{OperatorAddress: m.operator, Account: acct, Logger: m.logger})
	if err != nil {
		return err
	}
	m.logger.Debug("link built",
		slog.String("account", string(id)),
		slog.String("type", acct.LinkType),
		logging.Settings("settings", acct.LinkSettings))
	breaker := NewBreaker(m.breakerCfg, WithBreakerClock(m.now), WithStateChange(func(from, to BreakerState) {
		linkMetrics().observeBreaker(string(id), from, to)
		m.logger.Info("circuit breaker transition",
			slog.String("account", string(id)),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.emitter.Emit(events.BreakerStateChanged{AccountID: id, From: from.String(), To: to.String()})
	}))
	e.link = NewBreakerLink(raw, breaker, m.operator)
	e.linkType = acct.LinkType
	e.persistent = acct.Persistent

	if obs, ok := raw.(Observable); ok {
		obs.SetObserver(observer{m: m, entry: e})
	}
	c, ok := raw.(Connector)
	if !ok {
		m.linkConnected(id, e)
		return nil
	}
	if c.State() == StateConnected {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, id, err)
	}
	if _, observable := raw.(Observable); !observable {
		m.linkConnected(id, e)
	}
	return nil
}

// observer ties lifecycle callbacks to the entry that built the link, so a late
// callback from a replaced link never touches its successor.
type observer struct {
	m     *Manager
	entry *entry
}

func (o observer) LinkConnected(id accounts.AccountID) { o.m.linkConnected(id, o.entry) }

func (o observer) LinkDisconnected(id accounts.AccountID, reason error) {
	o.m.linkDisconnected(id, o.entry, reason)
}

// superseded reports whether another entry now owns id. Callers hold m.mu.
func (m *Manager) superseded(id accounts.AccountID, e *entry) bool {
	current, ok := m.links[id]
	return ok && current != e
}

func (m *Manager) linkConnected(id accounts.AccountID, e *entry) {
	m.mu.Lock()
	if m.superseded(id, e) {
		m.mu.Unlock()
		return
	}
	m.backoff[id] = 0
	m.mu.Unlock()
	linkMetrics().observeConnected(string(id), true)
	m.logger.Info("link connected", slog.String("account", string(id)), slog.String("linkType", e.linkType))
	m.emitter.Emit(events.LinkConnected{AccountID: id, LinkType: e.linkType})
}

// linkDisconnected evicts non-persistent accounts, withdraws their dynamic routes and
// schedules a redial for persistent ones. Notifications from a link that has already
// been replaced are dropped.
func (m *Manager) linkDisconnected(id accounts.AccountID, e *entry, reason error) {
	m.mu.Lock()
	if m.superseded(id, e) {
		m.mu.Unlock()
		m.logger.Debug("ignoring disconnect from replaced link", slog.String("account", string(id)))
		return
	}
	_, live := m.links[id]
	persistent := live && e.persistent
	if live && !persistent {
		delete(m.links, id)
	}
	closed := m.closed
	m.mu.Unlock()

	withdrawn := 0
	if m.routes != nil {
		withdrawn = m.routes.RemoveRoutesForNextHop(id)
	}
	why := "local"
	if reason != nil {
		why = reason.Error()
	}
	linkMetrics().observeConnected(string(id), false)
	m.logger.Info("link disconnected",
		slog.String("account", string(id)),
		slog.String("reason", why),
		slog.Bool("persistent", persistent),
		slog.Int("routesWithdrawn", withdrawn))
	m.emitter.Emit(events.LinkDisconnected{AccountID: id, Reason: why})
	if persistent && !closed {
		m.scheduleReconnect(id)
	}
}

func (m *Manager) scheduleReconnect(id accounts.AccountID) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, pending := m.redialing[id]; pending {
		m.mu.Unlock()
		return
	}
	delay := m.backoff[id]
	if delay == 0 {
		delay = m.reconnectBase
	} else {
		delay *= 2
		if delay > m.reconnectMax {
			delay = m.reconnectMax
		}
	}
	m.backoff[id] = delay
	m.redialing[id] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.stop:
			return
		}
		m.mu.Lock()
		delete(m.redialing, id)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), reconnectAttemptTimeout)
		defer cancel()
		err := m.redial(ctx, id)
		linkMetrics().recordReconnect(string(id), err == nil)
		if err != nil {
			m.logger.Warn("reconnect failed",
				slog.String("account", string(id)),
				slog.Duration("backoff", delay),
				slog.Any("error", err))
			m.scheduleReconnect(id)
		}
	}()
}

func (m *Manager) redial(ctx context.Context, id accounts.AccountID) error {
	m.mu.Lock()
	e, ok := m.links[id]
	m.mu.Unlock()
	if !ok {
		_, err := m.GetOrCreateLink(ctx, id)
		return err
	}
	select {
	case <-e.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c, ok := e.connector()
	if !ok || c.State() == StateConnected {
		return nil
	}
	return c.Connect(ctx)
}

// ConnectPersistent acquires a link for every persistent account. Failures are logged
// and redialled in the background.
func (m *Manager) ConnectPersistent(ctx context.Context) (int, error) {
	all, err := m.accounts.All(ctx)
	if err != nil {
		return 0, err
	}
	connected := 0
	for _, acct := range all {
		if !acct.Persistent {
			continue
		}
		if _, err := m.GetOrCreateLink(ctx, acct.ID); err != nil {
			m.scheduleReconnect(acct.ID)
			continue
		}
		connected++
	}
	return connected, nil
}

// Disconnect closes and evicts the link for id, persistent or not.
func (m *Manager) Disconnect(ctx context.Context, id accounts.AccountID) error {
	m.mu.Lock()
	e, ok := m.links[id]
	if ok {
		delete(m.links, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.err != nil {
		return nil
	}
	c, isConnector := e.connector()
	if !isConnector {
		m.linkDisconnected(id, e, nil)
		return nil
	}
	if _, observable := e.link.Unwrap().(Observable); !observable {
		defer m.linkDisconnected(id, e, nil)
	}
	return c.Disconnect(ctx)
}

// ConnectedAccounts lists accounts with a usable link.
func (m *Manager) ConnectedAccounts() []accounts.AccountID {
	var out []accounts.AccountID
	for _, st := range m.Snapshot() {
		if st.State == StateConnected.String() {
			out = append(out, st.AccountID)
		}
	}
	return out
}

// Snapshot reports every built link.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	entries := make(map[accounts.AccountID]*entry, len(m.links))
	for id, e := range m.links {
		entries[id] = e
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for id, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.err != nil {
			continue
		}
		st := Status{
			AccountID:  id,
			LinkType:   e.linkType,
			State:      StateConnected.String(),
			Breaker:    e.link.Breaker().State().String(),
			Persistent: e.persistent,
		}
		if c, ok := e.connector(); ok {
			st.State = c.State().String()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Close stops reconnect loops and disconnects every link.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	ids := make([]accounts.AccountID, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Disconnect(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", id, err))
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}
