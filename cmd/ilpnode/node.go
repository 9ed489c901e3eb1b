package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"ilpnode/accounts"
	"ilpnode/balance"
	"ilpnode/config"
	"ilpnode/events"
	"ilpnode/forwarding"
	"ilpnode/fx"
	"ilpnode/ilp"
	"ilpnode/link"
	"ilpnode/network"
	"ilpnode/observability"
	"ilpnode/routing"
	"ilpnode/storage"
)

// node owns every long-lived component of a running connector.
type node struct {
	cfg    *config.Config
	logger *slog.Logger

	operator  ilp.Address
	directory *accounts.Directory
	table     *routing.Table
	bus       *events.Bus
	tracker   balance.Tracker
	links     *link.Manager
	sw        *forwarding.Switch
	server    *network.Server

	notifier *balance.AsyncNotifier
	closers  []func() error

	stopEvents func()
}

func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	operator, err := ilp.ParseAddress(cfg.OperatorAddress)
	if err != nil {
		return nil, fmt.Errorf("operator address: %w", err)
	}
	source, err := cfg.AccountSource()
	if err != nil {
		return nil, err
	}
	n := &node{
		cfg:       cfg,
		logger:    logger,
		operator:  operator,
		directory: accounts.NewDirectory(source),
		table:     routing.NewTable(),
		bus:       events.NewBus(),
	}
	if err := cfg.InstallRoutes(n.table); err != nil {
		return nil, err
	}
	rates := fx.NewStaticRates()
	if err := cfg.LoadRates(rates); err != nil {
		return nil, err
	}

	if err := n.openTracker(ctx); err != nil {
		n.close(ctx)
		return nil, err
	}

	n.links = link.NewManager(operator, n.directory, link.NewRegistry(),
		link.WithEmitter(n.bus),
		link.WithLogger(logger),
		link.WithRouteWithdrawer(n.table),
		link.WithBreakerConfig(cfg.BreakerConfig()),
		link.WithReconnectBackoff(cfg.Links.ReconnectBackoff.Duration, cfg.Links.MaxReconnectBackoff.Duration),
	)
	resolver := forwarding.NewResolver(operator, n.table, n.directory, rates,
		forwarding.WithMinMessageWindow(cfg.MinMessageWindow.Duration),
		forwarding.WithMaxHoldTime(cfg.MaxHoldTime.Duration),
	)
	n.sw = forwarding.NewSwitch(operator, n.directory, resolver, n.tracker, n.links,
		forwarding.WithEmitter(n.bus),
		forwarding.WithLogger(logger),
	)
	n.server = network.New(network.Config{
		Operator:   operator,
		Packets:    n.sw,
		Accounts:   n.directory,
		Routes:     n.table,
		Balances:   n.tracker,
		Links:      n.links,
		AdminToken: cfg.AdminToken,
		Logger:     logger,
	})

	feed, stop := n.bus.Subscribe(256)
	n.stopEvents = stop
	go n.logEvents(feed)

	observability.Routing().ObserveTable(n.table.Len(), n.table.Epoch())
	return n, nil
}

// openTracker selects the balance backend and, when a settlement engine is
// configured, the notifier feeding it.
func (n *node) openTracker(ctx context.Context) error {
	opts := []balance.Option{
		balance.WithEmitter(n.bus),
		balance.WithLogger(n.logger),
	}
	if url := n.cfg.Balance.SettlementEngineURL; url != "" {
		engine, err := balance.NewHTTPNotifier(url, n.assetScale)
		if err != nil {
			return err
		}
		n.notifier = balance.NewAsyncNotifier(engine, n.cfg.Balance.SettlementQueueSize, n.logger)
		opts = append(opts, balance.WithNotifier(n.notifier))
	}

	switch n.cfg.Balance.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     n.cfg.Balance.RedisAddress,
			Password: n.cfg.Balance.RedisPassword,
			DB:       n.cfg.Balance.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect redis %s: %w", n.cfg.Balance.RedisAddress, err)
		}
		n.closers = append(n.closers, client.Close)
		n.tracker = balance.NewRedisTracker(client, n.cfg.Balance.RedisKeyPrefix, opts...)
	case config.BackendLevelDB:
		if err := os.MkdirAll(n.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("prepare data dir: %w", err)
		}
		db, err := storage.NewLevelDB(filepath.Join(n.cfg.DataDir, "balances"))
		if err != nil {
			return fmt.Errorf("open balance store: %w", err)
		}
		n.closers = append(n.closers, db.Close)
		n.tracker = balance.NewLocalTracker(balance.NewDBStore(db), opts...)
	default:
		n.tracker = balance.NewLocalTracker(balance.NewMemoryStore(), opts...)
	}
	n.logger.Info("balance tracker ready", slog.String("backend", n.cfg.Balance.Backend))
	return nil
}

func (n *node) assetScale(id accounts.AccountID) uint8 {
	acct, err := n.directory.Get(context.Background(), id)
	if err != nil {
		return 0
	}
	return acct.AssetScale
}

func (n *node) logEvents(ch <-chan events.Event) {
	for ev := range ch {
		level := slog.LevelDebug
		switch ev.EventType() {
		case events.TypeSettlementTriggered, events.TypeBreakerStateChanged,
			events.TypeLinkConnected, events.TypeLinkDisconnected:
			level = slog.LevelInfo
		}
		n.logger.Log(context.Background(), level, "node event",
			slog.String("type", ev.EventType()),
			slog.Any("attributes", events.Attributes(ev)))
	}
}

// start dials persistent accounts and runs the route pruner until ctx ends.
func (n *node) start(ctx context.Context) {
	count, err := n.links.ConnectPersistent(ctx)
	if err != nil {
		n.logger.Warn("persistent links incomplete", slog.Int("connected", count), slog.Any("error", err))
	} else {
		n.logger.Info("persistent links connected", slog.Int("connected", count))
	}
	go n.pruneRoutes(ctx)
}

func (n *node) pruneRoutes(ctx context.Context) {
	interval := n.cfg.PruneInterval.Duration
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if pruned := n.table.PruneExpired(now); pruned > 0 {
				observability.Routing().RecordPruned(pruned)
				n.logger.Info("expired routes pruned", slog.Int("count", pruned))
			}
			observability.Routing().ObserveTable(n.table.Len(), n.table.Epoch())
		}
	}
}

func (n *node) handler() http.Handler { return n.server.Handler() }

// close tears the node down in reverse dependency order.
func (n *node) close(ctx context.Context) error {
	var errs []error
	if n.links != nil {
		if err := n.links.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close links: %w", err))
		}
	}
	if n.notifier != nil {
		if err := n.notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain settlements: %w", err))
		}
	}
	if n.stopEvents != nil {
		n.stopEvents()
	}
	n.bus.Close()
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
