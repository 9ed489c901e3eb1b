package config

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"ilpnode/accounts"
	"ilpnode/ilp"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

// Validate checks connector-wide values and cross references between sections.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ilp.ParseAddress(c.OperatorAddress); err != nil {
		errs = append(errs, fmt.Errorf("OperatorAddress: %w", err))
	}
	if c.MinMessageWindow.Duration <= 0 {
		errs = append(errs, errors.New("MinMessageWindow must be positive"))
	}
	if c.MaxHoldTime.Duration <= c.MinMessageWindow.Duration {
		errs = append(errs, errors.New("MaxHoldTime must exceed MinMessageWindow"))
	}
	switch c.Balance.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if c.DataDir == "" {
			errs = append(errs, errors.New("balance: leveldb backend requires DataDir"))
		}
	case BackendRedis:
		if c.Balance.RedisAddress == "" {
			errs = append(errs, errors.New("balance: redis backend requires RedisAddress"))
		}
	default:
		errs = append(errs, fmt.Errorf("balance: unknown backend %q", c.Balance.Backend))
	}
	if b := c.Breaker; b.FailureRateThreshold < 0 || b.FailureRateThreshold > 1 || b.SlowCallRateThreshold < 0 || b.SlowCallRateThreshold > 1 {
		errs = append(errs, errors.New("breaker: rate thresholds must be within [0, 1]"))
	}
	if c.Links.MaxReconnectBackoff.Duration < c.Links.ReconnectBackoff.Duration {
		errs = append(errs, errors.New("links: MaxReconnectBackoff below ReconnectBackoff"))
	}
	for i, r := range c.Rates {
		rate, err := decimal.NewFromString(r.Rate)
		if err != nil || rate.IsNegative() {
			errs = append(errs, fmt.Errorf("rates[%d]: invalid rate %q", i, r.Rate))
		}
	}

	known := make(map[accounts.AccountID]struct{}, len(c.Accounts))
	for i, raw := range c.Accounts {
		acct, err := raw.toAccount()
		if err != nil {
			errs = append(errs, fmt.Errorf("accounts[%d]: %w", i, err))
			continue
		}
		if _, dup := known[acct.ID]; dup {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %s", i, acct.ID))
		}
		known[acct.ID] = struct{}{}
	}
	for i, r := range c.Routes {
		if _, err := ilp.ParsePrefix(r.Prefix); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w", i, err))
		}
		if id, _ := accounts.ParseAccountID(r.NextHop); !isKnown(known, id) {
			errs = append(errs, fmt.Errorf("routes[%d]: next hop %q is not a configured account", i, r.NextHop))
		}
	}
	if c.DefaultRoute != "" {
		if id, _ := accounts.ParseAccountID(c.DefaultRoute); !isKnown(known, id) {
			errs = append(errs, fmt.Errorf("DefaultRoute %q is not a configured account", c.DefaultRoute))
		}
	}
	return errors.Join(errs...)
}

func isKnown(known map[accounts.AccountID]struct{}, id accounts.AccountID) bool {
	_, ok := known[id]
	return ok
}
