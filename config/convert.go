package config

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ilpnode/accounts"
	"ilpnode/fx"
	"ilpnode/ilp"
	"ilpnode/link"
	"ilpnode/routing"
)

func (a Account) toAccount() (accounts.Account, error) {
	rel, err := accounts.ParseRelationship(a.Relationship)
	if err != nil {
		return accounts.Account{}, err
	}
	return accounts.New(accounts.Account{
		ID:           accounts.AccountID(a.ID),
		AssetCode:    a.AssetCode,
		AssetScale:   a.AssetScale,
		Relationship: rel,
		Balance: accounts.BalancePolicy{
			MinBalance:      a.MinBalance,
			SettleThreshold: a.SettleThreshold,
			SettleTo:        a.SettleTo,
		},
		MaxPacketAmount: a.MaxPacketAmount,
		RateLimit:       a.RateLimit,
		LinkType:        a.LinkType,
		LinkSettings:    a.LinkSettings,
		Persistent:      a.Persistent,
	})
}

// AccountSource builds the static account source described by the config.
func (c *Config) AccountSource() (*accounts.StaticSource, error) {
	list := make([]accounts.Account, 0, len(c.Accounts))
	for i, raw := range c.Accounts {
		acct, err := raw.toAccount()
		if err != nil {
			return nil, fmt.Errorf("accounts[%d]: %w", i, err)
		}
		list = append(list, acct)
	}
	return accounts.NewStaticSource(list...)
}

// InstallRoutes adds the static routes and, when configured, the default routes.
func (c *Config) InstallRoutes(table *routing.Table) error {
	for i, r := range c.Routes {
		if _, err := table.AddRoute(ilp.Address(r.Prefix), routing.Route{
			NextHop: accounts.AccountID(r.NextHop),
			Static:  true,
		}); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	if c.DefaultRoute != "" {
		if _, err := table.InstallDefaultRoutes(accounts.AccountID(c.DefaultRoute)); err != nil {
			return fmt.Errorf("default route: %w", err)
		}
	}
	return nil
}

// LoadRates fills rates from the inline entries and the optional rate sheet.
func (c *Config) LoadRates(rates *fx.StaticRates) error {
	if c.RateSheet != "" {
		if err := fx.LoadRateSheet(c.RateSheet, rates); err != nil {
			return err
		}
	}
	for i, r := range c.Rates {
		rate, err := decimal.NewFromString(r.Rate)
		if err != nil {
			return fmt.Errorf("rates[%d]: %w", i, err)
		}
		if err := rates.Set(r.From, r.To, rate); err != nil {
			return fmt.Errorf("rates[%d]: %w", i, err)
		}
	}
	return nil
}

// BreakerConfig converts the breaker section.
func (c *Config) BreakerConfig() link.BreakerConfig {
	b := c.Breaker
	return link.BreakerConfig{
		WindowSize:            b.WindowSize,
		MinimumCalls:          b.MinimumCalls,
		FailureRateThreshold:  b.FailureRateThreshold,
		SlowCallDuration:      b.SlowCallDuration.Duration,
		SlowCallRateThreshold: b.SlowCallRateThreshold,
		OpenDuration:          b.OpenDuration.Duration,
		HalfOpenCalls:         b.HalfOpenCalls,
		CallTimeout:           b.CallTimeout.Duration,
	}
}
