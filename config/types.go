package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration written as a string ("1s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Balance selects the ledger backend.
type Balance struct {
	// Backend is one of memory, leveldb or redis.
	Backend        string `toml:"Backend"`
	RedisAddress   string `toml:"RedisAddress,omitempty"`
	RedisPassword  string `toml:"RedisPassword,omitempty"`
	RedisDB        int    `toml:"RedisDB,omitempty"`
	RedisKeyPrefix string `toml:"RedisKeyPrefix,omitempty"`
	// SettlementEngineURL receives settlement requests; empty only logs them.
	SettlementEngineURL string `toml:"SettlementEngineURL,omitempty"`
	SettlementQueueSize int    `toml:"SettlementQueueSize,omitempty"`
}

// Breaker mirrors link.BreakerConfig.
type Breaker struct {
	WindowSize            int      `toml:"WindowSize"`
	MinimumCalls          int      `toml:"MinimumCalls"`
	FailureRateThreshold  float64  `toml:"FailureRateThreshold"`
	SlowCallDuration      Duration `toml:"SlowCallDuration"`
	SlowCallRateThreshold float64  `toml:"SlowCallRateThreshold"`
	OpenDuration          Duration `toml:"OpenDuration"`
	HalfOpenCalls         int      `toml:"HalfOpenCalls"`
	CallTimeout           Duration `toml:"CallTimeout"`
}

// Links tunes the link manager.
type Links struct {
	ReconnectBackoff    Duration `toml:"ReconnectBackoff"`
	MaxReconnectBackoff Duration `toml:"MaxReconnectBackoff"`
}

// Log configures log output. An empty File logs to stdout.
type Log struct {
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays int    `toml:"MaxAgeDays,omitempty"`
	Compress   bool   `toml:"Compress,omitempty"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint,omitempty"`
	Insecure    bool    `toml:"Insecure,omitempty"`
	Headers     string  `toml:"Headers,omitempty"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio,omitempty"`
}

// Rate is one inline exchange rate. Rate is a decimal string.
type Rate struct {
	From string `toml:"From"`
	To   string `toml:"To"`
	Rate string `toml:"Rate"`
}

// Account is the TOML form of an account.
type Account struct {
	ID              string            `toml:"ID"`
	AssetCode       string            `toml:"AssetCode"`
	AssetScale      uint8             `toml:"AssetScale"`
	Relationship    string            `toml:"Relationship"`
	MinBalance      *int64            `toml:"MinBalance,omitempty"`
	SettleThreshold *int64            `toml:"SettleThreshold,omitempty"`
	SettleTo        int64             `toml:"SettleTo,omitempty"`
	MaxPacketAmount *uint64           `toml:"MaxPacketAmount,omitempty"`
	RateLimit       float64           `toml:"RateLimit,omitempty"`
	LinkType        string            `toml:"LinkType"`
	Persistent      bool              `toml:"Persistent,omitempty"`
	LinkSettings    map[string]string `toml:"LinkSettings,omitempty"`
}

// Route is a static route.
type Route struct {
	Prefix  string `toml:"Prefix"`
	NextHop string `toml:"NextHop"`
}
