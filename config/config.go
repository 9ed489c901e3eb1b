package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	OperatorAddress  string   `toml:"OperatorAddress"`
	ListenAddress    string   `toml:"ListenAddress"`
	DataDir          string   `toml:"DataDir"`
	Environment      string   `toml:"Environment"`
	MinMessageWindow Duration `toml:"MinMessageWindow"`
	MaxHoldTime      Duration `toml:"MaxHoldTime"`
	// DefaultRoute installs catch-all routes for every allocation scheme through this account.
	DefaultRoute  string   `toml:"DefaultRoute,omitempty"`
	PruneInterval Duration `toml:"PruneInterval"`
	RateSheet     string   `toml:"RateSheet,omitempty"`
	// AdminToken guards the read-only admin endpoints; empty leaves them open.
	AdminToken string `toml:"AdminToken,omitempty"`

	Balance   Balance   `toml:"balance"`
	Breaker   Breaker   `toml:"breaker"`
	Links     Links     `toml:"links"`
	Log       Log       `toml:"log"`
	Telemetry Telemetry `toml:"telemetry"`
	Rates     []Rate    `toml:"rates"`
	Accounts  []Account `toml:"accounts"`
	Routes    []Route   `toml:"routes"`
}

// Load loads the configuration from the given path, writing a default file when it
// does not exist yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		OperatorAddress:  "test.ilpnode",
		ListenAddress:    ":7768",
		DataDir:          "./ilp-data",
		Environment:      "dev",
		MinMessageWindow: Duration{time.Second},
		MaxHoldTime:      Duration{30 * time.Second},
		PruneInterval:    Duration{30 * time.Second},
		Balance:          Balance{Backend: BackendMemory},
		Breaker: Breaker{
			WindowSize:            100,
			MinimumCalls:          10,
			FailureRateThreshold:  0.5,
			SlowCallRateThreshold: 1,
			OpenDuration:          Duration{time.Minute},
			HalfOpenCalls:         3,
		},
		Links: Links{
			ReconnectBackoff:    Duration{time.Second},
			MaxReconnectBackoff: Duration{2 * time.Minute},
		},
		Rates:    []Rate{},
		Accounts: []Account{},
		Routes:   []Route{},
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = def.Environment
	}
	if c.PruneInterval.Duration <= 0 {
		c.PruneInterval = def.PruneInterval
	}
	if strings.TrimSpace(c.Balance.Backend) == "" {
		c.Balance.Backend = BackendMemory
	}
	c.Balance.Backend = strings.ToLower(strings.TrimSpace(c.Balance.Backend))
	if c.Links.ReconnectBackoff.Duration <= 0 {
		c.Links.ReconnectBackoff = def.Links.ReconnectBackoff
	}
	if c.Links.MaxReconnectBackoff.Duration <= 0 {
		c.Links.MaxReconnectBackoff = def.Links.MaxReconnectBackoff
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
