package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type BrokerConfig struct {
	Address string `yaml:"address"`
	Paper   bool   `yaml:"paper"`
}

func (c *BrokerConfig) Setup() error {
	if c.Address == "" {
		// No broker configured: trades execute locally only.
		return nil
	}
	if _, err := url.Parse(c.Address); err != nil {
		return fmt.Errorf("%w: invalid broker address", err)
	}
	return nil
}

type MarketDataConfig struct {
	Address string   `yaml:"address"`
	Symbols []string `yaml:"symbols"`
}

func (c *MarketDataConfig) Setup() error {
	if c.Address == "" {
		return fmt.Errorf("market data address is required")
	}
	if _, err := url.Parse(c.Address); err != nil {
		return fmt.Errorf("%w: invalid market data address", err)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("empty symbols universe")
	}
	return nil
}

type StrategyConfig struct {
	SignalTimeout time.Duration `yaml:"signal_timeout"`
	PythonBinary  string        `yaml:"python_binary"`
}

const (
	_signalTimeoutDefault = 5 * time.Second
	_pythonBinaryDefault  = "python3"
)

func (c *StrategyConfig) Setup() {
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = _signalTimeoutDefault
	}
	if c.PythonBinary == "" {
		c.PythonBinary = _pythonBinaryDefault
	}
}

type OrdersConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	CleanupMaxAge     time.Duration `yaml:"cleanup_max_age"`
}

const (
	_reconcileIntervalDefault = 30 * time.Second
	_cleanupMaxAgeDefault     = 7 * 24 * time.Hour
)

func (c *OrdersConfig) Setup() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = _reconcileIntervalDefault
	}
	if c.CleanupMaxAge <= 0 {
		c.CleanupMaxAge = _cleanupMaxAgeDefault
	}
}

type RepairConfig struct {
	MarketHoursInterval time.Duration `yaml:"market_hours_interval"`
	OffHoursInterval    time.Duration `yaml:"off_hours_interval"`
	LookbackMinutes     int           `yaml:"lookback_minutes"`
}

const (
	_marketHoursIntervalDefault = 15 * time.Minute
	_offHoursIntervalDefault    = 60 * time.Minute
	_lookbackMinutesDefault     = 120
)

func (c *RepairConfig) Setup() {
	if c.MarketHoursInterval <= 0 {
		c.MarketHoursInterval = _marketHoursIntervalDefault
	}
	if c.OffHoursInterval <= 0 {
		c.OffHoursInterval = _offHoursIntervalDefault
	}
	if c.LookbackMinutes <= 0 {
		c.LookbackMinutes = _lookbackMinutesDefault
	}
}

type ArenaConfig struct {
	RegistryPath string           `yaml:"registry_path"`
	DataDir      string           `yaml:"data_dir"`
	StatusPort   string           `yaml:"status_port"`
	Broker       BrokerConfig     `yaml:"broker"`
	MarketData   MarketDataConfig `yaml:"market_data"`
	Strategy     StrategyConfig   `yaml:"strategy"`
	Orders       OrdersConfig     `yaml:"orders"`
	Repair       RepairConfig     `yaml:"repair"`
}

const (
	_registryPathDefault = "./team_registry.yaml"
	_dataDirDefault      = "./data"
	_statusPortDefault   = "8080"
)

func (c *ArenaConfig) ValidateAndSetup() error {
	if c.RegistryPath == "" {
		c.RegistryPath = _registryPathDefault
	}
	if v := os.Getenv("ARENA_REGISTRY_PATH"); v != "" {
		c.RegistryPath = v
	}
	if c.DataDir == "" {
		c.DataDir = _dataDirDefault
	}
	if c.StatusPort == "" {
		c.StatusPort = _statusPortDefault
	}

	if err := c.Broker.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup broker cfg", err)
	}
	if err := c.MarketData.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup market data cfg", err)
	}
	c.Strategy.Setup()
	c.Orders.Setup()
	c.Repair.Setup()

	return nil
}

func LoadArenaConfig(filename string) (ArenaConfig, error) {
	var cfg ArenaConfig
	input, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("%w: can't read file", err)
	}

	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: can't unmarshal config", err)
	}

	if err := cfg.ValidateAndSetup(); err != nil {
		return cfg, fmt.Errorf("%w: can't setup cfg", err)
	}

	return cfg, nil
}
