// Package config handles configuration loading and validation for the pool backend.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool backend
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Node      NodeConfig      `mapstructure:"node"`
	Redis     RedisConfig     `mapstructure:"redis"`
	API       APIConfig       `mapstructure:"api"`
	Unlocker  UnlockerConfig  `mapstructure:"unlocker"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig defines the coin identity published with every snapshot
type PoolConfig struct {
	Coin      string       `mapstructure:"coin"`
	Symbol    string       `mapstructure:"symbol"`
	Version   string       `mapstructure:"version"`
	CoinUnits uint64       `mapstructure:"coin_units"`
	Ports     []PortConfig `mapstructure:"ports"`
}

// PortConfig describes one stratum port advertised to miners
type PortConfig struct {
	Port       int    `mapstructure:"port" json:"port"`
	Difficulty uint64 `mapstructure:"difficulty" json:"difficulty"`
	Desc       string `mapstructure:"desc" json:"desc"`
}

// NodeConfig defines daemon connection settings
type NodeConfig struct {
	URL                 string           `mapstructure:"url"`
	Timeout             time.Duration    `mapstructure:"timeout"`
	Upstreams           []UpstreamConfig `mapstructure:"upstreams"`
	HealthCheckInterval time.Duration    `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration    `mapstructure:"health_check_timeout"`
}

// UpstreamConfig defines a single daemon in a failover set
type UpstreamConfig struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Weight  int           `mapstructure:"weight"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// APIConfig defines the stats API and aggregator settings
type APIConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Bind                 string        `mapstructure:"bind"`
	UpdateInterval       time.Duration `mapstructure:"update_interval"`
	BlocksUpdateInterval time.Duration `mapstructure:"blocks_update_interval"`
	HashrateWindow       time.Duration `mapstructure:"hashrate_window"`
	LiveTimeout          time.Duration `mapstructure:"live_timeout"`
	MaxPollsPerIP        int           `mapstructure:"max_polls_per_ip"`
	TrustedIPs           []string      `mapstructure:"trusted_ips"`
	BlockHistory         int           `mapstructure:"block_history"`
}

// UnlockerConfig defines block settlement settings
type UnlockerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Depth    uint64        `mapstructure:"depth"`
	PoolFee  float64       `mapstructure:"pool_fee"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	PoolURL      string `mapstructure:"pool_url"`
}

// NewRelicConfig defines New Relic APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines the pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pool-backend")
	}

	v.SetEnvPrefix("POOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.symbol", "XMR")
	v.SetDefault("pool.version", "0.99.3.3")
	v.SetDefault("pool.coin_units", 1000000000000)

	v.SetDefault("node.url", "http://127.0.0.1:18081")
	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.health_check_interval", "5s")
	v.SetDefault("node.health_check_timeout", "3s")

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.timeout", "5s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8117")
	v.SetDefault("api.update_interval", "5s")
	v.SetDefault("api.blocks_update_interval", "15s")
	v.SetDefault("api.hashrate_window", "10m")
	v.SetDefault("api.live_timeout", "2m")
	v.SetDefault("api.max_polls_per_ip", 32)
	v.SetDefault("api.block_history", 500)

	v.SetDefault("unlocker.enabled", true)
	v.SetDefault("unlocker.interval", "30s")
	v.SetDefault("unlocker.depth", 60)
	v.SetDefault("unlocker.pool_fee", 1.8)

	v.SetDefault("newrelic.app_name", "pool-backend")

	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.Coin == "" {
		return fmt.Errorf("pool.coin is required")
	}

	if c.Node.URL == "" && len(c.Node.Upstreams) == 0 {
		return fmt.Errorf("node.url or node.upstreams is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}

	if c.Unlocker.PoolFee < 0 || c.Unlocker.PoolFee > 100 {
		return fmt.Errorf("unlocker.pool_fee must be between 0 and 100")
	}

	if c.Unlocker.Enabled && c.Unlocker.Interval <= 0 {
		return fmt.Errorf("unlocker.interval must be positive")
	}

	if c.API.Enabled {
		if c.API.UpdateInterval <= 0 || c.API.BlocksUpdateInterval <= 0 {
			return fmt.Errorf("api update intervals must be positive")
		}
		if c.API.HashrateWindow < time.Second {
			return fmt.Errorf("api.hashrate_window must be at least 1s")
		}
		if c.API.BlockHistory <= 0 {
			return fmt.Errorf("api.block_history must be positive")
		}
		if c.API.LiveTimeout <= 0 {
			return fmt.Errorf("api.live_timeout must be positive")
		}
	}

	return nil
}

// HashrateWindowSeconds returns the rolling hashrate window in whole seconds
func (c *Config) HashrateWindowSeconds() int64 {
	return int64(c.API.HashrateWindow / time.Second)
}
