// Package config loads the engine's configuration: an optional YAML file
// with ${VAR:default} expansion, then environment variable overrides.
//
// A Config is built once in main and handed to constructors by value.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/atmx/margin-engine/internal/pricefeed"
	"github.com/atmx/margin-engine/internal/protocol"
)

// ErrInvalid is returned when the loaded configuration cannot run the engine.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the engine configuration.
type Config struct {
	Port      int              `yaml:"port"`
	Venue     protocol.Config  `yaml:"venue"`
	PriceFeed pricefeed.Config `yaml:"price_feed"`
	Chain     ChainConfig      `yaml:"chain"`
	Account   AccountConfig    `yaml:"account"`
	Postgres  PostgresConfig   `yaml:"postgres"`
	Redis     RedisConfig      `yaml:"redis"`
	Log       LogConfig        `yaml:"log"`
}

// ChainConfig binds signed authorizations to one deployment.
type ChainConfig struct {
	ChainID         uint64 `yaml:"chain_id"`
	ProtocolAddress string `yaml:"protocol_address"`
}

// Scope returns the authorization scope of the deployment.
func (c ChainConfig) Scope() common.Hash {
	return protocol.Scope(c.ChainID, common.HexToAddress(c.ProtocolAddress))
}

// AccountConfig selects the trade account the engine operates. ID 0 opens
// a new account.
type AccountConfig struct {
	ID              uint64 `yaml:"id"`
	PrivateKey      string `yaml:"private_key"`
	EquityToken     string `yaml:"equity_token"`
	LiquidityPoolID string `yaml:"lp_id"`
}

// PostgresConfig points at the venue indexer database. Empty URL uses the
// in-memory history.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig enables the history read-through cache.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LogConfig configures the JSON logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps Level to a slog level, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads the YAML file at path, if any, and applies environment
// overrides and defaults. An empty path configures from the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the engine cannot start without.
func (c *Config) Validate() error {
	switch {
	case c.Venue.URL == "":
		return fmt.Errorf("%w: venue url is required", ErrInvalid)
	case c.PriceFeed.URL == "":
		return fmt.Errorf("%w: price feed url is required", ErrInvalid)
	case c.Account.PrivateKey == "":
		return fmt.Errorf("%w: private key is required", ErrInvalid)
	case c.Account.LiquidityPoolID == "":
		return fmt.Errorf("%w: liquidity pool id is required", ErrInvalid)
	case c.Account.ID == 0 && !common.IsHexAddress(c.Account.EquityToken):
		return fmt.Errorf("%w: equity token address is required to open an account", ErrInvalid)
	case c.Chain.ProtocolAddress != "" && !common.IsHexAddress(c.Chain.ProtocolAddress):
		return fmt.Errorf("%w: protocol address %q", ErrInvalid, c.Chain.ProtocolAddress)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	}
	return nil
}

// applyEnv overrides file settings with environment variables.
func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	str("VENUE_URL", &cfg.Venue.URL)
	str("PRICE_FEED_URL", &cfg.PriceFeed.URL)
	str("DATABASE_URL", &cfg.Postgres.URL)
	str("REDIS_URL", &cfg.Redis.URL)
	str("PRIVATE_KEY", &cfg.Account.PrivateKey)
	str("EQUITY_TOKEN", &cfg.Account.EquityToken)
	str("LP_ID", &cfg.Account.LiquidityPoolID)
	str("PROTOCOL_ADDRESS", &cfg.Chain.ProtocolAddress)
	str("LOG_LEVEL", &cfg.Log.Level)

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT=%q", ErrInvalid, v)
		}
		cfg.Port = port
	}
	if v := os.Getenv("ACCOUNT_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: ACCOUNT_ID=%q", ErrInvalid, v)
		}
		cfg.Account.ID = id
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: CHAIN_ID=%q", ErrInvalid, v)
		}
		cfg.Chain.ChainID = id
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}

	def := protocol.DefaultConfig(cfg.Venue.URL)
	if cfg.Venue.RequestTimeout == 0 {
		cfg.Venue.RequestTimeout = def.RequestTimeout
	}
	if cfg.Venue.SendAttempts == 0 {
		cfg.Venue.SendAttempts = def.SendAttempts
	}
	if cfg.Venue.SendBackoff == 0 {
		cfg.Venue.SendBackoff = def.SendBackoff
	}
	if cfg.Venue.ReconnectDelay == 0 {
		cfg.Venue.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.Venue.DialTimeout == 0 {
		cfg.Venue.DialTimeout = def.DialTimeout
	}

	if cfg.PriceFeed.ReconnectDelay == 0 {
		cfg.PriceFeed.ReconnectDelay = time.Second
	}
	if cfg.PriceFeed.DialTimeout == 0 {
		cfg.PriceFeed.DialTimeout = 10 * time.Second
	}

	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 1
	}
	if cfg.Redis.CacheTTL == 0 {
		cfg.Redis.CacheTTL = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// expandEnvVars expands ${VAR} and ${VAR:default} references.
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name, def, _ := strings.Cut(result[start+2:end], ":")
		value := os.Getenv(name)
		if value == "" {
			value = def
		}
		result = result[:start] + value + result[end+1:]
	}
	return result
}
