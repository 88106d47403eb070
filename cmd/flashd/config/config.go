package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocol"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr     = ":8545"
	DefaultStreamInterval = 250 * time.Millisecond
)

type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Allocation credits an account at genesis. Amount is a decimal string.
type Allocation struct {
	Account engine.Account `yaml:"account"`
	Asset   engine.Asset   `yaml:"asset"`
	Amount  string         `yaml:"amount"`
}

type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	DataDir        string        `yaml:"data_dir"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	StreamInterval time.Duration `yaml:"stream_interval"`
	LockWait       time.Duration `yaml:"lock_wait"`
	Log            LogConfig     `yaml:"log"`

	Owner    engine.Account          `yaml:"owner"`
	Registry protocol.RegistryConfig `yaml:"registry"`
	Router   protocol.RouterConfig   `yaml:"router"`
	Flash    protocol.FlashConfig    `yaml:"flash"`
	// Genesis is only applied when the data directory holds no state.
	Genesis []Allocation `yaml:"genesis"`
}

// LoadConfig reads a configuration file from the given path and unmarshals it
// into a ServerConfig struct.
func LoadConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.Owner == (engine.Account{}) {
		return errors.New("config: owner is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.StreamInterval <= 0 {
		c.StreamInterval = DefaultStreamInterval
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	for i, a := range c.Genesis {
		if _, err := a.Value(); err != nil {
			return fmt.Errorf("config: genesis[%d]: %w", i, err)
		}
	}
	return nil
}

// Value parses the allocation amount.
func (a Allocation) Value() (*uint256.Int, error) {
	v, err := uint256.FromDecimal(a.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", a.Amount, err)
	}
	return v, nil
}

// SlogLevel maps the configured level name; unknown names select info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
