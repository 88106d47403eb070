package config

import (
	"errors"
	"log/slog"
	"os"

	"github.com/defistate/flashliquidity-go/protocol"
	"gopkg.in/yaml.v3"
)

const DefaultBufferSize = 100

type WatchConfig struct {
	StateStreamURL string `yaml:"state_stream_url"`
	BufferSize     uint   `yaml:"buffer_size"`
	// MirrorDir, when set, keeps a local copy of every received state.
	MirrorDir string `yaml:"mirror_dir"`
	LogLevel  string `yaml:"log_level"`
	// Router is the router the console quotes routes through. Its account and fee are not
	// part of the streamed state.
	Router protocol.RouterConfig `yaml:"router"`
}

// LoadConfig reads a configuration file from the given path and unmarshals it
// into a WatchConfig struct.
func LoadConfig(path string) (*WatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg WatchConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *WatchConfig) validate() error {
	if c.StateStreamURL == "" {
		return errors.New("config: state_stream_url is required")
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	return nil
}

// SlogLevel maps the configured level name; unknown names select info.
func (c WatchConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
