// Package config loads the bridge configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Modes the bridge can run in.
const (
	ModeLive   = "live"
	ModeReplay = "replay"
)

var Env *Config

type Config struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	// Feed is the data-feed tier, e.g. "iex" (free) or "sip" (paid).
	Feed    string `mapstructure:"feed"`
	Symbols string `mapstructure:"symbols"`
	Mode    string `mapstructure:"mode"`

	StreamURL string `mapstructure:"stream_url"`
	BrokerURL string `mapstructure:"broker_url"`

	ReplaySource           string `mapstructure:"replay_source"`
	ReplaySpeedMSPerMinute int    `mapstructure:"replay_speed_ms_per_minute"`

	OrderTimeoutMS int `mapstructure:"order_timeout_ms"`
	SettleDelayMS  int `mapstructure:"settle_delay_ms"`

	Pipes PipesConfig `mapstructure:"pipes"`
	Nats  NatsConfig  `mapstructure:"nats"`
	Log   LogConfig   `mapstructure:"log"`

	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

type PipesConfig struct {
	Bars      string `mapstructure:"bars"`
	Orders    string `mapstructure:"orders"`
	Responses string `mapstructure:"responses"`
}

type NatsConfig struct {
	// Enabled switches replay output from the pipe to the PUB/SUB
	// transport, with a subscriber bridging back into the pipe.
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	ShowCaller bool   `mapstructure:"show_caller"`
}

// SymbolList splits the comma-separated subscription list.
func (c *Config) SymbolList() []string {
	if strings.TrimSpace(c.Symbols) == "" {
		return nil
	}
	parts := strings.Split(c.Symbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutMS) * time.Millisecond
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

func (c *Config) ReplayPace() time.Duration {
	return time.Duration(c.ReplaySpeedMSPerMinute) * time.Millisecond
}

// ValidateLive checks everything live mode needs before any external I/O.
func (c *Config) ValidateLive() error {
	if c.APIKey == "" || c.APISecret == "" {
		return fmt.Errorf("api_key and api_secret are required in live mode")
	}
	if len(c.SymbolList()) == 0 {
		return fmt.Errorf("symbols must list at least one symbol")
	}
	return nil
}

// ValidateReplay checks everything replay mode needs before any external I/O.
func (c *Config) ValidateReplay() error {
	if c.ReplaySource == "" {
		return fmt.Errorf("replay_source is required in replay mode")
	}
	if len(c.SymbolList()) == 0 {
		return fmt.Errorf("symbols must list at least one symbol")
	}
	if c.Nats.Enabled && c.Nats.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled is set")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("feed", "iex")
	viper.SetDefault("mode", ModeLive)
	viper.SetDefault("replay_speed_ms_per_minute", 1000)
	viper.SetDefault("order_timeout_ms", 5000)
	viper.SetDefault("settle_delay_ms", 500)
	viper.SetDefault("pipes.bars", "/tmp/alpaca_bars.fifo")
	viper.SetDefault("pipes.orders", "/tmp/alpaca_orders.fifo")
	viper.SetDefault("pipes.responses", "/tmp/alpaca_responses.fifo")
	viper.SetDefault("nats.topic_prefix", "bars")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("graceful_shutdown_timeout", 10*time.Second)
}

// LoadConfig reads the config file at configPath (default ./config.yml)
// and applies BRIDGE_-prefixed environment overrides.
func LoadConfig(configPath string) error {
	viper.Reset()
	setDefaults()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	viper.SetEnvPrefix("BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := viper.Unmarshal(&Env); err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}
