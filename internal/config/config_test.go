package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configDoc = `
api_key: "test-key"
api_secret: "test-secret"
symbols: "TQQQ, SQQQ"
mode: "live"
broker_url: "https://paper-api.alpaca.markets"
order_timeout_ms: 3000
pipes:
  bars: "/tmp/test_bars.fifo"
log:
  level: "debug"
`

func loadTestConfig(t *testing.T, doc string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	require.NoError(t, LoadConfig(path))
	return Env
}

func TestLoadConfig(t *testing.T) {
	cfg := loadTestConfig(t, configDoc)

	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, []string{"TQQQ", "SQQQ"}, cfg.SymbolList())
	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, 3*time.Second, cfg.OrderTimeout())
	assert.Equal(t, "/tmp/test_bars.fifo", cfg.Pipes.Bars)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadTestConfig(t, configDoc)

	assert.Equal(t, "iex", cfg.Feed)
	assert.Equal(t, 500*time.Millisecond, cfg.SettleDelay())
	assert.Equal(t, time.Second, cfg.ReplayPace())
	assert.Equal(t, "/tmp/alpaca_orders.fifo", cfg.Pipes.Orders)
	assert.Equal(t, "/tmp/alpaca_responses.fifo", cfg.Pipes.Responses)
	assert.Equal(t, "bars", cfg.Nats.TopicPrefix)
	assert.Equal(t, 10*time.Second, cfg.GracefulShutdownTimeout)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("BRIDGE_FEED", "sip")
	cfg := loadTestConfig(t, configDoc)
	assert.Equal(t, "sip", cfg.Feed)
}

func TestLoadConfigMissingFile(t *testing.T) {
	assert.Error(t, LoadConfig(filepath.Join(t.TempDir(), "missing.yml")))
}

func TestSymbolList(t *testing.T) {
	for in, want := range map[string][]string{
		"TQQQ":          {"TQQQ"},
		"TQQQ,SQQQ":     {"TQQQ", "SQQQ"},
		" TQQQ , SQQQ ": {"TQQQ", "SQQQ"},
		"TQQQ,,SQQQ":    {"TQQQ", "SQQQ"},
		"":              nil,
		"  ":            nil,
	} {
		c := Config{Symbols: in}
		assert.Equal(t, want, c.SymbolList(), "input %q", in)
	}
}

func TestValidateLive(t *testing.T) {
	valid := Config{APIKey: "k", APISecret: "s", Symbols: "TQQQ"}
	assert.NoError(t, valid.ValidateLive())

	assert.Error(t, (&Config{APISecret: "s", Symbols: "TQQQ"}).ValidateLive())
	assert.Error(t, (&Config{APIKey: "k", Symbols: "TQQQ"}).ValidateLive())
	assert.Error(t, (&Config{APIKey: "k", APISecret: "s"}).ValidateLive())
}

func TestValidateReplay(t *testing.T) {
	valid := Config{ReplaySource: "results.json", Symbols: "TQQQ"}
	assert.NoError(t, valid.ValidateReplay())

	assert.Error(t, (&Config{Symbols: "TQQQ"}).ValidateReplay())
	assert.Error(t, (&Config{ReplaySource: "results.json"}).ValidateReplay())

	natsMissingURL := Config{
		ReplaySource: "results.json",
		Symbols:      "TQQQ",
		Nats:         NatsConfig{Enabled: true},
	}
	assert.Error(t, natsMissingURL.ValidateReplay())
}
