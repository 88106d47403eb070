package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
data_dir: /var/lib/flashd
stream_interval: 1s
log:
  file: flashd.log
  level: debug
owner: "0x000000000000000000000000000000000000000a"
registry:
  feeRecipient: "0x000000000000000000000000000000000000000d"
  protocolFeeBps: 500
router:
  account: "0x000000000000000000000000000000000000000e"
  feeBps: 100
flash:
  account: "0x000000000000000000000000000000000000000f"
  feeBps: 9
  supported:
    - "0x0000000000000000000000000000000000001111"
genesis:
  - account: "0x0000000000000000000000000000000000001000"
    asset: "0x0000000000000000000000000000000000001111"
    amount: "1000000000000000000"
`

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(write(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/flashd", cfg.DataDir)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, time.Second, cfg.StreamInterval)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	assert.Equal(t, common.HexToAddress("0x0a"), cfg.Owner)
	assert.Equal(t, uint16(500), cfg.Registry.ProtocolFeeBps)
	assert.Equal(t, common.HexToAddress("0x0e"), cfg.Router.Account)
	assert.Equal(t, []common.Address{common.HexToAddress("0x1111")}, cfg.Flash.Supported)

	require.Len(t, cfg.Genesis, 1)
	v, err := cfg.Genesis[0].Value()
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", v.Dec())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: "owner: [unterminated"},
		{name: "no data dir", body: `owner: "0x000000000000000000000000000000000000000a"`},
		{name: "no owner", body: "data_dir: /tmp/x"},
		{name: "bad amount", body: "data_dir: /tmp/x\nowner: \"0x000000000000000000000000000000000000000a\"\ngenesis:\n  - amount: \"-5\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(write(t, tt.body))
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSlogLevelFallback(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, LogConfig{Level: "loud"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LogConfig{Level: "warn"}.SlogLevel())
}
