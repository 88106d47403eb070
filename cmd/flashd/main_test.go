package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/defistate/flashliquidity-go/cmd/flashd/config"
	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocol"
	"github.com/defistate/flashliquidity-go/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = common.HexToAddress("0x0a")
	provider = common.HexToAddress("0x1000")
	weth     = common.HexToAddress("0x1111")
	usdc     = common.HexToAddress("0x2222")
)

func testConfig(dir string) *config.ServerConfig {
	return &config.ServerConfig{
		DataDir: dir,
		Owner:   owner,
		Router:  protocol.RouterConfig{Account: common.HexToAddress("0x0e"), FeeBps: 100},
		Flash:   protocol.FlashConfig{Account: common.HexToAddress("0x0f"), FeeBps: 9, Supported: []engine.Asset{weth}},
		Genesis: []config.Allocation{
			{Account: provider, Asset: weth, Amount: "1000000"},
			{Account: provider, Asset: usdc, Amount: "1000000"},
		},
	}
}

func TestOpenProtocolGenesisThenRestore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	cfg := testConfig(dir)

	store, err := storage.Open(dir, logger)
	require.NoError(t, err)
	p, err := openProtocol(cfg, store, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), p.Ledger().BalanceOf(provider, weth).Uint64())

	_, err = store.Load()
	require.NoError(t, err, "genesis is saved immediately")

	id, err := p.RegisterPool(ctx, owner, weth, usdc, 30)
	require.NoError(t, err)
	_, err = p.AddLiquidity(ctx, provider, id, uint256.NewInt(10_000), uint256.NewInt(10_000))
	require.NoError(t, err)
	require.NoError(t, store.Save(p.Snapshot()))
	require.NoError(t, store.Close())

	store, err = storage.Open(dir, logger)
	require.NoError(t, err)
	defer store.Close()
	// Genesis allocations are ignored once state exists.
	cfg.Genesis = append(cfg.Genesis, config.Allocation{Account: owner, Asset: weth, Amount: "5"})
	restored, err := openProtocol(cfg, store, logger, prometheus.NewRegistry())
	require.NoError(t, err)

	assert.Equal(t, p.Sequence(), restored.Sequence())
	assert.Equal(t, uint64(990_000), restored.Ledger().BalanceOf(provider, weth).Uint64())
	assert.True(t, restored.Ledger().BalanceOf(owner, weth).IsZero())
	got, err := restored.GetPoolByTokens(ctx, usdc, weth)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestOpenProtocolOwnerMismatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	store, err := storage.Open(dir, logger)
	require.NoError(t, err)
	defer store.Close()

	_, err = openProtocol(testConfig(dir), store, logger, prometheus.NewRegistry())
	require.NoError(t, err)

	other := testConfig(dir)
	other.Owner = common.HexToAddress("0xbad")
	_, err = openProtocol(other, store, logger, prometheus.NewRegistry())
	require.Error(t, err)
}
