package poolregistry

import (
	"context"
	"testing"
	"time"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/ledger"
	"github.com/defistate/flashliquidity-go/lockmap"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = common.HexToAddress("0x0a")
	stranger = common.HexToAddress("0x0b")
	router   = common.HexToAddress("0x0c")
	treasury = common.HexToAddress("0x0d")

	weth = common.HexToAddress("0x1111")
	usdc = common.HexToAddress("0x2222")
	dai  = common.HexToAddress("0x3333")
)

type harness struct {
	registry *Registry
	ledger   *ledger.Memory
	locks    *lockmap.Lockmap
	clock    *engine.ManualClock
}

func newHarness(t *testing.T, multiTier bool) *harness {
	t.Helper()
	r, err := New(Config{Owner: owner, FeeRecipient: treasury, MultiTier: multiTier})
	require.NoError(t, err)
	return &harness{
		registry: r,
		ledger:   ledger.NewMemory(),
		locks:    lockmap.New(8),
		clock:    engine.NewManualClock(time.Unix(1_700_000_000, 0).UTC()),
	}
}

func (h *harness) run(t *testing.T, caller common.Address, fn func(tx *engine.Tx) error) error {
	t.Helper()
	tx, err := engine.NewTx(context.Background(), engine.TxConfig{Caller: caller, Clock: h.clock, Ledger: h.ledger, Locks: h.locks})
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

func (h *harness) register(t *testing.T, a, b common.Address, fee uint16) engine.PoolID {
	t.Helper()
	var id engine.PoolID
	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) (err error) {
		id, err = h.registry.RegisterPool(tx, a, b, fee)
		return err
	}))
	return id
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Owner: owner, MinFeeBps: 50, MaxFeeBps: 10})
	require.Error(t, err)
	_, err = New(Config{Owner: owner, ProtocolFeeBps: 5_000})
	require.ErrorIs(t, err, engine.ErrInvalidFee)
}

func TestPairKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, PairKey(weth, usdc, 30, false), PairKey(usdc, weth, 30, false))
	assert.Equal(t, PairKey(weth, usdc, 30, false), PairKey(weth, usdc, 100, false))
	assert.NotEqual(t, PairKey(weth, usdc, 30, true), PairKey(weth, usdc, 100, true))
	assert.Equal(t, PairKey(weth, usdc, 30, true), PairKey(usdc, weth, 30, true))
}

func TestRegisterPool(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		h := newHarness(t, false)
		id := h.register(t, usdc, weth, 30)

		got, err := h.registry.GetPoolByTokens(weth, usdc)
		require.NoError(t, err)
		assert.Equal(t, id, got)

		info, err := h.registry.GetPoolInfo(id)
		require.NoError(t, err)
		assert.Equal(t, weth, info.Asset0, "assets are canonically ordered")
		assert.Equal(t, usdc, info.Asset1)
		assert.Equal(t, uint16(30), info.FeeBps)
		assert.True(t, info.Active)
		assert.Equal(t, h.clock.Now(), info.RegisteredAt)
		assert.Equal(t, 1, h.registry.TotalPools())
		assert.Equal(t, []engine.Asset{weth, usdc}, h.registry.Tokens())
	})

	t.Run("DuplicateInReverseOrder", func(t *testing.T) {
		h := newHarness(t, false)
		h.register(t, weth, usdc, 30)

		err := h.run(t, owner, func(tx *engine.Tx) error {
			_, err := h.registry.RegisterPool(tx, usdc, weth, 100)
			return err
		})
		require.ErrorIs(t, err, engine.ErrDuplicatePool)
		assert.Equal(t, 1, h.registry.TotalPools())
	})

	t.Run("MultiTier", func(t *testing.T) {
		h := newHarness(t, true)
		low := h.register(t, weth, usdc, 5)
		high := h.register(t, weth, usdc, 100)

		err := h.run(t, owner, func(tx *engine.Tx) error {
			_, err := h.registry.RegisterPool(tx, usdc, weth, 5)
			return err
		})
		require.ErrorIs(t, err, engine.ErrDuplicatePool)

		pools := h.registry.PoolsForPair(usdc, weth)
		assert.ElementsMatch(t, []engine.PoolID{low, high}, pools)
		first, err := h.registry.GetPoolByTokens(weth, usdc)
		require.NoError(t, err)
		assert.Equal(t, pools[0], first)
	})

	t.Run("Validation", func(t *testing.T) {
		h := newHarness(t, false)
		testCases := []struct {
			name   string
			caller common.Address
			a, b   common.Address
			fee    uint16
			want   error
		}{
			{"fee too low", owner, weth, usdc, 0, engine.ErrInvalidFee},
			{"fee too high", owner, weth, usdc, 1_001, engine.ErrInvalidFee},
			{"identical assets", owner, weth, weth, 30, engine.ErrInvalidAsset},
			{"zero asset", owner, weth, common.Address{}, 30, engine.ErrInvalidAsset},
			{"not owner", stranger, weth, usdc, 30, engine.ErrUnauthorized},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				err := h.run(t, tc.caller, func(tx *engine.Tx) error {
					_, err := h.registry.RegisterPool(tx, tc.a, tc.b, tc.fee)
					return err
				})
				require.ErrorIs(t, err, tc.want)
			})
		}
		assert.Zero(t, h.registry.TotalPools())
	})

	t.Run("InvisibleUntilCommit", func(t *testing.T) {
		h := newHarness(t, false)
		tx, err := engine.NewTx(context.Background(), engine.TxConfig{Caller: owner, Clock: h.clock, Ledger: h.ledger, Locks: h.locks})
		require.NoError(t, err)

		id, err := h.registry.RegisterPool(tx, weth, dai, 30)
		require.NoError(t, err)
		_, err = h.registry.Pool(id)
		require.ErrorIs(t, err, engine.ErrPoolNotFound)

		tx.Discard()
		_, err = h.registry.GetPoolByTokens(weth, dai)
		require.ErrorIs(t, err, engine.ErrPoolNotFound)

		// the pending reservation was released
		h.register(t, dai, weth, 30)
	})
}

func TestGetPoolByTokensNotFound(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.registry.GetPoolByTokens(weth, usdc)
	require.ErrorIs(t, err, engine.ErrPoolNotFound)
}

func TestAuthorizeRouter(t *testing.T) {
	h := newHarness(t, false)
	id := h.register(t, weth, usdc, 30)
	other := h.register(t, weth, dai, 30)

	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.registry.AuthorizeRouter(tx, router, id) }))
	assert.True(t, h.registry.IsAuthorized(router, id))
	assert.False(t, h.registry.IsAuthorized(router, other))
	before := h.registry.View()

	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.registry.AuthorizeRouter(tx, router, id) }))
	assert.Equal(t, before, h.registry.View(), "re-authorization changes nothing")

	err := h.run(t, stranger, func(tx *engine.Tx) error { return h.registry.AuthorizeRouter(tx, router, other) })
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	err = h.run(t, owner, func(tx *engine.Tx) error { return h.registry.AuthorizeRouter(tx, router, common.HexToHash("0x99")) })
	require.ErrorIs(t, err, engine.ErrPoolNotFound)

	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.registry.AuthorizeRouter(tx, router, other) }))
	assert.Equal(t, []engine.PoolID{id, other}, h.registry.AuthorizedPools(router))

	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.registry.RevokeRouter(tx, router, id) }))
	assert.False(t, h.registry.IsAuthorized(router, id))
	assert.True(t, h.registry.IsAuthorized(router, other))
}

func TestSetPoolStatus(t *testing.T) {
	h := newHarness(t, false)
	a := h.register(t, weth, usdc, 30)
	b := h.register(t, weth, dai, 30)

	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.registry.SetPoolStatus(tx, a, false) }))
	assert.Equal(t, []engine.PoolID{b}, h.registry.ActivePools())
	assert.Equal(t, 2, h.registry.TotalPools())

	err := h.run(t, owner, func(tx *engine.Tx) error {
		if err := h.registry.SetPoolStatus(tx, a, true); err != nil {
			return err
		}
		return engine.ErrRepaymentFailed
	})
	require.ErrorIs(t, err, engine.ErrRepaymentFailed)
	info, err := h.registry.GetPoolInfo(a)
	require.NoError(t, err)
	assert.False(t, info.Active, "status change rolled back with the tx")
}

func TestSetProtocolFee(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.registry.SetProtocolFee(tx, 100, treasury) }))
	bps, recipient := h.registry.ProtocolFee()
	assert.Equal(t, uint16(100), bps)
	assert.Equal(t, treasury, recipient)

	err := h.run(t, owner, func(tx *engine.Tx) error { return h.registry.SetProtocolFee(tx, 2_000, treasury) })
	require.ErrorIs(t, err, engine.ErrInvalidFee)
	err = h.run(t, owner, func(tx *engine.Tx) error { return h.registry.SetProtocolFee(tx, 10, common.Address{}) })
	require.ErrorIs(t, err, engine.ErrInvalidCall)
}

func TestViewRestoreAndDiff(t *testing.T) {
	h := newHarness(t, false)
	id := h.register(t, weth, usdc, 30)
	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.registry.AuthorizeRouter(tx, router, id) }))
	empty := h.registry.View()

	require.NoError(t, h.ledger.Mint(stranger, weth, uint256.NewInt(1_000_000)))
	require.NoError(t, h.ledger.Mint(stranger, usdc, uint256.NewInt(1_000_000)))
	pool, err := h.registry.Pool(id)
	require.NoError(t, err)
	require.NoError(t, h.run(t, stranger, func(tx *engine.Tx) error {
		_, err := pool.AddLiquidity(tx, uint256.NewInt(10_000), uint256.NewInt(40_000))
		return err
	}))
	dai2 := h.register(t, dai, usdc, 50)
	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.registry.RevokeRouter(tx, router, id) }))
	full := h.registry.View()

	restored, err := NewFromView(full, nil)
	require.NoError(t, err)
	assert.Equal(t, full, restored.View())
	_, err = restored.GetPoolByTokens(usdc, dai)
	require.NoError(t, err)

	diff := Differ(empty, full)
	require.Len(t, diff.PoolAdditions, 1)
	assert.Equal(t, dai2, diff.PoolAdditions[0].ID)
	require.Len(t, diff.PoolUpdates, 1)
	assert.Equal(t, id, diff.PoolUpdates[0].ID)
	require.Len(t, diff.GrantUpdates, 1)
	assert.Empty(t, diff.GrantUpdates[0].Pools)
	assert.Nil(t, diff.Meta)

	patched, err := Patcher(empty, diff)
	require.NoError(t, err)
	assert.Equal(t, full, patched)
	assert.True(t, Differ(full, full).IsEmpty())
}
