package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/ledger"
	"github.com/defistate/flashliquidity-go/lockmap"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = common.HexToAddress("0x0a")
	treasury = common.HexToAddress("0x0d")
	routerID = common.HexToAddress("0x0e")
	provider = common.HexToAddress("0x1000")
	trader   = common.HexToAddress("0x2000")
	bob      = common.HexToAddress("0x3000")

	weth = common.HexToAddress("0x1111")
	usdc = common.HexToAddress("0x2222")
	dai  = common.HexToAddress("0x3333")
)

const now = 1_700_000_000

type harness struct {
	registry *poolregistry.Registry
	router   *Router
	ledger   *ledger.Memory
	locks    *lockmap.Lockmap
	clock    *engine.ManualClock
}

func newHarness(t *testing.T, multiTier bool, routerFee uint16) *harness {
	t.Helper()
	reg, err := poolregistry.New(poolregistry.Config{Owner: owner, FeeRecipient: treasury, MultiTier: multiTier})
	require.NoError(t, err)
	r, err := New(Config{Account: routerID, FeeBps: routerFee, Registry: reg})
	require.NoError(t, err)

	h := &harness{
		registry: reg,
		router:   r,
		ledger:   ledger.NewMemory(),
		locks:    lockmap.New(8),
		clock:    engine.NewManualClock(time.Unix(now, 0)),
	}
	for _, asset := range []common.Address{weth, usdc, dai} {
		require.NoError(t, h.ledger.Mint(provider, asset, uint256.NewInt(100_000_000)))
		require.NoError(t, h.ledger.Mint(trader, asset, uint256.NewInt(100_000)))
	}
	return h
}

func (h *harness) run(t *testing.T, caller common.Address, fn func(tx *engine.Tx) error) error {
	t.Helper()
	tx, err := engine.NewTx(context.Background(), engine.TxConfig{
		Caller:   caller,
		Clock:    h.clock,
		Ledger:   h.ledger,
		Locks:    h.locks,
		LockWait: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// pool registers and funds a pool; amounts follow the argument order of the assets.
func (h *harness) pool(t *testing.T, a, b common.Address, fee uint16, amountA, amountB uint64, authorize bool) engine.PoolID {
	t.Helper()
	var id engine.PoolID
	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) (err error) {
		id, err = h.registry.RegisterPool(tx, a, b, fee)
		return err
	}))
	p, err := h.registry.Pool(id)
	require.NoError(t, err)
	asset0, _ := p.Assets()
	if asset0 != a {
		amountA, amountB = amountB, amountA
	}
	require.NoError(t, h.run(t, provider, func(tx *engine.Tx) error {
		_, err := p.AddLiquidity(tx, uint256.NewInt(amountA), uint256.NewInt(amountB))
		return err
	}))
	if authorize {
		require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error {
			return h.registry.AuthorizeRouter(tx, routerID, id)
		}))
	}
	return id
}

func (h *harness) swap(t *testing.T, params SwapParams) (*uint256.Int, error) {
	t.Helper()
	var out *uint256.Int
	err := h.run(t, trader, func(tx *engine.Tx) (err error) {
		out, err = h.router.SwapExactTokensForTokens(tx, params)
		return err
	})
	return out, err
}

func (h *harness) balance(account common.Address, asset engine.Asset) uint64 {
	return h.ledger.BalanceOf(account, asset).Uint64()
}

func swapParams(amountIn, minOut uint64) SwapParams {
	return SwapParams{
		TokenIn:      weth,
		TokenOut:     usdc,
		AmountIn:     uint256.NewInt(amountIn),
		AmountOutMin: uint256.NewInt(minOut),
		To:           bob,
		Deadline:     now,
	}
}

func TestNewValidation(t *testing.T) {
	reg, err := poolregistry.New(poolregistry.Config{Owner: owner})
	require.NoError(t, err)

	_, err = New(Config{Registry: reg})
	require.Error(t, err)
	_, err = New(Config{Account: routerID})
	require.Error(t, err)
	_, err = New(Config{Account: routerID, Registry: reg, FeeBps: MaxFeeBps + 1})
	require.ErrorIs(t, err, engine.ErrInvalidFee)
}

func TestSwapExactTokensForTokens(t *testing.T) {
	h := newHarness(t, false, 100)
	id := h.pool(t, weth, usdc, 30, 100_000, 100_000, true)

	quote, err := h.router.GetAmountOut(uint256.NewInt(1_000), weth, usdc)
	require.NoError(t, err)
	assert.Equal(t, id, quote.Pool)
	assert.Equal(t, uint64(987), quote.PoolAmountOut.Uint64())
	assert.Equal(t, uint64(9), quote.Fee.Uint64())
	assert.Equal(t, uint64(978), quote.AmountOut.Uint64())

	out, err := h.swap(t, swapParams(1_000, 978))
	require.NoError(t, err)
	assert.Equal(t, uint64(978), out.Uint64())

	assert.Equal(t, uint64(99_000), h.balance(trader, weth))
	assert.Equal(t, uint64(978), h.balance(bob, usdc))
	assert.Equal(t, uint64(9), h.balance(treasury, usdc))
	assert.Zero(t, h.balance(routerID, usdc), "router keeps nothing when a fee recipient is set")

	p, err := h.registry.Pool(id)
	require.NoError(t, err)
	r0, r1 := p.Reserves()
	assert.Equal(t, uint64(101_000), r0.Uint64())
	assert.Equal(t, uint64(99_013), r1.Uint64())

	stats := h.router.Stats()
	assert.Equal(t, uint64(1), stats.TotalSwaps)
	assert.Equal(t, uint64(1_000), stats.TotalVolume.Uint64())
	assert.Equal(t, uint64(1_000), stats.VolumeByAsset[weth].Uint64())
}

func TestSwapRejections(t *testing.T) {
	h := newHarness(t, false, 100)
	id := h.pool(t, weth, usdc, 30, 100_000, 100_000, true)
	h.pool(t, usdc, dai, 30, 100_000, 100_000, false)

	expired := swapParams(1_000, 0)
	expired.Deadline = now - 1
	wrongPair := swapParams(1_000, 0)
	wrongPair.TokenIn = dai
	wrongPair.TokenOut = weth
	unauthorized := swapParams(1_000, 0)
	unauthorized.TokenIn = dai
	self := swapParams(1_000, 0)
	self.TokenOut = weth
	noRecipient := swapParams(1_000, 0)
	noRecipient.To = common.Address{}

	tests := []struct {
		name   string
		params SwapParams
		want   error
	}{
		{"zero amount", swapParams(0, 0), engine.ErrZeroAmount},
		{"same asset", self, engine.ErrInvalidAsset},
		{"zero recipient", noRecipient, engine.ErrInvalidCall},
		{"expired", expired, engine.ErrExpired},
		{"no pool", wrongPair, engine.ErrPoolNotFound},
		{"router not authorized", unauthorized, engine.ErrUnauthorized},
		{"slippage", swapParams(1_000, 979), engine.ErrSlippageExceeded},
		{"input above balance", swapParams(100_001, 0), engine.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.swap(t, tt.params)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	p, err := h.registry.Pool(id)
	require.NoError(t, err)
	r0, r1 := p.Reserves()
	assert.Equal(t, uint64(100_000), r0.Uint64())
	assert.Equal(t, uint64(100_000), r1.Uint64())
	assert.Equal(t, uint64(100_000), h.balance(trader, weth))
	assert.Zero(t, h.balance(bob, usdc))
	assert.Zero(t, h.router.Stats().TotalSwaps)

	t.Run("inactive pool", func(t *testing.T) {
		require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error {
			return h.registry.SetPoolStatus(tx, id, false)
		}))
		_, err := h.swap(t, swapParams(1_000, 0))
		assert.ErrorIs(t, err, engine.ErrPoolInactive)
	})
}

func TestDeadlineIsInclusive(t *testing.T) {
	h := newHarness(t, false, 0)
	h.pool(t, weth, usdc, 30, 100_000, 100_000, true)

	_, err := h.swap(t, swapParams(1_000, 0))
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	_, err = h.swap(t, swapParams(1_000, 0))
	require.ErrorIs(t, err, engine.ErrExpired)
}

func TestGetBestRouteAcrossTiers(t *testing.T) {
	t.Run("lower fee wins at equal depth", func(t *testing.T) {
		h := newHarness(t, true, 0)
		low := h.pool(t, weth, usdc, 5, 100_000, 100_000, true)
		h.pool(t, weth, usdc, 100, 100_000, 100_000, true)

		q, err := h.router.GetBestRoute(weth, usdc, uint256.NewInt(1_000))
		require.NoError(t, err)
		assert.Equal(t, low, q.Pool)
	})

	t.Run("depth beats fee", func(t *testing.T) {
		h := newHarness(t, true, 0)
		h.pool(t, weth, usdc, 5, 2_000, 2_000, true)
		deep := h.pool(t, weth, usdc, 100, 1_000_000, 1_000_000, true)

		q, err := h.router.GetBestRoute(weth, usdc, uint256.NewInt(1_000))
		require.NoError(t, err)
		assert.Equal(t, deep, q.Pool)

		out, err := h.swap(t, swapParams(1_000, 0))
		require.NoError(t, err)
		assert.Equal(t, q.AmountOut, out, "execution matches the quote")
	})

	t.Run("unauthorized tier is skipped", func(t *testing.T) {
		h := newHarness(t, true, 0)
		low := h.pool(t, weth, usdc, 5, 100_000, 100_000, false)
		high := h.pool(t, weth, usdc, 100, 100_000, 100_000, true)

		q, err := h.router.GetBestRoute(weth, usdc, uint256.NewInt(1_000))
		require.NoError(t, err)
		assert.Equal(t, high, q.Pool)

		lowPool, err := h.registry.Pool(low)
		require.NoError(t, err)
		direct, err := lowPool.GetAmountOut(uint256.NewInt(1_000), weth)
		require.NoError(t, err)
		quoted, err := h.router.GetAmountOut(uint256.NewInt(1_000), weth, usdc)
		require.NoError(t, err)
		assert.True(t, direct.Gt(quoted.PoolAmountOut), "the better unauthorized pool is not quoted")
	})

	t.Run("only unauthorized pools", func(t *testing.T) {
		h := newHarness(t, true, 0)
		h.pool(t, weth, usdc, 5, 100_000, 100_000, false)

		_, err := h.router.GetAmountOut(uint256.NewInt(1_000), weth, usdc)
		assert.ErrorIs(t, err, engine.ErrUnauthorized)
	})
}

func TestStatsOnlyOnCommit(t *testing.T) {
	h := newHarness(t, false, 0)
	h.pool(t, weth, usdc, 30, 100_000, 100_000, true)

	tx, err := engine.NewTx(context.Background(), engine.TxConfig{Caller: trader, Clock: h.clock, Ledger: h.ledger, Locks: h.locks})
	require.NoError(t, err)
	_, err = h.router.SwapExactTokensForTokens(tx, swapParams(1_000, 0))
	require.NoError(t, err)
	tx.Discard()

	assert.Zero(t, h.router.Stats().TotalSwaps)
	assert.Zero(t, h.balance(bob, usdc))

	h.router.RestoreStats(Stats{TotalSwaps: 7, TotalVolume: uint256.NewInt(70), VolumeByAsset: map[engine.Asset]*uint256.Int{weth: uint256.NewInt(70)}})
	assert.Equal(t, uint64(7), h.router.Stats().TotalSwaps)
}

// stubRegistry serves hand-built pools so ties and failure ordering can be staged directly.
type stubRegistry struct {
	ids       []engine.PoolID
	pools     map[engine.PoolID]*constantproduct.Pool
	denied    map[engine.PoolID]bool
	recipient engine.Account
}

func (s *stubRegistry) PoolsForPair(a, b engine.Asset) []engine.PoolID {
	var out []engine.PoolID
	for _, id := range s.ids {
		if p := s.pools[id]; p.Has(a) && p.Has(b) {
			out = append(out, id)
		}
	}
	return out
}

func (s *stubRegistry) Pool(id engine.PoolID) (*constantproduct.Pool, error) {
	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrPoolNotFound, id.Hex())
	}
	return p, nil
}

func (s *stubRegistry) IsAuthorized(_ engine.Account, id engine.PoolID) bool { return !s.denied[id] }
func (s *stubRegistry) FeeRecipient() engine.Account                         { return s.recipient }

func newStub(t *testing.T, h *harness, funded ...bool) *stubRegistry {
	t.Helper()
	s := &stubRegistry{pools: make(map[engine.PoolID]*constantproduct.Pool), denied: make(map[engine.PoolID]bool)}
	for i, fund := range funded {
		id := common.BigToHash(uint256.NewInt(uint64(i + 1)).ToBig())
		p, err := constantproduct.New(constantproduct.Config{ID: id, Asset0: weth, Asset1: usdc, FeeBps: 30})
		require.NoError(t, err)
		if fund {
			require.NoError(t, h.run(t, provider, func(tx *engine.Tx) error {
				_, err := p.AddLiquidity(tx, uint256.NewInt(100_000), uint256.NewInt(100_000))
				return err
			}))
		}
		s.ids = append(s.ids, id)
		s.pools[id] = p
	}
	return s
}

func TestGetBestRouteTiesAndErrors(t *testing.T) {
	t.Run("tie goes to the lowest id", func(t *testing.T) {
		h := newHarness(t, false, 0)
		s := newStub(t, h, true, true)
		r, err := New(Config{Account: routerID, Registry: s})
		require.NoError(t, err)
		q, err := r.GetBestRoute(usdc, weth, uint256.NewInt(1_000))
		require.NoError(t, err)
		assert.Equal(t, s.ids[0], q.Pool)
	})

	t.Run("liquidity error outranks authorization", func(t *testing.T) {
		h := newHarness(t, false, 0)
		s := newStub(t, h, false, true)
		s.denied[s.ids[1]] = true
		r, err := New(Config{Account: routerID, Registry: s})
		require.NoError(t, err)
		_, err = r.GetBestRoute(weth, usdc, uint256.NewInt(1_000))
		assert.ErrorIs(t, err, engine.ErrInsufficientLiquidity)
	})

	t.Run("inactive outranks authorization", func(t *testing.T) {
		h := newHarness(t, false, 0)
		s := newStub(t, h, true, true)
		s.denied[s.ids[0]] = true
		require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error {
			return s.pools[s.ids[1]].SetActive(tx, false)
		}))
		r, err := New(Config{Account: routerID, Registry: s})
		require.NoError(t, err)
		_, err = r.GetBestRoute(weth, usdc, uint256.NewInt(1_000))
		assert.ErrorIs(t, err, engine.ErrPoolInactive)
	})
}

func TestBestRouteForSeesOwnSwaps(t *testing.T) {
	h := newHarness(t, false, 0)
	h.pool(t, weth, usdc, 30, 100_000, 100_000, true)

	tx, err := engine.NewTx(context.Background(), engine.TxConfig{Caller: trader, Clock: h.clock, Ledger: h.ledger, Locks: h.locks})
	require.NoError(t, err)
	defer tx.Discard()
	_, err = h.router.SwapExactTokensForTokens(tx, SwapParams{
		TokenIn:  weth,
		TokenOut: usdc,
		AmountIn: uint256.NewInt(10_000),
		To:       trader,
		Deadline: now,
	})
	require.NoError(t, err)

	own, err := h.router.BestRouteFor(tx, weth, usdc, uint256.NewInt(1_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(816), own.AmountOut.Uint64())

	committed, err := h.router.GetBestRoute(weth, usdc, uint256.NewInt(1_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(987), committed.AmountOut.Uint64())
}

func TestFeeStaysWithRouterWithoutRecipient(t *testing.T) {
	h := newHarness(t, false, 0)
	s := newStub(t, h, true)
	r, err := New(Config{Account: routerID, FeeBps: 100, Registry: s})
	require.NoError(t, err)
	h.router = r

	out, err := h.swap(t, swapParams(1_000, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(978), out.Uint64())
	assert.Equal(t, uint64(9), h.balance(routerID, usdc))
}

func TestInvoke(t *testing.T) {
	h := newHarness(t, false, 100)
	h.pool(t, weth, usdc, 30, 100_000, 100_000, true)

	var out any
	require.NoError(t, h.run(t, trader, func(tx *engine.Tx) (err error) {
		out, err = h.router.Invoke(tx, engine.Call{
			Op:     engine.OpRouterGetAmount,
			Params: QuoteParams{TokenIn: weth, TokenOut: usdc, AmountIn: uint256.NewInt(1_000)},
		})
		return err
	}))
	assert.Equal(t, uint64(978), out.(*uint256.Int).Uint64())

	p := swapParams(1_000, 0)
	require.NoError(t, h.run(t, trader, func(tx *engine.Tx) (err error) {
		out, err = h.router.Invoke(tx, engine.Call{Op: engine.OpSwapExactTokens, Params: &p})
		return err
	}))
	assert.Equal(t, uint64(978), out.(*uint256.Int).Uint64())

	err := h.run(t, trader, func(tx *engine.Tx) error {
		_, err := h.router.Invoke(tx, engine.Call{Op: engine.OpSwapExactTokens, Params: QuoteParams{}})
		return err
	})
	assert.ErrorIs(t, err, engine.ErrInvalidCall)
}
