package router

import (
	"testing"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/flashloan"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lender = common.HexToAddress("0xf1a5")

func TestPlanEncoding(t *testing.T) {
	plan := ArbitragePlan{Path: []common.Address{weth, usdc, weth}, MinProfit: uint256.NewInt(42)}
	data, err := EncodePlan(plan)
	require.NoError(t, err)

	got, err := DecodePlan(data)
	require.NoError(t, err)
	assert.Equal(t, plan, got)

	_, err = DecodePlan([]byte{0xff, 0x01})
	assert.ErrorIs(t, err, engine.ErrInvalidCall)

	assert.ErrorIs(t, ArbitragePlan{Path: []common.Address{weth, usdc}}.validate(weth), engine.ErrInvalidCall)
	assert.ErrorIs(t, ArbitragePlan{Path: []common.Address{usdc, weth, usdc}}.validate(weth), engine.ErrInvalidAsset)
}

type arbHarness struct {
	*harness
	module *flashloan.Module
	pools  []engine.PoolID
}

// newArbHarness prices weth at half a dai on one leg of a weth -> usdc -> dai -> weth cycle.
func newArbHarness(t *testing.T) *arbHarness {
	t.Helper()
	h := newHarness(t, false, 0)
	a := &arbHarness{harness: h}
	a.pools = []engine.PoolID{
		h.pool(t, weth, usdc, 30, 100_000, 100_000, true),
		h.pool(t, usdc, dai, 30, 100_000, 100_000, true),
		h.pool(t, dai, weth, 30, 100_000, 200_000, true),
	}

	m, err := flashloan.New(flashloan.Config{Account: lender, Owner: owner, FeeBps: 50, Supported: []engine.Asset{weth}})
	require.NoError(t, err)
	a.module = m
	require.NoError(t, h.ledger.Mint(owner, weth, uint256.NewInt(50_000)))
	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error {
		return m.DepositLiquidity(tx, weth, uint256.NewInt(50_000))
	}))
	return a
}

func (a *arbHarness) borrow(t *testing.T, plan ArbitragePlan) error {
	t.Helper()
	data, err := EncodePlan(plan)
	require.NoError(t, err)
	return a.run(t, trader, func(tx *engine.Tx) error {
		_, err := a.module.FlashLoan(tx, weth, uint256.NewInt(1_000), &ArbitrageBorrower{Router: a.router}, data)
		return err
	})
}

func TestArbitrageBorrowerProfits(t *testing.T) {
	a := newArbHarness(t)

	err := a.borrow(t, ArbitragePlan{Path: []common.Address{weth, usdc, dai, weth}, MinProfit: uint256.NewInt(1)})
	require.NoError(t, err)

	// 1000 weth -> 987 usdc -> 974 dai -> 1923 weth, less 1005 owed
	assert.Equal(t, uint64(100_918), a.balance(trader, weth))
	assert.Equal(t, uint64(50_005), a.balance(lender, weth))
	assert.Equal(t, uint64(50_005), a.module.TokenBalance(weth).Uint64())
	assert.Equal(t, uint64(3), a.router.Stats().TotalSwaps)
	assert.Equal(t, uint64(1), a.module.Stats().TotalLoans)
}

func TestArbitrageBorrowerRevertsBelowTarget(t *testing.T) {
	a := newArbHarness(t)
	before := make(map[engine.PoolID][2]uint64)
	for _, id := range a.pools {
		p, err := a.registry.Pool(id)
		require.NoError(t, err)
		r0, r1 := p.Reserves()
		before[id] = [2]uint64{r0.Uint64(), r1.Uint64()}
	}

	err := a.borrow(t, ArbitragePlan{Path: []common.Address{weth, usdc, dai, weth}, MinProfit: uint256.NewInt(1_000)})
	require.ErrorIs(t, err, engine.ErrSlippageExceeded)

	for _, id := range a.pools {
		p, err := a.registry.Pool(id)
		require.NoError(t, err)
		r0, r1 := p.Reserves()
		assert.Equal(t, before[id], [2]uint64{r0.Uint64(), r1.Uint64()})
	}
	assert.Equal(t, uint64(100_000), a.balance(trader, weth))
	assert.Equal(t, uint64(50_000), a.module.TokenBalance(weth).Uint64())
	assert.Zero(t, a.router.Stats().TotalSwaps)
	assert.Zero(t, a.module.Stats().TotalLoans)
}

func TestArbitrageBorrowerRejectsForeignCycle(t *testing.T) {
	a := newArbHarness(t)
	err := a.borrow(t, ArbitragePlan{Path: []common.Address{usdc, dai, usdc}})
	require.ErrorIs(t, err, engine.ErrInvalidAsset)
}
