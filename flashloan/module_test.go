package flashloan

import (
	"context"
	"errors"
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
	lender = common.HexToAddress("0xf1a5")
	owner  = common.HexToAddress("0x0e0e")
	alice  = common.HexToAddress("0xa11ce")
	bob    = common.HexToAddress("0xb0b")
	dai    = common.HexToAddress("0xda1")
	weth   = common.HexToAddress("0xe7e")
	usdc   = common.HexToAddress("0x05dc")
)

type harness struct {
	module *Module
	ledger *ledger.Memory
	locks  *lockmap.Lockmap
	clock  *engine.ManualClock
	states []State
}

func newHarness(t *testing.T, feeBps uint16) *harness {
	t.Helper()
	h := &harness{
		ledger: ledger.NewMemory(),
		locks:  lockmap.New(8),
		clock:  engine.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	m, err := New(Config{
		Account:   lender,
		Owner:     owner,
		FeeBps:    feeBps,
		Supported: []engine.Asset{dai, weth},
		Observer:  func(_ engine.Asset, s State) { h.states = append(h.states, s) },
	})
	require.NoError(t, err)
	h.module = m

	for _, asset := range []engine.Asset{dai, weth, usdc} {
		require.NoError(t, h.ledger.Mint(owner, asset, uint256.NewInt(1_000_000)))
		require.NoError(t, h.ledger.Mint(alice, asset, uint256.NewInt(1_000)))
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

func (h *harness) deposit(t *testing.T, asset engine.Asset, amount uint64) {
	t.Helper()
	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error {
		return h.module.DepositLiquidity(tx, asset, uint256.NewInt(amount))
	}))
}

func (h *harness) balance(account engine.Account, asset engine.Asset) uint64 {
	return h.ledger.BalanceOf(account, asset).Uint64()
}

func (h *harness) borrow(t *testing.T, asset engine.Asset, amount uint64, b Borrower) error {
	t.Helper()
	return h.run(t, alice, func(tx *engine.Tx) error {
		_, err := h.module.FlashLoan(tx, asset, uint256.NewInt(amount), b, nil)
		return err
	})
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Owner: owner})
	require.Error(t, err)

	_, err = New(Config{Account: lender})
	require.Error(t, err)

	_, err = New(Config{Account: lender, Owner: owner, FeeBps: MaxFeeBps + 1})
	assert.ErrorIs(t, err, engine.ErrInvalidFee)

	_, err = New(Config{Account: lender, Owner: owner, Supported: []engine.Asset{{}}})
	assert.ErrorIs(t, err, engine.ErrInvalidAsset)
}

func TestQueries(t *testing.T) {
	h := newHarness(t, 50)
	h.deposit(t, dai, 20_000)

	assert.Equal(t, uint64(20_000), h.module.MaxFlashLoan(dai).Uint64())
	assert.True(t, h.module.MaxFlashLoan(weth).IsZero())
	assert.True(t, h.module.MaxFlashLoan(usdc).IsZero(), "unsupported assets report zero")

	fee, err := h.module.FlashFee(dai, uint256.NewInt(10_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), fee.Uint64())

	fee, err = h.module.FlashFee(dai, uint256.NewInt(199))
	require.NoError(t, err)
	assert.True(t, fee.IsZero(), "fee rounds down")

	_, err = h.module.FlashFee(usdc, uint256.NewInt(1))
	assert.ErrorIs(t, err, engine.ErrUnsupportedAsset)

	assert.Equal(t, []engine.Asset{dai, weth}, h.module.SupportedTokens())
}

func TestFlashLoanRepaid(t *testing.T) {
	h := newHarness(t, 50)
	h.deposit(t, dai, 20_000)

	var seen Loan
	borrower := BorrowerFunc(func(tx *engine.Tx, loan Loan) error {
		seen = loan
		assert.Equal(t, uint64(11_000), tx.BalanceOf(alice, dai).Uint64(), "principal disbursed to the initiator")
		return RepayBorrower{}.OnFlashLoan(tx, loan)
	})
	require.NoError(t, h.borrow(t, dai, 10_000, borrower))

	assert.Equal(t, alice, seen.Initiator)
	assert.Equal(t, lender, seen.Lender)
	assert.Equal(t, uint64(50), seen.Fee.Uint64())

	assert.Equal(t, uint64(950), h.balance(alice, dai))
	assert.Equal(t, uint64(20_050), h.balance(lender, dai))
	assert.Equal(t, uint64(20_050), h.module.TokenBalance(dai).Uint64())

	stats := h.module.Stats()
	assert.Equal(t, uint64(1), stats.TotalLoans)
	assert.Equal(t, uint64(10_000), stats.TotalVolume.Uint64())
	assert.Equal(t, uint64(50), stats.ByAsset[dai].Fees.Uint64())

	assert.Equal(t, []State{Requested, LiquidityReserved, CallbackExecuting, RepaymentVerified, Settled}, h.states[len(h.states)-5:])
}

func TestFlashLoanShortRepaymentReverts(t *testing.T) {
	h := newHarness(t, 50)
	h.deposit(t, dai, 20_000)

	borrower := BorrowerFunc(func(tx *engine.Tx, loan Loan) error {
		// moves part of the loan elsewhere, then repays 9990 of the 10050 owed
		if err := tx.Transfer(alice, bob, dai, uint256.NewInt(10)); err != nil {
			return err
		}
		return tx.Transfer(alice, lender, dai, uint256.NewInt(9_990))
	})
	err := h.borrow(t, dai, 10_000, borrower)
	require.ErrorIs(t, err, engine.ErrRepaymentFailed)

	assert.Equal(t, uint64(1_000), h.balance(alice, dai))
	assert.Zero(t, h.balance(bob, dai), "borrower effects are undone")
	assert.Equal(t, uint64(20_000), h.balance(lender, dai))
	assert.Equal(t, uint64(20_000), h.module.TokenBalance(dai).Uint64())
	assert.Zero(t, h.module.Stats().TotalLoans)
	assert.Equal(t, Reverted, h.states[len(h.states)-1])
}

func TestFlashLoanBorrowerError(t *testing.T) {
	h := newHarness(t, 50)
	h.deposit(t, dai, 20_000)

	boom := errors.New("boom")
	err := h.borrow(t, dai, 10_000, BorrowerFunc(func(*engine.Tx, Loan) error { return boom }))
	require.ErrorIs(t, err, boom)

	var depErr *engine.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, engine.KindRejection, engine.Classify(err))
	assert.Equal(t, uint64(20_000), h.balance(lender, dai))
}

func TestFlashLoanRejections(t *testing.T) {
	h := newHarness(t, 50)
	h.deposit(t, dai, 20_000)

	tests := []struct {
		name   string
		asset  engine.Asset
		amount uint64
		b      Borrower
		want   error
	}{
		{"zero amount", dai, 0, RepayBorrower{}, engine.ErrZeroAmount},
		{"nil borrower", dai, 1, nil, engine.ErrInvalidCall},
		{"unsupported", usdc, 1, RepayBorrower{}, engine.ErrUnsupportedAsset},
		{"above available", dai, 20_001, RepayBorrower{}, engine.ErrInsufficientLiquidity},
		{"empty bucket", weth, 1, RepayBorrower{}, engine.ErrInsufficientLiquidity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, h.borrow(t, tt.asset, tt.amount, tt.b), tt.want)
		})
	}
	assert.Equal(t, uint64(20_000), h.module.TokenBalance(dai).Uint64())
}

func TestFlashLoanReentrancy(t *testing.T) {
	h := newHarness(t, 50)
	h.deposit(t, dai, 20_000)
	h.deposit(t, weth, 5_000)

	t.Run("same asset", func(t *testing.T) {
		err := h.borrow(t, dai, 1_000, BorrowerFunc(func(tx *engine.Tx, loan Loan) error {
			if _, err := h.module.FlashLoan(tx, dai, uint256.NewInt(1), RepayBorrower{}, nil); err != nil {
				return err
			}
			return RepayBorrower{}.OnFlashLoan(tx, loan)
		}))
		assert.ErrorIs(t, err, engine.ErrReentrant)
		assert.Equal(t, uint64(20_000), h.module.TokenBalance(dai).Uint64())
	})

	t.Run("deposit into the lent bucket", func(t *testing.T) {
		err := h.borrow(t, dai, 1_000, BorrowerFunc(func(tx *engine.Tx, loan Loan) error {
			return h.module.DepositLiquidity(tx, dai, loan.Owed())
		}))
		assert.ErrorIs(t, err, engine.ErrReentrant)
	})

	t.Run("different asset", func(t *testing.T) {
		err := h.borrow(t, dai, 1_000, BorrowerFunc(func(tx *engine.Tx, loan Loan) error {
			if _, err := h.module.FlashLoan(tx, weth, uint256.NewInt(200), RepayBorrower{}, nil); err != nil {
				return err
			}
			return RepayBorrower{}.OnFlashLoan(tx, loan)
		}))
		require.NoError(t, err)
		assert.Equal(t, uint64(20_005), h.module.TokenBalance(dai).Uint64())
		assert.Equal(t, uint64(5_001), h.module.TokenBalance(weth).Uint64())
		assert.Equal(t, uint64(2), h.module.Stats().TotalLoans)
	})
}

func TestFlashLoanStatsOnlyOnCommit(t *testing.T) {
	h := newHarness(t, 50)
	h.deposit(t, dai, 20_000)

	tx, err := engine.NewTx(context.Background(), engine.TxConfig{Caller: alice, Clock: h.clock, Ledger: h.ledger, Locks: h.locks})
	require.NoError(t, err)
	ok, err := h.module.FlashLoan(tx, dai, uint256.NewInt(10_000), RepayBorrower{}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20_050), h.module.balanceFor(tx, dai).Uint64())
	assert.Equal(t, uint64(20_000), h.module.TokenBalance(dai).Uint64(), "fee is not visible before commit")
	tx.Discard()

	assert.Zero(t, h.module.Stats().TotalLoans)
	assert.Equal(t, uint64(20_000), h.module.TokenBalance(dai).Uint64())
	assert.Equal(t, uint64(1_000), h.balance(alice, dai))
}

func TestAdministration(t *testing.T) {
	h := newHarness(t, 0)

	err := h.run(t, alice, func(tx *engine.Tx) error { return h.module.AddSupportedToken(tx, usdc) })
	assert.ErrorIs(t, err, engine.ErrUnauthorized)

	err = h.run(t, alice, func(tx *engine.Tx) error { return h.module.DepositLiquidity(tx, usdc, uint256.NewInt(1)) })
	assert.ErrorIs(t, err, engine.ErrUnsupportedAsset)

	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.module.AddSupportedToken(tx, usdc) }))
	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error { return h.module.AddSupportedToken(tx, usdc) }))
	assert.True(t, h.module.IsSupported(usdc))

	err = h.run(t, owner, func(tx *engine.Tx) error { return h.module.AddSupportedToken(tx, engine.Asset{}) })
	assert.ErrorIs(t, err, engine.ErrInvalidAsset)

	// anyone may add liquidity, only the owner takes it out
	require.NoError(t, h.run(t, alice, func(tx *engine.Tx) error {
		return h.module.DepositLiquidity(tx, usdc, uint256.NewInt(400))
	}))
	err = h.run(t, alice, func(tx *engine.Tx) error {
		return h.module.WithdrawLiquidity(tx, usdc, uint256.NewInt(1), alice)
	})
	assert.ErrorIs(t, err, engine.ErrUnauthorized)

	err = h.run(t, owner, func(tx *engine.Tx) error {
		return h.module.WithdrawLiquidity(tx, usdc, uint256.NewInt(401), bob)
	})
	assert.ErrorIs(t, err, engine.ErrInsufficientLiquidity)

	require.NoError(t, h.run(t, owner, func(tx *engine.Tx) error {
		return h.module.WithdrawLiquidity(tx, usdc, uint256.NewInt(150), bob)
	}))
	assert.Equal(t, uint64(250), h.module.TokenBalance(usdc).Uint64())
	assert.Equal(t, uint64(150), h.balance(bob, usdc))

	err = h.borrow(t, usdc, 250, RepayBorrower{})
	require.NoError(t, err, "zero fee loans only need the principal back")
}

func TestAddSupportedTokenRollback(t *testing.T) {
	h := newHarness(t, 0)
	err := h.run(t, owner, func(tx *engine.Tx) error {
		if err := h.module.AddSupportedToken(tx, usdc); err != nil {
			return err
		}
		return engine.ErrInvalidCall
	})
	require.Error(t, err)
	assert.False(t, h.module.IsSupported(usdc))
}

func TestUncommittedBucketsStayPrivate(t *testing.T) {
	testCases := []struct {
		name    string
		asset   engine.Asset
		mutate  func(m *Module, tx *engine.Tx) error
		wantOwn uint64
		want    uint64
	}{
		{
			name:    "deposit",
			asset:   dai,
			mutate:  func(m *Module, tx *engine.Tx) error { return m.DepositLiquidity(tx, dai, uint256.NewInt(5_000)) },
			wantOwn: 25_000,
			want:    20_000,
		},
		{
			name:  "withdraw",
			asset: dai,
			mutate: func(m *Module, tx *engine.Tx) error {
				return m.WithdrawLiquidity(tx, dai, uint256.NewInt(15_000), bob)
			},
			wantOwn: 5_000,
			want:    20_000,
		},
		{
			name:    "new asset",
			asset:   usdc,
			mutate:  func(m *Module, tx *engine.Tx) error { return m.AddSupportedToken(tx, usdc) },
			wantOwn: 0,
			want:    0,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 50)
			h.deposit(t, dai, 20_000)
			before := h.module.View()

			tx, err := engine.NewTx(context.Background(), engine.TxConfig{Caller: owner, Clock: h.clock, Ledger: h.ledger, Locks: h.locks})
			require.NoError(t, err)
			require.NoError(t, tc.mutate(h.module, tx))

			assert.Equal(t, tc.wantOwn, h.module.MaxFlashLoanFor(tx, tc.asset).Uint64())
			assert.True(t, h.module.isSupportedFor(tx, tc.asset))
			assert.Equal(t, tc.want, h.module.MaxFlashLoan(tc.asset).Uint64())
			assert.Equal(t, before, h.module.View())

			require.NoError(t, tx.Commit())
			assert.Equal(t, tc.wantOwn, h.module.MaxFlashLoan(tc.asset).Uint64())
			assert.True(t, h.module.IsSupported(tc.asset))
		})
	}

	t.Run("pending asset is private to its tx", func(t *testing.T) {
		h := newHarness(t, 50)
		tx, err := engine.NewTx(context.Background(), engine.TxConfig{Caller: owner, Clock: h.clock, Ledger: h.ledger, Locks: h.locks})
		require.NoError(t, err)
		require.NoError(t, h.module.AddSupportedToken(tx, usdc))

		assert.False(t, h.module.IsSupported(usdc))
		_, err = h.module.FlashFee(usdc, uint256.NewInt(100))
		assert.ErrorIs(t, err, engine.ErrUnsupportedAsset)
		assert.NotContains(t, h.module.SupportedTokens(), usdc)

		tx.Discard()
		assert.False(t, h.module.isSupportedFor(nil, usdc))
		assert.Zero(t, h.module.pending.Cardinality())
	})
}

func TestViewRoundTrip(t *testing.T) {
	h := newHarness(t, 30)
	h.deposit(t, dai, 20_000)
	require.NoError(t, h.borrow(t, dai, 10_000, RepayBorrower{}))

	v := h.module.View()
	restored, err := NewFromView(v, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, v, restored.View())
	assert.Equal(t, uint64(20_030), restored.MaxFlashLoan(dai).Uint64())
	assert.Equal(t, uint64(1), restored.Stats().TotalLoans)
}

func TestInvoke(t *testing.T) {
	h := newHarness(t, 50)
	h.deposit(t, dai, 20_000)
	require.NoError(t, h.module.RegisterBorrower("repay", RepayBorrower{}))
	assert.Error(t, h.module.RegisterBorrower("repay", RepayBorrower{}))

	var out any
	err := h.run(t, alice, func(tx *engine.Tx) (err error) {
		out, err = h.module.Invoke(tx, engine.Call{
			Op:     engine.OpFlashLoan,
			Params: FlashLoanParams{Asset: dai, Amount: uint256.NewInt(1_000), Borrower: "repay"},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	err = h.run(t, alice, func(tx *engine.Tx) error {
		_, err := h.module.Invoke(tx, engine.Call{
			Op:     engine.OpFlashLoan,
			Params: &FlashLoanParams{Asset: dai, Amount: uint256.NewInt(1_000), Borrower: "missing"},
		})
		return err
	})
	assert.ErrorIs(t, err, engine.ErrInvalidCall)

	err = h.run(t, alice, func(tx *engine.Tx) (err error) {
		out, err = h.module.Invoke(tx, engine.Call{Op: engine.OpMaxFlashLoan, Params: AssetParams{Asset: dai}})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(20_005), out.(*uint256.Int).Uint64())

	err = h.run(t, alice, func(tx *engine.Tx) error {
		_, err := h.module.Invoke(tx, engine.Call{Op: engine.OpSwap})
		return err
	})
	assert.ErrorIs(t, err, engine.ErrInvalidCall)
}
