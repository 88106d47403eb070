package flashloan

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/holiman/uint256"
)

// State is a step in the life of one flash loan.
type State uint8

const (
	Requested State = iota
	LiquidityReserved
	CallbackExecuting
	RepaymentVerified
	Settled
	Reverted
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case LiquidityReserved:
		return "liquidityReserved"
	case CallbackExecuting:
		return "callbackExecuting"
	case RepaymentVerified:
		return "repaymentVerified"
	case Settled:
		return "settled"
	case Reverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Loan is what a borrower is told about the loan it is executing.
type Loan struct {
	Initiator engine.Account
	Asset     engine.Asset
	Amount    *uint256.Int
	Fee       *uint256.Int
	// Lender is the account that must hold Amount + Fee more when the borrower returns.
	Lender engine.Account
	Data   []byte
}

// Owed is the principal plus fee.
func (l Loan) Owed() *uint256.Int {
	return new(uint256.Int).Add(l.Amount, l.Fee)
}

// Borrower is the code run while a loan is outstanding. It executes synchronously inside
// the lending Tx; any ledger effect it has is undone if the loan reverts.
type Borrower interface {
	OnFlashLoan(tx *engine.Tx, loan Loan) error
}

// BorrowerFunc adapts a function to the Borrower interface.
type BorrowerFunc func(tx *engine.Tx, loan Loan) error

func (f BorrowerFunc) OnFlashLoan(tx *engine.Tx, loan Loan) error { return f(tx, loan) }

// RepayBorrower pays back principal and fee from the initiator's own balance.
type RepayBorrower struct{}

func (RepayBorrower) OnFlashLoan(tx *engine.Tx, loan Loan) error {
	return tx.Transfer(loan.Initiator, loan.Lender, loan.Asset, loan.Owed())
}

func (m *Module) transition(asset engine.Asset, state State, args ...any) {
	if m.observer != nil {
		m.observer(asset, state)
	}
	m.logger.Debug("flash loan", append([]any{"asset", asset.Hex(), "state", state.String()}, args...)...)
}

// FlashLoan lends amount of asset to the Tx caller, runs borrower, and verifies repayment.
//
// The bucket lock is held from disbursement until the Tx ends, so a second loan of the same
// asset inside the callback fails with ErrReentrant. If the module's balance has not grown by
// the fee once the borrower returns, every effect of the call, including those made by the
// borrower, is rolled back and ErrRepaymentFailed is returned.
func (m *Module) FlashLoan(tx *engine.Tx, asset engine.Asset, amount *uint256.Int, borrower Borrower, data []byte) (bool, error) {
	if engine.IsZero(amount) {
		return false, engine.ErrZeroAmount
	}
	if borrower == nil {
		return false, fmt.Errorf("%w: nil borrower", engine.ErrInvalidCall)
	}
	if !m.isSupportedFor(tx, asset) {
		return false, fmt.Errorf("%w: %s", engine.ErrUnsupportedAsset, asset.Hex())
	}
	m.transition(asset, Requested, "amount", amount.Dec(), "initiator", tx.Caller().Hex())

	if err := tx.LockExclusive(BucketKey(asset)); err != nil {
		m.transition(asset, Reverted, "err", err)
		return false, err
	}
	available := m.balanceFor(tx, asset)
	if available.Lt(amount) {
		err := fmt.Errorf("%w: bucket %s holds %s, requested %s", engine.ErrInsufficientLiquidity, asset.Hex(), available.Dec(), amount.Dec())
		m.transition(asset, Reverted, "err", err)
		return false, err
	}
	fee, err := m.flashFeeFor(tx, asset, amount)
	if err != nil {
		m.transition(asset, Reverted, "err", err)
		return false, err
	}

	loan := Loan{
		Initiator: tx.Caller(),
		Asset:     asset,
		Amount:    engine.Clone(amount),
		Fee:       fee,
		Lender:    m.account,
		Data:      data,
	}
	err = tx.Atomic(func() error {
		before := tx.BalanceOf(m.account, asset)
		if err := tx.Transfer(m.account, loan.Initiator, asset, loan.Amount); err != nil {
			return err
		}
		m.transition(asset, LiquidityReserved)

		m.transition(asset, CallbackExecuting)
		if err := borrower.OnFlashLoan(tx, loan); err != nil {
			return &engine.DependencyError{Dependency: "borrower.OnFlashLoan", Err: err}
		}

		after := tx.BalanceOf(m.account, asset)
		required, overflow := new(uint256.Int).AddOverflow(before, fee)
		if overflow {
			return fmt.Errorf("%w: required repayment", engine.ErrOverflow)
		}
		if after.Lt(required) {
			return fmt.Errorf("%w: balance %s after callback, need %s", engine.ErrRepaymentFailed, after.Dec(), required.Dec())
		}
		m.transition(asset, RepaymentVerified)

		m.setAvailable(tx, asset, new(uint256.Int).Add(available, fee))
		return nil
	})
	if err != nil {
		m.transition(asset, Reverted, "err", err)
		return false, err
	}

	tx.OnCommit(func() {
		m.recordLoan(asset, loan.Amount, fee)
		m.transition(asset, Settled, "amount", loan.Amount.Dec(), "fee", fee.Dec())
	})
	return true, nil
}
