package flashloan

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

type AssetParams struct {
	Asset engine.Asset `json:"asset"`
}

type AmountParams struct {
	Asset  engine.Asset `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

type WithdrawParams struct {
	Asset  engine.Asset   `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
	To     engine.Account `json:"to"`
}

// FlashLoanParams names a registered borrower; callback data is passed to it untouched.
type FlashLoanParams struct {
	Asset    engine.Asset  `json:"asset"`
	Amount   *uint256.Int  `json:"amount"`
	Borrower string        `json:"borrower"`
	Data     hexutil.Bytes `json:"data,omitempty"`
}

var moduleOps = []engine.Op{
	engine.OpMaxFlashLoan,
	engine.OpFlashFee,
	engine.OpFlashLoan,
	engine.OpDepositLiquidity,
	engine.OpWithdrawLiquidity,
	engine.OpAddSupportedToken,
}

func (m *Module) Name() string     { return componentName }
func (m *Module) Ops() []engine.Op { return moduleOps }

func (m *Module) Invoke(tx *engine.Tx, call engine.Call) (any, error) {
	switch call.Op {
	case engine.OpMaxFlashLoan:
		p, err := engine.ParamsAs[AssetParams](call)
		if err != nil {
			return nil, err
		}
		return m.MaxFlashLoanFor(tx, p.Asset), nil
	case engine.OpFlashFee:
		p, err := engine.ParamsAs[AmountParams](call)
		if err != nil {
			return nil, err
		}
		return m.flashFeeFor(tx, p.Asset, p.Amount)
	case engine.OpFlashLoan:
		p, err := engine.ParamsAs[FlashLoanParams](call)
		if err != nil {
			return nil, err
		}
		b, err := m.Borrower(p.Borrower)
		if err != nil {
			return nil, err
		}
		return m.FlashLoan(tx, p.Asset, p.Amount, b, p.Data)
	case engine.OpDepositLiquidity:
		p, err := engine.ParamsAs[AmountParams](call)
		if err != nil {
			return nil, err
		}
		return nil, m.DepositLiquidity(tx, p.Asset, p.Amount)
	case engine.OpWithdrawLiquidity:
		p, err := engine.ParamsAs[WithdrawParams](call)
		if err != nil {
			return nil, err
		}
		return nil, m.WithdrawLiquidity(tx, p.Asset, p.Amount, p.To)
	case engine.OpAddSupportedToken:
		p, err := engine.ParamsAs[AssetParams](call)
		if err != nil {
			return nil, err
		}
		return nil, m.AddSupportedToken(tx, p.Asset)
	}
	return nil, fmt.Errorf("%w: %s not served by %s", engine.ErrInvalidCall, call.Op, componentName)
}
