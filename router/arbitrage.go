package router

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/flashloan"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// ArbitragePlan is the callback data understood by ArbitrageBorrower: a cycle of assets
// starting and ending at the borrowed asset, and the least profit worth keeping.
type ArbitragePlan struct {
	Path      []common.Address
	MinProfit *uint256.Int
}

// EncodePlan serializes a plan for use as flash-loan callback data.
func EncodePlan(plan ArbitragePlan) ([]byte, error) {
	if plan.MinProfit == nil {
		plan.MinProfit = new(uint256.Int)
	}
	return rlp.EncodeToBytes(&plan)
}

// DecodePlan parses callback data produced by EncodePlan.
func DecodePlan(data []byte) (ArbitragePlan, error) {
	var plan ArbitragePlan
	if err := rlp.DecodeBytes(data, &plan); err != nil {
		return ArbitragePlan{}, fmt.Errorf("%w: arbitrage plan: %v", engine.ErrInvalidCall, err)
	}
	if plan.MinProfit == nil {
		plan.MinProfit = new(uint256.Int)
	}
	return plan, nil
}

func (p ArbitragePlan) validate(asset engine.Asset) error {
	if len(p.Path) < 3 {
		return fmt.Errorf("%w: arbitrage path needs at least two hops", engine.ErrInvalidCall)
	}
	if p.Path[0] != asset || p.Path[len(p.Path)-1] != asset {
		return fmt.Errorf("%w: arbitrage path must start and end at %s", engine.ErrInvalidAsset, asset.Hex())
	}
	return nil
}

// ArbitrageBorrower trades a flash loan around a cycle of router swaps and repays the lender
// out of the proceeds. Whatever is left over stays with the loan initiator.
type ArbitrageBorrower struct {
	Router *Router
}

var _ flashloan.Borrower = (*ArbitrageBorrower)(nil)

func (a *ArbitrageBorrower) OnFlashLoan(tx *engine.Tx, loan flashloan.Loan) error {
	plan, err := DecodePlan(loan.Data)
	if err != nil {
		return err
	}
	if err := plan.validate(loan.Asset); err != nil {
		return err
	}

	deadline := uint64(tx.Now().Unix())
	amount := engine.Clone(loan.Amount)
	for i := 0; i+1 < len(plan.Path); i++ {
		amount, err = a.Router.SwapExactTokensForTokens(tx, SwapParams{
			TokenIn:  plan.Path[i],
			TokenOut: plan.Path[i+1],
			AmountIn: amount,
			To:       loan.Initiator,
			Deadline: deadline,
		})
		if err != nil {
			return fmt.Errorf("hop %d %s -> %s: %w", i, plan.Path[i].Hex(), plan.Path[i+1].Hex(), err)
		}
	}

	owed := loan.Owed()
	target, overflow := new(uint256.Int).AddOverflow(owed, plan.MinProfit)
	if overflow {
		return fmt.Errorf("%w: arbitrage target", engine.ErrOverflow)
	}
	if amount.Lt(target) {
		return fmt.Errorf("%w: cycle returned %s, need %s", engine.ErrSlippageExceeded, amount.Dec(), target.Dec())
	}
	return tx.Transfer(loan.Initiator, loan.Lender, loan.Asset, owed)
}
