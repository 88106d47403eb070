package constantproduct

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/holiman/uint256"
)

// GetAmountOutParams are the parameters of a pool quote.
type GetAmountOutParams struct {
	AmountIn *uint256.Int `json:"amountIn"`
	AssetIn  engine.Asset `json:"assetIn"`
}

type AddLiquidityParams struct {
	Amount0 *uint256.Int `json:"amount0"`
	Amount1 *uint256.Int `json:"amount1"`
}

type RemoveLiquidityParams struct {
	Shares *uint256.Int `json:"shares"`
}

// RemoveLiquidityResult holds the amounts paid out by RemoveLiquidity.
type RemoveLiquidityResult struct {
	Amount0 *uint256.Int `json:"amount0"`
	Amount1 *uint256.Int `json:"amount1"`
}

var poolOps = []engine.Op{engine.OpPoolGetAmountOut, engine.OpSwap, engine.OpAddLiquidity, engine.OpRemoveLiquidity}

func (p *Pool) Name() string     { return componentName }
func (p *Pool) Ops() []engine.Op { return poolOps }

// Invoke serves pool-level calls.
func (p *Pool) Invoke(tx *engine.Tx, call engine.Call) (any, error) {
	switch call.Op {
	case engine.OpPoolGetAmountOut:
		params, err := engine.ParamsAs[GetAmountOutParams](call)
		if err != nil {
			return nil, err
		}
		return p.GetAmountOutFor(tx, params.AmountIn, params.AssetIn)
	case engine.OpSwap:
		params, err := engine.ParamsAs[SwapParams](call)
		if err != nil {
			return nil, err
		}
		return p.Swap(tx, params)
	case engine.OpAddLiquidity:
		params, err := engine.ParamsAs[AddLiquidityParams](call)
		if err != nil {
			return nil, err
		}
		return p.AddLiquidity(tx, params.Amount0, params.Amount1)
	case engine.OpRemoveLiquidity:
		params, err := engine.ParamsAs[RemoveLiquidityParams](call)
		if err != nil {
			return nil, err
		}
		amount0, amount1, err := p.RemoveLiquidity(tx, params.Shares)
		if err != nil {
			return nil, err
		}
		return RemoveLiquidityResult{Amount0: amount0, Amount1: amount1}, nil
	}
	return nil, fmt.Errorf("%w: %s not served by %s", engine.ErrInvalidCall, call.Op, componentName)
}
