package constantproduct

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct/calculator"
	"github.com/holiman/uint256"
)

// SwapParams describes a direct pool swap. The input is pulled from the Tx caller.
type SwapParams struct {
	AmountIn     *uint256.Int   `json:"amountIn"`
	AssetIn      engine.Asset   `json:"assetIn"`
	MinAmountOut *uint256.Int   `json:"minAmountOut"`
	Recipient    engine.Account `json:"recipient"`
}

func (p SwapParams) validate(pool *Pool) error {
	if engine.IsZero(p.AmountIn) {
		return engine.ErrZeroAmount
	}
	if !pool.Has(p.AssetIn) {
		return fmt.Errorf("%w: %s not in pool %s", engine.ErrInvalidAsset, p.AssetIn.Hex(), pool.id.Hex())
	}
	if p.Recipient == (engine.Account{}) {
		return fmt.Errorf("%w: zero recipient", engine.ErrInvalidCall)
	}
	return nil
}

// Swap sells AmountIn of AssetIn for the other asset and sends the output to Recipient.
// Reserve updates and both transfers take effect together or not at all.
func (p *Pool) Swap(tx *engine.Tx, params SwapParams) (*uint256.Int, error) {
	if err := params.validate(p); err != nil {
		return nil, err
	}
	if err := tx.Lock(LockKey(p.id)); err != nil {
		return nil, err
	}
	if !p.ActiveFor(tx) {
		return nil, fmt.Errorf("%w: %s", engine.ErrPoolInactive, p.id.Hex())
	}

	minOut := engine.Clone(params.MinAmountOut)
	assetOut, _ := p.Other(params.AssetIn)

	var amountOut *uint256.Int
	err := tx.Atomic(func() error {
		r0, r1, shares := p.state()
		reserveIn, reserveOut := r0, r1
		if params.AssetIn == p.asset1 {
			reserveIn, reserveOut = r1, r0
		}

		out, newIn, newOut, err := calculator.SimulateSwap(params.AmountIn, reserveIn, reserveOut, p.feeBps)
		if err != nil {
			return err
		}
		if out.Lt(minOut) {
			return fmt.Errorf("%w: got %s, want at least %s", engine.ErrSlippageExceeded, out.Dec(), minOut.Dec())
		}
		if out.IsZero() {
			return fmt.Errorf("%w: output rounds to zero", engine.ErrInsufficientLiquidity)
		}

		if err := tx.Transfer(tx.Caller(), p.account, params.AssetIn, params.AmountIn); err != nil {
			return err
		}
		if err := tx.Transfer(p.account, params.Recipient, assetOut, out); err != nil {
			return err
		}

		new0, new1 := newIn, newOut
		if params.AssetIn == p.asset1 {
			new0, new1 = newOut, newIn
		}
		engine.Assert(calculator.ProductNonDecreasing(r0, r1, new0, new1), componentName,
			"pool %s product decreased on swap", p.id.Hex())
		p.setState(tx, "pool.swap", new0, new1, shares)
		amountOut = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amountOut, nil
}

// state returns the current reserves and supply. Stored values are replaced, never mutated.
func (p *Pool) state() (reserve0, reserve1, totalShares *uint256.Int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reserve0, p.reserve1, p.totalShares
}
