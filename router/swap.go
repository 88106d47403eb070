package router

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
	"github.com/holiman/uint256"
)

// SwapParams are the inputs of SwapExactTokensForTokens.
type SwapParams struct {
	TokenIn      engine.Asset   `json:"tokenIn"`
	TokenOut     engine.Asset   `json:"tokenOut"`
	AmountIn     *uint256.Int   `json:"amountIn"`
	AmountOutMin *uint256.Int   `json:"amountOutMin"`
	To           engine.Account `json:"to"`
	// Deadline is a unix timestamp in seconds; the swap is rejected once the clock is past it.
	Deadline uint64 `json:"deadline"`
}

func (p SwapParams) validate(tx *engine.Tx) error {
	if engine.IsZero(p.AmountIn) {
		return engine.ErrZeroAmount
	}
	if p.TokenIn == p.TokenOut || p.TokenIn == (engine.Asset{}) || p.TokenOut == (engine.Asset{}) {
		return fmt.Errorf("%w: %s -> %s", engine.ErrInvalidAsset, p.TokenIn.Hex(), p.TokenOut.Hex())
	}
	if p.To == (engine.Account{}) {
		return fmt.Errorf("%w: zero recipient", engine.ErrInvalidCall)
	}
	if now := tx.Now().Unix(); now < 0 || uint64(now) > p.Deadline {
		return fmt.Errorf("%w: now %d > deadline %d", engine.ErrExpired, now, p.Deadline)
	}
	return nil
}

// SwapExactTokensForTokens sells AmountIn of TokenIn from the Tx caller through the best
// authorized pool and sends the output, less the router fee, to To.
func (r *Router) SwapExactTokensForTokens(tx *engine.Tx, params SwapParams) (*uint256.Int, error) {
	if err := params.validate(tx); err != nil {
		return nil, err
	}
	route, err := r.BestRouteFor(tx, params.TokenIn, params.TokenOut, params.AmountIn)
	if err != nil {
		return nil, err
	}
	pool, err := r.registry.Pool(route.Pool)
	if err != nil {
		return nil, err
	}
	minOut := engine.Clone(params.AmountOutMin)

	var amountOut *uint256.Int
	err = tx.Atomic(func() error {
		poolOut, err := pool.Swap(tx, constantproduct.SwapParams{
			AmountIn:  params.AmountIn,
			AssetIn:   params.TokenIn,
			Recipient: r.account,
		})
		if err != nil {
			return err
		}
		settled, err := r.applyFee(route.Pool, poolOut)
		if err != nil {
			return err
		}
		if settled.AmountOut.Lt(minOut) {
			return fmt.Errorf("%w: got %s after router fee, want at least %s",
				engine.ErrSlippageExceeded, settled.AmountOut.Dec(), minOut.Dec())
		}
		if recipient := r.registry.FeeRecipient(); recipient != (engine.Account{}) {
			if err := tx.Transfer(r.account, recipient, params.TokenOut, settled.Fee); err != nil {
				return err
			}
		}
		if err := tx.Transfer(r.account, params.To, params.TokenOut, settled.AmountOut); err != nil {
			return err
		}
		amountOut = settled.AmountOut
		return nil
	})
	if err != nil {
		return nil, err
	}

	amountIn := engine.Clone(params.AmountIn)
	tx.OnCommit(func() {
		r.record(params.TokenIn, amountIn)
		r.logger.Debug("swap settled", "pool", route.Pool.Hex(), "tokenIn", params.TokenIn.Hex(), "amountIn", amountIn.Dec(), "amountOut", amountOut.Dec())
	})
	return amountOut, nil
}
