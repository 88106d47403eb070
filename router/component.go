package router

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/holiman/uint256"
)

// QuoteParams are shared by getAmountOut and getBestRoute.
type QuoteParams struct {
	TokenIn  engine.Asset `json:"tokenIn"`
	TokenOut engine.Asset `json:"tokenOut"`
	AmountIn *uint256.Int `json:"amountIn"`
}

var routerOps = []engine.Op{
	engine.OpRouterGetAmount,
	engine.OpGetBestRoute,
	engine.OpSwapExactTokens,
}

func (r *Router) Name() string     { return componentName }
func (r *Router) Ops() []engine.Op { return routerOps }

func (r *Router) Invoke(tx *engine.Tx, call engine.Call) (any, error) {
	switch call.Op {
	case engine.OpRouterGetAmount:
		p, err := engine.ParamsAs[QuoteParams](call)
		if err != nil {
			return nil, err
		}
		q, err := r.BestRouteFor(tx, p.TokenIn, p.TokenOut, p.AmountIn)
		if err != nil {
			return nil, err
		}
		return q.AmountOut, nil
	case engine.OpGetBestRoute:
		p, err := engine.ParamsAs[QuoteParams](call)
		if err != nil {
			return nil, err
		}
		return r.BestRouteFor(tx, p.TokenIn, p.TokenOut, p.AmountIn)
	case engine.OpSwapExactTokens:
		p, err := engine.ParamsAs[SwapParams](call)
		if err != nil {
			return nil, err
		}
		return r.SwapExactTokensForTokens(tx, p)
	}
	return nil, fmt.Errorf("%w: %s not served by %s", engine.ErrInvalidCall, call.Op, componentName)
}
