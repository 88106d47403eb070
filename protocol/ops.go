package protocol

import (
	"context"
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/flashloan"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/defistate/flashliquidity-go/router"
	"github.com/holiman/uint256"
)

// execute runs call and asserts the type of its value.
func execute[T any](ctx context.Context, p *Protocol, call engine.Call) (T, error) {
	var zero T
	out := p.Execute(ctx, call)
	if out.Err != nil {
		return zero, out.Err
	}
	if out.Value == nil {
		return zero, nil
	}
	v, ok := out.Value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T, want %T", engine.ErrInternal, call.Op, out.Value, zero)
	}
	return v, nil
}

func (p *Protocol) exec(ctx context.Context, call engine.Call) error {
	return p.Execute(ctx, call).Err
}

func (p *Protocol) RegisterPool(ctx context.Context, caller engine.Account, assetA, assetB engine.Asset, feeBps uint16) (engine.PoolID, error) {
	return execute[engine.PoolID](ctx, p, engine.Call{
		Caller: caller,
		Op:     engine.OpRegisterPool,
		Params: poolregistry.RegisterPoolParams{AssetA: assetA, AssetB: assetB, FeeBps: feeBps},
	})
}

func (p *Protocol) AuthorizeRouter(ctx context.Context, caller, rt engine.Account, pool engine.PoolID) error {
	return p.exec(ctx, engine.Call{Caller: caller, Op: engine.OpAuthorizeRouter, Params: poolregistry.RouterGrantParams{Router: rt, Pool: pool}})
}

func (p *Protocol) RevokeRouter(ctx context.Context, caller, rt engine.Account, pool engine.PoolID) error {
	return p.exec(ctx, engine.Call{Caller: caller, Op: engine.OpRevokeRouter, Params: poolregistry.RouterGrantParams{Router: rt, Pool: pool}})
}

func (p *Protocol) SetPoolStatus(ctx context.Context, caller engine.Account, pool engine.PoolID, active bool) error {
	return p.exec(ctx, engine.Call{Caller: caller, Op: engine.OpSetPoolStatus, Params: poolregistry.SetPoolStatusParams{Pool: pool, Active: active}})
}

func (p *Protocol) SetProtocolFee(ctx context.Context, caller engine.Account, bps uint16, recipient engine.Account) error {
	return p.exec(ctx, engine.Call{Caller: caller, Op: engine.OpSetProtocolFee, Params: poolregistry.SetProtocolFeeParams{Bps: bps, Recipient: recipient}})
}

func (p *Protocol) GetPoolByTokens(ctx context.Context, assetA, assetB engine.Asset) (engine.PoolID, error) {
	return execute[engine.PoolID](ctx, p, engine.Call{Op: engine.OpGetPoolByTokens, Params: poolregistry.PairParams{AssetA: assetA, AssetB: assetB}})
}

// PoolGetAmountOut quotes a direct swap against one pool.
func (p *Protocol) PoolGetAmountOut(ctx context.Context, pool engine.PoolID, amountIn *uint256.Int, assetIn engine.Asset) (*uint256.Int, error) {
	return execute[*uint256.Int](ctx, p, engine.Call{
		Op:     engine.OpPoolGetAmountOut,
		Target: pool,
		Params: constantproduct.GetAmountOutParams{AmountIn: amountIn, AssetIn: assetIn},
	})
}

// Swap trades directly against one pool, bypassing the router and its fee.
func (p *Protocol) Swap(ctx context.Context, caller engine.Account, pool engine.PoolID, params constantproduct.SwapParams) (*uint256.Int, error) {
	return execute[*uint256.Int](ctx, p, engine.Call{Caller: caller, Op: engine.OpSwap, Target: pool, Params: params})
}

func (p *Protocol) AddLiquidity(ctx context.Context, caller engine.Account, pool engine.PoolID, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	return execute[*uint256.Int](ctx, p, engine.Call{
		Caller: caller,
		Op:     engine.OpAddLiquidity,
		Target: pool,
		Params: constantproduct.AddLiquidityParams{Amount0: amount0, Amount1: amount1},
	})
}

func (p *Protocol) RemoveLiquidity(ctx context.Context, caller engine.Account, pool engine.PoolID, shares *uint256.Int) (constantproduct.RemoveLiquidityResult, error) {
	return execute[constantproduct.RemoveLiquidityResult](ctx, p, engine.Call{
		Caller: caller,
		Op:     engine.OpRemoveLiquidity,
		Target: pool,
		Params: constantproduct.RemoveLiquidityParams{Shares: shares},
	})
}

// RouterGetAmountOut quotes a routed swap, net of the router fee.
func (p *Protocol) RouterGetAmountOut(ctx context.Context, amountIn *uint256.Int, tokenIn, tokenOut engine.Asset) (*uint256.Int, error) {
	return execute[*uint256.Int](ctx, p, engine.Call{
		Op:     engine.OpRouterGetAmount,
		Params: router.QuoteParams{TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: amountIn},
	})
}

func (p *Protocol) GetBestRoute(ctx context.Context, tokenIn, tokenOut engine.Asset, amountIn *uint256.Int) (router.Quote, error) {
	return execute[router.Quote](ctx, p, engine.Call{
		Op:     engine.OpGetBestRoute,
		Params: router.QuoteParams{TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: amountIn},
	})
}

func (p *Protocol) SwapExactTokensForTokens(ctx context.Context, caller engine.Account, params router.SwapParams) (*uint256.Int, error) {
	return execute[*uint256.Int](ctx, p, engine.Call{Caller: caller, Op: engine.OpSwapExactTokens, Params: params})
}

func (p *Protocol) MaxFlashLoan(ctx context.Context, asset engine.Asset) (*uint256.Int, error) {
	return execute[*uint256.Int](ctx, p, engine.Call{Op: engine.OpMaxFlashLoan, Params: flashloan.AssetParams{Asset: asset}})
}

func (p *Protocol) FlashFee(ctx context.Context, asset engine.Asset, amount *uint256.Int) (*uint256.Int, error) {
	return execute[*uint256.Int](ctx, p, engine.Call{Op: engine.OpFlashFee, Params: flashloan.AmountParams{Asset: asset, Amount: amount}})
}

// FlashLoan lends amount of asset to caller and runs the borrower registered under borrower.
func (p *Protocol) FlashLoan(ctx context.Context, caller engine.Account, asset engine.Asset, amount *uint256.Int, borrower string, data []byte) (bool, error) {
	return execute[bool](ctx, p, engine.Call{
		Caller: caller,
		Op:     engine.OpFlashLoan,
		Params: flashloan.FlashLoanParams{Asset: asset, Amount: amount, Borrower: borrower, Data: data},
	})
}

func (p *Protocol) DepositLiquidity(ctx context.Context, caller engine.Account, asset engine.Asset, amount *uint256.Int) error {
	return p.exec(ctx, engine.Call{Caller: caller, Op: engine.OpDepositLiquidity, Params: flashloan.AmountParams{Asset: asset, Amount: amount}})
}

func (p *Protocol) WithdrawLiquidity(ctx context.Context, caller engine.Account, asset engine.Asset, amount *uint256.Int, to engine.Account) error {
	return p.exec(ctx, engine.Call{Caller: caller, Op: engine.OpWithdrawLiquidity, Params: flashloan.WithdrawParams{Asset: asset, Amount: amount, To: to}})
}

func (p *Protocol) AddSupportedToken(ctx context.Context, caller engine.Account, asset engine.Asset) error {
	return p.exec(ctx, engine.Call{Caller: caller, Op: engine.OpAddSupportedToken, Params: flashloan.AssetParams{Asset: asset}})
}
