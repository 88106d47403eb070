// Package server exposes a protocol over go-ethereum's JSON-RPC server.
//
// Every method takes the acting account explicitly: the transport does not authenticate,
// it is meant to sit behind a gateway that does.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/flashloan"
	"github.com/defistate/flashliquidity-go/protocol"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
	"github.com/defistate/flashliquidity-go/router"
	"github.com/defistate/flashliquidity-go/snapshot"
	"github.com/defistate/flashliquidity-go/streams"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
)

const (
	// RpcNamespace is the namespace under which the API is registered.
	RpcNamespace                  = "flash"
	StateStreamSubscriptionMethod = "subscribeStateStream"
)

// SubscriptionEvent is the wrapper object sent to stream subscribers.
type SubscriptionEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	SentAt  int64  `json:"sentAt"`
}

// Stats groups the cumulative counters of the router and the flash-loan module.
type Stats struct {
	Sequence uint64          `json:"sequence"`
	Router   router.Stats    `json:"router"`
	Flash    flashloan.Stats `json:"flash"`
}

// API is the receiver registered under RpcNamespace.
type API struct {
	p        *protocol.Protocol
	streamer *streams.Streamer
	logger   engine.Logger
}

// NewAPI builds the API. streamer may be nil, in which case subscriptions are refused.
func NewAPI(p *protocol.Protocol, streamer *streams.Streamer, logger engine.Logger) (*API, error) {
	if p == nil {
		return nil, errors.New("api: protocol cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("api: logger cannot be nil")
	}
	return &API{p: p, streamer: streamer, logger: logger}, nil
}

// NewServer returns an rpc server with the API registered.
func NewServer(api *API) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName(RpcNamespace, api); err != nil {
		return nil, err
	}
	return server, nil
}

// --- registry ---

func (a *API) RegisterPool(ctx context.Context, caller common.Address, assetA, assetB common.Address, feeBps uint16) (common.Hash, error) {
	id, err := a.p.RegisterPool(ctx, caller, assetA, assetB, feeBps)
	return id, wrap(err)
}

func (a *API) AuthorizeRouter(ctx context.Context, caller, rt common.Address, pool common.Hash) error {
	return wrap(a.p.AuthorizeRouter(ctx, caller, rt, pool))
}

func (a *API) RevokeRouter(ctx context.Context, caller, rt common.Address, pool common.Hash) error {
	return wrap(a.p.RevokeRouter(ctx, caller, rt, pool))
}

func (a *API) SetPoolStatus(ctx context.Context, caller common.Address, pool common.Hash, active bool) error {
	return wrap(a.p.SetPoolStatus(ctx, caller, pool, active))
}

func (a *API) SetProtocolFee(ctx context.Context, caller common.Address, bps uint16, recipient common.Address) error {
	return wrap(a.p.SetProtocolFee(ctx, caller, bps, recipient))
}

func (a *API) GetPoolByTokens(ctx context.Context, assetA, assetB common.Address) (common.Hash, error) {
	id, err := a.p.GetPoolByTokens(ctx, assetA, assetB)
	return id, wrap(err)
}

// GetPool returns the current state of one pool.
func (a *API) GetPool(pool common.Hash) (constantproduct.View, error) {
	p, err := a.p.Pool(pool)
	if err != nil {
		return constantproduct.View{}, wrap(err)
	}
	return p.View(), nil
}

// --- pool ---

func (a *API) GetAmountOut(ctx context.Context, pool common.Hash, amountIn *uint256.Int, assetIn common.Address) (*uint256.Int, error) {
	out, err := a.p.PoolGetAmountOut(ctx, pool, amountIn, assetIn)
	return out, wrap(err)
}

func (a *API) Swap(ctx context.Context, caller common.Address, pool common.Hash, params constantproduct.SwapParams) (*uint256.Int, error) {
	out, err := a.p.Swap(ctx, caller, pool, params)
	return out, wrap(err)
}

func (a *API) AddLiquidity(ctx context.Context, caller common.Address, pool common.Hash, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	shares, err := a.p.AddLiquidity(ctx, caller, pool, amount0, amount1)
	return shares, wrap(err)
}

func (a *API) RemoveLiquidity(ctx context.Context, caller common.Address, pool common.Hash, shares *uint256.Int) (constantproduct.RemoveLiquidityResult, error) {
	res, err := a.p.RemoveLiquidity(ctx, caller, pool, shares)
	return res, wrap(err)
}

// --- router ---

func (a *API) RouterGetAmountOut(ctx context.Context, amountIn *uint256.Int, tokenIn, tokenOut common.Address) (*uint256.Int, error) {
	out, err := a.p.RouterGetAmountOut(ctx, amountIn, tokenIn, tokenOut)
	return out, wrap(err)
}

func (a *API) GetBestRoute(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (router.Quote, error) {
	q, err := a.p.GetBestRoute(ctx, tokenIn, tokenOut, amountIn)
	return q, wrap(err)
}

func (a *API) SwapExactTokensForTokens(ctx context.Context, caller common.Address, params router.SwapParams) (*uint256.Int, error) {
	out, err := a.p.SwapExactTokensForTokens(ctx, caller, params)
	return out, wrap(err)
}

// FindBestPath searches routed paths; tokenIn == tokenOut searches arbitrage cycles.
func (a *API) FindBestPath(tokenIn, tokenOut common.Address, amountIn *uint256.Int, maxHops int) (router.Path, error) {
	path, err := a.p.FindBestPath(tokenIn, tokenOut, amountIn, maxHops)
	return path, wrap(err)
}

// EncodeArbitragePlan builds the callback data of the arbitrage borrower.
func (a *API) EncodeArbitragePlan(path []common.Address, minProfit *uint256.Int) (hexutil.Bytes, error) {
	data, err := router.EncodePlan(router.ArbitragePlan{Path: path, MinProfit: minProfit})
	return data, wrap(err)
}

// --- flash loans ---

func (a *API) MaxFlashLoan(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	out, err := a.p.MaxFlashLoan(ctx, asset)
	return out, wrap(err)
}

func (a *API) FlashFee(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	out, err := a.p.FlashFee(ctx, asset, amount)
	return out, wrap(err)
}

// FlashLoan runs a registered borrower; data is handed to it untouched.
func (a *API) FlashLoan(ctx context.Context, caller, asset common.Address, amount *uint256.Int, borrower string, data hexutil.Bytes) (bool, error) {
	ok, err := a.p.FlashLoan(ctx, caller, asset, amount, borrower, data)
	return ok, wrap(err)
}

func (a *API) DepositLiquidity(ctx context.Context, caller, asset common.Address, amount *uint256.Int) error {
	return wrap(a.p.DepositLiquidity(ctx, caller, asset, amount))
}

func (a *API) WithdrawLiquidity(ctx context.Context, caller, asset common.Address, amount *uint256.Int, to common.Address) error {
	return wrap(a.p.WithdrawLiquidity(ctx, caller, asset, amount, to))
}

func (a *API) AddSupportedToken(ctx context.Context, caller, asset common.Address) error {
	return wrap(a.p.AddSupportedToken(ctx, caller, asset))
}

func (a *API) SupportedTokens() []common.Address {
	return a.p.Flash().SupportedTokens()
}

// --- reads ---

func (a *API) BalanceOf(account, asset common.Address) *uint256.Int {
	return a.p.Ledger().BalanceOf(account, asset)
}

func (a *API) Sequence() hexutil.Uint64 {
	return hexutil.Uint64(a.p.Sequence())
}

func (a *API) Stats() Stats {
	return Stats{
		Sequence: a.p.Sequence(),
		Router:   a.p.Router().Stats(),
		Flash:    a.p.Flash().Stats(),
	}
}

// Snapshot returns the full state. It waits for in-flight calls.
func (a *API) Snapshot() *snapshot.State {
	return a.p.Snapshot()
}

// SubscribeStateStream sends the latest full state, then one diff per change.
func (a *API) SubscribeStateStream(ctx context.Context) (*rpc.Subscription, error) {
	if a.streamer == nil {
		return nil, ErrStreamUnavailable
	}
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, rpc.ErrNotificationsUnsupported
	}

	rpcSub := notifier.CreateSubscription()
	events, cancel := a.streamer.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := notifier.Notify(rpcSub.ID, toWire(ev)); err != nil {
					a.logger.Warn("Error notifying subscriber", "subscription", rpcSub.ID, "error", err)
					return
				}
			case <-rpcSub.Err():
				a.logger.Debug("Subscriber left", "subscription", rpcSub.ID)
				return
			}
		}
	}()
	return rpcSub, nil
}

func toWire(ev streams.Event) *SubscriptionEvent {
	out := &SubscriptionEvent{Type: ev.Type, SentAt: time.Now().UnixNano()}
	if ev.Type == streams.EventFull {
		out.Payload = ev.State
	} else {
		out.Payload = ev.Diff
	}
	return out
}
