// Package router executes swaps against registered pools on behalf of users, taking a
// router-level fee from the pool output.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/holiman/uint256"
)

const (
	componentName = "router"

	// MaxFeeBps caps the router fee.
	MaxFeeBps uint16 = 1000
)

// Registry is the part of the pool registry the router depends on.
type Registry interface {
	PoolsForPair(assetA, assetB engine.Asset) []engine.PoolID
	Pool(id engine.PoolID) (*constantproduct.Pool, error)
	IsAuthorized(router engine.Account, pool engine.PoolID) bool
	FeeRecipient() engine.Account
}

var _ Registry = (*poolregistry.Registry)(nil)

// Config holds the parameters of a Router.
type Config struct {
	// Account is the router's own Ledger account. Pool output passes through it.
	Account  engine.Account
	FeeBps   uint16
	Registry Registry
	Logger   engine.Logger
}

func (c *Config) validate() error {
	if c.Account == (engine.Account{}) {
		return errors.New("router config: Account cannot be zero")
	}
	if c.Registry == nil {
		return errors.New("router config: Registry cannot be nil")
	}
	if c.FeeBps > MaxFeeBps {
		return fmt.Errorf("router config: %w: %d bps above %d", engine.ErrInvalidFee, c.FeeBps, MaxFeeBps)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Quote is the result of routing a trade.
type Quote struct {
	Pool          engine.PoolID `json:"pool"`
	PoolAmountOut *uint256.Int  `json:"poolAmountOut"`
	Fee           *uint256.Int  `json:"fee"`
	AmountOut     *uint256.Int  `json:"amountOut"`
}

// Stats are cumulative counters over successful swaps.
// Volume is measured in the smallest unit of each swap's input asset.
type Stats struct {
	TotalSwaps    uint64                        `json:"totalSwaps"`
	TotalVolume   *uint256.Int                  `json:"totalVolume"`
	VolumeByAsset map[engine.Asset]*uint256.Int `json:"volumeByAsset"`
}

// Router holds no pools; it resolves them through the Registry on every call.
type Router struct {
	account  engine.Account
	feeBps   uint16
	registry Registry
	logger   engine.Logger

	mu            sync.RWMutex
	totalSwaps    uint64
	totalVolume   *uint256.Int
	volumeByAsset map[engine.Asset]*uint256.Int
}

func New(cfg Config) (*Router, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Router{
		account:       cfg.Account,
		feeBps:        cfg.FeeBps,
		registry:      cfg.Registry,
		logger:        cfg.Logger,
		totalVolume:   new(uint256.Int),
		volumeByAsset: make(map[engine.Asset]*uint256.Int),
	}, nil
}

func (r *Router) Account() engine.Account { return r.account }
func (r *Router) FeeBps() uint16          { return r.feeBps }

// GetAmountOut quotes amountIn of tokenIn for tokenOut through the best route, net of the
// router fee. Pools the router is not authorized for and inactive pools are skipped, so
// the quote can differ from the pool-level GetAmountOut of a pool serving the pair. When
// no usable pool remains the most informative failure is returned: a pool error beats
// ErrPoolInactive, which beats ErrUnauthorized.
func (r *Router) GetAmountOut(amountIn *uint256.Int, tokenIn, tokenOut engine.Asset) (Quote, error) {
	return r.GetBestRoute(tokenIn, tokenOut, amountIn)
}

// GetBestRoute picks, among the active pools this router is authorized for, the one giving
// the highest net output. Ties go to the lowest pool id. It never mutates state and only
// sees committed pool state.
func (r *Router) GetBestRoute(tokenIn, tokenOut engine.Asset, amountIn *uint256.Int) (Quote, error) {
	return r.BestRouteFor(nil, tokenIn, tokenOut, amountIn)
}

// BestRouteFor is GetBestRoute as seen from tx: pools locked by tx are quoted on their
// uncommitted state.
func (r *Router) BestRouteFor(tx *engine.Tx, tokenIn, tokenOut engine.Asset, amountIn *uint256.Int) (Quote, error) {
	if engine.IsZero(amountIn) {
		return Quote{}, engine.ErrZeroAmount
	}
	if tokenIn == tokenOut {
		return Quote{}, fmt.Errorf("%w: %s cannot be swapped for itself", engine.ErrInvalidAsset, tokenIn.Hex())
	}
	candidates := r.registry.PoolsForPair(tokenIn, tokenOut)
	if len(candidates) == 0 {
		return Quote{}, fmt.Errorf("%w: %s/%s", engine.ErrPoolNotFound, tokenIn.Hex(), tokenOut.Hex())
	}

	var (
		best    *Quote
		lastErr error
	)
	// candidates are ordered by id, so keeping the first of equal quotes breaks ties low
	for _, id := range candidates {
		q, err := r.quote(tx, id, amountIn, tokenIn)
		if err != nil {
			lastErr = preferErr(lastErr, err)
			continue
		}
		if best == nil || q.AmountOut.Gt(best.AmountOut) {
			best = &q
		}
	}
	if best == nil {
		return Quote{}, lastErr
	}
	return *best, nil
}

func (r *Router) quote(tx *engine.Tx, id engine.PoolID, amountIn *uint256.Int, tokenIn engine.Asset) (Quote, error) {
	pool, err := r.registry.Pool(id)
	if err != nil {
		return Quote{}, err
	}
	if !pool.ActiveFor(tx) {
		return Quote{}, fmt.Errorf("%w: %s", engine.ErrPoolInactive, id.Hex())
	}
	if !r.registry.IsAuthorized(r.account, id) {
		return Quote{}, fmt.Errorf("%w: router %s not authorized for pool %s", engine.ErrUnauthorized, r.account.Hex(), id.Hex())
	}
	poolOut, err := pool.GetAmountOutFor(tx, amountIn, tokenIn)
	if err != nil {
		return Quote{}, err
	}
	return r.applyFee(id, poolOut)
}

func (r *Router) applyFee(id engine.PoolID, poolOut *uint256.Int) (Quote, error) {
	fee, err := engine.MulBps(poolOut, r.feeBps)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Pool:          id,
		PoolAmountOut: poolOut,
		Fee:           fee,
		AmountOut:     new(uint256.Int).Sub(poolOut, fee),
	}, nil
}

// preferErr keeps the most informative routing failure: a liquidity problem on an
// usable pool beats a status problem, which beats an authorization problem.
func preferErr(current, next error) error {
	rank := func(err error) int {
		switch {
		case err == nil:
			return 0
		case errors.Is(err, engine.ErrUnauthorized):
			return 1
		case errors.Is(err, engine.ErrPoolInactive):
			return 2
		default:
			return 3
		}
	}
	if rank(next) > rank(current) {
		return next
	}
	return current
}

// Stats returns a copy of the cumulative counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byAsset := make(map[engine.Asset]*uint256.Int, len(r.volumeByAsset))
	for asset, v := range r.volumeByAsset {
		byAsset[asset] = engine.Clone(v)
	}
	return Stats{TotalSwaps: r.totalSwaps, TotalVolume: engine.Clone(r.totalVolume), VolumeByAsset: byAsset}
}

// RestoreStats replaces the counters, used when loading a snapshot.
func (r *Router) RestoreStats(s Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalSwaps = s.TotalSwaps
	r.totalVolume = engine.Clone(s.TotalVolume)
	r.volumeByAsset = make(map[engine.Asset]*uint256.Int, len(s.VolumeByAsset))
	for asset, v := range s.VolumeByAsset {
		r.volumeByAsset[asset] = engine.Clone(v)
	}
}

func (r *Router) record(asset engine.Asset, amountIn *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalSwaps++
	r.totalVolume = new(uint256.Int).Add(r.totalVolume, amountIn)
	prev, ok := r.volumeByAsset[asset]
	if !ok {
		prev = new(uint256.Int)
	}
	r.volumeByAsset[asset] = new(uint256.Int).Add(prev, amountIn)
}
