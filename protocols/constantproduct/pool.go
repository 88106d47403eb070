// Package constantproduct implements a two-asset constant-product liquidity pool.
//
// Reserves and LP supply live in the Pool; balances live in the Ledger. LP shares are
// a Ledger asset whose identifier is the pool's account, so a provider's shares are
// their Ledger balance of LPToken().
package constantproduct

import (
	"fmt"
	"sync"
	"time"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct/calculator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const componentName = "pool"

// FeeSource supplies the protocol-level fee applied on top of the pool fee.
// A zero bps or zero recipient disables protocol fee minting.
type FeeSource interface {
	ProtocolFee() (bps uint16, recipient engine.Account)
}

// Config holds the parameters a Pool is created with.
type Config struct {
	ID        engine.PoolID
	Asset0    engine.Asset
	Asset1    engine.Asset
	FeeBps    uint16
	CreatedAt time.Time
	FeeSource FeeSource
}

func (c *Config) validate() error {
	if c.Asset0 == (engine.Asset{}) || c.Asset1 == (engine.Asset{}) {
		return fmt.Errorf("%w: zero asset", engine.ErrInvalidAsset)
	}
	if c.Asset0.Cmp(c.Asset1) >= 0 {
		return fmt.Errorf("%w: assets must be distinct and canonically ordered", engine.ErrInvalidAsset)
	}
	if c.FeeBps >= engine.BasisPoints {
		return fmt.Errorf("%w: %d bps", engine.ErrInvalidFee, c.FeeBps)
	}
	return nil
}

// poolState is one version of the mutable pool fields. Amounts are replaced, never mutated.
type poolState struct {
	reserve0       *uint256.Int
	reserve1       *uint256.Int
	totalShares    *uint256.Int
	rootKLast      *uint256.Int
	protocolShares *uint256.Int
	active         bool
}

// Pool is the reserve state of one asset pair.
//
// Mutations require the caller's Tx to hold LockKey() and change the working fields in
// place. Readers outside that Tx see committed, which is only replaced once the Tx commits.
type Pool struct {
	mu sync.RWMutex

	id        engine.PoolID
	account   engine.Account
	asset0    engine.Asset
	asset1    engine.Asset
	feeBps    uint16
	createdAt time.Time
	feeSource FeeSource

	reserve0       *uint256.Int
	reserve1       *uint256.Int
	totalShares    *uint256.Int
	rootKLast      *uint256.Int
	protocolShares *uint256.Int
	active         bool

	committed poolState
}

// New creates an empty, active pool.
func New(cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		id:             cfg.ID,
		account:        AccountFor(cfg.ID),
		asset0:         cfg.Asset0,
		asset1:         cfg.Asset1,
		feeBps:         cfg.FeeBps,
		createdAt:      cfg.CreatedAt,
		feeSource:      cfg.FeeSource,
		reserve0:       new(uint256.Int),
		reserve1:       new(uint256.Int),
		totalShares:    new(uint256.Int),
		rootKLast:      new(uint256.Int),
		protocolShares: new(uint256.Int),
		active:         true,
	}
	p.committed = p.current()
	return p, nil
}

// AccountFor derives the Ledger account that holds a pool's reserves.
func AccountFor(id engine.PoolID) engine.Account {
	return common.BytesToAddress(id[12:])
}

// LockKey names the lock serializing mutations of the pool with the given id.
func LockKey(id engine.PoolID) string {
	return "pool/" + id.Hex()
}

func (p *Pool) ID() engine.PoolID { return p.id }
func (p *Pool) Account() engine.Account { return p.account }
func (p *Pool) LPToken() engine.Asset { return p.account }
func (p *Pool) FeeBps() uint16 { return p.feeBps }
func (p *Pool) CreatedAt() time.Time { return p.createdAt }
func (p *Pool) Assets() (engine.Asset, engine.Asset) { return p.asset0, p.asset1 }

// Has reports whether asset is one of the pool's two assets.
func (p *Pool) Has(asset engine.Asset) bool {
	return asset == p.asset0 || asset == p.asset1
}

// Other returns the counterpart of asset in the pair.
func (p *Pool) Other(asset engine.Asset) (engine.Asset, error) {
	switch asset {
	case p.asset0:
		return p.asset1, nil
	case p.asset1:
		return p.asset0, nil
	}
	return engine.Asset{}, fmt.Errorf("%w: %s not in pool %s", engine.ErrInvalidAsset, asset.Hex(), p.id.Hex())
}

// current returns the working fields.
func (p *Pool) current() poolState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return poolState{
		reserve0:       p.reserve0,
		reserve1:       p.reserve1,
		totalShares:    p.totalShares,
		rootKLast:      p.rootKLast,
		protocolShares: p.protocolShares,
		active:         p.active,
	}
}

// seenBy returns the state visible to tx: its own uncommitted changes when it holds the
// pool lock, the last committed state otherwise. A nil tx sees the committed state.
func (p *Pool) seenBy(tx *engine.Tx) poolState {
	if tx != nil && tx.Holds(LockKey(p.id)) {
		return p.current()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.committed
}

// publish makes the working fields visible to other readers.
func (p *Pool) publish() {
	s := p.current()
	p.mu.Lock()
	p.committed = s
	p.mu.Unlock()
}

// touch schedules publication of the working fields for when tx commits.
func (p *Pool) touch(tx *engine.Tx) {
	tx.OnCommit(p.publish)
}

// Reserves returns copies of both committed reserves in canonical order.
func (p *Pool) Reserves() (*uint256.Int, *uint256.Int) {
	s := p.seenBy(nil)
	return engine.Clone(s.reserve0), engine.Clone(s.reserve1)
}

func (p *Pool) TotalShares() *uint256.Int {
	return engine.Clone(p.seenBy(nil).totalShares)
}

// ProtocolShares is the cumulative number of LP shares minted to the protocol fee recipient.
func (p *Pool) ProtocolShares() *uint256.Int {
	return engine.Clone(p.seenBy(nil).protocolShares)
}

// Active reports the committed pool status.
func (p *Pool) Active() bool {
	return p.seenBy(nil).active
}

// ActiveFor reports the pool status as seen by tx.
func (p *Pool) ActiveFor(tx *engine.Tx) bool {
	return p.seenBy(tx).active
}

// SharesOf reads an account's LP shares from the given balance source.
func (p *Pool) SharesOf(balances engine.Balances, account engine.Account) *uint256.Int {
	return balances.BalanceOf(account, p.LPToken())
}

// SetActive flips the pool status inside tx; the change is undone if tx rolls back.
func (p *Pool) SetActive(tx *engine.Tx, active bool) error {
	if err := tx.Lock(LockKey(p.id)); err != nil {
		return err
	}
	p.mu.Lock()
	prev := p.active
	p.active = active
	p.mu.Unlock()
	tx.OnRollback("pool.status", func() {
		p.mu.Lock()
		p.active = prev
		p.mu.Unlock()
	})
	p.touch(tx)
	return nil
}

// reservesFor orients the reserves of s for a trade selling assetIn.
func (p *Pool) reservesFor(s poolState, assetIn engine.Asset) (reserveIn, reserveOut *uint256.Int, err error) {
	switch assetIn {
	case p.asset0:
		return s.reserve0, s.reserve1, nil
	case p.asset1:
		return s.reserve1, s.reserve0, nil
	}
	return nil, nil, fmt.Errorf("%w: %s not in pool %s", engine.ErrInvalidAsset, assetIn.Hex(), p.id.Hex())
}

// GetAmountOut quotes the output of selling amountIn of assetIn against the committed
// reserves. It never mutates state.
func (p *Pool) GetAmountOut(amountIn *uint256.Int, assetIn engine.Asset) (*uint256.Int, error) {
	return p.GetAmountOutFor(nil, amountIn, assetIn)
}

// GetAmountOutFor quotes against the reserves tx sees.
func (p *Pool) GetAmountOutFor(tx *engine.Tx, amountIn *uint256.Int, assetIn engine.Asset) (*uint256.Int, error) {
	if engine.IsZero(amountIn) {
		return nil, engine.ErrZeroAmount
	}
	reserveIn, reserveOut, err := p.reservesFor(p.seenBy(tx), assetIn)
	if err != nil {
		return nil, err
	}
	return calculator.GetAmountOut(amountIn, reserveIn, reserveOut, p.feeBps)
}

// GetAmountIn returns the input of assetIn needed to receive at least amountOut of the other asset.
func (p *Pool) GetAmountIn(amountOut *uint256.Int, assetIn engine.Asset) (*uint256.Int, error) {
	if engine.IsZero(amountOut) {
		return nil, engine.ErrZeroAmount
	}
	reserveIn, reserveOut, err := p.reservesFor(p.seenBy(nil), assetIn)
	if err != nil {
		return nil, err
	}
	return calculator.GetAmountIn(amountOut, reserveIn, reserveOut, p.feeBps)
}

// setState replaces reserves and supply, journaling the previous values.
func (p *Pool) setState(tx *engine.Tx, label string, reserve0, reserve1, totalShares *uint256.Int) {
	p.mu.Lock()
	prev0, prev1, prevShares := p.reserve0, p.reserve1, p.totalShares
	p.reserve0, p.reserve1, p.totalShares = reserve0, reserve1, totalShares
	p.mu.Unlock()

	tx.OnRollback(label, func() {
		p.mu.Lock()
		p.reserve0, p.reserve1, p.totalShares = prev0, prev1, prevShares
		p.mu.Unlock()
	})
	p.touch(tx)
	p.assertFunded()
}

// assertFunded checks that the pool is either fully empty or fully funded.
func (p *Pool) assertFunded() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	empty0, empty1, emptyShares := p.reserve0.IsZero(), p.reserve1.IsZero(), p.totalShares.IsZero()
	engine.Assert(empty0 == empty1 && empty1 == emptyShares, componentName,
		"pool %s reserve0=%s reserve1=%s shares=%s", p.id.Hex(), p.reserve0.Dec(), p.reserve1.Dec(), p.totalShares.Dec())
}
