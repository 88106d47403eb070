// Package poolregistry is the catalogue of constant-product pools: pair uniqueness,
// fee tiers, pool status, router grants and the protocol fee.
package poolregistry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/defistate/flashliquidity-go/bitset"
	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
	"github.com/defistate/flashliquidity-go/protocols/tokenpoolregistry"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	componentName = "registry"
	lockKey       = "registry"

	DefaultMinFeeBps         uint16 = 1
	DefaultMaxFeeBps         uint16 = 1000
	DefaultMaxProtocolFeeBps uint16 = 1000
)

// PairKey returns the canonical key of a pair: keccak256(asset0 ++ asset1) with the assets
// in canonical order. With multiTier the fee tier is appended so each tier gets its own pool.
func PairKey(a, b engine.Asset, feeBps uint16, multiTier bool) engine.PoolID {
	asset0, asset1 := engine.SortAssets(a, b)
	if !multiTier {
		return crypto.Keccak256Hash(asset0.Bytes(), asset1.Bytes())
	}
	return crypto.Keccak256Hash(asset0.Bytes(), asset1.Bytes(), []byte{byte(feeBps >> 8), byte(feeBps)})
}

// Config holds the parameters of a Registry.
type Config struct {
	// Owner is the only account allowed to perform administrative calls.
	Owner          engine.Account
	FeeRecipient   engine.Account
	ProtocolFeeBps uint16
	// MinFeeBps and MaxFeeBps bound pool fees. Zero values select the defaults (1 and 1000).
	MinFeeBps uint16
	MaxFeeBps uint16
	// MultiTier allows one pool per (pair, fee) instead of one per pair.
	MultiTier bool
	Logger    engine.Logger
}

func (c *Config) validate() error {
	if c.Owner == (engine.Account{}) {
		return errors.New("registry config: Owner cannot be zero")
	}
	if c.MinFeeBps == 0 {
		c.MinFeeBps = DefaultMinFeeBps
	}
	if c.MaxFeeBps == 0 {
		c.MaxFeeBps = DefaultMaxFeeBps
	}
	if c.MinFeeBps > c.MaxFeeBps || c.MaxFeeBps >= engine.BasisPoints {
		return fmt.Errorf("registry config: invalid fee range [%d, %d]", c.MinFeeBps, c.MaxFeeBps)
	}
	if c.ProtocolFeeBps > DefaultMaxProtocolFeeBps {
		return fmt.Errorf("registry config: %w: protocol fee %d bps", engine.ErrInvalidFee, c.ProtocolFeeBps)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// PoolInfo describes a registered pool.
type PoolInfo struct {
	ID           engine.PoolID  `json:"id"`
	Index        uint64         `json:"index"`
	Account      engine.Account `json:"account"`
	Asset0       engine.Asset   `json:"asset0"`
	Asset1       engine.Asset   `json:"asset1"`
	FeeBps       uint16         `json:"feeBps"`
	Active       bool           `json:"active"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

// Registry holds every committed pool.
//
// Mutations run inside a Tx that holds the registry lock until it ends. Registrations and
// grant changes become visible only when that Tx commits, so readers never observe them
// before they are final.
type Registry struct {
	mu sync.RWMutex

	owner     engine.Account
	minFee    uint16
	maxFee    uint16
	multiTier bool
	logger    engine.Logger

	pools   map[engine.PoolID]*constantproduct.Pool
	byIndex []engine.PoolID
	index   map[engine.PoolID]uint64
	pending map[engine.PoolID]struct{}
	graph   *tokenpoolregistry.TokenPoolSystem
	grants  map[engine.Account]bitset.BitSet

	protocolFeeBps uint16
	feeRecipient   engine.Account
}

func New(cfg Config) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Registry{
		owner:          cfg.Owner,
		minFee:         cfg.MinFeeBps,
		maxFee:         cfg.MaxFeeBps,
		multiTier:      cfg.MultiTier,
		logger:         cfg.Logger,
		pools:          make(map[engine.PoolID]*constantproduct.Pool),
		index:          make(map[engine.PoolID]uint64),
		pending:        make(map[engine.PoolID]struct{}),
		graph:          tokenpoolregistry.NewTokenPoolSystem(),
		grants:         make(map[engine.Account]bitset.BitSet),
		protocolFeeBps: cfg.ProtocolFeeBps,
		feeRecipient:   cfg.FeeRecipient,
	}, nil
}

func (r *Registry) Owner() engine.Account { return r.owner }
func (r *Registry) MultiTier() bool       { return r.multiTier }

// begin checks the caller is the owner and takes the registry lock for the rest of tx.
func (r *Registry) begin(tx *engine.Tx) error {
	if tx.Caller() != r.owner {
		return fmt.Errorf("%w: %s is not the registry owner", engine.ErrUnauthorized, tx.Caller().Hex())
	}
	return tx.Lock(lockKey)
}

// RegisterPool creates an empty pool for the pair. Only the owner may register pools.
func (r *Registry) RegisterPool(tx *engine.Tx, assetA, assetB engine.Asset, feeBps uint16) (engine.PoolID, error) {
	if assetA == (engine.Asset{}) || assetB == (engine.Asset{}) || assetA == assetB {
		return engine.PoolID{}, fmt.Errorf("%w: pair %s/%s", engine.ErrInvalidAsset, assetA.Hex(), assetB.Hex())
	}
	if feeBps < r.minFee || feeBps > r.maxFee {
		return engine.PoolID{}, fmt.Errorf("%w: %d bps outside [%d, %d]", engine.ErrInvalidFee, feeBps, r.minFee, r.maxFee)
	}
	if err := r.begin(tx); err != nil {
		return engine.PoolID{}, err
	}

	id := PairKey(assetA, assetB, feeBps, r.multiTier)
	r.mu.RLock()
	_, exists := r.pools[id]
	_, pending := r.pending[id]
	r.mu.RUnlock()
	if exists || pending {
		return engine.PoolID{}, fmt.Errorf("%w: %s", engine.ErrDuplicatePool, id.Hex())
	}

	asset0, asset1 := engine.SortAssets(assetA, assetB)
	pool, err := constantproduct.New(constantproduct.Config{
		ID:        id,
		Asset0:    asset0,
		Asset1:    asset1,
		FeeBps:    feeBps,
		CreatedAt: tx.Now(),
		FeeSource: r,
	})
	if err != nil {
		return engine.PoolID{}, err
	}

	r.mu.Lock()
	r.pending[id] = struct{}{}
	r.mu.Unlock()
	tx.OnRollback("registry.pending", func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	})
	tx.OnCommit(func() {
		r.insert(pool)
		r.logger.Info("pool registered", "pool", id.Hex(), "asset0", asset0.Hex(), "asset1", asset1.Hex(), "feeBps", feeBps)
	})
	return id, nil
}

// insert publishes a pool. Callers hold the registry lock through their Tx.
func (r *Registry) insert(pool *constantproduct.Pool) {
	id := pool.ID()
	r.mu.Lock()
	delete(r.pending, id)
	r.pools[id] = pool
	r.index[id] = uint64(len(r.byIndex))
	r.byIndex = append(r.byIndex, id)
	r.mu.Unlock()

	asset0, asset1 := pool.Assets()
	r.graph.AddPool(asset0, asset1, id)
}

// AuthorizeRouter grants router the right to invoke the pool on behalf of users. Idempotent.
func (r *Registry) AuthorizeRouter(tx *engine.Tx, router engine.Account, poolID engine.PoolID) error {
	return r.setGrant(tx, router, poolID, true)
}

// RevokeRouter removes a grant. Revoking a missing grant is a no-op.
func (r *Registry) RevokeRouter(tx *engine.Tx, router engine.Account, poolID engine.PoolID) error {
	return r.setGrant(tx, router, poolID, false)
}

func (r *Registry) setGrant(tx *engine.Tx, router engine.Account, poolID engine.PoolID, granted bool) error {
	if router == (engine.Account{}) {
		return fmt.Errorf("%w: zero router", engine.ErrInvalidCall)
	}
	if err := r.begin(tx); err != nil {
		return err
	}
	r.mu.RLock()
	idx, ok := r.index[poolID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrPoolNotFound, poolID.Hex())
	}

	tx.OnCommit(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		grants := r.grants[router]
		if granted {
			grants = grants.Grow(uint64(len(r.byIndex)))
			grants.Set(idx)
			r.grants[router] = grants
			return
		}
		grants.Unset(idx)
		if grants.Count() == 0 {
			delete(r.grants, router)
		}
	})
	return nil
}

// IsAuthorized reports whether router may invoke the pool.
func (r *Registry) IsAuthorized(router engine.Account, poolID engine.PoolID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.index[poolID]
	if !ok {
		return false
	}
	return r.grants[router].IsSet(idx)
}

// AuthorizedPools lists the pools a router may invoke, in registration order.
func (r *Registry) AuthorizedPools(router engine.Account) []engine.PoolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	indices := r.grants[router].Indices()
	out := make([]engine.PoolID, 0, len(indices))
	for _, idx := range indices {
		out = append(out, r.byIndex[idx])
	}
	return out
}

// SetPoolStatus activates or deactivates a pool. Inactive pools reject swaps and deposits.
func (r *Registry) SetPoolStatus(tx *engine.Tx, poolID engine.PoolID, active bool) error {
	if err := r.begin(tx); err != nil {
		return err
	}
	pool, err := r.Pool(poolID)
	if err != nil {
		return err
	}
	if err := pool.SetActive(tx, active); err != nil {
		return err
	}
	tx.OnCommit(func() {
		r.logger.Info("pool status changed", "pool", poolID.Hex(), "active", active)
	})
	return nil
}

// SetProtocolFee changes the protocol fee share and its recipient. It applies on commit.
func (r *Registry) SetProtocolFee(tx *engine.Tx, bps uint16, recipient engine.Account) error {
	if bps > DefaultMaxProtocolFeeBps {
		return fmt.Errorf("%w: protocol fee %d bps above %d", engine.ErrInvalidFee, bps, DefaultMaxProtocolFeeBps)
	}
	if bps > 0 && recipient == (engine.Account{}) {
		return fmt.Errorf("%w: protocol fee needs a recipient", engine.ErrInvalidCall)
	}
	if err := r.begin(tx); err != nil {
		return err
	}
	tx.OnCommit(func() {
		r.mu.Lock()
		r.protocolFeeBps, r.feeRecipient = bps, recipient
		r.mu.Unlock()
	})
	return nil
}

// ProtocolFee implements constantproduct.FeeSource.
func (r *Registry) ProtocolFee() (uint16, engine.Account) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protocolFeeBps, r.feeRecipient
}

// FeeRecipient receives router fees and protocol LP shares.
func (r *Registry) FeeRecipient() engine.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.feeRecipient
}

// Pool returns the pool with the given id.
func (r *Registry) Pool(poolID engine.PoolID) (*constantproduct.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrPoolNotFound, poolID.Hex())
	}
	return pool, nil
}

// GetPoolByTokens resolves a pair in either order. With several fee tiers the lowest id wins.
func (r *Registry) GetPoolByTokens(assetA, assetB engine.Asset) (engine.PoolID, error) {
	ids := r.PoolsForPair(assetA, assetB)
	if len(ids) == 0 {
		return engine.PoolID{}, fmt.Errorf("%w: %s/%s", engine.ErrPoolNotFound, assetA.Hex(), assetB.Hex())
	}
	return ids[0], nil
}

// PoolsForPair returns every pool trading the pair, ordered by id.
func (r *Registry) PoolsForPair(assetA, assetB engine.Asset) []engine.PoolID {
	return r.graph.PoolsForPair(assetA, assetB)
}

// PoolsForToken returns every pool containing asset, ordered by id.
func (r *Registry) PoolsForToken(asset engine.Asset) []engine.PoolID {
	return r.graph.PoolsForToken(asset)
}

// Neighbors lists the assets that share at least one pool with asset.
func (r *Registry) Neighbors(asset engine.Asset) []engine.Asset {
	return r.graph.Neighbors(asset)
}

// Tokens lists every asset that belongs to a registered pool.
func (r *Registry) Tokens() []engine.Asset {
	return r.graph.Tokens()
}

func (r *Registry) GetPoolInfo(poolID engine.PoolID) (PoolInfo, error) {
	pool, err := r.Pool(poolID)
	if err != nil {
		return PoolInfo{}, err
	}
	r.mu.RLock()
	idx := r.index[poolID]
	r.mu.RUnlock()
	return infoFor(pool, idx), nil
}

func infoFor(pool *constantproduct.Pool, idx uint64) PoolInfo {
	asset0, asset1 := pool.Assets()
	return PoolInfo{
		ID:           pool.ID(),
		Index:        idx,
		Account:      pool.Account(),
		Asset0:       asset0,
		Asset1:       asset1,
		FeeBps:       pool.FeeBps(),
		Active:       pool.Active(),
		RegisteredAt: pool.CreatedAt(),
	}
}

// Pools returns every registered pool in registration order.
func (r *Registry) Pools() []*constantproduct.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*constantproduct.Pool, 0, len(r.byIndex))
	for _, id := range r.byIndex {
		out = append(out, r.pools[id])
	}
	return out
}

// ActivePools lists active pool ids ordered by id.
func (r *Registry) ActivePools() []engine.PoolID {
	var out []engine.PoolID
	for _, pool := range r.Pools() {
		if pool.Active() {
			out = append(out, pool.ID())
		}
	}
	sort.Slice(out, func(i, j int) bool { return engine.ComparePoolIDs(out[i], out[j]) < 0 })
	return out
}

func (r *Registry) TotalPools() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIndex)
}
