// Package flashloan lends from per-asset liquidity buckets for the duration of one call.
// A loan is disbursed, the borrower runs, and the loan only stands if the module's balance
// has grown by at least the fee by the time the borrower returns.
package flashloan

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/defistate/flashliquidity-go/engine"
	"github.com/holiman/uint256"
)

const (
	componentName = "flashloan"

	// MaxFeeBps caps the flash fee.
	MaxFeeBps uint16 = 1000
)

// BucketKey names the lock guarding the liquidity bucket of asset.
func BucketKey(asset engine.Asset) string {
	return "flash/" + asset.Hex()
}

// Config holds the parameters of a Module.
type Config struct {
	// Account is the module's Ledger account holding all buckets.
	Account engine.Account
	// Owner may add assets and withdraw liquidity.
	Owner     engine.Account
	FeeBps    uint16
	Supported []engine.Asset
	Logger    engine.Logger
	// Observer, if set, is told about every state a loan passes through.
	Observer func(asset engine.Asset, state State)
}

func (c *Config) validate() error {
	if c.Account == (engine.Account{}) {
		return errors.New("flashloan config: Account cannot be zero")
	}
	if c.Owner == (engine.Account{}) {
		return errors.New("flashloan config: Owner cannot be zero")
	}
	if c.FeeBps > MaxFeeBps {
		return fmt.Errorf("flashloan config: %w: %d bps above %d", engine.ErrInvalidFee, c.FeeBps, MaxFeeBps)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// AssetStats are the cumulative counters of one asset.
type AssetStats struct {
	Loans  uint64       `json:"loans"`
	Volume *uint256.Int `json:"volume"`
	Fees   *uint256.Int `json:"fees"`
}

// Stats are cumulative counters over settled loans. TotalVolume sums principals across assets.
type Stats struct {
	TotalLoans  uint64                      `json:"totalLoans"`
	TotalVolume *uint256.Int                `json:"totalVolume"`
	ByAsset     map[engine.Asset]AssetStats `json:"byAsset"`
}

// Module is the flash-loan lender.
type Module struct {
	account  engine.Account
	owner    engine.Account
	feeBps   uint16
	logger   engine.Logger
	observer func(engine.Asset, State)

	// supported holds committed assets; pending holds assets added by an open Tx.
	supported mapset.Set[engine.Asset]
	pending   mapset.Set[engine.Asset]

	mu sync.RWMutex
	// available is mutated by the Tx holding the bucket lock; committed is what
	// everyone else reads.
	available map[engine.Asset]*uint256.Int
	committed map[engine.Asset]*uint256.Int
	stats     Stats
	borrowers map[string]Borrower
}

func New(cfg Config) (*Module, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Module{
		account:   cfg.Account,
		owner:     cfg.Owner,
		feeBps:    cfg.FeeBps,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		supported: mapset.NewSet[engine.Asset](),
		pending:   mapset.NewSet[engine.Asset](),
		available: make(map[engine.Asset]*uint256.Int),
		committed: make(map[engine.Asset]*uint256.Int),
		stats:     Stats{TotalVolume: new(uint256.Int), ByAsset: make(map[engine.Asset]AssetStats)},
		borrowers: make(map[string]Borrower),
	}
	for _, asset := range cfg.Supported {
		if asset == (engine.Asset{}) {
			return nil, fmt.Errorf("flashloan config: %w: zero asset", engine.ErrInvalidAsset)
		}
		m.supported.Add(asset)
	}
	return m, nil
}

func (m *Module) Account() engine.Account { return m.account }
func (m *Module) FeeBps() uint16          { return m.feeBps }

// IsSupported reports whether asset can be lent.
func (m *Module) IsSupported(asset engine.Asset) bool {
	return m.supported.Contains(asset)
}

// isSupportedFor also counts an asset added by tx itself.
func (m *Module) isSupportedFor(tx *engine.Tx, asset engine.Asset) bool {
	if m.supported.Contains(asset) {
		return true
	}
	return tx != nil && tx.Holds(BucketKey(asset)) && m.pending.Contains(asset)
}

// SupportedTokens lists lendable assets in canonical order.
func (m *Module) SupportedTokens() []engine.Asset {
	out := m.supported.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// RegisterBorrower makes a borrower addressable by name in flash-loan calls.
func (m *Module) RegisterBorrower(name string, b Borrower) error {
	if name == "" || b == nil {
		return fmt.Errorf("%w: borrower needs a name and an implementation", engine.ErrInvalidCall)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.borrowers[name]; exists {
		return fmt.Errorf("%w: borrower %q already registered", engine.ErrInvalidCall, name)
	}
	m.borrowers[name] = b
	return nil
}

// Borrower returns the borrower registered under name.
func (m *Module) Borrower(name string) (Borrower, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.borrowers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown borrower %q", engine.ErrInvalidCall, name)
	}
	return b, nil
}

// MaxFlashLoan returns the committed liquidity available for asset, or zero when it is
// not supported.
func (m *Module) MaxFlashLoan(asset engine.Asset) *uint256.Int {
	return m.MaxFlashLoanFor(nil, asset)
}

// MaxFlashLoanFor is MaxFlashLoan as seen from tx.
func (m *Module) MaxFlashLoanFor(tx *engine.Tx, asset engine.Asset) *uint256.Int {
	if !m.isSupportedFor(tx, asset) {
		return new(uint256.Int)
	}
	return m.balanceFor(tx, asset)
}

// TokenBalance is the bucket's committed liquidity.
func (m *Module) TokenBalance(asset engine.Asset) *uint256.Int {
	return m.balanceFor(nil, asset)
}

// balanceFor reads the working bucket when tx holds its lock, the committed one otherwise.
func (m *Module) balanceFor(tx *engine.Tx, asset engine.Asset) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tx != nil && tx.Holds(BucketKey(asset)) {
		return engine.Clone(m.available[asset])
	}
	return engine.Clone(m.committed[asset])
}

// FlashFee returns floor(amount * fee / 10000).
func (m *Module) FlashFee(asset engine.Asset, amount *uint256.Int) (*uint256.Int, error) {
	return m.flashFeeFor(nil, asset, amount)
}

func (m *Module) flashFeeFor(tx *engine.Tx, asset engine.Asset, amount *uint256.Int) (*uint256.Int, error) {
	if !m.isSupportedFor(tx, asset) {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnsupportedAsset, asset.Hex())
	}
	return engine.MulBps(amount, m.feeBps)
}

// Stats returns a copy of the cumulative counters.
func (m *Module) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyStats(m.stats)
}

func copyStats(s Stats) Stats {
	out := Stats{
		TotalLoans:  s.TotalLoans,
		TotalVolume: engine.Clone(s.TotalVolume),
		ByAsset:     make(map[engine.Asset]AssetStats, len(s.ByAsset)),
	}
	for asset, st := range s.ByAsset {
		out.ByAsset[asset] = AssetStats{Loans: st.Loans, Volume: engine.Clone(st.Volume), Fees: engine.Clone(st.Fees)}
	}
	return out
}

// setAvailable replaces the working bucket balance inside tx and publishes it when tx
// commits. Callers hold the bucket lock.
func (m *Module) setAvailable(tx *engine.Tx, asset engine.Asset, value *uint256.Int) {
	m.mu.Lock()
	prev, existed := m.available[asset]
	m.available[asset] = value
	m.mu.Unlock()
	tx.OnRollback("flashloan.available", func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !existed {
			delete(m.available, asset)
			return
		}
		m.available[asset] = prev
	})
	tx.OnCommit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.committed[asset] = engine.Clone(m.available[asset])
	})
}

func (m *Module) recordLoan(asset engine.Asset, amount, fee *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalLoans++
	m.stats.TotalVolume = new(uint256.Int).Add(m.stats.TotalVolume, amount)
	st := m.stats.ByAsset[asset]
	st.Loans++
	st.Volume = new(uint256.Int).Add(engine.Clone(st.Volume), amount)
	st.Fees = new(uint256.Int).Add(engine.Clone(st.Fees), fee)
	m.stats.ByAsset[asset] = st
}

func (m *Module) requireOwner(tx *engine.Tx) error {
	if tx.Caller() != m.owner {
		return fmt.Errorf("%w: %s is not the flash-loan owner", engine.ErrUnauthorized, tx.Caller().Hex())
	}
	return nil
}

// AddSupportedToken makes asset lendable. Adding a supported asset again is a no-op.
func (m *Module) AddSupportedToken(tx *engine.Tx, asset engine.Asset) error {
	if asset == (engine.Asset{}) {
		return fmt.Errorf("%w: zero asset", engine.ErrInvalidAsset)
	}
	if err := m.requireOwner(tx); err != nil {
		return err
	}
	if err := tx.LockExclusive(BucketKey(asset)); err != nil {
		return err
	}
	if m.supported.Contains(asset) || !m.pending.Add(asset) {
		return nil
	}
	tx.OnRollback("flashloan.supported", func() { m.pending.Remove(asset) })
	tx.OnCommit(func() {
		m.supported.Add(asset)
		m.pending.Remove(asset)
		m.logger.Info("flash-loan asset supported", "asset", asset.Hex())
	})
	return nil
}

// DepositLiquidity moves amount of asset from the Tx caller into the lending bucket.
func (m *Module) DepositLiquidity(tx *engine.Tx, asset engine.Asset, amount *uint256.Int) error {
	if engine.IsZero(amount) {
		return engine.ErrZeroAmount
	}
	if !m.isSupportedFor(tx, asset) {
		return fmt.Errorf("%w: %s", engine.ErrUnsupportedAsset, asset.Hex())
	}
	if err := tx.LockExclusive(BucketKey(asset)); err != nil {
		return err
	}
	return tx.Atomic(func() error {
		next, overflow := new(uint256.Int).AddOverflow(m.balanceFor(tx, asset), amount)
		if overflow {
			return fmt.Errorf("%w: bucket %s", engine.ErrOverflow, asset.Hex())
		}
		if err := tx.Transfer(tx.Caller(), m.account, asset, amount); err != nil {
			return err
		}
		m.setAvailable(tx, asset, next)
		return nil
	})
}

// WithdrawLiquidity moves amount of asset out of the bucket to the given account. Owner only.
func (m *Module) WithdrawLiquidity(tx *engine.Tx, asset engine.Asset, amount *uint256.Int, to engine.Account) error {
	if engine.IsZero(amount) {
		return engine.ErrZeroAmount
	}
	if to == (engine.Account{}) {
		return fmt.Errorf("%w: zero recipient", engine.ErrInvalidCall)
	}
	if err := m.requireOwner(tx); err != nil {
		return err
	}
	if !m.isSupportedFor(tx, asset) {
		return fmt.Errorf("%w: %s", engine.ErrUnsupportedAsset, asset.Hex())
	}
	if err := tx.LockExclusive(BucketKey(asset)); err != nil {
		return err
	}
	return tx.Atomic(func() error {
		available := m.balanceFor(tx, asset)
		if available.Lt(amount) {
			return fmt.Errorf("%w: bucket %s holds %s, withdrawing %s", engine.ErrInsufficientLiquidity, asset.Hex(), available.Dec(), amount.Dec())
		}
		if err := tx.Transfer(m.account, to, asset, amount); err != nil {
			return err
		}
		m.setAvailable(tx, asset, new(uint256.Int).Sub(available, amount))
		return nil
	})
}
