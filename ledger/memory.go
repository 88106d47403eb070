// Package ledger provides an in-memory Ledger for simulations, tests and the flashd daemon.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrZeroAccount is returned when the zero address is used as a balance holder.
	ErrZeroAccount = errors.New("zero address cannot hold balances")
	// ErrClosed is returned when a unit of work is used after Commit or Discard.
	ErrClosed = errors.New("ledger transaction closed")
)

var _ engine.Ledger = (*Memory)(nil)

type balanceKey struct {
	account common.Address
	asset   common.Address
}

// supplyKey tracks the total supply of an asset under the zero account, which can never
// be used as a regular holder.
func supplyKey(asset common.Address) balanceKey {
	return balanceKey{asset: asset}
}

// Balance is one entry of a ledger view.
type Balance struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  *uint256.Int   `json:"amount"`
}

// Memory keeps balances in maps guarded by a RWMutex. Units of work opened with Begin
// buffer their effects and apply them in one critical section on Commit.
type Memory struct {
	mu       sync.RWMutex
	balances map[balanceKey]*uint256.Int
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[balanceKey]*uint256.Int)}
}

// NewMemoryFromView rebuilds a ledger from a snapshot. Amounts are deep-copied.
func NewMemoryFromView(view []Balance) *Memory {
	m := &Memory{balances: make(map[balanceKey]*uint256.Int, len(view))}
	for _, b := range view {
		if engine.IsZero(b.Amount) {
			continue
		}
		m.balances[balanceKey{account: b.Account, asset: b.Asset}] = new(uint256.Int).Set(b.Amount)
	}
	return m
}

// View returns every non-zero balance (total supplies use the zero account), sorted by
// account then asset.
func (m *Memory) View() []Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Balance, 0, len(m.balances))
	for k, v := range m.balances {
		if v.IsZero() {
			continue
		}
		out = append(out, Balance{Account: k.account, Asset: k.asset, Amount: new(uint256.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Account[:], out[j].Account[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out
}

// TotalSupply returns the minted-minus-burned amount of asset.
func (m *Memory) TotalSupply(asset common.Address) *uint256.Int {
	return m.BalanceOf(common.Address{}, asset)
}

func (m *Memory) Begin() engine.LedgerTx {
	return newView(m)
}

func (m *Memory) BalanceOf(account common.Address, asset common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read(balanceKey{account: account, asset: asset})
}

// read must be called with m.mu held.
func (m *Memory) read(k balanceKey) *uint256.Int {
	if v, ok := m.balances[k]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (m *Memory) Transfer(from, to common.Address, asset common.Address, amount *uint256.Int) error {
	return m.autoCommit(func(v engine.LedgerTx) error { return v.Transfer(from, to, asset, amount) })
}

func (m *Memory) Mint(to common.Address, asset common.Address, amount *uint256.Int) error {
	return m.autoCommit(func(v engine.LedgerTx) error { return v.Mint(to, asset, amount) })
}

func (m *Memory) Burn(from common.Address, asset common.Address, amount *uint256.Int) error {
	return m.autoCommit(func(v engine.LedgerTx) error { return v.Burn(from, asset, amount) })
}

func (m *Memory) autoCommit(fn func(engine.LedgerTx) error) error {
	v := m.Begin()
	if err := fn(v); err != nil {
		v.Discard()
		return err
	}
	return v.Commit()
}

// apply publishes the pending changes of a view. Each key moves by (value - base), so
// commits from concurrent views compose as long as no balance would go negative.
func (m *Memory) apply(pending map[balanceKey]*entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[balanceKey]*uint256.Int, len(pending))
	for k, e := range pending {
		current := m.read(k)
		switch e.value.Cmp(e.base) {
		case 0:
			continue
		case 1:
			diff := new(uint256.Int).Sub(e.value, e.base)
			sum, overflow := new(uint256.Int).AddOverflow(current, diff)
			if overflow {
				return fmt.Errorf("%w: balance of %s in %s", engine.ErrOverflow, k.account, k.asset)
			}
			next[k] = sum
		default:
			diff := new(uint256.Int).Sub(e.base, e.value)
			if current.Lt(diff) {
				return fmt.Errorf("%w: %s holds %s of %s, commit needs %s",
					engine.ErrInsufficientBalance, k.account, current.Dec(), k.asset, diff.Dec())
			}
			next[k] = new(uint256.Int).Sub(current, diff)
		}
	}

	for k, v := range next {
		if v.IsZero() {
			delete(m.balances, k)
			continue
		}
		m.balances[k] = v
	}
	return nil
}
