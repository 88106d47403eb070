package ledger

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const defaultOps = 8

// entry is the pending state of one balance: base is what the ledger held when the view
// first touched it, value is what the view believes it holds now.
type entry struct {
	base  *uint256.Int
	value *uint256.Int
}

type op struct {
	key     balanceKey
	prev    *uint256.Int
	existed bool
}

// view is a unit of work over Memory. Reads fall through to the ledger, writes stay
// pending until Commit.
type view struct {
	m       *Memory
	pending map[balanceKey]*entry
	ops     []op
	closed  bool
}

func newView(m *Memory) *view {
	return &view{
		m:       m,
		pending: make(map[balanceKey]*entry),
		ops:     make([]op, 0, defaultOps),
	}
}

func (v *view) get(k balanceKey) *uint256.Int {
	if e, ok := v.pending[k]; ok {
		return e.value
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return v.m.read(k)
}

func (v *view) set(k balanceKey, value *uint256.Int) {
	e, ok := v.pending[k]
	if !ok {
		base := v.get(k)
		v.ops = append(v.ops, op{key: k})
		v.pending[k] = &entry{base: base, value: value}
		return
	}
	v.ops = append(v.ops, op{key: k, prev: e.value, existed: true})
	e.value = value
}

func (v *view) credit(k balanceKey, amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(v.get(k), amount)
	if overflow {
		return fmt.Errorf("%w: crediting %s", engine.ErrOverflow, k.account)
	}
	v.set(k, sum)
	return nil
}

func (v *view) debit(k balanceKey, amount *uint256.Int) error {
	current := v.get(k)
	if current.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			engine.ErrInsufficientBalance, k.account, current.Dec(), k.asset, amount.Dec())
	}
	v.set(k, new(uint256.Int).Sub(current, amount))
	return nil
}

func (v *view) check(accounts ...common.Address) error {
	if v.closed {
		return ErrClosed
	}
	for _, a := range accounts {
		if a == (common.Address{}) {
			return ErrZeroAccount
		}
	}
	return nil
}

func (v *view) Transfer(from, to common.Address, asset common.Address, amount *uint256.Int) error {
	if err := v.check(from, to); err != nil {
		return err
	}
	if engine.IsZero(amount) {
		return nil
	}
	point := v.Savepoint()
	if err := v.debit(balanceKey{account: from, asset: asset}, amount); err != nil {
		return err
	}
	if err := v.credit(balanceKey{account: to, asset: asset}, amount); err != nil {
		v.RollbackTo(point)
		return err
	}
	return nil
}

func (v *view) BalanceOf(account common.Address, asset common.Address) *uint256.Int {
	return new(uint256.Int).Set(v.get(balanceKey{account: account, asset: asset}))
}

func (v *view) Mint(to common.Address, asset common.Address, amount *uint256.Int) error {
	if err := v.check(to); err != nil {
		return err
	}
	if engine.IsZero(amount) {
		return nil
	}
	point := v.Savepoint()
	if err := v.credit(supplyKey(asset), amount); err != nil {
		return err
	}
	if err := v.credit(balanceKey{account: to, asset: asset}, amount); err != nil {
		v.RollbackTo(point)
		return err
	}
	return nil
}

func (v *view) Burn(from common.Address, asset common.Address, amount *uint256.Int) error {
	if err := v.check(from); err != nil {
		return err
	}
	if engine.IsZero(amount) {
		return nil
	}
	point := v.Savepoint()
	if err := v.debit(balanceKey{account: from, asset: asset}, amount); err != nil {
		return err
	}
	if err := v.debit(supplyKey(asset), amount); err != nil {
		v.RollbackTo(point)
		return err
	}
	return nil
}

func (v *view) Savepoint() int {
	return len(v.ops)
}

func (v *view) RollbackTo(point int) {
	if point < 0 {
		point = 0
	}
	for i := len(v.ops) - 1; i >= point; i-- {
		o := v.ops[i]
		if !o.existed {
			delete(v.pending, o.key)
			continue
		}
		v.pending[o.key].value = o.prev
	}
	if point < len(v.ops) {
		v.ops = v.ops[:point]
	}
}

func (v *view) Commit() error {
	if v.closed {
		return ErrClosed
	}
	v.closed = true
	return v.m.apply(v.pending)
}

func (v *view) Discard() {
	v.closed = true
	v.pending = nil
	v.ops = nil
}
