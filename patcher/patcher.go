// Package patcher applies state diffs to snapshots.
package patcher

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/differ"
	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/ledger"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/defistate/flashliquidity-go/snapshot"
)

// Patch creates a new State by applying diff to old.
// Parts of the state that didn't change are shared by reference; old is never mutated.
func Patch(old *snapshot.State, diff *differ.StateDiff) (*snapshot.State, error) {
	if old == nil || diff == nil {
		return nil, fmt.Errorf("patcher: nil state or diff")
	}
	if old.Sequence != diff.FromSequence {
		return nil, fmt.Errorf("patcher: mismatch fromSequence (state=%d, diff=%d)", old.Sequence, diff.FromSequence)
	}

	next := &snapshot.State{
		Sequence:  diff.ToSequence,
		Timestamp: diff.Timestamp,
		Registry:  old.Registry,
		Flash:     old.Flash,
		Router:    old.Router,
		Ledger:    old.Ledger,
	}

	if !diff.Registry.IsEmpty() {
		reg, err := poolregistry.Patcher(old.Registry, diff.Registry)
		if err != nil {
			return nil, fmt.Errorf("patcher: failed to patch registry: %w", err)
		}
		next.Registry = reg
	}
	if diff.Flash != nil {
		next.Flash = *diff.Flash
	}
	if diff.Router != nil {
		next.Router = *diff.Router
	}
	if len(diff.Ledger) > 0 {
		next.Ledger = PatchBalances(old.Ledger, diff.Ledger)
	}
	return next, nil
}

type balanceKey struct {
	account engine.Account
	asset   engine.Asset
}

// PatchBalances merges changed balances into a copy of prev. Zero amounts are dropped.
func PatchBalances(prev, changes []ledger.Balance) []ledger.Balance {
	merged := make(map[balanceKey]ledger.Balance, len(prev)+len(changes))
	for _, b := range prev {
		merged[balanceKey{b.Account, b.Asset}] = b
	}
	for _, b := range changes {
		k := balanceKey{b.Account, b.Asset}
		if engine.IsZero(b.Amount) {
			delete(merged, k)
			continue
		}
		merged[k] = ledger.Balance{Account: b.Account, Asset: b.Asset, Amount: engine.Clone(b.Amount)}
	}
	out := make([]ledger.Balance, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	differ.SortBalances(out)
	return out
}
