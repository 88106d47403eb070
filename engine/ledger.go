package engine

import "github.com/holiman/uint256"

// Balances is the fungible-balance surface the core consumes from the Ledger collaborator.
// The core never holds balances itself; it only authorizes transfers.
type Balances interface {
	Transfer(from, to Account, asset Asset, amount *uint256.Int) error
	BalanceOf(account Account, asset Asset) *uint256.Int
	Mint(to Account, asset Asset, amount *uint256.Int) error
	Burn(from Account, asset Asset, amount *uint256.Int) error
}

// Ledger is an external balance store that can scope a unit of work.
type Ledger interface {
	Balances
	// Begin opens a unit of work whose effects are invisible until Commit.
	Begin() LedgerTx
}

// LedgerTx is a unit of work against the Ledger.
type LedgerTx interface {
	Balances
	// Savepoint marks the current position; RollbackTo undoes everything after it.
	Savepoint() int
	RollbackTo(point int)
	// Commit publishes all effects atomically. After Commit or Discard the LedgerTx is unusable.
	Commit() error
	Discard()
}
