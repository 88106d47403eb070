package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/defistate/flashliquidity-go/journal"
	"github.com/defistate/flashliquidity-go/lockmap"
	"github.com/holiman/uint256"
)

const (
	// DefaultLockWait bounds how long a call that already holds locks waits for another one.
	DefaultLockWait   = 50 * time.Millisecond
	lockRetryDelay    = 500 * time.Microsecond
	maxLockRetryDelay = 8 * time.Millisecond
)

// Savepoint marks a position inside a Tx that can be rolled back to.
type Savepoint struct {
	op     int
	ledger int
}

// Tx is the unit of work for one submitted call. Everything an operation needs
// (caller identity, clock, ledger access, undo journal, resource locks) travels in it.
//
// A Tx is confined to one goroutine. Locks are held until Commit or Discard.
type Tx struct {
	ctx      context.Context
	caller   Account
	now      time.Time
	ledger   LedgerTx
	journal  *journal.Journal
	locks    *lockmap.Lockmap
	held     map[string]struct{}
	order    []string
	lockWait time.Duration
	onCommit []func()
	closed   bool
}

// TxConfig holds the collaborators needed to open a Tx.
type TxConfig struct {
	Caller   Account
	Clock    Clock
	Ledger   Ledger
	Locks    *lockmap.Lockmap
	LockWait time.Duration
}

func (c *TxConfig) validate() error {
	if c.Clock == nil {
		return errors.New("tx config: Clock cannot be nil")
	}
	if c.Ledger == nil {
		return errors.New("tx config: Ledger cannot be nil")
	}
	if c.Locks == nil {
		return errors.New("tx config: Locks cannot be nil")
	}
	return nil
}

// NewTx opens a unit of work. The clock is read once so every check in the call sees the same time.
func NewTx(ctx context.Context, cfg TxConfig) (*Tx, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Tx{
		ctx:      ctx,
		caller:   cfg.Caller,
		now:      cfg.Clock.Now(),
		ledger:   cfg.Ledger.Begin(),
		journal:  journal.New(),
		locks:    cfg.Locks,
		held:     make(map[string]struct{}),
		lockWait: lockWait,
	}, nil
}

func (tx *Tx) Context() context.Context { return tx.ctx }

// Caller is the account on whose behalf the call runs.
func (tx *Tx) Caller() Account { return tx.caller }

// Now is the time captured when the Tx was opened.
func (tx *Tx) Now() time.Time { return tx.now }

// Transfer moves amount of asset through the Tx-scoped ledger view.
func (tx *Tx) Transfer(from, to Account, asset Asset, amount *uint256.Int) error {
	if IsZero(amount) {
		return nil
	}
	if err := tx.ledger.Transfer(from, to, asset, amount); err != nil {
		return &DependencyError{Dependency: "ledger.Transfer", Err: err}
	}
	return nil
}

// BalanceOf reads a balance as seen by this Tx, including its own pending transfers.
func (tx *Tx) BalanceOf(account Account, asset Asset) *uint256.Int {
	return tx.ledger.BalanceOf(account, asset)
}

// Mint credits amount of asset to an account.
func (tx *Tx) Mint(to Account, asset Asset, amount *uint256.Int) error {
	if err := tx.ledger.Mint(to, asset, amount); err != nil {
		return &DependencyError{Dependency: "ledger.Mint", Err: err}
	}
	return nil
}

// Burn debits amount of asset from an account.
func (tx *Tx) Burn(from Account, asset Asset, amount *uint256.Int) error {
	if err := tx.ledger.Burn(from, asset, amount); err != nil {
		return &DependencyError{Dependency: "ledger.Burn", Err: err}
	}
	return nil
}

// OnRollback records how to undo an in-memory mutation that has just been applied.
func (tx *Tx) OnRollback(label string, undo func()) {
	tx.journal.Append(label, undo)
}

// OnCommit registers fn to run once the Tx has committed, while its locks are still held.
// Rolling back past this point drops fn.
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
	n := len(tx.onCommit) - 1
	tx.journal.Append("tx.onCommit", func() { tx.onCommit = tx.onCommit[:n] })
}

// Savepoint marks the current position of both the journal and the ledger view.
func (tx *Tx) Savepoint() Savepoint {
	return Savepoint{op: tx.journal.OpIndex(), ledger: tx.ledger.Savepoint()}
}

// RollbackTo undoes every effect recorded after sp.
func (tx *Tx) RollbackTo(sp Savepoint) {
	tx.journal.Rollback(sp.op)
	tx.ledger.RollbackTo(sp.ledger)
}

// Atomic runs fn so that either all of its effects stay or none do.
func (tx *Tx) Atomic(fn func() error) error {
	sp := tx.Savepoint()
	if err := fn(); err != nil {
		tx.RollbackTo(sp)
		return err
	}
	return nil
}

// Holds reports whether this Tx holds the lock for key.
func (tx *Tx) Holds(key string) bool {
	_, ok := tx.held[key]
	return ok
}

// Lock acquires key for the rest of the Tx. Re-locking a held key is a no-op.
//
// The first lock of a Tx waits until the key frees up or the Tx context is done. Once the
// Tx holds a lock, further acquisitions wait at most the configured lock wait and then fail
// with ErrLockContention, so two calls can never wait on each other forever.
func (tx *Tx) Lock(key string) error {
	if tx.closed {
		return fmt.Errorf("%w: tx already closed", ErrInvalidCall)
	}
	if tx.Holds(key) {
		return nil
	}

	var deadline time.Time
	if len(tx.held) > 0 {
		deadline = time.Now().Add(tx.lockWait)
	}
	delay := lockRetryDelay
	for {
		if tx.locks.TryLock(key) {
			tx.track(key)
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockContention, key)
		}
		select {
		case <-tx.ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockContention, key, tx.ctx.Err())
		case <-time.After(delay):
		}
		if delay < maxLockRetryDelay {
			delay *= 2
		}
	}
}

// LockExclusive is Lock for resources that must not be re-entered by the same Tx.
func (tx *Tx) LockExclusive(key string) error {
	if tx.Holds(key) {
		return fmt.Errorf("%w: %s", ErrReentrant, key)
	}
	return tx.Lock(key)
}

func (tx *Tx) track(key string) {
	tx.held[key] = struct{}{}
	tx.order = append(tx.order, key)
}

func (tx *Tx) releaseLocks() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.locks.Unlock(tx.order[i])
	}
	tx.order = nil
	tx.held = make(map[string]struct{})
}

// Commit publishes the ledger effects. If the ledger refuses, all in-memory effects are undone.
func (tx *Tx) Commit() error {
	if tx.closed {
		return fmt.Errorf("%w: tx already closed", ErrInvalidCall)
	}
	tx.closed = true
	defer tx.releaseLocks()

	if err := tx.ledger.Commit(); err != nil {
		tx.journal.Rollback(0)
		return &DependencyError{Dependency: "ledger.Commit", Err: err}
	}
	tx.journal.Reset()
	for _, fn := range tx.onCommit {
		fn()
	}
	tx.onCommit = nil
	return nil
}

// Discard undoes everything the Tx did. It is safe to call after Commit.
func (tx *Tx) Discard() {
	if tx.closed {
		return
	}
	tx.closed = true
	defer tx.releaseLocks()

	tx.journal.Rollback(0)
	tx.ledger.Discard()
}
