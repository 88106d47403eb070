// Package snapshot defines the complete persisted state of a protocol instance.
package snapshot

import (
	"github.com/defistate/flashliquidity-go/flashloan"
	"github.com/defistate/flashliquidity-go/ledger"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/defistate/flashliquidity-go/router"
)

// State is a consistent view of every component, taken between calls.
type State struct {
	// Sequence counts committed calls since genesis.
	Sequence uint64 `json:"sequence"`
	// Timestamp is the unix time in nanoseconds at which the state was taken.
	Timestamp uint64            `json:"timestamp"`
	Registry  poolregistry.View `json:"registry"`
	Flash     flashloan.View    `json:"flash"`
	Router    router.Stats      `json:"router"`
	// Ledger is only populated when the ledger can enumerate its balances.
	Ledger []ledger.Balance `json:"ledger,omitempty"`
}

// LedgerViewer is implemented by ledgers whose balances belong in a snapshot.
type LedgerViewer interface {
	View() []ledger.Balance
}

var _ LedgerViewer = (*ledger.Memory)(nil)
