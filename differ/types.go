package differ

import (
	"github.com/defistate/flashliquidity-go/flashloan"
	"github.com/defistate/flashliquidity-go/ledger"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/defistate/flashliquidity-go/router"
)

// StateDiff represents a summary of changes from FromSequence to ToSequence.
type StateDiff struct {
	Timestamp    uint64 `json:"timestamp"`
	FromSequence uint64 `json:"fromSequence"`
	ToSequence   uint64 `json:"toSequence"`

	Registry poolregistry.Diff `json:"registry"`
	// Flash and Router are replaced whole when anything in them changed.
	Flash  *flashloan.View `json:"flash,omitempty"`
	Router *router.Stats   `json:"router,omitempty"`
	// Ledger lists changed balances. A zero amount removes the balance.
	Ledger []ledger.Balance `json:"ledger,omitempty"`
}

// IsEmpty returns true if no component changed.
func (d *StateDiff) IsEmpty() bool {
	return d.Registry.IsEmpty() && d.Flash == nil && d.Router == nil && len(d.Ledger) == 0
}
