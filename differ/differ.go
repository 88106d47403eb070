// Package differ computes what changed between two protocol snapshots.
package differ

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/ledger"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/defistate/flashliquidity-go/snapshot"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystemRegistry = "registry"
	subsystemFlash    = "flashloan"
	subsystemRouter   = "router"
	subsystemLedger   = "ledger"
)

// StateDifferConfig holds the dependencies of a StateDiffer.
type StateDifferConfig struct {
	Registry prometheus.Registerer
	Logger   engine.Logger
}

func (c *StateDifferConfig) validate() error {
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	return nil
}

// StateDiffer diffs snapshots subsystem by subsystem.
type StateDiffer struct {
	metrics *Metrics
	logger  engine.Logger
}

// NewStateDiffer constructs a new differ from a configuration, returning an error if the config is invalid.
func NewStateDiffer(cfg *StateDifferConfig) (*StateDiffer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &StateDiffer{
		metrics: NewMetrics(cfg.Registry),
		logger:  cfg.Logger,
	}, nil
}

// Diff computes the changes turning old into new. Neither state is modified.
func (d *StateDiffer) Diff(old, new *snapshot.State) (*StateDiff, error) {
	totalTimer := prometheus.NewTimer(d.metrics.diffDuration.WithLabelValues())
	defer totalTimer.ObserveDuration()

	if old == nil || new == nil {
		return nil, errors.New("differ: nil state")
	}
	if new.Sequence < old.Sequence {
		return nil, fmt.Errorf("differ: new state sequence %d is behind old %d", new.Sequence, old.Sequence)
	}

	diff := &StateDiff{
		Timestamp:    new.Timestamp,
		FromSequence: old.Sequence,
		ToSequence:   new.Sequence,
	}
	d.track(subsystemRegistry, func() bool {
		diff.Registry = poolregistry.Differ(old.Registry, new.Registry)
		return !diff.Registry.IsEmpty()
	})
	d.track(subsystemFlash, func() bool {
		if reflect.DeepEqual(old.Flash, new.Flash) {
			return false
		}
		flash := new.Flash
		diff.Flash = &flash
		return true
	})
	d.track(subsystemRouter, func() bool {
		if reflect.DeepEqual(old.Router, new.Router) {
			return false
		}
		stats := new.Router
		diff.Router = &stats
		return true
	})
	d.track(subsystemLedger, func() bool {
		diff.Ledger = DiffBalances(old.Ledger, new.Ledger)
		return len(diff.Ledger) > 0
	})

	if !diff.IsEmpty() {
		d.logger.Debug("state diff computed", "from", diff.FromSequence, "to", diff.ToSequence,
			"poolAdditions", len(diff.Registry.PoolAdditions), "poolUpdates", len(diff.Registry.PoolUpdates),
			"balances", len(diff.Ledger))
	}
	return diff, nil
}

func (d *StateDiffer) track(subsystem string, fn func() (changed bool)) {
	timer := prometheus.NewTimer(d.metrics.subsystemDuration.WithLabelValues(subsystem))
	changed := fn()
	timer.ObserveDuration()
	result := "unchanged"
	if changed {
		result = "changed"
	}
	d.metrics.diffsTotal.WithLabelValues(subsystem, result).Inc()
}

type balanceKey struct {
	account engine.Account
	asset   engine.Asset
}

// DiffBalances lists every balance whose amount differs between from and to, sorted by
// account then asset. Balances missing from to are reported with a zero amount.
func DiffBalances(from, to []ledger.Balance) []ledger.Balance {
	prev := make(map[balanceKey]*uint256.Int, len(from))
	for _, b := range from {
		prev[balanceKey{b.Account, b.Asset}] = b.Amount
	}

	var out []ledger.Balance
	for _, b := range to {
		k := balanceKey{b.Account, b.Asset}
		amount, ok := prev[k]
		delete(prev, k)
		if ok && engine.Clone(amount).Eq(engine.Clone(b.Amount)) {
			continue
		}
		out = append(out, ledger.Balance{Account: b.Account, Asset: b.Asset, Amount: engine.Clone(b.Amount)})
	}
	for k, amount := range prev {
		if engine.IsZero(amount) {
			continue
		}
		out = append(out, ledger.Balance{Account: k.account, Asset: k.asset, Amount: new(uint256.Int)})
	}
	SortBalances(out)
	return out
}

// SortBalances orders balances by account then asset.
func SortBalances(b []ledger.Balance) {
	sort.Slice(b, func(i, j int) bool {
		if c := bytes.Compare(b[i].Account[:], b[j].Account[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(b[i].Asset[:], b[j].Asset[:]) < 0
	})
}
