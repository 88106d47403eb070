package poolregistry

import (
	"reflect"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
)

// Diff is the set of changes turning one registry View into another.
type Diff struct {
	// PoolAdditions contains pools registered since the old view, in registration order.
	PoolAdditions []constantproduct.View `json:"poolAdditions,omitempty"`
	// PoolUpdates contains pools whose state changed.
	PoolUpdates []constantproduct.View `json:"poolUpdates,omitempty"`
	// GrantUpdates replaces the grant list of each router named. An empty list removes the router.
	GrantUpdates []Grant `json:"grantUpdates,omitempty"`
	// Meta is set when the registry configuration changed.
	Meta *Meta `json:"meta,omitempty"`
}

// IsEmpty returns true if the diff contains no changes.
func (d Diff) IsEmpty() bool {
	return len(d.PoolAdditions) == 0 &&
		len(d.PoolUpdates) == 0 &&
		len(d.GrantUpdates) == 0 &&
		d.Meta == nil
}

// Differ calculates the difference between two registry views (old -> new).
// Pools are never removed, so a pool missing from new is ignored.
func Differ(old, new View) Diff {
	var diff Diff

	oldPools := make(map[engine.PoolID]constantproduct.View, len(old.Pools))
	for _, p := range old.Pools {
		oldPools[p.ID] = p
	}
	for _, p := range new.Pools {
		prev, ok := oldPools[p.ID]
		if !ok {
			diff.PoolAdditions = append(diff.PoolAdditions, p)
			continue
		}
		if !reflect.DeepEqual(prev, p) {
			diff.PoolUpdates = append(diff.PoolUpdates, p)
		}
	}

	oldGrants := make(map[engine.Account][]engine.PoolID, len(old.Grants))
	for _, g := range old.Grants {
		oldGrants[g.Router] = g.Pools
	}
	for _, g := range new.Grants {
		prev, ok := oldGrants[g.Router]
		delete(oldGrants, g.Router)
		if ok && reflect.DeepEqual(prev, g.Pools) {
			continue
		}
		diff.GrantUpdates = append(diff.GrantUpdates, g)
	}
	for _, g := range old.Grants {
		if _, removed := oldGrants[g.Router]; removed {
			diff.GrantUpdates = append(diff.GrantUpdates, Grant{Router: g.Router})
		}
	}

	if old.Meta != new.Meta {
		meta := new.Meta
		diff.Meta = &meta
	}
	return diff
}
