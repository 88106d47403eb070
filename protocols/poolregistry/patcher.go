package poolregistry

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
)

// Patcher applies a diff to a previous view and returns the new view. prev is not modified.
func Patcher(prev View, diff Diff) (View, error) {
	next := View{Meta: prev.Meta}
	if diff.Meta != nil {
		next.Meta = *diff.Meta
	}

	position := make(map[engine.PoolID]int, len(prev.Pools)+len(diff.PoolAdditions))
	next.Pools = make([]constantproduct.View, 0, len(prev.Pools)+len(diff.PoolAdditions))
	for _, p := range prev.Pools {
		position[p.ID] = len(next.Pools)
		next.Pools = append(next.Pools, p)
	}
	for _, p := range diff.PoolAdditions {
		if _, exists := position[p.ID]; exists {
			return View{}, fmt.Errorf("patch: cannot add pool %s: %w", p.ID.Hex(), engine.ErrDuplicatePool)
		}
		position[p.ID] = len(next.Pools)
		next.Pools = append(next.Pools, p)
	}
	for _, p := range diff.PoolUpdates {
		i, exists := position[p.ID]
		if !exists {
			return View{}, fmt.Errorf("patch: cannot update pool %s: %w", p.ID.Hex(), engine.ErrPoolNotFound)
		}
		next.Pools[i] = p
	}

	grants := make(map[engine.Account][]engine.PoolID, len(prev.Grants))
	for _, g := range prev.Grants {
		grants[g.Router] = append([]engine.PoolID(nil), g.Pools...)
	}
	for _, g := range diff.GrantUpdates {
		if len(g.Pools) == 0 {
			delete(grants, g.Router)
			continue
		}
		grants[g.Router] = append([]engine.PoolID(nil), g.Pools...)
	}
	next.Grants = make([]Grant, 0, len(grants))
	for router, pools := range grants {
		next.Grants = append(next.Grants, Grant{Router: router, Pools: pools})
	}
	sort.Slice(next.Grants, func(i, j int) bool {
		return bytes.Compare(next.Grants[i].Router[:], next.Grants[j].Router[:]) < 0
	})
	return next, nil
}
