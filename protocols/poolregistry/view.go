package poolregistry

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/defistate/flashliquidity-go/bitset"
	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
)

// Grant lists the pools a router may invoke.
type Grant struct {
	Router engine.Account  `json:"router"`
	Pools  []engine.PoolID `json:"pools"`
}

// Meta is the registry-wide configuration.
type Meta struct {
	Owner          engine.Account `json:"owner"`
	FeeRecipient   engine.Account `json:"feeRecipient"`
	ProtocolFeeBps uint16         `json:"protocolFeeBps"`
	MinFeeBps      uint16         `json:"minFeeBps"`
	MaxFeeBps      uint16         `json:"maxFeeBps"`
	MultiTier      bool           `json:"multiTier"`
}

// View is the complete persisted state of the registry and its pools.
type View struct {
	Meta   Meta                   `json:"meta"`
	Pools  []constantproduct.View `json:"pools"`
	Grants []Grant                `json:"grants"`
}

// View returns a snapshot. Pools are in registration order, grants ordered by router.
func (r *Registry) View() View {
	pools := r.Pools()
	views := make([]constantproduct.View, 0, len(pools))
	for _, pool := range pools {
		views = append(views, pool.View())
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	grants := make([]Grant, 0, len(r.grants))
	for router, set := range r.grants {
		g := Grant{Router: router}
		for _, idx := range set.Indices() {
			g.Pools = append(g.Pools, r.byIndex[idx])
		}
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool {
		return bytes.Compare(grants[i].Router[:], grants[j].Router[:]) < 0
	})

	return View{
		Meta: Meta{
			Owner:          r.owner,
			FeeRecipient:   r.feeRecipient,
			ProtocolFeeBps: r.protocolFeeBps,
			MinFeeBps:      r.minFee,
			MaxFeeBps:      r.maxFee,
			MultiTier:      r.multiTier,
		},
		Pools:  views,
		Grants: grants,
	}
}

// NewFromView rebuilds a registry and its pools from a snapshot.
func NewFromView(v View, logger engine.Logger) (*Registry, error) {
	r, err := New(Config{
		Owner:          v.Meta.Owner,
		FeeRecipient:   v.Meta.FeeRecipient,
		ProtocolFeeBps: v.Meta.ProtocolFeeBps,
		MinFeeBps:      v.Meta.MinFeeBps,
		MaxFeeBps:      v.Meta.MaxFeeBps,
		MultiTier:      v.Meta.MultiTier,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	for _, pv := range v.Pools {
		if _, dup := r.pools[pv.ID]; dup {
			return nil, fmt.Errorf("restore registry: %w: %s", engine.ErrDuplicatePool, pv.ID.Hex())
		}
		pool, err := constantproduct.NewFromView(pv, r)
		if err != nil {
			return nil, fmt.Errorf("restore pool %s: %w", pv.ID.Hex(), err)
		}
		r.insert(pool)
	}
	for _, g := range v.Grants {
		set := bitset.NewBitSet(uint64(len(r.byIndex)))
		for _, id := range g.Pools {
			idx, ok := r.index[id]
			if !ok {
				return nil, fmt.Errorf("restore grant for %s: %w: %s", g.Router.Hex(), engine.ErrPoolNotFound, id.Hex())
			}
			set.Set(idx)
		}
		if set.Count() > 0 {
			r.grants[g.Router] = set
		}
	}
	return r, nil
}
