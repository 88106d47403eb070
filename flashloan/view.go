package flashloan

import (
	"sort"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/holiman/uint256"
)

// Bucket is the available liquidity of one asset.
type Bucket struct {
	Asset     engine.Asset `json:"asset"`
	Available *uint256.Int `json:"available"`
}

// View is the persisted state of the module. Borrowers are code and are not part of it.
type View struct {
	Account   engine.Account `json:"account"`
	Owner     engine.Account `json:"owner"`
	FeeBps    uint16         `json:"feeBps"`
	Supported []engine.Asset `json:"supported"`
	Buckets   []Bucket       `json:"buckets"`
	Stats     Stats          `json:"stats"`
}

// View returns a snapshot with assets and buckets in canonical order.
func (m *Module) View() View {
	v := View{
		Account:   m.account,
		Owner:     m.owner,
		FeeBps:    m.feeBps,
		Supported: m.SupportedTokens(),
		Stats:     m.Stats(),
	}
	m.mu.RLock()
	for asset, amount := range m.committed {
		v.Buckets = append(v.Buckets, Bucket{Asset: asset, Available: engine.Clone(amount)})
	}
	m.mu.RUnlock()
	sort.Slice(v.Buckets, func(i, j int) bool { return v.Buckets[i].Asset.Cmp(v.Buckets[j].Asset) < 0 })
	return v
}

// NewFromView rebuilds a module from a snapshot.
func NewFromView(v View, logger engine.Logger, observer func(engine.Asset, State)) (*Module, error) {
	m, err := New(Config{
		Account:   v.Account,
		Owner:     v.Owner,
		FeeBps:    v.FeeBps,
		Supported: v.Supported,
		Logger:    logger,
		Observer:  observer,
	})
	if err != nil {
		return nil, err
	}
	for _, b := range v.Buckets {
		m.available[b.Asset] = engine.Clone(b.Available)
		m.committed[b.Asset] = engine.Clone(b.Available)
	}
	stats := v.Stats
	if stats.TotalVolume == nil {
		stats.TotalVolume = new(uint256.Int)
	}
	if stats.ByAsset == nil {
		stats.ByAsset = make(map[engine.Asset]AssetStats)
	}
	m.stats = copyStats(stats)
	return m, nil
}
