package constantproduct

import (
	"time"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/holiman/uint256"
)

// View is the persisted form of a pool.
type View struct {
	ID             engine.PoolID `json:"id"`
	Asset0         engine.Asset  `json:"asset0"`
	Asset1         engine.Asset  `json:"asset1"`
	FeeBps         uint16        `json:"feeBps"`
	CreatedAt      time.Time     `json:"createdAt"`
	Active         bool          `json:"active"`
	Reserve0       *uint256.Int  `json:"reserve0"`
	Reserve1       *uint256.Int  `json:"reserve1"`
	TotalShares    *uint256.Int  `json:"totalShares"`
	RootKLast      *uint256.Int  `json:"rootKLast"`
	ProtocolShares *uint256.Int  `json:"protocolShares"`
}

// View returns a copy of the committed pool state.
func (p *Pool) View() View {
	s := p.seenBy(nil)
	return View{
		ID:             p.id,
		Asset0:         p.asset0,
		Asset1:         p.asset1,
		FeeBps:         p.feeBps,
		CreatedAt:      p.createdAt,
		Active:         s.active,
		Reserve0:       engine.Clone(s.reserve0),
		Reserve1:       engine.Clone(s.reserve1),
		TotalShares:    engine.Clone(s.totalShares),
		RootKLast:      engine.Clone(s.rootKLast),
		ProtocolShares: engine.Clone(s.protocolShares),
	}
}

// NewFromView rebuilds a pool from its persisted form.
func NewFromView(v View, feeSource FeeSource) (*Pool, error) {
	p, err := New(Config{
		ID:        v.ID,
		Asset0:    v.Asset0,
		Asset1:    v.Asset1,
		FeeBps:    v.FeeBps,
		CreatedAt: v.CreatedAt,
		FeeSource: feeSource,
	})
	if err != nil {
		return nil, err
	}
	p.active = v.Active
	p.reserve0 = engine.Clone(v.Reserve0)
	p.reserve1 = engine.Clone(v.Reserve1)
	p.totalShares = engine.Clone(v.TotalShares)
	p.rootKLast = engine.Clone(v.RootKLast)
	p.protocolShares = engine.Clone(v.ProtocolShares)
	p.committed = p.current()
	p.assertFunded()
	return p, nil
}
