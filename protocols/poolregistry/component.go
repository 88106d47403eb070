package poolregistry

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
)

type RegisterPoolParams struct {
	AssetA engine.Asset `json:"assetA"`
	AssetB engine.Asset `json:"assetB"`
	FeeBps uint16       `json:"feeBps"`
}

// RouterGrantParams are shared by authorizeRouter and revokeRouter.
type RouterGrantParams struct {
	Router engine.Account `json:"router"`
	Pool   engine.PoolID  `json:"pool"`
}

type SetPoolStatusParams struct {
	Pool   engine.PoolID `json:"pool"`
	Active bool          `json:"active"`
}

type SetProtocolFeeParams struct {
	Bps       uint16         `json:"bps"`
	Recipient engine.Account `json:"recipient"`
}

type PairParams struct {
	AssetA engine.Asset `json:"assetA"`
	AssetB engine.Asset `json:"assetB"`
}

var registryOps = []engine.Op{
	engine.OpRegisterPool,
	engine.OpAuthorizeRouter,
	engine.OpRevokeRouter,
	engine.OpSetPoolStatus,
	engine.OpSetProtocolFee,
	engine.OpGetPoolByTokens,
}

func (r *Registry) Name() string     { return componentName }
func (r *Registry) Ops() []engine.Op { return registryOps }

func (r *Registry) Invoke(tx *engine.Tx, call engine.Call) (any, error) {
	switch call.Op {
	case engine.OpRegisterPool:
		p, err := engine.ParamsAs[RegisterPoolParams](call)
		if err != nil {
			return nil, err
		}
		return r.RegisterPool(tx, p.AssetA, p.AssetB, p.FeeBps)
	case engine.OpAuthorizeRouter:
		p, err := engine.ParamsAs[RouterGrantParams](call)
		if err != nil {
			return nil, err
		}
		return nil, r.AuthorizeRouter(tx, p.Router, p.Pool)
	case engine.OpRevokeRouter:
		p, err := engine.ParamsAs[RouterGrantParams](call)
		if err != nil {
			return nil, err
		}
		return nil, r.RevokeRouter(tx, p.Router, p.Pool)
	case engine.OpSetPoolStatus:
		p, err := engine.ParamsAs[SetPoolStatusParams](call)
		if err != nil {
			return nil, err
		}
		return nil, r.SetPoolStatus(tx, p.Pool, p.Active)
	case engine.OpSetProtocolFee:
		p, err := engine.ParamsAs[SetProtocolFeeParams](call)
		if err != nil {
			return nil, err
		}
		return nil, r.SetProtocolFee(tx, p.Bps, p.Recipient)
	case engine.OpGetPoolByTokens:
		p, err := engine.ParamsAs[PairParams](call)
		if err != nil {
			return nil, err
		}
		return r.GetPoolByTokens(p.AssetA, p.AssetB)
	}
	return nil, fmt.Errorf("%w: %s not served by %s", engine.ErrInvalidCall, call.Op, componentName)
}
