package engine

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Asset identifies a fungible token held in the Ledger.
type Asset = common.Address

// Account identifies a balance holder: a user, a pool, a router or the flash-loan module.
type Account = common.Address

// PoolID is the canonical identifier of a pool, derived from its ordered asset pair.
type PoolID = common.Hash

// SortAssets returns a and b in canonical order (ascending byte order).
func SortAssets(a, b Asset) (Asset, Asset) {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return a, b
	}
	return b, a
}

// ComparePoolIDs orders pool identifiers; lower IDs win ties during route selection.
func ComparePoolIDs(a, b PoolID) int {
	return bytes.Compare(a[:], b[:])
}

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Op names an operation of the call-based interface.
type Op string

const (
	OpRegisterPool      Op = "registerPool"
	OpAuthorizeRouter   Op = "authorizeRouter"
	OpRevokeRouter      Op = "revokeRouter"
	OpSetPoolStatus     Op = "setPoolStatus"
	OpSetProtocolFee    Op = "setProtocolFee"
	OpGetPoolByTokens   Op = "getPoolByTokens"
	OpPoolGetAmountOut  Op = "pool.getAmountOut"
	OpSwap              Op = "swap"
	OpAddLiquidity      Op = "addLiquidity"
	OpRemoveLiquidity   Op = "removeLiquidity"
	OpRouterGetAmount   Op = "router.getAmountOut"
	OpGetBestRoute      Op = "router.getBestRoute"
	OpSwapExactTokens   Op = "router.swapExactTokensForTokens"
	OpMaxFlashLoan      Op = "maxFlashLoan"
	OpFlashFee          Op = "flashFee"
	OpFlashLoan         Op = "flashLoan"
	OpDepositLiquidity  Op = "depositLiquidity"
	OpWithdrawLiquidity Op = "withdrawLiquidity"
	OpAddSupportedToken Op = "addSupportedToken"
)

// Call is a submitted request: which operation, on whose behalf, with which parameters.
// Target selects the pool for pool-level operations and is ignored otherwise.
type Call struct {
	Caller Account `json:"caller"`
	Op     Op      `json:"op"`
	Target PoolID  `json:"target,omitempty"`
	Params any     `json:"params,omitempty"`
}

// Outcome is the structured result of a Call: either a value or a typed error.
type Outcome struct {
	Value any   `json:"value,omitempty"`
	Err   error `json:"-"`
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Component is implemented by every part of the protocol that can serve calls.
type Component interface {
	// Name is a stable label used in logs and metrics.
	Name() string
	// Ops lists the operations the component serves.
	Ops() []Op
	// Invoke executes a call inside tx. Params type mismatches return ErrInvalidCall.
	Invoke(tx *Tx, call Call) (any, error)
}

// ParamsAs extracts call parameters of type T, accepting either T or *T.
func ParamsAs[T any](call Call) (T, error) {
	var zero T
	switch p := call.Params.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	}
	return zero, fmt.Errorf("%w: %s expects %T params, got %T", ErrInvalidCall, call.Op, zero, call.Params)
}
