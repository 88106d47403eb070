package server

import (
	"errors"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC error codes, one per error kind.
const (
	CodeValidation = -32602
	CodeRejection  = -32000
	CodeInternal   = -32603
)

// ErrStreamUnavailable is returned to subscribers when the server runs without a streamer.
var ErrStreamUnavailable = errors.New("state stream not available")

// callError carries the kind of a protocol error across the wire.
type callError struct {
	err  error
	kind engine.Kind
}

var (
	_ rpc.Error     = (*callError)(nil)
	_ rpc.DataError = (*callError)(nil)
)

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

func (e *callError) ErrorCode() int {
	switch e.kind {
	case engine.KindValidation:
		return CodeValidation
	case engine.KindInternal:
		return CodeInternal
	default:
		return CodeRejection
	}
}

// ErrorData is the error kind, so clients can react without parsing messages.
func (e *callError) ErrorData() interface{} { return e.kind.String() }

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return &callError{err: err, kind: engine.Classify(err)}
}

// KindOf recovers the error kind from an error returned by an rpc client call.
func KindOf(err error) engine.Kind {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return engine.Classify(err)
	}
	s, _ := de.ErrorData().(string)
	for _, k := range []engine.Kind{engine.KindValidation, engine.KindRejection, engine.KindInternal} {
		if k.String() == s {
			return k
		}
	}
	return engine.KindRejection
}
