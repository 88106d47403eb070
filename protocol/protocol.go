// Package protocol wires the pool registry, the router and the flash-loan module into one
// store that executes calls atomically against an external Ledger.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/flashloan"
	"github.com/defistate/flashliquidity-go/lockmap"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/defistate/flashliquidity-go/router"
	"github.com/defistate/flashliquidity-go/snapshot"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Names of the borrowers every protocol instance registers.
const (
	BorrowerRepay     = "repay"
	BorrowerArbitrage = "arbitrage"
)

type RegistryConfig struct {
	FeeRecipient   engine.Account `yaml:"feeRecipient"`
	ProtocolFeeBps uint16         `yaml:"protocolFeeBps"`
	MinFeeBps      uint16         `yaml:"minFeeBps"`
	MaxFeeBps      uint16         `yaml:"maxFeeBps"`
	MultiTier      bool           `yaml:"multiTier"`
}

type RouterConfig struct {
	Account engine.Account `yaml:"account"`
	FeeBps  uint16         `yaml:"feeBps"`
}

type FlashConfig struct {
	Account   engine.Account `yaml:"account"`
	FeeBps    uint16         `yaml:"feeBps"`
	Supported []engine.Asset `yaml:"supported"`
}

// Config holds everything needed to build a Protocol.
type Config struct {
	// Owner administers the registry and the flash-loan module.
	Owner    engine.Account
	Registry RegistryConfig
	Router   RouterConfig
	Flash    FlashConfig

	Ledger engine.Ledger
	Clock  engine.Clock
	// LockWait bounds waits on a second resource within one call. Zero selects the default.
	LockWait time.Duration

	Metrics prometheus.Registerer
	Logger  engine.Logger
}

func (c *Config) validate() error {
	if c.Owner == (engine.Account{}) {
		return errors.New("protocol config: Owner cannot be zero")
	}
	if c.Ledger == nil {
		return errors.New("protocol config: Ledger cannot be nil")
	}
	if c.Metrics == nil {
		return errors.New("protocol config: Metrics cannot be nil")
	}
	if c.Clock == nil {
		c.Clock = engine.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Protocol is the explicit store every operation runs against. It holds no hidden globals:
// two instances never share state.
type Protocol struct {
	owner    engine.Account
	ledger   engine.Ledger
	clock    engine.Clock
	lockWait time.Duration
	logger   engine.Logger
	metrics  *Metrics
	locks    *lockmap.Lockmap

	registry *poolregistry.Registry
	router   *router.Router
	flash    *flashloan.Module
	paths    *router.PathFinder

	components map[engine.Op]engine.Component

	// calls hold gate for reading; Snapshot holds it exclusively so it never sees a call half done.
	gate     sync.RWMutex
	sequence atomic.Uint64
}

// New builds an empty protocol.
func New(cfg Config) (*Protocol, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	reg, err := poolregistry.New(poolregistry.Config{
		Owner:          cfg.Owner,
		FeeRecipient:   cfg.Registry.FeeRecipient,
		ProtocolFeeBps: cfg.Registry.ProtocolFeeBps,
		MinFeeBps:      cfg.Registry.MinFeeBps,
		MaxFeeBps:      cfg.Registry.MaxFeeBps,
		MultiTier:      cfg.Registry.MultiTier,
		Logger:         component(cfg.Logger, "registry"),
	})
	if err != nil {
		return nil, err
	}
	metrics := NewMetrics(cfg.Metrics)
	flash, err := flashloan.New(flashloan.Config{
		Account:   cfg.Flash.Account,
		Owner:     cfg.Owner,
		FeeBps:    cfg.Flash.FeeBps,
		Supported: cfg.Flash.Supported,
		Logger:    component(cfg.Logger, "flashloan"),
		Observer:  metrics.observeTransition,
	})
	if err != nil {
		return nil, err
	}
	return assemble(cfg, metrics, reg, flash, nil)
}

// NewFromSnapshot rebuilds a protocol from a persisted state. Ledger balances in the state
// are not loaded; the caller supplies a ledger already holding them.
func NewFromSnapshot(cfg Config, state *snapshot.State) (*Protocol, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if state.Registry.Meta.Owner != cfg.Owner || state.Flash.Owner != cfg.Owner {
		return nil, fmt.Errorf("restore protocol: snapshot owner does not match %s", cfg.Owner.Hex())
	}
	reg, err := poolregistry.NewFromView(state.Registry, component(cfg.Logger, "registry"))
	if err != nil {
		return nil, err
	}
	metrics := NewMetrics(cfg.Metrics)
	flash, err := flashloan.NewFromView(state.Flash, component(cfg.Logger, "flashloan"), metrics.observeTransition)
	if err != nil {
		return nil, err
	}
	p, err := assemble(cfg, metrics, reg, flash, &state.Router)
	if err != nil {
		return nil, err
	}
	p.sequence.Store(state.Sequence)
	metrics.sequence.Set(float64(state.Sequence))
	return p, nil
}

func assemble(cfg Config, metrics *Metrics, reg *poolregistry.Registry, flash *flashloan.Module, stats *router.Stats) (*Protocol, error) {
	rt, err := router.New(router.Config{
		Account:  cfg.Router.Account,
		FeeBps:   cfg.Router.FeeBps,
		Registry: reg,
		Logger:   component(cfg.Logger, "router"),
	})
	if err != nil {
		return nil, err
	}
	if stats != nil {
		rt.RestoreStats(*stats)
	}
	paths, err := router.NewPathFinder(rt, reg)
	if err != nil {
		return nil, err
	}

	p := &Protocol{
		owner:      cfg.Owner,
		ledger:     cfg.Ledger,
		clock:      cfg.Clock,
		lockWait:   cfg.LockWait,
		logger:     cfg.Logger,
		metrics:    metrics,
		locks:      lockmap.New(64),
		registry:   reg,
		router:     rt,
		flash:      flash,
		paths:      paths,
		components: make(map[engine.Op]engine.Component),
	}
	for _, c := range []engine.Component{reg, rt, flash} {
		for _, op := range c.Ops() {
			p.components[op] = c
		}
	}
	if err := flash.RegisterBorrower(BorrowerRepay, flashloan.RepayBorrower{}); err != nil {
		return nil, err
	}
	if err := flash.RegisterBorrower(BorrowerArbitrage, &router.ArbitrageBorrower{Router: rt}); err != nil {
		return nil, err
	}
	return p, nil
}

// component scopes a logger when it supports slog-style With.
func component(l engine.Logger, name string) engine.Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With("component", name)
	}
	return l
}

func (p *Protocol) Owner() engine.Account             { return p.owner }
func (p *Protocol) Registry() *poolregistry.Registry { return p.registry }
func (p *Protocol) Router() *router.Router           { return p.router }
func (p *Protocol) Flash() *flashloan.Module         { return p.flash }
func (p *Protocol) Ledger() engine.Ledger            { return p.ledger }

// Sequence is the number of calls committed so far.
func (p *Protocol) Sequence() uint64 { return p.sequence.Load() }

// RegisterBorrower makes b available to flash-loan calls under name.
func (p *Protocol) RegisterBorrower(name string, b flashloan.Borrower) error {
	return p.flash.RegisterBorrower(name, b)
}

// resolve finds the component serving call. Pool operations go to the pool named by Target.
func (p *Protocol) resolve(call engine.Call) (engine.Component, error) {
	switch call.Op {
	case engine.OpPoolGetAmountOut, engine.OpSwap, engine.OpAddLiquidity, engine.OpRemoveLiquidity:
		pool, err := p.registry.Pool(call.Target)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
	c, ok := p.components[call.Op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operation %q", engine.ErrInvalidCall, call.Op)
	}
	return c, nil
}

// Execute runs call as one atomic unit: it either commits every effect or none.
//
// A broken internal invariant aborts the call with an error wrapping engine.ErrInternal
// instead of crashing the process; any other panic is re-raised after the call is rolled back.
func (p *Protocol) Execute(ctx context.Context, call engine.Call) (out engine.Outcome) {
	start := time.Now()
	p.gate.RLock()
	defer p.gate.RUnlock()
	defer func() {
		p.metrics.observeCall(call.Op, out.Err, time.Since(start))
	}()

	c, err := p.resolve(call)
	if err != nil {
		return p.fail(call, err)
	}
	tx, err := engine.NewTx(ctx, engine.TxConfig{
		Caller:   call.Caller,
		Clock:    p.clock,
		Ledger:   p.ledger,
		Locks:    p.locks,
		LockWait: p.lockWait,
	})
	if err != nil {
		return p.fail(call, err)
	}

	value, err := p.invoke(tx, c, call)
	if err != nil {
		tx.Discard()
		return p.fail(call, err)
	}
	if err := tx.Commit(); err != nil {
		return p.fail(call, err)
	}
	seq := p.sequence.Add(1)
	p.metrics.sequence.Set(float64(seq))
	p.logger.Debug("call committed", "op", call.Op, "caller", call.Caller.Hex(), "component", c.Name(), "sequence", seq)
	return engine.Outcome{Value: value}
}

func (p *Protocol) invoke(tx *engine.Tx, c engine.Component, call engine.Call) (value any, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var iv *engine.InvariantViolation
		if e, ok := r.(error); ok && errors.As(e, &iv) {
			p.metrics.invariantFailures.Inc()
			value, err = nil, iv
			return
		}
		tx.Discard()
		panic(r)
	}()
	return c.Invoke(tx, call)
}

func (p *Protocol) fail(call engine.Call, err error) engine.Outcome {
	kind := engine.Classify(err)
	switch kind {
	case engine.KindInternal:
		p.logger.Error("call aborted", "op", call.Op, "caller", call.Caller.Hex(), "error", err)
	default:
		p.logger.Debug("call failed", "op", call.Op, "caller", call.Caller.Hex(), "kind", kind.String(), "error", err)
	}
	return engine.Outcome{Err: err}
}

// Snapshot returns a consistent state of every component. It waits for in-flight calls.
func (p *Protocol) Snapshot() *snapshot.State {
	p.gate.Lock()
	defer p.gate.Unlock()
	state := &snapshot.State{
		Sequence:  p.sequence.Load(),
		Timestamp: uint64(time.Now().UnixNano()),
		Registry:  p.registry.View(),
		Flash:     p.flash.View(),
		Router:    p.router.Stats(),
	}
	if v, ok := p.ledger.(snapshot.LedgerViewer); ok {
		state.Ledger = v.View()
	}
	return state
}

// FindBestPath searches routed paths of at most maxHops swaps; tokenIn == tokenOut searches
// arbitrage cycles. It reads state between calls and commits nothing.
func (p *Protocol) FindBestPath(tokenIn, tokenOut engine.Asset, amountIn *uint256.Int, maxHops int) (router.Path, error) {
	p.gate.Lock()
	defer p.gate.Unlock()
	return p.paths.FindBestPath(tokenIn, tokenOut, amountIn, maxHops)
}

// Pool exposes a registered pool for read-only inspection.
func (p *Protocol) Pool(id engine.PoolID) (*constantproduct.Pool, error) {
	return p.registry.Pool(id)
}
