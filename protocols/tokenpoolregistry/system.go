package tokenpoolregistry

import (
	"sync"
	"sync/atomic"

	"github.com/defistate/flashliquidity-go/engine"
)

// TokenPoolSystem is a concurrency-safe layer over TokenPoolRegistry.
// Writes take a mutex; View reads a cached snapshot without locking.
type TokenPoolSystem struct {
	mu         sync.RWMutex
	registry   *TokenPoolRegistry
	cachedView atomic.Pointer[TokenPoolRegistryView]
}

func NewTokenPoolSystem() *TokenPoolSystem {
	s := &TokenPoolSystem{registry: NewTokenPoolRegistry()}
	s.cachedView.Store(s.registry.view())
	return s
}

// NewTokenPoolSystemFromView restores a system from a snapshot view.
func NewTokenPoolSystemFromView(view *TokenPoolRegistryView) *TokenPoolSystem {
	s := &TokenPoolSystem{registry: NewTokenPoolRegistryFromView(view)}
	s.cachedView.Store(s.registry.view())
	return s
}

// AddPool links a and b through poolID. Adding the same pool twice is a no-op.
func (s *TokenPoolSystem) AddPool(a, b engine.Asset, poolID engine.PoolID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.add(a, b, poolID)
	s.cachedView.Store(s.registry.view())
}

func (s *TokenPoolSystem) PoolsForPair(a, b engine.Asset) []engine.PoolID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.poolsForPair(a, b)
}

func (s *TokenPoolSystem) PoolsForToken(token engine.Asset) []engine.PoolID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.poolsForToken(token)
}

func (s *TokenPoolSystem) Neighbors(token engine.Asset) []engine.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.neighbors(token)
}

// Tokens lists every asset that belongs to at least one pool, in insertion order.
func (s *TokenPoolSystem) Tokens() []engine.Asset {
	return s.View().Tokens
}

// View returns a deep copy of the cached snapshot.
func (s *TokenPoolSystem) View() *TokenPoolRegistryView {
	cached := s.cachedView.Load()
	if cached == nil {
		return &TokenPoolRegistryView{}
	}
	return &TokenPoolRegistryView{
		Tokens:      append([]engine.Asset{}, cached.Tokens...),
		Pools:       append([]engine.PoolID{}, cached.Pools...),
		Adjacency:   copyNested(cached.Adjacency),
		EdgeTargets: append([]int{}, cached.EdgeTargets...),
		EdgePools:   copyNested(cached.EdgePools),
	}
}
