// Package tokenpoolregistry indexes which pools connect which assets as an adjacency graph.
package tokenpoolregistry

import (
	"sort"

	"github.com/defistate/flashliquidity-go/engine"
)

// TokenPoolRegistryView is a snapshot of the graph's core data structures.
type TokenPoolRegistryView struct {
	Tokens      []engine.Asset  `json:"tokens"`
	Pools       []engine.PoolID `json:"pools"`
	Adjacency   [][]int         `json:"adjacency"`
	EdgeTargets []int           `json:"edgeTargets"`
	EdgePools   [][]int         `json:"edgePools"`
}

// TokenPoolRegistry is a non-thread-safe graph of assets (nodes) and pools (edge labels).
// Every pool adds a pair of directed edges between its two assets.
type TokenPoolRegistry struct {
	tokenToIndex map[engine.Asset]int
	poolToIndex  map[engine.PoolID]int

	tokens      []engine.Asset
	pools       []engine.PoolID
	adjacency   [][]int
	edgeTargets []int
	edgePools   [][]int
}

func NewTokenPoolRegistry() *TokenPoolRegistry {
	return &TokenPoolRegistry{
		tokenToIndex: make(map[engine.Asset]int),
		poolToIndex:  make(map[engine.PoolID]int),
	}
}

// NewTokenPoolRegistryFromView reconstructs a registry from a view, deep-copying its slices.
func NewTokenPoolRegistryFromView(view *TokenPoolRegistryView) *TokenPoolRegistry {
	r := NewTokenPoolRegistry()
	r.tokens = append([]engine.Asset(nil), view.Tokens...)
	r.pools = append([]engine.PoolID(nil), view.Pools...)
	r.edgeTargets = append([]int(nil), view.EdgeTargets...)
	r.adjacency = copyNested(view.Adjacency)
	r.edgePools = copyNested(view.EdgePools)

	for i, token := range r.tokens {
		r.tokenToIndex[token] = i
	}
	for i, pool := range r.pools {
		r.poolToIndex[pool] = i
	}
	return r
}

func copyNested(in [][]int) [][]int {
	out := make([][]int, len(in))
	for i, inner := range in {
		if inner != nil {
			out[i] = append(make([]int, 0, len(inner)), inner...)
		}
	}
	return out
}

func (r *TokenPoolRegistry) tokenIndex(token engine.Asset) int {
	index, exists := r.tokenToIndex[token]
	if !exists {
		index = len(r.tokens)
		r.tokens = append(r.tokens, token)
		r.tokenToIndex[token] = index
		r.adjacency = append(r.adjacency, nil)
	}
	return index
}

// addEdge creates or extends the directed edge from -> to with poolIndex.
func (r *TokenPoolRegistry) addEdge(fromIndex, toIndex, poolIndex int) {
	for _, edgeIndex := range r.adjacency[fromIndex] {
		if r.edgeTargets[edgeIndex] == toIndex {
			for _, existing := range r.edgePools[edgeIndex] {
				if existing == poolIndex {
					return
				}
			}
			r.edgePools[edgeIndex] = append(r.edgePools[edgeIndex], poolIndex)
			return
		}
	}

	newEdgeIndex := len(r.edgeTargets)
	r.edgeTargets = append(r.edgeTargets, toIndex)
	r.edgePools = append(r.edgePools, []int{poolIndex})
	r.adjacency[fromIndex] = append(r.adjacency[fromIndex], newEdgeIndex)
}

// add connects both assets of a pool in each direction.
func (r *TokenPoolRegistry) add(a, b engine.Asset, poolID engine.PoolID) {
	aIndex := r.tokenIndex(a)
	bIndex := r.tokenIndex(b)
	poolIndex, exists := r.poolToIndex[poolID]
	if !exists {
		poolIndex = len(r.pools)
		r.pools = append(r.pools, poolID)
		r.poolToIndex[poolID] = poolIndex
	}
	r.addEdge(aIndex, bIndex, poolIndex)
	r.addEdge(bIndex, aIndex, poolIndex)
}

// poolsForPair returns the pools on the edge a -> b, ordered by pool id.
func (r *TokenPoolRegistry) poolsForPair(a, b engine.Asset) []engine.PoolID {
	aIndex, ok := r.tokenToIndex[a]
	if !ok {
		return nil
	}
	bIndex, ok := r.tokenToIndex[b]
	if !ok {
		return nil
	}
	for _, edgeIndex := range r.adjacency[aIndex] {
		if r.edgeTargets[edgeIndex] != bIndex {
			continue
		}
		out := make([]engine.PoolID, 0, len(r.edgePools[edgeIndex]))
		for _, poolIndex := range r.edgePools[edgeIndex] {
			out = append(out, r.pools[poolIndex])
		}
		sortPoolIDs(out)
		return out
	}
	return nil
}

// poolsForToken returns every pool containing token, ordered by pool id.
func (r *TokenPoolRegistry) poolsForToken(token engine.Asset) []engine.PoolID {
	tokenIndex, exists := r.tokenToIndex[token]
	if !exists {
		return nil
	}

	unique := make(map[engine.PoolID]struct{})
	for _, edgeIndex := range r.adjacency[tokenIndex] {
		for _, poolIndex := range r.edgePools[edgeIndex] {
			unique[r.pools[poolIndex]] = struct{}{}
		}
	}
	if len(unique) == 0 {
		return nil
	}
	out := make([]engine.PoolID, 0, len(unique))
	for poolID := range unique {
		out = append(out, poolID)
	}
	sortPoolIDs(out)
	return out
}

// neighbors returns the assets directly tradeable against token.
func (r *TokenPoolRegistry) neighbors(token engine.Asset) []engine.Asset {
	tokenIndex, exists := r.tokenToIndex[token]
	if !exists {
		return nil
	}
	out := make([]engine.Asset, 0, len(r.adjacency[tokenIndex]))
	for _, edgeIndex := range r.adjacency[tokenIndex] {
		out = append(out, r.tokens[r.edgeTargets[edgeIndex]])
	}
	return out
}

func (r *TokenPoolRegistry) view() *TokenPoolRegistryView {
	return &TokenPoolRegistryView{
		Tokens:      append([]engine.Asset{}, r.tokens...),
		Pools:       append([]engine.PoolID{}, r.pools...),
		Adjacency:   copyNested(r.adjacency),
		EdgeTargets: append([]int{}, r.edgeTargets...),
		EdgePools:   copyNested(r.edgePools),
	}
}

func sortPoolIDs(ids []engine.PoolID) {
	sort.Slice(ids, func(i, j int) bool { return engine.ComparePoolIDs(ids[i], ids[j]) < 0 })
}
