package router

import (
	"errors"
	"fmt"

	"github.com/defistate/flashliquidity-go/bitset"
	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/poolregistry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxHops bounds the length of a searched path.
const MaxHops = 4

// Graph is the asset adjacency a PathFinder walks.
type Graph interface {
	Tokens() []engine.Asset
	Neighbors(asset engine.Asset) []engine.Asset
}

var _ Graph = (*poolregistry.Registry)(nil)

// Hop is one routed swap of a path.
type Hop struct {
	TokenIn   engine.Asset  `json:"tokenIn"`
	TokenOut  engine.Asset  `json:"tokenOut"`
	Pool      engine.PoolID `json:"pool"`
	AmountOut *uint256.Int  `json:"amountOut"`
}

// Path is a chain of router swaps and the amount it is quoted to deliver.
type Path struct {
	Hops      []Hop        `json:"hops"`
	AmountIn  *uint256.Int `json:"amountIn"`
	AmountOut *uint256.Int `json:"amountOut"`
}

// Assets lists the assets visited by the path, first input to last output.
func (p Path) Assets() []common.Address {
	if len(p.Hops) == 0 {
		return nil
	}
	out := make([]common.Address, 0, len(p.Hops)+1)
	out = append(out, p.Hops[0].TokenIn)
	for _, h := range p.Hops {
		out = append(out, h.TokenOut)
	}
	return out
}

// Profit returns AmountOut - AmountIn for a cycle, or zero when the cycle loses.
func (p Path) Profit() *uint256.Int {
	if p.AmountOut == nil || p.AmountIn == nil || !p.AmountOut.Gt(p.AmountIn) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(p.AmountOut, p.AmountIn)
}

// pathState holds the working set of one search.
type pathState struct {
	start   int
	current int
	cycle   bool
	maxHops int
	paths   [][]Hop         // vertex index -> path
	costs   []*uint256.Int  // vertex index -> best amount reaching it
	known   []bitset.BitSet // vertex index -> vertices already on its path
	best    []Hop           // best cycle back to start
	bestOut *uint256.Int
}

// PathFinder searches multi-hop routes through the pools a router may use. Every hop is
// quoted with GetBestRoute, so amounts are net of the router fee.
type PathFinder struct {
	router *Router
	graph  Graph
}

func NewPathFinder(r *Router, g Graph) (*PathFinder, error) {
	if r == nil || g == nil {
		return nil, errors.New("path finder: router and graph are required")
	}
	return &PathFinder{router: r, graph: g}, nil
}

// FindBestPath returns the path of at most maxHops swaps that turns amountIn of tokenIn into
// the most tokenOut. When tokenIn equals tokenOut it searches cycles of two hops or more,
// which is how arbitrage plans are found.
func (f *PathFinder) FindBestPath(tokenIn, tokenOut engine.Asset, amountIn *uint256.Int, maxHops int) (Path, error) {
	if engine.IsZero(amountIn) {
		return Path{}, engine.ErrZeroAmount
	}
	if maxHops < 1 || maxHops > MaxHops {
		return Path{}, fmt.Errorf("%w: max hops %d outside 1..%d", engine.ErrInvalidCall, maxHops, MaxHops)
	}

	tokens := f.graph.Tokens()
	index := make(map[engine.Asset]int, len(tokens))
	for i, t := range tokens {
		index[t] = i
	}
	startIndex, ok := index[tokenIn]
	if !ok {
		return Path{}, fmt.Errorf("%w: no pool holds %s", engine.ErrPoolNotFound, tokenIn.Hex())
	}
	endIndex, ok := index[tokenOut]
	if !ok {
		return Path{}, fmt.Errorf("%w: no pool holds %s", engine.ErrPoolNotFound, tokenOut.Hex())
	}

	state := &pathState{
		start:   startIndex,
		cycle:   startIndex == endIndex,
		maxHops: maxHops,
		paths:   make([][]Hop, len(tokens)),
		costs:   make([]*uint256.Int, len(tokens)),
		known:   make([]bitset.BitSet, len(tokens)),
	}
	for i := range tokens {
		state.known[i] = bitset.NewBitSet(uint64(len(tokens)))
		state.costs[i] = new(uint256.Int)
	}
	state.costs[startIndex].Set(amountIn)

	for run := 0; run < maxHops; run++ {
		for j := range tokens {
			if state.costs[j].IsZero() {
				continue
			}
			state.current = j
			if err := f.relax(state, tokens, index); err != nil {
				return Path{}, err
			}
		}
	}

	hops, out := state.paths[endIndex], state.costs[endIndex]
	if state.cycle {
		hops, out = state.best, state.bestOut
	}
	if len(hops) == 0 {
		return Path{}, fmt.Errorf("%w: no route %s -> %s within %d hops", engine.ErrPoolNotFound, tokenIn.Hex(), tokenOut.Hex(), maxHops)
	}
	return Path{Hops: hops, AmountIn: engine.Clone(amountIn), AmountOut: engine.Clone(out)}, nil
}

// relax extends the best path to the current vertex by one hop to each neighbor.
func (f *PathFinder) relax(state *pathState, tokens []engine.Asset, index map[engine.Asset]int) error {
	currentIndex := state.current
	currentCost := state.costs[currentIndex]
	currentKnown := state.known[currentIndex]
	currentPath := state.paths[currentIndex]
	currentToken := tokens[currentIndex]

	if currentKnown.IsSet(uint64(currentIndex)) {
		return fmt.Errorf("%w: cycle detected in path history", engine.ErrInternal)
	}
	if len(currentPath) >= state.maxHops {
		return nil
	}

	for _, target := range f.graph.Neighbors(currentToken) {
		targetIndex, ok := index[target]
		if !ok {
			continue
		}
		closesCycle := state.cycle && targetIndex == state.start && len(currentPath) > 0
		if currentKnown.IsSet(uint64(targetIndex)) && !closesCycle {
			continue
		}
		if targetIndex == state.start && !closesCycle {
			continue
		}

		q, err := f.router.GetBestRoute(currentToken, target, currentCost)
		if err != nil {
			continue
		}
		hop := Hop{TokenIn: currentToken, TokenOut: target, Pool: q.Pool, AmountOut: q.AmountOut}

		if closesCycle {
			if state.bestOut == nil || q.AmountOut.Gt(state.bestOut) {
				state.bestOut = q.AmountOut
				state.best = extend(currentPath, hop)
			}
			continue
		}
		if q.AmountOut.Gt(state.costs[targetIndex]) {
			state.costs[targetIndex].Set(q.AmountOut)
			state.paths[targetIndex] = extend(currentPath, hop)
			state.known[targetIndex].SetFrom(currentKnown)
			state.known[targetIndex].Set(uint64(currentIndex))
		}
	}
	return nil
}

func extend(path []Hop, hop Hop) []Hop {
	out := make([]Hop, len(path)+1)
	copy(out, path)
	out[len(path)] = hop
	return out
}
