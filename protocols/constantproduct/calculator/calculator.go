// Package calculator implements the constant-product pricing formulas on exact 256-bit integers.
// Every division truncates, so rounding always favours the pool.
package calculator

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/holiman/uint256"
)

var (
	basisPointDivisor = uint256.NewInt(engine.BasisPoints)
	one               = uint256.NewInt(1)
)

// Calculator holds reusable scratch integers to avoid allocations during calculations.
// Instances are NOT safe for concurrent use by themselves; they are handed out by calculatorPool.
type Calculator struct {
	feeMultiplier   uint256.Int
	amountInWithFee uint256.Int
	denominator     uint256.Int

	numeratorIn   uint256.Int
	denominatorIn uint256.Int
}

var calculatorPool = sync.Pool{
	New: func() any {
		return new(Calculator)
	},
}

func feeMultiplier(dst *uint256.Int, feeBps uint16) (*uint256.Int, error) {
	if feeBps >= engine.BasisPoints {
		return nil, fmt.Errorf("%w: %d bps", engine.ErrInvalidFee, feeBps)
	}
	return dst.SetUint64(uint64(engine.BasisPoints - feeBps)), nil
}

// GetAmountOut returns the output of selling amountIn into a pool with the given reserves:
//
//	amountInWithFee = amountIn * (10000 - feeBps)
//	amountOut = reserveOut * amountInWithFee / (reserveIn * 10000 + amountInWithFee)
func GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint16) (*uint256.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.getAmountOut(amountIn, reserveIn, reserveOut, feeBps)
}

// GetAmountIn returns the smallest input whose GetAmountOut is at least amountOut.
func GetAmountIn(amountOut, reserveIn, reserveOut *uint256.Int, feeBps uint16) (*uint256.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.getAmountIn(amountOut, reserveIn, reserveOut, feeBps)
}

// SimulateSwap returns the output of a swap together with the reserves it would leave behind.
func SimulateSwap(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint16) (amountOut, newReserveIn, newReserveOut *uint256.Int, err error) {
	amountOut, err = GetAmountOut(amountIn, reserveIn, reserveOut, feeBps)
	if err != nil {
		return nil, nil, nil, err
	}
	newReserveIn, overflow := new(uint256.Int).AddOverflow(reserveIn, amountIn)
	if overflow {
		return nil, nil, nil, fmt.Errorf("%w: reserve after swap", engine.ErrOverflow)
	}
	newReserveOut = new(uint256.Int).Sub(reserveOut, amountOut)
	return amountOut, newReserveIn, newReserveOut, nil
}

func (c *Calculator) getAmountOut(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint16) (*uint256.Int, error) {
	if engine.IsZero(amountIn) {
		return nil, engine.ErrZeroAmount
	}
	if engine.IsZero(reserveIn) || engine.IsZero(reserveOut) {
		return nil, engine.ErrInsufficientLiquidity
	}
	if _, err := feeMultiplier(&c.feeMultiplier, feeBps); err != nil {
		return nil, err
	}

	if _, overflow := c.amountInWithFee.MulOverflow(amountIn, &c.feeMultiplier); overflow {
		return nil, fmt.Errorf("%w: amountIn * feeMultiplier", engine.ErrOverflow)
	}
	if _, overflow := c.denominator.MulOverflow(reserveIn, basisPointDivisor); overflow {
		return nil, fmt.Errorf("%w: reserveIn * 10000", engine.ErrOverflow)
	}
	if _, overflow := c.denominator.AddOverflow(&c.denominator, &c.amountInWithFee); overflow {
		return nil, fmt.Errorf("%w: denominator", engine.ErrOverflow)
	}

	// the product reserveOut * amountInWithFee is carried at 512 bits; the quotient is below reserveOut
	amountOut, _ := new(uint256.Int).MulDivOverflow(reserveOut, &c.amountInWithFee, &c.denominator)
	return amountOut, nil
}

func (c *Calculator) getAmountIn(amountOut, reserveIn, reserveOut *uint256.Int, feeBps uint16) (*uint256.Int, error) {
	if engine.IsZero(amountOut) {
		return nil, engine.ErrZeroAmount
	}
	if engine.IsZero(reserveIn) || engine.IsZero(reserveOut) || amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: requested amountOut (%s) is >= reserveOut (%s)", engine.ErrInsufficientLiquidity, amountOut.Dec(), engine.Clone(reserveOut).Dec())
	}
	if _, err := feeMultiplier(&c.feeMultiplier, feeBps); err != nil {
		return nil, err
	}

	// amountIn = reserveIn * amountOut * 10000 / ((reserveOut - amountOut) * (10000 - fee)) + 1
	if _, overflow := c.numeratorIn.MulOverflow(reserveIn, basisPointDivisor); overflow {
		return nil, fmt.Errorf("%w: reserveIn * 10000", engine.ErrOverflow)
	}
	c.denominatorIn.Sub(reserveOut, amountOut)
	if _, overflow := c.denominatorIn.MulOverflow(&c.denominatorIn, &c.feeMultiplier); overflow {
		return nil, fmt.Errorf("%w: denominator", engine.ErrOverflow)
	}

	amountIn, overflow := new(uint256.Int).MulDivOverflow(&c.numeratorIn, amountOut, &c.denominatorIn)
	if overflow {
		return nil, fmt.Errorf("%w: amountIn", engine.ErrOverflow)
	}
	if _, overflow := amountIn.AddOverflow(amountIn, one); overflow {
		return nil, fmt.Errorf("%w: amountIn", engine.ErrOverflow)
	}
	return amountIn, nil
}

// Quote returns amountA priced in B at the current reserve ratio, without fees.
func Quote(amountA, reserveA, reserveB *uint256.Int) (*uint256.Int, error) {
	if engine.IsZero(amountA) {
		return nil, engine.ErrZeroAmount
	}
	if engine.IsZero(reserveA) || engine.IsZero(reserveB) {
		return nil, engine.ErrInsufficientLiquidity
	}
	amountB, overflow := new(uint256.Int).MulDivOverflow(amountA, reserveB, reserveA)
	if overflow {
		return nil, fmt.Errorf("%w: quote", engine.ErrOverflow)
	}
	return amountB, nil
}

// Sqrt returns floor(sqrt(x)).
func Sqrt(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sqrt(engine.Clone(x))
}

// SqrtProduct returns floor(sqrt(a * b)) with the product carried at 512 bits.
func SqrtProduct(a, b *uint256.Int) *uint256.Int {
	if product, overflow := new(uint256.Int).MulOverflow(engine.Clone(a), engine.Clone(b)); !overflow {
		return product.Sqrt(product)
	}
	p := new(big.Int).Mul(a.ToBig(), b.ToBig())
	root, _ := uint256.FromBig(p.Sqrt(p))
	return root
}

// Product returns a * b as a big.Int; two 256-bit reserves can need 512 bits.
func Product(a, b *uint256.Int) *big.Int {
	return new(big.Int).Mul(engine.Clone(a).ToBig(), engine.Clone(b).ToBig())
}

// ProductNonDecreasing reports whether after0*after1 >= before0*before1.
func ProductNonDecreasing(before0, before1, after0, after1 *uint256.Int) bool {
	return Product(after0, after1).Cmp(Product(before0, before1)) >= 0
}
