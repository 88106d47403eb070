package engine

import (
	"fmt"

	"github.com/holiman/uint256"
)

// BasisPoints is the number of basis points in 100%.
const BasisPoints = 10000

var basisPointDivisor = uint256.NewInt(BasisPoints)

// BasisPointDivisor returns 10000 as a fresh *uint256.Int.
func BasisPointDivisor() *uint256.Int {
	return new(uint256.Int).Set(basisPointDivisor)
}

// IsZero treats a nil amount as zero.
func IsZero(amount *uint256.Int) bool {
	return amount == nil || amount.IsZero()
}

// Clone returns a copy of amount, or zero for nil.
func Clone(amount *uint256.Int) *uint256.Int {
	if amount == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(amount)
}

// MulBps returns floor(amount * bps / 10000).
func MulBps(amount *uint256.Int, bps uint16) (*uint256.Int, error) {
	if bps > BasisPoints {
		return nil, fmt.Errorf("%w: %d bps", ErrInvalidFee, bps)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(Clone(amount), uint256.NewInt(uint64(bps)), basisPointDivisor)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// DeductBps returns floor(amount * (10000 - bps) / 10000).
func DeductBps(amount *uint256.Int, bps uint16) (*uint256.Int, error) {
	if bps > BasisPoints {
		return nil, fmt.Errorf("%w: %d bps", ErrInvalidFee, bps)
	}
	return MulBps(amount, BasisPoints-bps)
}
