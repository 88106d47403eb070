package constantproduct

import (
	"fmt"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/protocols/constantproduct/calculator"
	"github.com/holiman/uint256"
)

// AddLiquidity deposits both assets from the Tx caller and mints LP shares to them.
//
// The first deposit mints isqrt(amount0*amount1) and sets the price. Later deposits must
// match the reserve ratio: one amount has to be the floor quote of the other.
func (p *Pool) AddLiquidity(tx *engine.Tx, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	if engine.IsZero(amount0) || engine.IsZero(amount1) {
		return nil, engine.ErrZeroAmount
	}
	if err := tx.Lock(LockKey(p.id)); err != nil {
		return nil, err
	}
	if !p.ActiveFor(tx) {
		return nil, fmt.Errorf("%w: %s", engine.ErrPoolInactive, p.id.Hex())
	}

	var minted *uint256.Int
	err := tx.Atomic(func() error {
		feeOn, err := p.mintProtocolFee(tx)
		if err != nil {
			return err
		}
		r0, r1, supply := p.state()

		var shares *uint256.Int
		if supply.IsZero() {
			shares = calculator.SqrtProduct(amount0, amount1)
		} else {
			if err := checkRatio(amount0, amount1, r0, r1); err != nil {
				return err
			}
			s0, overflow0 := new(uint256.Int).MulDivOverflow(amount0, supply, r0)
			s1, overflow1 := new(uint256.Int).MulDivOverflow(amount1, supply, r1)
			if overflow0 || overflow1 {
				return fmt.Errorf("%w: minted shares", engine.ErrOverflow)
			}
			shares = s0
			if s1.Lt(s0) {
				shares = s1
			}
		}
		if shares.IsZero() {
			return fmt.Errorf("%w: deposit too small to mint shares", engine.ErrInsufficientLiquidity)
		}

		new0, overflow0 := new(uint256.Int).AddOverflow(r0, amount0)
		new1, overflow1 := new(uint256.Int).AddOverflow(r1, amount1)
		newSupply, overflow2 := new(uint256.Int).AddOverflow(supply, shares)
		if overflow0 || overflow1 || overflow2 {
			return fmt.Errorf("%w: reserves after deposit", engine.ErrOverflow)
		}

		caller := tx.Caller()
		if err := tx.Transfer(caller, p.account, p.asset0, amount0); err != nil {
			return err
		}
		if err := tx.Transfer(caller, p.account, p.asset1, amount1); err != nil {
			return err
		}
		if err := tx.Mint(caller, p.LPToken(), shares); err != nil {
			return err
		}
		p.setState(tx, "pool.addLiquidity", new0, new1, newSupply)
		if feeOn {
			p.setField(tx, "pool.kLast", &p.rootKLast, calculator.SqrtProduct(new0, new1))
		}
		minted = shares
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// RemoveLiquidity burns shares of the Tx caller and pays out the proportional reserves.
// It is allowed on inactive pools so providers can always exit.
func (p *Pool) RemoveLiquidity(tx *engine.Tx, shares *uint256.Int) (amount0, amount1 *uint256.Int, err error) {
	if engine.IsZero(shares) {
		return nil, nil, engine.ErrZeroAmount
	}
	if err := tx.Lock(LockKey(p.id)); err != nil {
		return nil, nil, err
	}

	caller := tx.Caller()
	err = tx.Atomic(func() error {
		held := tx.BalanceOf(caller, p.LPToken())
		if held.Lt(shares) {
			return fmt.Errorf("%w: holds %s, burning %s", engine.ErrInsufficientShares, held.Dec(), shares.Dec())
		}
		feeOn, err := p.mintProtocolFee(tx)
		if err != nil {
			return err
		}
		r0, r1, supply := p.state()
		engine.Assert(!shares.Gt(supply), componentName, "pool %s: %s shares held out of supply %s",
			p.id.Hex(), shares.Dec(), supply.Dec())

		out0, _ := new(uint256.Int).MulDivOverflow(r0, shares, supply)
		out1, _ := new(uint256.Int).MulDivOverflow(r1, shares, supply)
		if out0.IsZero() || out1.IsZero() {
			return fmt.Errorf("%w: withdrawal rounds to zero", engine.ErrInsufficientLiquidity)
		}

		if err := tx.Burn(caller, p.LPToken(), shares); err != nil {
			return err
		}
		if err := tx.Transfer(p.account, caller, p.asset0, out0); err != nil {
			return err
		}
		if err := tx.Transfer(p.account, caller, p.asset1, out1); err != nil {
			return err
		}
		new0 := new(uint256.Int).Sub(r0, out0)
		new1 := new(uint256.Int).Sub(r1, out1)
		p.setState(tx, "pool.removeLiquidity", new0, new1, new(uint256.Int).Sub(supply, shares))
		if feeOn {
			p.setField(tx, "pool.kLast", &p.rootKLast, calculator.SqrtProduct(new0, new1))
		}
		amount0, amount1 = out0, out1
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

// checkRatio accepts a deposit when one side is the floor quote of the other.
func checkRatio(amount0, amount1, reserve0, reserve1 *uint256.Int) error {
	quote1, err := calculator.Quote(amount0, reserve0, reserve1)
	if err != nil {
		return err
	}
	if quote1.Eq(amount1) {
		return nil
	}
	quote0, err := calculator.Quote(amount1, reserve1, reserve0)
	if err != nil {
		return err
	}
	if quote0.Eq(amount0) {
		return nil
	}
	return fmt.Errorf("%w: %s/%s against reserves %s/%s", engine.ErrRatioMismatch,
		amount0.Dec(), amount1.Dec(), reserve0.Dec(), reserve1.Dec())
}

// mintProtocolFee mints the protocol's cut of the sqrt(k) growth since the last liquidity
// event as LP shares to the fee recipient:
//
//	shares = supply * (rootK - rootKLast) * bps / (rootK * (10000 - bps) + rootKLast * bps)
func (p *Pool) mintProtocolFee(tx *engine.Tx) (bool, error) {
	var (
		bps       uint16
		recipient engine.Account
	)
	if p.feeSource != nil {
		bps, recipient = p.feeSource.ProtocolFee()
	}
	p.mu.RLock()
	rootKLast := p.rootKLast
	p.mu.RUnlock()

	feeOn := bps > 0 && recipient != (engine.Account{})
	if !feeOn {
		if !rootKLast.IsZero() {
			p.setField(tx, "pool.kLast", &p.rootKLast, new(uint256.Int))
		}
		return false, nil
	}
	if rootKLast.IsZero() {
		return true, nil
	}

	r0, r1, supply := p.state()
	rootK := calculator.SqrtProduct(r0, r1)
	if !rootK.Gt(rootKLast) {
		return true, nil
	}

	bpsInt := uint256.NewInt(uint64(bps))
	growth := new(uint256.Int).Sub(rootK, rootKLast)
	if _, overflow := growth.MulOverflow(growth, bpsInt); overflow {
		return false, fmt.Errorf("%w: protocol fee numerator", engine.ErrOverflow)
	}
	denominator, overflow := new(uint256.Int).MulOverflow(rootK, uint256.NewInt(uint64(engine.BasisPoints-bps)))
	if overflow {
		return false, fmt.Errorf("%w: protocol fee denominator", engine.ErrOverflow)
	}
	lastPart, overflow := new(uint256.Int).MulOverflow(rootKLast, bpsInt)
	if overflow {
		return false, fmt.Errorf("%w: protocol fee denominator", engine.ErrOverflow)
	}
	if _, overflow := denominator.AddOverflow(denominator, lastPart); overflow {
		return false, fmt.Errorf("%w: protocol fee denominator", engine.ErrOverflow)
	}

	minted, overflow := new(uint256.Int).MulDivOverflow(supply, growth, denominator)
	if overflow {
		return false, fmt.Errorf("%w: protocol fee shares", engine.ErrOverflow)
	}
	if minted.IsZero() {
		return true, nil
	}
	if err := tx.Mint(recipient, p.LPToken(), minted); err != nil {
		return false, err
	}
	p.setState(tx, "pool.protocolFee", r0, r1, new(uint256.Int).Add(supply, minted))
	p.mu.RLock()
	total := new(uint256.Int).Add(p.protocolShares, minted)
	p.mu.RUnlock()
	p.setField(tx, "pool.protocolShares", &p.protocolShares, total)
	return true, nil
}

func (p *Pool) setField(tx *engine.Tx, label string, field **uint256.Int, value *uint256.Int) {
	p.mu.Lock()
	prev := *field
	*field = value
	p.mu.Unlock()
	tx.OnRollback(label, func() {
		p.mu.Lock()
		*field = prev
		p.mu.Unlock()
	})
	p.touch(tx)
}
