package math

import (
	"math/big"
)

// ScaleFraction multiplies num/den by rnum/rden exactly, then shrinks the
// reduced result until both terms fit in MaxShareSupply. When shrinking was
// needed, the single-term approximation (n/1 or 1/d) is preferred if it is
// closer to the exact value. approximated reports whether the returned
// fraction differs from the exact product.
func ScaleFraction(num, den, rnum, rden int64) (n, d int64, approximated bool) {
	exact := new(big.Rat).SetFrac(big.NewInt(num), big.NewInt(den))
	exact.Mul(exact, new(big.Rat).SetFrac(big.NewInt(rnum), big.NewInt(rden)))

	limit := getBig().SetInt64(MaxShareSupply)
	defer putBig(limit)
	one := big.NewInt(1)

	bn := new(big.Int).Set(exact.Num())
	bd := new(big.Int).Set(exact.Denom())

	shrunk := false
	for bn.Cmp(limit) > 0 || bd.Cmp(limit) > 0 {
		if bn.Cmp(one) == 0 {
			bd.Set(limit)
			return 1, MaxShareSupply, true
		}
		if bd.Cmp(one) == 0 {
			return MaxShareSupply, 1, true
		}
		bn.Rsh(bn, 1)
		bd.Rsh(bd, 1)
		shrunk = true
	}
	if !shrunk {
		return bn.Int64(), bd.Int64(), false
	}

	// single-term candidate
	cn := getBig()
	cd := getBig()
	defer putBig(cn)
	defer putBig(cd)
	if exact.Num().Cmp(exact.Denom()) > 0 {
		cn.Quo(exact.Num(), exact.Denom())
		if cn.Cmp(limit) > 0 {
			cn.Set(limit)
		}
		cd.SetInt64(1)
	} else {
		cd.Quo(exact.Denom(), exact.Num())
		if cd.Cmp(limit) > 0 {
			cd.Set(limit)
		}
		cn.SetInt64(1)
	}
	if cn.Cmp(limit) == 0 || cd.Cmp(limit) == 0 {
		return cn.Int64(), cd.Int64(), true
	}

	candidate := new(big.Rat).SetFrac(cn, cd)
	halved := new(big.Rat).SetFrac(bn, bd)
	diffCandidate := new(big.Rat).Sub(candidate, exact)
	diffHalved := new(big.Rat).Sub(halved, exact)
	if diffCandidate.Abs(diffCandidate).Cmp(diffHalved.Abs(diffHalved)) < 0 {
		return cn.Int64(), cd.Int64(), true
	}
	return bn.Int64(), bd.Int64(), true
}

// ShrinkFraction reduces num/den and, while either term exceeds
// MaxShareSupply, halves both terms rounding up so neither reaches zero.
func ShrinkFraction(num, den *big.Int) (int64, int64) {
	r := new(big.Rat).SetFrac(num, den)
	bn := new(big.Int).Set(r.Num())
	bd := new(big.Int).Set(r.Denom())

	limit := getBig().SetInt64(MaxShareSupply)
	defer putBig(limit)

	for bn.Cmp(limit) > 0 || bd.Cmp(limit) > 0 {
		bn.Rsh(bn, 1)
		bn.Add(bn, big.NewInt(1))
		bd.Rsh(bd, 1)
		bd.Add(bd, big.NewInt(1))
	}
	return bn.Int64(), bd.Int64()
}
