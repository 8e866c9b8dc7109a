package protocol

import (
	"fmt"
	"math/big"

	fpmath "PegLedger/internal/math"
)

// Price is the exact ratio Base/Quote of two asset amounts.
type Price struct {
	Base  AssetAmount `json:"base"`
	Quote AssetAmount `json:"quote"`
}

// Ratio is a positive rational multiplier.
type Ratio struct {
	Num int64
	Den int64
}

func NewRatio(num, den int64) Ratio {
	return Ratio{Num: num, Den: den}
}

func NewPrice(base, quote AssetAmount) Price {
	return Price{Base: base, Quote: quote}
}

// MaxPrice is the largest representable price of base in quote.
func MaxPrice(base, quote AssetID) Price {
	return Price{Base: NewAmount(fpmath.MaxShareSupply, base), Quote: NewAmount(1, quote)}
}

// MinPrice is the smallest representable price of base in quote.
func MinPrice(base, quote AssetID) Price {
	return Price{Base: NewAmount(1, base), Quote: NewAmount(fpmath.MaxShareSupply, quote)}
}

// IsNull reports whether p is the unset price.
func (p Price) IsNull() bool {
	return p.Base.Amount == 0 && p.Quote.Amount == 0
}

func (p Price) Validate() error {
	if p.Base.Amount <= 0 || p.Quote.Amount <= 0 {
		return fmt.Errorf("price %s must have positive amounts", p)
	}
	if p.Base.AssetID == p.Quote.AssetID {
		return fmt.Errorf("price %s must relate two different assets", p)
	}
	if p.Base.Amount > fpmath.MaxShareSupply || p.Quote.Amount > fpmath.MaxShareSupply {
		return fmt.Errorf("price %s exceeds share bounds", p)
	}
	return nil
}

// Invert swaps base and quote.
func (p Price) Invert() Price {
	return Price{Base: p.Quote, Quote: p.Base}
}

// SameMarket reports whether p and o price the same base in the same quote.
func (p Price) SameMarket(o Price) bool {
	return p.Base.AssetID == o.Base.AssetID && p.Quote.AssetID == o.Quote.AssetID
}

// Compare orders prices first by (base asset, quote asset) and then by value.
func (p Price) Compare(o Price) int {
	if p.Base.AssetID != o.Base.AssetID {
		if p.Base.AssetID < o.Base.AssetID {
			return -1
		}
		return 1
	}
	if p.Quote.AssetID != o.Quote.AssetID {
		if p.Quote.AssetID < o.Quote.AssetID {
			return -1
		}
		return 1
	}
	// p.base/p.quote vs o.base/o.quote
	return fpmath.CompareProducts(p.Base.Amount, o.Quote.Amount, o.Base.Amount, p.Quote.Amount)
}

func (p Price) Less(o Price) bool        { return p.Compare(o) < 0 }
func (p Price) LessOrEqual(o Price) bool { return p.Compare(o) <= 0 }
func (p Price) Greater(o Price) bool     { return p.Compare(o) > 0 }
func (p Price) Equal(o Price) bool       { return p.Compare(o) == 0 }

// MulRatio scales the price value by r, keeping both terms within share
// bounds. If bounding moved the result past p in the wrong direction, p is
// returned unchanged.
func (p Price) MulRatio(r Ratio) (Price, error) {
	if err := p.Validate(); err != nil {
		return Price{}, err
	}
	if r.Num <= 0 || r.Den <= 0 {
		return Price{}, fmt.Errorf("ratio %d/%d must be positive", r.Num, r.Den)
	}
	if r.Num == r.Den {
		return p, nil
	}

	n, d, approx := fpmath.ScaleFraction(p.Base.Amount, p.Quote.Amount, r.Num, r.Den)
	np := Price{Base: NewAmount(n, p.Base.AssetID), Quote: NewAmount(d, p.Quote.AssetID)}
	if approx {
		if (r.Num > r.Den && np.Less(p)) || (r.Num < r.Den && np.Greater(p)) {
			np = p
		}
	}
	return np, np.Validate()
}

// DivRatio scales the price value by 1/r.
func (p Price) DivRatio(r Ratio) (Price, error) {
	return p.MulRatio(Ratio{Num: r.Den, Den: r.Num})
}

func (p Price) String() string {
	return fmt.Sprintf("%d@%d/%d@%d", p.Base.Amount, p.Base.AssetID, p.Quote.Amount, p.Quote.AssetID)
}

// CallPrice is the collateral/debt price at which a position with the given
// debt and collateral sits exactly at ratio (per mille).
func CallPrice(debt, collateral AssetAmount, ratio uint16) (Price, error) {
	if debt.Amount <= 0 || collateral.Amount <= 0 {
		return Price{}, fmt.Errorf("call price needs positive debt and collateral, got %s / %s", debt, collateral)
	}
	num := new(big.Int).Mul(big.NewInt(debt.Amount), big.NewInt(int64(ratio)))
	den := new(big.Int).Mul(big.NewInt(collateral.Amount), big.NewInt(CollateralRatioDenom))
	n, d := fpmath.ShrinkFraction(num, den)
	// debt*ratio/collateral in debt/collateral, inverted to collateral/debt
	return Price{
		Base:  NewAmount(d, collateral.AssetID),
		Quote: NewAmount(n, debt.AssetID),
	}, nil
}

// Collateralization is the collateral/debt price of a position.
func Collateralization(collateral, debt AssetAmount) Price {
	return Price{Base: collateral, Quote: debt}
}
