package protocol

import (
	"bytes"
	"fmt"

	fpmath "PegLedger/internal/math"

	"github.com/google/uuid"
)

// AssetID identifies an asset. The core asset is always 0.
type AssetID uint32

const CoreAssetID AssetID = 0

const (
	// CollateralRatioDenom scales MCR, MSSR, ICR and the margin call fee ratio.
	CollateralRatioDenom = 1000
	MinCollateralRatio   = 1001
	MaxCollateralRatio   = 32000

	DefaultMaintenanceCollateralRatio = 1750
	DefaultMaxShortSqueezeRatio       = 1500
)

// AssetAmount is an amount tagged with its asset.
type AssetAmount struct {
	Amount  int64   `json:"amount"`
	AssetID AssetID `json:"asset_id"`
}

func NewAmount(amount int64, assetID AssetID) AssetAmount {
	return AssetAmount{Amount: amount, AssetID: assetID}
}

func (a AssetAmount) String() string {
	return fmt.Sprintf("%d@%d", a.Amount, a.AssetID)
}

// Multiply converts a through p, rounding down.
func (a AssetAmount) Multiply(p Price) (AssetAmount, error) {
	return a.multiply(p, fpmath.RoundDown)
}

// MultiplyRoundUp converts a through p, rounding up.
func (a AssetAmount) MultiplyRoundUp(p Price) (AssetAmount, error) {
	return a.multiply(p, fpmath.RoundUp)
}

func (a AssetAmount) multiply(p Price, mode fpmath.RoundingMode) (AssetAmount, error) {
	var num, den int64
	var out AssetID
	switch a.AssetID {
	case p.Base.AssetID:
		num, den, out = p.Quote.Amount, p.Base.Amount, p.Quote.AssetID
	case p.Quote.AssetID:
		num, den, out = p.Base.Amount, p.Quote.Amount, p.Base.AssetID
	default:
		return AssetAmount{}, fmt.Errorf("amount %s does not match price %s", a, p)
	}
	if den <= 0 {
		return AssetAmount{}, fmt.Errorf("price %s has non-positive divisor", p)
	}
	v, err := fpmath.MulDiv(a.Amount, num, den, mode)
	if err != nil {
		return AssetAmount{}, fmt.Errorf("multiply %s by %s: %w", a, p, err)
	}
	if v > fpmath.MaxShareSupply {
		return AssetAmount{}, fmt.Errorf("multiply %s by %s: %w", a, p, fpmath.ErrOverflow)
	}
	return AssetAmount{Amount: v, AssetID: out}, nil
}

// CompareAccounts orders account ids bytewise.
func CompareAccounts(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
