package query

import (
	"PegLedger/internal/protocol"

	"github.com/shopspring/decimal"
)

// FormatAmount renders satoshis as a decimal string with the asset's precision
func FormatAmount(amount int64, precision uint8) string {
	return decimal.New(amount, -int32(precision)).StringFixed(int32(precision))
}

// FormatPrice renders a price as quote units per one base unit, scaled by
// both assets' precisions. Empty for a null price.
func FormatPrice(p protocol.Price, basePrecision, quotePrecision uint8) string {
	if p.Base.Amount == 0 || p.Quote.Amount == 0 {
		return ""
	}
	base := decimal.New(p.Base.Amount, -int32(basePrecision))
	quote := decimal.New(p.Quote.Amount, -int32(quotePrecision))
	return quote.DivRound(base, 8).String()
}

// precisions maps asset id to precision, learned from bitasset views
type precisions map[uint32]uint8

func (p precisions) of(id uint32) (uint8, bool) {
	v, ok := p[id]
	return v, ok
}
