package protocol

import (
	"fmt"
)

// PriceFeed is one producer's view of an MPA. SettlementPrice is quoted as
// debt/collateral.
type PriceFeed struct {
	SettlementPrice            Price  `json:"settlement_price"`
	CoreExchangeRate           Price  `json:"core_exchange_rate"`
	MaintenanceCollateralRatio uint16 `json:"maintenance_collateral_ratio"`
	MaximumShortSqueezeRatio   uint16 `json:"maximum_short_squeeze_ratio"`
	InitialCollateralRatio     uint16 `json:"initial_collateral_ratio"`
}

// NullFeed is the feed of an asset without enough valid publications.
func NullFeed() PriceFeed {
	return PriceFeed{
		MaintenanceCollateralRatio: DefaultMaintenanceCollateralRatio,
		MaximumShortSqueezeRatio:   DefaultMaxShortSqueezeRatio,
		InitialCollateralRatio:     DefaultMaintenanceCollateralRatio,
	}
}

func (f PriceFeed) IsNull() bool {
	return f.SettlementPrice.IsNull()
}

// Validate checks the ratio bounds and, when set, the prices.
func (f PriceFeed) Validate() error {
	if !f.SettlementPrice.IsNull() {
		if err := f.SettlementPrice.Validate(); err != nil {
			return fmt.Errorf("settlement_price: %w", err)
		}
	}
	if !f.CoreExchangeRate.IsNull() {
		if err := f.CoreExchangeRate.Validate(); err != nil {
			return fmt.Errorf("core_exchange_rate: %w", err)
		}
	}
	if err := ValidateCollateralRatio("maintenance_collateral_ratio", f.MaintenanceCollateralRatio); err != nil {
		return err
	}
	if err := ValidateCollateralRatio("maximum_short_squeeze_ratio", f.MaximumShortSqueezeRatio); err != nil {
		return err
	}
	if f.InitialCollateralRatio != 0 {
		if err := ValidateCollateralRatio("initial_collateral_ratio", f.InitialCollateralRatio); err != nil {
			return err
		}
		if f.InitialCollateralRatio < f.MaintenanceCollateralRatio {
			return fmt.Errorf("initial_collateral_ratio (%d) must be >= maintenance_collateral_ratio (%d)",
				f.InitialCollateralRatio, f.MaintenanceCollateralRatio)
		}
	}
	return nil
}

// ValidateCollateralRatio checks a per-mille ratio against protocol bounds.
func ValidateCollateralRatio(name string, v uint16) error {
	if v < MinCollateralRatio || v > MaxCollateralRatio {
		return fmt.Errorf("%s (%d) must be within [%d, %d]", name, v, MinCollateralRatio, MaxCollateralRatio)
	}
	return nil
}

// MaxShortSqueezePrice is the worst debt/collateral price a margin call pays.
func (f PriceFeed) MaxShortSqueezePrice() (Price, error) {
	return f.SettlementPrice.MulRatio(NewRatio(CollateralRatioDenom, int64(f.MaximumShortSqueezeRatio)))
}

// MarginCallOrderPrice is the debt/collateral price at which margin calls are
// offered, net of the margin call fee.
func (f PriceFeed) MarginCallOrderPrice(marginCallFeeRatio *uint16) (Price, error) {
	den := f.marginCallNet(marginCallFeeRatio)
	return f.SettlementPrice.MulRatio(NewRatio(CollateralRatioDenom, int64(den)))
}

// MarginCallPaysRatio scales a match price into the price the call order
// actually pays, fee included.
func (f PriceFeed) MarginCallPaysRatio(marginCallFeeRatio *uint16) Ratio {
	if marginCallFeeRatio == nil {
		return NewRatio(1, 1)
	}
	return NewRatio(int64(f.marginCallNet(marginCallFeeRatio)), int64(f.MaximumShortSqueezeRatio))
}

func (f PriceFeed) marginCallNet(marginCallFeeRatio *uint16) uint16 {
	var mcfr uint16
	if marginCallFeeRatio != nil {
		mcfr = *marginCallFeeRatio
	}
	net := uint16(CollateralRatioDenom)
	if mcfr < f.MaximumShortSqueezeRatio {
		net = f.MaximumShortSqueezeRatio - mcfr
	}
	if net < CollateralRatioDenom {
		net = CollateralRatioDenom
	}
	return net
}

// MaintenanceCollateralization is the collateral/debt price below which a
// position is callable.
func (f PriceFeed) MaintenanceCollateralization() (Price, error) {
	if f.SettlementPrice.IsNull() {
		return Price{}, nil
	}
	return f.SettlementPrice.Invert().MulRatio(NewRatio(int64(f.MaintenanceCollateralRatio), CollateralRatioDenom))
}

// InitialCollateralization is the collateral/debt price a position must keep
// when it takes on more debt.
func (f PriceFeed) InitialCollateralization() (Price, error) {
	if f.SettlementPrice.IsNull() {
		return Price{}, nil
	}
	icr := f.InitialCollateralRatio
	if icr < f.MaintenanceCollateralRatio {
		icr = f.MaintenanceCollateralRatio
	}
	return f.SettlementPrice.Invert().MulRatio(NewRatio(int64(icr), CollateralRatioDenom))
}

// Equal compares every field exactly, including price asset ids.
func (f PriceFeed) Equal(o PriceFeed) bool {
	return f.SettlementPrice == o.SettlementPrice &&
		f.CoreExchangeRate == o.CoreExchangeRate &&
		f.MaintenanceCollateralRatio == o.MaintenanceCollateralRatio &&
		f.MaximumShortSqueezeRatio == o.MaximumShortSqueezeRatio &&
		f.InitialCollateralRatio == o.InitialCollateralRatio
}
