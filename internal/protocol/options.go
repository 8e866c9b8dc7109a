package protocol

import (
	"fmt"
	"regexp"

	fpmath "PegLedger/internal/math"
)

// AssetKind tags the asset variants.
type AssetKind uint8

const (
	AssetKindCore AssetKind = iota
	AssetKindUserIssued
	AssetKindMarketIssued
	AssetKindPredictionMarket
)

func (k AssetKind) String() string {
	switch k {
	case AssetKindCore:
		return "core"
	case AssetKindUserIssued:
		return "user_issued"
	case AssetKindMarketIssued:
		return "market_issued"
	case AssetKindPredictionMarket:
		return "prediction_market"
	default:
		return "unknown"
	}
}

// Issuer permission bits. A flag can only be set while the matching
// permission is held. The Update* permissions have no flag.
const (
	PermChargeMarketFee uint16 = 1 << iota
	PermDisableForceSettle
	PermGlobalSettle
	PermWitnessFedAsset
	PermCommitteeFedAsset
	PermUpdateMCR
	PermUpdateICR
	PermUpdateMSSR
	PermUpdateBSRM
)

const (
	PermissionMask = PermChargeMarketFee | PermDisableForceSettle | PermGlobalSettle |
		PermWitnessFedAsset | PermCommitteeFedAsset | PermUpdateMCR | PermUpdateICR |
		PermUpdateMSSR | PermUpdateBSRM
	FlagMask = PermChargeMarketFee | PermDisableForceSettle | PermWitnessFedAsset | PermCommitteeFedAsset

	// UIAPermissionMask excludes the bits that only make sense for MPAs.
	UIAPermissionMask = PermChargeMarketFee
)

// MaxAssetPrecision bounds the number of decimal places of an asset.
const MaxAssetPrecision = 12

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.]{2,15}$`)

func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("invalid asset symbol %q", symbol)
	}
	return nil
}

// AssetOptions are the issuer-controlled options common to every asset.
type AssetOptions struct {
	MaxSupply         int64   `json:"max_supply"`
	MarketFeePercent  uint16  `json:"market_fee_percent"`
	TakerFeePercent   *uint16 `json:"taker_fee_percent,omitempty"`
	MaxMarketFee      int64   `json:"max_market_fee"`
	IssuerPermissions uint16  `json:"issuer_permissions"`
	Flags             uint16  `json:"flags"`
	CoreExchangeRate  Price   `json:"core_exchange_rate"`
}

func (o AssetOptions) Validate() error {
	if o.MaxSupply <= 0 || o.MaxSupply > fpmath.MaxShareSupply {
		return fmt.Errorf("max_supply (%d) must be within (0, %d]", o.MaxSupply, fpmath.MaxShareSupply)
	}
	if o.MarketFeePercent > fpmath.HundredPercent {
		return fmt.Errorf("market_fee_percent (%d) exceeds 100%%", o.MarketFeePercent)
	}
	if o.TakerFeePercent != nil && *o.TakerFeePercent > fpmath.HundredPercent {
		return fmt.Errorf("taker_fee_percent (%d) exceeds 100%%", *o.TakerFeePercent)
	}
	if o.MaxMarketFee < 0 || o.MaxMarketFee > fpmath.MaxShareSupply {
		return fmt.Errorf("max_market_fee (%d) out of range", o.MaxMarketFee)
	}
	if o.IssuerPermissions&^PermissionMask != 0 {
		return fmt.Errorf("unknown issuer permission bits %#x", o.IssuerPermissions&^PermissionMask)
	}
	if o.Flags&^FlagMask != 0 {
		return fmt.Errorf("unknown flag bits %#x", o.Flags&^FlagMask)
	}
	if o.Flags&^o.IssuerPermissions != 0 {
		return fmt.Errorf("flags %#x are not covered by issuer permissions %#x", o.Flags, o.IssuerPermissions)
	}
	if o.Flags&PermWitnessFedAsset != 0 && o.Flags&PermCommitteeFedAsset != 0 {
		return fmt.Errorf("an asset cannot be both witness-fed and committee-fed")
	}
	if !o.CoreExchangeRate.IsNull() {
		if err := o.CoreExchangeRate.Validate(); err != nil {
			return fmt.Errorf("core_exchange_rate: %w", err)
		}
	}
	return nil
}

func (o AssetOptions) HasFlag(bit uint16) bool       { return o.Flags&bit != 0 }
func (o AssetOptions) HasPermission(bit uint16) bool { return o.IssuerPermissions&bit != 0 }

// BlackSwanResponseMethod selects how an MPA reacts to undercollateralization.
type BlackSwanResponseMethod uint8

const (
	BSRMGlobalSettlement BlackSwanResponseMethod = iota
	BSRMNoSettlement
)

func (m BlackSwanResponseMethod) Valid() bool {
	return m == BSRMGlobalSettlement || m == BSRMNoSettlement
}

func (m BlackSwanResponseMethod) String() string {
	switch m {
	case BSRMGlobalSettlement:
		return "global_settlement"
	case BSRMNoSettlement:
		return "no_settlement"
	default:
		return "unknown"
	}
}

// BitassetOptions are the issuer-controlled options of an MPA.
type BitassetOptions struct {
	FeedLifetimeSec              uint32                  `json:"feed_lifetime_sec"`
	MinimumFeeds                 uint8                   `json:"minimum_feeds"`
	ForceSettlementDelaySec      uint32                  `json:"force_settlement_delay_sec"`
	ForceSettlementOffsetPercent uint16                  `json:"force_settlement_offset_percent"`
	MaximumForceSettlementVolume uint16                  `json:"maximum_force_settlement_volume"`
	ShortBackingAsset            AssetID                 `json:"short_backing_asset"`
	MaintenanceCollateralRatio   *uint16                 `json:"maintenance_collateral_ratio,omitempty"`
	MaximumShortSqueezeRatio     *uint16                 `json:"maximum_short_squeeze_ratio,omitempty"`
	InitialCollateralRatio       *uint16                 `json:"initial_collateral_ratio,omitempty"`
	MarginCallFeeRatio           *uint16                 `json:"margin_call_fee_ratio,omitempty"`
	ForceSettleFeePercent        *uint16                 `json:"force_settle_fee_percent,omitempty"`
	BlackSwanResponseMethod      BlackSwanResponseMethod `json:"black_swan_response_method"`
}

func DefaultBitassetOptions() BitassetOptions {
	return BitassetOptions{
		FeedLifetimeSec:              24 * 60 * 60,
		MinimumFeeds:                 1,
		ForceSettlementDelaySec:      24 * 60 * 60,
		ForceSettlementOffsetPercent: 0,
		MaximumForceSettlementVolume: 2000,
		ShortBackingAsset:            CoreAssetID,
	}
}

func (o BitassetOptions) Validate() error {
	if o.FeedLifetimeSec == 0 {
		return fmt.Errorf("feed_lifetime_sec must be positive")
	}
	if o.MinimumFeeds == 0 {
		return fmt.Errorf("minimum_feeds must be positive")
	}
	if o.ForceSettlementOffsetPercent > fpmath.HundredPercent {
		return fmt.Errorf("force_settlement_offset_percent (%d) exceeds 100%%", o.ForceSettlementOffsetPercent)
	}
	if o.MaximumForceSettlementVolume > fpmath.HundredPercent {
		return fmt.Errorf("maximum_force_settlement_volume (%d) exceeds 100%%", o.MaximumForceSettlementVolume)
	}
	if o.MaintenanceCollateralRatio != nil {
		if err := ValidateCollateralRatio("maintenance_collateral_ratio", *o.MaintenanceCollateralRatio); err != nil {
			return err
		}
	}
	if o.MaximumShortSqueezeRatio != nil {
		if err := ValidateCollateralRatio("maximum_short_squeeze_ratio", *o.MaximumShortSqueezeRatio); err != nil {
			return err
		}
	}
	if o.InitialCollateralRatio != nil {
		if err := ValidateCollateralRatio("initial_collateral_ratio", *o.InitialCollateralRatio); err != nil {
			return err
		}
		if o.MaintenanceCollateralRatio != nil && *o.InitialCollateralRatio < *o.MaintenanceCollateralRatio {
			return fmt.Errorf("initial_collateral_ratio (%d) must be >= maintenance_collateral_ratio (%d)",
				*o.InitialCollateralRatio, *o.MaintenanceCollateralRatio)
		}
	}
	if o.MarginCallFeeRatio != nil && *o.MarginCallFeeRatio > MaxCollateralRatio {
		return fmt.Errorf("margin_call_fee_ratio (%d) out of range", *o.MarginCallFeeRatio)
	}
	if o.ForceSettleFeePercent != nil && *o.ForceSettleFeePercent > fpmath.HundredPercent {
		return fmt.Errorf("force_settle_fee_percent (%d) exceeds 100%%", *o.ForceSettleFeePercent)
	}
	if !o.BlackSwanResponseMethod.Valid() {
		return fmt.Errorf("unknown black_swan_response_method %d", o.BlackSwanResponseMethod)
	}
	return nil
}

// Object ids, allocated sequentially per type by the store.
type (
	CallOrderID       uint64
	LimitOrderID      uint64
	ForceSettlementID uint64
)

// OrderKind tags the object a fill or cancellation refers to.
type OrderKind uint8

const (
	OrderKindLimit OrderKind = iota
	OrderKindCall
	OrderKindSettlement
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindLimit:
		return "limit"
	case OrderKindCall:
		return "call"
	case OrderKindSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}
