package state

import (
	"PegLedger/internal/protocol"
	"time"

	"github.com/google/uuid"
)

// Asset is the common record of every asset
type Asset struct {
	ID            protocol.AssetID      `json:"id"`
	Symbol        string                `json:"symbol"`
	Precision     uint8                 `json:"precision"`
	Issuer        uuid.UUID             `json:"issuer"`
	Kind          protocol.AssetKind    `json:"kind"`
	Options       protocol.AssetOptions `json:"options"`
	CurrentSupply int64                 `json:"current_supply"`
}

// IsMarketIssued is true for MPAs and prediction markets
func (a *Asset) IsMarketIssued() bool {
	return a.Kind == protocol.AssetKindMarketIssued || a.Kind == protocol.AssetKindPredictionMarket
}

// CanForceSettle reports whether holders may request force settlement
func (a *Asset) CanForceSettle() bool {
	return !a.Options.HasFlag(protocol.PermDisableForceSettle)
}

// CanGlobalSettle reports whether the issuer may globally settle
func (a *Asset) CanGlobalSettle() bool {
	return a.Options.HasPermission(protocol.PermGlobalSettle)
}

// Amount wraps v in this asset
func (a *Asset) Amount(v int64) protocol.AssetAmount {
	return protocol.NewAmount(v, a.ID)
}

// FeedEntry is one producer's latest publication
type FeedEntry struct {
	Producer    uuid.UUID          `json:"producer"`
	PublishedAt time.Time          `json:"published_at"`
	Feed        protocol.PriceFeed `json:"feed"`
}

// BitassetState is the settlement mode of an MPA
type BitassetState uint8

const (
	BitassetStateNormal BitassetState = iota
	BitassetStateMarginCallCapped
	BitassetStateGloballySettled
	BitassetStateNoSettlement
)

func (s BitassetState) String() string {
	switch s {
	case BitassetStateNormal:
		return "normal"
	case BitassetStateMarginCallCapped:
		return "margin_call_capped"
	case BitassetStateGloballySettled:
		return "globally_settled"
	case BitassetStateNoSettlement:
		return "no_settlement"
	default:
		return "unknown"
	}
}

// BitassetData is the market-issued extension of an asset
type BitassetData struct {
	AssetID            protocol.AssetID         `json:"asset_id"`
	Options            protocol.BitassetOptions `json:"options"`
	IsPredictionMarket bool                     `json:"is_prediction_market"`

	// Sorted by producer
	Feeds         []FeedEntry `json:"feeds"`
	FeedProducers []uuid.UUID `json:"feed_producers"`

	MedianFeed                 protocol.PriceFeed `json:"median_feed"`
	CurrentFeed                protocol.PriceFeed `json:"current_feed"`
	CurrentFeedPublicationTime time.Time          `json:"current_feed_publication_time"`

	// collateral/debt, derived from CurrentFeed
	CurrentMaintenanceCollateralization protocol.Price `json:"current_maintenance_collateralization"`
	// collateral/debt, derived from MedianFeed
	MedianInitialCollateralization protocol.Price `json:"median_initial_collateralization"`

	ForceSettledVolume int64 `json:"force_settled_volume"`

	// supply/fund once globally settled
	SettlementPrice protocol.Price `json:"settlement_price"`
	SettlementFund  int64          `json:"settlement_fund"`
}

func (b *BitassetData) IsGloballySettled() bool {
	return !b.SettlementPrice.IsNull()
}

// IsCurrentFeedPriceCapped reports whether the no-settlement cap moved the
// current feed away from the median
func (b *BitassetData) IsCurrentFeedPriceCapped() bool {
	return b.CurrentFeed.SettlementPrice != b.MedianFeed.SettlementPrice
}

func (b *BitassetData) State() BitassetState {
	switch {
	case b.IsGloballySettled():
		return BitassetStateGloballySettled
	case b.Options.BlackSwanResponseMethod == protocol.BSRMNoSettlement && b.IsCurrentFeedPriceCapped():
		return BitassetStateMarginCallCapped
	case b.Options.BlackSwanResponseMethod == protocol.BSRMNoSettlement:
		return BitassetStateNoSettlement
	default:
		return BitassetStateNormal
	}
}

// MarginCallFeeRatio returns the configured fee ratio, if any
func (b *BitassetData) MarginCallFeeRatio() *uint16 {
	return b.Options.MarginCallFeeRatio
}

func (b *BitassetData) clone() BitassetData {
	c := *b
	c.Feeds = append([]FeedEntry(nil), b.Feeds...)
	c.FeedProducers = append([]uuid.UUID(nil), b.FeedProducers...)
	return c
}

// CallOrder is a collateralized debt position
type CallOrder struct {
	ID                    protocol.CallOrderID `json:"id"`
	Borrower              uuid.UUID            `json:"borrower"`
	Debt                  int64                `json:"debt"`
	Collateral            int64                `json:"collateral"`
	DebtAsset             protocol.AssetID     `json:"debt_asset"`
	CollateralAsset       protocol.AssetID     `json:"collateral_asset"`
	TargetCollateralRatio *uint16              `json:"target_collateral_ratio,omitempty"`
}

func (c *CallOrder) DebtAmount() protocol.AssetAmount {
	return protocol.NewAmount(c.Debt, c.DebtAsset)
}

func (c *CallOrder) CollateralAmount() protocol.AssetAmount {
	return protocol.NewAmount(c.Collateral, c.CollateralAsset)
}

// Collateralization is collateral/debt
func (c *CallOrder) Collateralization() protocol.Price {
	return protocol.Collateralization(c.CollateralAmount(), c.DebtAmount())
}

// CallPrice is the collateral/debt price at which the order sits exactly at mcr
func (c *CallOrder) CallPrice(mcr uint16) (protocol.Price, error) {
	return protocol.CallPrice(c.DebtAmount(), c.CollateralAmount(), mcr)
}

// LimitOrder is a resting offer to sell ForSale at SellPrice or better
type LimitOrder struct {
	ID         protocol.LimitOrderID `json:"id"`
	Seller     uuid.UUID             `json:"seller"`
	ForSale    int64                 `json:"for_sale"`
	SellPrice  protocol.Price        `json:"sell_price"`
	Expiration time.Time             `json:"expiration"`
}

func (o *LimitOrder) SellAsset() protocol.AssetID    { return o.SellPrice.Base.AssetID }
func (o *LimitOrder) ReceiveAsset() protocol.AssetID { return o.SellPrice.Quote.AssetID }

func (o *LimitOrder) AmountForSale() protocol.AssetAmount {
	return protocol.NewAmount(o.ForSale, o.SellAsset())
}

// AmountToReceive is ForSale at SellPrice, rounded down
func (o *LimitOrder) AmountToReceive() (protocol.AssetAmount, error) {
	return o.AmountForSale().Multiply(o.SellPrice)
}

// ForceSettlement is a pending request to redeem MPA for collateral
type ForceSettlement struct {
	ID             protocol.ForceSettlementID `json:"id"`
	Owner          uuid.UUID                  `json:"owner"`
	Balance        protocol.AssetAmount       `json:"balance"`
	SettlementDate time.Time                  `json:"settlement_date"`
}

// GlobalProperties holds chain-wide parameters and the head
type GlobalProperties struct {
	HeadBlock              int64       `json:"head_block"`
	HeadTime               time.Time   `json:"head_time"`
	NextMaintenanceTime    time.Time   `json:"next_maintenance_time"`
	MaintenanceIntervalSec uint32      `json:"maintenance_interval_sec"`
	DustThreshold          int64       `json:"dust_threshold"`
	Witnesses              []uuid.UUID `json:"witnesses"`
	Committee              []uuid.UUID `json:"committee"`

	NextCallOrderID       protocol.CallOrderID       `json:"next_call_order_id"`
	NextLimitOrderID      protocol.LimitOrderID      `json:"next_limit_order_id"`
	NextForceSettlementID protocol.ForceSettlementID `json:"next_force_settlement_id"`
}
