package core

import (
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
)

// BitassetView is the read-side summary of one market-issued asset after a
// block. Projections store it as is.
type BitassetView struct {
	AssetID            protocol.AssetID `json:"asset_id"`
	Symbol             string           `json:"symbol"`
	Precision          uint8            `json:"precision"`
	BackingAsset       protocol.AssetID `json:"backing_asset"`
	BackingPrecision   uint8            `json:"backing_precision"`
	State              string           `json:"state"`
	BSRM               string           `json:"bsrm"`
	CurrentSupply      int64            `json:"current_supply"`
	PublishedFeeds     int              `json:"published_feeds"`
	MedianPrice        protocol.Price   `json:"median_price"`
	CurrentPrice       protocol.Price   `json:"current_price"`
	SettlementPrice    protocol.Price   `json:"settlement_price"`
	SettlementFund     int64            `json:"settlement_fund"`
	ForceSettledVolume int64            `json:"force_settled_volume"`
	CallOrders         int              `json:"call_orders"`
	TotalCollateral    int64            `json:"total_collateral"`
	PendingSettlements int              `json:"pending_settlements"`
}

// bitassetViews summarizes every MPA in asset id order
func bitassetViews(s *state.Store) []BitassetView {
	var views []BitassetView
	for _, a := range s.Assets() {
		if !a.IsMarketIssued() {
			continue
		}
		b, ok := s.GetBitasset(a.ID)
		if !ok {
			continue
		}
		v := BitassetView{
			AssetID:            a.ID,
			Symbol:             a.Symbol,
			Precision:          a.Precision,
			BackingAsset:       b.Options.ShortBackingAsset,
			State:              b.State().String(),
			BSRM:               b.Options.BlackSwanResponseMethod.String(),
			CurrentSupply:      a.CurrentSupply,
			PublishedFeeds:     len(b.Feeds),
			MedianPrice:        b.MedianFeed.SettlementPrice,
			CurrentPrice:       b.CurrentFeed.SettlementPrice,
			SettlementPrice:    b.SettlementPrice,
			SettlementFund:     b.SettlementFund,
			ForceSettledVolume: b.ForceSettledVolume,
			PendingSettlements: len(s.SettleQueue(a.ID)),
		}
		if backing, ok := s.GetAsset(b.Options.ShortBackingAsset); ok {
			v.BackingPrecision = backing.Precision
		}
		for _, c := range s.CallOrders(a.ID) {
			v.CallOrders++
			v.TotalCollateral += c.Collateral
		}
		views = append(views, v)
	}
	return views
}
