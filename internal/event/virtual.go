package event

import (
	"PegLedger/internal/protocol"

	"github.com/google/uuid"
)

// FillOrder records one side of a match.
type FillOrder struct {
	OrderKind protocol.OrderKind
	OrderID   uint64
	Account   uuid.UUID
	Pays      protocol.AssetAmount
	Receives  protocol.AssetAmount
	// Fee is in Receives' asset for limit and settle fills, and in
	// collateral for margin call fills.
	Fee       protocol.AssetAmount
	FillPrice protocol.Price
	IsMaker   bool
}

func (f *FillOrder) EventType() EventType { return EventTypeFillOrder }

// Cancellation reasons
const (
	CancelReasonUser       = "user"
	CancelReasonExpired    = "expired"
	CancelReasonDust       = "dust"
	CancelReasonSettlement = "global_settlement"
	CancelReasonNoFeed     = "no_feed"
	CancelReasonNoDebt     = "no_debt_position"
	CancelReasonUncovered  = "undercollateralized"
)

// OrderCancelled records a refunded limit order or settle request.
type OrderCancelled struct {
	OrderKind protocol.OrderKind
	OrderID   uint64
	Account   uuid.UUID
	Refund    protocol.AssetAmount
	Reason    string
}

func (o *OrderCancelled) EventType() EventType { return EventTypeOrderCancelled }

// BlackSwan records detection of an uncoverable debt position.
type BlackSwan struct {
	AssetID         protocol.AssetID
	CallOrderID     protocol.CallOrderID
	LeastCollateral protocol.Price
	FeedSettlePrice protocol.Price
}

func (b *BlackSwan) EventType() EventType { return EventTypeBlackSwan }

// GlobalSettlement records the freeze of an MPA.
type GlobalSettlement struct {
	AssetID         protocol.AssetID
	SettlementPrice protocol.Price
	SettlementFund  int64
	ClosedCalls     int
}

func (g *GlobalSettlement) EventType() EventType { return EventTypeGlobalSettlement }

// SettlementClaimed records a redemption against the settlement fund.
type SettlementClaimed struct {
	Account  uuid.UUID
	Paid     protocol.AssetAmount
	Received protocol.AssetAmount
}

func (s *SettlementClaimed) EventType() EventType { return EventTypeSettlementClaimed }

// AssetRevived records a globally settled MPA returning to normal.
type AssetRevived struct {
	AssetID     protocol.AssetID
	CallOrderID protocol.CallOrderID
	Debt        int64
	Collateral  int64
}

func (a *AssetRevived) EventType() EventType { return EventTypeAssetRevived }

// FeedCapped records a change of the capped current feed.
type FeedCapped struct {
	AssetID      protocol.AssetID
	MedianPrice  protocol.Price
	CurrentPrice protocol.Price
}

func (f *FeedCapped) EventType() EventType { return EventTypeFeedCapped }
