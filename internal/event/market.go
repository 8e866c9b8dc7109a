package event

import (
	"fmt"
	"time"

	"PegLedger/internal/protocol"

	"github.com/google/uuid"
)

// AssetPublishFeed publishes one producer's feed for an MPA.
// InitialCollateralRatio of zero means "same as MCR".
type AssetPublishFeed struct {
	OperationID uuid.UUID
	Publisher   uuid.UUID
	AssetID     protocol.AssetID
	Feed        protocol.PriceFeed
}

func (p *AssetPublishFeed) IdempotencyKey() string { return p.OperationID.String() }
func (p *AssetPublishFeed) EventType() EventType   { return EventTypeAssetPublishFeed }
func (p *AssetPublishFeed) Account() uuid.UUID     { return p.Publisher }

func (p *AssetPublishFeed) Validate() error {
	if p.Feed.SettlementPrice.IsNull() {
		return fmt.Errorf("settlement_price must be set")
	}
	if err := p.Feed.Validate(); err != nil {
		return err
	}
	if p.Feed.SettlementPrice.Base.AssetID != p.AssetID {
		return fmt.Errorf("settlement_price base must be asset %d", p.AssetID)
	}
	return nil
}

// CallOrderUpdate opens, adjusts or closes a debt position.
type CallOrderUpdate struct {
	OperationID           uuid.UUID
	FundingAccount        uuid.UUID
	DeltaCollateral       protocol.AssetAmount
	DeltaDebt             protocol.AssetAmount
	TargetCollateralRatio *uint16
}

func (c *CallOrderUpdate) IdempotencyKey() string { return c.OperationID.String() }
func (c *CallOrderUpdate) EventType() EventType   { return EventTypeCallOrderUpdate }
func (c *CallOrderUpdate) Account() uuid.UUID     { return c.FundingAccount }

func (c *CallOrderUpdate) Validate() error {
	if c.DeltaCollateral.Amount == 0 && c.DeltaDebt.Amount == 0 {
		return fmt.Errorf("either delta_collateral or delta_debt must be non-zero")
	}
	if c.DeltaCollateral.AssetID == c.DeltaDebt.AssetID {
		return fmt.Errorf("collateral and debt must be different assets")
	}
	if c.TargetCollateralRatio != nil && *c.TargetCollateralRatio > protocol.MaxCollateralRatio {
		return fmt.Errorf("target_collateral_ratio (%d) out of range", *c.TargetCollateralRatio)
	}
	return nil
}

// LimitOrderCreate offers AmountToSell for at least MinToReceive.
type LimitOrderCreate struct {
	OperationID  uuid.UUID
	Seller       uuid.UUID
	AmountToSell protocol.AssetAmount
	MinToReceive protocol.AssetAmount
	Expiration   time.Time
	FillOrKill   bool
}

func (l *LimitOrderCreate) IdempotencyKey() string { return l.OperationID.String() }
func (l *LimitOrderCreate) EventType() EventType   { return EventTypeLimitOrderCreate }
func (l *LimitOrderCreate) Account() uuid.UUID     { return l.Seller }

func (l *LimitOrderCreate) Validate() error {
	if l.AmountToSell.Amount <= 0 || l.MinToReceive.Amount <= 0 {
		return fmt.Errorf("amounts must be positive, got sell=%d receive=%d",
			l.AmountToSell.Amount, l.MinToReceive.Amount)
	}
	if l.AmountToSell.AssetID == l.MinToReceive.AssetID {
		return fmt.Errorf("cannot trade an asset for itself")
	}
	return l.SellPrice().Validate()
}

// SellPrice is AmountToSell/MinToReceive.
func (l *LimitOrderCreate) SellPrice() protocol.Price {
	return protocol.NewPrice(l.AmountToSell, l.MinToReceive)
}

// LimitOrderCancel cancels a resting order and refunds its remainder.
type LimitOrderCancel struct {
	OperationID      uuid.UUID
	FeePayingAccount uuid.UUID
	OrderID          protocol.LimitOrderID
}

func (l *LimitOrderCancel) IdempotencyKey() string { return l.OperationID.String() }
func (l *LimitOrderCancel) EventType() EventType   { return EventTypeLimitOrderCancel }
func (l *LimitOrderCancel) Account() uuid.UUID     { return l.FeePayingAccount }

func (l *LimitOrderCancel) Validate() error { return nil }

// AssetSettle requests force settlement of Amount, or claims from the
// settlement fund if the asset is globally settled.
type AssetSettle struct {
	OperationID uuid.UUID
	Owner       uuid.UUID
	Amount      protocol.AssetAmount
}

func (s *AssetSettle) IdempotencyKey() string { return s.OperationID.String() }
func (s *AssetSettle) EventType() EventType   { return EventTypeAssetSettle }
func (s *AssetSettle) Account() uuid.UUID     { return s.Owner }

func (s *AssetSettle) Validate() error {
	if s.Amount.Amount <= 0 {
		return fmt.Errorf("settle amount must be positive, got %d", s.Amount.Amount)
	}
	return nil
}

// AssetGlobalSettle lets the issuer settle an MPA at a chosen price.
type AssetGlobalSettle struct {
	OperationID uuid.UUID
	Issuer      uuid.UUID
	AssetID     protocol.AssetID
	SettlePrice protocol.Price
}

func (g *AssetGlobalSettle) IdempotencyKey() string { return g.OperationID.String() }
func (g *AssetGlobalSettle) EventType() EventType   { return EventTypeAssetGlobalSettle }
func (g *AssetGlobalSettle) Account() uuid.UUID     { return g.Issuer }

func (g *AssetGlobalSettle) Validate() error {
	if err := g.SettlePrice.Validate(); err != nil {
		return err
	}
	if g.SettlePrice.Base.AssetID != g.AssetID {
		return fmt.Errorf("settle_price base must be asset %d", g.AssetID)
	}
	return nil
}
