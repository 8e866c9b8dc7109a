package event

import (
	"fmt"

	"PegLedger/internal/protocol"

	"github.com/google/uuid"
)

// AssetCreate registers a new UIA, MPA or prediction market.
// BitassetOptions is set for market-issued assets only.
type AssetCreate struct {
	OperationID        uuid.UUID
	Issuer             uuid.UUID
	Symbol             string
	Precision          uint8
	Options            protocol.AssetOptions
	BitassetOptions    *protocol.BitassetOptions
	IsPredictionMarket bool
}

func (a *AssetCreate) IdempotencyKey() string { return a.OperationID.String() }
func (a *AssetCreate) EventType() EventType   { return EventTypeAssetCreate }
func (a *AssetCreate) Account() uuid.UUID     { return a.Issuer }

func (a *AssetCreate) Validate() error {
	if err := protocol.ValidateSymbol(a.Symbol); err != nil {
		return err
	}
	if a.Precision > protocol.MaxAssetPrecision {
		return fmt.Errorf("precision (%d) exceeds %d", a.Precision, protocol.MaxAssetPrecision)
	}
	if err := a.Options.Validate(); err != nil {
		return err
	}
	if a.IsPredictionMarket && a.BitassetOptions == nil {
		return fmt.Errorf("prediction market requires bitasset options")
	}
	if a.BitassetOptions == nil {
		if a.Options.IssuerPermissions&^protocol.UIAPermissionMask != 0 {
			return fmt.Errorf("user-issued asset cannot hold market-issued permissions %#x", a.Options.IssuerPermissions)
		}
		return nil
	}
	return a.BitassetOptions.Validate()
}

// AssetUpdate replaces the common options of an asset.
type AssetUpdate struct {
	OperationID uuid.UUID
	Issuer      uuid.UUID
	AssetID     protocol.AssetID
	NewOptions  protocol.AssetOptions
}

func (a *AssetUpdate) IdempotencyKey() string { return a.OperationID.String() }
func (a *AssetUpdate) EventType() EventType   { return EventTypeAssetUpdate }
func (a *AssetUpdate) Account() uuid.UUID     { return a.Issuer }

func (a *AssetUpdate) Validate() error {
	return a.NewOptions.Validate()
}

// AssetUpdateBitasset replaces the bitasset options of an MPA.
type AssetUpdateBitasset struct {
	OperationID uuid.UUID
	Issuer      uuid.UUID
	AssetID     protocol.AssetID
	NewOptions  protocol.BitassetOptions
}

func (a *AssetUpdateBitasset) IdempotencyKey() string { return a.OperationID.String() }
func (a *AssetUpdateBitasset) EventType() EventType   { return EventTypeAssetUpdateBitasset }
func (a *AssetUpdateBitasset) Account() uuid.UUID     { return a.Issuer }

func (a *AssetUpdateBitasset) Validate() error {
	return a.NewOptions.Validate()
}

// AssetUpdateFeedProducers replaces the explicit producer set of an MPA that
// is neither witness-fed nor committee-fed.
type AssetUpdateFeedProducers struct {
	OperationID  uuid.UUID
	Issuer       uuid.UUID
	AssetID      protocol.AssetID
	NewProducers []uuid.UUID
}

func (a *AssetUpdateFeedProducers) IdempotencyKey() string { return a.OperationID.String() }
func (a *AssetUpdateFeedProducers) EventType() EventType   { return EventTypeAssetUpdateFeedProducers }
func (a *AssetUpdateFeedProducers) Account() uuid.UUID     { return a.Issuer }

func (a *AssetUpdateFeedProducers) Validate() error {
	seen := make(map[uuid.UUID]struct{}, len(a.NewProducers))
	for _, p := range a.NewProducers {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate feed producer %s", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// AssetIssue mints user-issued asset supply to an account.
type AssetIssue struct {
	OperationID uuid.UUID
	Issuer      uuid.UUID
	Amount      protocol.AssetAmount
	To          uuid.UUID
}

func (a *AssetIssue) IdempotencyKey() string { return a.OperationID.String() }
func (a *AssetIssue) EventType() EventType   { return EventTypeAssetIssue }
func (a *AssetIssue) Account() uuid.UUID     { return a.Issuer }

func (a *AssetIssue) Validate() error {
	if a.Amount.Amount <= 0 {
		return fmt.Errorf("issue amount must be positive, got %d", a.Amount.Amount)
	}
	return nil
}

// Transfer moves available balance between accounts.
type Transfer struct {
	OperationID uuid.UUID
	From        uuid.UUID
	To          uuid.UUID
	Amount      protocol.AssetAmount
}

func (t *Transfer) IdempotencyKey() string { return t.OperationID.String() }
func (t *Transfer) EventType() EventType   { return EventTypeTransfer }
func (t *Transfer) Account() uuid.UUID     { return t.From }

func (t *Transfer) Validate() error {
	if t.Amount.Amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", t.Amount.Amount)
	}
	if t.From == t.To {
		return fmt.Errorf("cannot transfer to self")
	}
	return nil
}
