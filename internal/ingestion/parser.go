package ingestion

import (
	"PegLedger/internal/event"
	"PegLedger/internal/protocol"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParseRawBlock converts a RawBlock into a typed event.Block. Structural
// problems fail the whole block; semantic checks are left to the core so
// that a bad operation is rejected on its own.
func ParseRawBlock(raw RawBlock) (event.Block, error) {
	return ParseBlock(raw.Data)
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type blockJSON struct {
	Height      int64    `json:"height"`
	TimestampUs int64    `json:"timestamp_us"`
	Operations  []opJSON `json:"operations"`
}

type opJSON struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseBlock decodes a JSON block
func ParseBlock(data []byte) (event.Block, error) {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.Block{}, fmt.Errorf("parse block: %w", err)
	}
	if j.Height <= 0 {
		return event.Block{}, fmt.Errorf("parse block: height must be positive, got %d", j.Height)
	}
	if j.TimestampUs <= 0 {
		return event.Block{}, fmt.Errorf("parse block %d: timestamp_us must be set", j.Height)
	}

	b := event.Block{
		Height:     j.Height,
		Timestamp:  time.UnixMicro(j.TimestampUs).UTC(),
		Operations: make([]event.Operation, 0, len(j.Operations)),
	}
	for i, o := range j.Operations {
		op, err := ParseOperation(o.Type, o.Data)
		if err != nil {
			return event.Block{}, fmt.Errorf("block %d op %d: %w", j.Height, i, err)
		}
		b.Operations = append(b.Operations, op)
	}
	return b, nil
}

// ParseOperation decodes one operation payload by its wire type name
func ParseOperation(opType string, data []byte) (event.Operation, error) {
	switch event.ParseEventType(opType) {
	case event.EventTypeTransfer:
		return parseTransfer(data)
	case event.EventTypeAssetCreate:
		return parseAssetCreate(data)
	case event.EventTypeAssetUpdate:
		return parseAssetUpdate(data)
	case event.EventTypeAssetUpdateBitasset:
		return parseAssetUpdateBitasset(data)
	case event.EventTypeAssetUpdateFeedProducers:
		return parseAssetUpdateFeedProducers(data)
	case event.EventTypeAssetIssue:
		return parseAssetIssue(data)
	case event.EventTypeAssetPublishFeed:
		return parseAssetPublishFeed(data)
	case event.EventTypeCallOrderUpdate:
		return parseCallOrderUpdate(data)
	case event.EventTypeLimitOrderCreate:
		return parseLimitOrderCreate(data)
	case event.EventTypeLimitOrderCancel:
		return parseLimitOrderCancel(data)
	case event.EventTypeAssetSettle:
		return parseAssetSettle(data)
	case event.EventTypeAssetGlobalSettle:
		return parseAssetGlobalSettle(data)
	default:
		return nil, fmt.Errorf("unknown operation type: %q", opType)
	}
}

// parseIDs parses uuid fields in order, naming the first bad one
func parseIDs(fields ...string) ([]uuid.UUID, error) {
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("parseIDs: odd argument count")
	}
	ids := make([]uuid.UUID, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		id, err := uuid.Parse(fields[i+1])
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", fields[i], err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type transferJSON struct {
	OperationID string               `json:"operation_id"`
	From        string               `json:"from"`
	To          string               `json:"to"`
	Amount      protocol.AssetAmount `json:"amount"`
}

func parseTransfer(data []byte) (*event.Transfer, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Transfer: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "from", j.From, "to", j.To)
	if err != nil {
		return nil, err
	}
	return &event.Transfer{
		OperationID: ids[0],
		From:        ids[1],
		To:          ids[2],
		Amount:      j.Amount,
	}, nil
}

type assetCreateJSON struct {
	OperationID        string                    `json:"operation_id"`
	Issuer             string                    `json:"issuer"`
	Symbol             string                    `json:"symbol"`
	Precision          uint8                     `json:"precision"`
	Options            protocol.AssetOptions     `json:"common_options"`
	BitassetOptions    *protocol.BitassetOptions `json:"bitasset_options,omitempty"`
	IsPredictionMarket bool                      `json:"is_prediction_market"`
}

func parseAssetCreate(data []byte) (*event.AssetCreate, error) {
	var j assetCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetCreate: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "issuer", j.Issuer)
	if err != nil {
		return nil, err
	}
	return &event.AssetCreate{
		OperationID:        ids[0],
		Issuer:             ids[1],
		Symbol:             j.Symbol,
		Precision:          j.Precision,
		Options:            j.Options,
		BitassetOptions:    j.BitassetOptions,
		IsPredictionMarket: j.IsPredictionMarket,
	}, nil
}

type assetUpdateJSON struct {
	OperationID string                `json:"operation_id"`
	Issuer      string                `json:"issuer"`
	AssetID     protocol.AssetID      `json:"asset_to_update"`
	NewOptions  protocol.AssetOptions `json:"new_options"`
}

func parseAssetUpdate(data []byte) (*event.AssetUpdate, error) {
	var j assetUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetUpdate: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "issuer", j.Issuer)
	if err != nil {
		return nil, err
	}
	return &event.AssetUpdate{
		OperationID: ids[0],
		Issuer:      ids[1],
		AssetID:     j.AssetID,
		NewOptions:  j.NewOptions,
	}, nil
}

type assetUpdateBitassetJSON struct {
	OperationID string                   `json:"operation_id"`
	Issuer      string                   `json:"issuer"`
	AssetID     protocol.AssetID         `json:"asset_to_update"`
	NewOptions  protocol.BitassetOptions `json:"new_options"`
}

func parseAssetUpdateBitasset(data []byte) (*event.AssetUpdateBitasset, error) {
	var j assetUpdateBitassetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetUpdateBitasset: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "issuer", j.Issuer)
	if err != nil {
		return nil, err
	}
	return &event.AssetUpdateBitasset{
		OperationID: ids[0],
		Issuer:      ids[1],
		AssetID:     j.AssetID,
		NewOptions:  j.NewOptions,
	}, nil
}

type assetUpdateFeedProducersJSON struct {
	OperationID  string           `json:"operation_id"`
	Issuer       string           `json:"issuer"`
	AssetID      protocol.AssetID `json:"asset_to_update"`
	NewProducers []string         `json:"new_feed_producers"`
}

func parseAssetUpdateFeedProducers(data []byte) (*event.AssetUpdateFeedProducers, error) {
	var j assetUpdateFeedProducersJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetUpdateFeedProducers: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "issuer", j.Issuer)
	if err != nil {
		return nil, err
	}
	producers := make([]uuid.UUID, 0, len(j.NewProducers))
	for i, p := range j.NewProducers {
		id, err := uuid.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse new_feed_producers[%d]: %w", i, err)
		}
		producers = append(producers, id)
	}
	return &event.AssetUpdateFeedProducers{
		OperationID:  ids[0],
		Issuer:       ids[1],
		AssetID:      j.AssetID,
		NewProducers: producers,
	}, nil
}

type assetIssueJSON struct {
	OperationID string               `json:"operation_id"`
	Issuer      string               `json:"issuer"`
	Amount      protocol.AssetAmount `json:"asset_to_issue"`
	To          string               `json:"issue_to_account"`
}

func parseAssetIssue(data []byte) (*event.AssetIssue, error) {
	var j assetIssueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetIssue: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "issuer", j.Issuer, "issue_to_account", j.To)
	if err != nil {
		return nil, err
	}
	return &event.AssetIssue{
		OperationID: ids[0],
		Issuer:      ids[1],
		Amount:      j.Amount,
		To:          ids[2],
	}, nil
}

type assetPublishFeedJSON struct {
	OperationID string             `json:"operation_id"`
	Publisher   string             `json:"publisher"`
	AssetID     protocol.AssetID   `json:"asset_id"`
	Feed        protocol.PriceFeed `json:"feed"`
}

func parseAssetPublishFeed(data []byte) (*event.AssetPublishFeed, error) {
	var j assetPublishFeedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetPublishFeed: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "publisher", j.Publisher)
	if err != nil {
		return nil, err
	}
	return &event.AssetPublishFeed{
		OperationID: ids[0],
		Publisher:   ids[1],
		AssetID:     j.AssetID,
		Feed:        j.Feed,
	}, nil
}

type callOrderUpdateJSON struct {
	OperationID           string               `json:"operation_id"`
	FundingAccount        string               `json:"funding_account"`
	DeltaCollateral       protocol.AssetAmount `json:"delta_collateral"`
	DeltaDebt             protocol.AssetAmount `json:"delta_debt"`
	TargetCollateralRatio *uint16              `json:"target_collateral_ratio,omitempty"`
}

func parseCallOrderUpdate(data []byte) (*event.CallOrderUpdate, error) {
	var j callOrderUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CallOrderUpdate: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "funding_account", j.FundingAccount)
	if err != nil {
		return nil, err
	}
	return &event.CallOrderUpdate{
		OperationID:           ids[0],
		FundingAccount:        ids[1],
		DeltaCollateral:       j.DeltaCollateral,
		DeltaDebt:             j.DeltaDebt,
		TargetCollateralRatio: j.TargetCollateralRatio,
	}, nil
}

type limitOrderCreateJSON struct {
	OperationID  string               `json:"operation_id"`
	Seller       string               `json:"seller"`
	AmountToSell protocol.AssetAmount `json:"amount_to_sell"`
	MinToReceive protocol.AssetAmount `json:"min_to_receive"`
	ExpirationUs int64                `json:"expiration_us"`
	FillOrKill   bool                 `json:"fill_or_kill"`
}

func parseLimitOrderCreate(data []byte) (*event.LimitOrderCreate, error) {
	var j limitOrderCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LimitOrderCreate: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "seller", j.Seller)
	if err != nil {
		return nil, err
	}
	op := &event.LimitOrderCreate{
		OperationID:  ids[0],
		Seller:       ids[1],
		AmountToSell: j.AmountToSell,
		MinToReceive: j.MinToReceive,
		FillOrKill:   j.FillOrKill,
	}
	if j.ExpirationUs > 0 {
		op.Expiration = time.UnixMicro(j.ExpirationUs).UTC()
	}
	return op, nil
}

type limitOrderCancelJSON struct {
	OperationID      string                `json:"operation_id"`
	FeePayingAccount string                `json:"fee_paying_account"`
	OrderID          protocol.LimitOrderID `json:"order"`
}

func parseLimitOrderCancel(data []byte) (*event.LimitOrderCancel, error) {
	var j limitOrderCancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LimitOrderCancel: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "fee_paying_account", j.FeePayingAccount)
	if err != nil {
		return nil, err
	}
	return &event.LimitOrderCancel{
		OperationID:      ids[0],
		FeePayingAccount: ids[1],
		OrderID:          j.OrderID,
	}, nil
}

type assetSettleJSON struct {
	OperationID string               `json:"operation_id"`
	Owner       string               `json:"account"`
	Amount      protocol.AssetAmount `json:"amount"`
}

func parseAssetSettle(data []byte) (*event.AssetSettle, error) {
	var j assetSettleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetSettle: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "account", j.Owner)
	if err != nil {
		return nil, err
	}
	return &event.AssetSettle{
		OperationID: ids[0],
		Owner:       ids[1],
		Amount:      j.Amount,
	}, nil
}

type assetGlobalSettleJSON struct {
	OperationID string           `json:"operation_id"`
	Issuer      string           `json:"issuer"`
	AssetID     protocol.AssetID `json:"asset_to_settle"`
	SettlePrice protocol.Price   `json:"settle_price"`
}

func parseAssetGlobalSettle(data []byte) (*event.AssetGlobalSettle, error) {
	var j assetGlobalSettleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetGlobalSettle: %w", err)
	}
	ids, err := parseIDs("operation_id", j.OperationID, "issuer", j.Issuer)
	if err != nil {
		return nil, err
	}
	return &event.AssetGlobalSettle{
		OperationID: ids[0],
		Issuer:      ids[1],
		AssetID:     j.AssetID,
		SettlePrice: j.SettlePrice,
	}, nil
}
