package ingestion_test

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/protocol"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func blockPayload(t *testing.T, height int64, ops ...map[string]interface{}) []byte {
	t.Helper()
	return mustJSON(t, map[string]interface{}{
		"height":       height,
		"timestamp_us": int64(1700000000000000) + height*10_000_000,
		"operations":   ops,
	})
}

func op(opType string, data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": opType, "data": data}
}

func TestParseBlock_Transfer(t *testing.T) {
	data := blockPayload(t, 7, op("Transfer", map[string]interface{}{
		"operation_id": "550e8400-e29b-41d4-a716-446655440000",
		"from":         "660e8400-e29b-41d4-a716-446655440001",
		"to":           "770e8400-e29b-41d4-a716-446655440002",
		"amount":       map[string]interface{}{"amount": 1_000, "asset_id": 0},
	}))

	b, err := ingestion.ParseRawBlock(ingestion.RawBlock{Subject: "test", Data: data})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if b.Height != 7 {
		t.Errorf("height: got %d, want 7", b.Height)
	}
	if !b.Timestamp.Equal(time.UnixMicro(1700000070000000)) {
		t.Errorf("timestamp: got %s", b.Timestamp)
	}
	if len(b.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(b.Operations))
	}

	tr, ok := b.Operations[0].(*event.Transfer)
	if !ok {
		t.Fatalf("expected *event.Transfer, got %T", b.Operations[0])
	}
	if tr.Amount != protocol.NewAmount(1_000, protocol.CoreAssetID) {
		t.Errorf("amount: got %s", tr.Amount)
	}
	if tr.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", tr.IdempotencyKey())
	}
}

func TestParseOperation_PublishFeed(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"operation_id": "550e8400-e29b-41d4-a716-446655440000",
		"publisher":    "660e8400-e29b-41d4-a716-446655440001",
		"asset_id":     1,
		"feed": map[string]interface{}{
			"settlement_price": map[string]interface{}{
				"base":  map[string]interface{}{"amount": 1, "asset_id": 1},
				"quote": map[string]interface{}{"amount": 2, "asset_id": 0},
			},
			"maintenance_collateral_ratio": 1750,
			"maximum_short_squeeze_ratio":  1100,
		},
	})

	o, err := ingestion.ParseOperation("AssetPublishFeed", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pf, ok := o.(*event.AssetPublishFeed)
	if !ok {
		t.Fatalf("expected *event.AssetPublishFeed, got %T", o)
	}
	if pf.AssetID != 1 {
		t.Errorf("asset_id: got %d, want 1", pf.AssetID)
	}
	if pf.Feed.SettlementPrice.Quote.Amount != 2 {
		t.Errorf("settlement quote: got %d, want 2", pf.Feed.SettlementPrice.Quote.Amount)
	}
	if pf.Feed.MaximumShortSqueezeRatio != 1100 {
		t.Errorf("mssr: got %d, want 1100", pf.Feed.MaximumShortSqueezeRatio)
	}
	if pf.EventType() != event.EventTypeAssetPublishFeed {
		t.Errorf("event type: got %v", pf.EventType())
	}
}

func TestParseOperation_CallOrderUpdate(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"operation_id":            "550e8400-e29b-41d4-a716-446655440000",
		"funding_account":         "660e8400-e29b-41d4-a716-446655440001",
		"delta_collateral":        map[string]interface{}{"amount": 300, "asset_id": 0},
		"delta_debt":              map[string]interface{}{"amount": 100, "asset_id": 1},
		"target_collateral_ratio": 1900,
	})

	o, err := ingestion.ParseOperation("CallOrderUpdate", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cu := o.(*event.CallOrderUpdate)
	if cu.DeltaDebt.AssetID != 1 || cu.DeltaDebt.Amount != 100 {
		t.Errorf("delta_debt: got %s", cu.DeltaDebt)
	}
	if cu.TargetCollateralRatio == nil || *cu.TargetCollateralRatio != 1900 {
		t.Errorf("target_collateral_ratio: got %v", cu.TargetCollateralRatio)
	}
}

func TestParseOperation_LimitOrderCreate(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"operation_id":   "550e8400-e29b-41d4-a716-446655440000",
		"seller":         "660e8400-e29b-41d4-a716-446655440001",
		"amount_to_sell": map[string]interface{}{"amount": 50, "asset_id": 1},
		"min_to_receive": map[string]interface{}{"amount": 120, "asset_id": 0},
		"expiration_us":  int64(1800000000000000),
		"fill_or_kill":   true,
	})

	o, err := ingestion.ParseOperation("LimitOrderCreate", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	lo := o.(*event.LimitOrderCreate)
	if !lo.FillOrKill {
		t.Error("fill_or_kill: got false")
	}
	if !lo.Expiration.Equal(time.UnixMicro(1800000000000000)) {
		t.Errorf("expiration: got %s", lo.Expiration)
	}
}

func TestParseOperation_FeedProducers(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"operation_id":       "550e8400-e29b-41d4-a716-446655440000",
		"issuer":             "660e8400-e29b-41d4-a716-446655440001",
		"asset_to_update":    2,
		"new_feed_producers": []string{"770e8400-e29b-41d4-a716-446655440002", "not-a-uuid"},
	})

	if _, err := ingestion.ParseOperation("AssetUpdateFeedProducers", data); err == nil {
		t.Fatal("expected error for bad producer id")
	}
}

func TestParseUnknownOperationType_Fails(t *testing.T) {
	_, err := ingestion.ParseOperation("Deposit", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown operation type")
	}
	// virtual ops are not submittable
	if _, err := ingestion.ParseOperation("FillOrder", []byte(`{}`)); err == nil {
		t.Fatal("expected error for virtual operation type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	if _, err := ingestion.ParseBlock([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	data := blockPayload(t, 1, op("Transfer", map[string]interface{}{
		"operation_id": "not-a-uuid",
		"from":         "660e8400-e29b-41d4-a716-446655440001",
		"to":           "770e8400-e29b-41d4-a716-446655440002",
		"amount":       map[string]interface{}{"amount": 1, "asset_id": 0},
	}))
	if _, err := ingestion.ParseBlock(data); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseBlock_RequiresHeightAndTimestamp(t *testing.T) {
	if _, err := ingestion.ParseBlock([]byte(`{"height":0,"timestamp_us":1}`)); err == nil {
		t.Error("expected error for zero height")
	}
	if _, err := ingestion.ParseBlock([]byte(`{"height":3}`)); err == nil {
		t.Error("expected error for missing timestamp")
	}
}

func TestAdminInjectBlock_WaitsForOutcome(t *testing.T) {
	ch := make(chan ingestion.RawBlock, 1)
	svc := ingestion.NewAdminIngestService(ch)

	go func() {
		raw := <-ch
		raw.Nak()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := svc.InjectBlock(ctx, blockPayload(t, 4))
	if !errors.Is(err, ingestion.ErrBlockNotApplied) {
		t.Fatalf("expected ErrBlockNotApplied, got %v", err)
	}

	go func() {
		raw := <-ch
		raw.Ack()
	}()
	height, err := svc.InjectBlock(ctx, blockPayload(t, 5))
	if err != nil {
		t.Fatalf("inject failed: %v", err)
	}
	if height != 5 {
		t.Errorf("height: got %d, want 5", height)
	}
}
