package ingestion_test

import (
	"OptionClear/internal/event"
	"OptionClear/internal/ingestion"
	"encoding/json"
	"testing"
	"time"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseDepositConfirmed(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"amount":       int64(2_000_000),
		"sequence":     int64(2),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "DepositConfirmed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := evt.(*event.DepositConfirmed)
	if !ok {
		t.Fatalf("expected *event.DepositConfirmed, got %T", evt)
	}

	if dc.Amount != 2_000_000 {
		t.Errorf("amount: got %d, want 2_000_000", dc.Amount)
	}
	if dc.EventType() != event.EventTypeDepositConfirmed {
		t.Errorf("event type: got %v, want DepositConfirmed", dc.EventType())
	}
	if !dc.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %v", dc.Timestamp)
	}
}

func TestParseWithdrawalRequested(t *testing.T) {
	payload := map[string]interface{}{
		"withdrawal_id":    "550e8400-e29b-41d4-a716-446655440000",
		"user_id":          "660e8400-e29b-41d4-a716-446655440001",
		"amount":           int64(500_000),
		"executable_at_us": int64(1700000600000000),
		"sequence":         int64(3),
		"timestamp_us":     int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "WithdrawalRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	wr, ok := evt.(*event.WithdrawalRequested)
	if !ok {
		t.Fatalf("expected *event.WithdrawalRequested, got %T", evt)
	}

	if wr.Amount != 500_000 {
		t.Errorf("amount: got %d, want 500_000", wr.Amount)
	}
	if !wr.ExecutableAt.Equal(time.UnixMicro(1700000600000000)) {
		t.Errorf("executable_at: got %v", wr.ExecutableAt)
	}
}

func TestParseOrderFillBatch(t *testing.T) {
	payload := map[string]interface{}{
		"batch_id": "550e8400-e29b-41d4-a716-446655440000",
		"product":  "BTC-USD",
		"epoch":    int64(5),
		"orders": []map[string]interface{}{
			{
				"idx":            int64(1),
				"epoch":          int64(5),
				"product":        "BTC-USD",
				"over_user":      "660e8400-e29b-41d4-a716-446655440001",
				"under_user":     "770e8400-e29b-41d4-a716-446655440002",
				"over_price":     int64(600_000),
				"under_price":    int64(400_000),
				"unit":           int64(10),
				"over_redeemed":  int64(0),
				"under_redeemed": int64(0),
			},
		},
		"sequence":     int64(42),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "OrderFillBatch")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ob, ok := evt.(*event.OrderFillBatch)
	if !ok {
		t.Fatalf("expected *event.OrderFillBatch, got %T", evt)
	}

	if ob.Product != "BTC-USD" {
		t.Errorf("product: got %s, want BTC-USD", ob.Product)
	}
	if len(ob.Orders) != 1 {
		t.Fatalf("orders: got %d, want 1", len(ob.Orders))
	}
	o := ob.Orders[0]
	if o.OverPrice != 600_000 || o.UnderPrice != 400_000 {
		t.Errorf("prices: got over=%d under=%d", o.OverPrice, o.UnderPrice)
	}
	if o.Unit != 10 {
		t.Errorf("unit: got %d, want 10", o.Unit)
	}
	if ob.SourceSequence() != 42 {
		t.Errorf("source sequence: got %d, want 42", ob.SourceSequence())
	}
	if ob.ProductID() == nil || *ob.ProductID() != "BTC-USD" {
		t.Errorf("product id: got %v", ob.ProductID())
	}
}

func TestParseExecuteRound(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": "550e8400-e29b-41d4-a716-446655440000",
		"epoch":      int64(7),
		"prices": []map[string]interface{}{
			{"product": "BTC-USD", "price": int64(65_000_000_000), "publish_time_us": int64(1700000300000000)},
			{"product": "ETH-USD", "price": int64(3_000_000_000), "publish_time_us": int64(1700000300000000)},
		},
		"sequence":     int64(9),
		"timestamp_us": int64(1700000300000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "ExecuteRound")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	er, ok := evt.(*event.ExecuteRound)
	if !ok {
		t.Fatalf("expected *event.ExecuteRound, got %T", evt)
	}

	if er.Epoch != 7 {
		t.Errorf("epoch: got %d, want 7", er.Epoch)
	}
	if len(er.Prices) != 2 {
		t.Fatalf("prices: got %d, want 2", len(er.Prices))
	}
	if er.Prices[0].Price != 65_000_000_000 {
		t.Errorf("btc price: got %d", er.Prices[0].Price)
	}
	if er.IdempotencyKey() != "round:7:execute" {
		t.Errorf("idempotency key: got %s", er.IdempotencyKey())
	}
}

func TestParseVaultDepositRequest(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"assets":       int64(1_000_000),
		"sequence":     int64(11),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "VaultDepositRequest")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	vd, ok := evt.(*event.VaultDepositRequest)
	if !ok {
		t.Fatalf("expected *event.VaultDepositRequest, got %T", evt)
	}

	if vd.Assets != 1_000_000 {
		t.Errorf("assets: got %d, want 1_000_000", vd.Assets)
	}
}

func TestParseVaultClaimRedeem(t *testing.T) {
	payload := map[string]interface{}{
		"claim_id":     "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"epoch":        int64(4),
		"sequence":     int64(15),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "VaultClaimRedeem")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	vc, ok := evt.(*event.VaultClaimRedeem)
	if !ok {
		t.Fatalf("expected *event.VaultClaimRedeem, got %T", evt)
	}

	if vc.Epoch != 4 {
		t.Errorf("epoch: got %d, want 4", vc.Epoch)
	}
}

func TestParseStrategyCommand(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"action":       "deutilize",
		"amount":       int64(250_000),
		"sequence":     int64(20),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "StrategyCommand")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sc, ok := evt.(*event.StrategyCommand)
	if !ok {
		t.Fatalf("expected *event.StrategyCommand, got %T", evt)
	}

	if sc.Action != event.StrategyActionDeutilize {
		t.Errorf("action: got %v, want Deutilize", sc.Action)
	}
	if sc.Amount != 250_000 {
		t.Errorf("amount: got %d, want 250_000", sc.Amount)
	}
}

func TestParseStrategyCommand_UnknownAction(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"action":       "yolo",
		"sequence":     int64(20),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "StrategyCommand")
	if err == nil {
		t.Fatal("expected error for unknown strategy action")
	}
}

func TestParsePriceQuote(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"product":         "ETH-USD",
		"price":           int64(3_100_000_000),
		"publish_time_us": int64(1700000000000000),
	})

	q, err := ingestion.ParsePriceQuote(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if q.Product != "ETH-USD" {
		t.Errorf("product: got %s, want ETH-USD", q.Product)
	}
	if q.Price != 3_100_000_000 {
		t.Errorf("price: got %d", q.Price)
	}
}

func TestParsePriceQuote_NonPositivePrice_Fails(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"product":         "BTC-USD",
		"price":           int64(0),
		"publish_time_us": int64(1700000000000000),
	})

	if _, err := ingestion.ParsePriceQuote(data); err == nil {
		t.Fatal("expected error for non-positive price")
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "DepositConfirmed")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "not-a-uuid",
		"user_id":      "also-not-a-uuid",
		"amount":       int64(1),
		"sequence":     int64(0),
		"timestamp_us": int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "DepositConfirmed")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
