package ingestion_test

import (
	"OptionClear/internal/core"
	"OptionClear/internal/event"
	"OptionClear/internal/ingestion"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// pumpInto feeds every queued admin event into the core, the way the main
// loop's select does.
func pumpInto(t *testing.T, c *core.DeterministicCore, ch <-chan event.Event) {
	t.Helper()
	for {
		select {
		case evt := <-ch:
			if err := c.ProcessEvent(evt); err != nil {
				t.Fatalf("ProcessEvent(%T) failed: %v", evt, err)
			}
		default:
			return
		}
	}
}

// Admin-injected commands carry wall-clock stamps, not indexer sequences.
// Drives the full round cadence through the injection path to make sure the
// core accepts them end to end.
func TestAdminIngest_RoundLifecycle(t *testing.T) {
	cfg := core.Config{
		CommissionFeeBps:       500,
		RoundInterval:          50 * time.Millisecond,
		Products:               []string{"BTC-USD"},
		VaultPerformanceFeeBps: 1_000,
		StrategyTargetBps:      8_000,
		StrategyMinBps:         6_000,
		StrategyMaxBps:         9_000,
		StrategyDeviationBps:   200,
	}
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(cfg, persistChan, projChan, nil, nil)
	if err != nil {
		t.Fatalf("NewDeterministicCore failed: %v", err)
	}

	// burst=1 makes the limiter space consecutive injections, so each
	// command lands with a strictly larger wall-clock stamp
	eventChan := make(chan event.Event, 16)
	admin := ingestion.NewAdminIngestService(eventChan, 200, 1)
	ctx := context.Background()

	if err := admin.InjectDeposit(ctx, uuid.New(), 1_000_000_000); err != nil {
		t.Fatalf("InjectDeposit failed: %v", err)
	}
	if err := admin.InjectGenesisOpen(ctx); err != nil {
		t.Fatalf("InjectGenesisOpen failed: %v", err)
	}
	if err := admin.InjectGenesisStart(ctx, []event.ProductPrice{
		{Product: "BTC-USD", Price: 50_000, PublishTime: time.Now()},
	}); err != nil {
		t.Fatalf("InjectGenesisStart failed: %v", err)
	}
	pumpInto(t, c, eventChan)

	epoch, deadline, running := c.RoundClock()
	if !running || epoch != 1 {
		t.Fatalf("after genesis: epoch=%d running=%v, want epoch 1 running", epoch, running)
	}

	time.Sleep(time.Until(deadline) + 20*time.Millisecond)
	if err := admin.InjectExecuteRound(ctx, epoch, []event.ProductPrice{
		{Product: "BTC-USD", Price: 49_000, PublishTime: time.Now()},
	}); err != nil {
		t.Fatalf("InjectExecuteRound failed: %v", err)
	}
	pumpInto(t, c, eventChan)

	epoch, _, running = c.RoundClock()
	if !running || epoch != 2 {
		t.Fatalf("after execute: epoch=%d running=%v, want epoch 2 running", epoch, running)
	}
}

// A retried admin command is a fresh injection with a fresh stamp; the core
// must take it after rejecting the first attempt.
func TestAdminIngest_RetryAfterRejection(t *testing.T) {
	cfg := core.Config{
		CommissionFeeBps:       500,
		RoundInterval:          time.Hour,
		Products:               []string{"BTC-USD"},
		VaultPerformanceFeeBps: 1_000,
		StrategyTargetBps:      8_000,
		StrategyMinBps:         6_000,
		StrategyMaxBps:         9_000,
		StrategyDeviationBps:   200,
	}
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(cfg, persistChan, projChan, nil, nil)
	if err != nil {
		t.Fatalf("NewDeterministicCore failed: %v", err)
	}

	eventChan := make(chan event.Event, 16)
	admin := ingestion.NewAdminIngestService(eventChan, 200, 1)
	ctx := context.Background()

	// GenesisStart before GenesisOpen fails in the round manager, not in
	// sequencing; the partition still advances past the rejected stamp
	if err := admin.InjectGenesisStart(ctx, []event.ProductPrice{
		{Product: "BTC-USD", Price: 50_000, PublishTime: time.Now()},
	}); err != nil {
		t.Fatalf("InjectGenesisStart failed: %v", err)
	}
	evt := <-eventChan
	if err := c.ProcessEvent(evt); err == nil {
		t.Fatal("expected genesis start without an open round to fail")
	}

	if err := admin.InjectGenesisOpen(ctx); err != nil {
		t.Fatalf("InjectGenesisOpen failed: %v", err)
	}
	if err := admin.InjectGenesisStart(ctx, []event.ProductPrice{
		{Product: "BTC-USD", Price: 50_000, PublishTime: time.Now()},
	}); err != nil {
		t.Fatalf("InjectGenesisStart failed: %v", err)
	}
	pumpInto(t, c, eventChan)

	epoch, _, running := c.RoundClock()
	if !running || epoch != 1 {
		t.Fatalf("after retry: epoch=%d running=%v, want epoch 1 running", epoch, running)
	}
}
