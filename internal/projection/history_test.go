package projection_test

import (
	"OptionClear/internal/projection"
	"testing"

	"github.com/google/uuid"
)

func settlement(idx, epoch int64, over, under uuid.UUID, ts int64) projection.SettlementHistoryEntry {
	return projection.SettlementHistoryEntry{
		OrderIdx:  idx,
		Epoch:     epoch,
		Product:   "BTC-USD",
		WinSide:   "over",
		OverUser:  over,
		UnderUser: under,
		WinAmount: 970_000_000,
		Fee:       30_000_000,
		Timestamp: ts,
	}
}

func TestSettlementsByUser_NewestFirstWithLimit(t *testing.T) {
	p := projection.NewHistoryProjection()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	p.AddSettlement(settlement(1, 1, alice, bob, 100))
	p.AddSettlement(settlement(2, 1, carol, bob, 200))
	p.AddSettlement(settlement(3, 2, alice, carol, 300))
	p.AddSettlement(settlement(4, 2, bob, alice, 400))

	got := p.SettlementsByUser(alice, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].OrderIdx != 4 || got[1].OrderIdx != 3 {
		t.Errorf("expected newest first [4 3], got [%d %d]", got[0].OrderIdx, got[1].OrderIdx)
	}

	// Matches on either side of the order
	if got := p.SettlementsByUser(bob, 10); len(got) != 3 {
		t.Errorf("expected 3 entries for bob, got %d", len(got))
	}

	if got := p.SettlementsByUser(uuid.New(), 10); len(got) != 0 {
		t.Errorf("expected no entries for a stranger, got %d", len(got))
	}
}

func TestSettlementsByEpoch(t *testing.T) {
	p := projection.NewHistoryProjection()
	alice, bob := uuid.New(), uuid.New()

	p.AddSettlement(settlement(1, 1, alice, bob, 100))
	p.AddSettlement(settlement(2, 1, bob, alice, 150))
	p.AddSettlement(settlement(3, 2, alice, bob, 200))

	if got := p.SettlementsByEpoch(1); len(got) != 2 {
		t.Errorf("expected 2 entries for epoch 1, got %d", len(got))
	}
	if got := p.SettlementsByEpoch(9); len(got) != 0 {
		t.Errorf("expected no entries for epoch 9, got %d", len(got))
	}
}

func TestRecentRounds_FiltersByProduct(t *testing.T) {
	p := projection.NewHistoryProjection()

	for epoch := int64(1); epoch <= 3; epoch++ {
		p.AddRound(projection.RoundHistoryEntry{Epoch: epoch, Product: "BTC-USD", StartPrice: 50_000, EndPrice: 51_000})
		p.AddRound(projection.RoundHistoryEntry{Epoch: epoch, Product: "ETH-USD", StartPrice: 3_000, EndPrice: 2_900})
	}

	got := p.RecentRounds("BTC-USD", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(got))
	}
	if got[0].Epoch != 3 || got[1].Epoch != 2 {
		t.Errorf("expected epochs [3 2], got [%d %d]", got[0].Epoch, got[1].Epoch)
	}
	for _, r := range got {
		if r.Product != "BTC-USD" {
			t.Errorf("unexpected product %s", r.Product)
		}
	}
}

func TestVaultEpochs_NewestFirst(t *testing.T) {
	p := projection.NewHistoryProjection()

	for epoch := int64(1); epoch <= 4; epoch++ {
		p.AddVaultEpoch(projection.VaultEpochEntry{
			Epoch:       epoch,
			SharePrice:  1_000_000 + epoch*10_000,
			TotalShares: 500_000_000,
		})
	}

	got := p.VaultEpochs(3)
	if len(got) != 3 {
		t.Fatalf("expected 3 epochs, got %d", len(got))
	}
	if got[0].Epoch != 4 || got[2].Epoch != 2 {
		t.Errorf("expected epochs [4 3 2], got [%d %d %d]", got[0].Epoch, got[1].Epoch, got[2].Epoch)
	}
	if got[0].SharePrice != 1_040_000 {
		t.Errorf("share price: got %d, want 1_040_000", got[0].SharePrice)
	}
}
