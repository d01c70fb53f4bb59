package engine

import (
	"testing"

	"eve-quantum/internal/db"
)

func TestProgress(t *testing.T) {
	materials := []db.MaterialStatus{
		{PlanMaterial: db.PlanMaterial{TypeID: 34, Quantity: 1000, ManuallyAcquiredQty: 1000}},
		{PlanMaterial: db.PlanMaterial{TypeID: 35, Quantity: 1000}, PurchasedQty: 250},
	}
	materials[1].StillNeeded = 750

	p := Progress(materials)
	if p.MaterialsTotal != 2 || p.MaterialsComplete != 1 {
		t.Errorf("counts = %d/%d, want 2 total, 1 complete", p.MaterialsTotal, p.MaterialsComplete)
	}
	if p.PercentAcquired != 62.5 {
		t.Errorf("percent = %v, want 62.5", p.PercentAcquired)
	}
}

func TestProgress_OverAcquisitionDoesNotInflate(t *testing.T) {
	materials := []db.MaterialStatus{
		{PlanMaterial: db.PlanMaterial{TypeID: 34, Quantity: 100, ManuallyAcquiredQty: 500}},
	}
	p := Progress(materials)
	if p.PercentAcquired != 100 {
		t.Errorf("percent = %v, want capped at 100", p.PercentAcquired)
	}
}

func TestProgress_Empty(t *testing.T) {
	p := Progress(nil)
	if p.PercentAcquired != 0 || p.MaterialsTotal != 0 {
		t.Errorf("empty progress = %+v", p)
	}
}

func TestPerformance(t *testing.T) {
	summary := &db.PlanSummary{MaterialCost: 4000, ProductValue: 10000, EstimatedProfit: 6000}
	confirmed := []db.TransactionMatch{
		{TransactionID: 1, MatchType: "material_buy", Quantity: 100, Status: "confirmed"},
		{TransactionID: 2, MatchType: "product_sell", Quantity: 10, Status: "confirmed"},
		{TransactionID: 3, MatchType: "material_buy", Quantity: 999, Status: "pending"},
	}
	txns := map[int64]db.WalletTransaction{
		1: {TransactionID: 1, UnitPrice: 5},
		2: {TransactionID: 2, UnitPrice: 900},
		3: {TransactionID: 3, UnitPrice: 1},
	}

	perf := Performance(summary, confirmed, txns)
	if perf.PlannedProfit != 6000 {
		t.Errorf("planned profit = %v", perf.PlannedProfit)
	}
	if perf.ActualSpend != 500 {
		t.Errorf("spend = %v, want 500 (pending matches excluded)", perf.ActualSpend)
	}
	if perf.ActualRevenue != 9000 {
		t.Errorf("revenue = %v, want 9000", perf.ActualRevenue)
	}
	if perf.ActualProfit != 8500 {
		t.Errorf("profit = %v, want 8500", perf.ActualProfit)
	}
	if perf.ActualROI != 8500.0/500 {
		t.Errorf("roi = %v", perf.ActualROI)
	}
}

func TestPerformance_NoSpend(t *testing.T) {
	perf := Performance(nil, nil, nil)
	if perf.ActualROI != 0 {
		t.Errorf("roi = %v, want 0 with no spend", perf.ActualROI)
	}
}
