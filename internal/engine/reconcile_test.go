package engine

import (
	"testing"
	"time"

	"eve-quantum/internal/db"
)

func TestMatchJobs_PerfectMatch(t *testing.T) {
	now := time.Now()
	bp := db.PlanBlueprint{
		PlanID: 1, PlanBlueprintID: 5, BlueprintTypeID: 1000,
		Runs: 10, FacilityID: 42, ProductQuantity: 10,
	}
	jobs := []db.IndustryJob{
		{JobID: 900, CharacterID: 7, ActivityID: 1, BlueprintTypeID: 1000,
			Runs: 10, FacilityID: 42, StartDate: now.Format(time.RFC3339)},
		{JobID: 901, CharacterID: 7, ActivityID: 8, BlueprintTypeID: 1000, Runs: 10},  // invention
		{JobID: 902, CharacterID: 7, ActivityID: 1, BlueprintTypeID: 2000, Runs: 10}, // wrong type
	}

	matches := MatchJobs([]db.PlanBlueprint{bp}, jobs, 0, now)
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	m := matches[0]
	if m.JobID != 900 || m.PlanBlueprintID != 5 {
		t.Errorf("match = %+v", m)
	}
	if m.Confidence != 1 {
		t.Errorf("confidence = %v, want 1 for a perfect match", m.Confidence)
	}
	if m.Quantity != 10 {
		t.Errorf("quantity = %d, want per-run output times job runs", m.Quantity)
	}
}

func TestMatchJobs_ConfidenceDegrades(t *testing.T) {
	now := time.Now()
	bp := db.PlanBlueprint{
		PlanID: 1, PlanBlueprintID: 5, BlueprintTypeID: 1000,
		Runs: 10, FacilityID: 42, ProductQuantity: 10,
	}

	// Same runs and facility, but started ten weeks ago.
	old := db.IndustryJob{JobID: 1, ActivityID: 1, BlueprintTypeID: 1000, Runs: 10,
		FacilityID: 42, StartDate: now.Add(-70 * 24 * time.Hour).Format(time.RFC3339)}
	matches := MatchJobs([]db.PlanBlueprint{bp}, []db.IndustryJob{old}, 0, now)
	if len(matches) != 1 || matches[0].Confidence != 0.8 {
		t.Fatalf("stale job matches = %+v, want confidence 0.8", matches)
	}

	// Different facility keeps a partial credit.
	elsewhere := db.IndustryJob{JobID: 2, ActivityID: 1, BlueprintTypeID: 1000, Runs: 10,
		FacilityID: 99, StartDate: now.Format(time.RFC3339)}
	matches = MatchJobs([]db.PlanBlueprint{bp}, []db.IndustryJob{elsewhere}, 0, now)
	if len(matches) != 1 || matches[0].Confidence != 0.79 {
		t.Fatalf("elsewhere matches = %+v, want confidence 0.79", matches)
	}
}

func TestMatchJobs_MinConfidenceFilters(t *testing.T) {
	now := time.Now()
	bp := db.PlanBlueprint{PlanID: 1, PlanBlueprintID: 5, BlueprintTypeID: 1000,
		Runs: 10, FacilityID: 42, ProductQuantity: 10}

	// Wildly wrong runs, wrong facility, ancient, unparseable date.
	bad := db.IndustryJob{JobID: 3, ActivityID: 1, BlueprintTypeID: 1000, Runs: 500,
		FacilityID: 99, StartDate: "not a date"}
	matches := MatchJobs([]db.PlanBlueprint{bp}, []db.IndustryJob{bad}, 0, now)
	if len(matches) != 0 {
		t.Fatalf("matches = %+v, want filtered below default threshold", matches)
	}

	// The caller can lower the bar.
	matches = MatchJobs([]db.PlanBlueprint{bp}, []db.IndustryJob{bad}, 0.05, now)
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1 with a permissive threshold", len(matches))
	}
}

func TestMatchTransactions_BuysAndSells(t *testing.T) {
	const home = int64(60003760)
	materials := []db.MaterialStatus{{
		PlanMaterial: db.PlanMaterial{PlanID: 1, TypeID: 34, Quantity: 1000},
		StillNeeded:  1000,
	}}
	products := []db.PlanProduct{{PlanID: 1, TypeID: 600, Quantity: 10}}
	txns := []db.WalletTransaction{
		{TransactionID: 1, CharacterID: 7, TypeID: 34, Quantity: 1000, LocationID: home, IsBuy: true},
		{TransactionID: 2, CharacterID: 7, TypeID: 999, Quantity: 50, LocationID: home, IsBuy: true},
		{TransactionID: 3, CharacterID: 7, TypeID: 600, Quantity: 15, LocationID: home},
	}

	matches := MatchTransactions(1, materials, products, txns, home, 0)
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2 (unknown type skipped)", len(matches))
	}

	buy := matches[0]
	if buy.MatchType != "material_buy" || buy.TypeID != 34 {
		t.Errorf("buy match = %+v", buy)
	}
	if buy.Confidence != 1 {
		t.Errorf("buy confidence = %v, want 1 (type + locality + exact quantity)", buy.Confidence)
	}
	if buy.Quantity != 1000 {
		t.Errorf("buy quantity = %d, want 1000", buy.Quantity)
	}

	sellMatch := matches[1]
	if sellMatch.MatchType != "product_sell" || sellMatch.TypeID != 600 {
		t.Errorf("sell match = %+v", sellMatch)
	}
	// Oversized sells are capped at the planned output.
	if sellMatch.Quantity != 10 {
		t.Errorf("sell quantity = %d, want capped at 10", sellMatch.Quantity)
	}
}

func TestMatchTransactions_LocalityAndMagnitude(t *testing.T) {
	const home = int64(60003760)
	materials := []db.MaterialStatus{{
		PlanMaterial: db.PlanMaterial{PlanID: 1, TypeID: 34, Quantity: 1000},
		StillNeeded:  1000,
	}}

	// Right type and quantity, wrong station: locality bonus withheld.
	away := db.WalletTransaction{TransactionID: 4, TypeID: 34, Quantity: 1000,
		LocationID: 123, IsBuy: true}
	matches := MatchTransactions(1, materials, nil, []db.WalletTransaction{away}, home, 0)
	if len(matches) != 1 || matches[0].Confidence != 0.8 {
		t.Fatalf("away matches = %+v, want confidence 0.8", matches)
	}

	// A tiny partial buy still clears the default threshold on type alone.
	small := db.WalletTransaction{TransactionID: 5, TypeID: 34, Quantity: 10,
		LocationID: home, IsBuy: true}
	matches = MatchTransactions(1, materials, nil, []db.WalletTransaction{small}, home, 0)
	if len(matches) != 1 {
		t.Fatalf("small buy should still match, got %+v", matches)
	}
	if matches[0].Quantity != 10 {
		t.Errorf("partial quantity = %d, want the transaction's 10", matches[0].Quantity)
	}
}
