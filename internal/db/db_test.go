package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"eve-quantum/internal/esi"
)

func openTestStores(t *testing.T) *Stores {
	t.Helper()
	stores, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { stores.Close() })
	return stores
}

func TestMigrations_LedgerAndTextItemIDs(t *testing.T) {
	dir := t.TempDir()
	stores, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	var count int
	if err := stores.Character.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if count != len(characterMigrations) {
		t.Errorf("applied %d character migrations, want %d", count, len(characterMigrations))
	}

	// Reopening the same directory must not reapply anything.
	stores2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	stores2.Close()

	// An item ID past 2^53 must survive the TEXT column exactly.
	cs := NewCharacterStore(stores.Character)
	mustSaveCharacterRow(t, stores)
	err = cs.SaveAssets(1001, []esi.Asset{
		{ItemID: "9007199254740993", TypeID: 34, Quantity: 5},
	}, false, time.Time{})
	if err != nil {
		t.Fatalf("SaveAssets: %v", err)
	}
	assets, err := cs.GetAssets(1001)
	if err != nil {
		t.Fatalf("GetAssets: %v", err)
	}
	if len(assets) != 1 || assets[0].ItemID != "9007199254740993" {
		t.Errorf("assets = %+v, want exact string item id", assets)
	}
}

func mustSaveCharacterRow(t *testing.T, stores *Stores) {
	t.Helper()
	_, err := stores.Character.Exec(`
		INSERT OR IGNORE INTO characters (character_id, name) VALUES (1001, 'Tester')`)
	if err != nil {
		t.Fatalf("seed character: %v", err)
	}
}

func TestSaveAssets_Idempotent(t *testing.T) {
	stores := openTestStores(t)
	mustSaveCharacterRow(t, stores)
	cs := NewCharacterStore(stores.Character)

	payload := []esi.Asset{
		{ItemID: "100", TypeID: 34, LocationID: 60003760, Quantity: 1000},
		{ItemID: "101", TypeID: 35, LocationID: 60003760, Quantity: 500, IsSingleton: true},
	}
	if err := cs.SaveAssets(1001, payload, false, time.Time{}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	first, _ := cs.GetAssets(1001)

	if err := cs.SaveAssets(1001, payload, false, time.Time{}); err != nil {
		t.Fatalf("second save: %v", err)
	}
	second, _ := cs.GetAssets(1001)

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("lens = %d, %d, want 2, 2", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("row %d differs after identical re-save: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestSkillOverride_WinsOverActive(t *testing.T) {
	stores := openTestStores(t)
	mustSaveCharacterRow(t, stores)
	cs := NewCharacterStore(stores.Character)

	sheet := &esi.SkillSheet{Skills: []esi.SkillEntry{
		{SkillID: 3380, ActiveLevel: 3, TrainedLevel: 3, Skillpoints: 40000},
	}}
	if err := cs.SaveSkills(1001, sheet, time.Time{}); err != nil {
		t.Fatalf("SaveSkills: %v", err)
	}
	if lvl := cs.SkillLevel(1001, 3380); lvl != 3 {
		t.Errorf("level = %d, want 3", lvl)
	}

	if err := cs.SetSkillOverride(1001, 3380, 5); err != nil {
		t.Fatalf("SetSkillOverride: %v", err)
	}
	if lvl := cs.SkillLevel(1001, 3380); lvl != 5 {
		t.Errorf("level with override = %d, want 5", lvl)
	}
	skills, _ := cs.GetSkills(1001)
	if len(skills) != 1 || skills[0].ActiveLevel != 5 || skills[0].OverrideLevel == nil {
		t.Errorf("GetSkills = %+v, want override applied", skills)
	}

	if err := cs.SetSkillOverride(1001, 3380, 9); !errors.Is(err, ErrConstraint) {
		t.Errorf("out-of-range override err = %v, want ErrConstraint", err)
	}
	cs.ClearSkillOverride(1001, 3380)
	if lvl := cs.SkillLevel(1001, 3380); lvl != 3 {
		t.Errorf("level after clear = %d, want 3", lvl)
	}
}

func TestOwnedBlueprintME_BestWithOverride(t *testing.T) {
	stores := openTestStores(t)
	mustSaveCharacterRow(t, stores)
	cs := NewCharacterStore(stores.Character)

	bps := []esi.Blueprint{
		{ItemID: "200", TypeID: 995, MaterialEfficiency: 5, Runs: -1},
		{ItemID: "201", TypeID: 995, MaterialEfficiency: 8, Runs: 100},
	}
	if err := cs.SaveBlueprints(1001, bps, false, time.Time{}); err != nil {
		t.Fatalf("SaveBlueprints: %v", err)
	}

	if me, ok := cs.OwnedBlueprintME(1001, 995); !ok || me != 8 {
		t.Errorf("ME = %d, %v, want 8, true", me, ok)
	}
	if err := cs.SetBlueprintOverride(1001, "200", "me", "10"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if me, _ := cs.OwnedBlueprintME(1001, 995); me != 10 {
		t.Errorf("ME with override = %d, want 10", me)
	}
	if _, ok := cs.OwnedBlueprintME(1001, 999999); ok {
		t.Error("unowned blueprint reported as owned")
	}
}

func TestReplaceOrders_Wholesale(t *testing.T) {
	stores := openTestStores(t)
	ms := NewMarketStore(stores.Market)

	orders := []esi.MarketOrder{
		{OrderID: 1, Price: 5.0, VolumeRemain: 100, LocationID: 60003760},
		{OrderID: 2, Price: 5.1, VolumeRemain: 200, LocationID: 60003760},
		{OrderID: 3, Price: 9.9, VolumeRemain: 50, LocationID: 60008494, IsBuyOrder: true},
	}
	if err := ms.ReplaceOrders(10000002, 34, orders, time.Now().Add(5*time.Minute)); err != nil {
		t.Fatalf("ReplaceOrders: %v", err)
	}

	got, _ := ms.GetOrders(10000002, 34, 0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}

	// Location filter.
	jita, _ := ms.GetOrders(10000002, 34, 60003760)
	if len(jita) != 2 {
		t.Errorf("jita orders = %d, want 2", len(jita))
	}

	// Wholesale replacement drops the old snapshot entirely.
	if err := ms.ReplaceOrders(10000002, 34, orders[:1], time.Time{}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ = ms.GetOrders(10000002, 34, 0)
	if len(got) != 1 || got[0].OrderID != 1 {
		t.Errorf("after replace = %+v, want only order 1", got)
	}

	if _, _, ok := ms.FetchState(10000002, 34, "orders"); !ok {
		t.Error("fetch state missing after save")
	}
}

func TestPriceCache_Expiry(t *testing.T) {
	stores := openTestStores(t)
	ms := NewMarketStore(stores.Market)

	p := CachedPrice{TypeID: 34, RegionID: 10000002, PriceType: "sell", Price: 5.04,
		Method: "hybrid", Confidence: "high"}
	if err := ms.PutCachedPrice(p); err != nil {
		t.Fatalf("PutCachedPrice: %v", err)
	}
	if got := ms.GetCachedPrice(34, 0, 10000002, "sell"); got == nil || got.Price != 5.04 {
		t.Fatalf("GetCachedPrice = %+v, want 5.04", got)
	}

	// Age the row past the TTL.
	_, err := stores.Market.Exec(`UPDATE price_cache SET expires_at = ?`,
		time.Now().Add(-time.Second).UnixMilli())
	if err != nil {
		t.Fatalf("age row: %v", err)
	}
	if got := ms.GetCachedPrice(34, 0, 10000002, "sell"); got != nil {
		t.Errorf("expired cache returned %+v, want nil", got)
	}
}

// fakeExpander returns a fixed two-level tree: the root consumes type 34
// directly and builds an intermediate (blueprint 1001, product 11399) that
// consumes type 35.
type fakeExpander struct {
	withIntermediate bool
}

func (f *fakeExpander) Expand(ctx context.Context, req ExpandRequest) (*BlueprintNode, []string, error) {
	root := &BlueprintNode{
		BlueprintTypeID: req.BlueprintTypeID,
		ProductTypeID:   645,
		ProductQty:      int64(req.Runs),
		Runs:            req.Runs,
		ME:              req.ME,
		Depth:           0,
		RawMaterials:    map[int32]int64{34: int64(req.Runs) * 1000},
	}
	if f.withIntermediate {
		root.Children = []*BlueprintNode{{
			BlueprintTypeID: 1001,
			ProductTypeID:   11399,
			ProductQty:      int64(req.Runs) * 2,
			Runs:            req.Runs * 2,
			ME:              0,
			Depth:           1,
			RawMaterials:    map[int32]int64{35: int64(req.Runs) * 2 * 50},
		}}
	}
	return root, nil, nil
}

type fakePricer struct {
	material float64
	product  float64
}

func (f *fakePricer) MaterialPrice(ctx context.Context, typeID int32) (float64, bool) {
	return f.material, f.material > 0
}
func (f *fakePricer) ProductPrice(ctx context.Context, typeID int32) (float64, bool) {
	return f.product, f.product > 0
}

func newTestPlanStore(t *testing.T, exp BlueprintExpander, pricer PlanPricer) *PlanStore {
	t.Helper()
	stores := openTestStores(t)
	return NewPlanStore(stores.Character, exp, pricer)
}

func TestCreatePlan_AutoName(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{}, nil)
	plan, err := ps.CreatePlan(1001, "", "")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if !strings.HasPrefix(plan.Name, "Plan ") {
		t.Errorf("auto name = %q, want Plan YYYY-MM-DD HH:MM", plan.Name)
	}
	if plan.Status != "active" {
		t.Errorf("status = %q, want active", plan.Status)
	}
}

func TestAddBlueprint_AggregatesAndBuildsForest(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{withIntermediate: true}, nil)
	plan, _ := ps.CreatePlan(1001, "forest", "")

	rootID, _, err := ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{
		BlueprintTypeID: 995, Runs: 10, Lines: 2, ME: 10,
	})
	if err != nil {
		t.Fatalf("AddBlueprint: %v", err)
	}

	bps, err := ps.ListBlueprints(plan.PlanID)
	if err != nil {
		t.Fatalf("ListBlueprints: %v", err)
	}
	if len(bps) != 2 {
		t.Fatalf("blueprint rows = %d, want 2 (root + intermediate)", len(bps))
	}
	root, inter := bps[0], bps[1]
	if root.PlanBlueprintID != rootID || root.IsIntermediate {
		t.Errorf("root = %+v", root)
	}
	if !inter.IsIntermediate || inter.ParentBlueprintID == nil || *inter.ParentBlueprintID != rootID {
		t.Errorf("intermediate not parented to root: %+v", inter)
	}

	mats, err := ps.GetMaterials(plan.PlanID, false)
	if err != nil {
		t.Fatalf("GetMaterials: %v", err)
	}
	byType := materialMap(mats)
	if byType[34] != 10000 {
		t.Errorf("type 34 demand = %d, want 10000", byType[34])
	}
	if byType[35] != 1000 {
		t.Errorf("type 35 demand = %d, want 1000", byType[35])
	}

	products, _ := ps.GetProducts(plan.PlanID)
	if len(products) != 2 {
		t.Fatalf("products = %+v, want final + intermediate", products)
	}
	if products[0].TypeID != 645 || products[0].IntermediateDepth != 0 || products[0].IsIntermediate {
		t.Errorf("final product = %+v", products[0])
	}
	if products[1].TypeID != 11399 || !products[1].IsIntermediate {
		t.Errorf("intermediate product = %+v", products[1])
	}
}

func TestMaterialAggregation_SumsAcrossBlueprints(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{}, nil)
	plan, _ := ps.CreatePlan(1001, "sum", "")

	ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{BlueprintTypeID: 995, Runs: 3})
	ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{BlueprintTypeID: 996, Runs: 7})

	mats, _ := ps.GetMaterials(plan.PlanID, false)
	if got := materialMap(mats)[34]; got != 10000 {
		t.Errorf("aggregated demand = %d, want 3000+7000", got)
	}
}

func TestRemoveBlueprint_RoundTrip(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{withIntermediate: true}, nil)
	plan, _ := ps.CreatePlan(1001, "roundtrip", "")

	id, _, err := ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{
		BlueprintTypeID: 995, Runs: 5,
	})
	if err != nil {
		t.Fatalf("AddBlueprint: %v", err)
	}

	if _, err := ps.RemoveBlueprint(context.Background(), id); err != nil {
		t.Fatalf("RemoveBlueprint: %v", err)
	}

	bps, _ := ps.ListBlueprints(plan.PlanID)
	if len(bps) != 0 {
		t.Errorf("blueprints left = %+v, want none (descendants cascade)", bps)
	}
	mats, _ := ps.GetMaterials(plan.PlanID, false)
	if len(mats) != 0 {
		t.Errorf("materials left = %+v, want none", mats)
	}
	products, _ := ps.GetProducts(plan.PlanID)
	if len(products) != 0 {
		t.Errorf("products left = %+v, want none", products)
	}
}

func TestRemoveBlueprint_DeletesExcessAcquisition(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{}, nil)
	plan, _ := ps.CreatePlan(1001, "excess", "")

	id, _, _ := ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{
		BlueprintTypeID: 995, Runs: 1,
	})
	if err := ps.MarkMaterialAcquired(plan.PlanID, 34, AcquisitionInput{Quantity: 1500, Method: "buy"}); err != nil {
		t.Fatalf("MarkMaterialAcquired: %v", err)
	}

	warnings, err := ps.RemoveBlueprint(context.Background(), id)
	if err != nil {
		t.Fatalf("RemoveBlueprint: %v", err)
	}
	if len(warnings) == 0 || !strings.Contains(warnings[0], "1500") {
		t.Errorf("warnings = %v, want deleted-acquisition warning with 1500", warnings)
	}
	mats, _ := ps.GetMaterials(plan.PlanID, false)
	if len(mats) != 0 {
		t.Errorf("materials = %+v, want acquisition gone with the demand", mats)
	}
}

func TestMarkIntermediateBuilt_ClampAndScale(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{withIntermediate: true}, nil)
	plan, _ := ps.CreatePlan(1001, "built", "")

	ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{BlueprintTypeID: 995, Runs: 5})
	bps, _ := ps.ListBlueprints(plan.PlanID)
	inter := bps[1]
	if !inter.IsIntermediate {
		t.Fatalf("expected intermediate second, got %+v", inter)
	}

	// Clamp above runs.
	if _, err := ps.MarkIntermediateBuilt(context.Background(), inter.PlanBlueprintID, 9999); err != nil {
		t.Fatalf("MarkIntermediateBuilt: %v", err)
	}
	got, _ := ps.GetBlueprint(inter.PlanBlueprintID)
	if got.BuiltRuns != inter.Runs {
		t.Errorf("built = %d, want clamped to %d", got.BuiltRuns, inter.Runs)
	}
	// Fully built: the intermediate's raw demand drops out.
	mats, _ := ps.GetMaterials(plan.PlanID, false)
	if q := materialMap(mats)[35]; q != 0 {
		t.Errorf("type 35 demand = %d, want 0 when fully built", q)
	}

	// Half built: demand scales by remaining runs, rounded up.
	if _, err := ps.MarkIntermediateBuilt(context.Background(), inter.PlanBlueprintID, inter.Runs/2); err != nil {
		t.Fatalf("MarkIntermediateBuilt: %v", err)
	}
	mats, _ = ps.GetMaterials(plan.PlanID, false)
	full := int64(500) // 5 runs * 2 * 50
	remaining := int64(inter.Runs - inter.Runs/2)
	want := (full*remaining + int64(inter.Runs) - 1) / int64(inter.Runs)
	if q := materialMap(mats)[35]; q != want {
		t.Errorf("scaled demand = %d, want %d", q, want)
	}

	// Clamp below zero.
	ps.MarkIntermediateBuilt(context.Background(), inter.PlanBlueprintID, -3)
	got, _ = ps.GetBlueprint(inter.PlanBlueprintID)
	if got.BuiltRuns != 0 {
		t.Errorf("built = %d, want 0", got.BuiltRuns)
	}
}

func TestBulkUpdate_SingleReaggregate(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{}, nil)
	plan, _ := ps.CreatePlan(1001, "bulk", "")

	id1, _, _ := ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{BlueprintTypeID: 995, Runs: 1})
	id2, _, _ := ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{BlueprintTypeID: 996, Runs: 1})

	runs5, runs2 := 5, 2
	_, err := ps.BulkUpdateBlueprints(context.Background(), plan.PlanID, []BlueprintUpdate{
		{PlanBlueprintID: id1, Patch: BlueprintPatch{Runs: &runs5}},
		{PlanBlueprintID: id2, Patch: BlueprintPatch{Runs: &runs2}},
	})
	if err != nil {
		t.Fatalf("BulkUpdateBlueprints: %v", err)
	}

	mats, _ := ps.GetMaterials(plan.PlanID, false)
	if got := materialMap(mats)[34]; got != 7000 {
		t.Errorf("demand after bulk update = %d, want 5000+2000", got)
	}
}

func TestRecalculate_PricesAndSummary(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{}, &fakePricer{material: 4.0, product: 1200000})
	plan, _ := ps.CreatePlan(1001, "summary", "")

	ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{BlueprintTypeID: 995, Runs: 1})
	if _, err := ps.RecalculateMaterials(context.Background(), plan.PlanID, true); err != nil {
		t.Fatalf("RecalculateMaterials: %v", err)
	}

	sum, err := ps.GetSummary(plan.PlanID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if sum.MaterialCost != 4000 {
		t.Errorf("material cost = %v, want 1000*4", sum.MaterialCost)
	}
	if sum.ProductValue != 1200000 {
		t.Errorf("product value = %v, want 1*1200000", sum.ProductValue)
	}
	if sum.EstimatedProfit != 1196000 {
		t.Errorf("profit = %v", sum.EstimatedProfit)
	}
	if sum.MaterialsWithPrice != 1 || sum.MaterialsTotal != 1 {
		t.Errorf("material price counts = %d/%d", sum.MaterialsWithPrice, sum.MaterialsTotal)
	}
}

func TestMatches_ConfirmRejectUnlink(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{}, nil)
	plan, _ := ps.CreatePlan(1001, "matches", "")
	id, _, _ := ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{BlueprintTypeID: 995, Runs: 1})

	n, err := ps.ProposeJobMatches([]JobMatch{
		{PlanID: plan.PlanID, PlanBlueprintID: id, JobID: 555, CharacterID: 1001, Confidence: 0.9, Reason: "runs match"},
	})
	if err != nil || n != 1 {
		t.Fatalf("propose = %d, %v", n, err)
	}

	// Re-proposing the same subject while pending is a no-op.
	n, _ = ps.ProposeJobMatches([]JobMatch{
		{PlanID: plan.PlanID, PlanBlueprintID: id, JobID: 555, Confidence: 0.5},
	})
	if n != 0 {
		t.Errorf("duplicate proposal inserted %d rows, want 0", n)
	}

	matches, _ := ps.ListJobMatches(plan.PlanID, "pending")
	if len(matches) != 1 {
		t.Fatalf("pending = %d, want 1", len(matches))
	}
	matchID := matches[0].MatchID

	if err := ps.ConfirmJobMatch(matchID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// Confirmed is immutable except via unlink.
	if err := ps.RejectJobMatch(matchID); !errors.Is(err, ErrConflict) {
		t.Errorf("reject confirmed = %v, want ErrConflict", err)
	}
	if err := ps.UnlinkJobMatch(matchID); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	matches, _ = ps.ListJobMatches(plan.PlanID, "pending")
	if len(matches) != 1 || matches[0].MatchID != matchID {
		t.Errorf("unlink changed match id: %+v", matches)
	}

	if err := ps.RejectJobMatch(matchID); err != nil {
		t.Fatalf("reject pending: %v", err)
	}
	// A rejected subject may receive a fresh proposal.
	n, _ = ps.ProposeJobMatches([]JobMatch{
		{PlanID: plan.PlanID, PlanBlueprintID: id, JobID: 555, Confidence: 0.7},
	})
	if n != 1 {
		t.Errorf("re-propose after reject inserted %d, want 1", n)
	}

	if err := ps.ConfirmJobMatch(999999); !errors.Is(err, ErrNotFound) {
		t.Errorf("confirm unknown = %v, want ErrNotFound", err)
	}
}

func TestConfirmedTransactionMatch_DrivesStillNeeded(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{}, nil)
	plan, _ := ps.CreatePlan(1001, "progress", "")
	ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{BlueprintTypeID: 995, Runs: 1})

	ps.ProposeTransactionMatches([]TransactionMatch{
		{PlanID: plan.PlanID, TransactionID: 777, TypeID: 34, MatchType: "material_buy",
			Quantity: 400, Confidence: 0.8},
	})
	matches, _ := ps.ListTransactionMatches(plan.PlanID, "pending")
	if len(matches) != 1 {
		t.Fatalf("pending = %d", len(matches))
	}

	// Pending matches do not count toward progress.
	mats, _ := ps.GetMaterials(plan.PlanID, false)
	if mats[0].StillNeeded != 1000 {
		t.Errorf("stillNeeded = %d, want 1000 before confirm", mats[0].StillNeeded)
	}

	ps.ConfirmTransactionMatch(matches[0].MatchID)
	mats, _ = ps.GetMaterials(plan.PlanID, false)
	if mats[0].PurchasedQty != 400 || mats[0].StillNeeded != 600 {
		t.Errorf("purchased = %d stillNeeded = %d, want 400/600", mats[0].PurchasedQty, mats[0].StillNeeded)
	}

	// Manual acquisition stacks with confirmed purchases, floored at zero.
	ps.MarkMaterialAcquired(plan.PlanID, 34, AcquisitionInput{Quantity: 900, Method: "assets"})
	mats, _ = ps.GetMaterials(plan.PlanID, false)
	if mats[0].StillNeeded != 0 {
		t.Errorf("stillNeeded = %d, want floor at 0", mats[0].StillNeeded)
	}
}

func TestCleanupExcessAcquisitions(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{}, nil)
	plan, _ := ps.CreatePlan(1001, "cleanup", "")
	ps.AddBlueprint(context.Background(), plan.PlanID, ExpandRequest{BlueprintTypeID: 995, Runs: 1})

	ps.MarkMaterialAcquired(plan.PlanID, 34, AcquisitionInput{Quantity: 2500, Method: "buy"})
	warnings, err := ps.CleanupExcessAcquisitions(plan.PlanID, 0)
	if err != nil {
		t.Fatalf("CleanupExcessAcquisitions: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want 1", warnings)
	}
	mats, _ := ps.GetMaterials(plan.PlanID, false)
	if mats[0].ManuallyAcquiredQty != 1000 {
		t.Errorf("acquired = %d, want clamped to demand 1000", mats[0].ManuallyAcquiredQty)
	}
}

func TestAllocations_RoundTrip(t *testing.T) {
	ps := newTestPlanStore(t, &fakeExpander{}, nil)
	plan, _ := ps.CreatePlan(1001, "alloc", "")

	id, err := ps.AllocateAsset(plan.PlanID, 34, 500, false)
	if err != nil {
		t.Fatalf("AllocateAsset: %v", err)
	}
	allocs, _ := ps.ListAllocations(plan.PlanID)
	if len(allocs) != 1 || allocs[0].Quantity != 500 {
		t.Errorf("allocations = %+v", allocs)
	}
	if err := ps.ReleaseAllocation(id); err != nil {
		t.Fatalf("ReleaseAllocation: %v", err)
	}
	if err := ps.ReleaseAllocation(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("double release = %v, want ErrNotFound", err)
	}
}

func materialMap(mats []MaterialStatus) map[int32]int64 {
	out := make(map[int32]int64, len(mats))
	for _, m := range mats {
		out[m.TypeID] = m.Quantity
	}
	return out
}
