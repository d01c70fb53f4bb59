package engine

import (
	"context"
	"math"
	"testing"

	"eve-quantum/internal/esi"
	"eve-quantum/internal/sde"
)

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestTaxes_MaxSkills(t *testing.T) {
	taxes := Taxes(10_000, 20_000, 5, 5)

	approx(t, "broker rate", taxes.BrokerFeeRate, 0.015)
	approx(t, "sales rate", taxes.SalesTaxRate, 0.03375)
	approx(t, "material broker fee", taxes.MaterialBrokerFee, 150)
	approx(t, "sales tax", taxes.SalesTax, 675)
	approx(t, "product broker fee", taxes.ProductBrokerFee, 300)
	approx(t, "total", taxes.Total, 1125)

	// Untrained baseline for comparison.
	base := Taxes(10_000, 20_000, 0, 0)
	if base.Total <= taxes.Total {
		t.Errorf("untrained total %v should exceed max-skill total %v", base.Total, taxes.Total)
	}
	approx(t, "untrained total", base.Total, 10_000*0.03+20_000*0.075+20_000*0.03)
}

func TestTaxes_RatesFloorAtZero(t *testing.T) {
	taxes := Taxes(1000, 1000, 20, 20)
	if taxes.BrokerFeeRate < 0 || taxes.SalesTaxRate < 0 {
		t.Errorf("rates went negative: %+v", taxes)
	}
}

func TestEIV(t *testing.T) {
	materials := []sde.Material{
		{TypeID: 34, Quantity: 10},
		{TypeID: 35, Quantity: 1},
		{TypeID: 500, Quantity: 4},
	}
	prices := map[int32]float64{34: 5, 35: 100, 500: 2.5}

	// Per run: 50 + 100 + 10 = 160.
	approx(t, "eiv", EIV(materials, 10, prices), 1600)
	// Unpriced types contribute nothing.
	approx(t, "eiv partial", EIV(materials, 1, map[int32]float64{34: 5}), 50)
}

func TestManufacturingJobCost(t *testing.T) {
	jc := ManufacturingJobCost(1600, 0.05, 0.03, []float64{0.01}, 0.01)

	approx(t, "gross", jc.JobGross, 1600*0.05*0.96)
	approx(t, "scc", jc.SCC, 64)
	approx(t, "facility tax", jc.FacilityTax, 16)
	approx(t, "total", jc.JobTotal, jc.JobGross+64+16)
	if jc.Warning != "" {
		t.Errorf("unexpected warning %q", jc.Warning)
	}
}

func TestManufacturingJobCost_MissingIndex(t *testing.T) {
	jc := ManufacturingJobCost(1600, 0, 0, nil, 0)

	if jc.JobGross != 0 {
		t.Errorf("gross = %v, want 0 with no index", jc.JobGross)
	}
	if jc.Warning == "" {
		t.Error("missing index should warn")
	}
	// The surcharge applies regardless.
	approx(t, "scc", jc.SCC, 64)
}

func TestManufacturingJobCost_BonusCap(t *testing.T) {
	jc := ManufacturingJobCost(1000, 0.05, 0.8, []float64{0.5}, 0)
	if jc.JobGross != 0 {
		t.Errorf("gross = %v, bonuses past 100%% should zero the gross, not refund", jc.JobGross)
	}
}

func TestInventionJobCost(t *testing.T) {
	jc := InventionJobCost(1000, 0.04, 0, nil, 0)
	approx(t, "eiv share", jc.EIV, 20)
	approx(t, "gross", jc.JobGross, 20*0.04)
}

func TestBlueprintPricing(t *testing.T) {
	e := newTestEngine(t)
	req := CostRequest{BlueprintTypeID: 1000, Runs: 1, UseIntermediates: IntermediatesBuy}
	res, err := e.Compute(context.Background(), req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	inputPrices := map[int32]float64{34: 5, 35: 100, 500: 2.5}
	in := PricingInputs{
		PriceInput: func(ctx context.Context, typeID int32, qty int64) (float64, bool) {
			p, ok := inputPrices[typeID]
			return p, ok
		},
		PriceOutput: func(ctx context.Context, typeID int32, qty int64) (float64, bool) {
			return 2000, true
		},
		AdjustedPrices: inputPrices,
		CostIndices:    esi.SystemCostIndices{Manufacturing: 0.05},
	}

	pb, err := e.BlueprintPricing(context.Background(), req, res, in)
	if err != nil {
		t.Fatalf("BlueprintPricing: %v", err)
	}
	// 10x34 + 1x35 + 4x500 at ME 0.
	approx(t, "materials cost", pb.MaterialsCost, 160)
	if pb.ItemsPriced != 3 || pb.ItemsWithoutPrices != 0 {
		t.Errorf("priced = %d/%d, want 3/0", pb.ItemsPriced, pb.ItemsWithoutPrices)
	}
	approx(t, "output value", pb.OutputValue, 2000)
	approx(t, "job eiv", pb.Job.EIV, 160)
	approx(t, "job gross", pb.Job.JobGross, 160*0.05)
	approx(t, "total cost", pb.TotalCost, pb.MaterialsCost+pb.Job.JobTotal+pb.Taxes.Total)
	approx(t, "profit", pb.Profit, pb.OutputValue-pb.TotalCost)
	approx(t, "margin", pb.ProfitMargin, pb.Profit/pb.OutputValue)
}

func TestBlueprintPricing_CountsUnpricedItems(t *testing.T) {
	e := newTestEngine(t)
	req := CostRequest{BlueprintTypeID: 1000, Runs: 1, UseIntermediates: IntermediatesBuy}
	res, err := e.Compute(context.Background(), req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	in := PricingInputs{
		PriceInput: func(ctx context.Context, typeID int32, qty int64) (float64, bool) {
			if typeID == 500 {
				return 0, false
			}
			return 1, true
		},
	}
	pb, err := e.BlueprintPricing(context.Background(), req, res, in)
	if err != nil {
		t.Fatalf("BlueprintPricing: %v", err)
	}
	if pb.ItemsWithoutPrices != 1 {
		t.Errorf("unpriced = %d, want 1", pb.ItemsWithoutPrices)
	}
	if len(pb.Warnings) == 0 {
		t.Error("unpriced items should warn")
	}
}

func TestInventionChance(t *testing.T) {
	dec := &sde.Decryptor{ProbabilityMultiplier: 1.2}

	got := InventionChance(0.34, 5, 5, 5, dec)
	approx(t, "chance", got, 0.34*(1+10.0/30+5.0/40)*1.2)

	if got := InventionChance(0.9, 5, 5, 5, dec); got != 1 {
		t.Errorf("chance = %v, want clamp at 1", got)
	}
	if got := InventionChance(0, 5, 5, 5, nil); got != 0 {
		t.Errorf("zero base = %v, want 0", got)
	}
}
