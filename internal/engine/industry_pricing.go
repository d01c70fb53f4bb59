package engine

import (
	"context"
	"fmt"
	"math"

	"eve-quantum/internal/esi"
	"eve-quantum/internal/sde"
)

// Industry cost rates.
const (
	sccSurchargeRate  = 0.04
	inventionEIVShare = 0.02
	baseBrokerRate    = 0.03
	brokerSkillRate   = 0.003
	baseSalesTaxRate  = 0.075
	accountingFactor  = 0.11
)

// JobCost is the install cost of one industry job.
type JobCost struct {
	EIV         float64 `json:"eiv"`
	JobGross    float64 `json:"job_gross"`
	SCC         float64 `json:"scc_surcharge"`
	FacilityTax float64 `json:"facility_tax"`
	JobTotal    float64 `json:"job_total"`
	Warning     string  `json:"warning,omitempty"`
}

// TradeTaxes are broker fees and sales tax around one build.
type TradeTaxes struct {
	BrokerFeeRate     float64 `json:"broker_fee_rate"`
	SalesTaxRate      float64 `json:"sales_tax_rate"`
	MaterialBrokerFee float64 `json:"material_broker_fee"`
	SalesTax          float64 `json:"sales_tax"`
	ProductBrokerFee  float64 `json:"product_broker_fee"`
	Total             float64 `json:"total"`
}

// PricingBreakdown is the complete priced view of a cost result.
type PricingBreakdown struct {
	MaterialsCost      float64    `json:"materials_cost"`
	ItemsPriced        int        `json:"items_priced"`
	ItemsWithoutPrices int        `json:"items_without_prices"`
	OutputValue        float64    `json:"output_value"`
	Job                JobCost    `json:"job"`
	Taxes              TradeTaxes `json:"taxes"`
	TotalCost          float64    `json:"total_cost"`
	Profit             float64    `json:"profit"`
	ProfitMargin       float64    `json:"profit_margin"`
	Warnings           []string   `json:"warnings,omitempty"`
}

// EIV is the estimated item value of a job: the game's adjusted prices
// over the blueprint's base (pre-ME) quantities.
func EIV(baseMaterials []sde.Material, runs int, adjustedPrices map[int32]float64) float64 {
	var eiv float64
	for _, m := range baseMaterials {
		eiv += adjustedPrices[m.TypeID] * float64(m.Quantity) * float64(runs)
	}
	return eiv
}

// ManufacturingJobCost computes the install cost from the EIV. Structure
// and rig cost bonuses are summed on this path. A zero system index means
// the index was unavailable: the gross is zero and a warning is set.
func ManufacturingJobCost(eiv, systemIndex float64, structureBonus float64, rigBonuses []float64, facilityTaxRate float64) JobCost {
	jc := JobCost{EIV: eiv}

	totalBonus := structureBonus
	for _, b := range rigBonuses {
		totalBonus += b
	}
	if totalBonus > 1 {
		totalBonus = 1
	}

	if systemIndex > 0 {
		jc.JobGross = eiv * systemIndex * (1 - totalBonus)
	} else {
		jc.Warning = "system cost index unavailable, job cost incomplete"
	}
	jc.SCC = eiv * sccSurchargeRate
	jc.FacilityTax = eiv * facilityTaxRate
	jc.JobTotal = jc.JobGross + jc.SCC + jc.FacilityTax
	return jc
}

// InventionJobCost is the install cost of an invention job: the job base
// is 2% of the EIV, against the invention index.
func InventionJobCost(eiv, inventionIndex float64, structureBonus float64, rigBonuses []float64, facilityTaxRate float64) JobCost {
	return ManufacturingJobCost(eiv*inventionEIVShare, inventionIndex, structureBonus, rigBonuses, facilityTaxRate)
}

// Taxes computes broker fees and sales tax for one build at the given
// skill levels. Broker fee floors at zero.
func Taxes(materialsCost, outputValue float64, accountingLevel, brokerRelationsLevel int) TradeTaxes {
	brokerRate := baseBrokerRate - brokerSkillRate*float64(brokerRelationsLevel)
	if brokerRate < 0 {
		brokerRate = 0
	}
	salesRate := baseSalesTaxRate * (1 - accountingFactor*float64(accountingLevel))
	if salesRate < 0 {
		salesRate = 0
	}

	t := TradeTaxes{
		BrokerFeeRate:     brokerRate,
		SalesTaxRate:      salesRate,
		MaterialBrokerFee: materialsCost * brokerRate,
		SalesTax:          outputValue * salesRate,
		ProductBrokerFee:  outputValue * brokerRate,
	}
	t.Total = t.MaterialBrokerFee + t.SalesTax + t.ProductBrokerFee
	return t
}

// PriceFunc prices one type on one side for a quantity; ok is false when
// no price could be determined.
type PriceFunc func(ctx context.Context, typeID int32, qty int64) (float64, bool)

// PricingInputs carries everything BlueprintPricing needs beyond the cost
// result itself.
type PricingInputs struct {
	PriceInput      PriceFunc
	PriceOutput     PriceFunc
	AdjustedPrices  map[int32]float64
	CostIndices     esi.SystemCostIndices
	FacilityTaxRate float64
	Accounting      int
	BrokerRelations int
}

// BlueprintPricing prices a depth-0 cost result: material bill on the
// input side, product on the output side, EIV-based job install cost and
// trading taxes. Totals are computed even when some items have no price;
// ItemsWithoutPrices reports how many.
func (e *CostEngine) BlueprintPricing(ctx context.Context, req CostRequest, res *CostResult, in PricingInputs) (*PricingBreakdown, error) {
	pb := &PricingBreakdown{}

	for typeID, qty := range res.Materials {
		if in.PriceInput == nil {
			pb.ItemsWithoutPrices++
			continue
		}
		price, ok := in.PriceInput(ctx, typeID, qty)
		if !ok || price <= 0 {
			pb.ItemsWithoutPrices++
			continue
		}
		pb.MaterialsCost += price * float64(qty)
		pb.ItemsPriced++
	}
	if pb.ItemsWithoutPrices > 0 {
		pb.Warnings = append(pb.Warnings, fmt.Sprintf(
			"%d materials have no price", pb.ItemsWithoutPrices))
	}

	if res.Product != nil && in.PriceOutput != nil {
		if price, ok := in.PriceOutput(ctx, res.Product.TypeID, res.Product.Quantity); ok && price > 0 {
			pb.OutputValue = price * float64(res.Product.Quantity)
		} else {
			pb.Warnings = append(pb.Warnings, "product has no price")
		}
	}

	baseMaterials, err := e.sde.BlueprintMaterials(req.BlueprintTypeID, sde.ActivityManufacturing)
	if err != nil {
		return nil, err
	}
	eiv := EIV(baseMaterials, req.Runs, in.AdjustedPrices)

	structBonus, rigBonuses := e.facilityCostBonuses(req.Facility)
	pb.Job = ManufacturingJobCost(eiv, in.CostIndices.Manufacturing, structBonus, rigBonuses, in.FacilityTaxRate)
	if pb.Job.Warning != "" {
		pb.Warnings = append(pb.Warnings, pb.Job.Warning)
	}

	pb.Taxes = Taxes(pb.MaterialsCost, pb.OutputValue, in.Accounting, in.BrokerRelations)

	pb.TotalCost = pb.MaterialsCost + pb.Job.JobTotal + pb.Taxes.Total
	pb.Profit = pb.OutputValue - pb.TotalCost
	if pb.OutputValue > 0 {
		pb.ProfitMargin = pb.Profit / pb.OutputValue
	}
	return pb, nil
}

// InventionChance applies skills and a decryptor to a base invention
// probability, clamped to [0, 1].
func InventionChance(base float64, scienceA, scienceB, encryption int, decryptor *sde.Decryptor) float64 {
	p := base * (1 + float64(scienceA+scienceB)/30 + float64(encryption)/40)
	if decryptor != nil && decryptor.ProbabilityMultiplier > 0 {
		p *= decryptor.ProbabilityMultiplier
	}
	return math.Min(1, math.Max(0, p))
}
