package engine

import (
	"eve-quantum/internal/db"
)

// PlanProgress is the acquisition state of a plan, quantity-weighted.
type PlanProgress struct {
	MaterialsTotal    int     `json:"materials_total"`
	MaterialsComplete int     `json:"materials_complete"`
	PercentAcquired   float64 `json:"percent_acquired"`
}

// Progress computes how much of the plan's material demand is covered by
// manual acquisitions, confirmed purchases and confirmed builds.
func Progress(materials []db.MaterialStatus) PlanProgress {
	p := PlanProgress{MaterialsTotal: len(materials)}
	var needed, covered int64
	for _, m := range materials {
		needed += m.Quantity
		have := m.ManuallyAcquiredQty + m.PurchasedQty + m.ManufacturedQty
		if have > m.Quantity {
			have = m.Quantity
		}
		covered += have
		if m.StillNeeded == 0 {
			p.MaterialsComplete++
		}
	}
	if needed > 0 {
		p.PercentAcquired = float64(covered) / float64(needed) * 100
	}
	return p
}

// PlanPerformance compares planned cost/value against what confirmed
// matches actually paid and earned.
type PlanPerformance struct {
	PlannedCost   float64 `json:"planned_cost"`
	PlannedValue  float64 `json:"planned_value"`
	PlannedProfit float64 `json:"planned_profit"`
	ActualSpend   float64 `json:"actual_spend"`
	ActualRevenue float64 `json:"actual_revenue"`
	ActualProfit  float64 `json:"actual_profit"`
	ActualROI     float64 `json:"actual_roi"`
}

// Performance rolls confirmed transaction matches into realized spend and
// revenue. Transactions are looked up by id for their unit prices.
func Performance(summary *db.PlanSummary, confirmed []db.TransactionMatch, txns map[int64]db.WalletTransaction) PlanPerformance {
	perf := PlanPerformance{}
	if summary != nil {
		perf.PlannedCost = summary.MaterialCost
		perf.PlannedValue = summary.ProductValue
		perf.PlannedProfit = summary.EstimatedProfit
	}

	for _, m := range confirmed {
		if m.Status != "confirmed" {
			continue
		}
		txn, ok := txns[m.TransactionID]
		if !ok {
			continue
		}
		amount := float64(m.Quantity) * txn.UnitPrice
		switch m.MatchType {
		case "material_buy":
			perf.ActualSpend += amount
		case "product_sell":
			perf.ActualRevenue += amount
		}
	}
	perf.ActualProfit = perf.ActualRevenue - perf.ActualSpend
	if perf.ActualSpend > 0 {
		perf.ActualROI = perf.ActualProfit / perf.ActualSpend
	}
	return perf
}
