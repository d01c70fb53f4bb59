package engine

import (
	"fmt"
	"math"
	"time"

	"eve-quantum/internal/db"
)

// DefaultMinConfidence filters match candidates unless the caller asks
// for more or less.
const DefaultMinConfidence = 0.3

// Job-match component weights.
const (
	jobRunsWeight     = 0.5
	jobFacilityWeight = 0.3
	jobRecencyWeight  = 0.2
)

// MatchJobs proposes links between plan blueprints (top-level and
// intermediate) and manufacturing jobs of the same blueprint type.
func MatchJobs(blueprints []db.PlanBlueprint, jobs []db.IndustryJob, minConfidence float64, now time.Time) []db.JobMatch {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}

	var out []db.JobMatch
	for _, bp := range blueprints {
		if bp.Runs <= 0 {
			continue
		}
		for _, job := range jobs {
			if job.ActivityID != 1 || job.BlueprintTypeID != bp.BlueprintTypeID {
				continue
			}

			runsMatch := 1 - math.Min(1, math.Abs(float64(job.Runs-bp.Runs))/float64(bp.Runs))
			facilityMatch := 0.3
			if bp.FacilityID != 0 && job.FacilityID == bp.FacilityID {
				facilityMatch = 1
			}
			recencyMatch := 0.0
			if started, err := time.Parse(time.RFC3339, job.StartDate); err == nil {
				days := now.Sub(started).Hours() / 24
				if days < 0 {
					days = 0
				}
				recencyMatch = math.Exp(-days / 7)
			}

			confidence := jobRunsWeight*runsMatch + jobFacilityWeight*facilityMatch + jobRecencyWeight*recencyMatch
			if confidence < minConfidence {
				continue
			}

			perRun := int64(0)
			if bp.Runs > 0 {
				perRun = bp.ProductQuantity / int64(bp.Runs)
			}
			out = append(out, db.JobMatch{
				PlanID:          bp.PlanID,
				PlanBlueprintID: bp.PlanBlueprintID,
				JobID:           job.JobID,
				CharacterID:     job.CharacterID,
				Quantity:        perRun * int64(job.Runs),
				Confidence:      round2(confidence),
				Reason: fmt.Sprintf("runs %d vs %d, facility %s, started %s",
					job.Runs, bp.Runs, facilityLabel(facilityMatch), job.StartDate),
			})
		}
	}
	return out
}

// Transaction-match component weights. Type equality is required, so its
// weight is the floor for any candidate.
const (
	txTypeWeight      = 0.5
	txLocalityWeight  = 0.2
	txMagnitudeWeight = 0.3
)

// MatchTransactions proposes links between wallet transactions and the
// plan's materials (buys) or products (sells). homeLocationID grants the
// locality bonus. A transaction may be split across plans, so quantity is
// capped at the outstanding demand.
func MatchTransactions(planID int64, materials []db.MaterialStatus, products []db.PlanProduct,
	txns []db.WalletTransaction, homeLocationID int64, minConfidence float64) []db.TransactionMatch {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}

	materialByType := make(map[int32]db.MaterialStatus, len(materials))
	for _, m := range materials {
		materialByType[m.TypeID] = m
	}
	productByType := make(map[int32]db.PlanProduct, len(products))
	for _, p := range products {
		productByType[p.TypeID] = p
	}

	var out []db.TransactionMatch
	for _, txn := range txns {
		if txn.IsBuy {
			m, ok := materialByType[txn.TypeID]
			if !ok {
				continue
			}
			target := m.StillNeeded
			if target <= 0 {
				target = m.Quantity
			}
			confidence := txConfidence(txn.LocationID, homeLocationID, txn.Quantity, target)
			if confidence < minConfidence {
				continue
			}
			qty := txn.Quantity
			if target > 0 && qty > target {
				qty = target
			}
			out = append(out, db.TransactionMatch{
				PlanID:        planID,
				TransactionID: txn.TransactionID,
				CharacterID:   txn.CharacterID,
				TypeID:        txn.TypeID,
				MatchType:     "material_buy",
				Quantity:      qty,
				Confidence:    round2(confidence),
				Reason:        fmt.Sprintf("bought %d of needed %d", txn.Quantity, m.Quantity),
			})
			continue
		}

		p, ok := productByType[txn.TypeID]
		if !ok {
			continue
		}
		confidence := txConfidence(txn.LocationID, homeLocationID, txn.Quantity, p.Quantity)
		if confidence < minConfidence {
			continue
		}
		qty := txn.Quantity
		if qty > p.Quantity {
			qty = p.Quantity
		}
		out = append(out, db.TransactionMatch{
			PlanID:        planID,
			TransactionID: txn.TransactionID,
			CharacterID:   txn.CharacterID,
			TypeID:        txn.TypeID,
			MatchType:     "product_sell",
			Quantity:      qty,
			Confidence:    round2(confidence),
			Reason:        fmt.Sprintf("sold %d of planned %d", txn.Quantity, p.Quantity),
		})
	}
	return out
}

func txConfidence(location, home, qty, target int64) float64 {
	confidence := txTypeWeight
	if home != 0 && location == home {
		confidence += txLocalityWeight
	}
	if target > 0 {
		prox := 1 - math.Min(1, math.Abs(float64(qty-target))/float64(target))
		confidence += txMagnitudeWeight * prox
	}
	return confidence
}

func facilityLabel(match float64) string {
	if match >= 1 {
		return "same"
	}
	return "different"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
