package db

import (
	"time"
)

// AssetAllocation reserves on-hand assets for a plan.
type AssetAllocation struct {
	AllocationID  int64     `json:"allocation_id"`
	PlanID        int64     `json:"plan_id"`
	TypeID        int32     `json:"type_id"`
	Quantity      int64     `json:"quantity"`
	IsCorporation bool      `json:"is_corporation"`
	AllocatedAt   time.Time `json:"allocated_at"`
}

// AllocateAsset reserves a quantity of a type for the plan.
func (s *PlanStore) AllocateAsset(planID int64, typeID int32, quantity int64, corporation bool) (int64, error) {
	if _, err := s.GetPlan(planID); err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		INSERT INTO plan_asset_allocations (plan_id, type_id, quantity, is_corporation, allocated_at)
		VALUES (?, ?, ?, ?, ?)`,
		planID, typeID, quantity, boolInt(corporation), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ReleaseAllocation removes a reservation.
func (s *PlanStore) ReleaseAllocation(allocationID int64) error {
	res, err := s.db.Exec(`DELETE FROM plan_asset_allocations WHERE allocation_id = ?`, allocationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAllocations returns a plan's asset reservations.
func (s *PlanStore) ListAllocations(planID int64) ([]AssetAllocation, error) {
	rows, err := s.db.Query(`
		SELECT allocation_id, plan_id, type_id, quantity, is_corporation, allocated_at
		FROM plan_asset_allocations WHERE plan_id = ?
		ORDER BY allocation_id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssetAllocation
	for rows.Next() {
		var a AssetAllocation
		var corp int
		var allocMs int64
		if err := rows.Scan(&a.AllocationID, &a.PlanID, &a.TypeID, &a.Quantity, &corp, &allocMs); err != nil {
			return nil, err
		}
		a.IsCorporation = corp == 1
		a.AllocatedAt = time.UnixMilli(allocMs)
		out = append(out, a)
	}
	return out, rows.Err()
}
