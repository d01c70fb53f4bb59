package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ExpandRequest describes one blueprint node to expand into its build tree.
type ExpandRequest struct {
	BlueprintTypeID  int32  `json:"blueprint_type_id"`
	Runs             int    `json:"runs"`
	Lines            int    `json:"lines"`
	ME               int    `json:"me_level"`
	TE               int    `json:"te_level"`
	CharacterID      int64  `json:"character_id"`
	FacilityID       int64  `json:"facility_id"`
	FacilitySnapshot string `json:"facility_snapshot"`
	UseIntermediates string `json:"use_intermediates"`
}

// BlueprintNode is one node of an expanded build tree. RawMaterials holds
// the leaves purchased at this node, totaled for its full run count.
type BlueprintNode struct {
	BlueprintTypeID int32
	ProductTypeID   int32
	ProductQty      int64
	Runs            int
	ME              int
	Depth           int
	RawMaterials    map[int32]int64
	Children        []*BlueprintNode
}

// BlueprintExpander turns a blueprint config into its intermediate tree.
// The cost engine implements this; tests inject fakes.
type BlueprintExpander interface {
	Expand(ctx context.Context, req ExpandRequest) (*BlueprintNode, []string, error)
}

// PlanPricer prices materials (input side) and products (output side) for
// plan aggregation. A nil pricer leaves prices untouched.
type PlanPricer interface {
	MaterialPrice(ctx context.Context, typeID int32) (float64, bool)
	ProductPrice(ctx context.Context, typeID int32) (float64, bool)
}

// Plan is a manufacturing plan header.
type Plan struct {
	PlanID      int64      `json:"plan_id"`
	CharacterID int64      `json:"character_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PlanBlueprint is one stored blueprint node of a plan.
type PlanBlueprint struct {
	PlanBlueprintID   int64  `json:"plan_blueprint_id"`
	PlanID            int64  `json:"plan_id"`
	BlueprintTypeID   int32  `json:"blueprint_type_id"`
	Runs              int    `json:"runs"`
	Lines             int    `json:"lines"`
	ME                int    `json:"me_level"`
	TE                int    `json:"te_level"`
	FacilityID        int64  `json:"facility_id"`
	FacilitySnapshot  string `json:"facility_snapshot"`
	UseIntermediates  string `json:"use_intermediates"`
	IsIntermediate    bool   `json:"is_intermediate"`
	ParentBlueprintID *int64 `json:"parent_blueprint_id,omitempty"`
	ProductTypeID     int32  `json:"product_type_id"`
	ProductQuantity   int64  `json:"product_quantity"`
	Depth             int    `json:"depth"`
	BuiltRuns         int    `json:"built_runs"`
}

// PlanMaterial is one aggregated material row.
type PlanMaterial struct {
	PlanID              int64    `json:"plan_id"`
	TypeID              int32    `json:"type_id"`
	Quantity            int64    `json:"quantity"`
	BasePrice           *float64 `json:"base_price,omitempty"`
	CustomPrice         *float64 `json:"custom_price,omitempty"`
	ManuallyAcquiredQty int64    `json:"manually_acquired_qty"`
	AcquisitionMethod   string   `json:"acquisition_method,omitempty"`
	AcquisitionNote     string   `json:"acquisition_note,omitempty"`
}

// PlanProduct is one aggregated product row.
type PlanProduct struct {
	PlanID            int64    `json:"plan_id"`
	TypeID            int32    `json:"type_id"`
	Quantity          int64    `json:"quantity"`
	BasePrice         *float64 `json:"base_price,omitempty"`
	IsIntermediate    bool     `json:"is_intermediate"`
	IntermediateDepth int      `json:"intermediate_depth"`
}

// BlueprintPatch holds optional field edits for UpdateBlueprint.
type BlueprintPatch struct {
	Runs             *int    `json:"runs,omitempty"`
	Lines            *int    `json:"lines,omitempty"`
	ME               *int    `json:"me_level,omitempty"`
	TE               *int    `json:"te_level,omitempty"`
	FacilityID       *int64  `json:"facility_id,omitempty"`
	FacilitySnapshot *string `json:"facility_snapshot,omitempty"`
	UseIntermediates *string `json:"use_intermediates,omitempty"`
}

// BlueprintUpdate pairs a blueprint id with its patch for bulk edits.
type BlueprintUpdate struct {
	PlanBlueprintID int64          `json:"plan_blueprint_id"`
	Patch           BlueprintPatch `json:"patch"`
}

// PlanSummary is the cost/value rollup for a plan.
type PlanSummary struct {
	PlanID             int64   `json:"plan_id"`
	MaterialCost       float64 `json:"material_cost"`
	ProductValue       float64 `json:"product_value"`
	EstimatedProfit    float64 `json:"estimated_profit"`
	ROI                float64 `json:"roi"`
	MaterialsWithPrice int     `json:"materials_with_price"`
	MaterialsTotal     int     `json:"materials_total"`
	ProductsWithPrice  int     `json:"products_with_price"`
	ProductsTotal      int     `json:"products_total"`
}

// MaterialStatus is one material with its acquisition progress.
type MaterialStatus struct {
	PlanMaterial
	PurchasedQty    int64 `json:"purchased_qty"`
	ManufacturedQty int64 `json:"manufactured_qty"`
	StillNeeded     int64 `json:"still_needed"`
	PersonalAssets  int64 `json:"personal_assets,omitempty"`
	CorpAssets      int64 `json:"corp_assets,omitempty"`
}

// AcquisitionInput marks a quantity of a material as manually acquired.
type AcquisitionInput struct {
	Quantity    int64    `json:"quantity"`
	Method      string   `json:"method"`
	CustomPrice *float64 `json:"custom_price,omitempty"`
	Note        string   `json:"note,omitempty"`
}

// PlanStore owns the manufacturing-plan tables. Every mutation runs inside
// one transaction so materials, products and intermediates become visible
// atomically.
type PlanStore struct {
	db       *sql.DB
	expander BlueprintExpander
	pricer   PlanPricer
}

func NewPlanStore(db *sql.DB, expander BlueprintExpander, pricer PlanPricer) *PlanStore {
	return &PlanStore{db: db, expander: expander, pricer: pricer}
}

// CreatePlan creates an empty plan, auto-naming it when name is blank.
func (s *PlanStore) CreatePlan(characterID int64, name, description string) (*Plan, error) {
	now := time.Now()
	if name == "" {
		name = "Plan " + now.Format("2006-01-02 15:04")
	}
	res, err := s.db.Exec(`
		INSERT INTO plans (character_id, name, description, status, created_at, updated_at)
		VALUES (?, ?, ?, 'active', ?, ?)`,
		characterID, name, description, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetPlan(id)
}

// GetPlan returns one plan header.
func (s *PlanStore) GetPlan(planID int64) (*Plan, error) {
	var p Plan
	var createdMs, updatedMs int64
	var completedMs sql.NullInt64
	err := s.db.QueryRow(`
		SELECT plan_id, character_id, name, description, status, created_at, updated_at, completed_at
		FROM plans WHERE plan_id = ?`, planID).
		Scan(&p.PlanID, &p.CharacterID, &p.Name, &p.Description, &p.Status,
			&createdMs, &updatedMs, &completedMs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(createdMs)
	p.UpdatedAt = time.UnixMilli(updatedMs)
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64)
		p.CompletedAt = &t
	}
	return &p, nil
}

// ListPlans returns the character's plans, newest first.
func (s *PlanStore) ListPlans(characterID int64) ([]Plan, error) {
	rows, err := s.db.Query(`
		SELECT plan_id, character_id, name, description, status, created_at, updated_at, completed_at
		FROM plans WHERE character_id = ?
		ORDER BY created_at DESC`, characterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		var p Plan
		var createdMs, updatedMs int64
		var completedMs sql.NullInt64
		if err := rows.Scan(&p.PlanID, &p.CharacterID, &p.Name, &p.Description,
			&p.Status, &createdMs, &updatedMs, &completedMs); err != nil {
			return nil, err
		}
		p.CreatedAt = time.UnixMilli(createdMs)
		p.UpdatedAt = time.UnixMilli(updatedMs)
		if completedMs.Valid {
			t := time.UnixMilli(completedMs.Int64)
			p.CompletedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePlanStatus moves a plan between active, completed and archived.
func (s *PlanStore) UpdatePlanStatus(planID int64, status string) error {
	switch status {
	case "active", "completed", "archived":
	default:
		return fmt.Errorf("%w: unknown plan status %q", ErrConstraint, status)
	}
	now := time.Now().UnixMilli()
	var completed interface{}
	if status == "completed" {
		completed = now
	}
	res, err := s.db.Exec(`
		UPDATE plans SET status = ?, completed_at = ?, updated_at = ? WHERE plan_id = ?`,
		status, completed, now, planID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePlan removes a plan and everything it owns.
func (s *PlanStore) DeletePlan(planID int64) error {
	res, err := s.db.Exec(`DELETE FROM plans WHERE plan_id = ?`, planID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddBlueprint inserts a top-level blueprint, expands its intermediate
// tree and re-aggregates plan materials and products, all in one
// transaction. Returns the new blueprint id and any engine warnings.
func (s *PlanStore) AddBlueprint(ctx context.Context, planID int64, req ExpandRequest) (int64, []string, error) {
	if _, err := s.GetPlan(planID); err != nil {
		return 0, nil, err
	}
	normalizeExpandRequest(&req)

	root, warnings, err := s.expander.Expand(ctx, req)
	if err != nil {
		return 0, nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	rootID, err := s.insertTree(tx, planID, nil, root, req)
	if err != nil {
		return 0, nil, err
	}
	aggWarnings, err := s.reaggregate(ctx, tx, planID)
	if err != nil {
		return 0, nil, err
	}
	if err := touchPlan(tx, planID); err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return rootID, append(warnings, aggWarnings...), nil
}

// UpdateBlueprint edits one blueprint node. Unless skipRecalc is set, its
// sub-tree is re-expanded and plan materials re-aggregated.
func (s *PlanStore) UpdateBlueprint(ctx context.Context, planBlueprintID int64, patch BlueprintPatch, skipRecalc bool) ([]string, error) {
	bp, err := s.GetBlueprint(planBlueprintID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	warnings, err := s.updateBlueprintTx(ctx, tx, bp, patch, !skipRecalc)
	if err != nil {
		return nil, err
	}
	if !skipRecalc {
		aggWarnings, err := s.reaggregate(ctx, tx, bp.PlanID)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, aggWarnings...)
	}
	if err := touchPlan(tx, bp.PlanID); err != nil {
		return nil, err
	}
	return warnings, tx.Commit()
}

// BulkUpdateBlueprints applies every patch, re-expands each touched
// sub-tree, and re-aggregates once at the end.
func (s *PlanStore) BulkUpdateBlueprints(ctx context.Context, planID int64, updates []BlueprintUpdate) ([]string, error) {
	if _, err := s.GetPlan(planID); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var warnings []string
	for _, u := range updates {
		bp, err := s.getBlueprintTx(tx, u.PlanBlueprintID)
		if err != nil {
			return nil, err
		}
		if bp.PlanID != planID {
			return nil, fmt.Errorf("%w: blueprint %d belongs to another plan", ErrConstraint, u.PlanBlueprintID)
		}
		w, err := s.updateBlueprintTx(ctx, tx, bp, u.Patch, true)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, w...)
	}
	aggWarnings, err := s.reaggregate(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, aggWarnings...)
	if err := touchPlan(tx, planID); err != nil {
		return nil, err
	}
	return warnings, tx.Commit()
}

// RemoveBlueprint deletes a blueprint node and its descendants, then
// re-aggregates. Acquisitions for materials no longer needed are deleted
// and reported as warnings.
func (s *PlanStore) RemoveBlueprint(ctx context.Context, planBlueprintID int64) ([]string, error) {
	bp, err := s.GetBlueprint(planBlueprintID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Descendants and their material rows go via FK cascade.
	if _, err := tx.Exec(`DELETE FROM plan_blueprints WHERE plan_blueprint_id = ?`, planBlueprintID); err != nil {
		return nil, err
	}
	warnings, err := s.reaggregate(ctx, tx, bp.PlanID)
	if err != nil {
		return nil, err
	}
	if err := touchPlan(tx, bp.PlanID); err != nil {
		return nil, err
	}
	return warnings, tx.Commit()
}

// RecalculateMaterials re-aggregates quantities and, when a pricer is
// configured, refreshes material and product prices. No schema changes.
func (s *PlanStore) RecalculateMaterials(ctx context.Context, planID int64, forceRefreshPrices bool) ([]string, error) {
	if _, err := s.GetPlan(planID); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	warnings, err := s.reaggregate(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	if s.pricer != nil {
		if err := s.refreshPrices(ctx, tx, planID, forceRefreshPrices); err != nil {
			return nil, err
		}
	}
	if err := touchPlan(tx, planID); err != nil {
		return nil, err
	}
	return warnings, tx.Commit()
}

// MarkIntermediateBuilt records completed runs on an intermediate,
// clamped to [0, runs], and recomputes downstream demand.
func (s *PlanStore) MarkIntermediateBuilt(ctx context.Context, planBlueprintID int64, builtRuns int) ([]string, error) {
	bp, err := s.GetBlueprint(planBlueprintID)
	if err != nil {
		return nil, err
	}
	if builtRuns < 0 {
		builtRuns = 0
	}
	if builtRuns > bp.Runs {
		builtRuns = bp.Runs
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE plan_blueprints SET built_runs = ? WHERE plan_blueprint_id = ?`,
		builtRuns, planBlueprintID); err != nil {
		return nil, err
	}
	warnings, err := s.reaggregate(ctx, tx, bp.PlanID)
	if err != nil {
		return nil, err
	}
	if err := touchPlan(tx, bp.PlanID); err != nil {
		return nil, err
	}
	return warnings, tx.Commit()
}

// GetBlueprint returns one blueprint node.
func (s *PlanStore) GetBlueprint(planBlueprintID int64) (*PlanBlueprint, error) {
	return scanPlanBlueprint(s.db.QueryRow(planBlueprintSelect+` WHERE plan_blueprint_id = ?`, planBlueprintID))
}

func (s *PlanStore) getBlueprintTx(tx *sql.Tx, planBlueprintID int64) (*PlanBlueprint, error) {
	return scanPlanBlueprint(tx.QueryRow(planBlueprintSelect+` WHERE plan_blueprint_id = ?`, planBlueprintID))
}

// ListBlueprints returns every blueprint node in a plan, parents before
// children.
func (s *PlanStore) ListBlueprints(planID int64) ([]PlanBlueprint, error) {
	rows, err := s.db.Query(planBlueprintSelect+`
		WHERE plan_id = ? ORDER BY depth ASC, plan_blueprint_id ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlanBlueprint
	for rows.Next() {
		bp, err := scanPlanBlueprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *bp)
	}
	return out, rows.Err()
}

// MarkMaterialAcquired records a manual acquisition against a material.
func (s *PlanStore) MarkMaterialAcquired(planID int64, typeID int32, in AcquisitionInput) error {
	if in.Quantity < 0 {
		return fmt.Errorf("%w: negative acquisition quantity", ErrConstraint)
	}
	now := time.Now().UnixMilli()
	var frozen interface{}
	if in.CustomPrice != nil {
		frozen = now
	}
	res, err := s.db.Exec(`
		UPDATE plan_materials
		SET manually_acquired_qty = ?, acquisition_method = ?, acquisition_note = ?,
			custom_price = COALESCE(?, custom_price),
			price_frozen_at = COALESCE(?, price_frozen_at)
		WHERE plan_id = ? AND type_id = ?`,
		in.Quantity, nullString(in.Method), nullString(in.Note),
		in.CustomPrice, frozen, planID, typeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnmarkMaterialAcquired clears a manual acquisition.
func (s *PlanStore) UnmarkMaterialAcquired(planID int64, typeID int32) error {
	res, err := s.db.Exec(`
		UPDATE plan_materials
		SET manually_acquired_qty = 0, acquisition_method = NULL,
			acquisition_note = NULL, custom_price = NULL
		WHERE plan_id = ? AND type_id = ?`, planID, typeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExcessAcquisitions clamps manual acquisitions down to current
// demand. typeID 0 covers the whole plan. Returns one warning per clamp.
func (s *PlanStore) CleanupExcessAcquisitions(planID int64, typeID int32) ([]string, error) {
	query := `
		SELECT type_id, quantity, manually_acquired_qty
		FROM plan_materials
		WHERE plan_id = ? AND manually_acquired_qty > quantity`
	args := []interface{}{planID}
	if typeID != 0 {
		query += ` AND type_id = ?`
		args = append(args, typeID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	type excess struct {
		typeID   int32
		needed   int64
		acquired int64
	}
	var found []excess
	for rows.Next() {
		var e excess
		if err := rows.Scan(&e.typeID, &e.needed, &e.acquired); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var warnings []string
	for _, e := range found {
		if _, err := s.db.Exec(`
			UPDATE plan_materials SET manually_acquired_qty = quantity
			WHERE plan_id = ? AND type_id = ?`, planID, e.typeID); err != nil {
			return nil, err
		}
		warnings = append(warnings, fmt.Sprintf(
			"reduced acquisition of type %d from %d to %d", e.typeID, e.acquired, e.needed))
	}
	return warnings, nil
}

// GetMaterials returns per-material demand with acquisition progress from
// confirmed matches. includeAssets adds on-hand asset counts for the
// plan's character.
func (s *PlanStore) GetMaterials(planID int64, includeAssets bool) ([]MaterialStatus, error) {
	plan, err := s.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT m.type_id, m.quantity, m.base_price, m.custom_price,
			m.manually_acquired_qty, m.acquisition_method, m.acquisition_note,
			COALESCE((
				SELECT SUM(t.quantity) FROM plan_transaction_matches t
				WHERE t.plan_id = m.plan_id AND t.type_id = m.type_id
				  AND t.match_type = 'material_buy' AND t.status = 'confirmed'
			), 0) AS purchased,
			COALESCE((
				SELECT SUM(j.quantity) FROM plan_job_matches j
				JOIN plan_blueprints b ON b.plan_blueprint_id = j.plan_blueprint_id
				WHERE j.plan_id = m.plan_id AND b.product_type_id = m.type_id
				  AND j.status = 'confirmed'
			), 0) AS manufactured
		FROM plan_materials m
		WHERE m.plan_id = ?
		ORDER BY m.quantity DESC, m.type_id ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MaterialStatus
	for rows.Next() {
		var ms MaterialStatus
		var base, custom sql.NullFloat64
		var method, note sql.NullString
		if err := rows.Scan(&ms.TypeID, &ms.Quantity, &base, &custom,
			&ms.ManuallyAcquiredQty, &method, &note, &ms.PurchasedQty, &ms.ManufacturedQty); err != nil {
			return nil, err
		}
		ms.PlanID = planID
		if base.Valid {
			ms.BasePrice = &base.Float64
		}
		if custom.Valid {
			ms.CustomPrice = &custom.Float64
		}
		ms.AcquisitionMethod = method.String
		ms.AcquisitionNote = note.String
		ms.StillNeeded = ms.Quantity - ms.ManuallyAcquiredQty - ms.PurchasedQty - ms.ManufacturedQty
		if ms.StillNeeded < 0 {
			ms.StillNeeded = 0
		}
		out = append(out, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if includeAssets {
		for i := range out {
			s.db.QueryRow(`
				SELECT
					COALESCE(SUM(CASE WHEN is_corporation = 0 THEN quantity END), 0),
					COALESCE(SUM(CASE WHEN is_corporation = 1 THEN quantity END), 0)
				FROM assets WHERE character_id = ? AND type_id = ?`,
				plan.CharacterID, out[i].TypeID).
				Scan(&out[i].PersonalAssets, &out[i].CorpAssets)
		}
	}
	return out, nil
}

// GetProducts returns the plan's product rows, final product first.
func (s *PlanStore) GetProducts(planID int64) ([]PlanProduct, error) {
	rows, err := s.db.Query(`
		SELECT type_id, quantity, base_price, is_intermediate, intermediate_depth
		FROM plan_products WHERE plan_id = ?
		ORDER BY intermediate_depth ASC, type_id ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlanProduct
	for rows.Next() {
		var p PlanProduct
		var base sql.NullFloat64
		var inter int
		if err := rows.Scan(&p.TypeID, &p.Quantity, &base, &inter, &p.IntermediateDepth); err != nil {
			return nil, err
		}
		p.PlanID = planID
		p.IsIntermediate = inter == 1
		if base.Valid {
			p.BasePrice = &base.Float64
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetSummary rolls up material cost, product value and ROI. Custom prices
// win over base prices; value counts final products only.
func (s *PlanStore) GetSummary(planID int64) (*PlanSummary, error) {
	if _, err := s.GetPlan(planID); err != nil {
		return nil, err
	}
	sum := &PlanSummary{PlanID: planID}

	err := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(quantity * COALESCE(custom_price, base_price)), 0),
			COUNT(*) FILTER (WHERE COALESCE(custom_price, base_price) IS NOT NULL),
			COUNT(*)
		FROM plan_materials WHERE plan_id = ?`, planID).
		Scan(&sum.MaterialCost, &sum.MaterialsWithPrice, &sum.MaterialsTotal)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT
			COALESCE(SUM(quantity * base_price), 0),
			COUNT(*) FILTER (WHERE base_price IS NOT NULL),
			COUNT(*)
		FROM plan_products WHERE plan_id = ? AND intermediate_depth = 0`, planID).
		Scan(&sum.ProductValue, &sum.ProductsWithPrice, &sum.ProductsTotal)
	if err != nil {
		return nil, err
	}

	sum.EstimatedProfit = sum.ProductValue - sum.MaterialCost
	if sum.MaterialCost > 0 {
		sum.ROI = sum.EstimatedProfit / sum.MaterialCost
	}
	return sum, nil
}

const planBlueprintSelect = `
	SELECT plan_blueprint_id, plan_id, blueprint_type_id, runs, lines, me_level,
		te_level, facility_id, facility_snapshot, use_intermediates, is_intermediate,
		parent_blueprint_id, product_type_id, product_quantity, depth, built_runs
	FROM plan_blueprints`

func scanPlanBlueprint(row rowScanner) (*PlanBlueprint, error) {
	var bp PlanBlueprint
	var facility, parent sql.NullInt64
	var inter int
	err := row.Scan(&bp.PlanBlueprintID, &bp.PlanID, &bp.BlueprintTypeID, &bp.Runs,
		&bp.Lines, &bp.ME, &bp.TE, &facility, &bp.FacilitySnapshot,
		&bp.UseIntermediates, &inter, &parent, &bp.ProductTypeID,
		&bp.ProductQuantity, &bp.Depth, &bp.BuiltRuns)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	bp.IsIntermediate = inter == 1
	bp.FacilityID = facility.Int64
	if parent.Valid {
		bp.ParentBlueprintID = &parent.Int64
	}
	return &bp, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// insertTree writes a node and its descendants, returning the root row id.
func (s *PlanStore) insertTree(tx *sql.Tx, planID int64, parentID *int64, node *BlueprintNode, req ExpandRequest) (int64, error) {
	isIntermediate := parentID != nil
	lines := 1
	builtRuns := 0
	if !isIntermediate {
		lines = req.Lines
	}

	var facility, interProduct interface{}
	if req.FacilityID != 0 {
		facility = req.FacilityID
	}
	if isIntermediate {
		interProduct = node.ProductTypeID
	}

	res, err := tx.Exec(`
		INSERT INTO plan_blueprints (plan_id, blueprint_type_id, runs, lines, me_level,
			te_level, facility_id, facility_snapshot, use_intermediates, is_intermediate,
			parent_blueprint_id, intermediate_product_type_id, product_type_id,
			product_quantity, depth, built_runs, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		planID, node.BlueprintTypeID, node.Runs, lines, node.ME, req.TE,
		facility, req.FacilitySnapshot, req.UseIntermediates, boolInt(isIntermediate),
		parentPtr(parentID), interProduct, node.ProductTypeID, node.ProductQty,
		node.Depth, builtRuns, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if len(node.RawMaterials) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO plan_blueprint_materials (plan_blueprint_id, type_id, quantity)
			VALUES (?, ?, ?)`)
		if err != nil {
			return 0, err
		}
		for typeID, qty := range node.RawMaterials {
			if _, err := stmt.Exec(id, typeID, qty); err != nil {
				stmt.Close()
				return 0, err
			}
		}
		stmt.Close()
	}

	for _, child := range node.Children {
		if _, err := s.insertTree(tx, planID, &id, child, req); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (s *PlanStore) updateBlueprintTx(ctx context.Context, tx *sql.Tx, bp *PlanBlueprint, patch BlueprintPatch, recalcSubtree bool) ([]string, error) {
	if patch.Runs != nil {
		if *patch.Runs < 1 {
			return nil, fmt.Errorf("%w: runs must be positive", ErrConstraint)
		}
		bp.Runs = *patch.Runs
	}
	if patch.Lines != nil {
		if *patch.Lines < 1 {
			return nil, fmt.Errorf("%w: lines must be positive", ErrConstraint)
		}
		bp.Lines = *patch.Lines
	}
	if patch.ME != nil {
		bp.ME = *patch.ME
	}
	if patch.TE != nil {
		bp.TE = *patch.TE
	}
	if patch.FacilityID != nil {
		bp.FacilityID = *patch.FacilityID
	}
	if patch.FacilitySnapshot != nil {
		bp.FacilitySnapshot = *patch.FacilitySnapshot
	}
	if patch.UseIntermediates != nil {
		bp.UseIntermediates = *patch.UseIntermediates
	}
	if bp.BuiltRuns > bp.Runs {
		bp.BuiltRuns = bp.Runs
	}

	var facility interface{}
	if bp.FacilityID != 0 {
		facility = bp.FacilityID
	}
	if _, err := tx.Exec(`
		UPDATE plan_blueprints
		SET runs = ?, lines = ?, me_level = ?, te_level = ?, facility_id = ?,
			facility_snapshot = ?, use_intermediates = ?, built_runs = ?
		WHERE plan_blueprint_id = ?`,
		bp.Runs, bp.Lines, bp.ME, bp.TE, facility, bp.FacilitySnapshot,
		bp.UseIntermediates, bp.BuiltRuns, bp.PlanBlueprintID); err != nil {
		return nil, err
	}
	if !recalcSubtree {
		return nil, nil
	}

	req := ExpandRequest{
		BlueprintTypeID:  bp.BlueprintTypeID,
		Runs:             bp.Runs,
		Lines:            bp.Lines,
		ME:               bp.ME,
		TE:               bp.TE,
		FacilityID:       bp.FacilityID,
		FacilitySnapshot: bp.FacilitySnapshot,
		UseIntermediates: bp.UseIntermediates,
	}
	normalizeExpandRequest(&req)
	node, warnings, err := s.expander.Expand(ctx, req)
	if err != nil {
		return nil, err
	}

	// Replace the sub-tree below this node and its own leaf materials.
	if _, err := tx.Exec(`
		DELETE FROM plan_blueprints WHERE parent_blueprint_id = ?`, bp.PlanBlueprintID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		DELETE FROM plan_blueprint_materials WHERE plan_blueprint_id = ?`, bp.PlanBlueprintID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		UPDATE plan_blueprints SET product_type_id = ?, product_quantity = ?
		WHERE plan_blueprint_id = ?`,
		node.ProductTypeID, node.ProductQty, bp.PlanBlueprintID); err != nil {
		return nil, err
	}
	if len(node.RawMaterials) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO plan_blueprint_materials (plan_blueprint_id, type_id, quantity)
			VALUES (?, ?, ?)`)
		if err != nil {
			return nil, err
		}
		for typeID, qty := range node.RawMaterials {
			if _, err := stmt.Exec(bp.PlanBlueprintID, typeID, qty); err != nil {
				stmt.Close()
				return nil, err
			}
		}
		stmt.Close()
	}
	id := bp.PlanBlueprintID
	for _, child := range node.Children {
		if _, err := s.insertTree(tx, bp.PlanID, &id, child, req); err != nil {
			return nil, err
		}
	}
	return warnings, nil
}

// reaggregate rebuilds plan_materials and plan_products from the
// per-blueprint tables. Demand from a partially built node is scaled by
// its remaining runs, rounded up.
func (s *PlanStore) reaggregate(ctx context.Context, tx *sql.Tx, planID int64) ([]string, error) {
	_ = ctx

	rows, err := tx.Query(`
		SELECT b.runs, b.built_runs, m.type_id, m.quantity
		FROM plan_blueprints b
		JOIN plan_blueprint_materials m ON m.plan_blueprint_id = b.plan_blueprint_id
		WHERE b.plan_id = ?`, planID)
	if err != nil {
		return nil, err
	}
	demand := make(map[int32]int64)
	for rows.Next() {
		var runs, built int
		var typeID int32
		var qty int64
		if err := rows.Scan(&runs, &built, &typeID, &qty); err != nil {
			rows.Close()
			return nil, err
		}
		if runs > 0 && built > 0 {
			remaining := runs - built
			qty = (qty*int64(remaining) + int64(runs) - 1) / int64(runs)
		}
		demand[typeID] += qty
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var warnings []string

	// Sync material rows, keeping price and acquisition state.
	existing := make(map[int32]struct {
		qty      int64
		acquired int64
	})
	mrows, err := tx.Query(`
		SELECT type_id, quantity, manually_acquired_qty FROM plan_materials WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, err
	}
	for mrows.Next() {
		var typeID int32
		var e struct {
			qty      int64
			acquired int64
		}
		if err := mrows.Scan(&typeID, &e.qty, &e.acquired); err != nil {
			mrows.Close()
			return nil, err
		}
		existing[typeID] = e
	}
	mrows.Close()
	if err := mrows.Err(); err != nil {
		return nil, err
	}

	for typeID, qty := range demand {
		if _, ok := existing[typeID]; ok {
			if _, err := tx.Exec(`
				UPDATE plan_materials SET quantity = ? WHERE plan_id = ? AND type_id = ?`,
				qty, planID, typeID); err != nil {
				return nil, err
			}
		} else {
			if _, err := tx.Exec(`
				INSERT INTO plan_materials (plan_id, type_id, quantity) VALUES (?, ?, ?)`,
				planID, typeID, qty); err != nil {
				return nil, err
			}
		}
	}
	for typeID, e := range existing {
		newQty, needed := demand[typeID]
		if needed {
			if e.acquired > newQty {
				warnings = append(warnings, fmt.Sprintf(
					"type %d acquired %d but only %d needed", typeID, e.acquired, newQty))
			}
			continue
		}
		if _, err := tx.Exec(`
			DELETE FROM plan_materials WHERE plan_id = ? AND type_id = ?`, planID, typeID); err != nil {
			return nil, err
		}
		if e.acquired > 0 {
			warnings = append(warnings, fmt.Sprintf(
				"deleted acquisition of %d units of type %d no longer needed", e.acquired, typeID))
		}
	}

	// Rebuild products wholesale, keeping any frozen prices.
	prices := make(map[int32]float64)
	prows, err := tx.Query(`
		SELECT type_id, base_price FROM plan_products WHERE plan_id = ? AND base_price IS NOT NULL`, planID)
	if err != nil {
		return nil, err
	}
	for prows.Next() {
		var typeID int32
		var price float64
		if err := prows.Scan(&typeID, &price); err != nil {
			prows.Close()
			return nil, err
		}
		prices[typeID] = price
	}
	prows.Close()
	if err := prows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM plan_products WHERE plan_id = ?`, planID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		INSERT INTO plan_products (plan_id, type_id, quantity, is_intermediate, intermediate_depth)
		SELECT plan_id, product_type_id, SUM(product_quantity),
			CASE WHEN MIN(depth) > 0 THEN 1 ELSE 0 END, MIN(depth)
		FROM plan_blueprints
		WHERE plan_id = ? AND product_type_id != 0
		GROUP BY product_type_id`, planID); err != nil {
		return nil, err
	}
	for typeID, price := range prices {
		if _, err := tx.Exec(`
			UPDATE plan_products SET base_price = ? WHERE plan_id = ? AND type_id = ?`,
			price, planID, typeID); err != nil {
			return nil, err
		}
	}
	return warnings, nil
}

func (s *PlanStore) refreshPrices(ctx context.Context, tx *sql.Tx, planID int64, force bool) error {
	now := time.Now().UnixMilli()

	query := `SELECT type_id FROM plan_materials WHERE plan_id = ?`
	if !force {
		query += ` AND base_price IS NULL`
	}
	typeIDs, err := collectTypeIDs(tx, query, planID)
	if err != nil {
		return err
	}
	for _, typeID := range typeIDs {
		if price, ok := s.pricer.MaterialPrice(ctx, typeID); ok {
			if _, err := tx.Exec(`
				UPDATE plan_materials SET base_price = ?, price_frozen_at = ?
				WHERE plan_id = ? AND type_id = ?`, price, now, planID, typeID); err != nil {
				return err
			}
		}
	}

	query = `SELECT type_id FROM plan_products WHERE plan_id = ?`
	if !force {
		query += ` AND base_price IS NULL`
	}
	typeIDs, err = collectTypeIDs(tx, query, planID)
	if err != nil {
		return err
	}
	for _, typeID := range typeIDs {
		if price, ok := s.pricer.ProductPrice(ctx, typeID); ok {
			if _, err := tx.Exec(`
				UPDATE plan_products SET base_price = ?, price_frozen_at = ?
				WHERE plan_id = ? AND type_id = ?`, price, now, planID, typeID); err != nil {
				return err
			}
		}
	}
	return nil
}

func collectTypeIDs(tx *sql.Tx, query string, args ...interface{}) ([]int32, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int32
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func touchPlan(tx *sql.Tx, planID int64) error {
	_, err := tx.Exec(`UPDATE plans SET updated_at = ? WHERE plan_id = ?`,
		time.Now().UnixMilli(), planID)
	return err
}

func normalizeExpandRequest(req *ExpandRequest) {
	if req.Runs < 1 {
		req.Runs = 1
	}
	if req.Lines < 1 {
		req.Lines = 1
	}
	switch req.UseIntermediates {
	case "raw_materials", "components", "buy":
	case "build_buy":
		// Reserved for the optimizer; expands like raw_materials today.
	default:
		req.UseIntermediates = "raw_materials"
	}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func parentPtr(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
