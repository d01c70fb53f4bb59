package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"eve-quantum/internal/config"
	"eve-quantum/internal/db"
	"eve-quantum/internal/sde"
)

// ErrBlueprintNotFound is returned when the SDE has no manufacturing
// activity for the requested blueprint type.
var ErrBlueprintNotFound = errors.New("blueprint not found")

// MaxRecursionDepth bounds intermediate expansion. Deeper trees are
// truncated with a warning, never an error.
const MaxRecursionDepth = 10

// Intermediate handling modes.
const (
	IntermediatesRaw        = "raw_materials"
	IntermediatesComponents = "components"
	IntermediatesBuy        = "buy"
	IntermediatesBuildBuy   = "build_buy"
)

// CostRequest describes one blueprint cost calculation.
type CostRequest struct {
	BlueprintTypeID  int32            `json:"blueprint_type_id"`
	Runs             int              `json:"runs"`
	Lines            int              `json:"lines"`
	ME               int              `json:"me_level"`
	TE               int              `json:"te_level"`
	CharacterID      int64            `json:"character_id"`
	Facility         *config.Facility `json:"facility,omitempty"`
	UseIntermediates string           `json:"use_intermediates"`
}

// ProductInfo describes the final product of a cost calculation.
type ProductInfo struct {
	TypeID       int32 `json:"type_id"`
	BaseQuantity int64 `json:"base_quantity"`
	Quantity     int64 `json:"quantity"`
}

// CostResult is a complete cost calculation: the aggregated raw-material
// bill, the product, the nested breakdown and any warnings accumulated
// during expansion. Pricing is attached separately at depth 0.
type CostResult struct {
	Materials        map[int32]int64   `json:"materials"`
	Product          *ProductInfo      `json:"product,omitempty"`
	Breakdown        *db.BlueprintNode `json:"breakdown"`
	BuildTimeSeconds float64           `json:"build_time_seconds"`
	Warnings         []string          `json:"warnings,omitempty"`
	Pricing          *PricingBreakdown `json:"pricing,omitempty"`
}

// Clone deep-copies the result so cache readers cannot alias each other.
func (r *CostResult) Clone() *CostResult {
	if r == nil {
		return nil
	}
	out := &CostResult{BuildTimeSeconds: r.BuildTimeSeconds}
	out.Materials = make(map[int32]int64, len(r.Materials))
	for k, v := range r.Materials {
		out.Materials[k] = v
	}
	if r.Product != nil {
		p := *r.Product
		out.Product = &p
	}
	out.Breakdown = cloneNode(r.Breakdown)
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.Pricing != nil {
		p := *r.Pricing
		p.Warnings = append([]string(nil), r.Pricing.Warnings...)
		out.Pricing = &p
	}
	return out
}

func cloneNode(n *db.BlueprintNode) *db.BlueprintNode {
	if n == nil {
		return nil
	}
	out := *n
	out.RawMaterials = make(map[int32]int64, len(n.RawMaterials))
	for k, v := range n.RawMaterials {
		out.RawMaterials[k] = v
	}
	out.Children = make([]*db.BlueprintNode, len(n.Children))
	for i, c := range n.Children {
		out.Children[i] = cloneNode(c)
	}
	return &out
}

// BlueprintOwner resolves the best owned ME for a blueprint type.
// db.CharacterStore implements it; nil means no ownership data.
type BlueprintOwner interface {
	OwnedBlueprintME(characterID int64, bpTypeID int32) (int, bool)
}

// CostEngine expands blueprints into material trees using the SDE.
type CostEngine struct {
	sde   *sde.Reader
	owner BlueprintOwner
	cache ResultCache
}

func NewCostEngine(reader *sde.Reader, owner BlueprintOwner, cache ResultCache) *CostEngine {
	if cache == nil {
		cache = NewResultCache(defaultCacheSize)
	}
	return &CostEngine{sde: reader, owner: owner, cache: cache}
}

// Compute runs the full cost calculation for one request.
func (e *CostEngine) Compute(ctx context.Context, req CostRequest) (*CostResult, error) {
	if req.Runs < 1 {
		req.Runs = 1
	}
	if req.Lines < 1 {
		req.Lines = 1
	}
	switch req.UseIntermediates {
	case IntermediatesRaw, IntermediatesComponents, IntermediatesBuy:
	case IntermediatesBuildBuy:
		// Optimizer mode expands like raw_materials until it exists.
		req.UseIntermediates = IntermediatesRaw
	default:
		req.UseIntermediates = IntermediatesRaw
	}

	key := e.fingerprint(req)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	product, err := e.sde.BlueprintProduct(req.BlueprintTypeID, sde.ActivityManufacturing)
	if err != nil {
		return nil, err
	}
	activity := sde.ActivityManufacturing
	if product == nil {
		// Reaction formulas live under their own activity.
		product, err = e.sde.BlueprintProduct(req.BlueprintTypeID, sde.ActivityReaction)
		if err != nil {
			return nil, err
		}
		activity = sde.ActivityReaction
	}
	if product == nil {
		return nil, fmt.Errorf("%w: type %d", ErrBlueprintNotFound, req.BlueprintTypeID)
	}

	// The ME floor applies per line: compute one line at runsPerLine and
	// scale by line count. This overshoots when runs % lines != 0, which
	// is the intended behavior.
	runsPerLine := (req.Runs + req.Lines - 1) / req.Lines
	var warnings []string
	node, err := e.expand(ctx, req.BlueprintTypeID, activity, runsPerLine, req.ME, req, 0, &warnings)
	if err != nil {
		return nil, err
	}
	if req.Lines > 1 {
		scaleNode(node, int64(req.Lines))
	}
	node.ProductTypeID = product.TypeID
	node.ProductQty = product.PerRunQty * int64(req.Runs)
	node.Runs = req.Runs

	res := &CostResult{
		Materials: make(map[int32]int64),
		Product: &ProductInfo{
			TypeID:       product.TypeID,
			BaseQuantity: product.PerRunQty,
			Quantity:     product.PerRunQty * int64(req.Runs),
		},
		Breakdown: node,
		Warnings:  warnings,
	}
	collectMaterials(node, res.Materials)

	if baseTime, err := e.sde.ActivityTime(req.BlueprintTypeID, activity); err == nil && baseTime > 0 {
		te := float64(req.TE)
		if te < 0 {
			te = 0
		}
		res.BuildTimeSeconds = float64(baseTime) * float64(runsPerLine) * (1 - te/100)
	}

	e.cache.Put(key, res)
	return res, nil
}

// expand builds the tree for one blueprint at one ME level. runs is the
// per-line run count at depth 0 and the sub-blueprint run count below.
func (e *CostEngine) expand(ctx context.Context, bpTypeID int32, activity, runs, me int, req CostRequest, depth int, warnings *[]string) (*db.BlueprintNode, error) {
	if err := ctx.Err(); err != nil {
		*warnings = append(*warnings, "calculation cancelled, tree truncated")
		return &db.BlueprintNode{BlueprintTypeID: bpTypeID, Runs: runs, ME: me, Depth: depth,
			RawMaterials: map[int32]int64{}}, nil
	}

	materials, err := e.sde.BlueprintMaterials(bpTypeID, activity)
	if err != nil {
		return nil, err
	}

	node := &db.BlueprintNode{
		BlueprintTypeID: bpTypeID,
		Runs:            runs,
		ME:              me,
		Depth:           depth,
		RawMaterials:    make(map[int32]int64),
	}
	if product, err := e.sde.BlueprintProduct(bpTypeID, activity); err == nil && product != nil {
		node.ProductTypeID = product.TypeID
		node.ProductQty = product.PerRunQty * int64(runs)
	}

	for _, m := range materials {
		adjusted := e.adjustedQuantity(m.Quantity, runs, me, req.Facility)

		if req.UseIntermediates != IntermediatesRaw {
			node.RawMaterials[m.TypeID] += adjusted
			continue
		}

		subBp, err := e.sde.BlueprintForProduct(m.TypeID)
		if err != nil {
			return nil, err
		}
		if subBp == 0 {
			node.RawMaterials[m.TypeID] += adjusted
			continue
		}
		if depth+1 > MaxRecursionDepth {
			*warnings = append(*warnings, fmt.Sprintf(
				"recursion depth limit reached at type %d, treating as raw", m.TypeID))
			node.RawMaterials[m.TypeID] += adjusted
			continue
		}

		subActivity := sde.ActivityManufacturing
		subProduct, err := e.sde.BlueprintProduct(subBp, subActivity)
		if err != nil {
			return nil, err
		}
		if subProduct == nil {
			subProduct, err = e.sde.BlueprintProduct(subBp, sde.ActivityReaction)
			if err != nil {
				return nil, err
			}
			subActivity = sde.ActivityReaction
		}
		if subProduct == nil {
			node.RawMaterials[m.TypeID] += adjusted
			continue
		}

		// Demand rounds up to whole sub-blueprint runs.
		subRuns := int((adjusted + subProduct.PerRunQty - 1) / subProduct.PerRunQty)
		subME := 0
		if e.owner != nil && req.CharacterID != 0 {
			if owned, ok := e.owner.OwnedBlueprintME(req.CharacterID, subBp); ok {
				subME = owned
			}
		}

		child, err := e.expand(ctx, subBp, subActivity, subRuns, subME, req, depth+1, warnings)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// adjustedQuantity applies ME, the Upwell structure bonus and any
// applicable rig bonus, then floors at the run count.
func (e *CostEngine) adjustedQuantity(baseQty int64, runs, me int, facility *config.Facility) int64 {
	if baseQty == 1 {
		// Single-unit inputs never benefit from ME.
		return int64(runs)
	}

	after := float64(runs) * float64(baseQty) * (1 - float64(me)/100)
	if facility != nil && facility.StructureTypeID != 0 {
		after *= 0.99
		if rig := e.facilityRigMaterialBonus(facility); rig != 0 {
			after *= 1 + rig/100
		}
	}

	adjusted := int64(math.Ceil(after - 1e-9))
	if adjusted < int64(runs) {
		adjusted = int64(runs)
	}
	return adjusted
}

// facilityRigMaterialBonus returns the strongest rig material bonus fitted
// to the facility, scaled by the security band. Rigs do not stack.
func (e *CostEngine) facilityRigMaterialBonus(facility *config.Facility) float64 {
	best := 0.0
	for _, rigID := range facility.RigTypeIDs {
		bonus := e.sde.RigMaterialBonus(rigID)
		if bonus < best {
			best = bonus
		}
	}
	if best == 0 {
		return 0
	}
	return best * securityRigMultiplier(facility.SecurityBand())
}

func securityRigMultiplier(band string) float64 {
	switch band {
	case "null":
		return 2.1
	case "low":
		return 1.9
	default:
		return 1.0
	}
}

// facilityCostBonuses returns the structure job-cost bonus and the rig
// job-cost bonuses as fractions; they sum on the job-cost path.
func (e *CostEngine) facilityCostBonuses(facility *config.Facility) (structure float64, rigs []float64) {
	if facility == nil {
		return 0, nil
	}
	structure = e.sde.StructureCostBonus(facility.StructureTypeID) / 100
	for _, rigID := range facility.RigTypeIDs {
		if b := e.sde.RigCostBonus(rigID); b > 0 {
			rigs = append(rigs, b/100*securityRigMultiplier(facility.SecurityBand()))
		}
	}
	return structure, rigs
}

func (e *CostEngine) fingerprint(req CostRequest) string {
	facility := "none"
	if req.Facility != nil {
		facility = fmt.Sprintf("%d:%d:%v:%.2f",
			req.Facility.FacilityID, req.Facility.StructureTypeID,
			req.Facility.RigTypeIDs, req.Facility.Security)
	}
	return fmt.Sprintf("%d|%d|%d|%d|%s|%d|%s",
		req.BlueprintTypeID, req.Runs, req.Lines, req.ME,
		facility, req.CharacterID, req.UseIntermediates)
}

func scaleNode(n *db.BlueprintNode, factor int64) {
	n.Runs = int(int64(n.Runs) * factor)
	n.ProductQty *= factor
	for k := range n.RawMaterials {
		n.RawMaterials[k] *= factor
	}
	for _, c := range n.Children {
		scaleNode(c, factor)
	}
}

func collectMaterials(n *db.BlueprintNode, into map[int32]int64) {
	for k, v := range n.RawMaterials {
		into[k] += v
	}
	for _, c := range n.Children {
		collectMaterials(c, into)
	}
}

// Expander adapts the cost engine to the plan store's tree interface.
type Expander struct {
	engine *CostEngine
	config *config.Config
}

func NewExpander(engine *CostEngine, cfg *config.Config) *Expander {
	return &Expander{engine: engine, config: cfg}
}

// Expand implements db.BlueprintExpander.
func (x *Expander) Expand(ctx context.Context, req db.ExpandRequest) (*db.BlueprintNode, []string, error) {
	var facility *config.Facility
	if x.config != nil && req.FacilityID != 0 {
		facility = x.config.FacilityByID(req.FacilityID)
	}
	res, err := x.engine.Compute(ctx, CostRequest{
		BlueprintTypeID:  req.BlueprintTypeID,
		Runs:             req.Runs,
		Lines:            req.Lines,
		ME:               req.ME,
		TE:               req.TE,
		CharacterID:      req.CharacterID,
		Facility:         facility,
		UseIntermediates: req.UseIntermediates,
	})
	if err != nil {
		return nil, nil, err
	}
	return res.Breakdown, res.Warnings, nil
}
