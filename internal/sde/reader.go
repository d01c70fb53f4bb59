package sde

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"eve-quantum/internal/logger"
)

// ErrMissingSDE is returned when no SDE snapshot can be found.
// Callers must surface this before any cost calculation.
var ErrMissingSDE = errors.New("SDE snapshot not found")

// Activity IDs used by the industry tables.
const (
	ActivityManufacturing = 1
	ActivityInvention     = 8
	ActivityReaction      = 11
)

// AttrCostBonus is the dogma attribute carrying the structure/rig
// job-cost bonus (absolute percent reduction).
const AttrCostBonus = 2783

// Decryptor dogma attributes.
const (
	attrInventionPropMult = 1112
	attrInventionMEMod    = 1113
	attrInventionTEMod    = 1114
	attrInventionRunsMod  = 1124
)

const decryptorGroupID = 1304

// candidateFileNames lists accepted SDE file names, current name first.
var candidateFileNames = []string{"sde.sqlite", "eve.db"}

// Material is one row of a blueprint's material bill.
type Material struct {
	TypeID   int32 `json:"type_id"`
	Quantity int64 `json:"quantity"`
}

// Product is what a blueprint activity yields per run.
type Product struct {
	TypeID      int32 `json:"type_id"`
	PerRunQty   int64 `json:"per_run_qty"`
}

// RigEffect is a single dogma attribute on a rig type.
type RigEffect struct {
	AttributeID int32   `json:"attribute_id"`
	Value       float64 `json:"value"`
}

// Decryptor describes an invention decryptor and its modifiers.
type Decryptor struct {
	TypeID              int32   `json:"type_id"`
	Name                string  `json:"name"`
	ProbabilityMultiplier float64 `json:"probability_multiplier"`
	MEModifier          int32   `json:"me_modifier"`
	TEModifier          int32   `json:"te_modifier"`
	RunsModifier        int32   `json:"runs_modifier"`
}

// InventionProduct is a possible invention outcome with its base probability.
type InventionProduct struct {
	ProductTypeID int32   `json:"product_type_id"`
	Quantity      int64   `json:"quantity"`
	Probability   float64 `json:"probability"`
}

// Reader provides read-only queries against the SDE SQLite snapshot.
// Safe for concurrent use; the underlying file is never written.
type Reader struct {
	db        *sql.DB
	nameCache *lru.Cache[int32, string]
}

// Resolve finds the SDE file under dataDir, trying the current file name
// first and falling back to the historical one.
func Resolve(dataDir string) (string, error) {
	for _, name := range candidateFileNames {
		path := filepath.Join(dataDir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrMissingSDE
}

// Open opens the SDE snapshot read-only.
func Open(dataDir string) (*Reader, error) {
	path, err := Resolve(dataDir)
	if err != nil {
		return nil, err
	}
	return OpenFile(path)
}

// OpenFile opens a specific SDE SQLite file read-only.
func OpenFile(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, ErrMissingSDE
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sde: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sde: %w", err)
	}
	cache, _ := lru.New[int32, string](4096)
	logger.Success("SDE", fmt.Sprintf("Opened %s", path))
	return &Reader{db: db, nameCache: cache}, nil
}

// Close closes the snapshot.
func (r *Reader) Close() error {
	return r.db.Close()
}

// BlueprintMaterials returns the base material bill for a blueprint activity,
// largest quantities first.
func (r *Reader) BlueprintMaterials(bpTypeID int32, activityID int) ([]Material, error) {
	rows, err := r.db.Query(`
		SELECT materialTypeID, quantity
		FROM industryActivityMaterials
		WHERE typeID = ? AND activityID = ?
		ORDER BY quantity DESC, materialTypeID ASC`,
		bpTypeID, activityID)
	if err != nil {
		return nil, fmt.Errorf("blueprint materials: %w", err)
	}
	defer rows.Close()

	var out []Material
	for rows.Next() {
		var m Material
		if err := rows.Scan(&m.TypeID, &m.Quantity); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BlueprintProduct returns what the blueprint produces per run for the given
// activity, or nil if the activity yields nothing.
func (r *Reader) BlueprintProduct(bpTypeID int32, activityID int) (*Product, error) {
	var p Product
	err := r.db.QueryRow(`
		SELECT productTypeID, quantity
		FROM industryActivityProducts
		WHERE typeID = ? AND activityID = ?
		LIMIT 1`,
		bpTypeID, activityID).Scan(&p.TypeID, &p.PerRunQty)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blueprint product: %w", err)
	}
	if p.PerRunQty <= 0 {
		p.PerRunQty = 1
	}
	return &p, nil
}

// BlueprintForProduct returns the blueprint type that manufactures the given
// product, or 0 if the product is not manufacturable.
func (r *Reader) BlueprintForProduct(productTypeID int32) (int32, error) {
	var bpTypeID int32
	err := r.db.QueryRow(`
		SELECT typeID
		FROM industryActivityProducts
		WHERE productTypeID = ? AND activityID IN (?, ?)
		ORDER BY activityID ASC
		LIMIT 1`,
		productTypeID, ActivityManufacturing, ActivityReaction).Scan(&bpTypeID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("blueprint for product: %w", err)
	}
	return bpTypeID, nil
}

// ActivityTime returns the base time in seconds for a blueprint activity.
func (r *Reader) ActivityTime(bpTypeID int32, activityID int) (int64, error) {
	var t int64
	err := r.db.QueryRow(`
		SELECT time FROM industryActivity
		WHERE typeID = ? AND activityID = ?`,
		bpTypeID, activityID).Scan(&t)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("activity time: %w", err)
	}
	return t, nil
}

// TypeName resolves a type's display name. Unknown types resolve to
// "Type <id>" so callers never deal with empty labels.
func (r *Reader) TypeName(typeID int32) string {
	if name, ok := r.nameCache.Get(typeID); ok {
		return name
	}
	var name string
	err := r.db.QueryRow(`SELECT typeName FROM invTypes WHERE typeID = ?`, typeID).Scan(&name)
	if err != nil || name == "" {
		name = fmt.Sprintf("Type %d", typeID)
	}
	r.nameCache.Add(typeID, name)
	return name
}

// GroupID returns the group a type belongs to (0 if unknown).
func (r *Reader) GroupID(typeID int32) int32 {
	var groupID int32
	r.db.QueryRow(`SELECT groupID FROM invTypes WHERE typeID = ?`, typeID).Scan(&groupID)
	return groupID
}

// CategoryID returns the category of a type via its group (0 if unknown).
func (r *Reader) CategoryID(typeID int32) int32 {
	var categoryID int32
	r.db.QueryRow(`
		SELECT g.categoryID
		FROM invTypes t JOIN invGroups g ON g.groupID = t.groupID
		WHERE t.typeID = ?`, typeID).Scan(&categoryID)
	return categoryID
}

// RigEffects returns all dogma attributes of a rig type.
func (r *Reader) RigEffects(rigTypeID int32) ([]RigEffect, error) {
	rows, err := r.db.Query(`
		SELECT attributeID, COALESCE(valueFloat, valueInt, 0)
		FROM dgmTypeAttributes
		WHERE typeID = ?`, rigTypeID)
	if err != nil {
		return nil, fmt.Errorf("rig effects: %w", err)
	}
	defer rows.Close()

	var out []RigEffect
	for rows.Next() {
		var e RigEffect
		if err := rows.Scan(&e.AttributeID, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RigCostBonus returns the job-cost bonus of a rig as an absolute percent
// reduction (positive number), 0 if the rig carries none.
func (r *Reader) RigCostBonus(rigTypeID int32) float64 {
	effects, err := r.RigEffects(rigTypeID)
	if err != nil {
		return 0
	}
	for _, e := range effects {
		if e.AttributeID == AttrCostBonus {
			if e.Value < 0 {
				return -e.Value
			}
			return e.Value
		}
	}
	return 0
}

// RigMaterialBonus returns the rig's material-reduction bonus as a signed
// percent (negative means reduction), 0 if none. Attribute 2594 carries the
// manufacturing material bonus on M-set rigs.
func (r *Reader) RigMaterialBonus(rigTypeID int32) float64 {
	effects, err := r.RigEffects(rigTypeID)
	if err != nil {
		return 0
	}
	for _, e := range effects {
		if e.AttributeID == 2594 {
			return e.Value
		}
	}
	return 0
}

// StructureCostBonus returns the structure's job-cost bonus as an absolute
// percent reduction (e.g. 3.0 for an Azbel), 0 for NPC stations.
func (r *Reader) StructureCostBonus(structureTypeID int32) float64 {
	if structureTypeID == 0 {
		return 0
	}
	var v float64
	err := r.db.QueryRow(`
		SELECT COALESCE(valueFloat, valueInt, 0)
		FROM dgmTypeAttributes
		WHERE typeID = ? AND attributeID = ?`,
		structureTypeID, AttrCostBonus).Scan(&v)
	if err != nil {
		return 0
	}
	if v < 0 {
		return -v
	}
	return v
}

// InventionProducts lists the possible invention outcomes of a blueprint.
func (r *Reader) InventionProducts(bpTypeID int32) ([]InventionProduct, error) {
	rows, err := r.db.Query(`
		SELECT p.productTypeID, p.quantity, COALESCE(pr.probability, 0)
		FROM industryActivityProducts p
		LEFT JOIN industryActivityProbabilities pr
			ON pr.typeID = p.typeID AND pr.activityID = p.activityID
			AND pr.productTypeID = p.productTypeID
		WHERE p.typeID = ? AND p.activityID = ?`,
		bpTypeID, ActivityInvention)
	if err != nil {
		return nil, fmt.Errorf("invention products: %w", err)
	}
	defer rows.Close()

	var out []InventionProduct
	for rows.Next() {
		var p InventionProduct
		if err := rows.Scan(&p.ProductTypeID, &p.Quantity, &p.Probability); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProbabilityFor returns the base invention probability for a specific
// blueprint → product pair (0 if not inventable).
func (r *Reader) ProbabilityFor(bpTypeID, productTypeID int32) (float64, error) {
	var p float64
	err := r.db.QueryRow(`
		SELECT probability
		FROM industryActivityProbabilities
		WHERE typeID = ? AND activityID = ? AND productTypeID = ?`,
		bpTypeID, ActivityInvention, productTypeID).Scan(&p)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("invention probability: %w", err)
	}
	return p, nil
}

// Decryptors lists all decryptor types with their invention modifiers.
func (r *Reader) Decryptors() ([]Decryptor, error) {
	rows, err := r.db.Query(`
		SELECT typeID, typeName FROM invTypes
		WHERE groupID = ?
		ORDER BY typeName ASC`, decryptorGroupID)
	if err != nil {
		return nil, fmt.Errorf("decryptors: %w", err)
	}
	defer rows.Close()

	var out []Decryptor
	for rows.Next() {
		var d Decryptor
		if err := rows.Scan(&d.TypeID, &d.Name); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		effects, err := r.RigEffects(out[i].TypeID)
		if err != nil {
			continue
		}
		for _, e := range effects {
			switch e.AttributeID {
			case attrInventionPropMult:
				out[i].ProbabilityMultiplier = e.Value
			case attrInventionMEMod:
				out[i].MEModifier = int32(e.Value)
			case attrInventionTEMod:
				out[i].TEModifier = int32(e.Value)
			case attrInventionRunsMod:
				out[i].RunsModifier = int32(e.Value)
			}
		}
	}
	return out, nil
}

// SearchResult is a type-search hit for the calculator UI.
type SearchResult struct {
	TypeID       int32  `json:"type_id"`
	TypeName     string `json:"type_name"`
	HasBlueprint bool   `json:"has_blueprint"`
}

// SearchTypes returns published types whose names match the query,
// exact match first, then prefix, then substring; blueprint-backed items
// sort ahead within each band.
func (r *Reader) SearchTypes(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT t.typeID, t.typeName,
			EXISTS (
				SELECT 1 FROM industryActivityProducts p
				WHERE p.productTypeID = t.typeID AND p.activityID IN (?, ?)
			) AS has_bp,
			CASE
				WHEN LOWER(t.typeName) = LOWER(?) THEN 0
				WHEN LOWER(t.typeName) LIKE LOWER(?) THEN 1
				ELSE 2
			END AS relevance
		FROM invTypes t
		WHERE t.published = 1 AND t.typeName LIKE ? COLLATE NOCASE
		ORDER BY has_bp DESC, relevance ASC, t.typeName ASC
		LIMIT ?`,
		ActivityManufacturing, ActivityReaction,
		query, query+"%", "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search types: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var s SearchResult
		var relevance int
		if err := rows.Scan(&s.TypeID, &s.TypeName, &s.HasBlueprint, &relevance); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
