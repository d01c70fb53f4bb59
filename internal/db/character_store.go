package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"eve-quantum/internal/esi"
)

// CharacterStore persists per-character inventory facts fetched from ESI.
// Saves are delete-then-insert inside one transaction so re-saving an
// identical payload yields identical rows.
type CharacterStore struct {
	db *sql.DB
}

func NewCharacterStore(db *sql.DB) *CharacterStore {
	return &CharacterStore{db: db}
}

// Skill is a stored skill with any override already applied.
type Skill struct {
	SkillID       int32 `json:"skill_id"`
	ActiveLevel   int   `json:"active_level"`
	TrainedLevel  int   `json:"trained_level"`
	Skillpoints   int64 `json:"skillpoints"`
	OverrideLevel *int  `json:"override_level,omitempty"`
}

// Blueprint is a stored blueprint with per-field overrides applied.
// EffectiveME/EffectiveTE are the values the cost engine should use.
type Blueprint struct {
	ItemID        string `json:"item_id"`
	TypeID        int32  `json:"type_id"`
	LocationID    int64  `json:"location_id"`
	LocationFlag  string `json:"location_flag"`
	Quantity      int    `json:"quantity"`
	ME            int    `json:"material_efficiency"`
	TE            int    `json:"time_efficiency"`
	Runs          int    `json:"runs"`
	IsCopy        bool   `json:"is_copy"`
	IsCorporation bool   `json:"is_corporation"`
	Source        string `json:"source"`
	ManuallyAdded bool   `json:"manually_added"`
	EffectiveME   int    `json:"effective_me"`
	EffectiveTE   int    `json:"effective_te"`
}

// Asset is a stored asset row.
type Asset struct {
	ItemID        string `json:"item_id"`
	TypeID        int32  `json:"type_id"`
	LocationID    int64  `json:"location_id"`
	LocationFlag  string `json:"location_flag"`
	Quantity      int64  `json:"quantity"`
	IsSingleton   bool   `json:"is_singleton"`
	IsCorporation bool   `json:"is_corporation"`
}

// IndustryJob is a stored industry job row.
type IndustryJob struct {
	JobID           int64  `json:"job_id"`
	CharacterID     int64  `json:"character_id"`
	InstallerID     int64  `json:"installer_id"`
	FacilityID      int64  `json:"facility_id"`
	ActivityID      int    `json:"activity_id"`
	BlueprintTypeID int32  `json:"blueprint_type_id"`
	Runs            int    `json:"runs"`
	Status          string `json:"status"`
	StartDate       string `json:"start_date"`
	EndDate         string `json:"end_date"`
	CompletedDate   string `json:"completed_date"`
}

// WalletTransaction is a stored wallet transaction row.
type WalletTransaction struct {
	TransactionID int64   `json:"transaction_id"`
	CharacterID   int64   `json:"character_id"`
	Date          string  `json:"date"`
	TypeID        int32   `json:"type_id"`
	Quantity      int64   `json:"quantity"`
	UnitPrice     float64 `json:"unit_price"`
	LocationID    int64   `json:"location_id"`
	IsBuy         bool    `json:"is_buy"`
	IsPersonal    bool    `json:"is_personal"`
}

// SaveSkills replaces the character's skill rows.
func (s *CharacterStore) SaveSkills(characterID int64, sheet *esi.SkillSheet, expires time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM skills WHERE character_id = ?`, characterID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO skills (character_id, skill_id, active_level, trained_level, skillpoints)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sk := range sheet.Skills {
		if _, err := stmt.Exec(characterID, sk.SkillID, sk.ActiveLevel, sk.TrainedLevel, sk.Skillpoints); err != nil {
			return err
		}
	}
	if err := touchCacheState(tx, characterID, "skills", expires); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSkills returns skills with overrides applied to ActiveLevel.
func (s *CharacterStore) GetSkills(characterID int64) ([]Skill, error) {
	rows, err := s.db.Query(`
		SELECT s.skill_id, s.active_level, s.trained_level, s.skillpoints, o.override_level
		FROM skills s
		LEFT JOIN skill_overrides o
			ON o.character_id = s.character_id AND o.skill_id = s.skill_id
		WHERE s.character_id = ?
		ORDER BY s.skill_id`, characterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Skill
	for rows.Next() {
		var sk Skill
		var override sql.NullInt64
		if err := rows.Scan(&sk.SkillID, &sk.ActiveLevel, &sk.TrainedLevel, &sk.Skillpoints, &override); err != nil {
			return nil, err
		}
		if override.Valid {
			lvl := int(override.Int64)
			sk.OverrideLevel = &lvl
			sk.ActiveLevel = lvl
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// SkillLevel returns the effective level of one skill (override wins),
// 0 if untrained.
func (s *CharacterStore) SkillLevel(characterID int64, skillID int32) int {
	var lvl int
	err := s.db.QueryRow(`
		SELECT COALESCE(o.override_level, s.active_level)
		FROM skills s
		LEFT JOIN skill_overrides o
			ON o.character_id = s.character_id AND o.skill_id = s.skill_id
		WHERE s.character_id = ? AND s.skill_id = ?`, characterID, skillID).Scan(&lvl)
	if err != nil {
		return 0
	}
	return lvl
}

// SetSkillOverride pins a skill to a level for what-if planning.
func (s *CharacterStore) SetSkillOverride(characterID int64, skillID int32, level int) error {
	if level < 0 || level > 5 {
		return fmt.Errorf("%w: skill level %d out of range", ErrConstraint, level)
	}
	_, err := s.db.Exec(`
		INSERT INTO skill_overrides (character_id, skill_id, override_level)
		VALUES (?, ?, ?)
		ON CONFLICT(character_id, skill_id) DO UPDATE SET override_level = excluded.override_level`,
		characterID, skillID, level)
	return err
}

// ClearSkillOverride removes an override.
func (s *CharacterStore) ClearSkillOverride(characterID int64, skillID int32) error {
	_, err := s.db.Exec(`DELETE FROM skill_overrides WHERE character_id = ? AND skill_id = ?`,
		characterID, skillID)
	return err
}

// SaveBlueprints replaces ESI-sourced blueprint rows, keeping manually
// added ones.
func (s *CharacterStore) SaveBlueprints(characterID int64, bps []esi.Blueprint, corporation bool, expires time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	source := "esi"
	if corporation {
		source = "esi_corp"
	}
	if _, err := tx.Exec(`
		DELETE FROM blueprints
		WHERE character_id = ? AND source = ? AND manually_added = 0`,
		characterID, source); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO blueprints (item_id, character_id, type_id, corporation_id, location_id,
			location_flag, quantity, material_efficiency, time_efficiency, runs,
			is_copy, is_corporation, source, manually_added)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(character_id, item_id) DO UPDATE SET
			type_id = excluded.type_id,
			location_id = excluded.location_id,
			location_flag = excluded.location_flag,
			quantity = excluded.quantity,
			material_efficiency = excluded.material_efficiency,
			time_efficiency = excluded.time_efficiency,
			runs = excluded.runs,
			is_copy = excluded.is_copy,
			is_corporation = excluded.is_corporation`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, bp := range bps {
		isCopy := bp.Quantity == -2
		if _, err := stmt.Exec(bp.ItemID, characterID, bp.TypeID, 0, bp.LocationID,
			bp.LocationFlag, bp.Quantity, bp.MaterialEfficiency, bp.TimeEfficiency,
			bp.Runs, boolInt(isCopy), boolInt(corporation), source); err != nil {
			return err
		}
	}
	endpoint := "blueprints"
	if corporation {
		endpoint = "corp_blueprints"
	}
	if err := touchCacheState(tx, characterID, endpoint, expires); err != nil {
		return err
	}
	return tx.Commit()
}

// AddManualBlueprint records a blueprint the user owns but ESI does not
// report (e.g. in a corp hangar without roles).
func (s *CharacterStore) AddManualBlueprint(characterID int64, typeID int32, me, te, runs int) (string, error) {
	itemID := fmt.Sprintf("manual-%d-%d", typeID, time.Now().UnixNano())
	_, err := s.db.Exec(`
		INSERT INTO blueprints (item_id, character_id, type_id, quantity,
			material_efficiency, time_efficiency, runs, is_copy, source, manually_added)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, 'manual', 1)`,
		itemID, characterID, typeID, me, te, runs, boolInt(runs >= 0))
	if err != nil {
		return "", err
	}
	return itemID, nil
}

// SetBlueprintOverride overrides one field ("me", "te") of a blueprint.
func (s *CharacterStore) SetBlueprintOverride(characterID int64, itemID, field, value string) error {
	switch field {
	case "me", "te":
	default:
		return fmt.Errorf("%w: unknown blueprint override field %q", ErrConstraint, field)
	}
	_, err := s.db.Exec(`
		INSERT INTO blueprint_overrides (character_id, item_id, field, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(character_id, item_id, field) DO UPDATE SET value = excluded.value`,
		characterID, itemID, field, value)
	return err
}

// ClearBlueprintOverride removes one override field.
func (s *CharacterStore) ClearBlueprintOverride(characterID int64, itemID, field string) error {
	_, err := s.db.Exec(`
		DELETE FROM blueprint_overrides WHERE character_id = ? AND item_id = ? AND field = ?`,
		characterID, itemID, field)
	return err
}

// GetBlueprints returns the character's blueprints with effective ME/TE.
func (s *CharacterStore) GetBlueprints(characterID int64) ([]Blueprint, error) {
	rows, err := s.db.Query(`
		SELECT b.item_id, b.type_id, b.location_id, b.location_flag, b.quantity,
			b.material_efficiency, b.time_efficiency, b.runs, b.is_copy,
			b.is_corporation, b.source, b.manually_added,
			me.value, te.value
		FROM blueprints b
		LEFT JOIN blueprint_overrides me
			ON me.character_id = b.character_id AND me.item_id = b.item_id AND me.field = 'me'
		LEFT JOIN blueprint_overrides te
			ON te.character_id = b.character_id AND te.item_id = b.item_id AND te.field = 'te'
		WHERE b.character_id = ?
		ORDER BY b.type_id, b.item_id`, characterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Blueprint
	for rows.Next() {
		var bp Blueprint
		var isCopy, isCorp, manual int
		var meOverride, teOverride sql.NullString
		if err := rows.Scan(&bp.ItemID, &bp.TypeID, &bp.LocationID, &bp.LocationFlag,
			&bp.Quantity, &bp.ME, &bp.TE, &bp.Runs, &isCopy, &isCorp, &bp.Source,
			&manual, &meOverride, &teOverride); err != nil {
			return nil, err
		}
		bp.IsCopy = isCopy == 1
		bp.IsCorporation = isCorp == 1
		bp.ManuallyAdded = manual == 1
		bp.EffectiveME = overrideInt(meOverride, bp.ME)
		bp.EffectiveTE = overrideInt(teOverride, bp.TE)
		out = append(out, bp)
	}
	return out, rows.Err()
}

// OwnedBlueprintME returns the best effective ME the character owns for a
// blueprint type, with ok=false if none is owned.
func (s *CharacterStore) OwnedBlueprintME(characterID int64, bpTypeID int32) (int, bool) {
	var me int
	err := s.db.QueryRow(`
		SELECT MAX(COALESCE(CAST(o.value AS INTEGER), b.material_efficiency))
		FROM blueprints b
		LEFT JOIN blueprint_overrides o
			ON o.character_id = b.character_id AND o.item_id = b.item_id AND o.field = 'me'
		WHERE b.character_id = ? AND b.type_id = ?`, characterID, bpTypeID).Scan(&me)
	if err != nil {
		return 0, false
	}
	return me, true
}

// SaveAssets replaces the character's asset rows for one ownership side.
func (s *CharacterStore) SaveAssets(characterID int64, assets []esi.Asset, corporation bool, expires time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM assets WHERE character_id = ? AND is_corporation = ?`,
		characterID, boolInt(corporation)); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO assets (item_id, character_id, type_id, location_id, location_flag,
			quantity, is_singleton, is_blueprint_copy, is_corporation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, a := range assets {
		if _, err := stmt.Exec(a.ItemID, characterID, a.TypeID, a.LocationID,
			a.LocationFlag, a.Quantity, boolInt(a.IsSingleton), boolInt(a.IsBlueprintCopy),
			boolInt(corporation)); err != nil {
			return err
		}
	}
	endpoint := "assets"
	if corporation {
		endpoint = "corp_assets"
	}
	if err := touchCacheState(tx, characterID, endpoint, expires); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAssets returns all asset rows for a character.
func (s *CharacterStore) GetAssets(characterID int64) ([]Asset, error) {
	rows, err := s.db.Query(`
		SELECT item_id, type_id, location_id, location_flag, quantity,
			is_singleton, is_corporation
		FROM assets WHERE character_id = ?
		ORDER BY type_id, item_id`, characterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		var a Asset
		var singleton, corp int
		if err := rows.Scan(&a.ItemID, &a.TypeID, &a.LocationID, &a.LocationFlag,
			&a.Quantity, &singleton, &corp); err != nil {
			return nil, err
		}
		a.IsSingleton = singleton == 1
		a.IsCorporation = corp == 1
		out = append(out, a)
	}
	return out, rows.Err()
}

// AssetQuantity sums owned units of a type, split personal/corporation.
func (s *CharacterStore) AssetQuantity(characterID int64, typeID int32) (personal, corp int64) {
	rows, err := s.db.Query(`
		SELECT is_corporation, COALESCE(SUM(quantity), 0)
		FROM assets WHERE character_id = ? AND type_id = ?
		GROUP BY is_corporation`, characterID, typeID)
	if err != nil {
		return 0, 0
	}
	defer rows.Close()
	for rows.Next() {
		var isCorp int
		var qty int64
		if rows.Scan(&isCorp, &qty) == nil {
			if isCorp == 1 {
				corp = qty
			} else {
				personal = qty
			}
		}
	}
	return personal, corp
}

// SaveIndustryJobs replaces the character's job rows.
func (s *CharacterStore) SaveIndustryJobs(characterID int64, jobs []esi.IndustryJob, expires time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM industry_jobs WHERE character_id = ?`, characterID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO industry_jobs (job_id, character_id, installer_id, facility_id,
			activity_id, blueprint_type_id, runs, status, start_date, end_date, completed_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, j := range jobs {
		if _, err := stmt.Exec(j.JobID, characterID, j.InstallerID, j.FacilityID,
			j.ActivityID, j.BlueprintTypeID, j.Runs, j.Status, j.StartDate,
			j.EndDate, j.CompletedDate); err != nil {
			return err
		}
	}
	if err := touchCacheState(tx, characterID, "industry_jobs", expires); err != nil {
		return err
	}
	return tx.Commit()
}

// GetIndustryJobs returns the character's jobs, newest start first.
func (s *CharacterStore) GetIndustryJobs(characterID int64) ([]IndustryJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, character_id, installer_id, facility_id, activity_id,
			blueprint_type_id, runs, status, start_date, end_date, completed_date
		FROM industry_jobs WHERE character_id = ?
		ORDER BY start_date DESC`, characterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndustryJob
	for rows.Next() {
		var j IndustryJob
		if err := rows.Scan(&j.JobID, &j.CharacterID, &j.InstallerID, &j.FacilityID,
			&j.ActivityID, &j.BlueprintTypeID, &j.Runs, &j.Status, &j.StartDate,
			&j.EndDate, &j.CompletedDate); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SaveWalletTransactions upserts transactions; the wallet endpoint only
// returns a sliding window, so older rows are kept.
func (s *CharacterStore) SaveWalletTransactions(characterID int64, txns []esi.WalletTransaction, expires time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO wallet_transactions (transaction_id, character_id, date, type_id,
			quantity, unit_price, location_id, is_buy, is_personal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(character_id, transaction_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range txns {
		if _, err := stmt.Exec(t.TransactionID, characterID, t.Date, t.TypeID,
			t.Quantity, t.UnitPrice, t.LocationID, boolInt(t.IsBuy), boolInt(t.IsPersonal)); err != nil {
			return err
		}
	}
	if err := touchCacheState(tx, characterID, "wallet_transactions", expires); err != nil {
		return err
	}
	return tx.Commit()
}

// GetWalletTransactions returns transactions newest first, up to limit
// (0 for all).
func (s *CharacterStore) GetWalletTransactions(characterID int64, limit int) ([]WalletTransaction, error) {
	query := `
		SELECT transaction_id, character_id, date, type_id, quantity, unit_price,
			location_id, is_buy, is_personal
		FROM wallet_transactions WHERE character_id = ?
		ORDER BY date DESC`
	args := []interface{}{characterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WalletTransaction
	for rows.Next() {
		var t WalletTransaction
		var isBuy, isPersonal int
		if err := rows.Scan(&t.TransactionID, &t.CharacterID, &t.Date, &t.TypeID,
			&t.Quantity, &t.UnitPrice, &t.LocationID, &isBuy, &isPersonal); err != nil {
			return nil, err
		}
		t.IsBuy = isBuy == 1
		t.IsPersonal = isPersonal == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// CacheState reports when an endpoint was last saved and when its ESI
// cache expires. ok is false if the endpoint was never fetched.
func (s *CharacterStore) CacheState(characterID int64, endpoint string) (lastUpdated time.Time, expiresAt time.Time, ok bool) {
	var updatedMs int64
	var expiresMs sql.NullInt64
	err := s.db.QueryRow(`
		SELECT last_updated, cache_expires_at FROM cache_state
		WHERE character_id = ? AND endpoint = ?`, characterID, endpoint).
		Scan(&updatedMs, &expiresMs)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	lastUpdated = time.UnixMilli(updatedMs)
	if expiresMs.Valid {
		expiresAt = time.UnixMilli(expiresMs.Int64)
	}
	return lastUpdated, expiresAt, true
}

func touchCacheState(tx *sql.Tx, characterID int64, endpoint string, expires time.Time) error {
	var expiresMs interface{}
	if !expires.IsZero() {
		expiresMs = expires.UnixMilli()
	}
	_, err := tx.Exec(`
		INSERT INTO cache_state (character_id, endpoint, last_updated, cache_expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(character_id, endpoint) DO UPDATE SET
			last_updated = excluded.last_updated,
			cache_expires_at = excluded.cache_expires_at`,
		characterID, endpoint, time.Now().UnixMilli(), expiresMs)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func overrideInt(v sql.NullString, fallback int) int {
	if !v.Valid {
		return fallback
	}
	n, err := strconv.Atoi(v.String)
	if err != nil {
		return fallback
	}
	return n
}
