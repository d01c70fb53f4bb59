package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// CharacterInfo is the public character sheet.
type CharacterInfo struct {
	Name          string `json:"name"`
	CorporationID int64  `json:"corporation_id"`
	AllianceID    int64  `json:"alliance_id"`
}

// SkillEntry is one trained skill.
type SkillEntry struct {
	SkillID      int32 `json:"skill_id"`
	ActiveLevel  int   `json:"active_skill_level"`
	TrainedLevel int   `json:"trained_skill_level"`
	Skillpoints  int64 `json:"skillpoints_in_skill"`
}

// SkillSheet is the character's full skill list.
type SkillSheet struct {
	Skills  []SkillEntry `json:"skills"`
	TotalSP int64        `json:"total_sp"`
}

// Blueprint is a blueprint the character owns.
// ItemID travels as a string: station container IDs exceed 53-bit range.
type Blueprint struct {
	ItemID             string `json:"-"`
	RawItemID          int64  `json:"item_id"`
	TypeID             int32  `json:"type_id"`
	LocationID         int64  `json:"location_id"`
	LocationFlag       string `json:"location_flag"`
	Quantity           int64  `json:"quantity"`
	TimeEfficiency     int32  `json:"time_efficiency"`
	MaterialEfficiency int32  `json:"material_efficiency"`
	Runs               int64  `json:"runs"` // -1 for originals
}

// Asset is one inventory row.
type Asset struct {
	ItemID          string `json:"-"`
	RawItemID       int64  `json:"item_id"`
	TypeID          int32  `json:"type_id"`
	LocationID      int64  `json:"location_id"`
	LocationFlag    string `json:"location_flag"`
	Quantity        int64  `json:"quantity"`
	IsSingleton     bool   `json:"is_singleton"`
	IsBlueprintCopy bool   `json:"is_blueprint_copy"`
}

// IndustryJob is a running or finished industry job.
type IndustryJob struct {
	JobID           int64   `json:"job_id"`
	InstallerID     int64   `json:"installer_id"`
	FacilityID      int64   `json:"facility_id"`
	ActivityID      int32   `json:"activity_id"`
	BlueprintTypeID int32   `json:"blueprint_type_id"`
	ProductTypeID   int32   `json:"product_type_id"`
	Runs            int32   `json:"runs"`
	Cost            float64 `json:"cost"`
	Status          string  `json:"status"`
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	CompletedDate   string  `json:"completed_date"`
}

// WalletTransaction is one market transaction.
type WalletTransaction struct {
	TransactionID int64   `json:"transaction_id"`
	Date          string  `json:"date"`
	TypeID        int32   `json:"type_id"`
	LocationID    int64   `json:"location_id"`
	Quantity      int64   `json:"quantity"`
	UnitPrice     float64 `json:"unit_price"`
	IsBuy         bool    `json:"is_buy"`
	IsPersonal    bool    `json:"is_personal"`
}

// FetchCharacterInfo fetches the public character sheet.
func (c *Client) FetchCharacterInfo(ctx context.Context, characterID int64) (*CharacterInfo, time.Time, error) {
	url := fmt.Sprintf("%s/characters/%d/?datasource=%s", c.BaseURL, characterID, datasource)
	var info CharacterInfo
	expires, err := c.GetJSON(ctx, statusKey(characterID, "info"), url, &info)
	if err != nil {
		return nil, time.Time{}, err
	}
	return &info, expires, nil
}

// FetchSkills fetches the character's skills.
func (c *Client) FetchSkills(ctx context.Context, characterID int64) (*SkillSheet, time.Time, error) {
	url := fmt.Sprintf("%s/characters/%d/skills/?datasource=%s", c.BaseURL, characterID, datasource)
	var sheet SkillSheet
	expires, err := c.AuthGetJSON(ctx, statusKey(characterID, "skills"), url, characterID, &sheet)
	if err != nil {
		return nil, time.Time{}, err
	}
	return &sheet, expires, nil
}

// FetchBlueprints fetches all blueprint pages the character owns.
func (c *Client) FetchBlueprints(ctx context.Context, characterID int64) ([]Blueprint, time.Time, error) {
	url := fmt.Sprintf("%s/characters/%d/blueprints/?datasource=%s", c.BaseURL, characterID, datasource)
	items, expires, err := c.GetPaginated(ctx, statusKey(characterID, "blueprints"), url, characterID)
	if err != nil {
		return nil, time.Time{}, err
	}
	out := make([]Blueprint, 0, len(items))
	for _, raw := range items {
		var bp Blueprint
		if err := json.Unmarshal(raw, &bp); err != nil {
			return nil, time.Time{}, &DeserializeError{Err: err}
		}
		bp.ItemID = strconv.FormatInt(bp.RawItemID, 10)
		out = append(out, bp)
	}
	return out, expires, nil
}

// FetchAssets fetches all asset pages the character owns.
func (c *Client) FetchAssets(ctx context.Context, characterID int64) ([]Asset, time.Time, error) {
	url := fmt.Sprintf("%s/characters/%d/assets/?datasource=%s", c.BaseURL, characterID, datasource)
	items, expires, err := c.GetPaginated(ctx, statusKey(characterID, "assets"), url, characterID)
	if err != nil {
		return nil, time.Time{}, err
	}
	return decodeAssets(items, expires)
}

// FetchCorporationAssets fetches the corporation asset pages. A 403 means the
// character lacks the Director role; that is downgraded to an empty result.
func (c *Client) FetchCorporationAssets(ctx context.Context, characterID, corporationID int64) ([]Asset, time.Time, error) {
	url := fmt.Sprintf("%s/corporations/%d/assets/?datasource=%s", c.BaseURL, corporationID, datasource)
	key := statusKey(characterID, "corp_assets")
	items, expires, err := c.GetPaginated(ctx, key, url, characterID)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == 403 {
			c.Status.Success(key, time.Now().Add(time.Hour), 0)
			return nil, time.Now().Add(time.Hour), nil
		}
		return nil, time.Time{}, err
	}
	return decodeAssets(items, expires)
}

func decodeAssets(items []json.RawMessage, expires time.Time) ([]Asset, time.Time, error) {
	out := make([]Asset, 0, len(items))
	for _, raw := range items {
		var a Asset
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, time.Time{}, &DeserializeError{Err: err}
		}
		a.ItemID = strconv.FormatInt(a.RawItemID, 10)
		out = append(out, a)
	}
	return out, expires, nil
}

// FetchIndustryJobs fetches the character's industry jobs, including
// completed ones.
func (c *Client) FetchIndustryJobs(ctx context.Context, characterID int64) ([]IndustryJob, time.Time, error) {
	url := fmt.Sprintf("%s/characters/%d/industry/jobs/?datasource=%s&include_completed=true",
		c.BaseURL, characterID, datasource)
	var jobs []IndustryJob
	expires, err := c.AuthGetJSON(ctx, statusKey(characterID, "industry_jobs"), url, characterID, &jobs)
	if err != nil {
		return nil, time.Time{}, err
	}
	return jobs, expires, nil
}

// FetchWalletTransactions fetches the character's recent wallet transactions.
func (c *Client) FetchWalletTransactions(ctx context.Context, characterID int64) ([]WalletTransaction, time.Time, error) {
	url := fmt.Sprintf("%s/characters/%d/wallet/transactions/?datasource=%s", c.BaseURL, characterID, datasource)
	var txns []WalletTransaction
	expires, err := c.AuthGetJSON(ctx, statusKey(characterID, "wallet_transactions"), url, characterID, &txns)
	if err != nil {
		return nil, time.Time{}, err
	}
	return txns, expires, nil
}

func statusKey(characterID int64, endpoint string) string {
	return fmt.Sprintf("%d:%s", characterID, endpoint)
}
