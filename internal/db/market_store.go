package db

import (
	"database/sql"
	"time"

	"eve-quantum/internal/esi"
)

// MarketStore persists market orders, history and price state. Orders are
// replaced wholesale per (region, type): readers always observe the latest
// fully committed fetch.
type MarketStore struct {
	db *sql.DB
}

func NewMarketStore(db *sql.DB) *MarketStore {
	return &MarketStore{db: db}
}

// PriceOverride pins a type to a fixed price.
type PriceOverride struct {
	TypeID    int32     `json:"type_id"`
	Price     float64   `json:"price"`
	Notes     string    `json:"notes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CachedPrice is one persisted pricing-engine result.
type CachedPrice struct {
	TypeID       int32     `json:"type_id"`
	LocationID   int64     `json:"location_id"`
	RegionID     int32     `json:"region_id"`
	PriceType    string    `json:"price_type"`
	Price        float64   `json:"price"`
	Method       string    `json:"method"`
	Confidence   string    `json:"confidence"`
	CalculatedAt time.Time `json:"calculated_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PriceCacheTTL bounds how long a computed price is served from cache.
const PriceCacheTTL = 5 * time.Minute

// ReplaceOrders swaps in a fresh order snapshot for one (region, type).
func (s *MarketStore) ReplaceOrders(regionID, typeID int32, orders []esi.MarketOrder, expires time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM market_orders WHERE region_id = ? AND type_id = ?`,
		regionID, typeID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO market_orders (order_id, region_id, type_id, location_id, system_id,
			price, volume_remain, volume_total, min_volume, is_buy_order, issued, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, o := range orders {
		if _, err := stmt.Exec(o.OrderID, regionID, typeID, o.LocationID, o.SystemID,
			o.Price, o.VolumeRemain, o.VolumeTotal, o.MinVolume, boolInt(o.IsBuyOrder),
			o.Issued, now); err != nil {
			return err
		}
	}
	if err := touchFetchState(tx, regionID, typeID, "orders", expires); err != nil {
		return err
	}
	return tx.Commit()
}

// GetOrders returns the stored orders for one (region, type). locationID
// filters to a station/structure when non-zero.
func (s *MarketStore) GetOrders(regionID, typeID int32, locationID int64) ([]esi.MarketOrder, error) {
	query := `
		SELECT order_id, location_id, system_id, price, volume_remain, volume_total,
			min_volume, is_buy_order, issued
		FROM market_orders WHERE region_id = ? AND type_id = ?`
	args := []interface{}{regionID, typeID}
	if locationID != 0 {
		query += ` AND location_id = ?`
		args = append(args, locationID)
	}
	query += ` ORDER BY price ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []esi.MarketOrder
	for rows.Next() {
		var o esi.MarketOrder
		var isBuy int
		if err := rows.Scan(&o.OrderID, &o.LocationID, &o.SystemID, &o.Price,
			&o.VolumeRemain, &o.VolumeTotal, &o.MinVolume, &isBuy, &o.Issued); err != nil {
			return nil, err
		}
		o.RegionID = regionID
		o.TypeID = typeID
		o.IsBuyOrder = isBuy == 1
		out = append(out, o)
	}
	return out, rows.Err()
}

// SaveHistory upserts daily history rows for one (region, type).
func (s *MarketStore) SaveHistory(regionID, typeID int32, days []esi.HistoryDay, expires time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO market_history (region_id, type_id, date, average, highest, lowest, volume, order_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(region_id, type_id, date) DO UPDATE SET
			average = excluded.average,
			highest = excluded.highest,
			lowest = excluded.lowest,
			volume = excluded.volume,
			order_count = excluded.order_count`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, d := range days {
		if _, err := stmt.Exec(regionID, typeID, d.Date, d.Average, d.Highest,
			d.Lowest, d.Volume, d.OrderCount); err != nil {
			return err
		}
	}
	if err := touchFetchState(tx, regionID, typeID, "history", expires); err != nil {
		return err
	}
	return tx.Commit()
}

// GetHistory returns up to `days` most recent history rows, oldest first.
func (s *MarketStore) GetHistory(regionID, typeID int32, days int) ([]esi.HistoryDay, error) {
	if days <= 0 {
		days = 400
	}
	rows, err := s.db.Query(`
		SELECT date, average, highest, lowest, volume, order_count
		FROM (
			SELECT date, average, highest, lowest, volume, order_count
			FROM market_history WHERE region_id = ? AND type_id = ?
			ORDER BY date DESC LIMIT ?
		) ORDER BY date ASC`, regionID, typeID, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []esi.HistoryDay
	for rows.Next() {
		var d esi.HistoryDay
		if err := rows.Scan(&d.Date, &d.Average, &d.Highest, &d.Lowest,
			&d.Volume, &d.OrderCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FetchState reports when market data of a kind ("orders", "history") was
// last stored for a (region, type) and when the upstream cache expires.
func (s *MarketStore) FetchState(regionID, typeID int32, kind string) (fetchedAt, expiresAt time.Time, ok bool) {
	var fetchedMs int64
	var expiresMs sql.NullInt64
	err := s.db.QueryRow(`
		SELECT fetched_at, cache_expires_at FROM fetch_state
		WHERE region_id = ? AND type_id = ? AND kind = ?`, regionID, typeID, kind).
		Scan(&fetchedMs, &expiresMs)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	fetchedAt = time.UnixMilli(fetchedMs)
	if expiresMs.Valid {
		expiresAt = time.UnixMilli(expiresMs.Int64)
	}
	return fetchedAt, expiresAt, true
}

// SetPriceOverride pins a price for a type.
func (s *MarketStore) SetPriceOverride(typeID int32, price float64, notes string) error {
	_, err := s.db.Exec(`
		INSERT INTO price_overrides (type_id, price, notes, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(type_id) DO UPDATE SET
			price = excluded.price,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		typeID, price, notes, time.Now().UnixMilli())
	return err
}

// GetPriceOverride returns the override for a type, or nil.
func (s *MarketStore) GetPriceOverride(typeID int32) *PriceOverride {
	var o PriceOverride
	var updatedMs int64
	err := s.db.QueryRow(`
		SELECT type_id, price, notes, updated_at FROM price_overrides WHERE type_id = ?`,
		typeID).Scan(&o.TypeID, &o.Price, &o.Notes, &updatedMs)
	if err != nil {
		return nil
	}
	o.UpdatedAt = time.UnixMilli(updatedMs)
	return &o
}

// ListPriceOverrides returns all overrides.
func (s *MarketStore) ListPriceOverrides() ([]PriceOverride, error) {
	rows, err := s.db.Query(`SELECT type_id, price, notes, updated_at FROM price_overrides ORDER BY type_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PriceOverride
	for rows.Next() {
		var o PriceOverride
		var updatedMs int64
		if err := rows.Scan(&o.TypeID, &o.Price, &o.Notes, &updatedMs); err != nil {
			return nil, err
		}
		o.UpdatedAt = time.UnixMilli(updatedMs)
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeletePriceOverride removes an override.
func (s *MarketStore) DeletePriceOverride(typeID int32) error {
	res, err := s.db.Exec(`DELETE FROM price_overrides WHERE type_id = ?`, typeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutCachedPrice persists a pricing-engine result with the standard TTL.
func (s *MarketStore) PutCachedPrice(p CachedPrice) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO price_cache (type_id, location_id, region_id, price_type,
			price, method, confidence, calculated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type_id, location_id, region_id, price_type) DO UPDATE SET
			price = excluded.price,
			method = excluded.method,
			confidence = excluded.confidence,
			calculated_at = excluded.calculated_at,
			expires_at = excluded.expires_at`,
		p.TypeID, p.LocationID, p.RegionID, p.PriceType, p.Price, p.Method,
		p.Confidence, now.UnixMilli(), now.Add(PriceCacheTTL).UnixMilli())
	return err
}

// GetCachedPrice returns a non-expired cached price, or nil.
func (s *MarketStore) GetCachedPrice(typeID int32, locationID int64, regionID int32, priceType string) *CachedPrice {
	var p CachedPrice
	var calcMs, expMs int64
	err := s.db.QueryRow(`
		SELECT type_id, location_id, region_id, price_type, price, method, confidence,
			calculated_at, expires_at
		FROM price_cache
		WHERE type_id = ? AND location_id = ? AND region_id = ? AND price_type = ?`,
		typeID, locationID, regionID, priceType).
		Scan(&p.TypeID, &p.LocationID, &p.RegionID, &p.PriceType, &p.Price,
			&p.Method, &p.Confidence, &calcMs, &expMs)
	if err != nil {
		return nil
	}
	p.CalculatedAt = time.UnixMilli(calcMs)
	p.ExpiresAt = time.UnixMilli(expMs)
	if time.Now().After(p.ExpiresAt) {
		return nil
	}
	return &p
}

func touchFetchState(tx *sql.Tx, regionID, typeID int32, kind string, expires time.Time) error {
	var expiresMs interface{}
	if !expires.IsZero() {
		expiresMs = expires.UnixMilli()
	}
	_, err := tx.Exec(`
		INSERT INTO fetch_state (region_id, type_id, kind, fetched_at, cache_expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(region_id, type_id, kind) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			cache_expires_at = excluded.cache_expires_at`,
		regionID, typeID, kind, time.Now().UnixMilli(), expiresMs)
	return err
}
