package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"eve-quantum/internal/logger"
	_ "modernc.org/sqlite"
)

// Typed error kinds surfaced by the stores.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrConstraint = errors.New("constraint violation")
)

// Stores holds the two process-wide databases: character.db carries
// identities, inventory facts and plans; market.db carries orders,
// history and price state. Each is opened once and closed on shutdown.
type Stores struct {
	Character *sql.DB
	Market    *sql.DB
}

// Open opens (or creates) both databases under dir and applies pending
// migrations in order.
func Open(dir string) (*Stores, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	char, err := openOne(filepath.Join(dir, "character.db"), characterMigrations)
	if err != nil {
		return nil, fmt.Errorf("character db: %w", err)
	}
	market, err := openOne(filepath.Join(dir, "market.db"), marketMigrations)
	if err != nil {
		char.Close()
		return nil, fmt.Errorf("market db: %w", err)
	}
	return &Stores{Character: char, Market: market}, nil
}

// Close closes both databases.
func (s *Stores) Close() error {
	var first error
	if err := s.Character.Close(); err != nil {
		first = err
	}
	if err := s.Market.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func openOne(path string, migrations []migration) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations); err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", filepath.Base(path)))
	return sqlDB, nil
}

type migration struct {
	id          int
	description string
	stmts       string
}

// applyMigrations runs every migration newer than the ledger's high-water
// mark, each inside its own transaction.
func applyMigrations(sqlDB *sql.DB, migrations []migration) error {
	_, err := sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id          INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TEXT NOT NULL DEFAULT (datetime('now'))
		)`)
	if err != nil {
		return fmt.Errorf("migration ledger: %w", err)
	}

	applied := 0
	sqlDB.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM schema_migrations`).Scan(&applied)

	for _, m := range migrations {
		if m.id <= applied {
			continue
		}
		tx, err := sqlDB.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.stmts); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.id, m.description, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (id, description) VALUES (?, ?)`,
			m.id, m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.id, err)
		}
		logger.Info("DB", fmt.Sprintf("Applied migration %d: %s", m.id, m.description))
	}
	return nil
}

var characterMigrations = []migration{
	{
		id:          1,
		description: "character identity and inventory tables",
		stmts: `
			CREATE TABLE characters (
				character_id   INTEGER PRIMARY KEY,
				name           TEXT NOT NULL,
				corporation_id INTEGER NOT NULL DEFAULT 0,
				alliance_id    INTEGER NOT NULL DEFAULT 0,
				access_token   TEXT NOT NULL DEFAULT '',
				refresh_token  TEXT NOT NULL DEFAULT '',
				expires_at     INTEGER NOT NULL DEFAULT 0,
				scopes         TEXT NOT NULL DEFAULT '',
				is_default     INTEGER NOT NULL DEFAULT 0,
				added_at       INTEGER NOT NULL DEFAULT 0,
				updated_at     INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE skills (
				character_id  INTEGER NOT NULL REFERENCES characters(character_id) ON DELETE CASCADE,
				skill_id      INTEGER NOT NULL,
				active_level  INTEGER NOT NULL DEFAULT 0,
				trained_level INTEGER NOT NULL DEFAULT 0,
				skillpoints   INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (character_id, skill_id)
			);

			CREATE TABLE skill_overrides (
				character_id   INTEGER NOT NULL REFERENCES characters(character_id) ON DELETE CASCADE,
				skill_id       INTEGER NOT NULL,
				override_level INTEGER NOT NULL,
				PRIMARY KEY (character_id, skill_id)
			);

			CREATE TABLE blueprints (
				item_id             TEXT NOT NULL,
				character_id        INTEGER NOT NULL REFERENCES characters(character_id) ON DELETE CASCADE,
				type_id             INTEGER NOT NULL,
				corporation_id      INTEGER NOT NULL DEFAULT 0,
				location_id         INTEGER NOT NULL DEFAULT 0,
				location_flag       TEXT NOT NULL DEFAULT '',
				quantity            INTEGER NOT NULL DEFAULT 1,
				material_efficiency INTEGER NOT NULL DEFAULT 0,
				time_efficiency     INTEGER NOT NULL DEFAULT 0,
				runs                INTEGER NOT NULL DEFAULT -1,
				is_copy             INTEGER NOT NULL DEFAULT 0,
				is_corporation      INTEGER NOT NULL DEFAULT 0,
				source              TEXT NOT NULL DEFAULT 'esi',
				manually_added      INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (character_id, item_id)
			);
			CREATE INDEX idx_blueprints_type ON blueprints(character_id, type_id);

			CREATE TABLE blueprint_overrides (
				character_id INTEGER NOT NULL REFERENCES characters(character_id) ON DELETE CASCADE,
				item_id      TEXT NOT NULL,
				field        TEXT NOT NULL,
				value        TEXT NOT NULL,
				PRIMARY KEY (character_id, item_id, field)
			);

			CREATE TABLE assets (
				item_id           INTEGER NOT NULL,
				character_id      INTEGER NOT NULL REFERENCES characters(character_id) ON DELETE CASCADE,
				type_id           INTEGER NOT NULL,
				location_id       INTEGER NOT NULL DEFAULT 0,
				location_flag     TEXT NOT NULL DEFAULT '',
				quantity          INTEGER NOT NULL DEFAULT 0,
				is_singleton      INTEGER NOT NULL DEFAULT 0,
				is_blueprint_copy INTEGER NOT NULL DEFAULT 0,
				is_corporation    INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (character_id, item_id)
			);
			CREATE INDEX idx_assets_type ON assets(character_id, type_id);

			CREATE TABLE industry_jobs (
				job_id            INTEGER NOT NULL,
				character_id      INTEGER NOT NULL REFERENCES characters(character_id) ON DELETE CASCADE,
				installer_id      INTEGER NOT NULL DEFAULT 0,
				facility_id       INTEGER NOT NULL DEFAULT 0,
				activity_id       INTEGER NOT NULL DEFAULT 0,
				blueprint_type_id INTEGER NOT NULL DEFAULT 0,
				runs              INTEGER NOT NULL DEFAULT 0,
				status            TEXT NOT NULL DEFAULT '',
				start_date        TEXT NOT NULL DEFAULT '',
				end_date          TEXT NOT NULL DEFAULT '',
				completed_date    TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (character_id, job_id)
			);

			CREATE TABLE wallet_transactions (
				transaction_id INTEGER NOT NULL,
				character_id   INTEGER NOT NULL REFERENCES characters(character_id) ON DELETE CASCADE,
				date           TEXT NOT NULL DEFAULT '',
				type_id        INTEGER NOT NULL DEFAULT 0,
				quantity       INTEGER NOT NULL DEFAULT 0,
				unit_price     REAL NOT NULL DEFAULT 0,
				location_id    INTEGER NOT NULL DEFAULT 0,
				is_buy         INTEGER NOT NULL DEFAULT 0,
				is_personal    INTEGER NOT NULL DEFAULT 1,
				PRIMARY KEY (character_id, transaction_id)
			);

			CREATE TABLE cache_state (
				character_id     INTEGER NOT NULL,
				endpoint         TEXT NOT NULL,
				last_updated     INTEGER NOT NULL DEFAULT 0,
				cache_expires_at INTEGER,
				PRIMARY KEY (character_id, endpoint)
			);
		`,
	},
	{
		id:          2,
		description: "store asset item ids as text (53-bit overflow)",
		stmts: `
			CREATE TABLE assets_new (
				item_id           TEXT NOT NULL,
				character_id      INTEGER NOT NULL REFERENCES characters(character_id) ON DELETE CASCADE,
				type_id           INTEGER NOT NULL,
				location_id       INTEGER NOT NULL DEFAULT 0,
				location_flag     TEXT NOT NULL DEFAULT '',
				quantity          INTEGER NOT NULL DEFAULT 0,
				is_singleton      INTEGER NOT NULL DEFAULT 0,
				is_blueprint_copy INTEGER NOT NULL DEFAULT 0,
				is_corporation    INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (character_id, item_id)
			);
			INSERT INTO assets_new
				SELECT CAST(item_id AS TEXT), character_id, type_id, location_id,
					location_flag, quantity, is_singleton, is_blueprint_copy, is_corporation
				FROM assets;
			DROP TABLE assets;
			ALTER TABLE assets_new RENAME TO assets;
			CREATE INDEX idx_assets_type ON assets(character_id, type_id);
		`,
	},
	{
		id:          3,
		description: "manufacturing plan tables",
		stmts: `
			CREATE TABLE plans (
				plan_id      INTEGER PRIMARY KEY AUTOINCREMENT,
				character_id INTEGER NOT NULL,
				name         TEXT NOT NULL,
				description  TEXT NOT NULL DEFAULT '',
				status       TEXT NOT NULL DEFAULT 'active',
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL,
				completed_at INTEGER
			);

			CREATE TABLE plan_blueprints (
				plan_blueprint_id            INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id                      INTEGER NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
				blueprint_type_id            INTEGER NOT NULL,
				runs                         INTEGER NOT NULL DEFAULT 1,
				lines                        INTEGER NOT NULL DEFAULT 1,
				me_level                     INTEGER NOT NULL DEFAULT 0,
				te_level                     INTEGER NOT NULL DEFAULT 0,
				facility_id                  INTEGER,
				facility_snapshot            TEXT NOT NULL DEFAULT '',
				use_intermediates            TEXT NOT NULL DEFAULT 'raw_materials',
				is_intermediate              INTEGER NOT NULL DEFAULT 0,
				parent_blueprint_id          INTEGER REFERENCES plan_blueprints(plan_blueprint_id) ON DELETE CASCADE,
				intermediate_product_type_id INTEGER,
				product_type_id              INTEGER NOT NULL DEFAULT 0,
				product_quantity             INTEGER NOT NULL DEFAULT 0,
				depth                        INTEGER NOT NULL DEFAULT 0,
				built_runs                   INTEGER NOT NULL DEFAULT 0,
				added_at                     INTEGER NOT NULL
			);
			CREATE INDEX idx_plan_bp_plan ON plan_blueprints(plan_id);
			CREATE INDEX idx_plan_bp_parent ON plan_blueprints(parent_blueprint_id);

			CREATE TABLE plan_blueprint_materials (
				plan_blueprint_id INTEGER NOT NULL REFERENCES plan_blueprints(plan_blueprint_id) ON DELETE CASCADE,
				type_id           INTEGER NOT NULL,
				quantity          INTEGER NOT NULL,
				PRIMARY KEY (plan_blueprint_id, type_id)
			);

			CREATE TABLE plan_materials (
				plan_id               INTEGER NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
				type_id               INTEGER NOT NULL,
				quantity              INTEGER NOT NULL DEFAULT 0,
				base_price            REAL,
				custom_price          REAL,
				price_frozen_at       INTEGER,
				manually_acquired_qty INTEGER NOT NULL DEFAULT 0,
				acquisition_method    TEXT,
				acquisition_note      TEXT,
				PRIMARY KEY (plan_id, type_id)
			);

			CREATE TABLE plan_products (
				plan_id            INTEGER NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
				type_id            INTEGER NOT NULL,
				quantity           INTEGER NOT NULL DEFAULT 0,
				base_price         REAL,
				price_frozen_at    INTEGER,
				is_intermediate    INTEGER NOT NULL DEFAULT 0,
				intermediate_depth INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (plan_id, type_id)
			);

			CREATE TABLE plan_job_matches (
				match_id          INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id           INTEGER NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
				plan_blueprint_id INTEGER NOT NULL,
				job_id            INTEGER NOT NULL,
				character_id      INTEGER NOT NULL DEFAULT 0,
				match_type        TEXT NOT NULL DEFAULT 'job',
				quantity          INTEGER,
				confidence        REAL NOT NULL DEFAULT 0,
				reason            TEXT NOT NULL DEFAULT '',
				status            TEXT NOT NULL DEFAULT 'pending',
				confirmed_at      INTEGER,
				confirmed_by_user INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_job_match_plan ON plan_job_matches(plan_id, status);

			CREATE TABLE plan_transaction_matches (
				match_id          INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id           INTEGER NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
				transaction_id    INTEGER NOT NULL,
				character_id      INTEGER NOT NULL DEFAULT 0,
				type_id           INTEGER NOT NULL DEFAULT 0,
				match_type        TEXT NOT NULL DEFAULT 'material_buy',
				quantity          INTEGER,
				confidence        REAL NOT NULL DEFAULT 0,
				reason            TEXT NOT NULL DEFAULT '',
				status            TEXT NOT NULL DEFAULT 'pending',
				confirmed_at      INTEGER,
				confirmed_by_user INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_tx_match_plan ON plan_transaction_matches(plan_id, status);

			CREATE TABLE plan_asset_allocations (
				allocation_id  INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id        INTEGER NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
				type_id        INTEGER NOT NULL,
				quantity       INTEGER NOT NULL,
				is_corporation INTEGER NOT NULL DEFAULT 0,
				allocated_at   INTEGER NOT NULL
			);
		`,
	},
}

var marketMigrations = []migration{
	{
		id:          1,
		description: "market order, history and price tables",
		stmts: `
			CREATE TABLE market_orders (
				order_id      INTEGER NOT NULL,
				region_id     INTEGER NOT NULL,
				type_id       INTEGER NOT NULL,
				location_id   INTEGER NOT NULL DEFAULT 0,
				system_id     INTEGER NOT NULL DEFAULT 0,
				price         REAL NOT NULL,
				volume_remain INTEGER NOT NULL,
				volume_total  INTEGER NOT NULL DEFAULT 0,
				min_volume    INTEGER NOT NULL DEFAULT 1,
				is_buy_order  INTEGER NOT NULL DEFAULT 0,
				issued        TEXT NOT NULL DEFAULT '',
				fetched_at    INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (region_id, type_id, order_id)
			);
			CREATE INDEX idx_orders_lookup ON market_orders(region_id, type_id, is_buy_order);

			CREATE TABLE market_history (
				region_id   INTEGER NOT NULL,
				type_id     INTEGER NOT NULL,
				date        TEXT NOT NULL,
				average     REAL NOT NULL DEFAULT 0,
				highest     REAL NOT NULL DEFAULT 0,
				lowest      REAL NOT NULL DEFAULT 0,
				volume      INTEGER NOT NULL DEFAULT 0,
				order_count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (region_id, type_id, date)
			);

			CREATE TABLE price_overrides (
				type_id    INTEGER PRIMARY KEY,
				price      REAL NOT NULL,
				notes      TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL
			);

			CREATE TABLE price_cache (
				type_id       INTEGER NOT NULL,
				location_id   INTEGER NOT NULL DEFAULT 0,
				region_id     INTEGER NOT NULL,
				price_type    TEXT NOT NULL,
				price         REAL NOT NULL,
				method        TEXT NOT NULL DEFAULT '',
				confidence    TEXT NOT NULL DEFAULT '',
				calculated_at INTEGER NOT NULL,
				expires_at    INTEGER NOT NULL,
				PRIMARY KEY (type_id, location_id, region_id, price_type)
			);

			CREATE TABLE fetch_state (
				region_id        INTEGER NOT NULL,
				type_id          INTEGER NOT NULL,
				kind             TEXT NOT NULL,
				fetched_at       INTEGER NOT NULL DEFAULT 0,
				cache_expires_at INTEGER,
				PRIMARY KEY (region_id, type_id, kind)
			);
		`,
	},
}
