package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"eve-quantum/internal/logger"
)

// ErrNotLoggedIn is returned when no character matches a token request.
var ErrNotLoggedIn = errors.New("character not logged in")

// refreshSkew: tokens within this window of expiry are refreshed eagerly.
const refreshSkew = 60 * time.Second

// Character is a stored authenticated identity.
type Character struct {
	CharacterID   int64     `json:"character_id"`
	Name          string    `json:"name"`
	CorporationID int64     `json:"corporation_id"`
	AllianceID    int64     `json:"alliance_id"`
	AccessToken   string    `json:"-"`
	RefreshToken  string    `json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
	Scopes        []string  `json:"scopes"`
	IsDefault     bool      `json:"is_default"`
	AddedAt       time.Time `json:"added_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CharacterStore persists authenticated identities in the character DB.
// Token refresh is single-flight per character: concurrent API calls that
// hit an expired token share one refresh instead of racing the same
// refresh token.
type CharacterStore struct {
	db     *sql.DB
	sso    *SSOConfig
	flight singleflight.Group
}

// NewCharacterStore creates a store backed by the given SQL database.
func NewCharacterStore(db *sql.DB, sso *SSOConfig) *CharacterStore {
	return &CharacterStore{db: db, sso: sso}
}

// Save inserts or updates a character. The first character saved becomes
// the default.
func (s *CharacterStore) Save(ch *Character) error {
	if ch == nil {
		return fmt.Errorf("nil character")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO characters (character_id, name, corporation_id, alliance_id,
			access_token, refresh_token, expires_at, scopes, is_default, added_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(character_id) DO UPDATE SET
			name = excluded.name,
			corporation_id = excluded.corporation_id,
			alliance_id = excluded.alliance_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			updated_at = excluded.updated_at`,
		ch.CharacterID, ch.Name, ch.CorporationID, ch.AllianceID,
		ch.AccessToken, ch.RefreshToken, ch.ExpiresAt.UnixMilli(),
		strings.Join(ch.Scopes, " "), now, now)
	if err != nil {
		return err
	}

	// First character in becomes default.
	_, err = tx.Exec(`
		UPDATE characters SET is_default = 1
		WHERE character_id = ?
		  AND NOT EXISTS (SELECT 1 FROM characters WHERE is_default = 1)`,
		ch.CharacterID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// SetDefault marks one character as default, clearing any previous default
// in the same transaction so at most one row ever carries the flag.
func (s *CharacterStore) SetDefault(characterID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE characters SET is_default = 0`); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE characters SET is_default = 1 WHERE character_id = ?`, characterID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotLoggedIn
	}
	return tx.Commit()
}

// Get returns a character by ID, or nil.
func (s *CharacterStore) Get(characterID int64) *Character {
	return s.queryCharacter(`
		SELECT character_id, name, corporation_id, alliance_id,
			access_token, refresh_token, expires_at, scopes, is_default, added_at, updated_at
		FROM characters WHERE character_id = ?`, characterID)
}

// Default returns the default character, or nil.
func (s *CharacterStore) Default() *Character {
	return s.queryCharacter(`
		SELECT character_id, name, corporation_id, alliance_id,
			access_token, refresh_token, expires_at, scopes, is_default, added_at, updated_at
		FROM characters WHERE is_default = 1 LIMIT 1`)
}

// List returns all characters, default first.
func (s *CharacterStore) List() []*Character {
	rows, err := s.db.Query(`
		SELECT character_id, name, corporation_id, alliance_id,
			access_token, refresh_token, expires_at, scopes, is_default, added_at, updated_at
		FROM characters
		ORDER BY is_default DESC, name ASC, character_id ASC`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*Character
	for rows.Next() {
		if ch := scanCharacter(rows); ch != nil {
			out = append(out, ch)
		}
	}
	return out
}

// Delete removes a character. Owned rows (skills, blueprints, assets, jobs,
// transactions) cascade via foreign keys. If the default was removed the
// first remaining character takes over.
func (s *CharacterStore) Delete(characterID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var wasDefault int
	err = tx.QueryRow(`SELECT is_default FROM characters WHERE character_id = ?`, characterID).Scan(&wasDefault)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM characters WHERE character_id = ?`, characterID); err != nil {
		return err
	}
	if wasDefault == 1 {
		if _, err := tx.Exec(`
			UPDATE characters SET is_default = 1
			WHERE character_id = (
				SELECT character_id FROM characters ORDER BY name ASC, character_id ASC LIMIT 1
			)`); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AccessToken implements esi.TokenSource: returns a valid bearer token for
// the character, refreshing single-flight if it expires within the skew.
func (s *CharacterStore) AccessToken(ctx context.Context, characterID int64) (string, error) {
	ch := s.Get(characterID)
	if ch == nil {
		return "", ErrNotLoggedIn
	}
	if time.Now().Add(refreshSkew).Before(ch.ExpiresAt) {
		return ch.AccessToken, nil
	}
	if s.sso == nil {
		return "", fmt.Errorf("sso not configured")
	}

	key := fmt.Sprintf("refresh:%d", characterID)
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		// Re-read inside the flight: a concurrent call may have refreshed.
		cur := s.Get(characterID)
		if cur == nil {
			return "", ErrNotLoggedIn
		}
		if time.Now().Add(refreshSkew).Before(cur.ExpiresAt) {
			return cur.AccessToken, nil
		}

		logger.Info("AUTH", fmt.Sprintf("Refreshing token for %s", cur.Name))
		tok, err := s.sso.RefreshToken(ctx, cur.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("refresh failed: %w", err)
		}

		expires := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		_, err = s.db.Exec(`
			UPDATE characters
			SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
			WHERE character_id = ?`,
			tok.AccessToken, tok.RefreshToken, expires.UnixMilli(),
			time.Now().UnixMilli(), characterID)
		if err != nil {
			return "", fmt.Errorf("save refreshed token: %w", err)
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCharacter(row rowScanner) *Character {
	var ch Character
	var expiresMs, addedMs, updatedMs int64
	var scopes string
	var defaultInt int
	err := row.Scan(&ch.CharacterID, &ch.Name, &ch.CorporationID, &ch.AllianceID,
		&ch.AccessToken, &ch.RefreshToken, &expiresMs, &scopes, &defaultInt, &addedMs, &updatedMs)
	if err != nil {
		return nil
	}
	ch.ExpiresAt = time.UnixMilli(expiresMs)
	ch.AddedAt = time.UnixMilli(addedMs)
	ch.UpdatedAt = time.UnixMilli(updatedMs)
	ch.IsDefault = defaultInt == 1
	if scopes != "" {
		ch.Scopes = strings.Fields(scopes)
	}
	return &ch
}

func (s *CharacterStore) queryCharacter(query string, args ...interface{}) *Character {
	return scanCharacter(s.db.QueryRow(query, args...))
}
