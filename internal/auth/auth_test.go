package auth

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "character.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE characters (
			character_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			corporation_id INTEGER NOT NULL DEFAULT 0,
			alliance_id INTEGER NOT NULL DEFAULT 0,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL DEFAULT 0,
			scopes TEXT NOT NULL DEFAULT '',
			is_default INTEGER NOT NULL DEFAULT 0,
			added_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func testCharacter(id int64, name string) *Character {
	return &Character{
		CharacterID:  id,
		Name:         name,
		AccessToken:  "access-" + name,
		RefreshToken: "refresh-" + name,
		ExpiresAt:    time.Now().Add(time.Hour),
		Scopes:       []string{"esi-skills.read_skills.v1", "esi-assets.read_assets.v1"},
	}
}

func TestSave_FirstCharacterBecomesDefault(t *testing.T) {
	s := NewCharacterStore(newTestDB(t), nil)

	if err := s.Save(testCharacter(1001, "Alpha")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(testCharacter(1002, "Beta")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	def := s.Default()
	if def == nil || def.CharacterID != 1001 {
		t.Fatalf("Default = %+v, want character 1001", def)
	}

	// Re-saving an existing character must not steal the default.
	if err := s.Save(testCharacter(1002, "Beta")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if def := s.Default(); def.CharacterID != 1001 {
		t.Errorf("Default moved to %d after re-save", def.CharacterID)
	}
}

func TestSetDefault_AtMostOne(t *testing.T) {
	s := NewCharacterStore(newTestDB(t), nil)
	s.Save(testCharacter(1001, "Alpha"))
	s.Save(testCharacter(1002, "Beta"))

	if err := s.SetDefault(1002); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}

	var count int
	for _, ch := range s.List() {
		if ch.IsDefault {
			count++
			if ch.CharacterID != 1002 {
				t.Errorf("default = %d, want 1002", ch.CharacterID)
			}
		}
	}
	if count != 1 {
		t.Errorf("default count = %d, want exactly 1", count)
	}

	if err := s.SetDefault(9999); err != ErrNotLoggedIn {
		t.Errorf("SetDefault(unknown) = %v, want ErrNotLoggedIn", err)
	}
}

func TestDelete_ReassignsDefault(t *testing.T) {
	s := NewCharacterStore(newTestDB(t), nil)
	s.Save(testCharacter(1001, "Alpha"))
	s.Save(testCharacter(1002, "Beta"))

	if err := s.Delete(1001); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	def := s.Default()
	if def == nil || def.CharacterID != 1002 {
		t.Fatalf("Default after delete = %+v, want 1002", def)
	}

	// Deleting an unknown character is a no-op, not an error.
	if err := s.Delete(9999); err != nil {
		t.Errorf("Delete(unknown) = %v", err)
	}
}

func TestScopes_RoundTrip(t *testing.T) {
	s := NewCharacterStore(newTestDB(t), nil)
	s.Save(testCharacter(1001, "Alpha"))

	got := s.Get(1001)
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != "esi-skills.read_skills.v1" {
		t.Errorf("Scopes = %v", got.Scopes)
	}
}

func TestAccessToken_FreshTokenSkipsRefresh(t *testing.T) {
	var ssoHits int64
	sso := newTestSSO(t, &ssoHits, "new-access", "new-refresh")
	s := NewCharacterStore(newTestDB(t), sso)
	s.Save(testCharacter(1001, "Alpha"))

	tok, err := s.AccessToken(context.Background(), 1001)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "access-Alpha" {
		t.Errorf("token = %q, want stored access-Alpha", tok)
	}
	if ssoHits != 0 {
		t.Errorf("SSO hits = %d, want 0 for fresh token", ssoHits)
	}
}

func TestAccessToken_RefreshesExpired(t *testing.T) {
	var ssoHits int64
	sso := newTestSSO(t, &ssoHits, "new-access", "new-refresh")
	s := NewCharacterStore(newTestDB(t), sso)

	ch := testCharacter(1001, "Alpha")
	ch.ExpiresAt = time.Now().Add(-time.Minute)
	s.Save(ch)

	tok, err := s.AccessToken(context.Background(), 1001)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "new-access" {
		t.Errorf("token = %q, want new-access", tok)
	}
	if ssoHits != 1 {
		t.Errorf("SSO hits = %d, want 1", ssoHits)
	}

	// Rotated refresh token and new expiry must be persisted.
	got := s.Get(1001)
	if got.RefreshToken != "new-refresh" {
		t.Errorf("RefreshToken = %q, want rotated new-refresh", got.RefreshToken)
	}
	if !got.ExpiresAt.After(time.Now().Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, not extended", got.ExpiresAt)
	}
}

func TestAccessToken_SingleFlight(t *testing.T) {
	var ssoHits int64
	sso := newTestSSO(t, &ssoHits, "new-access", "new-refresh")
	s := NewCharacterStore(newTestDB(t), sso)

	ch := testCharacter(1001, "Alpha")
	ch.ExpiresAt = time.Now().Add(-time.Minute)
	s.Save(ch)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.AccessToken(context.Background(), 1001)
			if err != nil {
				t.Errorf("AccessToken: %v", err)
			}
			if tok != "new-access" {
				t.Errorf("token = %q", tok)
			}
		}()
	}
	wg.Wait()

	if ssoHits != 1 {
		t.Errorf("SSO hits = %d, want 1 (single flight)", ssoHits)
	}
}

func TestAccessToken_UnknownCharacter(t *testing.T) {
	s := NewCharacterStore(newTestDB(t), nil)
	if _, err := s.AccessToken(context.Background(), 4242); err != ErrNotLoggedIn {
		t.Errorf("err = %v, want ErrNotLoggedIn", err)
	}
}

func newTestSSO(t *testing.T, hits *int64, access, refresh string) *SSOConfig {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		if r.FormValue("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Induce a small delay so concurrent callers overlap.
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":%q,"expires_in":1199}`, access, refresh)
	}))
	t.Cleanup(srv.Close)
	return &SSOConfig{ClientID: "client", ClientSecret: "secret", TokenURL: srv.URL}
}
