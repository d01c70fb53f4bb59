package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"eve-quantum/internal/auth"
	"eve-quantum/internal/logger"
)

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.accounts.List())
}

func (s *Server) handleSetDefaultCharacter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.accounts.SetDefault(id); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"default": true})
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.accounts.Delete(id); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"deleted": true})
}

// refreshEndpoints is the set of ESI reads one refresh covers.
var refreshEndpoints = []string{"skills", "blueprints", "assets", "industry_jobs", "wallet_transactions"}

// handleRefreshCharacter pulls all character endpoints in parallel and
// persists each snapshot. Partial failures report per endpoint instead of
// failing the whole refresh.
func (s *Server) handleRefreshCharacter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	character := s.accounts.Get(id)
	if character == nil {
		s.writeTypedError(w, auth.ErrNotLoggedIn)
		return
	}

	ctx := r.Context()
	var (
		mu       sync.Mutex
		failures = map[string]string{}
		wg       sync.WaitGroup
	)
	fail := func(endpoint string, err error) {
		mu.Lock()
		failures[endpoint] = err.Error()
		mu.Unlock()
		logger.Warn("ESI", fmt.Sprintf("Refresh %s failed for %d: %v", endpoint, id, err))
	}

	wg.Add(len(refreshEndpoints))
	go func() {
		defer wg.Done()
		sheet, expires, err := s.esi.FetchSkills(ctx, id)
		if err == nil {
			err = s.chars.SaveSkills(id, sheet, expires)
		}
		if err != nil {
			fail("skills", err)
		}
	}()
	go func() {
		defer wg.Done()
		bps, expires, err := s.esi.FetchBlueprints(ctx, id)
		if err == nil {
			err = s.chars.SaveBlueprints(id, bps, false, expires)
		}
		if err != nil {
			fail("blueprints", err)
		}
	}()
	go func() {
		defer wg.Done()
		assets, expires, err := s.esi.FetchAssets(ctx, id)
		if err == nil {
			err = s.chars.SaveAssets(id, assets, false, expires)
		}
		if err != nil {
			fail("assets", err)
			return
		}
		if character.CorporationID != 0 {
			// 403 on the corp endpoint decodes as an empty result.
			corpAssets, expires, err := s.esi.FetchCorporationAssets(ctx, id, character.CorporationID)
			if err == nil {
				err = s.chars.SaveAssets(id, corpAssets, true, expires)
			}
			if err != nil {
				fail("corp_assets", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		jobs, expires, err := s.esi.FetchIndustryJobs(ctx, id)
		if err == nil {
			err = s.chars.SaveIndustryJobs(id, jobs, expires)
		}
		if err != nil {
			fail("industry_jobs", err)
		}
	}()
	go func() {
		defer wg.Done()
		txns, expires, err := s.esi.FetchWalletTransactions(ctx, id)
		if err == nil {
			err = s.chars.SaveWalletTransactions(id, txns, expires)
		}
		if err != nil {
			fail("wallet_transactions", err)
		}
	}()
	wg.Wait()

	writeJSON(w, map[string]interface{}{
		"refreshed_at": time.Now(),
		"failures":     failures,
	})
}

func (s *Server) handleCharacterCache(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	type cacheRow struct {
		Endpoint    string     `json:"endpoint"`
		LastUpdated *time.Time `json:"last_updated,omitempty"`
		ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	}
	out := make([]cacheRow, 0, len(refreshEndpoints))
	for _, endpoint := range refreshEndpoints {
		row := cacheRow{Endpoint: endpoint}
		if updated, expires, ok := s.chars.CacheState(id, endpoint); ok {
			row.LastUpdated = &updated
			row.ExpiresAt = &expires
		}
		out = append(out, row)
	}
	writeJSON(w, out)
}

func (s *Server) handleGetSkills(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	skills, err := s.chars.GetSkills(id)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, skills)
}

func (s *Server) handleSetSkillOverride(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	skillID, err := pathID(r, "skillID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		Level int `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if err := s.chars.SetSkillOverride(id, int32(skillID), req.Level); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]int{"level": req.Level})
}

func (s *Server) handleClearSkillOverride(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	skillID, err := pathID(r, "skillID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.chars.ClearSkillOverride(id, int32(skillID)); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"cleared": true})
}

func (s *Server) handleGetBlueprints(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	bps, err := s.chars.GetBlueprints(id)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, bps)
}

func (s *Server) handleAddManualBlueprint(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		TypeID int32 `json:"type_id"`
		ME     int   `json:"me_level"`
		TE     int   `json:"te_level"`
		Runs   int   `json:"runs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if req.TypeID == 0 {
		writeError(w, 400, "type_id required")
		return
	}
	itemID, err := s.chars.AddManualBlueprint(id, req.TypeID, req.ME, req.TE, req.Runs)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]string{"item_id": itemID})
}

func (s *Server) handleSetBlueprintOverride(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	itemID := r.PathValue("itemID")
	var req struct {
		Field string `json:"field"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if err := s.chars.SetBlueprintOverride(id, itemID, req.Field, req.Value); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleGetAssets(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	assets, err := s.chars.GetAssets(id)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, assets)
}

func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	jobs, err := s.chars.GetIndustryJobs(id)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, jobs)
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := s.chars.GetWalletTransactions(id, limit)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, txns)
}
