package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"eve-quantum/internal/auth"
	"eve-quantum/internal/config"
	"eve-quantum/internal/db"
	"eve-quantum/internal/engine"
	"eve-quantum/internal/esi"
	"eve-quantum/internal/sde"
)

// Server is the HTTP control plane that connects the stores, the cost
// engine and the ESI client.
type Server struct {
	cfg       *config.Config
	configDir string
	esi       *esi.Client
	accounts  *auth.CharacterStore
	chars     *db.CharacterStore
	market    *db.MarketStore
	plans     *db.PlanStore
	pricer    *engine.Pricer

	mu      sync.RWMutex
	sdeData *sde.Reader
	engine  *engine.CostEngine
	ready   bool
}

// NewServer wires the stores together. The plan store expands blueprints
// and prices materials through the server itself, so plans created before
// the SDE finishes loading fail with a typed error instead of a panic.
func NewServer(cfg *config.Config, configDir string, esiClient *esi.Client, stores *db.Stores, accounts *auth.CharacterStore) *Server {
	s := &Server{
		cfg:       cfg,
		configDir: configDir,
		esi:       esiClient,
		accounts:  accounts,
		chars:     db.NewCharacterStore(stores.Character),
		market:    db.NewMarketStore(stores.Market),
	}
	s.pricer = engine.NewPricer(s.market, esiClient)
	s.plans = db.NewPlanStore(stores.Character, s, &planPricer{server: s})
	return s
}

// SetSDE is called when the SDE snapshot finishes opening.
func (s *Server) SetSDE(reader *sde.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sdeData = reader
	s.engine = engine.NewCostEngine(reader, s.chars, nil)
	s.ready = true
}

func (s *Server) costEngine() (*engine.CostEngine, *sde.Reader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, nil, sde.ErrMissingSDE
	}
	return s.engine, s.sdeData, nil
}

// Handler returns the HTTP handler with all API routes and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handleSetConfig)
	// Facilities
	mux.HandleFunc("GET /api/facilities", s.handleListFacilities)
	mux.HandleFunc("POST /api/facilities", s.handleSaveFacility)
	mux.HandleFunc("DELETE /api/facilities/{id}", s.handleDeleteFacility)
	// SDE
	mux.HandleFunc("GET /api/sde/search", s.handleSDESearch)
	mux.HandleFunc("GET /api/sde/decryptors", s.handleDecryptors)
	// Characters
	mux.HandleFunc("GET /api/characters", s.handleListCharacters)
	mux.HandleFunc("POST /api/characters/{id}/default", s.handleSetDefaultCharacter)
	mux.HandleFunc("DELETE /api/characters/{id}", s.handleDeleteCharacter)
	mux.HandleFunc("POST /api/characters/{id}/refresh", s.handleRefreshCharacter)
	mux.HandleFunc("GET /api/characters/{id}/cache", s.handleCharacterCache)
	mux.HandleFunc("GET /api/characters/{id}/skills", s.handleGetSkills)
	mux.HandleFunc("PUT /api/characters/{id}/skills/{skillID}/override", s.handleSetSkillOverride)
	mux.HandleFunc("DELETE /api/characters/{id}/skills/{skillID}/override", s.handleClearSkillOverride)
	mux.HandleFunc("GET /api/characters/{id}/blueprints", s.handleGetBlueprints)
	mux.HandleFunc("POST /api/characters/{id}/blueprints", s.handleAddManualBlueprint)
	mux.HandleFunc("PUT /api/characters/{id}/blueprints/{itemID}/override", s.handleSetBlueprintOverride)
	mux.HandleFunc("GET /api/characters/{id}/assets", s.handleGetAssets)
	mux.HandleFunc("GET /api/characters/{id}/jobs", s.handleGetJobs)
	mux.HandleFunc("GET /api/characters/{id}/transactions", s.handleGetTransactions)
	// Calculator
	mux.HandleFunc("POST /api/calculator/cost", s.handleCalculatorCost)
	mux.HandleFunc("POST /api/calculator/invention", s.handleCalculatorInvention)
	// Market
	mux.HandleFunc("POST /api/market/price", s.handleMarketPrice)
	mux.HandleFunc("GET /api/market/overrides", s.handleListOverrides)
	mux.HandleFunc("PUT /api/market/overrides/{typeID}", s.handleSetOverride)
	mux.HandleFunc("DELETE /api/market/overrides/{typeID}", s.handleDeleteOverride)
	// Plans
	mux.HandleFunc("GET /api/plans", s.handleListPlans)
	mux.HandleFunc("POST /api/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("DELETE /api/plans/{id}", s.handleDeletePlan)
	mux.HandleFunc("POST /api/plans/{id}/status", s.handlePlanStatus)
	mux.HandleFunc("POST /api/plans/{id}/blueprints", s.handleAddPlanBlueprint)
	mux.HandleFunc("POST /api/plans/{id}/blueprints/bulk", s.handleBulkUpdateBlueprints)
	mux.HandleFunc("PUT /api/plans/blueprints/{bpID}", s.handleUpdatePlanBlueprint)
	mux.HandleFunc("DELETE /api/plans/blueprints/{bpID}", s.handleRemovePlanBlueprint)
	mux.HandleFunc("POST /api/plans/blueprints/{bpID}/built", s.handleMarkBuilt)
	mux.HandleFunc("GET /api/plans/{id}/materials", s.handleGetMaterials)
	mux.HandleFunc("GET /api/plans/{id}/products", s.handleGetProducts)
	mux.HandleFunc("GET /api/plans/{id}/summary", s.handleGetSummary)
	mux.HandleFunc("GET /api/plans/{id}/progress", s.handleGetProgress)
	mux.HandleFunc("GET /api/plans/{id}/performance", s.handleGetPerformance)
	mux.HandleFunc("POST /api/plans/{id}/recalculate", s.handleRecalculate)
	mux.HandleFunc("POST /api/plans/{id}/materials/{typeID}/acquire", s.handleMarkAcquired)
	mux.HandleFunc("DELETE /api/plans/{id}/materials/{typeID}/acquire", s.handleUnmarkAcquired)
	// Reconciliation
	mux.HandleFunc("POST /api/plans/{id}/match/jobs", s.handleMatchJobs)
	mux.HandleFunc("POST /api/plans/{id}/match/transactions", s.handleMatchTransactions)
	mux.HandleFunc("GET /api/plans/{id}/matches/jobs", s.handleListJobMatches)
	mux.HandleFunc("GET /api/plans/{id}/matches/transactions", s.handleListTransactionMatches)
	mux.HandleFunc("POST /api/matches/jobs/{matchID}/{action}", s.handleJobMatchAction)
	mux.HandleFunc("POST /api/matches/transactions/{matchID}/{action}", s.handleTransactionMatchAction)
	// Allocations
	mux.HandleFunc("GET /api/plans/{id}/allocations", s.handleListAllocations)
	mux.HandleFunc("POST /api/plans/{id}/allocations", s.handleAllocateAsset)
	mux.HandleFunc("DELETE /api/allocations/{id}", s.handleReleaseAllocation)
	return corsMiddleware(mux)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	writeJSON(w, map[string]interface{}{
		"ready":      ready,
		"facilities": len(s.cfg.Facilities),
		"characters": len(s.accounts.List()),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	*s.cfg = cfg
	if err := s.cfg.Save(s.configDir); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, s.cfg)
}

func (s *Server) handleListFacilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.Facilities)
}

func (s *Server) handleSaveFacility(w http.ResponseWriter, r *http.Request) {
	var f config.Facility
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if f.FacilityID == 0 {
		writeError(w, 400, "facility_id required")
		return
	}
	if f.IsDefault {
		for i := range s.cfg.Facilities {
			s.cfg.Facilities[i].IsDefault = false
		}
	}
	if existing := s.cfg.FacilityByID(f.FacilityID); existing != nil {
		*existing = f
	} else {
		s.cfg.Facilities = append(s.cfg.Facilities, f)
	}
	if err := s.cfg.Save(s.configDir); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, f)
}

func (s *Server) handleDeleteFacility(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}
	kept := s.cfg.Facilities[:0]
	removed := false
	for _, f := range s.cfg.Facilities {
		if f.FacilityID == id {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	if !removed {
		writeError(w, 404, "not_found")
		return
	}
	s.cfg.Facilities = kept
	if err := s.cfg.Save(s.configDir); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"deleted": true})
}

func (s *Server) handleSDESearch(w http.ResponseWriter, r *http.Request) {
	_, reader, err := s.costEngine()
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, 400, "q required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := reader.SearchTypes(q, limit)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, results)
}

func (s *Server) handleDecryptors(w http.ResponseWriter, r *http.Request) {
	_, reader, err := s.costEngine()
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	decs, err := reader.Decryptors()
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, decs)
}

// writeTypedError maps store and engine errors onto stable error kinds.
func (s *Server) writeTypedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeErrorKind(w, 404, "not_found", err)
	case errors.Is(err, db.ErrConflict):
		writeErrorKind(w, 409, "conflict", err)
	case errors.Is(err, db.ErrConstraint):
		writeErrorKind(w, 400, "constraint", err)
	case errors.Is(err, sde.ErrMissingSDE):
		writeErrorKind(w, 503, "missing_sde", err)
	case errors.Is(err, engine.ErrBlueprintNotFound):
		writeErrorKind(w, 404, "blueprint_not_found", err)
	case errors.Is(err, auth.ErrNotLoggedIn):
		writeErrorKind(w, 401, "missing_character", err)
	default:
		if kind := esi.Kind(err); kind != "" && kind != "network" {
			writeErrorKind(w, 502, kind, err)
			return
		}
		writeErrorKind(w, 500, "internal", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeErrorKind(w http.ResponseWriter, code int, kind string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "detail": err.Error()})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}
