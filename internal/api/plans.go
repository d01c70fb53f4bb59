package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"eve-quantum/internal/db"
	"eve-quantum/internal/engine"
)

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	characterID, _ := strconv.ParseInt(r.URL.Query().Get("character_id"), 10, 64)
	plans, err := s.plans.ListPlans(characterID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID int64  `json:"character_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	plan, err := s.plans.CreatePlan(req.CharacterID, req.Name, req.Description)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, plan)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	plan, err := s.plans.GetPlan(planID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	blueprints, err := s.plans.ListBlueprints(planID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"plan":       plan,
		"blueprints": blueprints,
	})
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.plans.DeletePlan(planID); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"deleted": true})
}

func (s *Server) handlePlanStatus(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if err := s.plans.UpdatePlanStatus(planID, req.Status); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": req.Status})
}

func (s *Server) handleAddPlanBlueprint(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req db.ExpandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if req.BlueprintTypeID == 0 {
		writeError(w, 400, "blueprint_type_id required")
		return
	}
	id, warnings, err := s.plans.AddBlueprint(r.Context(), planID, req)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"plan_blueprint_id": id,
		"warnings":          warnings,
	})
}

func (s *Server) handleUpdatePlanBlueprint(w http.ResponseWriter, r *http.Request) {
	bpID, err := pathID(r, "bpID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var patch db.BlueprintPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	warnings, err := s.plans.UpdateBlueprint(r.Context(), bpID, patch, false)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"warnings": warnings})
}

func (s *Server) handleBulkUpdateBlueprints(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		Updates []db.BlueprintUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	warnings, err := s.plans.BulkUpdateBlueprints(r.Context(), planID, req.Updates)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"warnings": warnings})
}

func (s *Server) handleRemovePlanBlueprint(w http.ResponseWriter, r *http.Request) {
	bpID, err := pathID(r, "bpID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	warnings, err := s.plans.RemoveBlueprint(r.Context(), bpID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"warnings": warnings})
}

func (s *Server) handleMarkBuilt(w http.ResponseWriter, r *http.Request) {
	bpID, err := pathID(r, "bpID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		BuiltRuns int `json:"built_runs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	warnings, err := s.plans.MarkIntermediateBuilt(r.Context(), bpID, req.BuiltRuns)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"warnings": warnings})
}

func (s *Server) handleGetMaterials(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	includeAssets := r.URL.Query().Get("include_assets") == "1"
	materials, err := s.plans.GetMaterials(planID, includeAssets)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, materials)
}

func (s *Server) handleGetProducts(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	products, err := s.plans.GetProducts(planID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, products)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	summary, err := s.plans.GetSummary(planID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, summary)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	materials, err := s.plans.GetMaterials(planID, false)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, engine.Progress(materials))
}

func (s *Server) handleGetPerformance(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	summary, err := s.plans.GetSummary(planID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	confirmed, err := s.plans.ListTransactionMatches(planID, "confirmed")
	if err != nil {
		s.writeTypedError(w, err)
		return
	}

	// Index the matched wallet transactions for their unit prices.
	txns := make(map[int64]db.WalletTransaction)
	seen := make(map[int64]bool)
	for _, m := range confirmed {
		if seen[m.CharacterID] {
			continue
		}
		seen[m.CharacterID] = true
		rows, err := s.chars.GetWalletTransactions(m.CharacterID, 0)
		if err != nil {
			s.writeTypedError(w, err)
			return
		}
		for _, t := range rows {
			txns[t.TransactionID] = t
		}
	}
	writeJSON(w, engine.Performance(summary, confirmed, txns))
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	refresh := r.URL.Query().Get("refresh_prices") == "1"
	warnings, err := s.plans.RecalculateMaterials(r.Context(), planID, refresh)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"warnings": warnings})
}

func (s *Server) handleMarkAcquired(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	typeID, err := pathID(r, "typeID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var in db.AcquisitionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if err := s.plans.MarkMaterialAcquired(planID, int32(typeID), in); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"acquired": true})
}

func (s *Server) handleUnmarkAcquired(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	typeID, err := pathID(r, "typeID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.plans.UnmarkMaterialAcquired(planID, int32(typeID)); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"acquired": false})
}

func (s *Server) handleMatchJobs(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		CharacterID   int64   `json:"character_id"`
		MinConfidence float64 `json:"min_confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	blueprints, err := s.plans.ListBlueprints(planID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	jobs, err := s.chars.GetIndustryJobs(req.CharacterID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	matches := engine.MatchJobs(blueprints, jobs, req.MinConfidence, time.Now())
	proposed, err := s.plans.ProposeJobMatches(matches)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]int{"candidates": len(matches), "proposed": proposed})
}

func (s *Server) handleMatchTransactions(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		CharacterID   int64   `json:"character_id"`
		MinConfidence float64 `json:"min_confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	materials, err := s.plans.GetMaterials(planID, false)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	products, err := s.plans.GetProducts(planID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	txns, err := s.chars.GetWalletTransactions(req.CharacterID, 0)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	matches := engine.MatchTransactions(planID, materials, products, txns,
		s.cfg.Market.LocationID, req.MinConfidence)
	proposed, err := s.plans.ProposeTransactionMatches(matches)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]int{"candidates": len(matches), "proposed": proposed})
}

func (s *Server) handleListJobMatches(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	matches, err := s.plans.ListJobMatches(planID, r.URL.Query().Get("status"))
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, matches)
}

func (s *Server) handleListTransactionMatches(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	matches, err := s.plans.ListTransactionMatches(planID, r.URL.Query().Get("status"))
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, matches)
}

func (s *Server) handleJobMatchAction(w http.ResponseWriter, r *http.Request) {
	matchID, err := pathID(r, "matchID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	switch r.PathValue("action") {
	case "confirm":
		err = s.plans.ConfirmJobMatch(matchID)
	case "reject":
		err = s.plans.RejectJobMatch(matchID)
	case "unlink":
		err = s.plans.UnlinkJobMatch(matchID)
	default:
		writeError(w, 400, "unknown action")
		return
	}
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleTransactionMatchAction(w http.ResponseWriter, r *http.Request) {
	matchID, err := pathID(r, "matchID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	switch r.PathValue("action") {
	case "confirm":
		err = s.plans.ConfirmTransactionMatch(matchID)
	case "reject":
		err = s.plans.RejectTransactionMatch(matchID)
	case "unlink":
		err = s.plans.UnlinkTransactionMatch(matchID)
	default:
		writeError(w, 400, "unknown action")
		return
	}
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleListAllocations(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	allocations, err := s.plans.ListAllocations(planID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, allocations)
}

func (s *Server) handleAllocateAsset(w http.ResponseWriter, r *http.Request) {
	planID, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		TypeID      int32 `json:"type_id"`
		Quantity    int64 `json:"quantity"`
		Corporation bool  `json:"corporation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if req.TypeID == 0 || req.Quantity <= 0 {
		writeError(w, 400, "type_id and positive quantity required")
		return
	}
	id, err := s.plans.AllocateAsset(planID, req.TypeID, req.Quantity, req.Corporation)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]int64{"allocation_id": id})
}

func (s *Server) handleReleaseAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.plans.ReleaseAllocation(id); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"released": true})
}
