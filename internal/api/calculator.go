package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"eve-quantum/internal/config"
	"eve-quantum/internal/engine"
	"eve-quantum/internal/logger"
	"eve-quantum/internal/sde"
)

// Trade skill type IDs.
const (
	skillAccounting      = 16622
	skillBrokerRelations = 3446
)

// Invented copies start at ME 2 / TE 4 before decryptor modifiers.
const (
	inventedBaseME   = 2
	inventedBaseTE   = 4
	inventedBaseRuns = 1
)

type costRequest struct {
	BlueprintTypeID  int32  `json:"blueprint_type_id"`
	Runs             int    `json:"runs"`
	Lines            int    `json:"lines"`
	ME               int    `json:"me_level"`
	TE               int    `json:"te_level"`
	CharacterID      int64  `json:"character_id"`
	FacilityID       int64  `json:"facility_id"`
	UseIntermediates string `json:"use_intermediates"`
	IncludePricing   bool   `json:"include_pricing"`
}

func (s *Server) handleCalculatorCost(w http.ResponseWriter, r *http.Request) {
	eng, _, err := s.costEngine()
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	var req costRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if req.BlueprintTypeID == 0 {
		writeError(w, 400, "blueprint_type_id required")
		return
	}

	var facility *config.Facility
	if req.FacilityID != 0 {
		facility = s.cfg.FacilityByID(req.FacilityID)
	} else {
		facility = s.cfg.DefaultFacility()
	}

	creq := engine.CostRequest{
		BlueprintTypeID:  req.BlueprintTypeID,
		Runs:             req.Runs,
		Lines:            req.Lines,
		ME:               req.ME,
		TE:               req.TE,
		CharacterID:      req.CharacterID,
		Facility:         facility,
		UseIntermediates: req.UseIntermediates,
	}
	res, err := eng.Compute(r.Context(), creq)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	if req.IncludePricing {
		s.attachPricing(r.Context(), eng, creq, res)
	}
	writeJSON(w, res)
}

// attachPricing prices a computed tree. Market and index failures degrade
// to warnings so an offline calculator still returns the material bill.
func (s *Server) attachPricing(ctx context.Context, eng *engine.CostEngine, creq engine.CostRequest, res *engine.CostResult) {
	in := engine.PricingInputs{
		PriceInput:  s.priceFunc(s.cfg.Market.InputSide == "buy", s.cfg.Market.InputPriceModifier),
		PriceOutput: s.priceFunc(s.cfg.Market.OutputSide == "buy", s.cfg.Market.OutputPriceModifier),
		Accounting:  s.chars.SkillLevel(creq.CharacterID, skillAccounting),
	}
	in.BrokerRelations = s.chars.SkillLevel(creq.CharacterID, skillBrokerRelations)

	adjusted, err := s.esi.AdjustedPrices(ctx)
	if err != nil {
		res.Warnings = append(res.Warnings, "adjusted prices unavailable, job cost incomplete")
		logger.Warn("CALC", fmt.Sprintf("Adjusted prices: %v", err))
	}
	in.AdjustedPrices = adjusted

	if creq.Facility != nil {
		in.FacilityTaxRate = creq.Facility.TaxRate
		if creq.Facility.SystemID != 0 {
			indices, err := s.esi.SystemCostIndex(ctx, creq.Facility.SystemID)
			if err != nil {
				res.Warnings = append(res.Warnings, "system cost index unavailable")
			} else {
				in.CostIndices = indices
			}
		}
	}

	pb, err := eng.BlueprintPricing(ctx, creq, res, in)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("pricing failed: %v", err))
		return
	}
	res.Pricing = pb
}

func (s *Server) priceFunc(isBuy bool, modifier float64) engine.PriceFunc {
	m := s.cfg.Market
	return func(ctx context.Context, typeID int32, qty int64) (float64, bool) {
		res, err := s.pricer.RealisticPrice(ctx, typeID, isBuy, qty, engine.PriceSettings{
			RegionID:      m.RegionID,
			LocationID:    m.LocationID,
			PriceMethod:   m.PriceMethod,
			Percentile:    m.Percentile,
			MinVolume:     m.MinVolume,
			PriceModifier: modifier,
		})
		if err != nil || res.Price <= 0 {
			return 0, false
		}
		return res.Price, true
	}
}

func (s *Server) handleCalculatorInvention(w http.ResponseWriter, r *http.Request) {
	_, reader, err := s.costEngine()
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	var req struct {
		BlueprintTypeID int32 `json:"blueprint_type_id"`
		ProductTypeID   int32 `json:"product_type_id"`
		ScienceA        int   `json:"science_a"`
		ScienceB        int   `json:"science_b"`
		Encryption      int   `json:"encryption"`
		DecryptorTypeID int32 `json:"decryptor_type_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	base, err := reader.ProbabilityFor(req.BlueprintTypeID, req.ProductTypeID)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	if base == 0 {
		writeError(w, 404, "no invention path for that blueprint and product")
		return
	}

	var decryptor *sde.Decryptor
	if req.DecryptorTypeID != 0 {
		decs, err := reader.Decryptors()
		if err != nil {
			s.writeTypedError(w, err)
			return
		}
		for i := range decs {
			if decs[i].TypeID == req.DecryptorTypeID {
				decryptor = &decs[i]
				break
			}
		}
		if decryptor == nil {
			writeError(w, 400, "unknown decryptor")
			return
		}
	}

	chance := engine.InventionChance(base, req.ScienceA, req.ScienceB, req.Encryption, decryptor)
	me, te, runs := inventedBaseME, inventedBaseTE, inventedBaseRuns
	if decryptor != nil {
		me += int(decryptor.MEModifier)
		te += int(decryptor.TEModifier)
		runs += int(decryptor.RunsModifier)
	}
	writeJSON(w, map[string]interface{}{
		"base_probability": base,
		"chance":           chance,
		"invented_me":      me,
		"invented_te":      te,
		"invented_runs":    runs,
	})
}

func (s *Server) handleMarketPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TypeID        int32   `json:"type_id"`
		IsBuy         bool    `json:"is_buy"`
		Quantity      int64   `json:"quantity"`
		RegionID      int32   `json:"region_id"`
		LocationID    int64   `json:"location_id"`
		PriceMethod   string  `json:"price_method"`
		Percentile    float64 `json:"percentile"`
		MinVolume     int64   `json:"min_volume"`
		PriceModifier float64 `json:"price_modifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if req.TypeID == 0 {
		writeError(w, 400, "type_id required")
		return
	}

	st := engine.PriceSettings{
		RegionID:      req.RegionID,
		LocationID:    req.LocationID,
		PriceMethod:   req.PriceMethod,
		Percentile:    req.Percentile,
		MinVolume:     req.MinVolume,
		PriceModifier: req.PriceModifier,
	}
	m := s.cfg.Market
	if st.RegionID == 0 {
		st.RegionID = m.RegionID
	}
	if st.LocationID == 0 {
		st.LocationID = m.LocationID
	}
	if st.PriceMethod == "" {
		st.PriceMethod = m.PriceMethod
	}
	if st.Percentile == 0 {
		st.Percentile = m.Percentile
	}
	if st.MinVolume == 0 {
		st.MinVolume = m.MinVolume
	}

	res, err := s.pricer.RealisticPrice(r.Context(), req.TypeID, req.IsBuy, req.Quantity, st)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.market.ListPriceOverrides()
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, overrides)
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	typeID, err := pathID(r, "typeID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		Price float64 `json:"price"`
		Notes string  `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if req.Price <= 0 {
		writeError(w, 400, "positive price required")
		return
	}
	if err := s.market.SetPriceOverride(int32(typeID), req.Price, req.Notes); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]float64{"price": req.Price})
}

func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	typeID, err := pathID(r, "typeID")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.market.DeletePriceOverride(int32(typeID)); err != nil {
		s.writeTypedError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"deleted": true})
}
