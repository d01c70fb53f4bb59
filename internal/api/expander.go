package api

import (
	"context"

	"eve-quantum/internal/db"
	"eve-quantum/internal/engine"
)

// Expand implements db.BlueprintExpander. Plan mutations that need the
// material tree fail with missing_sde until the snapshot loads.
func (s *Server) Expand(ctx context.Context, req db.ExpandRequest) (*db.BlueprintNode, []string, error) {
	eng, _, err := s.costEngine()
	if err != nil {
		return nil, nil, err
	}
	return engine.NewExpander(eng, s.cfg).Expand(ctx, req)
}

// planPricer implements db.PlanPricer over the realistic pricer using the
// configured market defaults: materials on the input side, products on the
// output side.
type planPricer struct {
	server *Server
}

func (p *planPricer) MaterialPrice(ctx context.Context, typeID int32) (float64, bool) {
	m := p.server.cfg.Market
	return p.price(ctx, typeID, m.InputSide == "buy", m.InputPriceModifier)
}

func (p *planPricer) ProductPrice(ctx context.Context, typeID int32) (float64, bool) {
	m := p.server.cfg.Market
	return p.price(ctx, typeID, m.OutputSide == "buy", m.OutputPriceModifier)
}

func (p *planPricer) price(ctx context.Context, typeID int32, isBuy bool, modifier float64) (float64, bool) {
	m := p.server.cfg.Market
	res, err := p.server.pricer.RealisticPrice(ctx, typeID, isBuy, 1, engine.PriceSettings{
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
