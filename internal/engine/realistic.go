package engine

import (
	"context"
	"time"

	"eve-quantum/internal/db"
	"eve-quantum/internal/esi"
	"eve-quantum/internal/logger"
)

// Price methods accepted by the pricer.
const (
	MethodImmediate  = "immediate"
	MethodVWAP       = "vwap"
	MethodPercentile = "percentile"
	MethodHistorical = "historical"
	MethodHybrid     = "hybrid"
	MethodOverride   = "override"
)

// Confidence ladder: high > medium > low > none.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
	ConfidenceNone   = "none"
)

// PriceSettings selects how RealisticPrice composes its candidates.
type PriceSettings struct {
	RegionID      int32   `json:"region_id"`
	LocationID    int64   `json:"location_id"`
	PriceMethod   string  `json:"price_method"`
	Percentile    float64 `json:"percentile"`
	MinVolume     int64   `json:"min_volume"`
	PriceModifier float64 `json:"price_modifier"`
}

// PriceResult is one priced answer with its provenance.
type PriceResult struct {
	Price      float64 `json:"price"`
	Method     string  `json:"method"`
	Confidence string  `json:"confidence"`
	Warning    string  `json:"warning,omitempty"`
}

// MarketFetcher is the slice of the ESI client the pricer needs. Nil means
// offline: only stored data is used.
type MarketFetcher interface {
	FetchTypeOrders(ctx context.Context, regionID, typeID int32) ([]esi.MarketOrder, time.Time, error)
	FetchMarketHistory(ctx context.Context, regionID, typeID int32) ([]esi.HistoryDay, time.Time, error)
}

// Pricer composes the pure pricing functions over the market store,
// fetching from ESI when stored data is missing or stale.
type Pricer struct {
	market  *db.MarketStore
	fetcher MarketFetcher
}

func NewPricer(market *db.MarketStore, fetcher MarketFetcher) *Pricer {
	return &Pricer{market: market, fetcher: fetcher}
}

// RealisticPrice prices one type on one side. A price override wins
// unconditionally and is never modified; otherwise the configured method
// runs over the order book and history, the modifier applies, and the
// result lands in the price cache.
func (p *Pricer) RealisticPrice(ctx context.Context, typeID int32, isBuy bool, qty int64, st PriceSettings) (PriceResult, error) {
	if o := p.market.GetPriceOverride(typeID); o != nil {
		return PriceResult{Price: o.Price, Method: MethodOverride, Confidence: ConfidenceHigh}, nil
	}

	side := "sell"
	if isBuy {
		side = "buy"
	}
	if cached := p.market.GetCachedPrice(typeID, st.LocationID, st.RegionID, side); cached != nil {
		return PriceResult{Price: cached.Price, Method: cached.Method, Confidence: cached.Confidence}, nil
	}

	orders, err := p.ensureOrders(ctx, st.RegionID, typeID, st.LocationID)
	if err != nil {
		return PriceResult{Confidence: ConfidenceNone}, err
	}
	history, err := p.ensureHistory(ctx, st.RegionID, typeID)
	if err != nil {
		// History is an enrichment: price from orders alone.
		logger.Warn("PRICE", "History unavailable for type, using orders only")
		history = nil
	}

	res := p.compose(orders, history, isBuy, qty, st)

	if res.Method != MethodOverride && st.PriceModifier > 0 && st.PriceModifier != 1 {
		res.Price *= st.PriceModifier
	}

	if res.Price > 0 {
		p.market.PutCachedPrice(db.CachedPrice{
			TypeID:     typeID,
			LocationID: st.LocationID,
			RegionID:   st.RegionID,
			PriceType:  side,
			Price:      res.Price,
			Method:     res.Method,
			Confidence: res.Confidence,
		})
	}
	return res, nil
}

func (p *Pricer) compose(orders []esi.MarketOrder, history []esi.HistoryDay, isBuy bool, qty int64, st PriceSettings) PriceResult {
	if qty <= 0 {
		qty = 1
	}
	percentile := st.Percentile
	if percentile <= 0 || percentile > 1 {
		percentile = 0.2
	}
	minVol := st.MinVolume
	if minVol <= 0 {
		minVol = 1
	}

	vwap := VWAP(orders, qty, isBuy)
	pct := PercentilePrice(orders, isBuy, percentile)
	best := BestPriceWithMinVolume(orders, isBuy, minVol)
	cleanBest := immediateBest(RemoveOutliers(orders, isBuy), isBuy)
	avg7 := HistoricalAverage(history, HistoryAverage, 7)
	avg30 := HistoricalAverage(history, HistoryAverage, 30)

	switch st.PriceMethod {
	case MethodImmediate:
		if price := immediateBest(orders, isBuy); price > 0 {
			return PriceResult{Price: price, Method: MethodImmediate, Confidence: ConfidenceHigh}
		}
		if avg7 > 0 {
			return PriceResult{Price: avg7, Method: MethodImmediate, Confidence: ConfidenceLow,
				Warning: "no orders, using 7-day historical"}
		}
		return PriceResult{Method: MethodImmediate, Confidence: ConfidenceNone, Warning: "no orders"}

	case MethodVWAP:
		if vwap.Filled == 0 {
			if avg7 > 0 {
				return PriceResult{Price: avg7, Method: MethodVWAP, Confidence: ConfidenceLow,
					Warning: "no depth, using 7-day historical"}
			}
			return PriceResult{Method: MethodVWAP, Confidence: ConfidenceNone, Warning: "no orders"}
		}
		if vwap.Incomplete {
			return PriceResult{Price: vwap.Price, Method: MethodVWAP, Confidence: ConfidenceMedium,
				Warning: "order book shallower than requested quantity"}
		}
		return PriceResult{Price: vwap.Price, Method: MethodVWAP, Confidence: ConfidenceHigh}

	case MethodPercentile:
		if pct > 0 {
			return PriceResult{Price: pct, Method: MethodPercentile, Confidence: ConfidenceHigh}
		}
		if avg7 > 0 {
			return PriceResult{Price: avg7, Method: MethodPercentile, Confidence: ConfidenceLow,
				Warning: "no orders, using 7-day historical"}
		}
		return PriceResult{Method: MethodPercentile, Confidence: ConfidenceNone, Warning: "no orders"}

	case MethodHistorical:
		if avg30 > 0 {
			return PriceResult{Price: avg30, Method: MethodHistorical, Confidence: ConfidenceMedium}
		}
		if avg7 > 0 {
			return PriceResult{Price: avg7, Method: MethodHistorical, Confidence: ConfidenceMedium}
		}
		return PriceResult{Method: MethodHistorical, Confidence: ConfidenceNone, Warning: "no history"}

	default: // hybrid
		var candidates []float64
		for _, c := range []float64{vwap.Price, pct, best, cleanBest} {
			if c > 0 {
				candidates = append(candidates, c)
			}
		}

		if avg7 > 0 && len(candidates) > 0 {
			var agreeing []float64
			for _, c := range candidates {
				if c >= avg7*0.5 && c <= avg7*1.5 {
					agreeing = append(agreeing, c)
				}
			}
			if len(agreeing) > 0 {
				return PriceResult{Price: Median(agreeing), Method: MethodHybrid, Confidence: ConfidenceHigh}
			}
			return PriceResult{Price: Median(candidates), Method: MethodHybrid, Confidence: ConfidenceMedium,
				Warning: "deviates from historical average"}
		}
		if len(candidates) > 0 {
			return PriceResult{Price: Median(candidates), Method: MethodHybrid, Confidence: ConfidenceMedium,
				Warning: "no historical data to cross-check"}
		}
		if avg7 > 0 {
			return PriceResult{Price: avg7, Method: MethodHybrid, Confidence: ConfidenceLow,
				Warning: "no orders, using 7-day historical"}
		}
		return PriceResult{Method: MethodHybrid, Confidence: ConfidenceNone, Warning: "no market data"}
	}
}

// ensureOrders serves stored orders, fetching when the snapshot is missing
// or its upstream cache has expired.
func (p *Pricer) ensureOrders(ctx context.Context, regionID, typeID int32, locationID int64) ([]esi.MarketOrder, error) {
	_, expiresAt, ok := p.market.FetchState(regionID, typeID, "orders")
	fresh := ok && (expiresAt.IsZero() || time.Now().Before(expiresAt))
	if !fresh && p.fetcher != nil {
		orders, expires, err := p.fetcher.FetchTypeOrders(ctx, regionID, typeID)
		if err != nil {
			if !ok {
				return nil, err
			}
			logger.Warn("PRICE", "Order fetch failed, serving stored snapshot")
		} else if err := p.market.ReplaceOrders(regionID, typeID, orders, expires); err != nil {
			return nil, err
		}
	}
	return p.market.GetOrders(regionID, typeID, locationID)
}

func (p *Pricer) ensureHistory(ctx context.Context, regionID, typeID int32) ([]esi.HistoryDay, error) {
	_, expiresAt, ok := p.market.FetchState(regionID, typeID, "history")
	fresh := ok && (expiresAt.IsZero() || time.Now().Before(expiresAt))
	if !fresh && p.fetcher != nil {
		days, expires, err := p.fetcher.FetchMarketHistory(ctx, regionID, typeID)
		if err != nil {
			if !ok {
				return nil, err
			}
			logger.Warn("PRICE", "History fetch failed, serving stored snapshot")
		} else if err := p.market.SaveHistory(regionID, typeID, days, expires); err != nil {
			return nil, err
		}
	}
	return p.market.GetHistory(regionID, typeID, 35)
}

func immediateBest(orders []esi.MarketOrder, isBuy bool) float64 {
	var best float64
	for _, o := range orders {
		if o.IsBuyOrder != isBuy {
			continue
		}
		if best == 0 {
			best = o.Price
			continue
		}
		if isBuy && o.Price > best {
			best = o.Price
		}
		if !isBuy && o.Price < best {
			best = o.Price
		}
	}
	return best
}
