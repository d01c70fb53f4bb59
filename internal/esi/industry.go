package esi

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// IndustryCostIndex mirrors one entry of /industry/systems/.
type IndustryCostIndex struct {
	SolarSystemID int32 `json:"solar_system_id"`
	CostIndices   []struct {
		Activity  string  `json:"activity"`
		CostIndex float64 `json:"cost_index"`
	} `json:"cost_indices"`
}

// SystemCostIndices holds cost indices by activity for one system.
type SystemCostIndices struct {
	Manufacturing float64
	Copying       float64
	Invention     float64
	Reaction      float64
}

// AdjustedPrice mirrors one entry of /markets/prices/ (CCP's adjusted-price
// table used for EIV, not market prices).
type AdjustedPrice struct {
	TypeID        int32   `json:"type_id"`
	AdjustedPrice float64 `json:"adjusted_price"`
	AveragePrice  float64 `json:"average_price"`
}

// industryCache caches the two global industry tables.
// Both endpoints return all systems/types at once, so one fetch serves
// every lookup for the TTL.
type industryCache struct {
	mu              sync.RWMutex
	costIndices     map[int32]SystemCostIndices
	costIndicesTime time.Time
	prices          map[int32]float64
	pricesTime      time.Time
}

func newIndustryCache() *industryCache {
	return &industryCache{
		costIndices: make(map[int32]SystemCostIndices),
		prices:      make(map[int32]float64),
	}
}

const (
	costIndexTTL     = time.Hour
	adjustedPriceTTL = 30 * time.Minute
)

// SystemCostIndex returns cost indices for a system, fetching the global
// table when the cache is stale. Unknown systems return zeros.
func (c *Client) SystemCostIndex(ctx context.Context, systemID int32) (SystemCostIndices, error) {
	cache := c.industry
	cache.mu.RLock()
	if time.Since(cache.costIndicesTime) < costIndexTTL && len(cache.costIndices) > 0 {
		idx := cache.costIndices[systemID]
		cache.mu.RUnlock()
		return idx, nil
	}
	cache.mu.RUnlock()

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if time.Since(cache.costIndicesTime) < costIndexTTL && len(cache.costIndices) > 0 {
		return cache.costIndices[systemID], nil
	}

	url := fmt.Sprintf("%s/industry/systems/?datasource=%s", c.BaseURL, datasource)
	var systems []IndustryCostIndex
	if _, err := c.GetJSON(ctx, "industry_systems", url, &systems); err != nil {
		return SystemCostIndices{}, err
	}

	cache.costIndices = make(map[int32]SystemCostIndices, len(systems))
	for _, sys := range systems {
		var idx SystemCostIndices
		for _, ci := range sys.CostIndices {
			switch ci.Activity {
			case "manufacturing":
				idx.Manufacturing = ci.CostIndex
			case "copying":
				idx.Copying = ci.CostIndex
			case "invention":
				idx.Invention = ci.CostIndex
			case "reaction":
				idx.Reaction = ci.CostIndex
			}
		}
		cache.costIndices[sys.SolarSystemID] = idx
	}
	cache.costIndicesTime = time.Now()

	return cache.costIndices[systemID], nil
}

// AdjustedPrices returns the full CCP adjusted-price table, cached for
// 30 minutes.
func (c *Client) AdjustedPrices(ctx context.Context) (map[int32]float64, error) {
	cache := c.industry
	cache.mu.RLock()
	if time.Since(cache.pricesTime) < adjustedPriceTTL && len(cache.prices) > 0 {
		out := make(map[int32]float64, len(cache.prices))
		for k, v := range cache.prices {
			out[k] = v
		}
		cache.mu.RUnlock()
		return out, nil
	}
	cache.mu.RUnlock()

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if time.Since(cache.pricesTime) < adjustedPriceTTL && len(cache.prices) > 0 {
		out := make(map[int32]float64, len(cache.prices))
		for k, v := range cache.prices {
			out[k] = v
		}
		return out, nil
	}

	url := fmt.Sprintf("%s/markets/prices/?datasource=%s", c.BaseURL, datasource)
	var prices []AdjustedPrice
	if _, err := c.GetJSON(ctx, "adjusted_prices", url, &prices); err != nil {
		return nil, err
	}

	cache.prices = make(map[int32]float64, len(prices))
	out := make(map[int32]float64, len(prices))
	for _, p := range prices {
		cache.prices[p.TypeID] = p.AdjustedPrice
		out[p.TypeID] = p.AdjustedPrice
	}
	cache.pricesTime = time.Now()

	return out, nil
}
