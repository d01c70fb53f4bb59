package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MarketOrder mirrors the ESI market order response.
type MarketOrder struct {
	OrderID      int64   `json:"order_id"`
	TypeID       int32   `json:"type_id"`
	LocationID   int64   `json:"location_id"`
	SystemID     int32   `json:"system_id"`
	Price        float64 `json:"price"`
	VolumeRemain int64   `json:"volume_remain"`
	VolumeTotal  int64   `json:"volume_total"`
	MinVolume    int64   `json:"min_volume"`
	IsBuyOrder   bool    `json:"is_buy_order"`
	Duration     int     `json:"duration"`
	Issued       string  `json:"issued"`
	RegionID     int32   `json:"-"` // set by us
}

// HistoryDay is one day of market history for a type in a region.
type HistoryDay struct {
	Date       string  `json:"date"`
	Average    float64 `json:"average"`
	Highest    float64 `json:"highest"`
	Lowest     float64 `json:"lowest"`
	Volume     int64   `json:"volume"`
	OrderCount int64   `json:"order_count"`
}

// FetchTypeOrders fetches every order for one type in a region (both sides).
// Concurrent calls for the same (region, type) are coalesced.
func (c *Client) FetchTypeOrders(ctx context.Context, regionID, typeID int32) ([]MarketOrder, time.Time, error) {
	sfKey := fmt.Sprintf("orders:%d:%d", regionID, typeID)
	type result struct {
		orders  []MarketOrder
		expires time.Time
	}
	v, err, _ := c.orderFlight.Do(sfKey, func() (interface{}, error) {
		url := fmt.Sprintf("%s/markets/%d/orders/?datasource=%s&order_type=all&type_id=%d",
			c.BaseURL, regionID, datasource, typeID)
		items, expires, err := c.GetPaginated(ctx, sfKey, url, 0)
		if err != nil {
			return nil, err
		}
		orders := make([]MarketOrder, 0, len(items))
		for _, raw := range items {
			var o MarketOrder
			if err := json.Unmarshal(raw, &o); err != nil {
				return nil, &DeserializeError{Err: err}
			}
			o.RegionID = regionID
			orders = append(orders, o)
		}
		return result{orders: orders, expires: expires}, nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	r := v.(result)
	return r.orders, r.expires, nil
}

// FetchMarketHistory fetches the daily history for a type in a region.
func (c *Client) FetchMarketHistory(ctx context.Context, regionID, typeID int32) ([]HistoryDay, time.Time, error) {
	key := fmt.Sprintf("history:%d:%d", regionID, typeID)
	url := fmt.Sprintf("%s/markets/%d/history/?datasource=%s&type_id=%d",
		c.BaseURL, regionID, datasource, typeID)
	var days []HistoryDay
	expires, err := c.GetJSON(ctx, key, url, &days)
	if err != nil {
		return nil, time.Time{}, err
	}
	return days, expires, nil
}
