package engine

import (
	"math"
	"sort"

	"eve-quantum/internal/esi"
)

// VWAPResult is the outcome of walking the book for a target quantity.
type VWAPResult struct {
	Price      float64 `json:"price"`
	Incomplete bool    `json:"incomplete"`
	Filled     int64   `json:"filled"`
	Requested  int64   `json:"requested"`
	OrdersUsed int     `json:"orders_used"`
}

// VWAP fills the requested quantity greedily from the best-priced orders
// on the requested side and returns the volume-weighted average. Price is
// zero when nothing fills.
func VWAP(orders []esi.MarketOrder, qty int64, isBuy bool) VWAPResult {
	res := VWAPResult{Requested: qty}
	if qty <= 0 {
		return res
	}
	side := sideOrders(orders, isBuy)
	// Sells fill cheapest-first, buys fill highest-first.
	sort.Slice(side, func(i, j int) bool {
		if isBuy {
			return side[i].Price > side[j].Price
		}
		return side[i].Price < side[j].Price
	})

	var cost float64
	remaining := qty
	for _, o := range side {
		if remaining <= 0 {
			break
		}
		take := o.VolumeRemain
		if take > remaining {
			take = remaining
		}
		cost += float64(take) * o.Price
		remaining -= take
		res.Filled += take
		res.OrdersUsed++
	}
	if res.Filled > 0 {
		res.Price = cost / float64(res.Filled)
	}
	res.Incomplete = res.Filled < qty
	return res
}

// PercentilePrice returns the price of the first order (ascending) whose
// cumulative volume reaches p of the side's total volume.
func PercentilePrice(orders []esi.MarketOrder, isBuy bool, p float64) float64 {
	side := sideOrders(orders, isBuy)
	if len(side) == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	sort.Slice(side, func(i, j int) bool { return side[i].Price < side[j].Price })

	var total int64
	for _, o := range side {
		total += o.VolumeRemain
	}
	threshold := p * float64(total)

	var cum int64
	for _, o := range side {
		cum += o.VolumeRemain
		if float64(cum) >= threshold {
			return o.Price
		}
	}
	return side[len(side)-1].Price
}

// BestPriceWithMinVolume returns the best price among orders with at least
// minVol remaining. With no qualifying order it falls back to the mean of
// the top five prices on the correct side.
func BestPriceWithMinVolume(orders []esi.MarketOrder, isBuy bool, minVol int64) float64 {
	side := sideOrders(orders, isBuy)
	if len(side) == 0 {
		return 0
	}
	sort.Slice(side, func(i, j int) bool {
		if isBuy {
			return side[i].Price > side[j].Price
		}
		return side[i].Price < side[j].Price
	})

	for _, o := range side {
		if o.VolumeRemain >= minVol {
			return o.Price
		}
	}

	n := len(side)
	if n > 5 {
		n = 5
	}
	var sum float64
	for _, o := range side[:n] {
		sum += o.Price
	}
	return sum / float64(n)
}

// RemoveOutliers drops orders outside [Q1 - 1.5*IQR, Q3 + 1.5*IQR] on the
// requested side. Fewer than four orders pass through untouched.
func RemoveOutliers(orders []esi.MarketOrder, isBuy bool) []esi.MarketOrder {
	side := sideOrders(orders, isBuy)
	if len(side) < 4 {
		return side
	}

	prices := make([]float64, len(side))
	for i, o := range side {
		prices[i] = o.Price
	}
	sort.Float64s(prices)

	q1 := quartile(prices, 0.25)
	q3 := quartile(prices, 0.75)
	iqr := q3 - q1
	lo := q1 - 1.5*iqr
	hi := q3 + 1.5*iqr

	out := make([]esi.MarketOrder, 0, len(side))
	for _, o := range side {
		if o.Price >= lo && o.Price <= hi {
			out = append(out, o)
		}
	}
	return out
}

// HistoryField selects which daily value feeds historical statistics.
type HistoryField string

const (
	HistoryAverage HistoryField = "average"
	HistoryHighest HistoryField = "highest"
	HistoryLowest  HistoryField = "lowest"
)

// HistoricalAverage averages a field over the most recent days (0 = all).
// History is expected oldest-first, as the market store returns it.
func HistoricalAverage(history []esi.HistoryDay, field HistoryField, days int) float64 {
	vals := historyValues(history, field, days)
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// HistoricalStdDev is the population standard deviation of a field over
// the most recent days.
func HistoricalStdDev(history []esi.HistoryDay, field HistoryField, days int) float64 {
	vals := historyValues(history, field, days)
	if len(vals) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(vals)))
}

// Median returns the middle value, or the mean of the two middles on even
// length. Input order does not matter.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func sideOrders(orders []esi.MarketOrder, isBuy bool) []esi.MarketOrder {
	out := make([]esi.MarketOrder, 0, len(orders))
	for _, o := range orders {
		if o.IsBuyOrder == isBuy {
			out = append(out, o)
		}
	}
	return out
}

// quartile interpolates linearly between sorted values.
func quartile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func historyValues(history []esi.HistoryDay, field HistoryField, days int) []float64 {
	start := 0
	if days > 0 && len(history) > days {
		start = len(history) - days
	}
	vals := make([]float64, 0, len(history)-start)
	for _, d := range history[start:] {
		switch field {
		case HistoryHighest:
			vals = append(vals, d.Highest)
		case HistoryLowest:
			vals = append(vals, d.Lowest)
		default:
			vals = append(vals, d.Average)
		}
	}
	return vals
}
