package engine

import (
	"math"
	"testing"

	"eve-quantum/internal/esi"
)

func sell(price float64, vol int64) esi.MarketOrder {
	return esi.MarketOrder{Price: price, VolumeRemain: vol}
}

func buy(price float64, vol int64) esi.MarketOrder {
	return esi.MarketOrder{Price: price, VolumeRemain: vol, IsBuyOrder: true}
}

func TestVWAP_ExactFill(t *testing.T) {
	orders := []esi.MarketOrder{sell(100, 1000), sell(200, 1000)}

	res := VWAP(orders, 2000, false)
	if res.Price != 150 {
		t.Errorf("price = %v, want 150", res.Price)
	}
	if res.Incomplete {
		t.Error("fill should be complete")
	}
	if res.Filled != 2000 || res.Requested != 2000 {
		t.Errorf("filled = %d / requested = %d, want 2000 / 2000", res.Filled, res.Requested)
	}
	if res.OrdersUsed != 2 {
		t.Errorf("orders used = %d, want 2", res.OrdersUsed)
	}
}

func TestVWAP_IncompleteMatchesDepthShortfall(t *testing.T) {
	orders := []esi.MarketOrder{sell(100, 1000), sell(200, 1000)}

	res := VWAP(orders, 3000, false)
	if !res.Incomplete {
		t.Error("book holds 2000 of 3000, should be incomplete")
	}
	if res.Filled != 2000 {
		t.Errorf("filled = %d, want 2000", res.Filled)
	}
	// The average only covers what filled.
	if res.Price != 150 {
		t.Errorf("price = %v, want 150", res.Price)
	}

	res = VWAP(orders, 2000, false)
	if res.Incomplete {
		t.Error("exact depth should not be incomplete")
	}
}

func TestVWAP_BuySideFillsHighestFirst(t *testing.T) {
	orders := []esi.MarketOrder{buy(90, 500), buy(110, 500), sell(300, 9999)}

	res := VWAP(orders, 500, true)
	if res.Price != 110 {
		t.Errorf("price = %v, want 110 (best buy order)", res.Price)
	}
	if res.OrdersUsed != 1 {
		t.Errorf("orders used = %d, want 1", res.OrdersUsed)
	}
}

func TestVWAP_EmptyBook(t *testing.T) {
	res := VWAP(nil, 100, false)
	if res.Price != 0 || res.Filled != 0 || !res.Incomplete {
		t.Errorf("empty book = %+v, want zero price, zero fill, incomplete", res)
	}
}

func TestPercentilePrice_CumulativeVolume(t *testing.T) {
	// Cumulative volumes 1000, 3000, 6000, 10000.
	orders := []esi.MarketOrder{
		sell(6.52, 1000),
		sell(6.53, 2000),
		sell(6.55, 3000),
		sell(6.60, 4000),
	}

	if got := PercentilePrice(orders, false, 0.2); got != 6.53 {
		t.Errorf("p20 = %v, want 6.53 (first cumulative >= 2000)", got)
	}
	if got := PercentilePrice(orders, false, 0); got != 6.52 {
		t.Errorf("p0 = %v, want lowest price", got)
	}
	if got := PercentilePrice(orders, false, 1); got != 6.60 {
		t.Errorf("p100 = %v, want highest price", got)
	}
	if got := PercentilePrice(orders, false, 2.5); got != 6.60 {
		t.Errorf("clamped p = %v, want 6.60", got)
	}
	if got := PercentilePrice(nil, false, 0.2); got != 0 {
		t.Errorf("empty book = %v, want 0", got)
	}
}

func TestBestPriceWithMinVolume(t *testing.T) {
	orders := []esi.MarketOrder{sell(10, 5), sell(12, 100), sell(15, 100)}

	if got := BestPriceWithMinVolume(orders, false, 50); got != 12 {
		t.Errorf("best with minVol 50 = %v, want 12", got)
	}
	// Nothing qualifies: mean of the cheapest prices.
	if got := BestPriceWithMinVolume(orders, false, 1000); got != (10+12+15)/3.0 {
		t.Errorf("fallback = %v, want mean of top prices", got)
	}
}

func TestRemoveOutliers_PassthroughBelowFour(t *testing.T) {
	orders := []esi.MarketOrder{sell(1, 10), sell(2, 10), sell(100000, 10)}

	out := RemoveOutliers(orders, false)
	if len(out) != 3 {
		t.Errorf("len = %d, want all 3 preserved below threshold", len(out))
	}
}

func TestRemoveOutliers_DropsExtremes(t *testing.T) {
	orders := []esi.MarketOrder{
		sell(10, 1), sell(10.5, 1), sell(11, 1), sell(11.5, 1), sell(500, 1),
	}

	out := RemoveOutliers(orders, false)
	for _, o := range out {
		if o.Price == 500 {
			t.Error("500 should be filtered as an outlier")
		}
	}
	if len(out) != 4 {
		t.Errorf("len = %d, want 4", len(out))
	}
}

func TestRemoveOutliers_SideFilter(t *testing.T) {
	orders := []esi.MarketOrder{sell(10, 1), buy(9, 1), sell(11, 1)}

	out := RemoveOutliers(orders, false)
	for _, o := range out {
		if o.IsBuyOrder {
			t.Error("buy order leaked into sell-side result")
		}
	}
}

func TestMedian(t *testing.T) {
	if got := Median([]float64{3, 1, 2}); got != 2 {
		t.Errorf("odd median = %v, want 2", got)
	}
	if got := Median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("even median = %v, want 2.5", got)
	}
	// Input order never matters.
	if Median([]float64{1, 2, 3, 4}) != Median([]float64{4, 3, 2, 1}) {
		t.Error("median should be invariant to input order")
	}
	if got := Median(nil); got != 0 {
		t.Errorf("empty = %v, want 0", got)
	}
}

func TestHistoricalAverageAndStdDev(t *testing.T) {
	history := []esi.HistoryDay{
		{Average: 100, Highest: 110, Lowest: 90},
		{Average: 200, Highest: 210, Lowest: 190},
		{Average: 300, Highest: 310, Lowest: 290},
	}

	if got := HistoricalAverage(history, HistoryAverage, 0); got != 200 {
		t.Errorf("avg all = %v, want 200", got)
	}
	// Most recent days only.
	if got := HistoricalAverage(history, HistoryAverage, 2); got != 250 {
		t.Errorf("avg last 2 = %v, want 250", got)
	}
	if got := HistoricalAverage(history, HistoryHighest, 0); got != 210 {
		t.Errorf("avg highest = %v, want 210", got)
	}
	if got := HistoricalAverage(nil, HistoryAverage, 7); got != 0 {
		t.Errorf("empty history = %v, want 0", got)
	}

	sd := HistoricalStdDev(history, HistoryAverage, 0)
	want := math.Sqrt((100*100 + 0 + 100*100) / 3.0)
	if math.Abs(sd-want) > 1e-9 {
		t.Errorf("stddev = %v, want %v", sd, want)
	}
}
