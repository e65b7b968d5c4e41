package processor

import (
	"slices"

	"klineflow/models"
)

// FirstRealIndex returns the index of the first candle with trades, or
// len(day) when there is none.
func FirstRealIndex(day []models.Kline) int {
	for i, k := range day {
		if k.TradesNumber > 0 {
			return i
		}
	}
	return len(day)
}

// FillLeading overwrites the candles before the first trade of the day with
// flat candles at the previous day's final close. It returns a new slice and
// reports whether the leading run is resolved. When prev is nil or itself a
// placeholder the day is returned unchanged and resolved is false, leaving the
// boundary for a later run. Applying it twice with the same prev is a no-op.
func FillLeading(day []models.Kline, prev *models.Kline) (filled []models.Kline, resolved bool) {
	out := slices.Clone(day)
	first := FirstRealIndex(out)
	if first == 0 {
		return out, true
	}
	if prev == nil || prev.NoData {
		return out, false
	}
	for i := 0; i < first; i++ {
		out[i] = models.FlatKline(out[i].OpenTime, out[i].Interval(), prev.Close)
	}
	return out, true
}

// LastKline returns a pointer to the final candle of a day, or nil.
func LastKline(day []models.Kline) *models.Kline {
	if len(day) == 0 {
		return nil
	}
	k := day[len(day)-1]
	return &k
}
