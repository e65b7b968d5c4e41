package processor

import (
	"slices"

	"klineflow/models"
)

// DetectIDGaps returns the maximal missing ranges inside a sorted id
// sequence. Duplicates are tolerated and contribute nothing.
func DetectIDGaps(ids []int64) []models.Gap {
	return detectGaps(ids, 1)
}

// MissingIDs returns every id absent between the smallest and largest id of
// a sorted sequence, in ascending order.
func MissingIDs(ids []int64) []int64 {
	return models.ExpandGaps(DetectIDGaps(ids), 1)
}

// detectGaps walks consecutive keys and emits a gap wherever the step exceeds
// stride. Keys that do not sit on the stride grid round the gap end down.
func detectGaps(keys []int64, stride int64) []models.Gap {
	var gaps []models.Gap
	for i := 1; i < len(keys); i++ {
		prev, next := keys[i-1], keys[i]
		missing := (next-prev)/stride - 1
		if missing <= 0 {
			continue
		}
		gaps = append(gaps, models.Gap{Start: prev + stride, End: prev + missing*stride})
	}
	return gaps
}

// DetectTimeGaps finds missing open times on the interval grid of a sorted
// candle sequence. Candles whose duration is not the interval, or whose open
// time is off the grid, are returned separately as invalid.
func DetectTimeGaps(klines []models.Kline, intervalMs int64) ([]models.Gap, []int64) {
	var invalid []int64
	opens := make([]int64, 0, len(klines))
	for _, k := range klines {
		if k.CloseTime-k.OpenTime != intervalMs-1 || k.OpenTime%intervalMs != 0 {
			invalid = append(invalid, k.OpenTime)
		}
		opens = append(opens, k.OpenTime)
	}
	return detectGaps(opens, intervalMs), invalid
}

// CheckAggTrades runs gap detection over one tick file.
func CheckAggTrades(path string, trades []models.AggTrade) models.FileCheckResult {
	res := models.FileCheckResult{Path: path}
	if len(trades) == 0 {
		res.Empty = true
		return res
	}
	ids := make([]int64, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}
	if !slices.IsSorted(ids) {
		slices.Sort(ids)
	}
	ids = slices.Compact(ids)

	res.FirstKey = ids[0]
	res.LastKey = ids[len(ids)-1]
	res.Gaps = DetectIDGaps(ids)
	return res
}

// CheckKlines runs time-axis gap detection over one candle file.
func CheckKlines(path string, klines []models.Kline, intervalMs int64) (models.FileCheckResult, error) {
	res := models.FileCheckResult{Path: path}
	if err := validateInterval(intervalMs); err != nil {
		return res, err
	}
	if len(klines) == 0 {
		res.Empty = true
		return res, nil
	}
	sorted := klines
	if !slices.IsSortedFunc(klines, compareKlines) {
		sorted = slices.Clone(klines)
		slices.SortStableFunc(sorted, compareKlines)
	}

	res.FirstKey = sorted[0].OpenTime
	res.LastKey = sorted[len(sorted)-1].OpenTime
	res.Gaps, res.Invalid = DetectTimeGaps(sorted, intervalMs)
	return res, nil
}

func compareKlines(a, b models.Kline) int {
	switch {
	case a.OpenTime < b.OpenTime:
		return -1
	case a.OpenTime > b.OpenTime:
		return 1
	}
	return 0
}
