package processor

import (
	"slices"

	"klineflow/models"
)

// MergeBy combines the original records of one file with fetched records for
// the same key range. The original always wins a duplicate key: originals are
// deduplicated keeping their first occurrence, and a fetched record is only
// admitted when its key is not already present. The result is sorted by key.
func MergeBy[T any](original, missing []T, key func(T) int64) []T {
	seen := make(map[int64]struct{}, len(original)+len(missing))
	out := make([]T, 0, len(original)+len(missing))
	for _, group := range [][]T{original, missing} {
		for _, rec := range group {
			k := key(rec)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, rec)
		}
	}
	slices.SortStableFunc(out, func(a, b T) int {
		ka, kb := key(a), key(b)
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
	return out
}

// MergeAggTrades merges a tick file with the ticks fetched for its gaps.
func MergeAggTrades(original, missing []models.AggTrade) []models.AggTrade {
	return MergeBy(original, missing, models.AggTradeKey)
}

// MergeKlines merges a candle file with candles fetched for its gaps.
// Original candles listed in invalid are discarded first so the fetched
// replacement takes their place.
func MergeKlines(original, missing []models.Kline, invalid []int64) []models.Kline {
	if len(invalid) > 0 {
		drop := make(map[int64]struct{}, len(invalid))
		for _, k := range invalid {
			drop[k] = struct{}{}
		}
		kept := make([]models.Kline, 0, len(original))
		for _, k := range original {
			if _, bad := drop[k.OpenTime]; !bad {
				kept = append(kept, k)
			}
		}
		original = kept
	}
	return MergeBy(original, missing, models.KlineKey)
}
