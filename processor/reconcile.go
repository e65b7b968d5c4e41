package processor

import (
	"slices"
	"sort"

	"klineflow/models"
)

// Reconcile stitches per-file check results into one ascending gap list for
// the whole directory. Files are ordered by their first key, not by path.
// A boundary gap is synthesised between neighbours whose key ranges do not
// meet. Empty files contribute nothing.
func Reconcile(results []models.FileCheckResult, stride int64) []models.Gap {
	if stride <= 0 {
		stride = 1
	}
	files := make([]models.FileCheckResult, 0, len(results))
	for _, r := range results {
		if !r.Empty {
			files = append(files, r)
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].FirstKey < files[j].FirstKey })

	var gaps []models.Gap
	for i, f := range files {
		if i > 0 {
			prev := files[i-1].LastKey
			if missing := (f.FirstKey-prev)/stride - 1; missing > 0 {
				gaps = append(gaps, models.Gap{Start: prev + stride, End: prev + missing*stride})
			}
		}
		gaps = append(gaps, f.Gaps...)
	}
	return CoalesceGaps(gaps, stride)
}

// CoalesceGaps sorts gaps and merges any that overlap or touch, so each
// maximal missing range becomes a single fetch.
func CoalesceGaps(gaps []models.Gap, stride int64) []models.Gap {
	if len(gaps) == 0 {
		return nil
	}
	sorted := slices.Clone(gaps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := []models.Gap{sorted[0]}
	for _, g := range sorted[1:] {
		last := &out[len(out)-1]
		if g.Start <= last.End+stride {
			if g.End > last.End {
				last.End = g.End
			}
			continue
		}
		out = append(out, g)
	}
	return out
}

// OrderMismatch names two files whose path order disagrees with key order.
type OrderMismatch struct {
	Earlier string
	Later   string
}

// OrderMismatches reports neighbours where lexical path order and first key
// order disagree. The caller logs them; reconciliation already uses key order.
func OrderMismatches(results []models.FileCheckResult) []OrderMismatch {
	files := make([]models.FileCheckResult, 0, len(results))
	for _, r := range results {
		if !r.Empty {
			files = append(files, r)
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var out []OrderMismatch
	for i := 1; i < len(files); i++ {
		if files[i].FirstKey < files[i-1].FirstKey {
			out = append(out, OrderMismatch{Earlier: files[i-1].Path, Later: files[i].Path})
		}
	}
	return out
}

// InvalidKeys collects the invalid keys of every file in ascending order.
func InvalidKeys(results []models.FileCheckResult) []int64 {
	var keys []int64
	for _, r := range results {
		keys = append(keys, r.Invalid...)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// KeysToGaps groups ascending keys on the stride grid into maximal ranges.
func KeysToGaps(keys []int64, stride int64) []models.Gap {
	if len(keys) == 0 {
		return nil
	}
	var gaps []models.Gap
	cur := models.Gap{Start: keys[0], End: keys[0]}
	for _, k := range keys[1:] {
		if k == cur.End {
			continue
		}
		if k == cur.End+stride {
			cur.End = k
			continue
		}
		gaps = append(gaps, cur)
		cur = models.Gap{Start: k, End: k}
	}
	return append(gaps, cur)
}
