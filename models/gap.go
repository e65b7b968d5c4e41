package models

// Gap is a maximal contiguous missing range. Start and End are inclusive and
// lie on the key axis the gap was detected on (ids, or open times spaced by
// the interval).
type Gap struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of missing keys in the gap for the given stride.
func (g Gap) Len(stride int64) int64 {
	if stride <= 0 || g.End < g.Start {
		return 0
	}
	return (g.End-g.Start)/stride + 1
}

// Keys expands the gap into its explicit keys.
func (g Gap) Keys(stride int64) []int64 {
	n := g.Len(stride)
	keys := make([]int64, 0, n)
	for k := g.Start; k <= g.End; k += stride {
		keys = append(keys, k)
	}
	return keys
}

// ExpandGaps flattens gaps into one ascending list of missing keys.
func ExpandGaps(gaps []Gap, stride int64) []int64 {
	var total int64
	for _, g := range gaps {
		total += g.Len(stride)
	}
	keys := make([]int64, 0, total)
	for _, g := range gaps {
		keys = append(keys, g.Keys(stride)...)
	}
	return keys
}

// CountKeys returns the number of keys covered by gaps.
func CountKeys(gaps []Gap, stride int64) int64 {
	var total int64
	for _, g := range gaps {
		total += g.Len(stride)
	}
	return total
}

// FileCheckResult is the per-file outcome of gap detection. Empty files carry
// no key range and contribute nothing to cross-file stitching.
type FileCheckResult struct {
	Path     string
	Empty    bool
	FirstKey int64
	LastKey  int64
	Gaps     []Gap
	// Invalid holds keys of records that are present but malformed on the
	// key axis, such as candles whose duration differs from the interval.
	Invalid []int64
}

// MissingInRange returns the gaps of the closed range [start, end] on the
// stride grid that keys do not cover. keys must be ascending.
func MissingInRange(keys []int64, start, end, stride int64) []Gap {
	if stride <= 0 || end < start {
		return nil
	}
	var gaps []Gap
	next := start
	for _, k := range keys {
		if k < next {
			continue
		}
		if k > end {
			break
		}
		if k > next {
			gaps = append(gaps, Gap{Start: next, End: k - stride})
		}
		next = k + stride
	}
	if next <= end {
		gaps = append(gaps, Gap{Start: next, End: end})
	}
	return gaps
}
