package models

import (
	"fmt"
	"time"
)

// FetchResult is the typed outcome of one range fetch. Missing lists the
// sub-ranges the source could not supply after retries.
type FetchResult[T any] struct {
	Records []T
	Missing []Gap
	Err     error
}

// Complete reports whether every requested key was supplied.
func (r FetchResult[T]) Complete() bool { return len(r.Missing) == 0 && r.Err == nil }

// Report is the end-of-run diagnostic for one instrument and dataset.
type Report struct {
	RunID    string
	Market   string
	Symbol   string
	Dataset  string
	Stride   int64
	Files    int
	Fetched  int
	Residual []Gap
	// Boundaries lists days whose leading candles could not be filled because
	// no previous close was available.
	Boundaries []string
	Failed     []string
	Started    time.Time
	Finished   time.Time
}

// OK reports whether the run left nothing for the operator to repair.
func (r Report) OK() bool {
	return len(r.Residual) == 0 && len(r.Failed) == 0
}

// ResidualKeys returns the number of keys still missing.
func (r Report) ResidualKeys() int64 { return CountKeys(r.Residual, r.Stride) }

func (r Report) String() string {
	return fmt.Sprintf("%s %s %s: files=%d fetched=%d residual_keys=%d failed=%d boundaries=%d",
		r.Market, r.Symbol, r.Dataset, r.Files, r.Fetched, r.ResidualKeys(), len(r.Failed), len(r.Boundaries))
}
