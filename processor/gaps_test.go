package processor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klineflow/models"
)

func TestMissingIDs(t *testing.T) {
	cases := []struct {
		name string
		ids  []int64
		want []int64
	}{
		{"empty", nil, []int64{}},
		{"single", []int64{7}, []int64{}},
		{"contiguous", []int64{1, 2, 3, 4}, []int64{}},
		{"one hole", []int64{1, 2, 4}, []int64{3}},
		{"two holes", []int64{10, 13, 14, 16}, []int64{11, 12, 15}},
		{"duplicates", []int64{1, 1, 3}, []int64{2}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := MissingIDs(c.ids)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestDetectIDGapsRanges(t *testing.T) {
	gaps := DetectIDGaps([]int64{1, 5, 6, 9})
	assert.Equal(t, []models.Gap{{Start: 2, End: 4}, {Start: 7, End: 8}}, gaps)
}

func TestCheckAggTradesEmpty(t *testing.T) {
	res := CheckAggTrades("a.csv", nil)
	if !res.Empty || len(res.Gaps) != 0 {
		t.Fatalf("empty file must report no gaps and no key range: %+v", res)
	}
}

func TestCheckAggTradesUnsorted(t *testing.T) {
	trades := []models.AggTrade{{ID: 5}, {ID: 1}, {ID: 2}, {ID: 2}}
	res := CheckAggTrades("a.csv", trades)
	assert.Equal(t, int64(1), res.FirstKey)
	assert.Equal(t, int64(5), res.LastKey)
	assert.Equal(t, []models.Gap{{Start: 3, End: 4}}, res.Gaps)
}

func klineAt(openTime, intervalMs int64) models.Kline {
	k := models.FlatKline(openTime, intervalMs, oneDec)
	k.TradesNumber = 1
	return k
}

func TestCheckKlines(t *testing.T) {
	const iv = int64(60_000)
	klines := []models.Kline{klineAt(0, iv), klineAt(iv, iv), klineAt(4*iv, iv)}
	bad := klineAt(5*iv, iv)
	bad.CloseTime = bad.OpenTime + 10
	klines = append(klines, bad)

	res, err := CheckKlines("k.csv", klines, iv)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.FirstKey)
	assert.Equal(t, 5*iv, res.LastKey)
	assert.Equal(t, []models.Gap{{Start: 2 * iv, End: 3 * iv}}, res.Gaps)
	assert.Equal(t, []int64{5 * iv}, res.Invalid)
}

func TestCheckKlinesOffGrid(t *testing.T) {
	const iv = int64(60_000)
	k := klineAt(30_000, iv)
	res, err := CheckKlines("k.csv", []models.Kline{klineAt(0, iv), k}, iv)
	require.NoError(t, err)
	assert.Equal(t, []int64{30_000}, res.Invalid)
}

func TestCheckKlinesRejectsInterval(t *testing.T) {
	_, err := CheckKlines("k.csv", nil, 7*60_000)
	if !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}
