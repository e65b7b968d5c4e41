package processor

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"klineflow/models"
)

var oneDec = decimal.NewFromInt(1)

func trade(id int64, price string) models.AggTrade {
	return models.AggTrade{ID: id, Price: decimal.RequireFromString(price), Quantity: oneDec, Time: id}
}

func ids(trades []models.AggTrade) []int64 {
	out := make([]int64, len(trades))
	for i, t := range trades {
		out[i] = t.ID
	}
	return out
}

func TestMergeFillsGap(t *testing.T) {
	original := []models.AggTrade{trade(1, "1"), trade(2, "1"), trade(5, "1")}
	missing := []models.AggTrade{trade(4, "2"), trade(3, "2")}
	merged := MergeAggTrades(original, missing)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(merged))
	assert.Empty(t, CheckAggTrades("m", merged).Gaps)
}

func TestMergeOriginalWins(t *testing.T) {
	original := []models.AggTrade{trade(1, "10"), trade(2, "10")}
	missing := []models.AggTrade{trade(2, "99"), trade(3, "99")}
	merged := MergeAggTrades(original, missing)
	if len(merged) != 3 {
		t.Fatalf("expected 3 records, got %d", len(merged))
	}
	if !merged[1].Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("original record must win duplicate key, got price %s", merged[1].Price)
	}
}

func TestMergeDuplicateOriginalKeepsFirst(t *testing.T) {
	original := []models.AggTrade{trade(1, "1"), trade(2, "7"), trade(2, "8")}
	merged := MergeAggTrades(original, nil)
	assert.Equal(t, []int64{1, 2}, ids(merged))
	assert.True(t, merged[1].Price.Equal(decimal.NewFromInt(7)))
}

func TestMergeIdempotent(t *testing.T) {
	original := []models.AggTrade{trade(3, "1"), trade(1, "2"), trade(2, "3")}
	once := MergeAggTrades(original, nil)
	twice := MergeAggTrades(once, nil)
	assert.Equal(t, once, twice)
	assert.Equal(t, []int64{1, 2, 3}, ids(once))
}

func TestMergeKlinesReplacesInvalid(t *testing.T) {
	const iv = int64(60_000)
	bad := klineAt(iv, iv)
	bad.CloseTime = bad.OpenTime + 1
	original := []models.Kline{klineAt(0, iv), bad}
	fixed := klineAt(iv, iv)
	fixed.Close = decimal.NewFromInt(42)

	merged := MergeKlines(original, []models.Kline{fixed}, []int64{iv})
	if len(merged) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(merged))
	}
	if merged[1].Interval() != iv || !merged[1].Close.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("invalid candle not replaced: %+v", merged[1])
	}
}
