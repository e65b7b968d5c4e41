package reader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestHasHeader(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"id,price,qty\n1,2,3\n", true},
		{"1,2,3\n4,5,6\n", false},
		{"agg_trade_id,price\n", true},
		{"", false},
		{"\ufeffopenTime,openPrice\n", true},
	}
	for _, c := range cases {
		got, err := HasHeader(strings.NewReader(c.content))
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "content %q", c.content)
	}
}

func TestReadAggTradesHeaderless(t *testing.T) {
	path := writeFile(t, "t.csv",
		"1,100.5,0.2,10,11,1704153600000,True,True\n"+
			"2,100.6,0.3,12,12,1704153600001,false,true\n")
	trades, err := ReadAggTrades(path)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(1), trades[0].ID)
	assert.Equal(t, "100.5", trades[0].Price.String())
	assert.True(t, trades[0].IsBuyerMaker)
	assert.False(t, trades[1].IsBuyerMaker)
	assert.Equal(t, int64(2), trades[0].TradeCount())
}

func TestReadAggTradesWithHeaderAndMicros(t *testing.T) {
	path := writeFile(t, "t.csv",
		"agg_trade_id,price,quantity,first_trade_id,last_trade_id,transact_time,is_buyer_maker\n"+
			"7,1,1,1,1,1735689600000123,false\n")
	trades, err := ReadAggTrades(path)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(1735689600000), trades[0].Time)
	assert.False(t, trades[0].IsBestMatch)
}

func TestReadAggTradesMalformed(t *testing.T) {
	path := writeFile(t, "t.csv", "1,abc,1,1,1,1,true,true\n")
	if _, err := ReadAggTrades(path); err == nil {
		t.Fatalf("expected error for malformed price")
	}
	if _, err := ReadAggTrades(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestReadEmptyFile(t *testing.T) {
	trades, err := ReadAggTrades(writeFile(t, "t.csv", ""))
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestReadKlines(t *testing.T) {
	path := writeFile(t, "k.csv",
		"openTime,openPrice,highPrice,lowPrice,closePrice,volume,closeTime,quoteAssetVolume,tradesNumber,takerBuyBaseAssetVolume,takerBuyQuoteAssetVolume,unused\n"+
			"0,,,,,0,59999,0,0,0,0,0\n"+
			"60000,1,2,0.5,1.5,10,119999,15,3,4,6,0\n")
	klines, err := ReadKlines(path)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.True(t, klines[0].NoData)
	assert.False(t, klines[1].NoData)
	assert.Equal(t, uint32(3), klines[1].TradesNumber)
	assert.Equal(t, "0.5", klines[1].Low.String())
	assert.Equal(t, int64(60000), klines[1].Interval())
}

func TestReadKlinesMicroseconds(t *testing.T) {
	path := writeFile(t, "k.csv", "1735689600000000,1,1,1,1,0,1735689659999999,0,0,0,0,0\n")
	klines, err := ReadKlineFile(path)
	require.NoError(t, err)
	require.Len(t, klines, 1)
	assert.Equal(t, int64(1735689600000), klines[0].OpenTime)
	assert.Equal(t, int64(1735689659999), klines[0].CloseTime)
}

func TestNormalizeMillis(t *testing.T) {
	assert.Equal(t, int64(1704153600000), NormalizeMillis(1704153600000))
	assert.Equal(t, int64(1704153600000), NormalizeMillis(1704153600000999))
}
