package models

import (
	"github.com/shopspring/decimal"
)

// DayMillis is the length of one UTC day in milliseconds.
const DayMillis int64 = 24 * 60 * 60 * 1000

// KlineHeaders is the column order of a candle file.
var KlineHeaders = []string{
	"openTime", "openPrice", "highPrice", "lowPrice", "closePrice", "volume",
	"closeTime", "quoteAssetVolume", "tradesNumber", "takerBuyBaseAssetVolume",
	"takerBuyQuoteAssetVolume", "unused",
}

// Kline is a fixed interval OHLCV summary. CloseTime is always
// OpenTime + interval - 1.
//
// NoData marks a synthetic candle for which no price was known when it was
// produced: no trade in the day preceded it and no previous day close was
// available. Its price fields are zero and must not be read as a market price.
type Kline struct {
	OpenTime            int64
	Open                decimal.Decimal
	High                decimal.Decimal
	Low                 decimal.Decimal
	Close               decimal.Decimal
	Volume              decimal.Decimal
	CloseTime           int64
	QuoteVolume         decimal.Decimal
	TradesNumber        uint32
	TakerBuyBaseVolume  decimal.Decimal
	TakerBuyQuoteVolume decimal.Decimal
	NoData              bool
}

// FlatKline builds a zero volume candle whose four prices equal price.
func FlatKline(openTime, intervalMs int64, price decimal.Decimal) Kline {
	return Kline{
		OpenTime:            openTime,
		Open:                price,
		High:                price,
		Low:                 price,
		Close:               price,
		Volume:              decimal.Zero,
		CloseTime:           openTime + intervalMs - 1,
		QuoteVolume:         decimal.Zero,
		TakerBuyBaseVolume:  decimal.Zero,
		TakerBuyQuoteVolume: decimal.Zero,
	}
}

// NoDataKline builds a placeholder candle for a bucket with no known price.
func NoDataKline(openTime, intervalMs int64) Kline {
	k := FlatKline(openTime, intervalMs, decimal.Zero)
	k.NoData = true
	return k
}

// Interval returns the candle width in milliseconds.
func (k Kline) Interval() int64 { return k.CloseTime - k.OpenTime + 1 }

// KlineKey returns the reconciliation key of a candle.
func KlineKey(k Kline) int64 { return k.OpenTime }
