package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// KlineRecord is the parquet row of a candle. Decimal columns are stored as
// their exact string form.
type KlineRecord struct {
	OpenTime            int64  `parquet:"name=open_time, type=INT64"`
	Open                string `parquet:"name=open, type=BYTE_ARRAY, convertedtype=UTF8"`
	High                string `parquet:"name=high, type=BYTE_ARRAY, convertedtype=UTF8"`
	Low                 string `parquet:"name=low, type=BYTE_ARRAY, convertedtype=UTF8"`
	Close               string `parquet:"name=close, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume              string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	CloseTime           int64  `parquet:"name=close_time, type=INT64"`
	QuoteVolume         string `parquet:"name=quote_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradesNumber        int64  `parquet:"name=trades_number, type=INT64"`
	TakerBuyBaseVolume  string `parquet:"name=taker_buy_base_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	TakerBuyQuoteVolume string `parquet:"name=taker_buy_quote_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	NoData              bool   `parquet:"name=no_data, type=BOOLEAN"`
}

// Record converts the candle into its parquet row.
func (k Kline) Record() KlineRecord {
	return KlineRecord{
		OpenTime:            k.OpenTime,
		Open:                k.Open.String(),
		High:                k.High.String(),
		Low:                 k.Low.String(),
		Close:               k.Close.String(),
		Volume:              k.Volume.String(),
		CloseTime:           k.CloseTime,
		QuoteVolume:         k.QuoteVolume.String(),
		TradesNumber:        int64(k.TradesNumber),
		TakerBuyBaseVolume:  k.TakerBuyBaseVolume.String(),
		TakerBuyQuoteVolume: k.TakerBuyQuoteVolume.String(),
		NoData:              k.NoData,
	}
}

// Kline converts a parquet row back into a candle.
func (r KlineRecord) Kline() (Kline, error) {
	k := Kline{
		OpenTime:     r.OpenTime,
		CloseTime:    r.CloseTime,
		TradesNumber: uint32(r.TradesNumber),
		NoData:       r.NoData,
	}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&k.Open, r.Open}, {&k.High, r.High}, {&k.Low, r.Low}, {&k.Close, r.Close},
		{&k.Volume, r.Volume}, {&k.QuoteVolume, r.QuoteVolume},
		{&k.TakerBuyBaseVolume, r.TakerBuyBaseVolume}, {&k.TakerBuyQuoteVolume, r.TakerBuyQuoteVolume},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return Kline{}, fmt.Errorf("candle %d: %w", r.OpenTime, err)
		}
		*f.dst = d
	}
	return k, nil
}
