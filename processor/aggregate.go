package processor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"klineflow/models"
)

var (
	// ErrInvalidInterval is returned when the candle interval does not divide
	// one day evenly.
	ErrInvalidInterval = errors.New("interval does not divide one day")
	// ErrEmptyDay is returned when a day has no ticks and no explicit start.
	ErrEmptyDay = errors.New("cannot place an empty day without a day start")
)

// DefaultDecimalPlaces is the precision accumulated volumes are rounded to.
const DefaultDecimalPlaces int32 = 10

// AggregateOptions parameterise one day's aggregation.
type AggregateOptions struct {
	IntervalMs int64
	// DayStart pins the day when set. Otherwise the day of the first tick is
	// used.
	DayStart time.Time
	// PrevClose is the previous day's final close, used for leading buckets
	// that precede the first trade of the day.
	PrevClose             decimal.NullDecimal
	DecimalPlaces         int32
	CountUnderlyingTrades bool
}

// Aggregation is one day of candles.
type Aggregation struct {
	Klines []models.Kline
	// FirstRealIndex is the first bucket holding at least one trade, or
	// len(Klines) when the day has none.
	FirstRealIndex int
	// Dropped counts ticks whose time fell outside the day.
	Dropped int
}

func validateInterval(intervalMs int64) error {
	if intervalMs <= 0 || models.DayMillis%intervalMs != 0 {
		return fmt.Errorf("%w: %dms", ErrInvalidInterval, intervalMs)
	}
	return nil
}

// DayStartOf floors a millisecond timestamp to its UTC day.
func DayStartOf(ms int64) int64 {
	return ms - ((ms%models.DayMillis)+models.DayMillis)%models.DayMillis
}

// Aggregate folds one day of ticks into exactly 86400000/IntervalMs candles.
// Buckets without trades carry the last real close forward; leading buckets
// use PrevClose and become NoData placeholders when it is absent.
func Aggregate(ticks []models.AggTrade, opts AggregateOptions) (Aggregation, error) {
	if err := validateInterval(opts.IntervalMs); err != nil {
		return Aggregation{}, err
	}
	places := opts.DecimalPlaces
	if places <= 0 {
		places = DefaultDecimalPlaces
	}

	var dayStart int64
	switch {
	case !opts.DayStart.IsZero():
		dayStart = DayStartOf(opts.DayStart.UnixMilli())
	case len(ticks) > 0:
		dayStart = DayStartOf(ticks[0].Time)
	default:
		return Aggregation{}, ErrEmptyDay
	}

	n := int(models.DayMillis / opts.IntervalMs)
	klines := make([]models.Kline, n)
	traded := make([]bool, n)
	dropped := 0

	for _, t := range ticks {
		offset := t.Time - dayStart
		if offset < 0 || offset >= models.DayMillis {
			dropped++
			continue
		}
		idx := int(offset / opts.IntervalMs)
		count := int64(1)
		if opts.CountUnderlyingTrades {
			count = t.TradeCount()
		}
		quote := t.Price.Mul(t.Quantity)
		k := &klines[idx]

		if !traded[idx] {
			traded[idx] = true
			openTime := dayStart + int64(idx)*opts.IntervalMs
			*k = models.FlatKline(openTime, opts.IntervalMs, t.Price)
			k.Volume = t.Quantity
			k.QuoteVolume = quote
			k.TradesNumber = addTrades(0, count)
			if !t.IsBuyerMaker {
				k.TakerBuyBaseVolume = t.Quantity
				k.TakerBuyQuoteVolume = quote
			}
			continue
		}

		if t.Price.GreaterThan(k.High) {
			k.High = t.Price
		}
		if t.Price.LessThan(k.Low) {
			k.Low = t.Price
		}
		k.Close = t.Price
		k.Volume = k.Volume.Add(t.Quantity)
		k.QuoteVolume = k.QuoteVolume.Add(quote)
		k.TradesNumber = addTrades(k.TradesNumber, count)
		if !t.IsBuyerMaker {
			k.TakerBuyBaseVolume = k.TakerBuyBaseVolume.Add(t.Quantity)
			k.TakerBuyQuoteVolume = k.TakerBuyQuoteVolume.Add(quote)
		}
	}

	firstReal := n
	last := opts.PrevClose
	for i := range klines {
		openTime := dayStart + int64(i)*opts.IntervalMs
		if traded[i] {
			if firstReal == n {
				firstReal = i
			}
			k := &klines[i]
			k.Volume = k.Volume.Round(places)
			k.QuoteVolume = k.QuoteVolume.Round(places)
			k.TakerBuyBaseVolume = k.TakerBuyBaseVolume.Round(places)
			k.TakerBuyQuoteVolume = k.TakerBuyQuoteVolume.Round(places)
			last = decimal.NewNullDecimal(k.Close)
			continue
		}
		if last.Valid {
			klines[i] = models.FlatKline(openTime, opts.IntervalMs, last.Decimal)
		} else {
			klines[i] = models.NoDataKline(openTime, opts.IntervalMs)
		}
	}

	return Aggregation{Klines: klines, FirstRealIndex: firstReal, Dropped: dropped}, nil
}

func addTrades(cur uint32, n int64) uint32 {
	sum := int64(cur) + n
	if sum > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(sum)
}
