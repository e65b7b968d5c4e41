package config

import (
	"fmt"
	"strings"
	"time"
)

// Market identifiers as used in the public data set layout.
const (
	MarketSpot      = "spot"
	MarketFuturesUM = "futures/um"
	MarketFuturesCM = "futures/cm"
)

const dayMillis = int64(24 * time.Hour / time.Millisecond)

var binanceIntervals = map[time.Duration]string{
	time.Second:      "1s",
	time.Minute:      "1m",
	3 * time.Minute:  "3m",
	5 * time.Minute:  "5m",
	15 * time.Minute: "15m",
	30 * time.Minute: "30m",
	time.Hour:        "1h",
	2 * time.Hour:    "2h",
	4 * time.Hour:    "4h",
	6 * time.Hour:    "6h",
	8 * time.Hour:    "8h",
	12 * time.Hour:   "12h",
}

// Validate checks the market, the symbol and every interval.
func (i Instrument) Validate() error {
	switch i.Market {
	case MarketSpot, MarketFuturesUM, MarketFuturesCM:
	default:
		return fmt.Errorf("%w: unknown market '%s'", ErrInvalidInstrument, i.Market)
	}
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidInstrument)
	}
	for _, iv := range i.Intervals {
		if _, err := ParseInterval(iv); err != nil {
			return err
		}
	}
	return nil
}

func (i Instrument) String() string { return i.Market + ":" + i.Symbol }

// ParseInterval converts an interval such as "100ms", "1s" or "15m" into
// milliseconds. The interval must divide one day evenly.
func ParseInterval(s string) (int64, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: interval '%s': %v", ErrInvalidInstrument, s, err)
	}
	ms := d.Milliseconds()
	if ms <= 0 || time.Duration(ms)*time.Millisecond != d {
		return 0, fmt.Errorf("%w: interval '%s' must be a whole number of milliseconds", ErrInvalidInstrument, s)
	}
	if dayMillis%ms != 0 {
		return 0, fmt.Errorf("%w: interval '%s' does not divide one day", ErrInvalidInstrument, s)
	}
	return ms, nil
}

// IntervalName renders milliseconds the way directory and file names use it.
func IntervalName(ms int64) string {
	if name, ok := binanceIntervals[time.Duration(ms)*time.Millisecond]; ok {
		return name
	}
	return fmt.Sprintf("%dms", ms)
}

// BinanceInterval returns the exchange kline interval for the instrument's
// market. Intervals the exchange does not publish for that market are a
// configuration error.
func (i Instrument) BinanceInterval(ms int64) (string, error) {
	name, ok := binanceIntervals[time.Duration(ms)*time.Millisecond]
	if !ok {
		return "", fmt.Errorf("%w: %dms is not an exchange kline interval", ErrInvalidInstrument, ms)
	}
	if name == "1s" && i.Market != MarketSpot {
		return "", fmt.Errorf("%w: 1s klines are only published for spot", ErrInvalidInstrument)
	}
	return name, nil
}
