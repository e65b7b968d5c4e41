package reader

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"klineflow/models"
)

// sniffBytes is how much of a file is sampled to decide whether it has a
// header row.
const sniffBytes = 10000

// microsThreshold is 2000-01-01 expressed in microseconds. Larger timestamps
// are taken to be microseconds and scaled down to milliseconds.
const microsThreshold int64 = 946684800000000

// NormalizeMillis converts microsecond timestamps to milliseconds and leaves
// millisecond timestamps untouched.
func NormalizeMillis(ts int64) int64 {
	if ts > microsThreshold {
		return ts / 1000
	}
	return ts
}

// HasHeader samples the start of r and reports whether the first row is a
// header. r is rewound afterwards.
func HasHeader(r io.ReadSeeker) (bool, error) {
	buf := make([]byte, sniffBytes)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	line, _, _ := strings.Cut(string(buf[:n]), "\n")
	line = strings.TrimPrefix(strings.TrimSpace(line), "\ufeff")
	if line == "" {
		return false, nil
	}
	first, _, _ := strings.Cut(line, ",")
	first = strings.Trim(strings.TrimSpace(first), `"`)
	_, perr := strconv.ParseFloat(first, 64)
	return perr != nil, nil
}

// readRows opens a CSV file and returns its data rows without the header.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := HasHeader(f)
	if err != nil {
		return nil, fmt.Errorf("sniff header of %s: %w", path, err)
	}

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	r.ReuseRecord = false
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if header && len(rows) > 0 {
		rows = rows[1:]
	}
	return rows, nil
}

// ReadAggTrades reads a tick file. Files with seven columns (no best match
// flag) are accepted.
func ReadAggTrades(path string) ([]models.AggTrade, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	trades := make([]models.AggTrade, 0, len(rows))
	for i, row := range rows {
		t, err := parseAggTrade(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func parseAggTrade(row []string) (models.AggTrade, error) {
	if len(row) < 7 {
		return models.AggTrade{}, fmt.Errorf("expected at least 7 columns, got %d", len(row))
	}
	var (
		t   models.AggTrade
		err error
	)
	ints := []struct {
		dst *int64
		src string
	}{{&t.ID, row[0]}, {&t.FirstTradeID, row[3]}, {&t.LastTradeID, row[4]}, {&t.Time, row[5]}}
	for _, f := range ints {
		if *f.dst, err = strconv.ParseInt(strings.TrimSpace(f.src), 10, 64); err != nil {
			return t, err
		}
	}
	t.Time = NormalizeMillis(t.Time)
	if t.Price, err = decimal.NewFromString(strings.TrimSpace(row[1])); err != nil {
		return t, err
	}
	if t.Quantity, err = decimal.NewFromString(strings.TrimSpace(row[2])); err != nil {
		return t, err
	}
	if t.IsBuyerMaker, err = strconv.ParseBool(strings.TrimSpace(row[6])); err != nil {
		return t, err
	}
	if len(row) > 7 && strings.TrimSpace(row[7]) != "" {
		if t.IsBestMatch, err = strconv.ParseBool(strings.TrimSpace(row[7])); err != nil {
			return t, err
		}
	}
	return t, nil
}

// ReadKlines reads a candle CSV file. Empty price cells mark a placeholder
// candle.
func ReadKlines(path string) ([]models.Kline, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	klines := make([]models.Kline, 0, len(rows))
	for i, row := range rows {
		k, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func parseKline(row []string) (models.Kline, error) {
	if len(row) < 11 {
		return models.Kline{}, fmt.Errorf("expected at least 11 columns, got %d", len(row))
	}
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	var (
		k   models.Kline
		err error
	)
	if k.OpenTime, err = strconv.ParseInt(row[0], 10, 64); err != nil {
		return k, err
	}
	if k.CloseTime, err = strconv.ParseInt(row[6], 10, 64); err != nil {
		return k, err
	}
	k.OpenTime = NormalizeMillis(k.OpenTime)
	k.CloseTime = NormalizeMillis(k.CloseTime)

	trades, err := strconv.ParseUint(row[8], 10, 32)
	if err != nil {
		return k, err
	}
	k.TradesNumber = uint32(trades)

	if row[1] == "" && row[4] == "" {
		k.NoData = true
		row[1], row[2], row[3], row[4] = "0", "0", "0", "0"
	}
	decimals := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&k.Open, row[1]}, {&k.High, row[2]}, {&k.Low, row[3]}, {&k.Close, row[4]},
		{&k.Volume, row[5]}, {&k.QuoteVolume, row[7]},
		{&k.TakerBuyBaseVolume, row[9]}, {&k.TakerBuyQuoteVolume, row[10]},
	}
	for _, d := range decimals {
		if *d.dst, err = decimal.NewFromString(d.src); err != nil {
			return k, err
		}
	}
	return k, nil
}
