package writer

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"klineflow/models"
)

// writeAtomic hands a temporary sibling of path to fill, then renames it over
// path. A crashed write leaves the previous file, or nothing, in place.
func writeAtomic(path string, fill func(tmp string) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := fill(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func writeCSV(path string, header []string, rows func(w *csv.Writer) error) error {
	return writeAtomic(path, func(tmp string) error {
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		bw := bufio.NewWriter(f)
		w := csv.NewWriter(bw)
		if err := w.Write(header); err != nil {
			f.Close()
			return err
		}
		if err := rows(w); err != nil {
			f.Close()
			return err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return err
		}
		if err := bw.Flush(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// WriteAggTrades writes ticks with a header row.
func WriteAggTrades(path string, trades []models.AggTrade) error {
	return writeCSV(path, models.AggTradeHeaders, func(w *csv.Writer) error {
		row := make([]string, len(models.AggTradeHeaders))
		for _, t := range trades {
			row[0] = strconv.FormatInt(t.ID, 10)
			row[1] = t.Price.String()
			row[2] = t.Quantity.String()
			row[3] = strconv.FormatInt(t.FirstTradeID, 10)
			row[4] = strconv.FormatInt(t.LastTradeID, 10)
			row[5] = strconv.FormatInt(t.Time, 10)
			row[6] = strconv.FormatBool(t.IsBuyerMaker)
			row[7] = strconv.FormatBool(t.IsBestMatch)
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteKlines writes candles with a header row. Placeholder candles get
// empty price cells.
func WriteKlines(path string, klines []models.Kline) error {
	return writeCSV(path, models.KlineHeaders, func(w *csv.Writer) error {
		row := make([]string, len(models.KlineHeaders))
		for _, k := range klines {
			row[0] = strconv.FormatInt(k.OpenTime, 10)
			if k.NoData {
				row[1], row[2], row[3], row[4] = "", "", "", ""
			} else {
				row[1], row[2], row[3], row[4] = k.Open.String(), k.High.String(), k.Low.String(), k.Close.String()
			}
			row[5] = k.Volume.String()
			row[6] = strconv.FormatInt(k.CloseTime, 10)
			row[7] = k.QuoteVolume.String()
			row[8] = strconv.FormatUint(uint64(k.TradesNumber), 10)
			row[9] = k.TakerBuyBaseVolume.String()
			row[10] = k.TakerBuyQuoteVolume.String()
			row[11] = "0"
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}
