package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"klineflow/config"
)

// Layout resolves the stage directories of the public data set mirror:
//
//	<stage>/data/<market>/daily/aggTrades/<SYMBOL>/<SYMBOL>-aggTrades-YYYY-MM-DD.csv
//	<stage>/data/<market>/daily/klines/<SYMBOL>/<interval>/<SYMBOL>-<interval>-YYYY-MM-DD.<ext>
type Layout struct {
	Root    string
	Raw     string
	Missing string
	Tidy    string
	Klines  string
}

func NewLayout(cfg config.DataConfig) Layout {
	resolve := func(dir string) string {
		if filepath.IsAbs(dir) {
			return dir
		}
		return filepath.Join(cfg.RootDir, dir)
	}
	return Layout{
		Root:    cfg.RootDir,
		Raw:     resolve(cfg.RawDir),
		Missing: resolve(cfg.MissingDir),
		Tidy:    resolve(cfg.TidyDir),
		Klines:  resolve(cfg.KlinesDir),
	}
}

func AggTradesDir(stage string, inst config.Instrument) string {
	return filepath.Join(stage, "data", filepath.FromSlash(inst.Market), "daily", "aggTrades", inst.Symbol)
}

func AggTradesFile(stage string, inst config.Instrument, day string) string {
	return filepath.Join(AggTradesDir(stage, inst), fmt.Sprintf("%s-aggTrades-%s.csv", inst.Symbol, day))
}

func KlinesDir(stage string, inst config.Instrument, interval string) string {
	return filepath.Join(stage, "data", filepath.FromSlash(inst.Market), "daily", "klines", inst.Symbol, interval)
}

// KlinesFile names a candle file; ext is "csv" or "parquet".
func KlinesFile(stage string, inst config.Instrument, interval, day, ext string) string {
	return filepath.Join(KlinesDir(stage, inst, interval), fmt.Sprintf("%s-%s-%s.%s", inst.Symbol, interval, day, ext))
}

// dayFile is a daily file with the UTC date parsed from its name.
type dayFile struct {
	Day  string
	Path string
}

// dayOf extracts the trailing YYYY-MM-DD of a daily file name.
func dayOf(name string) (string, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if len(base) < len(time.DateOnly) {
		return "", false
	}
	day := base[len(base)-len(time.DateOnly):]
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return "", false
	}
	return day, true
}

// listDayFiles returns the daily files in dir with the given extension,
// ordered by day. A missing directory yields no files.
func listDayFiles(dir, ext string) ([]dayFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var files []dayFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		day, ok := dayOf(e.Name())
		if !ok {
			continue
		}
		files = append(files, dayFile{Day: day, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Day < files[j].Day })
	return files, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func prevDay(day string) string {
	t, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(time.DateOnly)
}

func dayOfMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.DateOnly)
}

// DateRange restricts the processed days. Empty bounds are open.
type DateRange struct {
	From string
	To   string
}

func (r DateRange) Contains(day string) bool {
	if r.From != "" && day < r.From {
		return false
	}
	if r.To != "" && day > r.To {
		return false
	}
	return true
}

// widen includes the day before From so it can serve as boundary input.
func (r DateRange) widen() DateRange {
	if r.From == "" {
		return r
	}
	return DateRange{From: prevDay(r.From), To: r.To}
}

func filterDays(files []dayFile, r DateRange) []dayFile {
	out := make([]dayFile, 0, len(files))
	for _, f := range files {
		if r.Contains(f.Day) {
			out = append(out, f)
		}
	}
	return out
}
