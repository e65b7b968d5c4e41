package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"
	"klineflow/processor"
	"klineflow/reader"
	"klineflow/writer"
)

type builtDay struct {
	Day     string
	Klines  []models.Kline
	Dropped int
	// ReadErr is set when the tick file did not parse and the day was built
	// from no ticks.
	ReadErr error
}

// BuildKlines aggregates the tidy tick files of inst into candle files of the
// given interval. Days are aggregated in parallel without knowledge of their
// neighbours, then walked in order to carry each day's final close into the
// leading empty candles of the next.
func (p *Pipeline) BuildKlines(ctx context.Context, inst config.Instrument, intervalMs int64) (report models.Report, err error) {
	interval := config.IntervalName(intervalMs)
	log := p.entry("build", inst).WithFields(logger.Fields{"dataset": klineDataset(intervalMs)})
	report = p.newReport(inst, klineDataset(intervalMs), intervalMs)
	defer p.finish(ctx, log, &report)

	ticks, err := listDayFiles(AggTradesDir(p.layout.Tidy, inst), ".csv")
	if err != nil {
		return report, err
	}
	ext := p.candleExt()
	var todo []dayFile
	skipped := 0
	for _, f := range filterDays(ticks, DateRange{From: p.data.StartDate, To: p.data.EndDate}) {
		if p.data.CheckExist && exists(KlinesFile(p.layout.Klines, inst, interval, f.Day, ext)) {
			skipped++
			continue
		}
		todo = append(todo, f)
	}
	report.Files = len(todo)
	log.WithFields(logger.Fields{"days": len(todo), "skipped_existing": skipped}).Info("building candles")

	opts := processor.AggregateOptions{
		IntervalMs:            intervalMs,
		DecimalPlaces:         p.agg.DecimalPlaces,
		CountUnderlyingTrades: p.agg.CountUnderlyingTrades,
	}
	results := processor.Dispatch(ctx, p.workers, todo, func(_ context.Context, f dayFile) (builtDay, error) {
		return aggregateDay(f, opts)
	})

	// Dispatch keeps submission order, so built is already ordered by day.
	built := make([]builtDay, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			report.Failed = append(report.Failed, failure(todo[r.Index].Path, r.Err))
			log.WithError(r.Err).WithFields(logger.Fields{"path": todo[r.Index].Path}).Error("failed to aggregate day")
			continue
		}
		if r.Value.ReadErr != nil {
			report.Failed = append(report.Failed, failure(todo[r.Index].Path, r.Value.ReadErr))
			log.WithError(r.Value.ReadErr).WithFields(logger.Fields{"path": todo[r.Index].Path}).Warn("unreadable tick file, day built as placeholders")
		}
		if r.Value.Dropped > 0 {
			log.WithFields(logger.Fields{"day": r.Value.Day, "dropped": r.Value.Dropped}).Warn("ticks outside their file's day were dropped")
		}
		built = append(built, r.Value)
	}

	for i := range built {
		var prev *models.Kline
		if i > 0 && built[i-1].Day == prevDay(built[i].Day) {
			prev = processor.LastKline(built[i-1].Klines)
		} else {
			prev = p.previousClose(log, inst, interval, intervalMs, built[i].Day)
		}
		filled, resolved := processor.FillLeading(built[i].Klines, prev)
		built[i].Klines = filled
		if !resolved {
			report.Boundaries = append(report.Boundaries, built[i].Day)
			log.WithFields(logger.Fields{"day": built[i].Day}).Warn("no previous close, leading candles left as placeholders")
		}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	writes := processor.Dispatch(ctx, p.workers, built, func(ctx context.Context, d builtDay) (string, error) {
		path := KlinesFile(p.layout.Klines, inst, interval, d.Day, ext)
		if err := writer.WriteKlineFile(path, d.Klines, p.data.Compression); err != nil {
			return "", err
		}
		logger.IncrementCandlesWritten(len(d.Klines))
		p.upload(ctx, log, path)
		return path, nil
	})
	for _, w := range writes {
		if w.Err != nil {
			report.Failed = append(report.Failed, failure(built[w.Index].Day, w.Err))
			log.WithError(w.Err).WithFields(logger.Fields{"day": built[w.Index].Day}).Error("failed to write candles")
		}
	}
	return report, ctx.Err()
}

func aggregateDay(f dayFile, opts processor.AggregateOptions) (builtDay, error) {
	start, err := time.Parse(time.DateOnly, f.Day)
	if err != nil {
		return builtDay{}, fmt.Errorf("day of %s: %w", f.Path, err)
	}
	ticks, readErr := reader.ReadAggTrades(f.Path)
	if readErr != nil {
		ticks = nil
	}
	logger.IncrementFilesRead("tidy", len(ticks))

	opts.DayStart = start
	agg, err := processor.Aggregate(ticks, opts)
	if err != nil {
		return builtDay{}, fmt.Errorf("aggregate %s: %w", f.Path, err)
	}
	return builtDay{Day: f.Day, Klines: agg.Klines, Dropped: agg.Dropped, ReadErr: readErr}, nil
}

// previousClose finds the candle preceding day when it was not built in this
// run: the last candle of the existing candle file, else a flat candle at the
// last tick of the previous tidy tick file. It returns nil when neither
// exists.
func (p *Pipeline) previousClose(log *logger.Entry, inst config.Instrument, interval string, intervalMs int64, day string) *models.Kline {
	before := prevDay(day)
	for _, ext := range []string{"csv", "parquet"} {
		path := KlinesFile(p.layout.Klines, inst, interval, before, ext)
		if !exists(path) {
			continue
		}
		klines, err := reader.ReadKlineFile(path)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"path": path}).Warn("cannot read previous candle file")
			continue
		}
		if last := processor.LastKline(klines); last != nil && !last.NoData {
			return last
		}
	}

	path := AggTradesFile(p.layout.Tidy, inst, before)
	if !exists(path) {
		return nil
	}
	ticks, err := reader.ReadAggTrades(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Warn("cannot read previous tick file")
		return nil
	}
	if len(ticks) == 0 {
		return nil
	}
	last := ticks[len(ticks)-1]
	k := models.FlatKline(processor.DayStartOf(last.Time)+models.DayMillis-intervalMs, intervalMs, last.Price)
	return &k
}

// ErrNoIntervals is returned when an instrument asks for candles but lists no
// interval.
var ErrNoIntervals = errors.New("instrument has no intervals")

// Intervals parses the configured intervals of inst.
func Intervals(inst config.Instrument) ([]int64, error) {
	if len(inst.Intervals) == 0 {
		return nil, fmt.Errorf("%s: %w", inst, ErrNoIntervals)
	}
	out := make([]int64, 0, len(inst.Intervals))
	for _, s := range inst.Intervals {
		ms, err := config.ParseInterval(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, nil
}
