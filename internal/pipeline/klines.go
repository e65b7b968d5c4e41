package pipeline

import (
	"context"
	"fmt"
	"sort"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"
	"klineflow/processor"
	"klineflow/reader"
	"klineflow/writer"
)

func klineDataset(intervalMs int64) string {
	return "klines-" + config.IntervalName(intervalMs)
}

// TidyKlines is TidyAggTrades on the time axis: downloaded candle files are
// checked against the interval grid, missing and malformed candles are
// fetched again, and the merged days are written to the tidy directory.
func (p *Pipeline) TidyKlines(ctx context.Context, inst config.Instrument, intervalMs int64) (report models.Report, err error) {
	interval := config.IntervalName(intervalMs)
	log := p.entry("tidy", inst).WithFields(logger.Fields{"dataset": klineDataset(intervalMs)})
	report = p.newReport(inst, klineDataset(intervalMs), intervalMs)
	defer p.finish(ctx, log, &report)

	if _, err := inst.BinanceInterval(intervalMs); err != nil {
		report.Failed = append(report.Failed, failure(inst.String(), err))
		return report, err
	}
	fetcher, err := p.fetchers(inst)
	if err != nil {
		report.Failed = append(report.Failed, failure(inst.String(), err))
		return report, fmt.Errorf("build fetcher for %s: %w", inst, err)
	}

	tidyAll, err := listDayFiles(KlinesDir(p.layout.Tidy, inst, interval), ".csv")
	if err != nil {
		return report, err
	}
	rawAll, err := listDayFiles(KlinesDir(p.layout.Raw, inst, interval), ".csv")
	if err != nil {
		return report, err
	}
	days := p.tidyRange(tidyAll)
	raw := filterDays(rawAll, days)
	report.Files = len(raw)

	checks := p.checkKlineFiles(ctx, log, raw, intervalMs, "raw", &report)
	invalidByPath := make(map[string][]int64, len(checks))
	for _, c := range checks {
		if len(c.Invalid) > 0 {
			invalidByPath[c.Path] = c.Invalid
		}
	}
	for _, m := range processor.OrderMismatches(checks) {
		log.WithFields(logger.Fields{"earlier": m.Earlier, "later": m.Later}).Warn("file name order disagrees with open time order")
	}

	gaps := klineProblems(checks, intervalMs)
	log.WithFields(logger.Fields{
		"gaps":         len(gaps),
		"missing_keys": models.CountKeys(gaps, intervalMs),
	}).Info("reconciled raw candle files")

	var fetched []models.Kline
	for _, g := range gaps {
		if ctx.Err() != nil {
			break
		}
		res := fetcher.FetchKlines(ctx, inst.Symbol, intervalMs, g.Start, g.End)
		fetched = append(fetched, res.Records...)
		report.Fetched += len(res.Records)
		if !res.Complete() {
			entry := log.WithFields(logger.Fields{
				"start":         g.Start,
				"end":           g.End,
				"fetched":       len(res.Records),
				"still_missing": models.CountKeys(res.Missing, intervalMs),
			})
			if res.Err != nil {
				entry = entry.WithError(res.Err)
			}
			entry.Warn("gap only partially recovered")
		}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	byDay := make(map[string][]models.Kline)
	for _, k := range fetched {
		day := dayOfMillis(k.OpenTime)
		byDay[day] = append(byDay[day], k)
	}
	for day, klines := range byDay {
		path := KlinesFile(p.layout.Missing, inst, interval, day, "csv")
		if err := p.writeMissingKlines(path, klines); err != nil {
			report.Failed = append(report.Failed, failure(path, err))
			log.WithError(err).WithFields(logger.Fields{"path": path}).Error("failed to write missing candles")
		}
	}

	target := make(map[string]struct{}, len(raw)+len(byDay))
	for _, f := range raw {
		target[f.Day] = struct{}{}
	}
	for day := range byDay {
		target[day] = struct{}{}
	}
	tidyDays := make([]string, 0, len(target))
	for day := range target {
		tidyDays = append(tidyDays, day)
	}
	sort.Strings(tidyDays)

	results := processor.Dispatch(ctx, p.workers, tidyDays, func(ctx context.Context, day string) (string, error) {
		rawPath := KlinesFile(p.layout.Raw, inst, interval, day, "csv")
		return p.tidyKlineDay(ctx, log, inst, interval, day, invalidByPath[rawPath])
	})
	tidied := make([]dayFile, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			report.Failed = append(report.Failed, failure(tidyDays[r.Index], r.Err))
			continue
		}
		tidied = append(tidied, dayFile{Day: tidyDays[r.Index], Path: r.Value})
	}

	recheck := p.checkKlineFiles(ctx, log, tidied, intervalMs, "tidy", &report)
	report.Residual = klineProblems(recheck, intervalMs)
	if len(report.Residual) > 0 {
		log.WithFields(logger.Fields{
			"gaps":         len(report.Residual),
			"missing_keys": models.CountKeys(report.Residual, intervalMs),
		}).Warn("tidy candle files still have gaps")
	}
	return report, ctx.Err()
}

// CheckKlines reports the time axis problems of the downloaded candle files
// without fetching anything.
func (p *Pipeline) CheckKlines(ctx context.Context, inst config.Instrument, intervalMs int64) (report models.Report, err error) {
	interval := config.IntervalName(intervalMs)
	log := p.entry("check", inst).WithFields(logger.Fields{"dataset": klineDataset(intervalMs)})
	report = p.newReport(inst, klineDataset(intervalMs), intervalMs)
	defer p.finish(ctx, log, &report)

	all, err := listDayFiles(KlinesDir(p.layout.Raw, inst, interval), ".csv")
	if err != nil {
		return report, err
	}
	files := filterDays(all, DateRange{From: p.data.StartDate, To: p.data.EndDate})
	report.Files = len(files)

	checks := p.checkKlineFiles(ctx, log, files, intervalMs, "raw", &report)
	for _, m := range processor.OrderMismatches(checks) {
		log.WithFields(logger.Fields{"earlier": m.Earlier, "later": m.Later}).Warn("file name order disagrees with open time order")
	}
	report.Residual = klineProblems(checks, intervalMs)
	return report, ctx.Err()
}

// klineProblems joins the stitched time gaps with the malformed candles into
// the ranges that need fetching.
func klineProblems(checks []models.FileCheckResult, intervalMs int64) []models.Gap {
	gaps := processor.Reconcile(checks, intervalMs)
	gaps = append(gaps, processor.KeysToGaps(processor.InvalidKeys(checks), intervalMs)...)
	return processor.CoalesceGaps(gaps, intervalMs)
}

func (p *Pipeline) checkKlineFiles(ctx context.Context, log *logger.Entry, files []dayFile, intervalMs int64, stage string, report *models.Report) []models.FileCheckResult {
	results := processor.Dispatch(ctx, p.workers, files, func(_ context.Context, f dayFile) (models.FileCheckResult, error) {
		klines, err := reader.ReadKlines(f.Path)
		if err != nil {
			return models.FileCheckResult{}, err
		}
		logger.IncrementFilesRead(stage, len(klines))
		return processor.CheckKlines(f.Path, klines, intervalMs)
	})
	checks := make([]models.FileCheckResult, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			path := files[r.Index].Path
			report.Failed = append(report.Failed, failure(path, r.Err))
			log.WithError(r.Err).WithFields(logger.Fields{"path": path}).Warn("unreadable candle file counted as empty")
			checks = append(checks, models.FileCheckResult{Path: path, Empty: true})
			continue
		}
		c := r.Value
		if len(c.Gaps) > 0 || len(c.Invalid) > 0 {
			log.WithFields(logger.Fields{
				"path":    c.Path,
				"gaps":    len(c.Gaps),
				"invalid": len(c.Invalid),
			}).Debug("candle file has problems")
		}
		checks = append(checks, c)
	}
	return checks
}

func (p *Pipeline) writeMissingKlines(path string, klines []models.Kline) error {
	var earlier []models.Kline
	if exists(path) {
		var err error
		if earlier, err = reader.ReadKlines(path); err != nil {
			return err
		}
	}
	return writer.WriteKlines(path, processor.MergeKlines(earlier, klines, nil))
}

func (p *Pipeline) tidyKlineDay(ctx context.Context, log *logger.Entry, inst config.Instrument, interval, day string, invalid []int64) (string, error) {
	var original, missing []models.Kline
	var err error
	if path := KlinesFile(p.layout.Raw, inst, interval, day, "csv"); exists(path) {
		if original, err = reader.ReadKlines(path); err != nil {
			log.WithError(err).WithFields(logger.Fields{"path": path}).Warn("raw candle file unreadable, tidying from missing candles only")
			original = nil
		}
	}
	if path := KlinesFile(p.layout.Missing, inst, interval, day, "csv"); exists(path) {
		if missing, err = reader.ReadKlines(path); err != nil {
			return "", err
		}
	}

	merged := processor.MergeKlines(original, missing, invalid)

	out := KlinesFile(p.layout.Tidy, inst, interval, day, "csv")
	if err := writer.WriteKlines(out, merged); err != nil {
		return "", err
	}
	logger.LogDataFlowEntry(log, "raw+missing", "tidy", len(merged), "klines")
	p.upload(ctx, log, out)
	return out, nil
}
