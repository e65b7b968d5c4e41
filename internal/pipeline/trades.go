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

const datasetAggTrades = "aggTrades"

// TidyAggTrades checks the downloaded tick files of inst, fetches every
// missing id range, and writes one gap free tidy file per day. The returned
// report lists what is still missing after the tidy files are re-checked.
func (p *Pipeline) TidyAggTrades(ctx context.Context, inst config.Instrument) (report models.Report, err error) {
	log := p.entry("tidy", inst).WithFields(logger.Fields{"dataset": datasetAggTrades})
	report = p.newReport(inst, datasetAggTrades, 1)
	defer p.finish(ctx, log, &report)

	fetcher, err := p.fetchers(inst)
	if err != nil {
		report.Failed = append(report.Failed, failure(inst.String(), err))
		return report, fmt.Errorf("build fetcher for %s: %w", inst, err)
	}

	tidyAll, err := listDayFiles(AggTradesDir(p.layout.Tidy, inst), ".csv")
	if err != nil {
		return report, err
	}
	rawAll, err := listDayFiles(AggTradesDir(p.layout.Raw, inst), ".csv")
	if err != nil {
		return report, err
	}
	days := p.tidyRange(tidyAll)
	raw := filterDays(rawAll, days)
	report.Files = len(raw)
	log.WithFields(logger.Fields{"files": len(raw), "from": days.From, "to": days.To}).Info("checking raw tick files")

	checks := p.checkAggTradeFiles(ctx, log, raw, "raw", &report)
	for _, m := range processor.OrderMismatches(checks) {
		log.WithFields(logger.Fields{"earlier": m.Earlier, "later": m.Later}).Warn("file name order disagrees with id order")
	}

	gaps := processor.Reconcile(checks, 1)
	log.WithFields(logger.Fields{
		"gaps":         len(gaps),
		"missing_keys": models.CountKeys(gaps, 1),
	}).Info("reconciled raw tick files")

	fetched := p.fetchAggTradeGaps(ctx, log, fetcher, inst.Symbol, gaps, &report)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	byDay := make(map[string][]models.AggTrade)
	for _, t := range fetched {
		day := dayOfMillis(t.Time)
		byDay[day] = append(byDay[day], t)
	}
	for day, trades := range byDay {
		path := AggTradesFile(p.layout.Missing, inst, day)
		if err := p.writeMissingAggTrades(path, trades); err != nil {
			report.Failed = append(report.Failed, failure(path, err))
			log.WithError(err).WithFields(logger.Fields{"path": path}).Error("failed to write missing ticks")
		}
	}

	// Every raw day is re-tidied, plus days only the exchange could supply.
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
		return p.tidyAggTradeDay(ctx, log, inst, day)
	})
	tidied := make([]dayFile, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			report.Failed = append(report.Failed, failure(tidyDays[r.Index], r.Err))
			continue
		}
		tidied = append(tidied, dayFile{Day: tidyDays[r.Index], Path: r.Value})
	}

	recheck := p.checkAggTradeFiles(ctx, log, tidied, "tidy", &report)
	report.Residual = processor.Reconcile(recheck, 1)
	if len(report.Residual) > 0 {
		log.WithFields(logger.Fields{
			"gaps":         len(report.Residual),
			"missing_keys": models.CountKeys(report.Residual, 1),
		}).Warn("tidy tick files still have gaps")
	}
	return report, ctx.Err()
}

func (p *Pipeline) checkAggTradeFiles(ctx context.Context, log *logger.Entry, files []dayFile, stage string, report *models.Report) []models.FileCheckResult {
	results := processor.Dispatch(ctx, p.workers, files, func(_ context.Context, f dayFile) (models.FileCheckResult, error) {
		trades, err := reader.ReadAggTrades(f.Path)
		if err != nil {
			return models.FileCheckResult{}, err
		}
		logger.IncrementFilesRead(stage, len(trades))
		return processor.CheckAggTrades(f.Path, trades), nil
	})
	checks := make([]models.FileCheckResult, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			path := files[r.Index].Path
			report.Failed = append(report.Failed, failure(path, r.Err))
			log.WithError(r.Err).WithFields(logger.Fields{"path": path}).Warn("unreadable tick file counted as empty")
			checks = append(checks, models.FileCheckResult{Path: path, Empty: true})
			continue
		}
		c := r.Value
		if len(c.Gaps) > 0 {
			log.WithFields(logger.Fields{
				"path":         c.Path,
				"gaps":         len(c.Gaps),
				"missing_keys": models.CountKeys(c.Gaps, 1),
			}).Debug("tick file has gaps")
		}
		checks = append(checks, c)
	}
	return checks
}

// fetchAggTradeGaps issues one fetch per maximal gap. Ranges the exchange
// could not supply are logged; the tidy re-check reports them.
func (p *Pipeline) fetchAggTradeGaps(ctx context.Context, log *logger.Entry, fetcher RangeFetcher, symbol string, gaps []models.Gap, report *models.Report) []models.AggTrade {
	var fetched []models.AggTrade
	for _, g := range gaps {
		if ctx.Err() != nil {
			break
		}
		res := fetcher.FetchAggTrades(ctx, symbol, g.Start, g.End)
		fetched = append(fetched, res.Records...)
		report.Fetched += len(res.Records)
		if !res.Complete() {
			entry := log.WithFields(logger.Fields{
				"start":         g.Start,
				"end":           g.End,
				"fetched":       len(res.Records),
				"still_missing": models.CountKeys(res.Missing, 1),
			})
			if res.Err != nil {
				entry = entry.WithError(res.Err)
			}
			entry.Warn("gap only partially recovered")
		}
	}
	return fetched
}

// writeMissingAggTrades stores fetched ticks, folding in any missing file an
// earlier run left for the same day.
func (p *Pipeline) writeMissingAggTrades(path string, trades []models.AggTrade) error {
	var earlier []models.AggTrade
	if exists(path) {
		var err error
		if earlier, err = reader.ReadAggTrades(path); err != nil {
			return err
		}
	}
	return writer.WriteAggTrades(path, processor.MergeAggTrades(earlier, trades))
}

func (p *Pipeline) tidyAggTradeDay(ctx context.Context, log *logger.Entry, inst config.Instrument, day string) (string, error) {
	var original, missing []models.AggTrade
	var err error
	// An unreadable raw file was already recorded by the check; the day is
	// rebuilt from what the exchange returned.
	if path := AggTradesFile(p.layout.Raw, inst, day); exists(path) {
		if original, err = reader.ReadAggTrades(path); err != nil {
			log.WithError(err).WithFields(logger.Fields{"path": path}).Warn("raw tick file unreadable, tidying from missing ticks only")
			original = nil
		}
	}
	if path := AggTradesFile(p.layout.Missing, inst, day); exists(path) {
		if missing, err = reader.ReadAggTrades(path); err != nil {
			return "", err
		}
	}

	merged := processor.MergeAggTrades(original, missing)

	out := AggTradesFile(p.layout.Tidy, inst, day)
	if err := writer.WriteAggTrades(out, merged); err != nil {
		return "", err
	}
	logger.LogDataFlowEntry(log, "raw+missing", "tidy", len(merged), datasetAggTrades)
	p.upload(ctx, log, out)
	return out, nil
}
