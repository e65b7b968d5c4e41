package pipeline

import (
	"context"
	"fmt"
	"time"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"
	"klineflow/reader/binance"
)

// RangeFetcher retrieves closed key ranges from the exchange.
type RangeFetcher interface {
	FetchAggTrades(ctx context.Context, symbol string, start, end int64) models.FetchResult[models.AggTrade]
	FetchKlines(ctx context.Context, symbol string, intervalMs, startOpen, endOpen int64) models.FetchResult[models.Kline]
}

// FetcherFactory builds the fetcher for one instrument.
type FetcherFactory func(inst config.Instrument) (RangeFetcher, error)

// Uploader publishes a produced file under its path relative to root.
type Uploader interface {
	UploadFile(ctx context.Context, root, file string) error
}

// Recorder keeps reports beyond the process lifetime.
type Recorder interface {
	Record(ctx context.Context, report models.Report) error
}

// Pipeline runs the tidy and candle stages for configured instruments.
type Pipeline struct {
	layout   Layout
	data     config.DataConfig
	agg      config.AggregationConfig
	workers  int
	runID    string
	fetchers FetcherFactory
	uploader Uploader
	recorder Recorder
	log      *logger.Log
}

type Option func(*Pipeline)

func WithFetcherFactory(f FetcherFactory) Option { return func(p *Pipeline) { p.fetchers = f } }

func WithUploader(u Uploader) Option { return func(p *Pipeline) { p.uploader = u } }

func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

// New builds a pipeline from the loaded configuration. Without a fetcher
// factory option instruments are fetched from Binance.
func New(cfg config.Config, runID string, opts ...Option) *Pipeline {
	p := &Pipeline{
		layout:  NewLayout(cfg.Data),
		data:    cfg.Data,
		agg:     cfg.Aggregation,
		workers: cfg.Dispatch.MaxWorkers,
		runID:   runID,
		log:     logger.GetLogger(),
	}
	source := cfg.Source.Binance
	p.fetchers = func(inst config.Instrument) (RangeFetcher, error) {
		f, err := binance.NewFetcher(source, inst)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Layout() Layout { return p.layout }

func (p *Pipeline) entry(stage string, inst config.Instrument) *logger.Entry {
	return p.log.WithComponent("pipeline."+stage).WithRun(p.runID).WithFields(logger.Fields{
		"market": inst.Market,
		"symbol": inst.Symbol,
	})
}

func (p *Pipeline) newReport(inst config.Instrument, dataset string, stride int64) models.Report {
	return models.Report{
		RunID:   p.runID,
		Market:  inst.Market,
		Symbol:  inst.Symbol,
		Dataset: dataset,
		Stride:  stride,
		Started: time.Now(),
	}
}

// finish stamps the report, publishes its counters and records it.
func (p *Pipeline) finish(ctx context.Context, log *logger.Entry, report *models.Report) {
	report.Finished = time.Now()
	logger.AddResidualKeys(report.ResidualKeys())

	fields := logger.Fields{
		"dataset":       report.Dataset,
		"files":         report.Files,
		"fetched":       report.Fetched,
		"residual_keys": report.ResidualKeys(),
		"residual_gaps": len(report.Residual),
		"boundaries":    len(report.Boundaries),
		"failed":        len(report.Failed),
		"duration_ms":   report.Finished.Sub(report.Started).Milliseconds(),
	}
	if report.OK() {
		log.WithFields(fields).Info("stage completed")
	} else {
		log.WithFields(fields).Warn("stage completed with residual problems")
	}

	if p.recorder == nil {
		return
	}
	// The ledger must see the report even when the run was cancelled.
	if err := p.recorder.Record(context.WithoutCancel(ctx), *report); err != nil {
		log.WithError(err).Error("failed to record report")
	}
}

func (p *Pipeline) upload(ctx context.Context, log *logger.Entry, path string) {
	if p.uploader == nil {
		return
	}
	if err := p.uploader.UploadFile(ctx, p.layout.Root, path); err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Warn("upload failed")
	}
}

// tidyRange decides which source days a tidy stage reads. An explicit start
// date also pulls in the day before it. Without one, check_exist resumes from
// the newest tidy file, which is re-tidied so the seam is checked.
func (p *Pipeline) tidyRange(tidyFiles []dayFile) DateRange {
	r := DateRange{From: p.data.StartDate, To: p.data.EndDate}
	if r.From != "" {
		return r.widen()
	}
	if p.data.CheckExist && len(tidyFiles) > 0 {
		r.From = tidyFiles[len(tidyFiles)-1].Day
	}
	return r
}

func (p *Pipeline) candleExt() string {
	if p.data.OutputFormat == "parquet" {
		return "parquet"
	}
	return "csv"
}

func failure(path string, err error) string {
	return fmt.Sprintf("%s: %v", path, err)
}
