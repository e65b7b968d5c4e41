package pipeline

import (
	"context"
	"errors"
	"fmt"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"
)

// Commands accepted by Run.
const (
	CommandTidyTrades  = "tidy-trades"
	CommandTidyKlines  = "tidy-klines"
	CommandBuildKlines = "build-klines"
	CommandCheckKlines = "check-klines"
)

var ErrUnknownCommand = errors.New("unknown command")

type intervalStage func(context.Context, config.Instrument, int64) (models.Report, error)

// Run executes command for every instrument. A failing instrument does not
// stop the others; its error is joined into the returned error and its report
// is still returned.
func (p *Pipeline) Run(ctx context.Context, command string, instruments []config.Instrument) ([]models.Report, error) {
	switch command {
	case CommandTidyTrades:
		return p.runTrades(ctx, instruments)
	case CommandTidyKlines:
		return p.runIntervals(ctx, instruments, p.TidyKlines, true)
	case CommandBuildKlines:
		return p.runIntervals(ctx, instruments, p.BuildKlines, false)
	case CommandCheckKlines:
		return p.runIntervals(ctx, instruments, p.CheckKlines, true)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func (p *Pipeline) runTrades(ctx context.Context, instruments []config.Instrument) ([]models.Report, error) {
	var reports []models.Report
	var errs []error
	for _, inst := range instruments {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report, err := p.TidyAggTrades(ctx, inst)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst, err))
		}
	}
	return reports, errors.Join(errs...)
}

// runIntervals runs stage once per configured interval. With exchangeOnly set,
// intervals the exchange does not publish are skipped.
func (p *Pipeline) runIntervals(ctx context.Context, instruments []config.Instrument, stage intervalStage, exchangeOnly bool) ([]models.Report, error) {
	log := p.log.WithComponent("pipeline").WithRun(p.runID)
	var reports []models.Report
	var errs []error
	for _, inst := range instruments {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		intervals, err := Intervals(inst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, ms := range intervals {
			if exchangeOnly {
				if _, err := inst.BinanceInterval(ms); err != nil {
					log.WithFields(logger.Fields{
						"symbol":   inst.Symbol,
						"interval": config.IntervalName(ms),
					}).Debug("interval is not published by the exchange, skipping")
					continue
				}
			}
			report, err := stage(ctx, inst, ms)
			reports = append(reports, report)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", inst, config.IntervalName(ms), err))
			}
		}
	}
	return reports, errors.Join(errs...)
}
