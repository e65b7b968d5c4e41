package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"klineflow/config"
	"klineflow/internal/ledger"
	"klineflow/internal/pipeline"
	"klineflow/logger"
	"klineflow/models"
	"klineflow/writer"
)

const commandGaps = "gaps"

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <command>\n\ncommands:\n", os.Args[0])
	for _, c := range []string{
		pipeline.CommandTidyTrades, pipeline.CommandTidyKlines, pipeline.CommandBuildKlines,
		pipeline.CommandCheckKlines, commandGaps,
	} {
		fmt.Fprintf(flag.CommandLine.Output(), "  %s\n", c)
	}
	fmt.Fprintln(flag.CommandLine.Output(), "\nflags:")
	flag.PrintDefaults()
}

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	shardPath := flag.String("shards", "", "Path to IP shard configuration file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	command := flag.Arg(0)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	if *shardPath != "" {
		shards, err := config.LoadIPShards(*shardPath)
		if err != nil {
			log.WithError(err).Error("failed to load shard configuration")
			return 1
		}
		shards.Apply(cfg)
	}

	runID := ledger.NewRunID()
	mainLog := log.WithComponent("main").WithRun(runID)
	mainLog.WithFields(logger.Fields{
		"service":     cfg.Klineflow.Name,
		"version":     cfg.Klineflow.Version,
		"environment": config.AppEnvironment(),
		"command":     command,
		"instruments": len(cfg.Instruments),
	}).Info("starting klineflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, "")
	}
	if logger.IsReportLevel(cfg.Logging.Level) {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	var book *ledger.Ledger
	if cfg.Ledger.Enabled || command == commandGaps {
		book, err = ledger.Open(cfg.Ledger.Path)
		if err != nil {
			mainLog.WithError(err).Error("failed to open ledger")
			return 1
		}
		defer book.Close()
	}

	if command == commandGaps {
		reports, err := book.Latest(ctx)
		if err != nil {
			mainLog.WithError(err).Error("failed to read ledger")
			return 1
		}
		return printReports(reports)
	}

	var opts []pipeline.Option
	if book != nil {
		opts = append(opts, pipeline.WithRecorder(book))
	}
	if cfg.Storage.S3.Enabled {
		uploader, err := writer.NewUploader(ctx, cfg.Storage.S3, cfg.Klineflow.Version)
		if err != nil {
			mainLog.WithError(err).Error("failed to create S3 uploader")
			return 1
		}
		opts = append(opts, pipeline.WithUploader(uploader))
	} else {
		mainLog.Info("S3 storage disabled; produced files stay local")
	}

	p := pipeline.New(*cfg, runID, opts...)
	reports, err := p.Run(ctx, command, cfg.Instruments)
	if errors.Is(err, pipeline.ErrUnknownCommand) {
		flag.Usage()
		return 2
	}
	if err != nil {
		mainLog.WithError(err).Error("run finished with errors")
	}
	if errors.Is(err, context.Canceled) {
		mainLog.Info("shutdown signal received, run interrupted")
	}

	mainLog.WithFields(logger.Counters()).Info("run counters")
	code := printReports(reports)
	if err != nil {
		code = 1
	}
	return code
}

// printReports writes one line per report and returns the exit code.
func printReports(reports []models.Report) int {
	code := 0
	for _, r := range reports {
		status := "ok"
		if !r.OK() {
			status = "INCOMPLETE"
			code = 1
		}
		fmt.Printf("%-10s %s\n", status, r)
		for _, g := range r.Residual {
			fmt.Printf("           missing %d..%d (%d keys)\n", g.Start, g.End, g.Len(r.Stride))
		}
		for _, f := range r.Failed {
			fmt.Printf("           failed %s\n", f)
		}
		for _, d := range r.Boundaries {
			fmt.Printf("           unresolved day start %s\n", d)
		}
	}
	return code
}
