package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"klineflow/logger"
	"klineflow/models"
)

// Run is one recorded report: one instrument, one dataset, one invocation.
type Run struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"size:36;index"`
	Market       string `gorm:"size:16;index:idx_run_dataset"`
	Symbol       string `gorm:"size:32;index:idx_run_dataset"`
	Dataset      string `gorm:"size:32;index:idx_run_dataset"`
	Stride       int64
	Files        int
	Fetched      int
	ResidualKeys int64
	Failed       string
	OK           bool
	StartedAt    time.Time
	FinishedAt   time.Time
	Gaps         []GapRow      `gorm:"foreignKey:RunRef;constraint:OnDelete:CASCADE"`
	Boundaries   []BoundaryRow `gorm:"foreignKey:RunRef;constraint:OnDelete:CASCADE"`
}

// GapRow is a residual gap left by a run.
type GapRow struct {
	ID       uint `gorm:"primaryKey"`
	RunRef   uint `gorm:"index"`
	StartKey int64
	EndKey   int64
	Keys     int64
}

// BoundaryRow is a day whose leading candles stayed unresolved.
type BoundaryRow struct {
	ID     uint   `gorm:"primaryKey"`
	RunRef uint   `gorm:"index"`
	Day    string `gorm:"size:10"`
}

// Ledger stores run reports in SQLite.
type Ledger struct {
	db  *gorm.DB
	log *logger.Entry
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Ledger, error) {
	log := logger.GetLogger().WithComponent("ledger")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.WithFields(logger.Fields{"path": path}).Info("ledger database does not exist, creating it")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Run{}, &GapRow{}, &BoundaryRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	log.WithFields(logger.Fields{"path": path}).Info("ledger opened")
	return &Ledger{db: db, log: log}, nil
}

// Close releases the underlying connection.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewRunID returns a fresh id shared by every report of one invocation.
func NewRunID() string { return uuid.NewString() }

// Record stores one report with its residual gaps and unresolved days.
func (l *Ledger) Record(ctx context.Context, report models.Report) error {
	if report.RunID == "" {
		return errors.New("report has no run id")
	}
	run := Run{
		RunID:        report.RunID,
		Market:       report.Market,
		Symbol:       report.Symbol,
		Dataset:      report.Dataset,
		Stride:       report.Stride,
		Files:        report.Files,
		Fetched:      report.Fetched,
		ResidualKeys: report.ResidualKeys(),
		Failed:       strings.Join(report.Failed, "\n"),
		OK:           report.OK(),
		StartedAt:    report.Started.UTC(),
		FinishedAt:   report.Finished.UTC(),
	}
	for _, g := range report.Residual {
		run.Gaps = append(run.Gaps, GapRow{StartKey: g.Start, EndKey: g.End, Keys: g.Len(report.Stride)})
	}
	for _, day := range report.Boundaries {
		run.Boundaries = append(run.Boundaries, BoundaryRow{Day: day})
	}

	if err := l.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("record run %s: %w", report.RunID, err)
	}
	l.log.WithRun(report.RunID).WithFields(logger.Fields{
		"symbol":        report.Symbol,
		"dataset":       report.Dataset,
		"residual_gaps": len(run.Gaps),
		"boundaries":    len(run.Boundaries),
	}).Debug("report recorded")
	return nil
}

// Latest returns the reports of the most recent run, rebuilt from the stored
// rows. It returns nil when the ledger is empty.
func (l *Ledger) Latest(ctx context.Context) ([]models.Report, error) {
	var last Run
	err := l.db.WithContext(ctx).Order("id desc").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest run: %w", err)
	}

	var runs []Run
	err = l.db.WithContext(ctx).
		Preload("Gaps", func(db *gorm.DB) *gorm.DB { return db.Order("start_key asc") }).
		Preload("Boundaries", func(db *gorm.DB) *gorm.DB { return db.Order("day asc") }).
		Where("run_id = ?", last.RunID).
		Order("id asc").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", last.RunID, err)
	}

	reports := make([]models.Report, 0, len(runs))
	for _, r := range runs {
		reports = append(reports, r.report())
	}
	return reports, nil
}

func (r Run) report() models.Report {
	rep := models.Report{
		RunID:    r.RunID,
		Market:   r.Market,
		Symbol:   r.Symbol,
		Dataset:  r.Dataset,
		Stride:   r.Stride,
		Files:    r.Files,
		Fetched:  r.Fetched,
		Started:  r.StartedAt,
		Finished: r.FinishedAt,
	}
	if r.Failed != "" {
		rep.Failed = strings.Split(r.Failed, "\n")
	}
	for _, g := range r.Gaps {
		rep.Residual = append(rep.Residual, models.Gap{Start: g.StartKey, End: g.EndKey})
	}
	for _, b := range r.Boundaries {
		rep.Boundaries = append(rep.Boundaries, b.Day)
	}
	return rep
}
