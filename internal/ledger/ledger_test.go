package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klineflow/models"
)

func openTemp(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLatestEmpty(t *testing.T) {
	l := openTemp(t)
	reports, err := l.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, reports)
}

func TestRecordAndLatest(t *testing.T) {
	l := openTemp(t)
	ctx := context.Background()
	started := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	first := NewRunID()
	require.NoError(t, l.Record(ctx, models.Report{
		RunID: first, Market: "spot", Symbol: "BTCUSDT", Dataset: "aggTrades", Stride: 1,
		Residual: []models.Gap{{Start: 10, End: 12}},
		Started:  started, Finished: started.Add(time.Minute),
	}))

	second := NewRunID()
	require.NotEqual(t, first, second)
	require.NoError(t, l.Record(ctx, models.Report{
		RunID: second, Market: "spot", Symbol: "BTCUSDT", Dataset: "klines-1m", Stride: 60000,
		Residual:   []models.Gap{{Start: 120000, End: 240000}, {Start: 0, End: 0}},
		Boundaries: []string{"2024-01-03", "2024-01-02"},
		Failed:     []string{"a.csv: boom"},
		Started:    started, Finished: started.Add(time.Minute),
	}))
	require.NoError(t, l.Record(ctx, models.Report{
		RunID: second, Market: "futures/um", Symbol: "ETHUSDT", Dataset: "aggTrades", Stride: 1,
		Started: started, Finished: started,
	}))

	reports, err := l.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	got := reports[0]
	assert.Equal(t, second, got.RunID)
	assert.Equal(t, "klines-1m", got.Dataset)
	assert.Equal(t, []models.Gap{{Start: 0, End: 0}, {Start: 120000, End: 240000}}, got.Residual)
	assert.Equal(t, []string{"2024-01-02", "2024-01-03"}, got.Boundaries)
	assert.Equal(t, []string{"a.csv: boom"}, got.Failed)
	assert.Equal(t, int64(4), got.ResidualKeys())
	assert.False(t, got.OK())

	assert.Equal(t, "ETHUSDT", reports[1].Symbol)
	assert.True(t, reports[1].OK())
}

func TestRecordRequiresRunID(t *testing.T) {
	l := openTemp(t)
	if err := l.Record(context.Background(), models.Report{Symbol: "BTCUSDT"}); err == nil {
		t.Fatalf("expected error for report without run id")
	}
}
