package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `klineflow:
  name: "TestApp"
  version: "1.0"
data:
  root_dir: "/tmp/klineflow"
dispatch:
  max_workers: 2
instruments:
  - market: "spot"
    symbol: "BTCUSDT"
    intervals: ["1m", "100ms"]
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("KLINEFLOW_DATA_DIR", "")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "TestApp", cfg.Klineflow.Name)
	assert.Equal(t, 2, cfg.Dispatch.MaxWorkers)
	assert.Equal(t, "/tmp/klineflow", cfg.Data.RootDir)
	// defaults survive a partial file
	assert.Equal(t, "csv", cfg.Data.OutputFormat)
	assert.Equal(t, int32(10), cfg.Aggregation.DecimalPlaces)
	assert.Equal(t, 1000, cfg.Source.Binance.PageLimit)
	assert.Equal(t, 500*time.Millisecond, cfg.Source.Binance.Retry.BaseDelay)
	require.Len(t, cfg.Instruments, 1)
	assert.Equal(t, "BTCUSDT", cfg.Instruments[0].Symbol)
}

func TestLoadConfigDataDirOverride(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("KLINEFLOW_DATA_DIR", "/data")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.Data.RootDir)
}

func TestLoadConfigRejectsBadInterval(t *testing.T) {
	t.Setenv("APP_ENV", "")
	content := `klineflow:
  name: "TestApp"
  version: "1.0"
instruments:
  - market: "spot"
    symbol: "BTCUSDT"
    intervals: ["7m"]
`
	_, err := LoadConfig(writeTempConfig(t, content))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInstrument))
}

func TestLoadConfigProductionRequiresLedger(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	_, err := LoadConfig(writeTempConfig(t, minimalConfig))
	require.Error(t, err)
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		ms   int64
		fail bool
	}{
		{"100ms", 100, false},
		{"1s", 1000, false},
		{"1m", 60_000, false},
		{"4h", 14_400_000, false},
		{"24h", 86_400_000, false},
		{"7m", 0, true},
		{"1500us", 0, true},
		{"abc", 0, true},
	}
	for _, c := range cases {
		ms, err := ParseInterval(c.in)
		if c.fail {
			if err == nil {
				t.Errorf("ParseInterval(%q) expected error", c.in)
			}
			continue
		}
		if err != nil || ms != c.ms {
			t.Errorf("ParseInterval(%q) = %d, %v; want %d", c.in, ms, err, c.ms)
		}
	}
}

func TestBinanceInterval(t *testing.T) {
	spot := Instrument{Market: MarketSpot, Symbol: "BTCUSDT"}
	um := Instrument{Market: MarketFuturesUM, Symbol: "BTCUSDT"}

	name, err := spot.BinanceInterval(1000)
	require.NoError(t, err)
	assert.Equal(t, "1s", name)

	_, err = um.BinanceInterval(1000)
	assert.ErrorIs(t, err, ErrInvalidInstrument)

	_, err = spot.BinanceInterval(100)
	assert.ErrorIs(t, err, ErrInvalidInstrument)

	assert.Equal(t, "100ms", IntervalName(100))
	assert.Equal(t, "15m", IntervalName(15*60_000))
}

func TestLoadIPShards(t *testing.T) {
	content := `shards:
- ip: "1.1.1.1"
  instruments:
    - market: "spot"
      symbol: "ETHUSDT"
      intervals: ["1m"]
    - market: "spot"
      symbol: "BTCUSDT"
`
	path := writeTempConfig(t, content)
	shards, err := LoadIPShards(path)
	if err != nil {
		t.Fatalf("LoadIPShards failed: %v", err)
	}
	if len(shards.Shards) != 1 || shards.Shards[0].IP != "1.1.1.1" {
		t.Fatalf("unexpected shards: %+v", shards)
	}

	cfg := Default()
	cfg.Instruments = []Instrument{{Market: MarketSpot, Symbol: "BTCUSDT"}}
	shards.Apply(&cfg)
	if len(cfg.Instruments) != 2 {
		t.Fatalf("expected 2 instruments, got %d", len(cfg.Instruments))
	}
	if cfg.Instruments[0].LocalIP != "" || cfg.Instruments[1].LocalIP != "1.1.1.1" {
		t.Errorf("unexpected local IPs: %+v", cfg.Instruments)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "Prod")
	if AppEnvironment() != EnvironmentProduction {
		t.Fatalf("expected production, got %s", AppEnvironment())
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatalf("production must be production-like")
	}
	if IsProductionLike(EnvironmentDevelopment) {
		t.Fatalf("development must not be production-like")
	}
}
