package reader

import (
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"klineflow/models"
)

// ReadKlinesParquet reads a candle file written in parquet format.
func ReadKlinesParquet(path string) ([]models.Kline, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(models.KlineRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("open parquet reader for %s: %w", path, err)
	}
	defer pr.ReadStop()

	rows := make([]models.KlineRecord, int(pr.GetNumRows()))
	if len(rows) == 0 {
		return nil, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	klines := make([]models.Kline, 0, len(rows))
	for _, r := range rows {
		k, err := r.Kline()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// ReadKlineFile reads a candle file in either format, chosen by extension.
func ReadKlineFile(path string) ([]models.Kline, error) {
	if strings.HasSuffix(path, ".parquet") {
		return ReadKlinesParquet(path)
	}
	return ReadKlines(path)
}
