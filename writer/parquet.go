package writer

import (
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"klineflow/models"
)

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// WriteKlinesParquet writes candles as a parquet file.
func WriteKlinesParquet(path string, klines []models.Kline, compression string) error {
	return writeAtomic(path, func(tmp string) error {
		fw, err := local.NewLocalFileWriter(tmp)
		if err != nil {
			return fmt.Errorf("failed to create parquet file: %w", err)
		}

		pw, err := writer.NewParquetWriter(fw, new(models.KlineRecord), 4)
		if err != nil {
			fw.Close()
			return fmt.Errorf("failed to create parquet writer: %w", err)
		}
		pw.CompressionType = compressionCodec(compression)

		for _, k := range klines {
			if err := pw.Write(k.Record()); err != nil {
				pw.WriteStop()
				fw.Close()
				return fmt.Errorf("failed to write parquet record: %w", err)
			}
		}
		if err := pw.WriteStop(); err != nil {
			fw.Close()
			return fmt.Errorf("failed to finalize parquet writing: %w", err)
		}
		return fw.Close()
	})
}

// WriteKlineFile writes candles in the format implied by the extension.
func WriteKlineFile(path string, klines []models.Kline, compression string) error {
	if strings.HasSuffix(path, ".parquet") {
		return WriteKlinesParquet(path, klines, compression)
	}
	return WriteKlines(path, klines)
}
