package writer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "ladderflow/config"
	"ladderflow/logger"
	"ladderflow/models"
)

// ParquetRecord represents one row of the exported parquet file. Each row is a
// single price level of a runner ladder at a given publish time.
type ParquetRecord struct {
	MarketID     string  `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PublishTime  int64   `parquet:"name=publish_time, type=INT64"`
	RunnerID     int64   `parquet:"name=runner_id, type=INT64"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rank         int32   `parquet:"name=rank, type=INT32"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Volume       float64 `parquet:"name=volume, type=DOUBLE"`
	TradedVolume float64 `parquet:"name=traded_volume, type=DOUBLE"`
	Status       string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{
		buffer: &bytes.Buffer{},
	}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// For writing, we typically don't need seek functionality
	// This is a simplified implementation
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// ExportWriter encodes flattened ladder rows as parquet and writes them to the
// configured output directory.
type ExportWriter struct {
	config *appconfig.Config
	log    *logger.Log
}

// NewExportWriter constructs an ExportWriter from the application config.
func NewExportWriter(cfg *appconfig.Config) *ExportWriter {
	return &ExportWriter{
		config: cfg,
		log:    logger.GetLogger(),
	}
}

// Encode serialises the batch into a parquet file held in memory and returns
// the raw bytes alongside the file size.
func (w *ExportWriter) Encode(batch models.ExportBatch) ([]byte, int64, error) {
	log := w.log.WithComponent("export_writer").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"market_id":    batch.MarketID,
		"record_count": batch.RecordCount,
		"operation":    "create_parquet_file",
	})
	log.Info("creating parquet file")

	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Export.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range batch.Rows {
		record := ParquetRecord{
			MarketID:     row.MarketID,
			PublishTime:  row.PublishTimeMs,
			RunnerID:     row.RunnerID,
			Side:         row.Side,
			Rank:         int32(row.Rank),
			Price:        row.Price,
			Volume:       row.Volume,
			TradedVolume: row.TradedVolume,
			Status:       row.Status,
		}

		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, 0, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	data := fw.Bytes()

	log.WithFields(logger.Fields{
		"file_size":   len(data),
		"compression": w.config.Export.Compression,
	}).Info("parquet file created successfully")

	return data, int64(len(data)), nil
}

// WriteFile encodes the batch and writes it under the export output directory
// using the provided file stem. It returns the full path of the written file.
func (w *ExportWriter) WriteFile(stem string, batch models.ExportBatch) (string, error) {
	start := time.Now()
	data, size, err := w.Encode(batch)
	if err != nil {
		return "", err
	}
	logger.LogPerformanceEntry(w.log.WithComponent("export_writer"), "export_writer", "encode_parquet",
		time.Since(start), logger.Fields{"record_count": batch.RecordCount})

	dir := w.config.Export.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, stem+".parquet")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write parquet file %s: %w", path, err)
	}

	logger.IncrementExportWrite(size)

	w.log.WithComponent("export_writer").WithFields(logger.Fields{
		"path":         path,
		"file_size":    size,
		"record_count": batch.RecordCount,
	}).Info("parquet file written")

	return path, nil
}
