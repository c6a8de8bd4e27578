package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"ladderflow/config"
	"ladderflow/logger"
	"ladderflow/models"
	"ladderflow/processor"
	"ladderflow/replay"
	"ladderflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	inputPath := flag.String("input", "", "Record log to convert (required)")
	outputDir := flag.String("output", "", "Override the export directory from the config file")

	flag.Parse()

	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: convert -input <record log> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if *outputDir != "" {
		cfg.Export.OutputDir = *outputDir
	}

	log.WithFields(logger.Fields{
		"service": cfg.Ladderflow.Name,
		"version": cfg.Ladderflow.Version,
		"input":   *inputPath,
	}).Info("starting conversion")

	in, err := os.Open(*inputPath)
	if err != nil {
		log.WithError(err).Error("failed to open record log")
		os.Exit(1)
	}
	defer in.Close()

	var (
		rows     []models.LadderRow
		marketID string
		states   int
	)

	replayErr := replay.New(in).All(func(state *models.LadderState) error {
		marketID = state.MarketID
		rows = append(rows, processor.Flatten(state)...)
		states++
		return nil
	})

	var exportErr *replay.ExportError
	if replayErr != nil && !errors.As(replayErr, &exportErr) {
		log.WithError(replayErr).Error("replay failed")
		os.Exit(1)
	}

	if exportErr != nil {
		log.WithError(exportErr).WithFields(logger.Fields{
			"last_good_seq": exportErr.LastGoodSeq,
		}).Error("record log is corrupt, exporting states before the corruption")
	}

	if states == 0 {
		log.Error("record log contains no usable states")
		os.Exit(1)
	}

	batch := models.ExportBatch{
		BatchID:     uuid.New().String(),
		MarketID:    marketID,
		Rows:        rows,
		RecordCount: len(rows),
		ProducedAt:  time.Now().UTC(),
	}

	stem := strings.TrimSuffix(filepath.Base(*inputPath), filepath.Ext(*inputPath))
	path, err := writer.NewExportWriter(cfg).WriteFile(stem, batch)
	if err != nil {
		log.WithError(err).Error("failed to write parquet export")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"path":   path,
		"states": states,
		"rows":   len(rows),
	}).Info("conversion finished")
	logger.LogDataFlowEntry(log.WithComponent("convert"), *inputPath, path, len(rows), "ladder_rows")

	if cfg.Storage.S3.Enabled {
		if err := uploadExport(cfg, path, batch); err != nil {
			log.WithError(err).Error("failed to upload export")
			os.Exit(1)
		}
	}

	if exportErr != nil {
		os.Exit(1)
	}
}

func uploadExport(cfg *config.Config, path string, batch models.ExportBatch) error {
	uploader, err := writer.NewUploader(cfg)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	key := uploader.ObjectKey(batch.MarketID, filepath.Base(path), batch.ProducedAt)
	return uploader.Upload(ctx, key, data)
}
