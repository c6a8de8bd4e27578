package models

import "time"

// LadderRow is one flattened ladder level at one instant. Rows sort by
// (PublishTimeMs, RunnerID, Side, Rank); rank 1 is the best price on its
// side.
type LadderRow struct {
	MarketID      string  `json:"market_id"`
	PublishTimeMs int64   `json:"publish_time_ms"`
	RunnerID      int64   `json:"runner_id"`
	Side          string  `json:"side"`
	Rank          int     `json:"rank"`
	Price         float64 `json:"price"`
	Volume        float64 `json:"volume"`
	TradedVolume  float64 `json:"traded_volume"`
	Status        string  `json:"status"`
}

// ExportBatch groups the rows produced from one record log, ready for the
// parquet writer.
type ExportBatch struct {
	BatchID     string      `json:"batch_id"`
	MarketID    string      `json:"market_id"`
	Rows        []LadderRow `json:"rows"`
	RecordCount int         `json:"record_count"`
	ProducedAt  time.Time   `json:"produced_at"`
}
