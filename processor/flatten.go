// Package processor flattens reconstructed ladder states into fixed-width
// rows for columnar export.
package processor

import "ladderflow/models"

// Flatten converts one ladder state into flat rows, one per
// (runner, side, rank) with rank 1 the best price on its side: highest back
// first, lowest lay first, and the traded ladder in ascending price order.
// Runners are emitted in ascending id with backs, then lays, then traded, so
// the output already sorts by (publishTimeMs, runnerId, side, rank). Pure;
// no side effects.
func Flatten(state *models.LadderState) []models.LadderRow {
	if state == nil {
		return nil
	}
	var rows []models.LadderRow
	for _, id := range state.RunnerIDs() {
		r := state.Runners[id]
		rows = appendSide(rows, state, r, models.SideBack, r.Backs)
		rows = appendSide(rows, state, r, models.SideLay, r.Lays)
		rows = appendSide(rows, state, r, models.SideTraded, r.Traded)
	}
	return rows
}

func appendSide(rows []models.LadderRow, state *models.LadderState, r *models.RunnerLadder, side string, levels []models.PriceLevel) []models.LadderRow {
	for i, l := range levels {
		rows = append(rows, models.LadderRow{
			MarketID:      state.MarketID,
			PublishTimeMs: state.PublishTimeMs,
			RunnerID:      r.RunnerID,
			Side:          side,
			Rank:          i + 1,
			Price:         l.Price,
			Volume:        l.Volume,
			TradedVolume:  r.TradedVolume,
			Status:        r.Status,
		})
	}
	return rows
}
