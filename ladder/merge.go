// Package ladder implements the merge algorithm that folds image and delta
// change messages into a market's reconstructed ladder state. The engine is
// pure: it performs no I/O and touches nothing beyond the state it is handed,
// so the live session and the offline replayer share it verbatim.
package ladder

import (
	"fmt"

	"ladderflow/models"
)

// Result classifies the outcome of applying one message.
type Result int

const (
	// Applied means the state advanced and a record should be emitted.
	Applied Result = iota
	// Duplicate means the sequence number did not advance; the message was
	// discarded without touching the state.
	Duplicate
	// PendingImage means a delta arrived before any image; the state was not
	// touched and the caller may buffer the message.
	PendingImage
	// Heartbeat means the message carried no ladder state.
	Heartbeat
	// Skipped means the message carried no change for this market.
	Skipped
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case PendingImage:
		return "pending_image"
	case Heartbeat:
		return "heartbeat"
	default:
		return "skipped"
	}
}

// Engine merges change messages into ladder state. The zero value is ready
// to use.
type Engine struct{}

// Apply merges msg into state. Images replace the full runner set; deltas
// patch levels by (side, price) with zero volume removing a level and
// overwrite only the scalar fields they carry. Messages whose sequence
// number does not exceed the last accepted one are reported as Duplicate and
// leave the state untouched, as do deltas arriving before the first image.
func (Engine) Apply(state *models.LadderState, msg *models.MarketChangeMessage) (Result, error) {
	if state == nil || msg == nil {
		return Skipped, fmt.Errorf("ladder: nil state or message")
	}
	if msg.IsHeartbeat() {
		return Heartbeat, nil
	}

	change := changeFor(msg, state.MarketID)
	if change == nil {
		return Skipped, nil
	}
	if msg.Seq <= state.Seq {
		return Duplicate, nil
	}

	isImage := msg.IsImage(state.MarketID)
	if !isImage && !state.ImageComplete {
		return PendingImage, nil
	}

	if isImage {
		applyImage(state, change)
	} else {
		applyDelta(state, change)
	}

	state.Seq = msg.Seq
	state.PublishTimeMs = msg.PublishTime
	return Applied, nil
}

func changeFor(msg *models.MarketChangeMessage, marketID string) *models.MarketChange {
	for i := range msg.Changes {
		if msg.Changes[i].MarketID == marketID {
			return &msg.Changes[i]
		}
	}
	return nil
}

// applyImage rebuilds the runner map from the change. Runners absent from
// the image are dropped: a runner only exists while the latest image or a
// later delta still references it.
func applyImage(state *models.LadderState, change *models.MarketChange) {
	state.Runners = make(map[int64]*models.RunnerLadder)
	state.TradedVolume = 0
	state.ImageComplete = true
	applyDelta(state, change)
}

func applyDelta(state *models.LadderState, change *models.MarketChange) {
	if change.TradedVolume != nil {
		state.TradedVolume = *change.TradedVolume
	}
	if def := change.MarketDefinition; def != nil {
		if def.Status != "" {
			state.MarketStatus = def.Status
		}
		if def.InPlay != nil {
			state.InPlay = *def.InPlay
		}
		for _, rd := range def.Runners {
			r := state.Runner(rd.ID)
			if rd.Status != "" {
				r.Status = rd.Status
			}
		}
	}
	for i := range change.RunnerChanges {
		applyRunnerChange(state, &change.RunnerChanges[i])
	}
}

func applyRunnerChange(state *models.LadderState, rc *models.RunnerChange) {
	r := state.Runner(rc.ID)
	if rc.TradedVolume != nil {
		r.TradedVolume = *rc.TradedVolume
	}
	if rc.LastPriceTraded != nil {
		r.LastPriceTraded = *rc.LastPriceTraded
	}
	patchLevels(r, models.SideBack, rc.AvailableToBack)
	patchLevels(r, models.SideLay, rc.AvailableToLay)
	patchLevels(r, models.SideTraded, rc.Traded)
}

// patchLevels applies [price, volume] pairs to one side. Zero volume is a
// tombstone: the level is removed, never stored at zero.
func patchLevels(r *models.RunnerLadder, side string, pairs [][]float64) {
	for _, p := range pairs {
		if len(p) < 2 {
			continue
		}
		price, volume := p[0], p[1]
		if volume == 0 {
			r.RemoveLevel(side, price)
		} else {
			r.SetLevel(side, price, volume)
		}
	}
}
