// Package replay rebuilds the ladder timeline from a persisted record log by
// feeding every record through the same merge engine the live session used.
// Given the same records it reproduces the same state sequence, which is what
// makes the offline conversion trustworthy.
package replay

import (
	"encoding/json"
	"fmt"
	"io"

	"ladderflow/ladder"
	"ladderflow/logger"
	"ladderflow/models"
	"ladderflow/sink"
)

// ExportError reports a malformed or truncated record log. States rebuilt
// before the corruption remain valid; the replay halts at the last good
// record.
type ExportError struct {
	LastGoodSeq int64
	Err         error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("replay: record log broken after seq %d: %v", e.LastGoodSeq, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// Replayer walks a record log and yields the reconstructed state after each
// accepted record. It is single threaded and restartable: build a new
// Replayer over the log to start again.
type Replayer struct {
	scanner *sink.Scanner
	engine  ladder.Engine
	state   *models.LadderState
	log     *logger.Log
}

// New builds a replayer over a record log stream.
func New(r io.Reader) *Replayer {
	return &Replayer{
		scanner: sink.NewScanner(r),
		log:     logger.GetLogger(),
	}
}

// Next returns a deep clone of the state after the next accepted record.
// Duplicate or out-of-order records are skipped exactly as the live path
// skips them. io.EOF marks the clean end of the log; an *ExportError marks
// corruption.
func (r *Replayer) Next() (*models.LadderState, error) {
	for {
		rec, err := r.scanner.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, &ExportError{LastGoodSeq: r.lastSeq(), Err: err}
		}

		if r.state == nil {
			r.state = models.NewLadderState(rec.MarketID)
		}

		var msg models.MarketChangeMessage
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			return nil, &ExportError{LastGoodSeq: r.lastSeq(), Err: fmt.Errorf("decode payload seq %d: %w", rec.Seq, err)}
		}

		res, err := r.engine.Apply(r.state, &msg)
		if err != nil {
			return nil, &ExportError{LastGoodSeq: r.lastSeq(), Err: err}
		}
		switch res {
		case ladder.Applied:
			return r.state.Clone(), nil
		case ladder.Duplicate, ladder.Heartbeat, ladder.Skipped:
			continue
		case ladder.PendingImage:
			// A recorded delta before any image means the log predates the
			// first image; skip it the same way the live session buffers.
			r.log.WithComponent("replay").WithFields(logger.Fields{
				"seq": rec.Seq,
			}).Debug("delta before first image, skipping")
			continue
		}
	}
}

// All drains the replayer, invoking fn per reconstructed state. It stops at
// the first error other than io.EOF and returns it.
func (r *Replayer) All(fn func(*models.LadderState) error) error {
	for {
		state, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
	}
}

func (r *Replayer) lastSeq() int64 {
	if r.state == nil {
		return -1
	}
	return r.state.Seq
}
