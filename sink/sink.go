// Package sink persists state transition records. The file sink is the
// durable, replayable log; the kafka sink is an optional fan-out for
// downstream consumers. Appends from one session are order preserving.
package sink

import (
	"context"
	"errors"
	"fmt"

	"ladderflow/models"
)

// ErrClosed is returned by appends after Close.
var ErrClosed = errors.New("sink: closed")

// SinkError wraps a write failure. Sessions treat it as fatal because
// durability can no longer be guaranteed.
type SinkError struct {
	Op  string
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink: %s: %v", e.Op, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// EventSink accepts state transition records. Implementations must preserve
// the order of appends made by a single session and be safe for independent
// sessions writing to their own sink instances.
type EventSink interface {
	Append(ctx context.Context, rec models.StateTransitionRecord) error
	Flush() error
	Close() error
}
