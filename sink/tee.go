package sink

import (
	"context"

	"ladderflow/models"
)

// Tee fans appends out to several sinks in order. Any failure is returned
// immediately: a session cannot claim durability once one leg has failed.
type Tee []EventSink

// NewTee composes sinks; the first is conventionally the authoritative log.
func NewTee(sinks ...EventSink) Tee { return Tee(sinks) }

func (t Tee) Append(ctx context.Context, rec models.StateTransitionRecord) error {
	for _, s := range t {
		if err := s.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Flush() error {
	for _, s := range t {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
