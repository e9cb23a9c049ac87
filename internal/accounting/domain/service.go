package domain

import (
	"context"
	"errors"
)

type Service interface {
	// Ingest applies one accounting event. It errors only when the event
	// could not be recorded at all.
	Ingest(ctx context.Context, ev Event) (Result, error)
	DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
}

var ErrInvalidEvent = errors.New("invalid_event")
