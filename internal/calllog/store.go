package calllog

import (
	"context"
	"errors"
)

// Store is the persistence contract for call history.
//
// The bridging core only ever moves status forward (ringing -> in-progress
// -> completed) and fills EndedAt/DurationSeconds; it never deletes rows.
type Store interface {
	Create(ctx context.Context, e Entry) (Entry, error)

	// GetByCallSID looks an entry up by the carrier call identifier.
	// Absence is not an error; abrupt streams may have no log entry.
	GetByCallSID(ctx context.Context, callSID string) (Entry, bool, error)

	Update(ctx context.Context, id string, upd Update) error
}

var (
	ErrNotFound        = errors.New("call log entry not found")
	ErrInvalidArgument = errors.New("invalid argument")
)
