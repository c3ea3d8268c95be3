// Package conversation holds per-user transcript state and the prompt
// rendering derived from it. Stores are keyed by user ID; callers must
// respect single-writer-per-key discipline — the dispatcher guarantees it by
// routing all of a user's messages through one worker.
package conversation

import (
	"context"

	"chat-relay/internal/domain"
)

// Store is the conversation state backend consumed by the dispatcher.
// Implementations must keep turns for distinct user IDs fully disjoint and
// must never reorder or truncate a user's turns (whole-conversation eviction
// is allowed).
type Store interface {
	// History returns the user's turns in conversational order. A user that
	// has never been seen yields an empty slice, not an error.
	History(ctx context.Context, userID string) ([]domain.Turn, error)
	// AppendTurn records one completed exchange for the user, creating the
	// conversation on first sight.
	AppendTurn(ctx context.Context, userID string, turn domain.Turn) error
}
