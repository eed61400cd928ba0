// Package transcript persists committed conversation turns.
package transcript

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("transcript: not found")

// TurnRecord is one persisted exchange: the committed user utterance and the
// assistant reply spoken for it.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserText    string    `json:"user_text"`
	ReplyText   string    `json:"reply_text"`
	CommittedAt time.Time `json:"committed_at"`
}

// Store is the persistence surface. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveTurn(ctx context.Context, rec TurnRecord) error
	RecentTurns(ctx context.Context, limit int) ([]TurnRecord, error)
	Close()
}
