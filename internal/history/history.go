package history

import (
	"context"
	"time"

	"github.com/kalder/reach/internal/channel"
)

// SendRecord is one committed send for a recipient. Records feed the
// recency and frequency checks and are the durable form of a scheduled
// message.
type SendRecord struct {
	MessageID   string          `json:"message_id"`
	RecipientID string          `json:"recipient_id"`
	CampaignID  string          `json:"campaign_id"`
	Channel     channel.Channel `json:"channel"`
	Fingerprint string          `json:"fingerprint"`
	SentAt      time.Time       `json:"sent_at"`
}

// Filter narrows a RecentSends query. Zero fields match everything.
type Filter struct {
	Channel     channel.Channel
	CampaignID  string
	Fingerprint string
}

// Store is the dedup/frequency history contract. Reserve/Commit/Release
// implement the two-phase reservation: a passing dedup check tentatively
// holds the recipient/channel slot until the pipeline either commits a
// record or aborts.
type Store interface {
	// RecentSends returns commits for the recipient since the given
	// time, newest first, matching the filter.
	RecentSends(ctx context.Context, recipientID string, since time.Time, f Filter) ([]*SendRecord, error)

	// Reserve tentatively claims a dedup key. It fails with
	// ErrReserved while an unexpired reservation or a committed record
	// holds the key.
	Reserve(ctx context.Context, key string, ttl time.Duration) (Token, error)

	// Commit converts a reservation into a durable send record.
	Commit(ctx context.Context, token Token, rec *SendRecord) error

	// Release drops a reservation without recording a send.
	Release(ctx context.Context, token Token) error

	Close() error
}

// Token identifies a live reservation.
type Token struct {
	Key string
	ID  string
}
