package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kalder/reach/internal/channel"
)

var (
	bucketSends        = []byte("sends")         // recipient index: recipient_id/ts/message_id -> record
	bucketReservations = []byte("reservations")  // dedup key -> reservation
)

// ErrReserved is returned by Reserve when the key is already held.
var ErrReserved = errors.New("dedup key already reserved")

type reservation struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	Committed bool      `json:"committed"`
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens the history database, creating it if needed.
func NewBoltStore(path string, now func() time.Time) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSends, bucketReservations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if now == nil {
		now = time.Now
	}
	return &BoltStore{db: db, now: now}, nil
}

// RecentSends returns commits for the recipient since the given time,
// newest first.
func (s *BoltStore) RecentSends(ctx context.Context, recipientID string, since time.Time, f Filter) ([]*SendRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*SendRecord
	prefix := []byte(recipientID + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSends).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec SendRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.SentAt.Before(since) {
				continue
			}
			if !f.matches(&rec) {
				continue
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Index keys are time-ascending; callers want newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (f Filter) matches(rec *SendRecord) bool {
	if f.Channel != "" && rec.Channel != f.Channel {
		return false
	}
	if f.CampaignID != "" && rec.CampaignID != f.CampaignID {
		return false
	}
	if f.Fingerprint != "" && rec.Fingerprint != f.Fingerprint {
		return false
	}
	return true
}

// Reserve tentatively claims a dedup key until ttl elapses. Expired
// reservations are claimable again so crashed pipelines self-heal.
func (s *BoltStore) Reserve(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	token := Token{Key: key, ID: uuid.New().String()}
	now := s.now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReservations)
		if data := bucket.Get([]byte(key)); data != nil {
			var r reservation
			if err := json.Unmarshal(data, &r); err == nil {
				if r.Committed || now.Before(r.ExpiresAt) {
					return ErrReserved
				}
			}
		}

		r := reservation{ID: token.ID, Key: key, ExpiresAt: now.Add(ttl)}
		data, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation: %w", err)
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return Token{}, err
	}
	return token, nil
}

// Commit converts the reservation into a durable send record.
func (s *BoltStore) Commit(ctx context.Context, token Token, rec *SendRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		resBucket := tx.Bucket(bucketReservations)
		data := resBucket.Get([]byte(token.Key))
		if data == nil {
			return fmt.Errorf("reservation not found for key %s", token.Key)
		}
		var r reservation
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("failed to unmarshal reservation: %w", err)
		}
		if r.ID != token.ID {
			return fmt.Errorf("reservation for key %s held by another request", token.Key)
		}

		r.Committed = true
		resData, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation: %w", err)
		}
		if err := resBucket.Put([]byte(token.Key), resData); err != nil {
			return err
		}

		recData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal send record: %w", err)
		}
		indexKey := makeIndexKey(rec.RecipientID, rec.SentAt, rec.MessageID)
		return tx.Bucket(bucketSends).Put(indexKey, recData)
	})
}

// Release drops the reservation without recording a send.
func (s *BoltStore) Release(ctx context.Context, token Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReservations)
		data := bucket.Get([]byte(token.Key))
		if data == nil {
			return nil
		}
		var r reservation
		if err := json.Unmarshal(data, &r); err != nil {
			return nil
		}
		if r.ID != token.ID || r.Committed {
			return nil
		}
		return bucket.Delete([]byte(token.Key))
	})
}

// Cleanup removes send records older than maxAge and expired
// uncommitted reservations. Returns the number of entries removed.
func (s *BoltStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSends).Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec SendRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.SentAt.Before(cutoff) {
				stale = append(stale, append([]byte{}, k...))
			}
		}
		sends := tx.Bucket(bucketSends)
		for _, k := range stale {
			if err := sends.Delete(k); err != nil {
				return err
			}
			removed++
		}

		rc := tx.Bucket(bucketReservations).Cursor()
		var expired [][]byte
		now := s.now()
		for k, v := rc.First(); k != nil; k, v = rc.Next() {
			var r reservation
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if !r.Committed && now.After(r.ExpiresAt) {
				expired = append(expired, append([]byte{}, k...))
			}
			if r.Committed && r.ExpiresAt.Before(cutoff) {
				expired = append(expired, append([]byte{}, k...))
			}
		}
		reservations := tx.Bucket(bucketReservations)
		for _, k := range expired {
			if err := reservations.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})

	return removed, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DedupKey derives the reservation key for one potential send.
func DedupKey(recipientID string, ch channel.Channel, fingerprint, campaignID string) string {
	return recipientID + ":" + string(ch) + ":" + fingerprint + ":" + campaignID
}

// makeIndexKey builds a per-recipient, time-ordered key.
func makeIndexKey(recipientID string, t time.Time, messageID string) []byte {
	return []byte(recipientID + "/" + t.UTC().Format(time.RFC3339Nano) + "/" + messageID)
}
