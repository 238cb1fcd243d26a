package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalder/reach/internal/channel"
)

func newTestStore(t *testing.T, now func() time.Time) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "history.db"), now)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestReserveCommitRelease(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	key := DedupKey("rec-1", channel.Email, "fp-1", "camp-1")

	token, err := store.Reserve(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	// Second reservation for the same key fails while the first holds it.
	if _, err := store.Reserve(ctx, key, time.Minute); !errors.Is(err, ErrReserved) {
		t.Fatalf("Reserve() second error = %v, want ErrReserved", err)
	}

	rec := &SendRecord{
		MessageID:   "msg-1",
		RecipientID: "rec-1",
		CampaignID:  "camp-1",
		Channel:     channel.Email,
		Fingerprint: "fp-1",
		SentAt:      time.Now().UTC(),
	}
	if err := store.Commit(ctx, token, rec); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// A committed key stays claimed even after its TTL would expire.
	if _, err := store.Reserve(ctx, key, time.Minute); !errors.Is(err, ErrReserved) {
		t.Fatalf("Reserve() after commit error = %v, want ErrReserved", err)
	}

	sends, err := store.RecentSends(ctx, "rec-1", time.Now().Add(-time.Hour), Filter{})
	if err != nil {
		t.Fatalf("RecentSends() error = %v", err)
	}
	if len(sends) != 1 || sends[0].MessageID != "msg-1" {
		t.Fatalf("RecentSends() = %v, want one record msg-1", sends)
	}
}

func TestReleaseFreesKey(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	key := DedupKey("rec-1", channel.WhatsApp, "fp-1", "camp-1")

	token, err := store.Reserve(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := store.Release(ctx, token); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if _, err := store.Reserve(ctx, key, time.Minute); err != nil {
		t.Fatalf("Reserve() after release error = %v", err)
	}

	// Releasing with a stale token must not drop the new holder.
	if err := store.Release(ctx, token); err != nil {
		t.Fatalf("Release() stale error = %v", err)
	}
	if _, err := store.Reserve(ctx, key, time.Minute); !errors.Is(err, ErrReserved) {
		t.Fatalf("Reserve() error = %v, want ErrReserved after stale release", err)
	}
}

func TestReservationExpiry(t *testing.T) {
	current := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	key := DedupKey("rec-1", channel.Email, "fp-1", "camp-1")

	if _, err := store.Reserve(ctx, key, time.Minute); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	current = current.Add(30 * time.Second)
	if _, err := store.Reserve(ctx, key, time.Minute); !errors.Is(err, ErrReserved) {
		t.Fatalf("Reserve() before expiry error = %v, want ErrReserved", err)
	}

	current = current.Add(time.Minute)
	if _, err := store.Reserve(ctx, key, time.Minute); err != nil {
		t.Fatalf("Reserve() after expiry error = %v", err)
	}
}

func TestCommitRequiresMatchingToken(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	key := DedupKey("rec-1", channel.Email, "fp-1", "camp-1")
	if _, err := store.Reserve(ctx, key, time.Minute); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	forged := Token{Key: key, ID: "someone-else"}
	rec := &SendRecord{MessageID: "msg-1", RecipientID: "rec-1", SentAt: time.Now().UTC()}
	if err := store.Commit(ctx, forged, rec); err == nil {
		t.Fatal("Commit() with mismatched token succeeded, want error")
	}
}

func TestRecentSendsFilter(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	commits := []SendRecord{
		{MessageID: "m1", RecipientID: "rec-1", CampaignID: "camp-a", Channel: channel.Email, Fingerprint: "f1", SentAt: base},
		{MessageID: "m2", RecipientID: "rec-1", CampaignID: "camp-a", Channel: channel.WhatsApp, Fingerprint: "f2", SentAt: base.Add(time.Minute)},
		{MessageID: "m3", RecipientID: "rec-1", CampaignID: "camp-b", Channel: channel.Email, Fingerprint: "f1", SentAt: base.Add(2 * time.Minute)},
		{MessageID: "m4", RecipientID: "rec-2", CampaignID: "camp-a", Channel: channel.Email, Fingerprint: "f1", SentAt: base.Add(3 * time.Minute)},
	}
	for i := range commits {
		rec := commits[i]
		key := DedupKey(rec.RecipientID, rec.Channel, rec.Fingerprint, rec.CampaignID)
		token, err := store.Reserve(ctx, key, time.Minute)
		if err != nil {
			t.Fatalf("Reserve(%s) error = %v", rec.MessageID, err)
		}
		if err := store.Commit(ctx, token, &rec); err != nil {
			t.Fatalf("Commit(%s) error = %v", rec.MessageID, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all for recipient", Filter{}, []string{"m3", "m2", "m1"}},
		{"by channel", Filter{Channel: channel.Email}, []string{"m3", "m1"}},
		{"by campaign", Filter{CampaignID: "camp-a"}, []string{"m2", "m1"}},
		{"campaign and fingerprint", Filter{CampaignID: "camp-a", Fingerprint: "f1"}, []string{"m1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.RecentSends(ctx, "rec-1", base.Add(-time.Minute), tt.filter)
			if err != nil {
				t.Fatalf("RecentSends() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("RecentSends() returned %d records, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].MessageID != id {
					t.Errorf("RecentSends()[%d] = %s, want %s", i, got[i].MessageID, id)
				}
			}
		})
	}
}

func TestRecentSendsSinceCutoff(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	base := time.Now().UTC()

	old := SendRecord{MessageID: "old", RecipientID: "rec-1", Channel: channel.Email, Fingerprint: "f1", CampaignID: "c", SentAt: base.Add(-48 * time.Hour)}
	fresh := SendRecord{MessageID: "fresh", RecipientID: "rec-1", Channel: channel.Email, Fingerprint: "f2", CampaignID: "c", SentAt: base.Add(-time.Hour)}
	for _, rec := range []SendRecord{old, fresh} {
		rec := rec
		token, err := store.Reserve(ctx, DedupKey(rec.RecipientID, rec.Channel, rec.Fingerprint, rec.CampaignID), time.Minute)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if err := store.Commit(ctx, token, &rec); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}

	got, err := store.RecentSends(ctx, "rec-1", base.Add(-24*time.Hour), Filter{})
	if err != nil {
		t.Fatalf("RecentSends() error = %v", err)
	}
	if len(got) != 1 || got[0].MessageID != "fresh" {
		t.Fatalf("RecentSends() = %v, want only the fresh record", got)
	}
}

func TestCleanup(t *testing.T) {
	current := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	// One stale committed send, one fresh one, one abandoned reservation.
	stale := SendRecord{MessageID: "stale", RecipientID: "rec-1", Channel: channel.Email, Fingerprint: "f1", CampaignID: "c", SentAt: current.Add(-40 * 24 * time.Hour)}
	fresh := SendRecord{MessageID: "fresh", RecipientID: "rec-1", Channel: channel.Email, Fingerprint: "f2", CampaignID: "c", SentAt: current.Add(-time.Hour)}
	for _, rec := range []SendRecord{stale, fresh} {
		rec := rec
		token, err := store.Reserve(ctx, DedupKey(rec.RecipientID, rec.Channel, rec.Fingerprint, rec.CampaignID), time.Minute)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if err := store.Commit(ctx, token, &rec); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}
	if _, err := store.Reserve(ctx, "abandoned-key", time.Minute); err != nil {
		t.Fatalf("Reserve(abandoned) error = %v", err)
	}

	current = current.Add(2 * time.Minute)
	removed, err := store.Cleanup(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	// The stale send and the abandoned reservation.
	if removed != 2 {
		t.Errorf("Cleanup() removed = %d, want 2", removed)
	}

	got, err := store.RecentSends(ctx, "rec-1", current.Add(-365*24*time.Hour), Filter{})
	if err != nil {
		t.Fatalf("RecentSends() error = %v", err)
	}
	if len(got) != 1 || got[0].MessageID != "fresh" {
		t.Fatalf("RecentSends() after cleanup = %v, want only fresh", got)
	}
}
