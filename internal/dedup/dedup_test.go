package dedup

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalder/reach/internal/channel"
	"github.com/kalder/reach/internal/history"
)

func newTestChecker(t *testing.T, cfg Config, now func() time.Time) (*Checker, *history.BoltStore) {
	t.Helper()
	store, err := history.NewBoltStore(filepath.Join(t.TempDir(), "history.db"), now)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewChecker(store, cfg, now), store
}

func commitSend(t *testing.T, store *history.BoltStore, rec *history.SendRecord) {
	t.Helper()
	ctx := context.Background()
	key := history.DedupKey(rec.RecipientID, rec.Channel, rec.Fingerprint, rec.CampaignID)
	token, err := store.Reserve(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("Reserve(%s) error = %v", rec.MessageID, err)
	}
	if err := store.Commit(ctx, token, rec); err != nil {
		t.Fatalf("Commit(%s) error = %v", rec.MessageID, err)
	}
}

func TestCheckAllowsFreshRecipient(t *testing.T) {
	checker, _ := newTestChecker(t, Config{}, nil)

	dec, err := checker.Check(context.Background(), Request{
		RecipientID: "rec-1",
		Channel:     channel.Email,
		Fingerprint: "fp-1",
		CampaignID:  "camp-1",
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("Check() blocked fresh recipient: reason=%s details=%v", dec.Reason, dec.Details)
	}
}

func TestCheckBlocksRecentDuplicate(t *testing.T) {
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	checker, store := newTestChecker(t, Config{}, func() time.Time { return now })

	commitSend(t, store, &history.SendRecord{
		MessageID:   "m1",
		RecipientID: "rec-1",
		CampaignID:  "camp-1",
		Channel:     channel.Email,
		Fingerprint: "fp-1",
		SentAt:      now.Add(-2 * time.Hour),
	})

	dec, err := checker.Check(context.Background(), Request{
		RecipientID: "rec-1",
		Channel:     channel.Email,
		Fingerprint: "fp-1",
		CampaignID:  "camp-1",
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if dec.Allowed {
		t.Fatal("Check() allowed a duplicate inside the lookback window")
	}
	if dec.Reason != ReasonDuplicate {
		t.Errorf("Check() reason = %s, want %s", dec.Reason, ReasonDuplicate)
	}

	// A different fingerprint in the same campaign is not a duplicate.
	dec, err = checker.Check(context.Background(), Request{
		RecipientID: "rec-1",
		Channel:     channel.Email,
		Fingerprint: "fp-other",
		CampaignID:  "camp-1",
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("Check() blocked different content: reason=%s", dec.Reason)
	}
}

func TestCheckLookbackExpiry(t *testing.T) {
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	checker, store := newTestChecker(t, Config{Lookback: 6 * time.Hour}, func() time.Time { return now })

	commitSend(t, store, &history.SendRecord{
		MessageID:   "m1",
		RecipientID: "rec-1",
		CampaignID:  "camp-1",
		Channel:     channel.Email,
		Fingerprint: "fp-1",
		SentAt:      now.Add(-8 * time.Hour),
	})

	dec, err := checker.Check(context.Background(), Request{
		RecipientID: "rec-1",
		Channel:     channel.Email,
		Fingerprint: "fp-1",
		CampaignID:  "camp-1",
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("Check() blocked a send outside the lookback window: reason=%s", dec.Reason)
	}
}

func TestCheckCrossCampaign(t *testing.T) {
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	checker, store := newTestChecker(t, Config{CrossCampaign: true}, func() time.Time { return now })

	commitSend(t, store, &history.SendRecord{
		MessageID:   "m1",
		RecipientID: "rec-1",
		CampaignID:  "camp-other",
		Channel:     channel.Email,
		Fingerprint: "fp-other",
		SentAt:      now.Add(-time.Hour),
	})

	// Cross-campaign mode blocks any same-channel send in the window.
	dec, err := checker.Check(context.Background(), Request{
		RecipientID: "rec-1",
		Channel:     channel.Email,
		Fingerprint: "fp-1",
		CampaignID:  "camp-1",
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if dec.Allowed {
		t.Fatal("Check() allowed a cross-campaign send on a recently used channel")
	}
	if dec.Reason != ReasonDuplicate {
		t.Errorf("Check() reason = %s, want %s", dec.Reason, ReasonDuplicate)
	}
}

func TestCheckDailyFrequencyCap(t *testing.T) {
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	checker, store := newTestChecker(t, Config{MaxPerDay: 3}, func() time.Time { return now })

	// Three sends today across varied channels and campaigns.
	channels := []channel.Channel{channel.Email, channel.WhatsApp, channel.Instagram}
	for i, ch := range channels {
		commitSend(t, store, &history.SendRecord{
			MessageID:   fmt.Sprintf("m%d", i),
			RecipientID: "rec-1",
			CampaignID:  fmt.Sprintf("camp-%d", i),
			Channel:     ch,
			Fingerprint: fmt.Sprintf("fp-%d", i),
			SentAt:      now.Add(-time.Duration(i+1) * time.Hour),
		})
	}

	dec, err := checker.Check(context.Background(), Request{
		RecipientID: "rec-1",
		Channel:     channel.Chat,
		Fingerprint: "fp-new",
		CampaignID:  "camp-new",
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if dec.Allowed {
		t.Fatal("Check() allowed a fourth send in one day")
	}
	if dec.Reason != ReasonFrequencyCap {
		t.Errorf("Check() reason = %s, want %s", dec.Reason, ReasonFrequencyCap)
	}
	if got := dec.Details["sent_today"]; got != 3 {
		t.Errorf("Details[sent_today] = %v, want 3", got)
	}
}

func TestCheckWeeklyFrequencyCap(t *testing.T) {
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	checker, store := newTestChecker(t, Config{MaxPerDay: 100, MaxPerWeek: 5}, func() time.Time { return now })

	// Five sends spread over the week, none inside today's window.
	for i := 0; i < 5; i++ {
		commitSend(t, store, &history.SendRecord{
			MessageID:   fmt.Sprintf("m%d", i),
			RecipientID: "rec-1",
			CampaignID:  fmt.Sprintf("camp-%d", i),
			Channel:     channel.Email,
			Fingerprint: fmt.Sprintf("fp-%d", i),
			SentAt:      now.Add(-time.Duration(i+2) * 24 * time.Hour),
		})
	}

	dec, err := checker.Check(context.Background(), Request{
		RecipientID: "rec-1",
		Channel:     channel.WhatsApp,
		Fingerprint: "fp-new",
		CampaignID:  "camp-new",
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if dec.Allowed {
		t.Fatal("Check() allowed a send past the weekly cap")
	}
	if dec.Reason != ReasonFrequencyCap {
		t.Errorf("Check() reason = %s, want %s", dec.Reason, ReasonFrequencyCap)
	}
}
