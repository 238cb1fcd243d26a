package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/channel"
)

func newTestManager(t *testing.T, now func() time.Time) (*Manager, *campaign.Store) {
	t.Helper()
	store, err := campaign.NewStore(filepath.Join(t.TempDir(), "campaigns.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store, nil, 0, now), store
}

func createCampaign(t *testing.T, store *campaign.Store, c *campaign.Campaign) {
	t.Helper()
	if err := store.Create(context.Background(), c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestAuthorizeBudgetDenials(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		camp   campaign.Campaign
		ch     channel.Channel
		cost   float64
		want   bool
		reason Reason
	}{
		{
			name: "within budget",
			camp: campaign.Campaign{BudgetTotal: 1.0, BudgetSpent: 0.5},
			ch:   channel.Email, cost: 0.001,
			want: true,
		},
		{
			name: "total budget exceeded",
			camp: campaign.Campaign{BudgetTotal: 1.0, BudgetSpent: 0.9995},
			ch:   channel.Email, cost: 0.001,
			want: false, reason: ReasonBudgetExceeded,
		},
		{
			name: "channel budget exceeded",
			camp: campaign.Campaign{
				BudgetTotal: 1.0,
				ChannelBudgets: map[channel.Channel]campaign.ChannelBudget{
					channel.WhatsApp: {Total: 0.01, Spent: 0.009},
				},
			},
			ch: channel.WhatsApp, cost: 0.005,
			want: false, reason: ReasonChannelBudgetExceeded,
		},
		{
			name: "unlimited budget",
			camp: campaign.Campaign{BudgetTotal: 0},
			ch:   channel.Email, cost: 0.001,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := mgr.Authorize(ctx, &tt.camp, tt.ch, tt.cost)
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if auth.Authorized != tt.want {
				t.Errorf("Authorize() = %v, want %v (reason=%s)", auth.Authorized, tt.want, auth.Reason)
			}
			if !tt.want && auth.Reason != tt.reason {
				t.Errorf("Authorize() reason = %s, want %s", auth.Reason, tt.reason)
			}
		})
	}
}

func TestRecordDenialMapping(t *testing.T) {
	mgr, store := newTestManager(t, nil)
	ctx := context.Background()

	c := &campaign.Campaign{
		Name:        "tight",
		Status:      campaign.StatusActive,
		Channels:    map[channel.Channel]bool{channel.WhatsApp: true},
		BudgetTotal: 0.005,
		StartAt:     time.Now().UTC().Add(-time.Hour),
		EndAt:       time.Now().UTC().Add(24 * time.Hour),
	}
	createCampaign(t, store, c)

	entryID, auth, err := mgr.Record(ctx, c.ID, channel.WhatsApp, "msg-1")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if !auth.Authorized || entryID == "" {
		t.Fatalf("Record() = (%q, %+v), want authorized with entry ID", entryID, auth)
	}

	// Budget is now exhausted; the next one maps to a denial, not an error.
	entryID, auth, err = mgr.Record(ctx, c.ID, channel.WhatsApp, "msg-2")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if auth.Authorized {
		t.Fatal("Record() authorized past the budget")
	}
	if auth.Reason != ReasonBudgetExceeded {
		t.Errorf("Record() reason = %s, want %s", auth.Reason, ReasonBudgetExceeded)
	}
	if entryID != "" {
		t.Errorf("Record() entry ID = %q on denial, want empty", entryID)
	}
}

func TestReverseRestoresBudget(t *testing.T) {
	mgr, store := newTestManager(t, nil)
	ctx := context.Background()

	c := &campaign.Campaign{
		Name:        "reversible",
		Status:      campaign.StatusActive,
		Channels:    map[channel.Channel]bool{channel.Email: true},
		BudgetTotal: 0.001,
		StartAt:     time.Now().UTC().Add(-time.Hour),
		EndAt:       time.Now().UTC().Add(24 * time.Hour),
	}
	createCampaign(t, store, c)

	entryID, auth, err := mgr.Record(ctx, c.ID, channel.Email, "msg-1")
	if err != nil || !auth.Authorized {
		t.Fatalf("Record() = (%q, %+v, %v)", entryID, auth, err)
	}

	if err := mgr.Reverse(ctx, entryID); err != nil {
		t.Fatalf("Reverse() error = %v", err)
	}

	// The reversed spend frees the budget for another send.
	_, auth, err = mgr.Record(ctx, c.ID, channel.Email, "msg-2")
	if err != nil {
		t.Fatalf("Record() after reverse error = %v", err)
	}
	if !auth.Authorized {
		t.Errorf("Record() after reverse denied: reason=%s", auth.Reason)
	}
}

func TestGetPacing(t *testing.T) {
	now := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, -10)
	end := now.AddDate(0, 0, 10)

	tests := []struct {
		name  string
		spent float64
		want  PaceAction
	}{
		{"behind schedule", 10.0, PaceIncrease},  // 10% spent at half-time
		{"ahead of schedule", 90.0, PaceReduce},  // 90% spent at half-time
		{"on schedule", 50.0, PaceMaintain},      // 50% spent at half-time
		{"inside threshold", 42.0, PaceMaintain}, // gap 0.08 < 0.1
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, store := newTestManager(t, func() time.Time { return now })

			c := &campaign.Campaign{
				Name:        "paced",
				Status:      campaign.StatusActive,
				Channels:    map[channel.Channel]bool{channel.Email: true},
				BudgetTotal: 100.0,
				StartAt:     start,
				EndAt:       end,
			}
			createCampaign(t, store, c)
			c.BudgetSpent = tt.spent

			p, err := mgr.GetPacing(context.Background(), c)
			if err != nil {
				t.Fatalf("GetPacing() error = %v", err)
			}
			if p.Action != tt.want {
				t.Errorf("GetPacing() action = %s, want %s (ideal=%.2f actual=%.2f)",
					p.Action, tt.want, p.IdealFraction, p.ActualFraction)
			}
			if p.IdealFraction < 0.49 || p.IdealFraction > 0.51 {
				t.Errorf("GetPacing() ideal fraction = %v, want ~0.5", p.IdealFraction)
			}
			if p.RemainingDays != 10 {
				t.Errorf("GetPacing() remaining days = %d, want 10", p.RemainingDays)
			}
		})
	}
}

func TestGetPacingSuggestedDailyMessages(t *testing.T) {
	now := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	mgr, store := newTestManager(t, func() time.Time { return now })

	c := &campaign.Campaign{
		Name:        "suggested",
		Status:      campaign.StatusActive,
		Channels:    map[channel.Channel]bool{channel.Email: true},
		BudgetTotal: 1.0,
		StartAt:     now.AddDate(0, 0, -5),
		EndAt:       now.AddDate(0, 0, 10),
	}
	createCampaign(t, store, c)

	// No ledger entries: average falls back to the email cost table.
	// 1.0 remaining / (10 days * 0.001) = 100 per day.
	p, err := mgr.GetPacing(context.Background(), c)
	if err != nil {
		t.Fatalf("GetPacing() error = %v", err)
	}
	if p.SuggestedDailyMsgs != 100 {
		t.Errorf("GetPacing() suggested = %d, want 100", p.SuggestedDailyMsgs)
	}
}

func TestGetPacingFreeChannels(t *testing.T) {
	now := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	mgr, store := newTestManager(t, func() time.Time { return now })

	c := &campaign.Campaign{
		Name:        "free",
		Status:      campaign.StatusActive,
		Channels:    map[channel.Channel]bool{channel.Instagram: true, channel.Chat: true},
		BudgetTotal: 1.0,
		StartAt:     now.AddDate(0, 0, -5),
		EndAt:       now.AddDate(0, 0, 10),
	}
	createCampaign(t, store, c)

	p, err := mgr.GetPacing(context.Background(), c)
	if err != nil {
		t.Fatalf("GetPacing() error = %v", err)
	}
	if p.SuggestedDailyMsgs != 0 {
		t.Errorf("GetPacing() suggested = %d, want 0 for free channels", p.SuggestedDailyMsgs)
	}
}
