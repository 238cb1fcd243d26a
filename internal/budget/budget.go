package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/channel"
)

// Reason explains an authorization denial.
type Reason string

const (
	ReasonBudgetExceeded        Reason = "budget_exceeded"
	ReasonChannelBudgetExceeded Reason = "channel_budget_exceeded"
	ReasonDailyLimitReached     Reason = "daily_limit_reached"
)

// PaceAction is a pacing recommendation.
type PaceAction string

const (
	PaceIncrease PaceAction = "increase_pace"
	PaceReduce   PaceAction = "reduce_pace"
	PaceMaintain PaceAction = "maintain_pace"
)

// DefaultPacingThreshold is the tolerated gap between ideal and
// actual spend fractions before a pace change is recommended.
const DefaultPacingThreshold = 0.1

// DefaultCosts is the per-message cost table in campaign budget units.
// Social DMs and chat cost nothing to send.
func DefaultCosts() map[channel.Channel]float64 {
	return map[channel.Channel]float64{
		channel.Email:    0.001,
		channel.WhatsApp: 0.005,
	}
}

// Authorization is the outcome of an authorize call.
type Authorization struct {
	Authorized bool           `json:"authorized"`
	Reason     Reason         `json:"reason,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Pacing is the spend-rate recommendation for a campaign.
type Pacing struct {
	Action             PaceAction `json:"action"`
	IdealFraction      float64    `json:"ideal_spend_fraction"`
	ActualFraction     float64    `json:"actual_spend_fraction"`
	SuggestedDailyMsgs int        `json:"suggested_daily_messages"`
	RemainingBudget    float64    `json:"remaining_budget"`
	RemainingDays      int        `json:"remaining_days"`
}

// Manager guards campaign budgets. The database transaction in
// AuthorizeAndRecord is the real consistency boundary; the per-campaign
// mutex on top keeps concurrent pipeline runs in this process from
// piling up on SQLite's write lock.
type Manager struct {
	store     *campaign.Store
	costs     map[channel.Channel]float64
	threshold float64
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager. Nil costs take DefaultCosts, a zero
// threshold takes DefaultPacingThreshold, nil now takes wall clock.
func NewManager(store *campaign.Store, costs map[channel.Channel]float64, threshold float64, now func() time.Time) *Manager {
	if costs == nil {
		costs = DefaultCosts()
	}
	if threshold <= 0 {
		threshold = DefaultPacingThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:     store,
		costs:     costs,
		threshold: threshold,
		now:       now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Cost returns the estimated per-message cost on a channel.
func (m *Manager) Cost(ch channel.Channel) float64 {
	return m.costs[ch]
}

func (m *Manager) campaignLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Authorize checks budgets and the daily limit without committing
// anything. It is advisory; AuthorizeAndRecord re-checks inside the
// ledger transaction.
func (m *Manager) Authorize(ctx context.Context, camp *campaign.Campaign, ch channel.Channel, cost float64) (Authorization, error) {
	if camp.BudgetTotal > 0 && camp.BudgetSpent+cost > camp.BudgetTotal {
		return Authorization{
			Authorized: false,
			Reason:     ReasonBudgetExceeded,
			Details: map[string]any{
				"budget_total":   camp.BudgetTotal,
				"budget_spent":   camp.BudgetSpent,
				"estimated_cost": cost,
			},
		}, nil
	}
	if cb, ok := camp.ChannelBudgets[ch]; ok && cb.Total > 0 && cb.Spent+cost > cb.Total {
		return Authorization{
			Authorized: false,
			Reason:     ReasonChannelBudgetExceeded,
			Details: map[string]any{
				"channel":        ch,
				"channel_budget": cb.Total,
				"channel_spent":  cb.Spent,
				"estimated_cost": cost,
			},
		}, nil
	}
	if camp.DailyLimit > 0 {
		now := m.now().UTC()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		count, err := m.store.CountRecorded(ctx, camp.ID, dayStart, now)
		if err != nil {
			return Authorization{}, fmt.Errorf("daily count: %w", err)
		}
		if count >= camp.DailyLimit {
			return Authorization{
				Authorized: false,
				Reason:     ReasonDailyLimitReached,
				Details: map[string]any{
					"daily_limit": camp.DailyLimit,
					"sent_today":  count,
				},
			}, nil
		}
	}
	return Authorization{Authorized: true}, nil
}

// Record commits a spend entry for an already-selected channel. The
// check and the write happen in one storage transaction, so two
// concurrent callers can never both slip past a nearly-exhausted
// budget. On denial the returned Authorization carries the reason and
// the entry ID is empty.
func (m *Manager) Record(ctx context.Context, campaignID string, ch channel.Channel, messageID string) (string, Authorization, error) {
	lock := m.campaignLock(campaignID)
	lock.Lock()
	defer lock.Unlock()

	entry := &campaign.LedgerEntry{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		Channel:    ch,
		Amount:     m.Cost(ch),
		MessageID:  messageID,
	}
	err := m.store.AuthorizeAndRecord(ctx, entry, m.now())
	switch {
	case err == nil:
		return entry.ID, Authorization{Authorized: true}, nil
	case errors.Is(err, campaign.ErrBudgetExceeded):
		return "", Authorization{Authorized: false, Reason: ReasonBudgetExceeded}, nil
	case errors.Is(err, campaign.ErrChannelBudgetExceeded):
		return "", Authorization{Authorized: false, Reason: ReasonChannelBudgetExceeded, Details: map[string]any{"channel": ch}}, nil
	case errors.Is(err, campaign.ErrDailyLimitReached):
		return "", Authorization{Authorized: false, Reason: ReasonDailyLimitReached}, nil
	default:
		return "", Authorization{}, fmt.Errorf("record spend: %w", err)
	}
}

// Reverse undoes a previously recorded spend entry, used when a batch
// is cancelled after the ledger write.
func (m *Manager) Reverse(ctx context.Context, entryID string) error {
	return m.store.ReverseSpend(ctx, entryID)
}

// GetPacing compares actual spend against the linear ideal and
// recommends a pace change when the gap exceeds the threshold.
func (m *Manager) GetPacing(ctx context.Context, camp *campaign.Campaign) (Pacing, error) {
	now := m.now()

	total := camp.EndAt.Sub(camp.StartAt)
	if total <= 0 || camp.BudgetTotal <= 0 {
		return Pacing{Action: PaceMaintain}, nil
	}

	elapsed := now.Sub(camp.StartAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > total {
		elapsed = total
	}

	ideal := float64(elapsed) / float64(total)
	actual := camp.BudgetSpent / camp.BudgetTotal

	remainingBudget := camp.BudgetTotal - camp.BudgetSpent
	if remainingBudget < 0 {
		remainingBudget = 0
	}
	remainingDays := int(math.Ceil(camp.EndAt.Sub(now).Hours() / 24))
	if remainingDays < 1 {
		remainingDays = 1
	}

	avgCost, err := m.avgCostPerMessage(ctx, camp)
	if err != nil {
		return Pacing{}, err
	}

	suggested := 0
	if avgCost > 0 {
		suggested = int(remainingBudget / (float64(remainingDays) * avgCost))
	}
	if suggested < 0 {
		suggested = 0
	}

	p := Pacing{
		IdealFraction:      ideal,
		ActualFraction:     actual,
		SuggestedDailyMsgs: suggested,
		RemainingBudget:    remainingBudget,
		RemainingDays:      remainingDays,
	}
	switch {
	case actual < ideal-m.threshold:
		p.Action = PaceIncrease
	case actual > ideal+m.threshold:
		p.Action = PaceReduce
	default:
		p.Action = PaceMaintain
	}
	return p, nil
}

// avgCostPerMessage derives the average from the ledger, falling back
// to the mean of the configured cost table when nothing was sent yet.
func (m *Manager) avgCostPerMessage(ctx context.Context, camp *campaign.Campaign) (float64, error) {
	sent, err := m.store.CountRecorded(ctx, camp.ID, camp.StartAt, m.now())
	if err != nil {
		return 0, fmt.Errorf("ledger count: %w", err)
	}
	if sent > 0 && camp.BudgetSpent > 0 {
		return camp.BudgetSpent / float64(sent), nil
	}
	var sum float64
	var n int
	for ch := range camp.Channels {
		sum += m.Cost(ch)
		n++
	}
	if n == 0 || sum == 0 {
		// All enabled channels are free to send on.
		return 0, nil
	}
	return sum / float64(n), nil
}
