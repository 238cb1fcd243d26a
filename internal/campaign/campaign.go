package campaign

import (
	"fmt"
	"time"

	"github.com/kalder/reach/internal/channel"
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Urgency influences channel scoring: urgent campaigns favor channels
// with faster expected delivery.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// ChannelBudget is a per-channel allocation with its running spend.
type ChannelBudget struct {
	Total float64 `json:"total" yaml:"total"`
	Spent float64 `json:"spent" yaml:"spent"`
}

// SendWindow is a learned optimal send time for a channel, as local
// "HH:MM" strings for weekdays and weekends.
type SendWindow struct {
	Weekday string `json:"weekday,omitempty"`
	Weekend string `json:"weekend,omitempty"`
}

// Campaign is a tenant-scoped outreach effort. The orchestrator never
// mutates a campaign beyond spend recording; status and budget edits
// belong to the campaign owner.
type Campaign struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Status   Status `json:"status"`

	Channels map[channel.Channel]bool `json:"channels"`

	// ChannelPriority orders channels per customer-type segment. The
	// "default" key applies when no segment-specific ordering exists.
	ChannelPriority map[string][]channel.Channel `json:"channel_priority,omitempty"`

	BudgetTotal    float64                               `json:"budget_total"`
	BudgetSpent    float64                               `json:"budget_spent"`
	ChannelBudgets map[channel.Channel]ChannelBudget     `json:"channel_budgets,omitempty"`
	DailyLimit     int                                   `json:"daily_limit"`
	SendWindows    map[channel.Channel]SendWindow        `json:"send_windows,omitempty"`
	Urgency        Urgency                               `json:"urgency"`
	OptimizeTiming bool                                  `json:"optimize_timing"`

	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`

	MessagesScheduled int `json:"messages_scheduled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks structural invariants at the boundary.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("campaign name is required")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("campaign %s: at least one channel is required", c.Name)
	}
	for ch := range c.Channels {
		if !ch.Valid() {
			return fmt.Errorf("campaign %s: unknown channel %q", c.Name, ch)
		}
	}
	if c.BudgetTotal < 0 {
		return fmt.Errorf("campaign %s: budget_total must not be negative", c.Name)
	}
	var allocated float64
	for ch, b := range c.ChannelBudgets {
		if b.Total < 0 {
			return fmt.Errorf("campaign %s: channel %s budget must not be negative", c.Name, ch)
		}
		allocated += b.Total
	}
	if c.BudgetTotal > 0 && allocated > c.BudgetTotal {
		return fmt.Errorf("campaign %s: channel allocations exceed budget_total", c.Name)
	}
	if !c.EndAt.IsZero() && !c.EndAt.After(c.StartAt) {
		return fmt.Errorf("campaign %s: end_at must be after start_at", c.Name)
	}
	return nil
}

// EnabledChannels lists the campaign's channels in lexical order.
func (c *Campaign) EnabledChannels() []channel.Channel {
	out := make([]channel.Channel, 0, len(c.Channels))
	for ch, on := range c.Channels {
		if on {
			out = append(out, ch)
		}
	}
	channel.SortLexical(out)
	return out
}

// PriorityFor returns the channel ordering for a customer segment,
// falling back to the "default" ordering.
func (c *Campaign) PriorityFor(segment string) []channel.Channel {
	if p, ok := c.ChannelPriority[segment]; ok {
		return p
	}
	return c.ChannelPriority["default"]
}

// Schedulable reports whether the campaign may schedule sends at t:
// it must be active and inside its [start, end] window.
func (c *Campaign) Schedulable(t time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if t.Before(c.StartAt) {
		return false
	}
	if !c.EndAt.IsZero() && t.After(c.EndAt) {
		return false
	}
	return true
}

// RemainingBudget is the unspent portion of the total budget, bounded
// by the channel allocation when one exists.
func (c *Campaign) RemainingBudget(ch channel.Channel) float64 {
	remaining := c.BudgetTotal - c.BudgetSpent
	if b, ok := c.ChannelBudgets[ch]; ok && b.Total > 0 {
		if chRem := b.Total - b.Spent; chRem < remaining {
			remaining = chRem
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}
