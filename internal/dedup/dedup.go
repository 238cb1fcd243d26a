package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/kalder/reach/internal/channel"
	"github.com/kalder/reach/internal/history"
)

// Reason explains why a check blocked the send.
type Reason string

const (
	ReasonDuplicate    Reason = "duplicate"
	ReasonFrequencyCap Reason = "frequency_cap"
)

// Config tunes the checks. Zero values take the defaults below.
type Config struct {
	// Lookback bounds the recency check window.
	Lookback time.Duration `yaml:"lookback"`

	// MaxPerDay and MaxPerWeek are frequency ceilings across all
	// channels, independent of content.
	MaxPerDay  int `yaml:"max_per_day"`
	MaxPerWeek int `yaml:"max_per_week"`

	// CrossCampaign widens the recency check to any campaign and any
	// content on the same channel.
	CrossCampaign bool `yaml:"cross_campaign"`
}

// Defaults from the engine's anti-spam policy.
const (
	DefaultLookback   = 24 * time.Hour
	DefaultMaxPerDay  = 3
	DefaultMaxPerWeek = 10
)

func (c *Config) setDefaults() {
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.MaxPerDay <= 0 {
		c.MaxPerDay = DefaultMaxPerDay
	}
	if c.MaxPerWeek <= 0 {
		c.MaxPerWeek = DefaultMaxPerWeek
	}
}

// Request identifies one potential send.
type Request struct {
	RecipientID string
	Channel     channel.Channel
	Fingerprint string
	CampaignID  string
}

// Decision is the check outcome. Allowed decisions carry no reason;
// blocked ones include structured details for the caller.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  Reason         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Checker runs recency and frequency checks against the send history.
type Checker struct {
	store history.Store
	cfg   Config
	now   func() time.Time
}

// NewChecker creates a checker. now may be nil for wall-clock time.
func NewChecker(store history.Store, cfg Config, now func() time.Time) *Checker {
	cfg.setDefaults()
	if now == nil {
		now = time.Now
	}
	return &Checker{store: store, cfg: cfg, now: now}
}

// Check reads the most recent history state and decides whether the
// send may proceed. A passing result does not hold the slot; callers
// reserve the dedup key separately before acting on it.
func (c *Checker) Check(ctx context.Context, req Request) (Decision, error) {
	now := c.now()

	// Recency: an identical send inside the lookback window blocks.
	filter := history.Filter{Channel: req.Channel}
	if !c.cfg.CrossCampaign {
		filter.CampaignID = req.CampaignID
		filter.Fingerprint = req.Fingerprint
	}
	recent, err := c.store.RecentSends(ctx, req.RecipientID, now.Add(-c.cfg.Lookback), filter)
	if err != nil {
		return Decision{}, fmt.Errorf("recency lookup: %w", err)
	}
	if len(recent) > 0 {
		last := recent[0]
		return Decision{
			Allowed: false,
			Reason:  ReasonDuplicate,
			Details: map[string]any{
				"last_sent_at":   last.SentAt,
				"last_channel":   last.Channel,
				"lookback_hours": c.cfg.Lookback.Hours(),
				"cross_campaign": c.cfg.CrossCampaign,
			},
		}, nil
	}

	// Frequency: message counts across all channels and campaigns.
	day, err := c.store.RecentSends(ctx, req.RecipientID, now.Add(-24*time.Hour), history.Filter{})
	if err != nil {
		return Decision{}, fmt.Errorf("daily frequency lookup: %w", err)
	}
	week, err := c.store.RecentSends(ctx, req.RecipientID, now.Add(-7*24*time.Hour), history.Filter{})
	if err != nil {
		return Decision{}, fmt.Errorf("weekly frequency lookup: %w", err)
	}

	if len(day) >= c.cfg.MaxPerDay || len(week) >= c.cfg.MaxPerWeek {
		return Decision{
			Allowed: false,
			Reason:  ReasonFrequencyCap,
			Details: map[string]any{
				"sent_today":   len(day),
				"sent_week":    len(week),
				"daily_limit":  c.cfg.MaxPerDay,
				"weekly_limit": c.cfg.MaxPerWeek,
			},
		}, nil
	}

	return Decision{Allowed: true}, nil
}

// Key returns the reservation key for the request.
func (c *Checker) Key(req Request) string {
	return history.DedupKey(req.RecipientID, req.Channel, req.Fingerprint, req.CampaignID)
}
