package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/channel"
	"github.com/kalder/reach/internal/recipient"
)

// DefaultBatchSpacing is the minimum gap between consecutive sends on
// the same channel within a batch, to stay under provider burst limits.
const DefaultBatchSpacing = 30 * time.Minute

// clock is a local time of day.
type clock struct {
	hour, minute int
}

// staticWindows holds per-channel best-practice send hours by customer
// type, used when a campaign has no learned window for the channel.
var staticWindows = map[channel.Channel]map[recipient.CustomerType]clock{
	channel.Email: {
		recipient.CustomerNew:       {10, 0},
		recipient.CustomerReturning: {14, 0},
		recipient.CustomerExisting:  {9, 0},
	},
	channel.Instagram: {
		recipient.CustomerNew:       {19, 0},
		recipient.CustomerReturning: {20, 0},
		recipient.CustomerExisting:  {18, 0},
	},
	channel.Facebook: {
		recipient.CustomerNew:       {19, 0},
		recipient.CustomerReturning: {20, 0},
		recipient.CustomerExisting:  {18, 0},
	},
	channel.LinkedIn: {
		recipient.CustomerNew:       {11, 0},
		recipient.CustomerReturning: {13, 0},
		recipient.CustomerExisting:  {10, 0},
	},
	channel.Twitter: {
		recipient.CustomerNew:       {12, 0},
		recipient.CustomerReturning: {17, 0},
		recipient.CustomerExisting:  {15, 0},
	},
	channel.WhatsApp: {
		recipient.CustomerNew:       {18, 0},
		recipient.CustomerReturning: {19, 0},
		recipient.CustomerExisting:  {10, 0},
	},
	channel.Chat: {
		recipient.CustomerNew:       {14, 0},
		recipient.CustomerReturning: {15, 0},
		recipient.CustomerExisting:  {13, 0},
	},
}

var defaultClock = clock{10, 0}

// counter exposes the ledger count the daily-cap rollover needs.
type counter interface {
	CountRecorded(ctx context.Context, campaignID string, from, to time.Time) (int, error)
}

// Scheduler computes send times in the recipient's timezone and
// normalizes them to UTC for storage.
type Scheduler struct {
	counts  counter
	spacing time.Duration
	now     func() time.Time
}

// New creates a scheduler. A zero spacing takes DefaultBatchSpacing;
// now may be nil for wall-clock time.
func New(counts counter, spacing time.Duration, now func() time.Time) *Scheduler {
	if spacing <= 0 {
		spacing = DefaultBatchSpacing
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{counts: counts, spacing: spacing, now: now}
}

// SendTime computes the send time for one message, in UTC.
//
// With timing optimization off the message goes out now. Otherwise the
// campaign's learned window for the channel wins, then the static
// per-channel table keyed by customer type. The chosen local hour is
// resolved in the recipient's timezone to its next occurrence, and
// rolled forward a day whenever the campaign's daily limit is already
// met for the target day.
func (s *Scheduler) SendTime(ctx context.Context, camp *campaign.Campaign, prof *recipient.Profile, ch channel.Channel) (time.Time, error) {
	now := s.now()
	if !camp.OptimizeTiming {
		return now.UTC(), nil
	}

	loc := prof.Location()
	local := now.In(loc)

	target, ok := learnedClock(camp.SendWindows[ch], local)
	if !ok {
		target = staticClock(ch, prof.CustomerType)
	}

	at := nextOccurrence(local, target, loc)

	if camp.DailyLimit > 0 {
		at, ok = s.rollPastCap(ctx, camp, at, target, loc)
		if !ok {
			return time.Time{}, fmt.Errorf("no open day within scheduling horizon for campaign %s", camp.ID)
		}
	}
	return at.UTC(), nil
}

// rollPastCap advances day by day while the target day's recorded
// count has already reached the campaign's daily limit. Bounded to a
// week so a saturated ledger cannot loop forever.
func (s *Scheduler) rollPastCap(ctx context.Context, camp *campaign.Campaign, at time.Time, target clock, loc *time.Location) (time.Time, bool) {
	for i := 0; i < 7; i++ {
		dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		count, err := s.counts.CountRecorded(ctx, camp.ID, dayStart, dayStart.Add(24*time.Hour))
		if err != nil || count < camp.DailyLimit {
			// A count error is not a scheduling failure; the ledger
			// transaction still enforces the limit at record time.
			return at, true
		}
		local := at.In(loc).AddDate(0, 0, 1)
		at = time.Date(local.Year(), local.Month(), local.Day(), target.hour, target.minute, 0, 0, loc)
	}
	return time.Time{}, false
}

// BatchSpacer hands out send slots within one batch so consecutive
// sends on the same channel stay at least the configured gap apart.
// It is safe for concurrent pipelines; slots go out in claim order.
type BatchSpacer struct {
	mu      sync.Mutex
	spacing time.Duration
	last    map[channel.Channel]time.Time
}

// NewBatchSpacer creates a spacer for one batch, using the
// scheduler's per-channel spacing.
func (s *Scheduler) NewBatchSpacer() *BatchSpacer {
	return &BatchSpacer{
		spacing: s.spacing,
		last:    make(map[channel.Channel]time.Time, 4),
	}
}

// Place claims the next open slot for the channel at or after t.
func (b *BatchSpacer) Place(ch channel.Channel, t time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.last[ch]; ok && t.Before(prev.Add(b.spacing)) {
		t = prev.Add(b.spacing)
	}
	b.last[ch] = t
	return t
}

// learnedClock resolves a campaign send window for the day class of
// the local time. Malformed window strings are skipped rather than
// failing the send.
func learnedClock(w campaign.SendWindow, local time.Time) (clock, bool) {
	str := w.Weekday
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		if w.Weekend != "" {
			str = w.Weekend
		}
	}
	if str == "" {
		return clock{}, false
	}
	c, err := parseClock(str)
	if err != nil {
		return clock{}, false
	}
	return c, true
}

func staticClock(ch channel.Channel, ct recipient.CustomerType) clock {
	if c, ok := staticWindows[ch][ct]; ok {
		return c
	}
	return defaultClock
}

// parseClock parses "HH:MM".
func parseClock(s string) (clock, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return clock{}, fmt.Errorf("invalid time %q", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return clock{hour, minute}, nil
}

// nextOccurrence finds the next time the local clock reads target, on
// the same day if it has not passed yet, otherwise tomorrow.
func nextOccurrence(local time.Time, target clock, loc *time.Location) time.Time {
	at := time.Date(local.Year(), local.Month(), local.Day(), target.hour, target.minute, 0, 0, loc)
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}
