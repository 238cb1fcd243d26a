package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalder/reach/internal/budget"
	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/channel"
	"github.com/kalder/reach/internal/dedup"
	"github.com/kalder/reach/internal/history"
	"github.com/kalder/reach/internal/metrics"
	"github.com/kalder/reach/internal/recipient"
	"github.com/kalder/reach/internal/schedule"
	"github.com/kalder/reach/internal/selector"
)

// Config contains orchestrator tunables.
type Config struct {
	// StoreTimeout bounds each external store call.
	StoreTimeout time.Duration

	// ReservationTTL is how long a dedup reservation survives an
	// abandoned pipeline before the slot opens again.
	ReservationTTL time.Duration

	// BatchWorkers caps concurrent per-recipient pipelines in a batch.
	BatchWorkers int
}

func (c *Config) setDefaults() {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = time.Minute
	}
	if c.BatchWorkers <= 0 {
		c.BatchWorkers = 4
	}
}

// Orchestrator runs the per-recipient decision pipeline. It is safe
// for concurrent use; all shared state lives in the stores.
type Orchestrator struct {
	campaigns  *campaign.Store
	history    history.Store
	checker    *dedup.Checker
	selector   *selector.Selector
	budget     *budget.Manager
	scheduler  *schedule.Scheduler
	dispatcher Dispatcher

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New wires the pipeline components together. dispatcher may be nil
// when no delivery layer is attached; now may be nil for wall clock.
func New(campaigns *campaign.Store, hist history.Store, checker *dedup.Checker, sel *selector.Selector, bm *budget.Manager, sched *schedule.Scheduler, dispatcher Dispatcher, cfg Config, logger *slog.Logger, now func() time.Time) *Orchestrator {
	cfg.setDefaults()
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		campaigns:  campaigns,
		history:    hist,
		checker:    checker,
		selector:   sel,
		budget:     bm,
		scheduler:  sched,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        now,
	}
}

// SendOutreach runs the pipeline once for one recipient. Policy blocks
// and dependency failures come back inside the SendResult; an error is
// returned only when the campaign cannot be loaded at all, so callers
// can distinguish "decision made" from "no decision possible".
func (o *Orchestrator) SendOutreach(ctx context.Context, campaignID string, prof *recipient.Profile, contents channel.ContentMap) (SendResult, error) {
	return o.send(ctx, campaignID, prof, contents, nil)
}

func (o *Orchestrator) send(ctx context.Context, campaignID string, prof *recipient.Profile, contents channel.ContentMap, spacer *schedule.BatchSpacer) (SendResult, error) {
	start := o.now()
	res, err := o.run(ctx, campaignID, prof, contents, spacer)
	if err != nil {
		return res, err
	}

	metrics.ObservePipelineDuration(string(res.Status), o.now().Sub(start).Seconds())
	switch res.Status {
	case StatusScheduled:
		metrics.IncOutreachScheduled(string(res.Channel))
	case StatusBlocked:
		metrics.IncOutreachBlocked(res.Reason)
	case StatusFailed:
		metrics.IncOutreachFailed(res.Reason)
	}

	o.logger.Info("pipeline finished",
		"campaign_id", campaignID,
		"recipient_id", prof.ID,
		"status", res.Status,
		"channel", res.Channel,
		"reason", res.Reason,
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, campaignID string, prof *recipient.Profile, contents channel.ContentMap, spacer *schedule.BatchSpacer) (SendResult, error) {
	state := StateReceived

	if err := prof.Validate(); err != nil {
		return failed(state, ReasonMalformedInput, map[string]any{"error": err.Error()}), nil
	}
	if len(contents) == 0 {
		return failed(state, ReasonMalformedInput, map[string]any{"error": "content map is empty"}), nil
	}
	if err := contents.Validate(); err != nil {
		return failed(state, ReasonMalformedInput, map[string]any{"error": err.Error()}), nil
	}

	camp, err := o.loadCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return failed(state, ReasonDependencyTimeout, nil), nil
		}
		return SendResult{}, err
	}
	if !camp.Schedulable(o.now()) {
		return failed(state, ReasonInvalidCampaignState, map[string]any{
			"campaign_status": camp.Status,
			"start_at":        camp.StartAt,
			"end_at":          camp.EndAt,
		}), nil
	}

	// Recency check, scoped to this recipient and campaign across all
	// channels. The exact per-channel slot is claimed later via the
	// reservation so two concurrent runs cannot both commit.
	decision, err := o.checkDedup(ctx, dedup.Request{
		RecipientID: prof.ID,
		CampaignID:  campaignID,
	})
	if err != nil {
		return o.dependencyFailure(state, err)
	}
	if !decision.Allowed && decision.Reason == dedup.ReasonDuplicate {
		return blocked(state, ReasonDuplicate, decision.Details), nil
	}
	state = StateDedupChecked

	if !decision.Allowed && decision.Reason == dedup.ReasonFrequencyCap {
		return blocked(state, ReasonFrequencyCap, decision.Details), nil
	}
	state = StateFrequencyChecked

	// Only channels the caller supplied content for are sendable.
	candidates := make([]channel.Channel, 0, len(contents))
	for _, ch := range camp.EnabledChannels() {
		if _, ok := contents[ch]; ok {
			candidates = append(candidates, ch)
		}
	}

	routing, err := o.selector.Select(camp, prof, candidates)
	if err != nil {
		if errors.Is(err, selector.ErrNoViableChannel) {
			return blocked(state, ReasonNoViableChannel, map[string]any{
				"enabled_channels": camp.EnabledChannels(),
				"content_channels": len(contents),
			}), nil
		}
		return SendResult{}, fmt.Errorf("channel selection: %w", err)
	}
	ch := routing.Channel
	state = StateChannelSelected

	// Advisory budget and daily-limit checks. The authoritative check
	// re-runs inside the ledger transaction at spend_recorded.
	auth, err := o.authorize(ctx, camp, ch)
	if err != nil {
		return o.dependencyFailure(state, err)
	}
	if !auth.Authorized {
		if auth.Reason == budget.ReasonDailyLimitReached {
			state = StateBudgetChecked
		}
		return blocked(state, string(auth.Reason), auth.Details), nil
	}
	state = StateDailyLimitOK

	sendAt, err := o.scheduler.SendTime(ctx, camp, prof, ch)
	if err != nil {
		return o.dependencyFailure(state, err)
	}
	if spacer != nil {
		// Within a batch, consecutive sends on the same channel are
		// pushed apart before the record is committed.
		sendAt = spacer.Place(ch, sendAt)
	}
	state = StateTimeScheduled

	content := contents[ch]
	key := history.DedupKey(prof.ID, ch, content.Fingerprint(), campaignID)
	token, err := o.reserve(ctx, key)
	if err != nil {
		if errors.Is(err, history.ErrReserved) {
			return blocked(state, ReasonDuplicate, map[string]any{
				"dedup_key": key,
				"note":      "slot held by a concurrent or committed send",
			}), nil
		}
		return o.dependencyFailure(state, err)
	}

	rec := &MessageRecord{
		ID:            uuid.NewString(),
		CampaignID:    campaignID,
		RecipientID:   prof.ID,
		Channel:       ch,
		DedupKey:      key,
		Content:       content,
		ScheduledAt:   sendAt,
		RoutingReason: routing.Reason,
		CreatedAt:     o.now().UTC(),
	}
	state = StateRecordCreated

	entryID, auth, err := o.recordSpend(ctx, campaignID, ch, rec.ID)
	if err != nil {
		o.release(token)
		return o.dependencyFailure(state, err)
	}
	if !auth.Authorized {
		// Lost the race to a concurrent run between the advisory
		// check and the transaction.
		o.release(token)
		return blocked(state, string(auth.Reason), auth.Details), nil
	}
	rec.LedgerEntryID = entryID
	metrics.AddSpendRecorded(string(ch), o.budget.Cost(ch))
	state = StateSpendRecorded

	rec.Fallbacks = routing.Fallbacks
	metrics.AddFallbacksPrepared(len(rec.Fallbacks))
	state = StateFallbackPrepared

	if err := o.commit(ctx, token, rec); err != nil {
		// Spend is already durable; reverse it rather than losing
		// track of the entry.
		if rerr := o.budget.Reverse(context.WithoutCancel(ctx), entryID); rerr != nil {
			o.logger.Error("spend reversal failed after commit error",
				"entry_id", entryID, "error", rerr)
		}
		o.release(token)
		return o.dependencyFailure(state, err)
	}

	if o.dispatcher != nil {
		if err := o.dispatcher.Dispatch(ctx, rec); err != nil {
			// The record is committed and spend recorded; delivery
			// hand-off is retried by the dispatch layer, not here.
			o.logger.Error("dispatch failed", "message_id", rec.ID, "error", err)
		}
	}
	state = StateSucceeded

	return SendResult{
		Status:      StatusScheduled,
		Channel:     ch,
		ScheduledAt: sendAt,
		Fallbacks:   rec.Fallbacks,
		Routing:     routing.Reason,
		LastState:   state,
	}, nil
}

// SendBatch runs the pipeline independently for each recipient with a
// bounded worker pool. One recipient's failure never aborts the batch;
// cancelling ctx stops recipients that have not started and aborts
// in-flight ones at their next store call.
func (o *Orchestrator) SendBatch(ctx context.Context, campaignID string, profiles []*recipient.Profile, contents channel.ContentMap) (*BatchResult, error) {
	if _, err := o.loadCampaign(ctx, campaignID); err != nil {
		return nil, err
	}

	done := metrics.TrackBatch(len(profiles))
	defer done()

	results := make([]RecipientResult, len(profiles))
	sem := make(chan struct{}, o.cfg.BatchWorkers)
	spacer := o.scheduler.NewBatchSpacer()
	var wg sync.WaitGroup

	for i, prof := range profiles {
		if ctx.Err() != nil {
			results[i] = RecipientResult{
				RecipientID: prof.ID,
				Result:      failed(StateReceived, ReasonDependencyTimeout, map[string]any{"error": "batch cancelled"}),
			}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, prof *recipient.Profile) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := o.send(ctx, campaignID, prof, contents, spacer)
			if err != nil {
				res, _ = o.dependencyFailure(StateReceived, err)
			}
			results[i] = RecipientResult{RecipientID: prof.ID, Result: res}
		}(i, prof)
	}
	wg.Wait()

	out := &BatchResult{Total: len(profiles), Details: results}
	for _, r := range results {
		switch r.Result.Status {
		case StatusScheduled:
			out.Scheduled++
		case StatusBlocked:
			out.Blocked++
		default:
			out.Failed++
		}
	}

	o.logger.Info("batch finished",
		"campaign_id", campaignID,
		"total", out.Total,
		"scheduled", out.Scheduled,
		"blocked", out.Blocked,
		"failed", out.Failed,
	)
	return out, nil
}

// CampaignStatus is the orchestration view of one campaign.
type CampaignStatus struct {
	CampaignID string         `json:"campaign_id"`
	Budget     map[string]any `json:"budget"`
	DailyLimit map[string]any `json:"daily_limit"`
	Pacing     budget.Pacing  `json:"pacing"`
	Totals     map[string]any `json:"totals"`
}

// Status reports budget, daily-limit, and pacing state for a campaign.
func (o *Orchestrator) Status(ctx context.Context, campaignID string) (*CampaignStatus, error) {
	camp, err := o.loadCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	pacing, err := o.budget.GetPacing(ctx, camp)
	if err != nil {
		return nil, fmt.Errorf("pacing: %w", err)
	}

	now := o.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	sentToday, err := o.campaigns.CountRecorded(ctx, campaignID, dayStart, now)
	if err != nil {
		return nil, fmt.Errorf("daily count: %w", err)
	}

	perChannel, err := o.campaigns.ChannelSpend(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("channel spend: %w", err)
	}

	remainingToday := 0
	if camp.DailyLimit > 0 {
		if remainingToday = camp.DailyLimit - sentToday; remainingToday < 0 {
			remainingToday = 0
		}
	}

	if camp.BudgetTotal > 0 {
		metrics.SetBudgetUtilization(camp.ID, camp.BudgetSpent/camp.BudgetTotal)
	}

	return &CampaignStatus{
		CampaignID: campaignID,
		Budget: map[string]any{
			"total":       camp.BudgetTotal,
			"spent":       camp.BudgetSpent,
			"remaining":   camp.BudgetTotal - camp.BudgetSpent,
			"per_channel": perChannel,
		},
		DailyLimit: map[string]any{
			"limit":           camp.DailyLimit,
			"sent_today":      sentToday,
			"remaining_today": remainingToday,
		},
		Pacing: pacing,
		Totals: map[string]any{
			"messages_scheduled": camp.MessagesScheduled,
		},
	}, nil
}

func (o *Orchestrator) loadCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	return o.campaigns.Get(ctx, id)
}

func (o *Orchestrator) checkDedup(ctx context.Context, req dedup.Request) (dedup.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	return o.checker.Check(ctx, req)
}

func (o *Orchestrator) authorize(ctx context.Context, camp *campaign.Campaign, ch channel.Channel) (budget.Authorization, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	return o.budget.Authorize(ctx, camp, ch, o.budget.Cost(ch))
}

func (o *Orchestrator) reserve(ctx context.Context, key string) (history.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	return o.history.Reserve(ctx, key, o.cfg.ReservationTTL)
}

func (o *Orchestrator) recordSpend(ctx context.Context, campaignID string, ch channel.Channel, messageID string) (string, budget.Authorization, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	return o.budget.Record(ctx, campaignID, ch, messageID)
}

func (o *Orchestrator) commit(ctx context.Context, token history.Token, rec *MessageRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StoreTimeout)
	defer cancel()
	return o.history.Commit(ctx, token, &history.SendRecord{
		MessageID:   rec.ID,
		RecipientID: rec.RecipientID,
		CampaignID:  rec.CampaignID,
		Channel:     rec.Channel,
		Fingerprint: rec.Content.Fingerprint(),
		SentAt:      rec.ScheduledAt,
	})
}

// release drops a reservation on a background context so an abort
// still cleans up after the caller's context is gone.
func (o *Orchestrator) release(token history.Token) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	if err := o.history.Release(ctx, token); err != nil {
		o.logger.Warn("reservation release failed", "key", token.Key, "error", err)
	}
}

// dependencyFailure maps a store error to a failure reason: deadline
// and cancellation become dependency_timeout, anything else becomes
// dependency_error so an I/O fault is not mistaken for slowness.
func (o *Orchestrator) dependencyFailure(state State, err error) (SendResult, error) {
	reason := ReasonDependencyError
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		reason = ReasonDependencyTimeout
	}
	return failed(state, reason, map[string]any{"error": err.Error()}), nil
}
