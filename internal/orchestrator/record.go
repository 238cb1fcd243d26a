package orchestrator

import (
	"context"
	"time"

	"github.com/kalder/reach/internal/channel"
)

// State is a position in the per-recipient decision pipeline. States
// advance strictly in order; any state may jump to blocked or failed.
type State string

const (
	StateReceived         State = "received"
	StateDedupChecked     State = "dedup_checked"
	StateFrequencyChecked State = "frequency_checked"
	StateChannelSelected  State = "channel_selected"
	StateBudgetChecked    State = "budget_checked"
	StateDailyLimitOK     State = "daily_limit_checked"
	StateTimeScheduled    State = "time_scheduled"
	StateRecordCreated    State = "record_created"
	StateSpendRecorded    State = "spend_recorded"
	StateFallbackPrepared State = "fallback_prepared"
	StateSucceeded        State = "succeeded"
	StateBlocked          State = "blocked"
	StateFailed           State = "failed"
)

// Status is the terminal outcome reported to the caller.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
)

// Block reasons are expected policy outcomes, never retried
// automatically. Fail reasons are dependency or input problems; the
// caller may retry since nothing was committed.
const (
	ReasonDuplicate             = "duplicate"
	ReasonFrequencyCap          = "frequency_cap"
	ReasonBudgetExceeded        = "budget_exceeded"
	ReasonChannelBudgetExceeded = "channel_budget_exceeded"
	ReasonDailyLimitReached     = "daily_limit_reached"
	ReasonNoViableChannel       = "no_viable_channel"

	ReasonDependencyTimeout    = "dependency_timeout"
	ReasonDependencyError      = "dependency_error"
	ReasonInvalidCampaignState = "invalid_campaign_state"
	ReasonMalformedInput       = "malformed_input"
)

// MessageRecord is the pipeline's output for one scheduled send. It is
// immutable once created; delivery status transitions happen in the
// downstream delivery layer.
type MessageRecord struct {
	ID          string          `json:"id"`
	CampaignID  string          `json:"campaign_id"`
	RecipientID string          `json:"recipient_id"`
	Channel     channel.Channel `json:"channel"`
	DedupKey    string          `json:"dedup_key"`
	Content     channel.Content `json:"content"`
	ScheduledAt time.Time       `json:"scheduled_at"`

	// Fallbacks are alternate viable channels, best first, for the
	// delivery layer to try if the primary channel fails.
	Fallbacks     []channel.Channel `json:"fallbacks,omitempty"`
	RoutingReason string            `json:"routing_reason"`
	LedgerEntryID string            `json:"ledger_entry_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// SendResult is the outcome of one pipeline run.
type SendResult struct {
	Status      Status            `json:"status"`
	Channel     channel.Channel   `json:"channel,omitempty"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Fallbacks   []channel.Channel `json:"fallback_channels,omitempty"`
	Routing     string            `json:"routing_reason,omitempty"`

	// Reason and Details are set for blocked and failed results.
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	// LastState is the pipeline state the run ended in.
	LastState State `json:"last_state"`
}

// RecipientResult pairs a batch entry with its outcome.
type RecipientResult struct {
	RecipientID string     `json:"recipient_id"`
	Result      SendResult `json:"result"`
}

// BatchResult aggregates per-recipient outcomes of one batch call.
type BatchResult struct {
	Total     int               `json:"total"`
	Scheduled int               `json:"scheduled"`
	Blocked   int               `json:"blocked"`
	Failed    int               `json:"failed"`
	Details   []RecipientResult `json:"details"`
}

// Dispatcher hands finished records to the delivery layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec *MessageRecord) error
}

func blocked(state State, reason string, details map[string]any) SendResult {
	return SendResult{Status: StatusBlocked, Reason: reason, Details: details, LastState: state}
}

func failed(state State, reason string, details map[string]any) SendResult {
	return SendResult{Status: StatusFailed, Reason: reason, Details: details, LastState: state}
}
