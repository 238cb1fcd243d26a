package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kalder/reach/internal/channel"
)

// Authorization denial sentinels. Policy outcomes, distinguished from
// storage failures via errors.Is.
var (
	ErrNotFound              = errors.New("campaign not found")
	ErrBudgetExceeded        = errors.New("budget exceeded")
	ErrChannelBudgetExceeded = errors.New("channel budget exceeded")
	ErrDailyLimitReached     = errors.New("daily limit reached")
)

// LedgerEntry is one authorized spend unit. The ledger is append-only;
// the sum of entries per campaign/channel never exceeds the allocation.
type LedgerEntry struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	Channel    channel.Channel `json:"channel"`
	Amount     float64         `json:"amount"`
	MessageID  string          `json:"message_id"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Store persists campaigns and the spend ledger in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and creates if needed) the campaign database.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// The ledger transaction reads campaign state and then writes; a
	// second connection upgrading mid-transaction would see SQLITE_BUSY
	// instead of the re-checked state. One connection serializes them.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{migrationCampaigns, migrationLedger}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    urgency TEXT NOT NULL DEFAULT 'normal',
    optimize_timing INTEGER NOT NULL DEFAULT 1,
    channels JSON NOT NULL,
    channel_priority JSON,
    budget_total REAL NOT NULL DEFAULT 0,
    budget_spent REAL NOT NULL DEFAULT 0,
    channel_budgets JSON,
    daily_limit INTEGER NOT NULL DEFAULT 0,
    send_windows JSON,
    start_at TIMESTAMP NOT NULL,
    end_at TIMESTAMP,
    messages_scheduled INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_tenant ON campaigns(tenant_id);
`

const migrationLedger = `
CREATE TABLE IF NOT EXISTS spend_ledger (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    channel TEXT NOT NULL,
    amount REAL NOT NULL,
    message_id TEXT,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_campaign ON spend_ledger(campaign_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_ledger_channel ON spend_ledger(campaign_id, channel);
`

// Create inserts a new campaign.
func (s *Store) Create(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.Urgency == "" {
		c.Urgency = UrgencyNormal
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	channels, err := json.Marshal(c.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}
	priority := marshalOrNull(c.ChannelPriority)
	budgets := marshalOrNull(c.ChannelBudgets)
	windows := marshalOrNull(c.SendWindows)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, status, urgency, optimize_timing,
			channels, channel_priority, budget_total, budget_spent, channel_budgets,
			daily_limit, send_windows, start_at, end_at, messages_scheduled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.Status, c.Urgency, c.OptimizeTiming,
		string(channels), priority, c.BudgetTotal, c.BudgetSpent, budgets,
		c.DailyLimit, windows, c.StartAt.UTC(), nullTime(c.EndAt), c.MessagesScheduled,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// Get returns a campaign by ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, status, urgency, optimize_timing,
			channels, channel_priority, budget_total, budget_spent, channel_budgets,
			daily_limit, send_windows, start_at, end_at, messages_scheduled, created_at, updated_at
		FROM campaigns WHERE id = ?`, id)
	return scanCampaign(row)
}

// UpdateStatus transitions the campaign lifecycle state. Owner-driven;
// the orchestrator never calls this.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AuthorizeAndRecord re-checks budget and daily-limit constraints and
// appends a ledger entry in a single transaction. This is the commit
// half of the two-phase spend: a prior Authorize may have passed, but
// only the state read inside this transaction decides.
func (s *Store) AuthorizeAndRecord(ctx context.Context, entry *LedgerEntry, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := scanCampaign(tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, status, urgency, optimize_timing,
			channels, channel_priority, budget_total, budget_spent, channel_budgets,
			daily_limit, send_windows, start_at, end_at, messages_scheduled, created_at, updated_at
		FROM campaigns WHERE id = ?`, entry.CampaignID))
	if err != nil {
		return err
	}

	if c.BudgetTotal > 0 && c.BudgetSpent+entry.Amount > c.BudgetTotal {
		return ErrBudgetExceeded
	}
	if b, ok := c.ChannelBudgets[entry.Channel]; ok && b.Total > 0 && b.Spent+entry.Amount > b.Total {
		return ErrChannelBudgetExceeded
	}

	if c.DailyLimit > 0 {
		dayStart := now.UTC().Truncate(24 * time.Hour)
		var today int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM spend_ledger WHERE campaign_id = ? AND recorded_at >= ?`,
			entry.CampaignID, dayStart).Scan(&today)
		if err != nil {
			return fmt.Errorf("failed to count today's sends: %w", err)
		}
		if today >= c.DailyLimit {
			return ErrDailyLimitReached
		}
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.RecordedAt = now.UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO spend_ledger (id, campaign_id, channel, amount, message_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CampaignID, entry.Channel, entry.Amount, entry.MessageID, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if b, ok := c.ChannelBudgets[entry.Channel]; ok {
		b.Spent += entry.Amount
		c.ChannelBudgets[entry.Channel] = b
	}
	budgets := marshalOrNull(c.ChannelBudgets)
	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET budget_spent = budget_spent + ?, channel_budgets = ?,
			messages_scheduled = messages_scheduled + 1, updated_at = ?
		WHERE id = ?`,
		entry.Amount, budgets, now.UTC(), entry.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to update campaign spend: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit spend: %w", err)
	}
	return nil
}

// ReverseSpend removes a ledger entry and rolls its amount back out of
// the campaign counters. Used when a cancelled pipeline must not keep a
// recorded spend.
func (s *Store) ReverseSpend(ctx context.Context, entryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var campaignID string
	var ch channel.Channel
	var amount float64
	err = tx.QueryRowContext(ctx,
		`SELECT campaign_id, channel, amount FROM spend_ledger WHERE id = ?`,
		entryID).Scan(&campaignID, &ch, &amount)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load ledger entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM spend_ledger WHERE id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to delete ledger entry: %w", err)
	}

	c, err := scanCampaign(tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, status, urgency, optimize_timing,
			channels, channel_priority, budget_total, budget_spent, channel_budgets,
			daily_limit, send_windows, start_at, end_at, messages_scheduled, created_at, updated_at
		FROM campaigns WHERE id = ?`, campaignID))
	if err != nil {
		return err
	}
	if b, ok := c.ChannelBudgets[ch]; ok {
		b.Spent -= amount
		if b.Spent < 0 {
			b.Spent = 0
		}
		c.ChannelBudgets[ch] = b
	}
	budgets := marshalOrNull(c.ChannelBudgets)
	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET budget_spent = MAX(budget_spent - ?, 0), channel_budgets = ?,
			messages_scheduled = MAX(messages_scheduled - 1, 0), updated_at = ?
		WHERE id = ?`,
		amount, budgets, time.Now().UTC(), campaignID)
	if err != nil {
		return fmt.Errorf("failed to roll back campaign spend: %w", err)
	}

	return tx.Commit()
}

// CountRecorded returns the number of ledger entries for the campaign
// in [from, to).
func (s *Store) CountRecorded(ctx context.Context, campaignID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spend_ledger WHERE campaign_id = ? AND recorded_at >= ? AND recorded_at < ?`,
		campaignID, from.UTC(), to.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return n, nil
}

// ChannelSpend sums recorded spend per channel for a campaign.
func (s *Store) ChannelSpend(ctx context.Context, campaignID string) (map[channel.Channel]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, COALESCE(SUM(amount), 0) FROM spend_ledger WHERE campaign_id = ? GROUP BY channel`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum channel spend: %w", err)
	}
	defer rows.Close()

	out := make(map[channel.Channel]float64)
	for rows.Next() {
		var ch channel.Channel
		var sum float64
		if err := rows.Scan(&ch, &sum); err != nil {
			return nil, err
		}
		out[ch] = sum
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanCampaign(row *sql.Row) (*Campaign, error) {
	c := &Campaign{}
	var channels, priority, budgets, windows sql.NullString
	var endAt sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Status, &c.Urgency, &c.OptimizeTiming,
		&channels, &priority, &c.BudgetTotal, &c.BudgetSpent, &budgets,
		&c.DailyLimit, &windows, &c.StartAt, &endAt, &c.MessagesScheduled,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan campaign: %w", err)
	}
	if endAt.Valid {
		c.EndAt = endAt.Time
	}
	if channels.Valid {
		if err := json.Unmarshal([]byte(channels.String), &c.Channels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channels: %w", err)
		}
	}
	if priority.Valid {
		if err := json.Unmarshal([]byte(priority.String), &c.ChannelPriority); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel priority: %w", err)
		}
	}
	if budgets.Valid {
		if err := json.Unmarshal([]byte(budgets.String), &c.ChannelBudgets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel budgets: %w", err)
		}
	}
	if windows.Valid {
		if err := json.Unmarshal([]byte(windows.String), &c.SendWindows); err != nil {
			return nil, fmt.Errorf("failed to unmarshal send windows: %w", err)
		}
	}
	return c, nil
}

func marshalOrNull(v any) any {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	return string(data)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
