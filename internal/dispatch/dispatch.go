// Package dispatch hands scheduled message records to the delivery
// layer. The engine only decides and schedules; per-channel delivery
// workers consume from the queue declared here.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/kalder/reach/internal/orchestrator"
)

// DefaultQueue is the durable queue delivery workers consume from.
const DefaultQueue = "outreach_dispatch"

// AMQPDispatcher publishes message records as JSON to a durable queue.
type AMQPDispatcher struct {
	conn   *amqp.Connection
	queue  string
	logger *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQP connects to the broker and declares the queue.
func NewAMQP(url, queue string, logger *slog.Logger) (*AMQPDispatcher, error) {
	if queue == "" {
		queue = DefaultQueue
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	logger.Info("dispatch queue ready", "queue", queue)
	return &AMQPDispatcher{conn: conn, queue: queue, logger: logger, ch: ch}, nil
}

// Dispatch publishes one record. Publishing is serialized because an
// amqp.Channel is not safe for concurrent use.
func (d *AMQPDispatcher) Dispatch(ctx context.Context, rec *orchestrator.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err = d.ch.Publish(
		"",      // default exchange
		d.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    rec.ID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish record %s: %w", rec.ID, err)
	}

	d.logger.Debug("record dispatched",
		"message_id", rec.ID,
		"channel", rec.Channel,
		"scheduled_at", rec.ScheduledAt,
	)
	return nil
}

// Close shuts down the channel and connection.
func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ch.Close(); err != nil {
		d.conn.Close()
		return err
	}
	return d.conn.Close()
}

// LogDispatcher writes records to the log instead of a broker. Used
// when no broker is configured and in tests.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLog creates a log-only dispatcher.
func NewLog(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the record.
func (d *LogDispatcher) Dispatch(ctx context.Context, rec *orchestrator.MessageRecord) error {
	d.logger.Info("record ready for delivery",
		"message_id", rec.ID,
		"campaign_id", rec.CampaignID,
		"recipient_id", rec.RecipientID,
		"channel", rec.Channel,
		"scheduled_at", rec.ScheduledAt,
		"fallbacks", rec.Fallbacks,
	)
	return nil
}
