package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/models"
)

// Lifecycle event routing keys on the topic exchange.
const (
	EventRequested = "ride.requested"
	EventAccepted  = "ride.accepted"
	EventStarted   = "ride.started"
	EventCompleted = "ride.completed"
	EventCancelled = "ride.cancelled"
)

// RideEvent is the message an external notification system consumes. The
// engine only signals that transitions happened; delivery is someone else's job.
type RideEvent struct {
	Event    string            `json:"event"`
	RideID   string            `json:"ride_id"`
	RiderID  string            `json:"rider_id"`
	DriverID string            `json:"driver_id,omitempty"`
	Status   models.RideStatus `json:"status"`
	At       time.Time         `json:"at"`
}

// EventSink receives ride lifecycle events.
type EventSink interface {
	Publish(ctx context.Context, event string, ride *models.Ride) error
}

// AMQPEvents publishes lifecycle events to a RabbitMQ topic exchange, keyed
// by event name so consumers can bind to ride.accepted, ride.*, etc.
type AMQPEvents struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPEvents(url, exchange string) (*AMQPEvents, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPEvents{conn: conn, ch: ch, exchange: exchange}, nil
}

func (a *AMQPEvents) Publish(ctx context.Context, event string, ride *models.Ride) error {
	body, err := json.Marshal(RideEvent{
		Event:    event,
		RideID:   ride.ID,
		RiderID:  ride.RiderID,
		DriverID: ride.DriverID,
		Status:   ride.Status,
		At:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return a.ch.PublishWithContext(ctx, a.exchange, event, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

func (a *AMQPEvents) Close() error {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// NopEvents drops events; used when no broker is configured.
type NopEvents struct{}

func (NopEvents) Publish(context.Context, string, *models.Ride) error { return nil }
