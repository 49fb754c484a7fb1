package queue

import (
	"context"
)

// Publisher publishes timer lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event TimerEvent) error
	Close() error
}

const (
	// ExchangeName is the durable topic exchange carrying timer events.
	ExchangeName = "trip.timers"
	exchangeKind = "topic"
)

// NopPublisher drops events. It is used when RabbitMQ is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TimerEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
