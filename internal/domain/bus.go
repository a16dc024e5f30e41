package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds
}

// Standard topic names for the analysis pipeline.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicAnalysisResult      = "kestrel.analysis.result"
	TopicFraudAlert          = "kestrel.fraud.alert"
	TopicAnalysisError       = "kestrel.analysis.error"
)

// AnalysisError is published when a transaction could not be scored.
type AnalysisError struct {
	TxID      string `json:"txId"`
	UserID    string `json:"userId"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// FraudAlertEvent is published when an analysis raised at least one alert.
type FraudAlertEvent struct {
	Analysis    *Analysis    `json:"analysis"`
	Transaction *Transaction `json:"transaction"`
}
