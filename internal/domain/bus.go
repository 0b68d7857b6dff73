package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

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
	TenantID  string            `json:"tenantId"`
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
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the monitoring pipeline.
const (
	TopicTransactionIngested  = "kestrel.transaction.ingested"
	TopicTransactionMonitored = "kestrel.transaction.monitored"
	TopicTransactionFlagged   = "kestrel.transaction.flagged"
	TopicProfileRegistered    = "kestrel.profile.registered"
	TopicAIScoreUpdated       = "kestrel.risk.ai_updated"
	TopicUserUnblocked        = "kestrel.user.unblocked"
	TopicHighRiskAdded        = "kestrel.registry.high_risk_added"
	TopicAddressWhitelisted   = "kestrel.registry.whitelisted"

	// TopicAuditFlags carries every flag ever raised; the in-profile ring
	// only keeps the most recent ones.
	TopicAuditFlags = "kestrel.audit.flags"
)
