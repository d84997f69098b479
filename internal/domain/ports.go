package domain

import (
	"context"
	"time"
)

// Canonical event routing keys.
const (
	EventInboundReceived        = "messages.inbound.received"
	EventDeliveryStatusUpdated  = "messages.delivery.status.updated"
	EventConnectionStateChanged = "channels.connection.state.changed"
)

// EventPublisher publishes canonical domain events to a topic-structured
// broker. The routing key equals the canonical event name.
type EventPublisher interface {
	Publish(ctx context.Context, eventName string, payload any) error
	Close() error
}

// IdempotencyRecord caches the outcome of one outbound send under a
// caller-supplied key. PayloadHash must not change across calls for the same
// key within the TTL window; a mismatch is a hard conflict.
type IdempotencyRecord struct {
	Key         string     `json:"key"`
	PayloadHash string     `json:"payloadHash"`
	RequestID   string     `json:"requestId,omitempty"`
	Result      SendResult `json:"result"`
	FailureCode string     `json:"failureCode,omitempty"`
	FailureMsg  string     `json:"failureMessage,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// IdempotencyStore is the key->result cache backing exactly-once-effect
// sends. Expired entries are treated as absent. Implementations serialize
// conflicting writes to the same key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	Set(ctx context.Context, key string, rec IdempotencyRecord, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ChatForwardMapping links a CRM-side chat to the external conversation it
// mirrors. LastForwardedID is the per-chat cursor; it only moves forward.
type ChatForwardMapping struct {
	CRMChatID       string    `json:"crmChatId"`
	ExternalChatID  string    `json:"externalChatId"`
	SourceChannel   Channel   `json:"sourceChannel"`
	AccountID       string    `json:"accountId"`
	LastForwardedID int64     `json:"lastForwardedId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// MappingStore persists chat forward mappings. Cursors are mutated only by
// the single active poller instance.
type MappingStore interface {
	Get(ctx context.Context, crmChatID string) (*ChatForwardMapping, error)
	Upsert(ctx context.Context, m ChatForwardMapping) error
	List(ctx context.Context) ([]ChatForwardMapping, error)
	AdvanceCursor(ctx context.Context, crmChatID string, messageID int64) error
	Close() error
}
