package domain

import (
	"context"
	"time"
)

// SendRequest is the provider-agnostic outbound send request.
type SendRequest struct {
	Channel   Channel `json:"channel"`
	AccountID string  `json:"accountId"`
	ChatID    string  `json:"chatId"`
	Message   Message `json:"message"`
}

// SendResult is the provider's answer to a transmit attempt.
type SendResult struct {
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	SentAt            time.Time      `json:"sentAt,omitzero"`
}

// ProviderClient is the thin typed adapter for one external platform's API.
// Implementations must be safe for concurrent use.
type ProviderClient interface {
	Channel() Channel

	// Supports reports whether the provider can render the message kind.
	Supports(kind MessageKind) bool

	// Send transmits one message and blocks for the provider round trip.
	Send(ctx context.Context, req SendRequest) (SendResult, error)

	// Connect initiates pairing for the account and blocks until the
	// provider confirms, returning the resulting state. The caller drives
	// the PENDING/AWAITING_USER_ACTION transitions around it.
	Connect(ctx context.Context, accountID string) (ConnectionState, error)

	// Disconnect tears down the provider session. Best effort.
	Disconnect(ctx context.Context, accountID string) error

	// Health reads the provider-reported connectivity for the account.
	Health(ctx context.Context, accountID string) (ConnectionState, error)
}

// CRMChatKey identifies the external conversation a CRM-side chat mirrors.
type CRMChatKey struct {
	Channel        Channel
	AccountID      string
	ExternalChatID string
	Title          string
}

// CRMMessage is one operator-visible message inside a CRM chat. AuthorID 0
// marks messages of system/external origin, i.e. ones the gateway itself
// posted; those must never be forwarded back out.
type CRMMessage struct {
	ID        int64     `json:"id"`
	AuthorID  int64     `json:"authorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// CRMClient talks to the webhook-only CRM open-channel system. The CRM
// cannot push operator replies, so MessagesSince is polled by the
// reconciliation loop.
type CRMClient interface {
	// FindOrCreateChat resolves (or creates) the CRM chat mirroring the
	// given external conversation. newestID is the id of the most recent
	// message in the chat at this moment, used to seed the forward cursor.
	FindOrCreateChat(ctx context.Context, key CRMChatKey) (chatID string, newestID int64, err error)

	// PostMessage posts an inbound external message into the CRM chat.
	PostMessage(ctx context.Context, chatID string, text string) error

	// MessagesSince returns chat messages with id greater than afterID in
	// ascending id order.
	MessagesSince(ctx context.Context, chatID string, afterID int64) ([]CRMMessage, error)
}
