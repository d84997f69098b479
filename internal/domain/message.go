package domain

import "time"

// Channel identifies one integrated external messaging platform type.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelMessenger Channel = "messenger"
)

// Known reports whether the channel is one of the integrated platforms.
func (c Channel) Known() bool {
	switch c {
	case ChannelWhatsApp, ChannelMessenger:
		return true
	}
	return false
}

// MessageKind tags the content union of a canonical message.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindMedia       MessageKind = "media"
	KindLocation    MessageKind = "location"
	KindContact     MessageKind = "contact"
	KindInteractive MessageKind = "interactive"
	KindReaction    MessageKind = "reaction"
)

// ConversationRef locates the conversation a message belongs to.
// Type is "direct" for one-to-one chats and "thread" for group/threaded ones.
type ConversationRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

const (
	ConversationDirect = "direct"
	ConversationThread = "thread"
)

// ExternalMessageRef is the provider-assigned message identity. ID is unique
// per (channel, accountId) and serves as the dedup key for downstream
// consumers; the gateway itself does not dedup inbound events.
type ExternalMessageRef struct {
	ID    string `json:"id"`
	Scope string `json:"scope,omitempty"`
}

// Sender describes the message author in provider-agnostic terms.
type Sender struct {
	ParticipantType string `json:"participantType"` // "user" | "operator" | "system"
	ParticipantID   string `json:"participantId"`
	DisplayName     string `json:"displayName,omitempty"`
}

// MessageContent is the kind-tagged union. Exactly one field matching the
// enclosing Message.Kind is populated. Field names here are canonical and
// must never mirror provider payload keys.
type MessageContent struct {
	Text        string              `json:"text,omitempty"`
	Media       *MediaContent       `json:"media,omitempty"`
	Location    *LocationContent    `json:"location,omitempty"`
	Contact     *ContactContent     `json:"contact,omitempty"`
	Interactive *InteractiveContent `json:"interactive,omitempty"`
	Reaction    *ReactionContent    `json:"reaction,omitempty"`
}

type MediaContent struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type ContactContent struct {
	Name   string   `json:"name"`
	Phones []string `json:"phones,omitempty"`
}

// InteractiveContent carries a button or list reply.
type InteractiveContent struct {
	Kind  string `json:"kind"` // "button_reply" | "list_reply"
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type ReactionContent struct {
	Emoji           string `json:"emoji"`
	TargetMessageID string `json:"targetMessageId"`
}

// Message is the canonical message body: a kind tag, the matching content
// variant and an optional reply context.
type Message struct {
	Kind         MessageKind         `json:"kind"`
	Content      MessageContent      `json:"content"`
	ReplyContext *ExternalMessageRef `json:"replyContext,omitempty"`
}

// RawProviderRef is audit-only traceability back to the original payload.
// It carries the provider's registered name and a payload hash, never
// provider field names, and must not be interpreted by consumers.
type RawProviderRef struct {
	Provider    string `json:"provider"`
	PayloadHash string `json:"payloadHash"`
}

// CanonicalMessage is one externally received message normalized to the
// provider-agnostic shape published on messages.inbound.received.
type CanonicalMessage struct {
	Channel         Channel            `json:"channel"`
	AccountID       string             `json:"accountId"`
	Conversation    ConversationRef    `json:"conversationRef"`
	ExternalMessage ExternalMessageRef `json:"externalMessageRef"`
	Sender          Sender             `json:"sender"`
	Message         Message            `json:"message"`
	RawProvider     RawProviderRef     `json:"rawProviderRef"`
	ReceivedAt      time.Time          `json:"receivedAt"`
}
