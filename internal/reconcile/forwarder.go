package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"relaygate/internal/domain"
)

// Forwarder mirrors inbound channel messages into CRM chats, registering a
// forward mapping the first time a conversation is seen.
type Forwarder struct {
	crm      domain.CRMClient
	mappings domain.MappingStore
	logger   *slog.Logger
}

func NewForwarder(crm domain.CRMClient, mappings domain.MappingStore, logger *slog.Logger) *Forwarder {
	return &Forwarder{crm: crm, mappings: mappings, logger: logger}
}

// ForwardInbound posts one normalized inbound message into its CRM chat.
// New conversations get a mapping whose cursor is seeded at the chat's
// current newest message, so history present before the mapping existed is
// never replayed outwards.
func (f *Forwarder) ForwardInbound(ctx context.Context, msg domain.CanonicalMessage) error {
	title := msg.Sender.DisplayName
	if title == "" {
		title = msg.Conversation.ID
	}

	chatID, newestID, err := f.crm.FindOrCreateChat(ctx, domain.CRMChatKey{
		Channel:        msg.Channel,
		AccountID:      msg.AccountID,
		ExternalChatID: msg.Conversation.ID,
		Title:          title,
	})
	if err != nil {
		return fmt.Errorf("resolve crm chat: %w", err)
	}

	existing, err := f.mappings.Get(ctx, chatID)
	if err != nil {
		return fmt.Errorf("lookup mapping: %w", err)
	}
	if existing == nil {
		err := f.mappings.Upsert(ctx, domain.ChatForwardMapping{
			CRMChatID:       chatID,
			ExternalChatID:  msg.Conversation.ID,
			SourceChannel:   msg.Channel,
			AccountID:       msg.AccountID,
			LastForwardedID: newestID,
		})
		if err != nil {
			return fmt.Errorf("register mapping: %w", err)
		}
		f.logger.Info("registered chat forward mapping",
			"crmChat", chatID, "channel", msg.Channel, "externalChat", msg.Conversation.ID)
	}

	if err := f.crm.PostMessage(ctx, chatID, renderCRMText(msg)); err != nil {
		return fmt.Errorf("post to crm chat %s: %w", chatID, err)
	}
	return nil
}

// renderCRMText flattens a canonical message into the plain text the CRM
// chat shows operators.
func renderCRMText(msg domain.CanonicalMessage) string {
	var body string
	content := msg.Message.Content
	switch msg.Message.Kind {
	case domain.KindText:
		body = content.Text
	case domain.KindMedia:
		if content.Media != nil {
			parts := []string{"[attachment]"}
			if content.Media.Caption != "" {
				parts = append(parts, content.Media.Caption)
			}
			if content.Media.URL != "" {
				parts = append(parts, content.Media.URL)
			}
			body = strings.Join(parts, " ")
		}
	case domain.KindLocation:
		if loc := content.Location; loc != nil {
			body = fmt.Sprintf("[location] %s %.6f,%.6f", loc.Name, loc.Latitude, loc.Longitude)
		}
	case domain.KindContact:
		if c := content.Contact; c != nil {
			body = fmt.Sprintf("[contact] %s %s", c.Name, strings.Join(c.Phones, " "))
		}
	case domain.KindReaction:
		if r := content.Reaction; r != nil {
			body = fmt.Sprintf("[reaction] %s to message %s", r.Emoji, r.TargetMessageID)
		}
	case domain.KindInteractive:
		if i := content.Interactive; i != nil {
			body = fmt.Sprintf("[selection] %s", i.Title)
		}
	}
	if body == "" {
		body = "[unsupported message]"
	}
	if msg.Sender.DisplayName != "" {
		return msg.Sender.DisplayName + ": " + body
	}
	return body
}
