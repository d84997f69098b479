package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaygate/internal/domain"
)

// MessengerClient drives the messenger channel through the Telegram Bot API.
// Bot tokens authenticate without user interaction, so Connect resolves in a
// single round trip.
type MessengerClient struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

func NewMessengerClient(token string, logger *slog.Logger) (*MessengerClient, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, newHTTPClient(defaultHTTPTimeout))
	if err != nil {
		return nil, fmt.Errorf("messenger auth: %w", err)
	}
	return &MessengerClient{bot: bot, logger: logger}, nil
}

func (c *MessengerClient) Channel() domain.Channel { return domain.ChannelMessenger }

func (c *MessengerClient) Supports(kind domain.MessageKind) bool {
	switch kind {
	case domain.KindText, domain.KindMedia, domain.KindLocation, domain.KindContact:
		return true
	}
	return false
}

func (c *MessengerClient) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	chatID, err := strconv.ParseInt(req.ChatID, 10, 64)
	if err != nil {
		return domain.SendResult{}, &domain.ProviderError{Code: "MESSENGER_BAD_CHAT_ID", Message: fmt.Sprintf("chat id %q is not numeric", req.ChatID)}
	}

	var chattable tgbotapi.Chattable
	switch req.Message.Kind {
	case domain.KindText:
		chattable = tgbotapi.NewMessage(chatID, req.Message.Content.Text)
	case domain.KindMedia:
		media := req.Message.Content.Media
		if media == nil {
			return domain.SendResult{}, fmt.Errorf("%w: media content missing", domain.ErrUnsupportedMessageType)
		}
		file := tgbotapi.FileURL(media.URL)
		if strings.HasPrefix(media.MimeType, "image/") {
			photo := tgbotapi.NewPhoto(chatID, file)
			photo.Caption = media.Caption
			chattable = photo
		} else {
			doc := tgbotapi.NewDocument(chatID, file)
			doc.Caption = media.Caption
			chattable = doc
		}
	case domain.KindLocation:
		loc := req.Message.Content.Location
		if loc == nil {
			return domain.SendResult{}, fmt.Errorf("%w: location content missing", domain.ErrUnsupportedMessageType)
		}
		chattable = tgbotapi.NewLocation(chatID, loc.Latitude, loc.Longitude)
	case domain.KindContact:
		contact := req.Message.Content.Contact
		if contact == nil {
			return domain.SendResult{}, fmt.Errorf("%w: contact content missing", domain.ErrUnsupportedMessageType)
		}
		phone := ""
		if len(contact.Phones) > 0 {
			phone = contact.Phones[0]
		}
		chattable = tgbotapi.NewContact(chatID, phone, contact.Name)
	default:
		return domain.SendResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedMessageType, req.Message.Kind)
	}

	sent, err := c.bot.Send(chattable)
	if err != nil {
		return domain.SendResult{}, &domain.ProviderError{Code: "MESSENGER_SEND_FAILED", Message: err.Error()}
	}
	return domain.SendResult{
		Status:            domain.StatusSent,
		ProviderMessageID: strconv.Itoa(sent.MessageID),
		SentAt:            time.Now().UTC(),
	}, nil
}

func (c *MessengerClient) Connect(ctx context.Context, accountID string) (domain.ConnectionState, error) {
	if _, err := c.bot.GetMe(); err != nil {
		return "", fmt.Errorf("messenger getMe: %w", err)
	}
	return domain.StateConnected, nil
}

// Disconnect is local-only for bot tokens; there is no provider-side session
// to tear down.
func (c *MessengerClient) Disconnect(ctx context.Context, accountID string) error {
	return nil
}

func (c *MessengerClient) Health(ctx context.Context, accountID string) (domain.ConnectionState, error) {
	if _, err := c.bot.GetMe(); err != nil {
		return domain.StateDisconnected, nil
	}
	return domain.StateConnected, nil
}
