package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/idempotency"
)

// MessengerNormalizer handles Bot-API style updates from the chat messenger
// platform. Delivery receipts arrive as a separate status_update payload
// posted by the messenger-side relay.
type MessengerNormalizer struct{}

func NewMessengerNormalizer() *MessengerNormalizer { return &MessengerNormalizer{} }

func (n *MessengerNormalizer) Provider() string        { return "messenger" }
func (n *MessengerNormalizer) Channel() domain.Channel { return domain.ChannelMessenger }

type tgUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *tgMessage       `json:"message"`
	CallbackQuery *tgCallbackQuery `json:"callback_query"`
	StatusUpdate  *tgStatusUpdate  `json:"status_update"`
}

type tgMessage struct {
	MessageID int64      `json:"message_id"`
	From      *tgUser    `json:"from"`
	Chat      tgChat     `json:"chat"`
	Date      int64      `json:"date"`
	Text      string     `json:"text"`
	Caption   string     `json:"caption"`
	Photo     []tgPhoto  `json:"photo"`
	Document  *tgFile    `json:"document"`
	Voice     *tgFile    `json:"voice"`
	Video     *tgFile    `json:"video"`
	Location  *tgGeo     `json:"location"`
	Contact   *tgContact `json:"contact"`
	ReplyTo   *tgMessage `json:"reply_to_message"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // private | group | supergroup | channel
}

type tgPhoto struct {
	FileID string `json:"file_id"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

type tgGeo struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type tgContact struct {
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
}

type tgCallbackQuery struct {
	ID      string     `json:"id"`
	From    *tgUser    `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

type tgStatusUpdate struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func (n *MessengerNormalizer) IsStatusEvent(eventHint string, raw []byte) bool {
	if eventHint == "status_update" {
		return true
	}
	var u tgUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return false
	}
	return u.StatusUpdate != nil
}

func (n *MessengerNormalizer) NormalizeMessage(accountID string, raw []byte) (domain.CanonicalMessage, error) {
	var u tgUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.CanonicalMessage{}, fmt.Errorf("%w: %v", domain.ErrInvalidProviderPayload, err)
	}

	hash, err := idempotency.ComputeHash(json.RawMessage(raw))
	if err != nil {
		return domain.CanonicalMessage{}, fmt.Errorf("%w: unhashable payload", domain.ErrInvalidProviderPayload)
	}

	if u.CallbackQuery != nil {
		return n.normalizeCallback(accountID, u.CallbackQuery, hash)
	}
	if u.Message == nil {
		return domain.CanonicalMessage{}, fmt.Errorf("%w: update without message", domain.ErrInvalidProviderPayload)
	}
	m := u.Message
	if m.MessageID == 0 || m.Chat.ID == 0 {
		return domain.CanonicalMessage{}, fmt.Errorf("%w: missing message identifiers", domain.ErrInvalidProviderPayload)
	}

	msg, err := n.mapMessage(m)
	if err != nil {
		return domain.CanonicalMessage{}, err
	}
	if m.ReplyTo != nil && m.ReplyTo.MessageID != 0 {
		msg.ReplyContext = &domain.ExternalMessageRef{ID: strconv.FormatInt(m.ReplyTo.MessageID, 10)}
	}

	received := time.Now().UTC()
	if m.Date > 0 {
		received = time.Unix(m.Date, 0).UTC()
	}

	return domain.CanonicalMessage{
		Channel:         domain.ChannelMessenger,
		AccountID:       accountID,
		Conversation:    chatRef(m.Chat),
		ExternalMessage: domain.ExternalMessageRef{ID: strconv.FormatInt(m.MessageID, 10), Scope: strconv.FormatInt(m.Chat.ID, 10)},
		Sender:          senderOf(m.From),
		Message:         msg,
		RawProvider:     domain.RawProviderRef{Provider: n.Provider(), PayloadHash: hash},
		ReceivedAt:      received,
	}, nil
}

func (n *MessengerNormalizer) normalizeCallback(accountID string, cq *tgCallbackQuery, hash string) (domain.CanonicalMessage, error) {
	if cq.ID == "" || cq.Message == nil {
		return domain.CanonicalMessage{}, fmt.Errorf("%w: incomplete callback query", domain.ErrInvalidProviderPayload)
	}
	msg := domain.Message{
		Kind: domain.KindInteractive,
		Content: domain.MessageContent{Interactive: &domain.InteractiveContent{
			Kind: "button_reply",
			ID:   cq.Data,
		}},
		ReplyContext: &domain.ExternalMessageRef{ID: strconv.FormatInt(cq.Message.MessageID, 10)},
	}
	return domain.CanonicalMessage{
		Channel:         domain.ChannelMessenger,
		AccountID:       accountID,
		Conversation:    chatRef(cq.Message.Chat),
		ExternalMessage: domain.ExternalMessageRef{ID: cq.ID, Scope: strconv.FormatInt(cq.Message.Chat.ID, 10)},
		Sender:          senderOf(cq.From),
		Message:         msg,
		RawProvider:     domain.RawProviderRef{Provider: n.Provider(), PayloadHash: hash},
		ReceivedAt:      time.Now().UTC(),
	}, nil
}

func (n *MessengerNormalizer) mapMessage(m *tgMessage) (domain.Message, error) {
	switch {
	case m.Text != "":
		return domain.Message{
			Kind:    domain.KindText,
			Content: domain.MessageContent{Text: m.Text},
		}, nil

	case len(m.Photo) > 0:
		// Largest size is last.
		return domain.Message{
			Kind: domain.KindMedia,
			Content: domain.MessageContent{Media: &domain.MediaContent{
				URL:      m.Photo[len(m.Photo)-1].FileID,
				MimeType: "image/jpeg",
				Caption:  m.Caption,
			}},
		}, nil

	case m.Document != nil:
		return fileMessage(m.Document, m.Caption), nil
	case m.Voice != nil:
		return fileMessage(m.Voice, m.Caption), nil
	case m.Video != nil:
		return fileMessage(m.Video, m.Caption), nil

	case m.Location != nil:
		return domain.Message{
			Kind: domain.KindLocation,
			Content: domain.MessageContent{Location: &domain.LocationContent{
				Latitude:  m.Location.Latitude,
				Longitude: m.Location.Longitude,
			}},
		}, nil

	case m.Contact != nil:
		name := strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName)
		return domain.Message{
			Kind: domain.KindContact,
			Content: domain.MessageContent{Contact: &domain.ContactContent{
				Name:   name,
				Phones: []string{m.Contact.PhoneNumber},
			}},
		}, nil
	}

	return domain.Message{}, fmt.Errorf("%w: unsupported message content", domain.ErrInvalidProviderPayload)
}

func fileMessage(f *tgFile, caption string) domain.Message {
	return domain.Message{
		Kind: domain.KindMedia,
		Content: domain.MessageContent{Media: &domain.MediaContent{
			URL:      f.FileID,
			MimeType: f.MimeType,
			FileName: f.FileName,
			Caption:  caption,
		}},
	}
}

func (n *MessengerNormalizer) NormalizeStatus(accountID string, raw []byte) (domain.DeliveryStatusEvent, error) {
	var u tgUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.DeliveryStatusEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidProviderPayload, err)
	}
	if u.StatusUpdate == nil || u.StatusUpdate.MessageID == 0 {
		return domain.DeliveryStatusEvent{}, fmt.Errorf("%w: missing status_update", domain.ErrInvalidProviderPayload)
	}
	su := u.StatusUpdate

	var status domain.DeliveryStatus
	switch strings.ToLower(su.Status) {
	case "pending":
		status = domain.StatusPending
	case "sent":
		status = domain.StatusSent
	case "delivered":
		status = domain.StatusDelivered
	case "read":
		status = domain.StatusRead
	case "failed":
		status = domain.StatusFailed
	default:
		return domain.DeliveryStatusEvent{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidProviderPayload, su.Status)
	}

	evt := domain.DeliveryStatusEvent{
		Channel:         domain.ChannelMessenger,
		AccountID:       accountID,
		ExternalMessage: &domain.ExternalMessageRef{ID: strconv.FormatInt(su.MessageID, 10), Scope: strconv.FormatInt(su.ChatID, 10)},
		Status:          status,
		IsFinal:         status.Final(),
		OccurredAt:      time.Now().UTC(),
	}
	if status == domain.StatusFailed {
		evt.Reason = &domain.StatusReason{Code: "PROVIDER_ERROR", Message: su.Reason}
	}
	return evt, nil
}

func chatRef(c tgChat) domain.ConversationRef {
	ref := domain.ConversationRef{
		Type: domain.ConversationDirect,
		ID:   strconv.FormatInt(c.ID, 10),
	}
	if c.Type != "" && c.Type != "private" {
		ref.Type = domain.ConversationThread
	}
	return ref
}

func senderOf(u *tgUser) domain.Sender {
	if u == nil {
		return domain.Sender{ParticipantType: "system"}
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return domain.Sender{
		ParticipantType: "user",
		ParticipantID:   strconv.FormatInt(u.ID, 10),
		DisplayName:     name,
	}
}
