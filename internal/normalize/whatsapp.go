package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/idempotency"
)

// WhatsAppNormalizer handles payloads from the WhatsApp-compatible gateway
// (Baileys-style instance API). Webhooks arrive either bare or wrapped in
// an {event, instance, data} envelope.
type WhatsAppNormalizer struct{}

func NewWhatsAppNormalizer() *WhatsAppNormalizer { return &WhatsAppNormalizer{} }

func (n *WhatsAppNormalizer) Provider() string        { return "whatsapp" }
func (n *WhatsAppNormalizer) Channel() domain.Channel { return domain.ChannelWhatsApp }

type waEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type waKey struct {
	RemoteJid   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant"`
}

type waMessageData struct {
	Key              waKey           `json:"key"`
	PushName         string          `json:"pushName"`
	Message          *waMessageBody  `json:"message"`
	MessageTimestamp json.Number     `json:"messageTimestamp"`
	Status           json.RawMessage `json:"status"`
	Update           json.RawMessage `json:"update"`
}

type waMessageBody struct {
	Conversation        string             `json:"conversation"`
	ExtendedTextMessage *waExtendedText    `json:"extendedTextMessage"`
	ImageMessage        *waMediaBody       `json:"imageMessage"`
	VideoMessage        *waMediaBody       `json:"videoMessage"`
	AudioMessage        *waMediaBody       `json:"audioMessage"`
	DocumentMessage     *waMediaBody       `json:"documentMessage"`
	StickerMessage      *waMediaBody       `json:"stickerMessage"`
	LocationMessage     *waLocationBody    `json:"locationMessage"`
	ContactMessage      *waContactBody     `json:"contactMessage"`
	ReactionMessage     *waReactionBody    `json:"reactionMessage"`
	ButtonsResponse     *waButtonsResponse `json:"buttonsResponseMessage"`
	ListResponse        *waListResponse    `json:"listResponseMessage"`
}

type waExtendedText struct {
	Text        string `json:"text"`
	ContextInfo *struct {
		StanzaID string `json:"stanzaId"`
	} `json:"contextInfo"`
}

type waMediaBody struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption"`
}

type waLocationBody struct {
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
	Name             string  `json:"name"`
	Address          string  `json:"address"`
}

type waContactBody struct {
	DisplayName string `json:"displayName"`
	Vcard       string `json:"vcard"`
}

type waReactionBody struct {
	Text string `json:"text"`
	Key  waKey  `json:"key"`
}

type waButtonsResponse struct {
	SelectedButtonID    string `json:"selectedButtonId"`
	SelectedDisplayText string `json:"selectedDisplayText"`
}

type waListResponse struct {
	Title             string `json:"title"`
	SingleSelectReply *struct {
		SelectedRowID string `json:"selectedRowId"`
	} `json:"singleSelectReply"`
}

// unwrap peels the {event, instance, data} envelope when present.
func (n *WhatsAppNormalizer) unwrap(raw []byte) (event, instance string, data []byte) {
	var env waEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		return env.Event, env.Instance, env.Data
	}
	return "", "", raw
}

func (n *WhatsAppNormalizer) IsStatusEvent(eventHint string, raw []byte) bool {
	if eventHint == "messages.update" {
		return true
	}
	if eventHint == "messages.upsert" {
		return false
	}
	event, _, data := n.unwrap(raw)
	if event == "messages.update" {
		return true
	}
	if event == "messages.upsert" {
		return false
	}
	var d waMessageData
	if err := json.Unmarshal(data, &d); err != nil {
		return false
	}
	return d.Message == nil && (len(d.Status) > 0 || len(d.Update) > 0)
}

func (n *WhatsAppNormalizer) NormalizeMessage(accountID string, raw []byte) (domain.CanonicalMessage, error) {
	_, instance, data := n.unwrap(raw)
	if instance != "" {
		accountID = instance
	}

	var d waMessageData
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.CanonicalMessage{}, fmt.Errorf("%w: %v", domain.ErrInvalidProviderPayload, err)
	}
	if d.Key.ID == "" || d.Key.RemoteJid == "" {
		return domain.CanonicalMessage{}, fmt.Errorf("%w: missing message key", domain.ErrInvalidProviderPayload)
	}
	if d.Message == nil {
		return domain.CanonicalMessage{}, fmt.Errorf("%w: missing message body", domain.ErrInvalidProviderPayload)
	}

	msg, err := n.mapMessageBody(d.Message)
	if err != nil {
		return domain.CanonicalMessage{}, err
	}

	hash, err := idempotency.ComputeHash(json.RawMessage(raw))
	if err != nil {
		return domain.CanonicalMessage{}, fmt.Errorf("%w: unhashable payload", domain.ErrInvalidProviderPayload)
	}

	conv := domain.ConversationRef{
		Type: domain.ConversationDirect,
		ID:   jidUser(d.Key.RemoteJid),
	}
	if strings.HasSuffix(d.Key.RemoteJid, "@g.us") {
		conv.Type = domain.ConversationThread
	}

	sender := domain.Sender{
		ParticipantType: "user",
		ParticipantID:   jidUser(d.Key.RemoteJid),
		DisplayName:     d.PushName,
	}
	if d.Key.Participant != "" {
		sender.ParticipantID = jidUser(d.Key.Participant)
	}
	if d.Key.FromMe {
		sender.ParticipantType = "operator"
		sender.ParticipantID = accountID
	}

	received := time.Now().UTC()
	if ts, err := d.MessageTimestamp.Int64(); err == nil && ts > 0 {
		received = time.Unix(ts, 0).UTC()
	}

	return domain.CanonicalMessage{
		Channel:         domain.ChannelWhatsApp,
		AccountID:       accountID,
		Conversation:    conv,
		ExternalMessage: domain.ExternalMessageRef{ID: d.Key.ID, Scope: jidUser(d.Key.RemoteJid)},
		Sender:          sender,
		Message:         msg,
		RawProvider:     domain.RawProviderRef{Provider: n.Provider(), PayloadHash: hash},
		ReceivedAt:      received,
	}, nil
}

func (n *WhatsAppNormalizer) mapMessageBody(body *waMessageBody) (domain.Message, error) {
	switch {
	case body.Conversation != "":
		return domain.Message{
			Kind:    domain.KindText,
			Content: domain.MessageContent{Text: body.Conversation},
		}, nil

	case body.ExtendedTextMessage != nil:
		msg := domain.Message{
			Kind:    domain.KindText,
			Content: domain.MessageContent{Text: body.ExtendedTextMessage.Text},
		}
		if ci := body.ExtendedTextMessage.ContextInfo; ci != nil && ci.StanzaID != "" {
			msg.ReplyContext = &domain.ExternalMessageRef{ID: ci.StanzaID}
		}
		return msg, nil

	case body.ImageMessage != nil:
		return mediaMessage(body.ImageMessage), nil
	case body.VideoMessage != nil:
		return mediaMessage(body.VideoMessage), nil
	case body.AudioMessage != nil:
		return mediaMessage(body.AudioMessage), nil
	case body.DocumentMessage != nil:
		return mediaMessage(body.DocumentMessage), nil
	case body.StickerMessage != nil:
		return mediaMessage(body.StickerMessage), nil

	case body.LocationMessage != nil:
		loc := body.LocationMessage
		return domain.Message{
			Kind: domain.KindLocation,
			Content: domain.MessageContent{Location: &domain.LocationContent{
				Latitude:  loc.DegreesLatitude,
				Longitude: loc.DegreesLongitude,
				Name:      loc.Name,
				Address:   loc.Address,
			}},
		}, nil

	case body.ContactMessage != nil:
		return domain.Message{
			Kind: domain.KindContact,
			Content: domain.MessageContent{Contact: &domain.ContactContent{
				Name:   body.ContactMessage.DisplayName,
				Phones: vcardPhones(body.ContactMessage.Vcard),
			}},
		}, nil

	case body.ReactionMessage != nil:
		return domain.Message{
			Kind: domain.KindReaction,
			Content: domain.MessageContent{Reaction: &domain.ReactionContent{
				Emoji:           body.ReactionMessage.Text,
				TargetMessageID: body.ReactionMessage.Key.ID,
			}},
		}, nil

	case body.ButtonsResponse != nil:
		return domain.Message{
			Kind: domain.KindInteractive,
			Content: domain.MessageContent{Interactive: &domain.InteractiveContent{
				Kind:  "button_reply",
				ID:    body.ButtonsResponse.SelectedButtonID,
				Title: body.ButtonsResponse.SelectedDisplayText,
			}},
		}, nil

	case body.ListResponse != nil:
		lr := body.ListResponse
		id := ""
		if lr.SingleSelectReply != nil {
			id = lr.SingleSelectReply.SelectedRowID
		}
		return domain.Message{
			Kind: domain.KindInteractive,
			Content: domain.MessageContent{Interactive: &domain.InteractiveContent{
				Kind:  "list_reply",
				ID:    id,
				Title: lr.Title,
			}},
		}, nil
	}

	return domain.Message{}, fmt.Errorf("%w: unsupported message content", domain.ErrInvalidProviderPayload)
}

func mediaMessage(m *waMediaBody) domain.Message {
	return domain.Message{
		Kind: domain.KindMedia,
		Content: domain.MessageContent{Media: &domain.MediaContent{
			URL:      m.URL,
			MimeType: m.Mimetype,
			FileName: m.FileName,
			Caption:  m.Caption,
		}},
	}
}

func (n *WhatsAppNormalizer) NormalizeStatus(accountID string, raw []byte) (domain.DeliveryStatusEvent, error) {
	_, instance, data := n.unwrap(raw)
	if instance != "" {
		accountID = instance
	}

	var d struct {
		Key    waKey           `json:"key"`
		KeyID  string          `json:"keyId"`
		Status json.RawMessage `json:"status"`
		Update *struct {
			Status json.RawMessage `json:"status"`
		} `json:"update"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.DeliveryStatusEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidProviderPayload, err)
	}

	msgID := d.Key.ID
	if msgID == "" {
		msgID = d.KeyID
	}
	if msgID == "" {
		return domain.DeliveryStatusEvent{}, fmt.Errorf("%w: status without message id", domain.ErrInvalidProviderPayload)
	}

	rawStatus := d.Status
	if len(rawStatus) == 0 && d.Update != nil {
		rawStatus = d.Update.Status
	}
	status, reason, err := mapWhatsAppStatus(rawStatus)
	if err != nil {
		return domain.DeliveryStatusEvent{}, err
	}

	return domain.DeliveryStatusEvent{
		Channel:         domain.ChannelWhatsApp,
		AccountID:       accountID,
		ExternalMessage: &domain.ExternalMessageRef{ID: msgID, Scope: jidUser(d.Key.RemoteJid)},
		Status:          status,
		Reason:          reason,
		IsFinal:         status.Final(),
		OccurredAt:      time.Now().UTC(),
	}, nil
}

// mapWhatsAppStatus accepts both numeric ack levels and their string names.
func mapWhatsAppStatus(raw json.RawMessage) (domain.DeliveryStatus, *domain.StatusReason, error) {
	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		switch code {
		case 0:
			return domain.StatusFailed, &domain.StatusReason{Code: "PROVIDER_ERROR", Message: "provider reported error ack"}, nil
		case 1:
			return domain.StatusPending, nil, nil
		case 2:
			return domain.StatusSent, nil, nil
		case 3:
			return domain.StatusDelivered, nil, nil
		case 4, 5:
			return domain.StatusRead, nil, nil
		}
		return "", nil, fmt.Errorf("%w: unknown status code %d", domain.ErrInvalidProviderPayload, code)
	}

	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", nil, fmt.Errorf("%w: unreadable status", domain.ErrInvalidProviderPayload)
	}
	switch strings.ToUpper(name) {
	case "ERROR":
		return domain.StatusFailed, &domain.StatusReason{Code: "PROVIDER_ERROR", Message: "provider reported error ack"}, nil
	case "PENDING":
		return domain.StatusPending, nil, nil
	case "SERVER_ACK", "SENT":
		return domain.StatusSent, nil, nil
	case "DELIVERY_ACK", "DELIVERED":
		return domain.StatusDelivered, nil, nil
	case "READ", "PLAYED":
		return domain.StatusRead, nil, nil
	}
	return "", nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidProviderPayload, name)
}

// jidUser strips the server part of a JID: "7999...@s.whatsapp.net" -> "7999...".
func jidUser(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// vcardPhones extracts TEL values from a vCard blob. Best effort; an empty
// slice is fine for contacts without parseable numbers.
func vcardPhones(vcard string) []string {
	var phones []string
	for _, line := range strings.Split(vcard, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "TEL") {
			continue
		}
		if i := strings.LastIndexByte(line, ':'); i >= 0 && i+1 < len(line) {
			phones = append(phones, strings.TrimSpace(line[i+1:]))
		}
	}
	return phones
}
