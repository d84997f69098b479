package normalize

import (
	"encoding/json"
	"errors"
	"testing"

	"relaygate/internal/domain"
)

func TestWhatsAppTextMessage(t *testing.T) {
	n := NewWhatsAppNormalizer()
	raw := []byte(`{
		"key": {"remoteJid": "79990001122@s.whatsapp.net", "fromMe": false, "id": "M1"},
		"pushName": "Ann",
		"message": {"conversation": "Hi"}
	}`)

	msg, err := n.NormalizeMessage("acc1", raw)
	if err != nil {
		t.Fatal(err)
	}

	if msg.Channel != domain.ChannelWhatsApp {
		t.Errorf("channel = %s", msg.Channel)
	}
	if msg.Conversation.ID != "79990001122" {
		t.Errorf("conversation id = %q, want 79990001122", msg.Conversation.ID)
	}
	if msg.Conversation.Type != domain.ConversationDirect {
		t.Errorf("conversation type = %q", msg.Conversation.Type)
	}
	if msg.ExternalMessage.ID != "M1" {
		t.Errorf("external message id = %q", msg.ExternalMessage.ID)
	}
	if msg.Sender.DisplayName != "Ann" {
		t.Errorf("display name = %q", msg.Sender.DisplayName)
	}
	if msg.Message.Kind != domain.KindText {
		t.Errorf("kind = %q, want text", msg.Message.Kind)
	}
	if msg.Message.Content.Text != "Hi" {
		t.Errorf("text = %q, want Hi", msg.Message.Content.Text)
	}
	if msg.RawProvider.Provider != "whatsapp" || msg.RawProvider.PayloadHash == "" {
		t.Errorf("rawProviderRef = %+v", msg.RawProvider)
	}
}

// Canonical content must not leak provider field names like remoteJid or
// pushName.
func TestWhatsAppContentHasNoProviderFieldNames(t *testing.T) {
	n := NewWhatsAppNormalizer()
	raw := []byte(`{"key":{"remoteJid":"1@s.whatsapp.net","id":"M1"},"message":{"conversation":"hello"}}`)

	msg, err := n.NormalizeMessage("acc1", raw)
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(msg.Message.Content)
	if err != nil {
		t.Fatal(err)
	}
	for _, forbidden := range []string{"remoteJid", "pushName", "conversation", "fromMe"} {
		if jsonHasKey(t, data, forbidden) {
			t.Errorf("content contains provider field %q: %s", forbidden, data)
		}
	}
}

func jsonHasKey(t *testing.T, data []byte, key string) bool {
	t.Helper()
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	if _, ok := m[key]; ok {
		return true
	}
	for _, v := range m {
		if jsonHasKey(t, v, key) {
			return true
		}
	}
	return false
}

func TestWhatsAppGroupMessageIsThread(t *testing.T) {
	n := NewWhatsAppNormalizer()
	raw := []byte(`{
		"key": {"remoteJid": "12036302@g.us", "id": "M2", "participant": "79990001122@s.whatsapp.net"},
		"message": {"conversation": "group hello"}
	}`)

	msg, err := n.NormalizeMessage("acc1", raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Conversation.Type != domain.ConversationThread {
		t.Errorf("conversation type = %q, want thread", msg.Conversation.Type)
	}
	if msg.Sender.ParticipantID != "79990001122" {
		t.Errorf("participant id = %q", msg.Sender.ParticipantID)
	}
}

func TestWhatsAppEnvelopeInstanceOverridesAccount(t *testing.T) {
	n := NewWhatsAppNormalizer()
	raw := []byte(`{
		"event": "messages.upsert",
		"instance": "acc-from-payload",
		"data": {"key": {"remoteJid": "1@s.whatsapp.net", "id": "M3"}, "message": {"conversation": "x"}}
	}`)

	msg, err := n.NormalizeMessage("fallback", raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.AccountID != "acc-from-payload" {
		t.Errorf("account id = %q", msg.AccountID)
	}
}

func TestWhatsAppMediaAndLocationKinds(t *testing.T) {
	n := NewWhatsAppNormalizer()

	raw := []byte(`{"key":{"remoteJid":"1@s.whatsapp.net","id":"M4"},"message":{"imageMessage":{"url":"https://cdn/x.jpg","mimetype":"image/jpeg","caption":"pic"}}}`)
	msg, err := n.NormalizeMessage("a", raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Message.Kind != domain.KindMedia || msg.Message.Content.Media.Caption != "pic" {
		t.Errorf("media message = %+v", msg.Message)
	}

	raw = []byte(`{"key":{"remoteJid":"1@s.whatsapp.net","id":"M5"},"message":{"locationMessage":{"degreesLatitude":55.7,"degreesLongitude":37.6}}}`)
	msg, err = n.NormalizeMessage("a", raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Message.Kind != domain.KindLocation || msg.Message.Content.Location.Latitude != 55.7 {
		t.Errorf("location message = %+v", msg.Message)
	}
}

func TestWhatsAppReactionAndInteractive(t *testing.T) {
	n := NewWhatsAppNormalizer()

	raw := []byte(`{"key":{"remoteJid":"1@s.whatsapp.net","id":"M6"},"message":{"reactionMessage":{"text":"👍","key":{"id":"M1"}}}}`)
	msg, err := n.NormalizeMessage("a", raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Message.Kind != domain.KindReaction || msg.Message.Content.Reaction.TargetMessageID != "M1" {
		t.Errorf("reaction = %+v", msg.Message)
	}

	raw = []byte(`{"key":{"remoteJid":"1@s.whatsapp.net","id":"M7"},"message":{"buttonsResponseMessage":{"selectedButtonId":"b1","selectedDisplayText":"Yes"}}}`)
	msg, err = n.NormalizeMessage("a", raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Message.Kind != domain.KindInteractive || msg.Message.Content.Interactive.ID != "b1" {
		t.Errorf("interactive = %+v", msg.Message)
	}
}

func TestWhatsAppMalformedPayloads(t *testing.T) {
	n := NewWhatsAppNormalizer()

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{}`),
		[]byte(`{"key":{"remoteJid":"1@s.whatsapp.net","id":"M1"}}`),
		[]byte(`{"key":{"remoteJid":"1@s.whatsapp.net","id":"M1"},"message":{"futureMessageType":{}}}`),
	}
	for i, raw := range cases {
		if _, err := n.NormalizeMessage("a", raw); !errors.Is(err, domain.ErrInvalidProviderPayload) {
			t.Errorf("case %d: err = %v, want ErrInvalidProviderPayload", i, err)
		}
	}
}

func TestWhatsAppStatusMapping(t *testing.T) {
	n := NewWhatsAppNormalizer()

	cases := []struct {
		raw    string
		status domain.DeliveryStatus
		final  bool
	}{
		{`{"key":{"id":"M1"},"status":2}`, domain.StatusSent, false},
		{`{"key":{"id":"M1"},"status":3}`, domain.StatusDelivered, false},
		{`{"key":{"id":"M1"},"status":4}`, domain.StatusRead, true},
		{`{"key":{"id":"M1"},"status":"DELIVERY_ACK"}`, domain.StatusDelivered, false},
		{`{"key":{"id":"M1"},"update":{"status":"READ"}}`, domain.StatusRead, true},
		{`{"key":{"id":"M1"},"status":0}`, domain.StatusFailed, true},
	}
	for _, tc := range cases {
		evt, err := n.NormalizeStatus("a", []byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if evt.Status != tc.status || evt.IsFinal != tc.final {
			t.Errorf("%s: status=%s final=%v, want %s/%v", tc.raw, evt.Status, evt.IsFinal, tc.status, tc.final)
		}
	}

	if _, err := n.NormalizeStatus("a", []byte(`{"key":{"id":"M1"},"status":42}`)); !errors.Is(err, domain.ErrInvalidProviderPayload) {
		t.Errorf("unknown code: err = %v", err)
	}
}

func TestWhatsAppIsStatusEvent(t *testing.T) {
	n := NewWhatsAppNormalizer()

	if !n.IsStatusEvent("messages.update", nil) {
		t.Error("hint messages.update should classify as status")
	}
	if n.IsStatusEvent("messages.upsert", nil) {
		t.Error("hint messages.upsert should not classify as status")
	}

	wrapped := []byte(`{"event":"messages.update","instance":"a","data":{"key":{"id":"M1"},"status":3}}`)
	if !n.IsStatusEvent("", wrapped) {
		t.Error("wrapped update payload should classify as status")
	}

	msg := []byte(`{"key":{"remoteJid":"1@s.whatsapp.net","id":"M1"},"message":{"conversation":"hi"}}`)
	if n.IsStatusEvent("", msg) {
		t.Error("message payload should not classify as status")
	}
}
