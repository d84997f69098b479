package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/idempotency"
	"relaygate/internal/outbound"
	"relaygate/internal/provider"
	"relaygate/internal/publish"
)

const botUserID = 777

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu    sync.Mutex
	calls []struct {
		Key string
		Req domain.SendRequest
	}
	forgets []string
	failFor map[string]error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failFor: make(map[string]error)}
}

func (s *recordingSender) Send(_ context.Context, key string, req domain.SendRequest) (outbound.SendOutcome, error) {
	if err, ok := s.failFor[req.ChatID]; ok {
		return outbound.SendOutcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, struct {
		Key string
		Req domain.SendRequest
	}{key, req})
	return outbound.SendOutcome{}, nil
}

func (s *recordingSender) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgets = append(s.forgets, key)
	return nil
}

func (s *recordingSender) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Req.Message.Content.Text
	}
	return out
}

func inboundText(chatID, name, text string) domain.CanonicalMessage {
	return domain.CanonicalMessage{
		Channel:      domain.ChannelWhatsApp,
		AccountID:    "acc-1",
		Conversation: domain.ConversationRef{Type: domain.ConversationDirect, ID: chatID},
		Sender:       domain.Sender{ParticipantType: "user", ParticipantID: chatID, DisplayName: name},
		Message: domain.Message{
			Kind:    domain.KindText,
			Content: domain.MessageContent{Text: text},
		},
		ReceivedAt: time.Now().UTC(),
	}
}

func TestForwardInboundRegistersMappingAndPosts(t *testing.T) {
	crm := provider.NewStubCRM()
	mappings := NewMemoryMappingStore()
	fwd := NewForwarder(crm, mappings, testLogger())

	if err := fwd.ForwardInbound(context.Background(), inboundText("79990001122", "Ann", "Hi")); err != nil {
		t.Fatalf("ForwardInbound: %v", err)
	}

	all, err := mappings.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d mappings, want 1", len(all))
	}
	m := all[0]
	if m.ExternalChatID != "79990001122" || m.SourceChannel != domain.ChannelWhatsApp || m.AccountID != "acc-1" {
		t.Errorf("mapping = %+v", m)
	}

	posted, err := crm.MessagesSince(context.Background(), m.CRMChatID, 0)
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(posted) != 1 || posted[0].Text != "Ann: Hi" {
		t.Fatalf("crm chat content = %+v, want one 'Ann: Hi'", posted)
	}

	// Second inbound message reuses the mapping.
	if err := fwd.ForwardInbound(context.Background(), inboundText("79990001122", "Ann", "Again")); err != nil {
		t.Fatalf("second ForwardInbound: %v", err)
	}
	all, _ = mappings.List(context.Background())
	if len(all) != 1 {
		t.Fatalf("second inbound created a duplicate mapping")
	}
}

func TestForwardInboundSeedsCursorAtNewestMessage(t *testing.T) {
	crm := provider.NewStubCRM()
	mappings := NewMemoryMappingStore()
	fwd := NewForwarder(crm, mappings, testLogger())

	// Pre-create the chat with history the poller must not replay.
	chatID, _, err := crm.FindOrCreateChat(context.Background(), domain.CRMChatKey{
		Channel: domain.ChannelWhatsApp, AccountID: "acc-1", ExternalChatID: "79990001122",
	})
	if err != nil {
		t.Fatalf("FindOrCreateChat: %v", err)
	}
	oldID := crm.AddMessage(chatID, 42, "old operator note")

	if err := fwd.ForwardInbound(context.Background(), inboundText("79990001122", "Ann", "Hi")); err != nil {
		t.Fatalf("ForwardInbound: %v", err)
	}
	m, err := mappings.Get(context.Background(), chatID)
	if err != nil || m == nil {
		t.Fatalf("mapping missing: %v", err)
	}
	if m.LastForwardedID < oldID {
		t.Fatalf("cursor = %d, want seeded at or past %d", m.LastForwardedID, oldID)
	}

	sender := newRecordingSender()
	poller := NewPoller(crm, mappings, sender, botUserID, time.Second, testLogger())
	poller.Sweep(context.Background())
	if texts := sender.sentTexts(); len(texts) != 0 {
		t.Fatalf("pre-existing history was forwarded: %v", texts)
	}
}

func TestSweepForwardsOperatorRepliesOnce(t *testing.T) {
	crm := provider.NewStubCRM()
	mappings := NewMemoryMappingStore()
	fwd := NewForwarder(crm, mappings, testLogger())
	sender := newRecordingSender()
	poller := NewPoller(crm, mappings, sender, botUserID, time.Second, testLogger())

	if err := fwd.ForwardInbound(context.Background(), inboundText("79990001122", "Ann", "Hi")); err != nil {
		t.Fatalf("ForwardInbound: %v", err)
	}
	all, _ := mappings.List(context.Background())
	chatID := all[0].CRMChatID

	crm.AddMessage(chatID, 501, "Hello, how can I help?")
	crm.AddMessage(chatID, 501, "Second reply")

	poller.Sweep(context.Background())
	texts := sender.sentTexts()
	if len(texts) != 2 || texts[0] != "Hello, how can I help?" || texts[1] != "Second reply" {
		t.Fatalf("forwarded = %v", texts)
	}
	if sender.calls[0].Req.Channel != domain.ChannelWhatsApp || sender.calls[0].Req.ChatID != "79990001122" {
		t.Errorf("forwarded to %+v", sender.calls[0].Req)
	}

	// A second sweep with nothing new must not re-forward.
	poller.Sweep(context.Background())
	if texts := sender.sentTexts(); len(texts) != 2 {
		t.Fatalf("second sweep re-forwarded: %v", texts)
	}
}

func TestSweepSkipsSystemAuthorsButAdvancesCursor(t *testing.T) {
	crm := provider.NewStubCRM()
	mappings := NewMemoryMappingStore()
	fwd := NewForwarder(crm, mappings, testLogger())
	sender := newRecordingSender()
	poller := NewPoller(crm, mappings, sender, botUserID, time.Second, testLogger())

	if err := fwd.ForwardInbound(context.Background(), inboundText("79990001122", "Ann", "Hi")); err != nil {
		t.Fatalf("ForwardInbound: %v", err)
	}
	all, _ := mappings.List(context.Background())
	chatID := all[0].CRMChatID

	crm.AddMessage(chatID, 0, "system notice")
	botMsg := crm.AddMessage(chatID, botUserID, "gateway echo")

	poller.Sweep(context.Background())
	if texts := sender.sentTexts(); len(texts) != 0 {
		t.Fatalf("system messages were forwarded: %v", texts)
	}
	m, _ := mappings.Get(context.Background(), chatID)
	if m.LastForwardedID != botMsg {
		t.Fatalf("cursor = %d, want %d (advanced over skipped messages)", m.LastForwardedID, botMsg)
	}
}

func TestSweepIsolatesFailingChats(t *testing.T) {
	crm := provider.NewStubCRM()
	mappings := NewMemoryMappingStore()
	fwd := NewForwarder(crm, mappings, testLogger())
	sender := newRecordingSender()
	sender.failFor["chat-down"] = errors.New("provider unreachable")
	poller := NewPoller(crm, mappings, sender, botUserID, time.Second, testLogger())

	if err := fwd.ForwardInbound(context.Background(), inboundText("chat-down", "Bob", "Hi")); err != nil {
		t.Fatalf("ForwardInbound: %v", err)
	}
	if err := fwd.ForwardInbound(context.Background(), inboundText("chat-up", "Ann", "Hi")); err != nil {
		t.Fatalf("ForwardInbound: %v", err)
	}

	all, _ := mappings.List(context.Background())
	var downChat, upChat string
	for _, m := range all {
		if m.ExternalChatID == "chat-down" {
			downChat = m.CRMChatID
		} else {
			upChat = m.CRMChatID
		}
	}
	crm.AddMessage(downChat, 501, "reply into broken chat")
	crm.AddMessage(upChat, 502, "reply into healthy chat")

	poller.Sweep(context.Background())
	if texts := sender.sentTexts(); len(texts) != 1 || texts[0] != "reply into healthy chat" {
		t.Fatalf("forwarded = %v, want only the healthy chat's reply", texts)
	}

	// The failing chat keeps its cursor, so recovery retries the message.
	down, _ := mappings.Get(context.Background(), downChat)
	downCursorBefore := down.LastForwardedID
	delete(sender.failFor, "chat-down")
	poller.Sweep(context.Background())
	if texts := sender.sentTexts(); len(texts) != 2 {
		t.Fatalf("recovered chat did not retry: %v", texts)
	}
	down, _ = mappings.Get(context.Background(), downChat)
	if down.LastForwardedID <= downCursorBefore {
		t.Fatalf("cursor did not advance after recovery")
	}
}

type alwaysConnected struct{}

func (alwaysConnected) IsConnected(domain.Channel, string) bool { return true }

func TestSweepRetryReachesProviderAfterTransientFailure(t *testing.T) {
	crm := provider.NewStubCRM()
	mappings := NewMemoryMappingStore()
	fwd := NewForwarder(crm, mappings, testLogger())

	stub := provider.NewStubClient(domain.ChannelWhatsApp)
	failed := false
	stub.SendFn = func(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
		if !failed {
			failed = true
			return domain.SendResult{}, &domain.ProviderError{Code: "UPSTREAM_UNAVAILABLE", Message: "provider down"}
		}
		return domain.SendResult{Status: domain.StatusSent, ProviderMessageID: "m-1", SentAt: time.Now().UTC()}, nil
	}
	orch := outbound.NewOrchestrator(
		map[domain.Channel]domain.ProviderClient{stub.Channel(): stub},
		alwaysConnected{},
		idempotency.NewMemoryStore(),
		publish.NewEmitter(testLogger()),
		24*time.Hour,
		testLogger(),
	)
	poller := NewPoller(crm, mappings, orch, botUserID, time.Second, testLogger())

	if err := fwd.ForwardInbound(context.Background(), inboundText("79990001122", "Ann", "Hi")); err != nil {
		t.Fatalf("ForwardInbound: %v", err)
	}
	all, _ := mappings.List(context.Background())
	chatID := all[0].CRMChatID
	replyID := crm.AddMessage(chatID, 501, "operator reply")

	// First sweep hits the transient provider failure; the cursor stays put.
	poller.Sweep(context.Background())
	if n := len(stub.Sends()); n != 1 {
		t.Fatalf("provider called %d times on first sweep, want 1", n)
	}
	m, _ := mappings.Get(context.Background(), chatID)
	if m.LastForwardedID >= replyID {
		t.Fatalf("cursor advanced past a failed forward")
	}

	// The second sweep retries under the same key. It must reach the
	// provider again instead of replaying the recorded failure for the
	// rest of the cache TTL, then advance the cursor.
	poller.Sweep(context.Background())
	if n := len(stub.Sends()); n != 2 {
		t.Fatalf("provider called %d times after recovery, want a second attempt", n)
	}
	m, _ = mappings.Get(context.Background(), chatID)
	if m.LastForwardedID != replyID {
		t.Fatalf("cursor = %d after recovery, want %d", m.LastForwardedID, replyID)
	}
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	crm := provider.NewStubCRM()
	poller := NewPoller(crm, NewMemoryMappingStore(), newRecordingSender(), botUserID, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}
