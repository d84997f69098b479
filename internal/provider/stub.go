package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaygate/internal/domain"
)

// StubClient is an in-memory ProviderClient used when a channel is disabled
// in config and as the fake provider in tests. Hooks override individual
// operations; unset hooks fall back to a successful default.
type StubClient struct {
	ChannelName domain.Channel

	SendFn       func(ctx context.Context, req domain.SendRequest) (domain.SendResult, error)
	ConnectFn    func(ctx context.Context, accountID string) (domain.ConnectionState, error)
	DisconnectFn func(ctx context.Context, accountID string) error
	HealthFn     func(ctx context.Context, accountID string) (domain.ConnectionState, error)
	SupportsFn   func(kind domain.MessageKind) bool

	mu    sync.Mutex
	sends []domain.SendRequest
}

func NewStubClient(channel domain.Channel) *StubClient {
	return &StubClient{ChannelName: channel}
}

func (s *StubClient) Channel() domain.Channel { return s.ChannelName }

func (s *StubClient) Supports(kind domain.MessageKind) bool {
	if s.SupportsFn != nil {
		return s.SupportsFn(kind)
	}
	return true
}

func (s *StubClient) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	s.mu.Lock()
	s.sends = append(s.sends, req)
	s.mu.Unlock()
	if s.SendFn != nil {
		return s.SendFn(ctx, req)
	}
	return domain.SendResult{
		Status:            domain.StatusSent,
		ProviderMessageID: uuid.NewString(),
		SentAt:            time.Now().UTC(),
	}, nil
}

func (s *StubClient) Connect(ctx context.Context, accountID string) (domain.ConnectionState, error) {
	if s.ConnectFn != nil {
		return s.ConnectFn(ctx, accountID)
	}
	return domain.StateConnected, nil
}

func (s *StubClient) Disconnect(ctx context.Context, accountID string) error {
	if s.DisconnectFn != nil {
		return s.DisconnectFn(ctx, accountID)
	}
	return nil
}

func (s *StubClient) Health(ctx context.Context, accountID string) (domain.ConnectionState, error) {
	if s.HealthFn != nil {
		return s.HealthFn(ctx, accountID)
	}
	return domain.StateConnected, nil
}

// Sends returns a copy of every send request the stub has seen.
func (s *StubClient) Sends() []domain.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SendRequest, len(s.sends))
	copy(out, s.sends)
	return out
}

// StubCRM is an in-memory CRMClient. Chats are keyed by the conversation
// identity, messages accumulate per chat with monotonically increasing ids.
type StubCRM struct {
	mu       sync.Mutex
	nextChat int64
	nextMsg  int64
	chats    map[string]string          // entity key -> chat id
	messages map[string][]domain.CRMMessage

	FindErr error
	PostErr error
	ListErr error
}

func NewStubCRM() *StubCRM {
	return &StubCRM{
		nextChat: 100,
		chats:    make(map[string]string),
		messages: make(map[string][]domain.CRMMessage),
	}
}

func (c *StubCRM) FindOrCreateChat(ctx context.Context, key domain.CRMChatKey) (string, int64, error) {
	if c.FindErr != nil {
		return "", 0, c.FindErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entity := fmt.Sprintf("%s|%s|%s", key.Channel, key.AccountID, key.ExternalChatID)
	chatID, ok := c.chats[entity]
	if !ok {
		c.nextChat++
		chatID = fmt.Sprintf("%d", c.nextChat)
		c.chats[entity] = chatID
	}
	var newest int64
	for _, m := range c.messages[chatID] {
		if m.ID > newest {
			newest = m.ID
		}
	}
	return chatID, newest, nil
}

func (c *StubCRM) PostMessage(ctx context.Context, chatID string, text string) error {
	if c.PostErr != nil {
		return c.PostErr
	}
	c.AddMessage(chatID, 0, text)
	return nil
}

func (c *StubCRM) MessagesSince(ctx context.Context, chatID string, afterID int64) ([]domain.CRMMessage, error) {
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.CRMMessage
	for _, m := range c.messages[chatID] {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

// AddMessage appends a message to a chat and returns its id. AuthorID 0
// simulates a system-origin message.
func (c *StubCRM) AddMessage(chatID string, authorID int64, text string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextMsg++
	msg := domain.CRMMessage{
		ID:        c.nextMsg,
		AuthorID:  authorID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	c.messages[chatID] = append(c.messages[chatID], msg)
	return msg.ID
}
