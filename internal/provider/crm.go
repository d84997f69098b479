package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"relaygate/internal/domain"
)

// CRMRestClient implements the CRM chat surface over a Bitrix-style inbound
// webhook URL: every method is POST {webhookURL}/{method}.json with a JSON
// body and a {"result": ...} envelope in the response.
type CRMRestClient struct {
	webhookURL string
	botUserID  int64
	http       *http.Client
	logger     *slog.Logger
}

func NewCRMRestClient(webhookURL string, botUserID int64, logger *slog.Logger) *CRMRestClient {
	return &CRMRestClient{
		webhookURL: strings.TrimRight(webhookURL, "/"),
		botUserID:  botUserID,
		http:       newHTTPClient(defaultHTTPTimeout),
		logger:     logger,
	}
}

// BotUserID is the CRM user the gateway posts as. Messages authored by it (or
// by the system user 0) must not be forwarded back to the external channel.
func (c *CRMRestClient) BotUserID() int64 { return c.botUserID }

func (c *CRMRestClient) FindOrCreateChat(ctx context.Context, key domain.CRMChatKey) (string, int64, error) {
	// ENTITY_ID makes the chat lookup idempotent: the CRM returns the
	// existing chat when one is already bound to this conversation.
	entityID := fmt.Sprintf("%s|%s|%s", key.Channel, key.AccountID, key.ExternalChatID)

	var chatID int64
	err := c.call(ctx, "im.chat.add", map[string]any{
		"TYPE":        "OPEN",
		"TITLE":       key.Title,
		"ENTITY_TYPE": "LINES",
		"ENTITY_ID":   entityID,
	}, &chatID)
	if err != nil {
		return "", 0, fmt.Errorf("im.chat.add: %w", err)
	}

	chat := strconv.FormatInt(chatID, 10)
	newest, err := c.newestMessageID(ctx, chat)
	if err != nil {
		return "", 0, err
	}
	return chat, newest, nil
}

func (c *CRMRestClient) PostMessage(ctx context.Context, chatID string, text string) error {
	var messageID int64
	err := c.call(ctx, "im.message.add", map[string]any{
		"DIALOG_ID": "chat" + chatID,
		"MESSAGE":   text,
		"SYSTEM":    "N",
	}, &messageID)
	if err != nil {
		return fmt.Errorf("im.message.add: %w", err)
	}
	return nil
}

type crmDialogMessages struct {
	Messages []struct {
		ID       int64  `json:"id"`
		AuthorID int64  `json:"author_id"`
		Text     string `json:"text"`
		Date     string `json:"date"`
	} `json:"messages"`
}

func (c *CRMRestClient) MessagesSince(ctx context.Context, chatID string, afterID int64) ([]domain.CRMMessage, error) {
	var result crmDialogMessages
	err := c.call(ctx, "im.dialog.messages.get", map[string]any{
		"DIALOG_ID": "chat" + chatID,
		"LAST_ID":   afterID,
		"LIMIT":     50,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("im.dialog.messages.get: %w", err)
	}

	out := make([]domain.CRMMessage, 0, len(result.Messages))
	for _, m := range result.Messages {
		if m.ID <= afterID {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, m.Date)
		out = append(out, domain.CRMMessage{
			ID:        m.ID,
			AuthorID:  m.AuthorID,
			Text:      m.Text,
			CreatedAt: createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *CRMRestClient) newestMessageID(ctx context.Context, chatID string) (int64, error) {
	var result crmDialogMessages
	err := c.call(ctx, "im.dialog.messages.get", map[string]any{
		"DIALOG_ID": "chat" + chatID,
		"LIMIT":     1,
	}, &result)
	if err != nil {
		return 0, fmt.Errorf("im.dialog.messages.get: %w", err)
	}
	var newest int64
	for _, m := range result.Messages {
		if m.ID > newest {
			newest = m.ID
		}
	}
	return newest, nil
}

func (c *CRMRestClient) call(ctx context.Context, method string, params map[string]any, result any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}

	resp, err := doWithBackoff(ctx, c.http, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL+"/"+method+".json", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Result           json.RawMessage `json:"result"`
		Error            string          `json:"error"`
		ErrorDescription string          `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != "" {
		return fmt.Errorf("%s: %s", envelope.Error, envelope.ErrorDescription)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, result)
}
