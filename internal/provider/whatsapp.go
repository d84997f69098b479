package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relaygate/internal/domain"
)

const connectPollInterval = 2 * time.Second

// WhatsAppClient talks to a WhatsApp-compatible REST gateway exposing an
// instance-per-account API (Baileys-style). The account id doubles as the
// instance name.
type WhatsAppClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

func NewWhatsAppClient(baseURL, apiKey string, logger *slog.Logger) *WhatsAppClient {
	return &WhatsAppClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    newHTTPClient(defaultHTTPTimeout),
		logger:  logger,
	}
}

func (c *WhatsAppClient) Channel() domain.Channel { return domain.ChannelWhatsApp }

func (c *WhatsAppClient) Supports(kind domain.MessageKind) bool {
	switch kind {
	case domain.KindText, domain.KindMedia, domain.KindLocation, domain.KindContact, domain.KindReaction:
		return true
	}
	return false
}

type waSendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

func (c *WhatsAppClient) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	var (
		path string
		body map[string]any
	)

	switch req.Message.Kind {
	case domain.KindText:
		path = "/message/sendText/" + req.AccountID
		body = map[string]any{"number": req.ChatID, "text": req.Message.Content.Text}
	case domain.KindMedia:
		media := req.Message.Content.Media
		if media == nil {
			return domain.SendResult{}, fmt.Errorf("%w: media content missing", domain.ErrUnsupportedMessageType)
		}
		path = "/message/sendMedia/" + req.AccountID
		body = map[string]any{
			"number":    req.ChatID,
			"mediatype": mediaTypeOf(media.MimeType),
			"media":     media.URL,
			"caption":   media.Caption,
			"fileName":  media.FileName,
		}
	case domain.KindLocation:
		loc := req.Message.Content.Location
		if loc == nil {
			return domain.SendResult{}, fmt.Errorf("%w: location content missing", domain.ErrUnsupportedMessageType)
		}
		path = "/message/sendLocation/" + req.AccountID
		body = map[string]any{
			"number":    req.ChatID,
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
			"name":      loc.Name,
			"address":   loc.Address,
		}
	case domain.KindContact:
		contact := req.Message.Content.Contact
		if contact == nil {
			return domain.SendResult{}, fmt.Errorf("%w: contact content missing", domain.ErrUnsupportedMessageType)
		}
		path = "/message/sendContact/" + req.AccountID
		entries := make([]map[string]any, 0, 1)
		entry := map[string]any{"fullName": contact.Name}
		if len(contact.Phones) > 0 {
			entry["phoneNumber"] = contact.Phones[0]
		}
		entries = append(entries, entry)
		body = map[string]any{"number": req.ChatID, "contact": entries}
	case domain.KindReaction:
		reaction := req.Message.Content.Reaction
		if reaction == nil {
			return domain.SendResult{}, fmt.Errorf("%w: reaction content missing", domain.ErrUnsupportedMessageType)
		}
		path = "/message/sendReaction/" + req.AccountID
		body = map[string]any{
			"key":      map[string]any{"remoteJid": req.ChatID, "id": reaction.TargetMessageID},
			"reaction": reaction.Emoji,
		}
	default:
		return domain.SendResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedMessageType, req.Message.Kind)
	}

	var out waSendResponse
	if err := c.post(ctx, path, body, &out); err != nil {
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			return domain.SendResult{}, pe
		}
		return domain.SendResult{}, &domain.ProviderError{Code: "WHATSAPP_SEND_FAILED", Message: err.Error()}
	}

	status := domain.StatusSent
	if strings.EqualFold(out.Status, "PENDING") {
		status = domain.StatusPending
	}
	return domain.SendResult{
		Status:            status,
		ProviderMessageID: out.Key.ID,
		SentAt:            time.Now().UTC(),
	}, nil
}

// Connect initiates pairing and blocks until the provider reports an open
// session or ctx expires. The gateway-side caller publishes the
// AWAITING_USER_ACTION step; here we only wait for the outcome.
func (c *WhatsAppClient) Connect(ctx context.Context, accountID string) (domain.ConnectionState, error) {
	if err := c.get(ctx, "/instance/connect/"+accountID, nil); err != nil {
		return "", fmt.Errorf("initiate pairing: %w", err)
	}

	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			state, err := c.Health(ctx, accountID)
			if err != nil {
				c.logger.Warn("connection state poll failed", "account", accountID, "err", err)
				continue
			}
			switch state {
			case domain.StateConnected:
				return domain.StateConnected, nil
			case domain.StateDisconnected, domain.StateConnectionFailed:
				return "", fmt.Errorf("pairing ended in state %s", state)
			}
		}
	}
}

func (c *WhatsAppClient) Disconnect(ctx context.Context, accountID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/instance/logout/"+accountID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("logout: HTTP %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (c *WhatsAppClient) Health(ctx context.Context, accountID string) (domain.ConnectionState, error) {
	var out struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := c.get(ctx, "/instance/connectionState/"+accountID, &out); err != nil {
		return "", err
	}
	switch strings.ToLower(out.Instance.State) {
	case "open":
		return domain.StateConnected, nil
	case "connecting":
		return domain.StateConnPending, nil
	case "qr", "pairing":
		return domain.StateAwaitingUser, nil
	case "close", "closed":
		return domain.StateDisconnected, nil
	}
	return "", fmt.Errorf("unknown connection state %q", out.Instance.State)
}

func (c *WhatsAppClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := doWithBackoff(ctx, c.http, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("apikey", c.apiKey)
		return req, nil
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *WhatsAppClient) get(ctx context.Context, path string, out any) error {
	resp, err := doWithBackoff(ctx, c.http, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", c.apiKey)
		return req, nil
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mediaTypeOf(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	}
	return "document"
}
