// Package httpapi exposes the gateway's HTTP surface: provider webhooks,
// the outbound send endpoint, connection lifecycle operations and the
// operational healthz/metrics endpoints.
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relaygate/internal/config"
	"relaygate/internal/connection"
	"relaygate/internal/domain"
	"relaygate/internal/metrics"
	"relaygate/internal/normalize"
	"relaygate/internal/outbound"
)

// maxBodySize caps webhook and API request bodies.
const maxBodySize = 1 << 20

// MessageSender is the outbound send entry point. Satisfied by
// outbound.Orchestrator.
type MessageSender interface {
	Send(ctx context.Context, idempotencyKey string, req domain.SendRequest) (outbound.SendOutcome, error)
}

// InboundForwarder mirrors normalized inbound messages into CRM chats.
// Satisfied by reconcile.Forwarder; nil disables mirroring.
type InboundForwarder interface {
	ForwardInbound(ctx context.Context, msg domain.CanonicalMessage) error
}

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	registry   *normalize.Registry
	sender     MessageSender
	manager    *connection.Manager
	publisher  domain.EventPublisher
	forwarder  InboundForwarder
	logger     *slog.Logger
	httpServer *http.Server
}

func NewServer(
	cfg *config.Config,
	registry *normalize.Registry,
	sender MessageSender,
	manager *connection.Manager,
	publisher domain.EventPublisher,
	forwarder InboundForwarder,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		sender:    sender,
		manager:   manager,
		publisher: publisher,
		forwarder: forwarder,
		logger:    logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the request mux. Exposed for tests.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)
	mux.HandleFunc("POST /v1/messages/send", s.handleSend)
	mux.HandleFunc("POST /v1/channels/{channel}/accounts/{account}/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/channels/{channel}/accounts/{account}/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /v1/channels/{channel}/accounts/{account}/health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	return mux
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- Webhook intake ---

// handleWebhook accepts one payload or a JSON array of payloads from a
// provider push. Items are processed independently; a malformed item is
// counted and skipped without failing its batch.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := r.PathValue("provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	metrics.WebhooksReceived.Inc()

	if !s.verifySignature(r, body) {
		metrics.WebhooksRejected.Inc()
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	normalizer, err := s.registry.Lookup(providerName)
	if err != nil {
		metrics.WebhooksRejected.Inc()
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", providerName))
		return
	}

	accountID := r.URL.Query().Get("account")
	eventHint := r.URL.Query().Get("event")

	items := splitBatch(body)
	accepted, rejected := 0, 0
	for _, item := range items {
		if err := s.processPayload(r.Context(), normalizer, accountID, eventHint, item); err != nil {
			// Only payloads the normalizer refuses count as rejections.
			// Anything else is an internal failure: answer 5xx so the
			// provider redelivers instead of dropping the event.
			if !errors.Is(err, domain.ErrInvalidProviderPayload) {
				s.logger.Error("webhook processing failed",
					"provider", providerName, "account", accountID, "err", err)
				writeError(w, http.StatusInternalServerError, "event processing failed")
				return
			}
			rejected++
			s.logger.Warn("webhook payload rejected",
				"provider", providerName, "account", accountID, "err", err)
			continue
		}
		accepted++
	}
	if rejected > 0 {
		metrics.WebhooksRejected.Add(int64(rejected))
	}

	// A lone malformed payload is a client error; inside a batch it only
	// counts against its own item.
	status := http.StatusOK
	if accepted == 0 && rejected > 0 && len(items) == 1 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (s *Server) processPayload(ctx context.Context, n normalize.Normalizer, accountID, eventHint string, raw []byte) error {
	if n.IsStatusEvent(eventHint, raw) {
		evt, err := n.NormalizeStatus(accountID, raw)
		if err != nil {
			return err
		}
		return s.publisher.Publish(ctx, domain.EventDeliveryStatusUpdated, evt)
	}

	msg, err := n.NormalizeMessage(accountID, raw)
	if err != nil {
		return err
	}
	metrics.InboundNormalized.Inc()
	if err := s.publisher.Publish(ctx, domain.EventInboundReceived, msg); err != nil {
		return err
	}
	// CRM mirroring is best effort: the canonical event is already
	// published, a CRM outage must not bounce the webhook.
	if s.forwarder != nil {
		if err := s.forwarder.ForwardInbound(ctx, msg); err != nil {
			s.logger.Warn("crm mirror failed", "provider", n.Provider(), "err", err)
		}
	}
	return nil
}

// verifySignature checks X-Hub-Signature-256 when a webhook secret is
// configured. Without a secret every payload is accepted.
func (s *Server) verifySignature(r *http.Request, body []byte) bool {
	secret := s.cfg.HTTP.WebhookSecret
	if secret == "" {
		return true
	}
	header := r.Header.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, "sha256=")))
}

// splitBatch returns the elements of a top-level JSON array, or the whole
// body as a single item.
func splitBatch(body []byte) [][]byte {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "[") {
		return [][]byte{body}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return [][]byte{body}
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// --- Outbound send ---

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")

	var req domain.SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed send request: "+err.Error())
		return
	}
	if !req.Channel.Known() {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown channel %q", req.Channel))
		return
	}
	if req.AccountID == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "accountId and chatId are required")
		return
	}

	outcome, err := s.sender.Send(r.Context(), key, req)
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, outcome)
}

func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	var pe *domain.ProviderError
	switch {
	case errors.Is(err, domain.ErrMissingIdempotencyKey):
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
	case errors.Is(err, domain.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnsupportedMessageType), errors.Is(err, domain.ErrUnsupportedChannel):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrChannelAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &pe):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": pe.Message,
			"code":  pe.Code,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Connection lifecycle ---

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	channel := domain.Channel(r.PathValue("channel"))
	account := r.PathValue("account")

	res, err := s.manager.Connect(r.Context(), channel, account)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	channel := domain.Channel(r.PathValue("channel"))
	account := r.PathValue("account")

	if err := s.manager.Disconnect(r.Context(), channel, account); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": string(domain.StateDisconnected)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	channel := domain.Channel(r.PathValue("channel"))
	account := r.PathValue("account")

	state, err := s.manager.Health(r.Context(), channel, account)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnsupportedChannel):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrChannelAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Operational endpoints ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": metrics.Collector.Uptime().String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
