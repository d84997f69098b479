// Package outbound implements exactly-once-effect message sending: every
// send is keyed by a caller-supplied idempotency key and the cached outcome
// is replayed on retries instead of re-invoking the provider.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"relaygate/internal/domain"
	"relaygate/internal/idempotency"
	"relaygate/internal/metrics"
)

// ConnectivityChecker answers whether an account is currently usable for
// sending. Satisfied by connection.Manager.
type ConnectivityChecker interface {
	IsConnected(channel domain.Channel, accountID string) bool
}

// SendOutcome is the orchestrator's answer to one send request. Replayed is
// true when the result came from the idempotency cache and the provider was
// not called.
type SendOutcome struct {
	DeliveryRequestID string            `json:"deliveryRequestId"`
	Result            domain.SendResult `json:"result"`
	Replayed          bool              `json:"replayed"`
}

// Orchestrator routes outbound sends to the owning provider client, guarded
// by the idempotency store.
type Orchestrator struct {
	clients      map[domain.Channel]domain.ProviderClient
	connectivity ConnectivityChecker
	store        domain.IdempotencyStore
	publisher    domain.EventPublisher
	ttl          time.Duration
	logger       *slog.Logger
}

func NewOrchestrator(
	clients map[domain.Channel]domain.ProviderClient,
	connectivity ConnectivityChecker,
	store domain.IdempotencyStore,
	publisher domain.EventPublisher,
	ttl time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		clients:      clients,
		connectivity: connectivity,
		store:        store,
		publisher:    publisher,
		ttl:          ttl,
		logger:       logger,
	}
}

// Send performs one outbound send under the given idempotency key.
//
// Within the key's TTL window the provider is invoked at most once: repeats
// with the same payload replay the cached outcome (success or failure),
// repeats with a different payload fail with ErrIdempotencyConflict. The
// cache lookup runs before any validation, so a retry of an already-recorded
// send gets the stored answer even if the account has since dropped.
func (o *Orchestrator) Send(ctx context.Context, idempotencyKey string, req domain.SendRequest) (SendOutcome, error) {
	if idempotencyKey == "" {
		return SendOutcome{}, domain.ErrMissingIdempotencyKey
	}

	hash, err := idempotency.ComputeHash(req)
	if err != nil {
		return SendOutcome{}, fmt.Errorf("hash send request: %w", err)
	}

	if rec, err := o.store.Get(ctx, idempotencyKey); err != nil {
		return SendOutcome{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if rec != nil {
		if rec.PayloadHash != hash {
			return SendOutcome{}, fmt.Errorf("%w: key %q reused with a different payload", domain.ErrIdempotencyConflict, idempotencyKey)
		}
		o.logger.Info("replaying cached send outcome", "key", idempotencyKey, "channel", req.Channel)
		metrics.SendsReplayed.Inc()
		outcome := SendOutcome{DeliveryRequestID: rec.RequestID, Result: rec.Result, Replayed: true}
		if rec.FailureCode != "" {
			return outcome, &domain.ProviderError{Code: rec.FailureCode, Message: rec.FailureMsg}
		}
		return outcome, nil
	}

	client, ok := o.clients[req.Channel]
	if !ok {
		return SendOutcome{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedChannel, req.Channel)
	}
	if !client.Supports(req.Message.Kind) {
		return SendOutcome{}, fmt.Errorf("%w: %s on %s", domain.ErrUnsupportedMessageType, req.Message.Kind, req.Channel)
	}
	if !o.connectivity.IsConnected(req.Channel, req.AccountID) {
		return SendOutcome{}, fmt.Errorf("%w: %s/%s is not connected", domain.ErrChannelAccountNotFound, req.Channel, req.AccountID)
	}

	requestID := uuid.New().String()
	metrics.SendsTotal.Inc()
	started := time.Now()
	result, sendErr := client.Send(ctx, req)
	metrics.SendLatency.Observe(time.Since(started).Seconds())
	if sendErr != nil {
		metrics.SendsFailed.Inc()
		provErr := asProviderError(sendErr)
		rec := domain.IdempotencyRecord{
			Key:         idempotencyKey,
			PayloadHash: hash,
			RequestID:   requestID,
			FailureCode: provErr.Code,
			FailureMsg:  provErr.Message,
		}
		if err := o.store.Set(ctx, idempotencyKey, rec, o.ttl); err != nil {
			o.logger.Error("cache send failure", "key", idempotencyKey, "err", err)
		}
		o.publishStatus(ctx, req, requestID, domain.DeliveryStatusEvent{
			Status: domain.StatusFailed,
			Reason: &domain.StatusReason{Code: provErr.Code, Message: provErr.Message},
			IsFinal: true,
		})
		return SendOutcome{DeliveryRequestID: requestID}, provErr
	}

	rec := domain.IdempotencyRecord{
		Key:         idempotencyKey,
		PayloadHash: hash,
		RequestID:   requestID,
		Result:      result,
	}
	if err := o.store.Set(ctx, idempotencyKey, rec, o.ttl); err != nil {
		// The provider effect already happened; a cache write failure
		// must not turn the send into an error.
		o.logger.Error("cache send result", "key", idempotencyKey, "err", err)
	}

	o.publishStatus(ctx, req, requestID, domain.DeliveryStatusEvent{
		Status: result.Status,
		ExternalMessage: &domain.ExternalMessageRef{
			ID:    result.ProviderMessageID,
			Scope: req.AccountID,
		},
		IsFinal: false,
	})
	return SendOutcome{DeliveryRequestID: requestID, Result: result}, nil
}

// Forget drops the cached outcome for a key. Callers that drive their own
// retry schedule use it to clear a recorded failure so the next attempt
// reaches the provider again instead of replaying until the TTL expires.
func (o *Orchestrator) Forget(ctx context.Context, idempotencyKey string) error {
	return o.store.Delete(ctx, idempotencyKey)
}

func (o *Orchestrator) publishStatus(ctx context.Context, req domain.SendRequest, requestID string, evt domain.DeliveryStatusEvent) {
	evt.Channel = req.Channel
	evt.AccountID = req.AccountID
	evt.DeliveryRequestID = requestID
	evt.OccurredAt = time.Now().UTC()
	if err := o.publisher.Publish(ctx, domain.EventDeliveryStatusUpdated, evt); err != nil {
		o.logger.Error("publish delivery status", "request", requestID, "err", err)
	}
}

func asProviderError(err error) *domain.ProviderError {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &domain.ProviderError{Code: "SEND_FAILED", Message: err.Error()}
}
