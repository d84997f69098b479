package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrIdempotencyConflict means a caller reused an idempotency key with a
	// different payload. This is a caller bug and is never retried.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")

	// ErrMissingIdempotencyKey means the caller omitted the required key.
	ErrMissingIdempotencyKey = errors.New("idempotency key required")

	// ErrUnsupportedMessageType means the target provider cannot render the
	// requested message kind or content shape.
	ErrUnsupportedMessageType = errors.New("unsupported message type")

	// ErrUnsupportedChannel means no provider client is configured for the
	// requested channel.
	ErrUnsupportedChannel = errors.New("unsupported channel")

	// ErrChannelAccountNotFound means the channel account is unknown or not
	// connected.
	ErrChannelAccountNotFound = errors.New("channel account not found")

	// ErrInvalidProviderPayload means an inbound payload could not be
	// normalized into a canonical event.
	ErrInvalidProviderPayload = errors.New("invalid provider payload")

	// ErrBrokerDisabledInProduction means the event broker is disabled while
	// the gateway runs in a production configuration.
	ErrBrokerDisabledInProduction = errors.New("event broker disabled in production")
)

// ProviderError is a provider/transport failure surfaced by a send attempt.
// It is recorded in the idempotency store so a safe retry with the same key
// returns the recorded failure instead of re-attempting the transmit.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
