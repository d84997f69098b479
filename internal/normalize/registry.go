// Package normalize maps arbitrary provider webhook payloads into canonical
// inbound-message and delivery-status events. Each provider's extraction
// logic lives behind one Normalizer implementation; nothing
// provider-specific escapes into the canonical content union.
package normalize

import (
	"fmt"
	"sync"

	"relaygate/internal/domain"
)

// Normalizer converts one provider's raw webhook payloads into canonical
// events. Implementations must not place provider field names inside
// CanonicalMessage.Message.Content.
type Normalizer interface {
	Provider() string
	Channel() domain.Channel

	// IsStatusEvent classifies a payload as a delivery-status update using
	// the provider's event-name hint and, if needed, the payload itself.
	IsStatusEvent(eventHint string, raw []byte) bool

	// NormalizeMessage returns ErrInvalidProviderPayload for unknown or
	// malformed payloads rather than emitting a partially-populated event.
	NormalizeMessage(accountID string, raw []byte) (domain.CanonicalMessage, error)

	NormalizeStatus(accountID string, raw []byte) (domain.DeliveryStatusEvent, error)
}

// Registry holds the configured normalizers keyed by provider name.
type Registry struct {
	mu          sync.RWMutex
	normalizers map[string]Normalizer
}

func NewRegistry() *Registry {
	return &Registry{normalizers: make(map[string]Normalizer)}
}

func (r *Registry) Register(n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalizers[n.Provider()] = n
}

// Lookup returns the normalizer for a provider name.
func (r *Registry) Lookup(provider string) (Normalizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.normalizers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidProviderPayload, provider)
	}
	return n, nil
}
