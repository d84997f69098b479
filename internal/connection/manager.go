// Package connection drives the per-account connect/disconnect/health state
// machine and reports every transition through published
// channels.connection.state.changed events.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaygate/internal/domain"
	"relaygate/internal/metrics"
)

// ConnectResult is the immediate answer to an asynchronous connect request.
type ConnectResult struct {
	ConnectRequestID string                 `json:"connectRequestId"`
	State            domain.ConnectionState `json:"state"`
}

type accountKey struct {
	channel   domain.Channel
	accountID string
}

// Manager owns all channel accounts. Accounts are created on first connect
// and only ever transitioned, never removed.
type Manager struct {
	clients   map[domain.Channel]domain.ProviderClient
	publisher domain.EventPublisher
	logger    *slog.Logger

	mu       sync.RWMutex
	accounts map[accountKey]*domain.ChannelAccount

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(clients map[domain.Channel]domain.ProviderClient, publisher domain.EventPublisher, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		clients:   clients,
		publisher: publisher,
		logger:    logger,
		accounts:  make(map[accountKey]*domain.ChannelAccount),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Connect starts the pairing flow for an account. It returns immediately
// with PENDING; the AWAITING_USER_ACTION and CONNECTED/FAILED transitions
// are published from a background task. No transition skips PENDING.
func (m *Manager) Connect(ctx context.Context, channel domain.Channel, accountID string) (ConnectResult, error) {
	client, ok := m.clients[channel]
	if !ok {
		return ConnectResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedChannel, channel)
	}
	if accountID == "" {
		return ConnectResult{}, fmt.Errorf("%w: empty account id", domain.ErrChannelAccountNotFound)
	}

	requestID := uuid.New().String()
	m.setState(ctx, channel, accountID, domain.StateConnPending, requestID, nil)

	m.wg.Add(1)
	go m.runConnect(requestID, channel, accountID, client)

	return ConnectResult{ConnectRequestID: requestID, State: domain.StateConnPending}, nil
}

func (m *Manager) runConnect(requestID string, channel domain.Channel, accountID string, client domain.ProviderClient) {
	defer m.wg.Done()
	ctx := m.baseCtx

	// Pairing/QR step: the user has to act on the provider side.
	m.setState(ctx, channel, accountID, domain.StateAwaitingUser, requestID, nil)

	state, err := client.Connect(ctx, accountID)
	if err != nil {
		m.logger.Error("connect failed", "channel", channel, "account", accountID, "err", err)
		m.setState(ctx, channel, accountID, domain.StateConnectionFailed, requestID, &domain.StatusReason{
			Code:    "CONNECT_FAILED",
			Message: err.Error(),
		})
		return
	}
	if state == "" {
		state = domain.StateConnected
	}
	m.setState(ctx, channel, accountID, state, requestID, nil)
}

// Disconnect is best effort: provider-side teardown errors are logged but
// never prevent the local transition to DISCONNECTED.
func (m *Manager) Disconnect(ctx context.Context, channel domain.Channel, accountID string) error {
	client, ok := m.clients[channel]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedChannel, channel)
	}
	if _, known := m.Account(channel, accountID); !known {
		return fmt.Errorf("%w: %s/%s", domain.ErrChannelAccountNotFound, channel, accountID)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := client.Disconnect(m.baseCtx, accountID); err != nil {
			m.logger.Warn("provider disconnect failed, local state moves on",
				"channel", channel, "account", accountID, "err", err)
		}
		m.setState(m.baseCtx, channel, accountID, domain.StateDisconnected, "", nil)
	}()
	return nil
}

// Health returns the current connectivity for an account. While a connect
// request is still in flight the locally tracked state is authoritative, so
// CONNECTED is never reported prematurely.
func (m *Manager) Health(ctx context.Context, channel domain.Channel, accountID string) (domain.ConnectionState, error) {
	account, ok := m.Account(channel, accountID)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", domain.ErrChannelAccountNotFound, channel, accountID)
	}
	if account.State != domain.StateConnected {
		return account.State, nil
	}

	client := m.clients[channel]
	state, err := client.Health(ctx, accountID)
	if err != nil {
		m.logger.Warn("provider health check failed", "channel", channel, "account", accountID, "err", err)
		return account.State, nil
	}

	// PENDING and AWAITING_USER_ACTION exist only inside a connect flow.
	// A provider that reports a mid-pairing state for an account we hold
	// as CONNECTED has lost the session: record that as DISCONNECTED.
	var reason *domain.StatusReason
	if state == domain.StateConnPending || state == domain.StateAwaitingUser {
		reason = &domain.StatusReason{
			Code:    "SESSION_LOST",
			Message: fmt.Sprintf("provider reports %s for a connected account", state),
		}
		state = domain.StateDisconnected
	}
	if state != account.State {
		m.setState(ctx, channel, accountID, state, "", reason)
		return state, nil
	}

	m.mu.Lock()
	if acc := m.accounts[accountKey{channel, accountID}]; acc != nil {
		acc.LastSeenAt = time.Now().UTC()
	}
	m.mu.Unlock()
	return state, nil
}

// Account returns a snapshot of a tracked account.
func (m *Manager) Account(channel domain.Channel, accountID string) (domain.ChannelAccount, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[accountKey{channel, accountID}]
	if !ok {
		return domain.ChannelAccount{}, false
	}
	return *acc, true
}

// IsConnected reports whether the account is known and currently CONNECTED.
func (m *Manager) IsConnected(channel domain.Channel, accountID string) bool {
	acc, ok := m.Account(channel, accountID)
	return ok && acc.State == domain.StateConnected
}

// Close cancels in-flight background tasks and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) setState(ctx context.Context, channel domain.Channel, accountID string, state domain.ConnectionState, requestID string, reason *domain.StatusReason) {
	now := time.Now().UTC()

	m.mu.Lock()
	key := accountKey{channel, accountID}
	acc, ok := m.accounts[key]
	if !ok {
		acc = &domain.ChannelAccount{Channel: channel, AccountID: accountID}
		m.accounts[key] = acc
	}
	prev := acc.State
	acc.State = state
	acc.LastSeenAt = now
	m.mu.Unlock()

	if prev != domain.StateConnected && state == domain.StateConnected {
		metrics.ConnectedAccounts.Inc()
	} else if prev == domain.StateConnected && state != domain.StateConnected {
		metrics.ConnectedAccounts.Dec()
	}
	m.publishState(ctx, channel, accountID, state, requestID, reason)
}

func (m *Manager) publishState(ctx context.Context, channel domain.Channel, accountID string, state domain.ConnectionState, requestID string, reason *domain.StatusReason) {
	evt := domain.ConnectionStateEvent{
		Channel:          channel,
		AccountID:        accountID,
		ConnectRequestID: requestID,
		State:            state,
		Reason:           reason,
		OccurredAt:       time.Now().UTC(),
	}
	metrics.StateTransitions.Inc()
	if err := m.publisher.Publish(ctx, domain.EventConnectionStateChanged, evt); err != nil {
		m.logger.Error("publish connection state failed",
			"channel", channel, "account", accountID, "state", state, "err", err)
	}
}
