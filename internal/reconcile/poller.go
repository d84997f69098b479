// Package reconcile bridges external channel conversations and CRM chats in
// both directions: inbound messages are forwarded into CRM chats, and a
// polling loop carries operator replies back out through the owning channel.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/metrics"
	"relaygate/internal/outbound"
)

// Sender is the outbound path the poller forwards operator replies through.
// Backed by the send orchestrator: forwarding under a deterministic
// idempotency key keeps retries from double-sending a reply that already
// went out, while Forget clears a recorded failure so the loop's own
// next-cycle retry reaches the provider again.
type Sender interface {
	Send(ctx context.Context, idempotencyKey string, req domain.SendRequest) (outbound.SendOutcome, error)
	Forget(ctx context.Context, idempotencyKey string) error
}

// Poller periodically scans every chat forward mapping for CRM operator
// replies newer than the chat's cursor and relays them to the external
// conversation. Exactly one poller instance may own the cursors.
type Poller struct {
	crm       domain.CRMClient
	mappings  domain.MappingStore
	sender    Sender
	botUserID int64
	interval  time.Duration
	logger    *slog.Logger
}

func NewPoller(crm domain.CRMClient, mappings domain.MappingStore, sender Sender, botUserID int64, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		crm:       crm,
		mappings:  mappings,
		sender:    sender,
		botUserID: botUserID,
		interval:  interval,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled, polling at a fixed interval. A slow
// sweep delays the next tick rather than overlapping it.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("reconciliation poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconciliation poller stopped")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one poll pass over all mappings. A failing chat never blocks
// the others.
func (p *Poller) Sweep(ctx context.Context) {
	mappings, err := p.mappings.List(ctx)
	if err != nil {
		p.logger.Error("list forward mappings", "err", err)
		return
	}
	for _, m := range mappings {
		if err := p.sweepChat(ctx, m); err != nil {
			p.logger.Warn("chat sweep failed, cursor kept at last success",
				"crmChat", m.CRMChatID, "err", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Poller) sweepChat(ctx context.Context, m domain.ChatForwardMapping) error {
	messages, err := p.crm.MessagesSince(ctx, m.CRMChatID, m.LastForwardedID)
	if err != nil {
		return fmt.Errorf("fetch crm messages: %w", err)
	}

	for _, msg := range messages {
		// System-origin messages (including our own mirrored inbound)
		// are skipped, but the cursor still passes over them so they
		// are not refetched forever.
		if msg.AuthorID == 0 || msg.AuthorID == p.botUserID {
			if err := p.mappings.AdvanceCursor(ctx, m.CRMChatID, msg.ID); err != nil {
				return fmt.Errorf("advance cursor over system message %d: %w", msg.ID, err)
			}
			continue
		}

		key := fmt.Sprintf("crm-forward:%s:%d", m.CRMChatID, msg.ID)
		req := domain.SendRequest{
			Channel:   m.SourceChannel,
			AccountID: m.AccountID,
			ChatID:    m.ExternalChatID,
			Message: domain.Message{
				Kind:    domain.KindText,
				Content: domain.MessageContent{Text: msg.Text},
			},
		}
		if _, err := p.sender.Send(ctx, key, req); err != nil {
			// Drop the recorded failure so the next sweep reaches the
			// provider again instead of replaying it until the TTL
			// expires. No provider effect happened, so forgetting the
			// key cannot cause a duplicate send.
			if ferr := p.sender.Forget(ctx, key); ferr != nil {
				p.logger.Warn("forget failed send record", "key", key, "err", ferr)
			}
			// Stop this chat at the last forwarded message; the next
			// sweep retries from here under the same key.
			return fmt.Errorf("forward message %d: %w", msg.ID, err)
		}
		metrics.PollerForwards.Inc()
		if err := p.mappings.AdvanceCursor(ctx, m.CRMChatID, msg.ID); err != nil {
			return fmt.Errorf("advance cursor to %d: %w", msg.ID, err)
		}
	}
	return nil
}
