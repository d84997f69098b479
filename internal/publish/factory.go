package publish

import (
	"log/slog"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// New selects the publisher for the current configuration. A disabled
// broker is allowed only outside production; in production the process must
// refuse to operate rather than silently drop events.
func New(cfg *config.Config, logger *slog.Logger) (domain.EventPublisher, error) {
	if cfg.Broker.Enabled {
		return NewKafkaPublisher(cfg.Broker.Brokers, cfg.Broker.ClientID, logger), nil
	}
	if cfg.IsProduction() {
		return nil, domain.ErrBrokerDisabledInProduction
	}
	logger.Warn("broker disabled, using in-process event emitter")
	return NewEmitter(logger), nil
}
