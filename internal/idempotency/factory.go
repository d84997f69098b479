package idempotency

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"relaygate/internal/domain"
)

// ErrUnsafeBackendInProduction means the in-memory fallback was requested
// while the gateway runs in a production configuration. The process must
// fail fast rather than silently degrade.
var ErrUnsafeBackendInProduction = errors.New("in-memory idempotency store refused in production")

// NewStore selects the backend from the DSN scheme: postgres:// for the
// durable shared store, memory:// (or empty outside production) for the
// local fallback.
func NewStore(dsn string, production bool, logger *slog.Logger) (domain.IdempotencyStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "memory://"
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("idempotency dsn: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, logger)
	case "memory", "mem", "inmem":
		if production {
			return nil, ErrUnsafeBackendInProduction
		}
		logger.Warn("using in-memory idempotency store, single-instance only")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency backend scheme: %s", parsed.Scheme)
	}
}
