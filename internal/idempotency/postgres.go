package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"relaygate/internal/domain"
)

// PostgresStore is the durable shared backend, required whenever the
// gateway runs multi-instance. Row-level upsert locking serializes
// conflicting writes to the same key.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens the connection pool and ensures the schema.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	store := &PostgresStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("idempotency schema migration: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key          TEXT PRIMARY KEY,
		payload_hash TEXT NOT NULL,
		response     JSONB NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_records (expires_at);`
	_, err := s.db.Exec(schema)
	return err
}

// storedResponse is the JSONB column shape.
type storedResponse struct {
	RequestID   string            `json:"requestId,omitempty"`
	Result      domain.SendResult `json:"result"`
	FailureCode string            `json:"failureCode,omitempty"`
	FailureMsg  string            `json:"failureMessage,omitempty"`
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_hash, response, expires_at
		   FROM idempotency_records
		  WHERE key = $1 AND expires_at > now()`, key)

	var (
		hash      string
		respJSON  []byte
		expiresAt time.Time
	)
	if err := row.Scan(&hash, &respJSON, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency get %q: %w", key, err)
	}

	var resp storedResponse
	if err := json.Unmarshal(respJSON, &resp); err != nil {
		return nil, fmt.Errorf("idempotency record %q corrupt: %w", key, err)
	}

	return &domain.IdempotencyRecord{
		Key:         key,
		PayloadHash: hash,
		RequestID:   resp.RequestID,
		Result:      resp.Result,
		FailureCode: resp.FailureCode,
		FailureMsg:  resp.FailureMsg,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, rec domain.IdempotencyRecord, ttl time.Duration) error {
	respJSON, err := json.Marshal(storedResponse{
		RequestID:   rec.RequestID,
		Result:      rec.Result,
		FailureCode: rec.FailureCode,
		FailureMsg:  rec.FailureMsg,
	})
	if err != nil {
		return fmt.Errorf("marshal idempotency response: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (key, payload_hash, response, expires_at)
		 VALUES ($1, $2, $3, now() + $4 * interval '1 second')
		 ON CONFLICT (key) DO UPDATE
		    SET payload_hash = EXCLUDED.payload_hash,
		        response     = EXCLUDED.response,
		        expires_at   = EXCLUDED.expires_at`,
		key, rec.PayloadHash, respJSON, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("idempotency set %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }
