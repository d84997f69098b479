package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"relaygate/internal/domain"
)

// SQLiteMappingStore persists chat forward mappings in a local SQLite file.
// A single connection in WAL mode keeps writes serialized, which matches the
// single-poller ownership of the cursors.
type SQLiteMappingStore struct {
	db *sql.DB
}

func NewSQLiteMappingStore(path string) (*SQLiteMappingStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mapping db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open mapping db: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS chat_forward_mappings (
		crm_chat_id       TEXT PRIMARY KEY,
		external_chat_id  TEXT NOT NULL,
		source_channel    TEXT NOT NULL,
		account_id        TEXT NOT NULL,
		last_forwarded_id INTEGER NOT NULL DEFAULT 0,
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mappings_account
		ON chat_forward_mappings(source_channel, account_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init mapping schema: %w", err)
	}
	return &SQLiteMappingStore{db: db}, nil
}

func (s *SQLiteMappingStore) Get(ctx context.Context, crmChatID string) (*domain.ChatForwardMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT crm_chat_id, external_chat_id, source_channel, account_id,
		       last_forwarded_id, created_at, updated_at
		FROM chat_forward_mappings WHERE crm_chat_id = ?`, crmChatID)

	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteMappingStore) Upsert(ctx context.Context, m domain.ChatForwardMapping) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_forward_mappings
			(crm_chat_id, external_chat_id, source_channel, account_id, last_forwarded_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(crm_chat_id) DO UPDATE SET
			external_chat_id = excluded.external_chat_id,
			source_channel   = excluded.source_channel,
			account_id       = excluded.account_id,
			updated_at       = excluded.updated_at`,
		m.CRMChatID, m.ExternalChatID, string(m.SourceChannel), m.AccountID,
		m.LastForwardedID, m.CreatedAt, now)
	return err
}

func (s *SQLiteMappingStore) List(ctx context.Context) ([]domain.ChatForwardMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT crm_chat_id, external_chat_id, source_channel, account_id,
		       last_forwarded_id, created_at, updated_at
		FROM chat_forward_mappings ORDER BY crm_chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatForwardMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// AdvanceCursor moves the forward cursor, never backwards.
func (s *SQLiteMappingStore) AdvanceCursor(ctx context.Context, crmChatID string, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_forward_mappings
		SET last_forwarded_id = ?, updated_at = ?
		WHERE crm_chat_id = ? AND last_forwarded_id < ?`,
		messageID, time.Now().UTC(), crmChatID, messageID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either the mapping vanished or the cursor is already past
		// messageID. The latter is a no-op, the former is an error.
		existing, getErr := s.Get(ctx, crmChatID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("advance cursor: mapping %q not found", crmChatID)
		}
	}
	return nil
}

func (s *SQLiteMappingStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(r rowScanner) (*domain.ChatForwardMapping, error) {
	var (
		m       domain.ChatForwardMapping
		channel string
	)
	err := r.Scan(&m.CRMChatID, &m.ExternalChatID, &channel, &m.AccountID,
		&m.LastForwardedID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.SourceChannel = domain.Channel(channel)
	return &m, nil
}
