package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/stronghold/internal/storage"
)

// PutCeremony stores an issued WebAuthn ceremony.
func (s *Store) PutCeremony(ctx context.Context, ceremony storage.Ceremony) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(ceremony.ID) == "" {
		return fmt.Errorf("ceremony id is required")
	}
	if strings.TrimSpace(ceremony.Kind) == "" {
		return fmt.Errorf("ceremony kind is required")
	}
	if strings.TrimSpace(ceremony.SessionJSON) == "" {
		return fmt.Errorf("session json is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_ceremonies (id, kind, account_id, session_json, consumed, created_at, expires_at)
VALUES (?, ?, ?, ?, 0, ?, ?)
`,
		ceremony.ID,
		ceremony.Kind,
		ceremony.AccountID,
		ceremony.SessionJSON,
		toMillis(ceremony.CreatedAt),
		toMillis(ceremony.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put ceremony: %w", err)
	}
	return nil
}

// ConsumeCeremony atomically claims a ceremony for one verification attempt.
//
// The conditional UPDATE with its affected-row check is the single-use
// guarantee: under concurrent attempts exactly one caller flips consumed and
// every other caller gets ErrCeremonyConsumed.
func (s *Store) ConsumeCeremony(ctx context.Context, id string) (storage.Ceremony, error) {
	if err := ctx.Err(); err != nil {
		return storage.Ceremony{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Ceremony{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.Ceremony{}, fmt.Errorf("ceremony id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_ceremonies SET consumed = 1 WHERE id = ? AND consumed = 0
`, id)
	if err != nil {
		return storage.Ceremony{}, fmt.Errorf("consume ceremony: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storage.Ceremony{}, fmt.Errorf("consume ceremony: %w", err)
	}

	ceremony, getErr := s.getCeremony(ctx, id)
	if getErr != nil {
		return storage.Ceremony{}, getErr
	}
	if rows == 0 {
		return storage.Ceremony{}, storage.ErrCeremonyConsumed
	}
	return ceremony, nil
}

// DeleteExpiredCeremonies removes ceremonies past their expiry.
func (s *Store) DeleteExpiredCeremonies(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM passkey_ceremonies WHERE expires_at <= ?`, toMillis(now),
	); err != nil {
		return fmt.Errorf("delete expired ceremonies: %w", err)
	}
	return nil
}

func (s *Store) getCeremony(ctx context.Context, id string) (storage.Ceremony, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, account_id, session_json, created_at, expires_at
FROM passkey_ceremonies
WHERE id = ?
`, id)

	var ceremony storage.Ceremony
	var createdAt int64
	var expiresAt int64
	if err := row.Scan(&ceremony.ID, &ceremony.Kind, &ceremony.AccountID, &ceremony.SessionJSON, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Ceremony{}, storage.ErrNotFound
		}
		return storage.Ceremony{}, fmt.Errorf("get ceremony: %w", err)
	}
	ceremony.CreatedAt = fromMillis(createdAt)
	ceremony.ExpiresAt = fromMillis(expiresAt)
	return ceremony, nil
}
