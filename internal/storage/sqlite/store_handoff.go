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

// PutHandoffToken stores a freshly issued hand-off token.
func (s *Store) PutHandoffToken(ctx context.Context, token storage.HandoffToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(token.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if strings.TrimSpace(token.AccountID) == "" {
		return fmt.Errorf("account id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO handoff_tokens (token, account_id, created_at, expires_at)
VALUES (?, ?, ?, ?)
`,
		token.Token,
		token.AccountID,
		toMillis(token.CreatedAt),
		toMillis(token.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put handoff token: %w", err)
	}
	return nil
}

// RedeemHandoffToken atomically claims a token and returns its account id.
//
// Expiry and replay share one conditional write: a token that is missing,
// already redeemed, or past its TTL all surface as ErrNotFound so callers
// cannot distinguish the cases.
func (s *Store) RedeemHandoffToken(ctx context.Context, token string, now time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.ready(); err != nil {
		return "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", storage.ErrNotFound
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE handoff_tokens
SET redeemed_at = ?
WHERE token = ? AND redeemed_at IS NULL AND expires_at > ?
`, toMillis(now), token, toMillis(now))
	if err != nil {
		return "", fmt.Errorf("redeem handoff token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("redeem handoff token: %w", err)
	}
	if rows == 0 {
		return "", storage.ErrNotFound
	}

	var accountID string
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT account_id FROM handoff_tokens WHERE token = ?`, token,
	)
	if err := row.Scan(&accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("redeem handoff token: %w", err)
	}
	return accountID, nil
}

// DeleteExpiredHandoffTokens removes tokens past their expiry.
func (s *Store) DeleteExpiredHandoffTokens(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM handoff_tokens WHERE expires_at <= ?`, toMillis(now),
	); err != nil {
		return fmt.Errorf("delete expired handoff tokens: %w", err)
	}
	return nil
}
