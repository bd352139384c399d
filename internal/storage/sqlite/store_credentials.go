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

// InsertCredential stores a newly registered WebAuthn credential.
//
// The credential id is the primary key across all accounts, so re-registering
// the same authenticator fails regardless of who owns the first registration.
func (s *Store) InsertCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.AccountID) == "" {
		return fmt.Errorf("account id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (
    credential_id,
    account_id,
    display_name,
    sign_count,
    credential_json,
    created_at,
    updated_at,
    last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		credential.CredentialID,
		credential.AccountID,
		credential.DisplayName,
		int64(credential.SignCount),
		credential.CredentialJSON,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		lastUsed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateCredential
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential fetches a stored credential by id.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Credential{}, err
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, account_id, display_name, sign_count, credential_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE credential_id = ?
`, credentialID)

	credential, err := scanCredential(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

// ListCredentials returns an account's credentials ordered by creation time.
func (s *Store) ListCredentials(ctx context.Context, accountID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("account id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, account_id, display_name, sign_count, credential_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE account_id = ?
ORDER BY created_at, credential_id
`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	credentials := make([]storage.Credential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// AdvanceCredentialCounter conditionally persists a new sign counter.
//
// The WHERE clause re-checks the monotonicity policy (strictly greater, or
// the all-zero counterless case) so two concurrent authentications can never
// both claim the same counter value.
func (s *Store) AdvanceCredentialCounter(ctx context.Context, credentialID string, signCount uint32, credentialJSON string, usedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	if strings.TrimSpace(credentialID) == "" {
		return false, fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials
SET sign_count = ?1, credential_json = ?2, updated_at = ?3, last_used_at = ?3
WHERE credential_id = ?4
  AND (sign_count < ?1 OR (sign_count = 0 AND ?1 = 0))
`,
		int64(signCount),
		credentialJSON,
		toMillis(usedAt),
		credentialID,
	)
	if err != nil {
		return false, fmt.Errorf("advance credential counter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance credential counter: %w", err)
	}
	return rows > 0, nil
}

// RenameCredential updates the display name of an owned credential.
//
// Ownership is part of the WHERE clause so renaming another account's
// credential is indistinguishable from renaming a missing one.
func (s *Store) RenameCredential(ctx context.Context, accountID, credentialID, displayName string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("account id is required")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials
SET display_name = ?, updated_at = ?
WHERE credential_id = ? AND account_id = ?
`, displayName, toMillis(now), credentialID, accountID)
	if err != nil {
		return fmt.Errorf("rename credential: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename credential: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteCredential removes an owned credential.
func (s *Store) DeleteCredential(ctx context.Context, accountID, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("account id is required")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM passkey_credentials
WHERE credential_id = ? AND account_id = ?
`, credentialID, accountID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanCredential(scan func(dest ...any) error) (storage.Credential, error) {
	var credential storage.Credential
	var signCount int64
	var createdAt int64
	var updatedAt int64
	var lastUsed sql.NullInt64
	if err := scan(
		&credential.CredentialID,
		&credential.AccountID,
		&credential.DisplayName,
		&signCount,
		&credential.CredentialJSON,
		&createdAt,
		&updatedAt,
		&lastUsed,
	); err != nil {
		return storage.Credential{}, err
	}
	credential.SignCount = uint32(signCount)
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}
