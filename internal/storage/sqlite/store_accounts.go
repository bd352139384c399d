package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/stronghold/internal/storage"
)

// PutAccount inserts or updates an account record.
func (s *Store) PutAccount(ctx context.Context, account storage.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(account.ID) == "" {
		return fmt.Errorf("account id is required")
	}
	if strings.TrimSpace(account.Email) == "" {
		return fmt.Errorf("account email is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO accounts (id, email, display_name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    email = excluded.email,
    display_name = excluded.display_name,
    updated_at = excluded.updated_at
`,
		account.ID,
		account.Email,
		account.DisplayName,
		toMillis(account.CreatedAt),
		toMillis(account.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateAccountEmail
		}
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, accountID string) (storage.Account, error) {
	if err := ctx.Err(); err != nil {
		return storage.Account{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Account{}, err
	}
	if strings.TrimSpace(accountID) == "" {
		return storage.Account{}, fmt.Errorf("account id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, display_name, created_at, updated_at
FROM accounts
WHERE id = ?
`, accountID)
	return scanAccount(row)
}

// GetAccountByEmail fetches an account by its unique email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (storage.Account, error) {
	if err := ctx.Err(); err != nil {
		return storage.Account{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Account{}, err
	}
	if strings.TrimSpace(email) == "" {
		return storage.Account{}, fmt.Errorf("email is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, display_name, created_at, updated_at
FROM accounts
WHERE email = ?
`, email)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (storage.Account, error) {
	var account storage.Account
	var createdAt int64
	var updatedAt int64
	if err := row.Scan(&account.ID, &account.Email, &account.DisplayName, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Account{}, storage.ErrNotFound
		}
		return storage.Account{}, fmt.Errorf("scan account: %w", err)
	}
	account.CreatedAt = fromMillis(createdAt)
	account.UpdatedAt = fromMillis(updatedAt)
	return account, nil
}
