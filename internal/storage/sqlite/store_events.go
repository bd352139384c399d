package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/stronghold/internal/storage"
)

// AppendSecurityEvent records an append-only security event.
func (s *Store) AppendSecurityEvent(ctx context.Context, event storage.SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(event.Kind) == "" {
		return fmt.Errorf("event kind is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO security_events (id, kind, account_id, credential_id, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		event.ID,
		event.Kind,
		event.AccountID,
		event.CredentialID,
		event.Detail,
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	return nil
}
