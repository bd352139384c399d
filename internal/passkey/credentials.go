package passkey

import (
	"context"
	"strings"

	apperrors "github.com/louisbranch/stronghold/internal/platform/errors"
)

// ListCredentials returns the account's credentials ordered by creation time.
func (s *Service) ListCredentials(ctx context.Context, accountID string) ([]CredentialSummary, error) {
	ctx, span := s.tracer.Start(ctx, "passkey.ListCredentials")
	defer span.End()

	if err := s.ready(); err != nil {
		return nil, err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "account id is required")
	}
	if _, err := s.accounts.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	records, err := s.credentials.ListCredentials(ctx, accountID)
	if err != nil {
		return nil, err
	}
	summaries := make([]CredentialSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, summarize(record))
	}
	return summaries, nil
}

// RenameCredential updates a credential's display name.
//
// The store scopes the write to the owning account, so a credential owned by
// someone else reads as not found rather than as forbidden.
func (s *Service) RenameCredential(ctx context.Context, accountID, credentialID, displayName string) error {
	ctx, span := s.tracer.Start(ctx, "passkey.RenameCredential")
	defer span.End()

	if err := s.ready(); err != nil {
		return err
	}
	accountID = strings.TrimSpace(accountID)
	credentialID = strings.TrimSpace(credentialID)
	displayName = strings.TrimSpace(displayName)
	if accountID == "" || credentialID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "account id and credential id are required")
	}
	if displayName == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "display name is required")
	}
	return s.credentials.RenameCredential(ctx, accountID, credentialID, displayName, s.clock().UTC())
}

// DeleteCredential removes a credential. Ownership mismatches read as not
// found, like RenameCredential.
func (s *Service) DeleteCredential(ctx context.Context, accountID, credentialID string) error {
	ctx, span := s.tracer.Start(ctx, "passkey.DeleteCredential")
	defer span.End()

	if err := s.ready(); err != nil {
		return err
	}
	accountID = strings.TrimSpace(accountID)
	credentialID = strings.TrimSpace(credentialID)
	if accountID == "" || credentialID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "account id and credential id are required")
	}
	return s.credentials.DeleteCredential(ctx, accountID, credentialID)
}
