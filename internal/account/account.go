// Package account provides the identity records credentials attach to.
//
// Accounts are owned by the surrounding application; this subsystem keeps
// only what the relying party needs to build WebAuthn user entities and to
// resolve discoverable-login user handles.
package account

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/louisbranch/stronghold/internal/platform/errors"
	"github.com/louisbranch/stronghold/internal/platform/id"
	"github.com/louisbranch/stronghold/internal/storage"
)

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.New(apperrors.CodeAccountEmailEmpty, "email is required")
	// ErrInvalidEmail indicates an email that does not match the required format.
	ErrInvalidEmail = apperrors.New(apperrors.CodeAccountEmailInvalid, "email format is invalid")

	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// CreateInput describes the metadata needed to create an account record.
type CreateInput struct {
	Email       string
	DisplayName string
}

// Create builds a durable account record from validated input.
//
// This is the canonical point where untrusted email data becomes a stable
// identity the ceremony and hand-off paths rely on.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (storage.Account, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return storage.Account{}, err
	}

	accountID, err := idGenerator()
	if err != nil {
		return storage.Account{}, fmt.Errorf("generate account id: %w", err)
	}

	createdAt := now().UTC()
	return storage.Account{
		ID:          accountID,
		Email:       normalized.Email,
		DisplayName: normalized.DisplayName,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// NormalizeCreateInput trims and normalizes input before validation.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if input.Email == "" {
		return CreateInput{}, ErrEmptyEmail
	}
	if !emailPattern.MatchString(input.Email) {
		return CreateInput{}, ErrInvalidEmail
	}
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if input.DisplayName == "" {
		input.DisplayName = input.Email
	}
	return input, nil
}
