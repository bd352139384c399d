package storage

import (
	"context"
	"time"

	"github.com/louisbranch/stronghold/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrDuplicateCredential indicates a credential id is already registered.
var ErrDuplicateCredential = errors.New(errors.CodeDuplicateCredential, "credential id already registered")

// ErrCeremonyConsumed indicates a ceremony was already consumed by an earlier
// verification attempt.
var ErrCeremonyConsumed = errors.New(errors.CodeChallengeAlreadyUsed, "ceremony already consumed")

// ErrDuplicateAccountEmail indicates an email is already bound to an account.
var ErrDuplicateAccountEmail = errors.New(errors.CodeAccountEmailTaken, "email already registered")

// Account stores the identity record credentials attach to.
type Account struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credential stores a registered WebAuthn credential.
//
// SignCount is kept as its own column, next to the marshaled credential, so
// counter advancement can be a single conditional write.
type Credential struct {
	CredentialID   string
	AccountID      string
	DisplayName    string
	SignCount      uint32
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// Ceremony stores an issued registration or authentication challenge together
// with the WebAuthn session data needed to verify the response.
type Ceremony struct {
	ID          string
	Kind        string
	AccountID   string
	SessionJSON string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// HandoffToken stores a single-use token bridging a verified authentication
// to the external session provider.
type HandoffToken struct {
	Token      string
	AccountID  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RedeemedAt *time.Time
}

// SecurityEvent records a security-relevant occurrence for alerting.
type SecurityEvent struct {
	ID           string
	Kind         string
	AccountID    string
	CredentialID string
	Detail       string
	Timestamp    time.Time
}

// AccountStore persists account identity records.
type AccountStore interface {
	PutAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
}

// CredentialStore persists WebAuthn credentials.
//
// AdvanceCredentialCounter applies the new counter only when the stored value
// still satisfies the monotonicity policy, and reports whether the write won;
// a false return means a concurrent or replayed authentication already moved
// the counter.
type CredentialStore interface {
	InsertCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	ListCredentials(ctx context.Context, accountID string) ([]Credential, error)
	AdvanceCredentialCounter(ctx context.Context, credentialID string, signCount uint32, credentialJSON string, usedAt time.Time) (bool, error)
	RenameCredential(ctx context.Context, accountID, credentialID, displayName string, now time.Time) error
	DeleteCredential(ctx context.Context, accountID, credentialID string) error
}

// CeremonyStore persists issued ceremonies.
//
// ConsumeCeremony marks the ceremony consumed and returns its prior state;
// exactly one caller observes the unconsumed row. Expiry is the caller's
// check so clocks stay injectable.
type CeremonyStore interface {
	PutCeremony(ctx context.Context, ceremony Ceremony) error
	ConsumeCeremony(ctx context.Context, id string) (Ceremony, error)
	DeleteExpiredCeremonies(ctx context.Context, now time.Time) error
}

// HandoffStore persists session hand-off tokens.
//
// RedeemHandoffToken atomically claims an unredeemed, unexpired token and
// returns the bound account id; every other caller gets ErrNotFound.
type HandoffStore interface {
	PutHandoffToken(ctx context.Context, token HandoffToken) error
	RedeemHandoffToken(ctx context.Context, token string, now time.Time) (string, error)
	DeleteExpiredHandoffTokens(ctx context.Context, now time.Time) error
}

// SecurityEventStore persists append-only security events.
type SecurityEventStore interface {
	AppendSecurityEvent(ctx context.Context, event SecurityEvent) error
}
