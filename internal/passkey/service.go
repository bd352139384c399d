// Package passkey implements the WebAuthn relying party: challenge issuance,
// ceremony verification, and credential lifecycle.
package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/stronghold/internal/platform/errors"
	"github.com/louisbranch/stronghold/internal/platform/id"
	"github.com/louisbranch/stronghold/internal/storage"
	"github.com/louisbranch/stronghold/internal/telemetry"
)

const tracerName = "github.com/louisbranch/stronghold/internal/passkey"

// webAuthnProvider abstracts the go-webauthn engine so tests can substitute
// deterministic ceremony outcomes.
type webAuthnProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type credentialParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultCredentialParser struct{}

func (defaultCredentialParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultCredentialParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Service runs WebAuthn ceremonies against the configured stores.
type Service struct {
	webAuthn    webAuthnProvider
	parser      credentialParser
	accounts    storage.AccountStore
	credentials storage.CredentialStore
	ceremonies  storage.CeremonyStore
	events      *telemetry.Emitter
	config      Config
	clock       func() time.Time
	newID       func() (string, error)
	tracer      trace.Tracer
}

// NewService builds the relying party from config and stores.
func NewService(config Config, accounts storage.AccountStore, credentials storage.CredentialStore, ceremonies storage.CeremonyStore, events *telemetry.Emitter) (*Service, error) {
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: config.RPDisplayName,
		RPID:          config.RPID,
		RPOrigins:     config.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Service{
		webAuthn:    webAuthn,
		parser:      defaultCredentialParser{},
		accounts:    accounts,
		credentials: credentials,
		ceremonies:  ceremonies,
		events:      events,
		config:      config,
		clock:       time.Now,
		newID:       id.NewID,
		tracer:      otel.Tracer(tracerName),
	}, nil
}

// BeginResult carries an issued ceremony back to the client.
type BeginResult struct {
	CeremonyID  string
	OptionsJSON []byte
}

// CredentialSummary is the management view of a stored credential.
type CredentialSummary struct {
	CredentialID string
	AccountID    string
	DisplayName  string
	SignCount    uint32
	CreatedAt    time.Time
	LastUsedAt   *time.Time
}

// AuthResult reports a verified authentication.
type AuthResult struct {
	AccountID    string
	CredentialID string
}

// BeginRegistration issues a registration ceremony for an existing account.
//
// Already-registered credential ids are excluded so an authenticator cannot
// re-enroll itself, and resident keys are required so the credential is
// usable for discoverable login later.
func (s *Service) BeginRegistration(ctx context.Context, accountID string) (BeginResult, error) {
	ctx, span := s.tracer.Start(ctx, "passkey.BeginRegistration")
	defer span.End()

	if err := s.ready(); err != nil {
		return BeginResult{}, err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return BeginResult{}, apperrors.New(apperrors.CodeInvalidArgument, "account id is required")
	}

	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return BeginResult{}, err
	}
	entity, err := s.loadWebAuthnUser(ctx, account)
	if err != nil {
		return BeginResult{}, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(entity.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(entity.credentials).CredentialDescriptors()))
	}

	creation, session, err := s.webAuthn.BeginRegistration(entity, options...)
	if err != nil {
		return BeginResult{}, apperrors.Wrap(apperrors.CodeUnknown, "begin registration", err)
	}
	return s.storeCeremony(ctx, CeremonyKindRegistration, account.ID, session, creation)
}

// FinishRegistration verifies an attestation response and stores the new
// credential.
//
// The response is schema-validated before the ceremony is consumed, so a
// malformed payload does not burn the single-use challenge.
func (s *Service) FinishRegistration(ctx context.Context, ceremonyID string, responseJSON []byte, displayName string) (CredentialSummary, error) {
	ctx, span := s.tracer.Start(ctx, "passkey.FinishRegistration")
	defer span.End()

	if err := s.ready(); err != nil {
		return CredentialSummary{}, err
	}
	if len(responseJSON) == 0 {
		return CredentialSummary{}, apperrors.New(apperrors.CodeInvalidArgument, "credential response json is required")
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return CredentialSummary{}, apperrors.Wrap(apperrors.CodeMalformedResponse, "parse credential creation response", err)
	}

	session, accountID, err := s.consumeCeremony(ctx, ceremonyID, CeremonyKindRegistration)
	if err != nil {
		return CredentialSummary{}, err
	}

	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return CredentialSummary{}, err
	}
	entity, err := s.loadWebAuthnUser(ctx, account)
	if err != nil {
		return CredentialSummary{}, err
	}

	credential, err := s.webAuthn.CreateCredential(entity, session, parsed)
	if err != nil {
		verifyErr := classifyCeremonyError(err, "verify attestation response")
		s.emitCeremonyFailure(ctx, account.ID, "", verifyErr)
		return CredentialSummary{}, verifyErr
	}

	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return CredentialSummary{}, fmt.Errorf("encode credential: %w", err)
	}

	now := s.clock().UTC()
	record := storage.Credential{
		CredentialID:   encodeCredentialID(credential.ID),
		AccountID:      account.ID,
		DisplayName:    credentialDisplayName(displayName),
		SignCount:      credential.Authenticator.SignCount,
		CredentialJSON: string(credentialJSON),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.credentials.InsertCredential(ctx, record); err != nil {
		return CredentialSummary{}, err
	}
	return summarize(record), nil
}

// BeginAuthentication issues an authentication ceremony.
//
// With an account hint the allow list is scoped to that account's
// credentials; without one the ceremony is discoverable and the
// authenticator chooses the credential.
func (s *Service) BeginAuthentication(ctx context.Context, accountHint string) (BeginResult, error) {
	ctx, span := s.tracer.Start(ctx, "passkey.BeginAuthentication")
	defer span.End()

	if err := s.ready(); err != nil {
		return BeginResult{}, err
	}

	accountHint = strings.TrimSpace(accountHint)
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)
	if accountHint == "" {
		assertion, session, err = s.webAuthn.BeginDiscoverableLogin()
	} else {
		account, getErr := s.accounts.GetAccount(ctx, accountHint)
		if getErr != nil {
			return BeginResult{}, getErr
		}
		entity, loadErr := s.loadWebAuthnUser(ctx, account)
		if loadErr != nil {
			return BeginResult{}, loadErr
		}
		assertion, session, err = s.webAuthn.BeginLogin(entity)
	}
	if err != nil {
		return BeginResult{}, apperrors.Wrap(apperrors.CodeUnknown, "begin authentication", err)
	}
	return s.storeCeremony(ctx, CeremonyKindAuthentication, accountHint, session, assertion)
}

// FinishAuthentication verifies an assertion response and advances the
// credential's sign counter.
//
// The counter must be strictly greater than the stored value, except when
// both are zero for authenticators that never implement counters. The check
// and the write are one conditional update, so a replayed assertion racing a
// legitimate one cannot both pass.
func (s *Service) FinishAuthentication(ctx context.Context, ceremonyID string, responseJSON []byte) (AuthResult, error) {
	ctx, span := s.tracer.Start(ctx, "passkey.FinishAuthentication")
	defer span.End()

	if err := s.ready(); err != nil {
		return AuthResult{}, err
	}
	if len(responseJSON) == 0 {
		return AuthResult{}, apperrors.New(apperrors.CodeInvalidArgument, "credential response json is required")
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return AuthResult{}, apperrors.Wrap(apperrors.CodeMalformedResponse, "parse credential request response", err)
	}

	session, _, err := s.consumeCeremony(ctx, ceremonyID, CeremonyKindAuthentication)
	if err != nil {
		return AuthResult{}, err
	}

	var lookupErr error
	handler := func(_, userHandle []byte) (webauthn.User, error) {
		entity, err := s.resolveUserHandle(ctx, userHandle)
		if err != nil {
			lookupErr = err
		}
		return entity, err
	}

	validatedUser, validatedCredential, err := s.webAuthn.ValidatePasskeyLogin(handler, session, parsed)
	if err != nil {
		if lookupErr != nil {
			s.emitCeremonyFailure(ctx, "", "", lookupErr)
			return AuthResult{}, lookupErr
		}
		verifyErr := classifyCeremonyError(err, "verify assertion response")
		s.emitCeremonyFailure(ctx, "", encodeCredentialID(parsed.RawID), verifyErr)
		return AuthResult{}, verifyErr
	}

	entity, ok := validatedUser.(*webAuthnUser)
	if !ok {
		return AuthResult{}, fmt.Errorf("unexpected webauthn user type %T", validatedUser)
	}
	credentialID := encodeCredentialID(validatedCredential.ID)

	stored, err := s.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return AuthResult{}, apperrors.New(apperrors.CodeUnknownCredential, "credential is not registered")
		}
		return AuthResult{}, err
	}

	credentialJSON, err := json.Marshal(validatedCredential)
	if err != nil {
		return AuthResult{}, fmt.Errorf("encode credential: %w", err)
	}

	newCount := validatedCredential.Authenticator.SignCount
	advanced, err := s.credentials.AdvanceCredentialCounter(ctx, credentialID, newCount, string(credentialJSON), s.clock().UTC())
	if err != nil {
		return AuthResult{}, err
	}
	if !advanced {
		cloneErr := apperrors.WithMetadata(apperrors.CodePossibleCloneDetected, "sign counter did not advance", map[string]string{
			"stored_count":   fmt.Sprintf("%d", stored.SignCount),
			"asserted_count": fmt.Sprintf("%d", newCount),
			"credential_id":  credentialID,
		})
		_ = s.events.Emit(ctx, storage.SecurityEvent{
			Kind:         telemetry.KindPossibleCloneDetected,
			AccountID:    entity.account.ID,
			CredentialID: credentialID,
			Detail:       fmt.Sprintf("sign counter moved from %d to %d", stored.SignCount, newCount),
		})
		return AuthResult{}, cloneErr
	}

	return AuthResult{AccountID: entity.account.ID, CredentialID: credentialID}, nil
}

func (s *Service) storeCeremony(ctx context.Context, kind CeremonyKind, accountID string, session *webauthn.SessionData, options any) (BeginResult, error) {
	if session == nil {
		return BeginResult{}, fmt.Errorf("session data is required")
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return BeginResult{}, fmt.Errorf("encode session: %w", err)
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return BeginResult{}, fmt.Errorf("encode ceremony options: %w", err)
	}

	ceremonyID, err := s.newID()
	if err != nil {
		return BeginResult{}, fmt.Errorf("generate ceremony id: %w", err)
	}
	now := s.clock().UTC()
	ceremony := storage.Ceremony{
		ID:          ceremonyID,
		Kind:        string(kind),
		AccountID:   accountID,
		SessionJSON: string(sessionJSON),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.config.CeremonyTTL),
	}
	if err := s.ceremonies.PutCeremony(ctx, ceremony); err != nil {
		return BeginResult{}, fmt.Errorf("store ceremony: %w", err)
	}
	return BeginResult{CeremonyID: ceremonyID, OptionsJSON: optionsJSON}, nil
}

func (s *Service) consumeCeremony(ctx context.Context, ceremonyID string, kind CeremonyKind) (webauthn.SessionData, string, error) {
	ceremonyID = strings.TrimSpace(ceremonyID)
	if ceremonyID == "" {
		return webauthn.SessionData{}, "", apperrors.New(apperrors.CodeInvalidArgument, "ceremony id is required")
	}

	ceremony, err := s.ceremonies.ConsumeCeremony(ctx, ceremonyID)
	if err != nil {
		if stderrors.Is(err, storage.ErrCeremonyConsumed) {
			return webauthn.SessionData{}, "", apperrors.New(apperrors.CodeChallengeAlreadyUsed, "ceremony was already used")
		}
		if stderrors.Is(err, storage.ErrNotFound) {
			return webauthn.SessionData{}, "", apperrors.New(apperrors.CodeUnknownChallenge, "ceremony not found")
		}
		return webauthn.SessionData{}, "", err
	}
	if ceremony.Kind != string(kind) {
		return webauthn.SessionData{}, "", apperrors.New(apperrors.CodeUnknownChallenge, "ceremony kind mismatch")
	}
	if ceremony.ExpiresAt.Before(s.clock().UTC()) {
		return webauthn.SessionData{}, "", apperrors.New(apperrors.CodeExpiredChallenge, "ceremony expired")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(ceremony.SessionJSON), &session); err != nil {
		return webauthn.SessionData{}, "", fmt.Errorf("decode ceremony session: %w", err)
	}
	return session, ceremony.AccountID, nil
}

// webAuthnUser adapts an account and its stored credentials to the webauthn
// user entity contract. The account id doubles as the user handle.
type webAuthnUser struct {
	account     storage.Account
	credentials []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.account.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.account.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.account.DisplayName
}

func (u *webAuthnUser) WebAuthnIcon() string {
	return ""
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (s *Service) loadWebAuthnUser(ctx context.Context, account storage.Account) (*webAuthnUser, error) {
	records, err := s.credentials.ListCredentials(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	parsed, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &webAuthnUser{account: account, credentials: parsed}, nil
}

func (s *Service) resolveUserHandle(ctx context.Context, userHandle []byte) (*webAuthnUser, error) {
	accountID := strings.TrimSpace(string(userHandle))
	if accountID == "" {
		return nil, apperrors.New(apperrors.CodeUnknownCredential, "user handle is empty")
	}
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.New(apperrors.CodeUnknownCredential, "user handle does not match an account")
		}
		return nil, err
	}
	return s.loadWebAuthnUser(ctx, account)
}

func decodeStoredCredentials(records []storage.Credential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

// classifyCeremonyError maps go-webauthn verification failures onto the
// domain error taxonomy.
func classifyCeremonyError(err error, message string) error {
	var domainErr *apperrors.Error
	if stderrors.As(err, &domainErr) {
		return err
	}
	var protocolErr *protocol.Error
	if stderrors.As(err, &protocolErr) {
		switch {
		// The library reports origin failures under its generic verification
		// type, so the details string is part of the contract here.
		case protocolErr.Type == "origin_mismatch" ||
			strings.Contains(strings.ToLower(protocolErr.Details), "origin"):
			return apperrors.Wrap(apperrors.CodeOriginMismatch, message, err)
		case protocolErr.Type == "parse_error" || protocolErr.Type == "invalid_request":
			return apperrors.Wrap(apperrors.CodeMalformedResponse, message, err)
		case protocolErr.Type == "challenge_mismatch":
			return apperrors.Wrap(apperrors.CodeUnknownChallenge, message, err)
		}
	}
	return apperrors.Wrap(apperrors.CodeInvalidSignature, message, err)
}

func (s *Service) emitCeremonyFailure(ctx context.Context, accountID, credentialID string, cause error) {
	_ = s.events.Emit(ctx, storage.SecurityEvent{
		Kind:         telemetry.KindCeremonyFailed,
		AccountID:    accountID,
		CredentialID: credentialID,
		Detail:       fmt.Sprintf("%s: %v", apperrors.GetCode(cause), cause),
	})
}

func (s *Service) ready() error {
	if s == nil || s.webAuthn == nil {
		return fmt.Errorf("webauthn engine is not configured")
	}
	if s.parser == nil {
		return fmt.Errorf("credential parser is not configured")
	}
	if s.accounts == nil || s.credentials == nil || s.ceremonies == nil {
		return fmt.Errorf("stores are not configured")
	}
	return nil
}

func credentialDisplayName(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return "Passkey"
	}
	return requested
}

func summarize(record storage.Credential) CredentialSummary {
	return CredentialSummary{
		CredentialID: record.CredentialID,
		AccountID:    record.AccountID,
		DisplayName:  record.DisplayName,
		SignCount:    record.SignCount,
		CreatedAt:    record.CreatedAt,
		LastUsedAt:   record.LastUsedAt,
	}
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
