// Package handoff bridges a verified authentication to the surrounding
// application's session layer with a single-use opaque token.
package handoff

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/stronghold/internal/platform/errors"
	"github.com/louisbranch/stronghold/internal/storage"
)

const tracerName = "github.com/louisbranch/stronghold/internal/handoff"

// Config controls hand-off token issuance.
//
// The TTL stays short on purpose: the token only has to survive the redirect
// hop between the authentication response and the session provider.
type Config struct {
	TTL time.Duration `env:"STRONGHOLD_HANDOFF_TTL" envDefault:"60s"`
}

// LoadConfigFromEnv returns hand-off configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{TTL: time.Minute}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return cfg
}

// Bridge issues and redeems hand-off tokens.
type Bridge struct {
	store    storage.HandoffStore
	ttl      time.Duration
	clock    func() time.Time
	newToken func() (string, error)
	tracer   trace.Tracer
}

// NewBridge creates a hand-off bridge over the given store.
func NewBridge(store storage.HandoffStore, config Config) *Bridge {
	return &Bridge{
		store:    store,
		ttl:      config.TTL,
		clock:    time.Now,
		newToken: generateToken,
		tracer:   otel.Tracer(tracerName),
	}
}

// Issue mints a token bound to the account.
//
// The token is an opaque random identifier and carries no claims; the
// account binding lives only in the store.
func (b *Bridge) Issue(ctx context.Context, accountID string) (string, error) {
	ctx, span := b.tracer.Start(ctx, "handoff.Issue")
	defer span.End()

	if err := b.ready(); err != nil {
		return "", err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "account id is required")
	}

	token, err := b.newToken()
	if err != nil {
		return "", fmt.Errorf("generate handoff token: %w", err)
	}
	now := b.clock().UTC()
	record := storage.HandoffToken{
		Token:     token,
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(b.ttl),
	}
	if err := b.store.PutHandoffToken(ctx, record); err != nil {
		return "", fmt.Errorf("store handoff token: %w", err)
	}
	return token, nil
}

// Redeem exchanges a token for its account id, exactly once.
//
// Missing, expired, and replayed tokens are indistinguishable to the caller
// so the response leaks nothing about which tokens ever existed.
func (b *Bridge) Redeem(ctx context.Context, token string) (string, error) {
	ctx, span := b.tracer.Start(ctx, "handoff.Redeem")
	defer span.End()

	if err := b.ready(); err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeInvalidOrExpiredToken, "token is invalid or expired")
	}

	accountID, err := b.store.RedeemHandoffToken(ctx, token, b.clock().UTC())
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return "", apperrors.New(apperrors.CodeInvalidOrExpiredToken, "token is invalid or expired")
		}
		return "", err
	}
	return accountID, nil
}

func (b *Bridge) ready() error {
	if b == nil || b.store == nil {
		return fmt.Errorf("handoff store is not configured")
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
