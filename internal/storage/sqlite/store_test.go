package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/stronghold/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "stronghold.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func putTestAccount(t *testing.T, store *Store, id, email string) {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := store.PutAccount(context.Background(), storage.Account{
		ID:          id,
		Email:       email,
		DisplayName: "Account " + id,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("put account: %v", err)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	store := openTestStore(t)
	putTestAccount(t, store, "acct-1", "one@example.com")

	found, err := store.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if found.Email != "one@example.com" {
		t.Fatalf("unexpected email %q", found.Email)
	}

	byEmail, err := store.GetAccountByEmail(context.Background(), "one@example.com")
	if err != nil {
		t.Fatalf("get account by email: %v", err)
	}
	if byEmail.ID != "acct-1" {
		t.Fatalf("unexpected id %q", byEmail.ID)
	}

	if _, err := store.GetAccount(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPutAccountDuplicateEmail(t *testing.T) {
	store := openTestStore(t)
	putTestAccount(t, store, "acct-1", "dup@example.com")

	now := time.Now()
	err := store.PutAccount(context.Background(), storage.Account{
		ID:        "acct-2",
		Email:     "dup@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if !errors.Is(err, storage.ErrDuplicateAccountEmail) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
}

func TestInsertCredentialDuplicateAcrossAccounts(t *testing.T) {
	store := openTestStore(t)
	putTestAccount(t, store, "acct-1", "one@example.com")
	putTestAccount(t, store, "acct-2", "two@example.com")
	now := time.Now().UTC()

	first := storage.Credential{
		CredentialID:   "cred-1",
		AccountID:      "acct-1",
		CredentialJSON: `{"id":"cred-1"}`,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.InsertCredential(context.Background(), first); err != nil {
		t.Fatalf("insert credential: %v", err)
	}

	second := first
	second.AccountID = "acct-2"
	if err := store.InsertCredential(context.Background(), second); !errors.Is(err, storage.ErrDuplicateCredential) {
		t.Fatalf("expected duplicate credential error, got %v", err)
	}
}

func TestListCredentialsOrdered(t *testing.T) {
	store := openTestStore(t)
	putTestAccount(t, store, "acct-1", "one@example.com")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"cred-c", "cred-a", "cred-b"} {
		err := store.InsertCredential(context.Background(), storage.Credential{
			CredentialID:   id,
			AccountID:      "acct-1",
			CredentialJSON: `{}`,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert credential %s: %v", id, err)
		}
	}

	credentials, err := store.ListCredentials(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(credentials) != 3 {
		t.Fatalf("expected 3 credentials, got %d", len(credentials))
	}
	if credentials[0].CredentialID != "cred-c" || credentials[2].CredentialID != "cred-b" {
		t.Fatalf("unexpected order: %s, %s, %s",
			credentials[0].CredentialID, credentials[1].CredentialID, credentials[2].CredentialID)
	}
}

func TestAdvanceCredentialCounter(t *testing.T) {
	store := openTestStore(t)
	putTestAccount(t, store, "acct-1", "one@example.com")
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := store.InsertCredential(context.Background(), storage.Credential{
		CredentialID:   "cred-1",
		AccountID:      "acct-1",
		SignCount:      5,
		CredentialJSON: `{"sign":5}`,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("insert credential: %v", err)
	}

	ok, err := store.AdvanceCredentialCounter(context.Background(), "cred-1", 6, `{"sign":6}`, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("advance counter: %v", err)
	}
	if !ok {
		t.Fatal("expected counter advance to win")
	}

	// Replaying the old counter must not win and must not change state.
	ok, err = store.AdvanceCredentialCounter(context.Background(), "cred-1", 6, `{"sign":6}`, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("advance counter replay: %v", err)
	}
	if ok {
		t.Fatal("expected stale counter to lose")
	}

	stored, err := store.GetCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.SignCount != 6 {
		t.Fatalf("expected sign count 6, got %d", stored.SignCount)
	}
	if stored.LastUsedAt == nil || !stored.LastUsedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected last used from winning write, got %v", stored.LastUsedAt)
	}
}

func TestAdvanceCredentialCounterZeroException(t *testing.T) {
	store := openTestStore(t)
	putTestAccount(t, store, "acct-1", "one@example.com")
	now := time.Now().UTC().Truncate(time.Millisecond)

	err := store.InsertCredential(context.Background(), storage.Credential{
		CredentialID:   "cred-0",
		AccountID:      "acct-1",
		SignCount:      0,
		CredentialJSON: `{}`,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("insert credential: %v", err)
	}

	// Authenticators without counters report zero forever; zero-over-zero wins.
	ok, err := store.AdvanceCredentialCounter(context.Background(), "cred-0", 0, `{}`, now)
	if err != nil {
		t.Fatalf("advance counter: %v", err)
	}
	if !ok {
		t.Fatal("expected zero-over-zero to win")
	}
}

func TestRenameCredentialOwnership(t *testing.T) {
	store := openTestStore(t)
	putTestAccount(t, store, "acct-1", "one@example.com")
	putTestAccount(t, store, "acct-2", "two@example.com")
	now := time.Now().UTC()

	err := store.InsertCredential(context.Background(), storage.Credential{
		CredentialID:   "cred-1",
		AccountID:      "acct-1",
		CredentialJSON: `{}`,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("insert credential: %v", err)
	}

	if err := store.RenameCredential(context.Background(), "acct-2", "cred-1", "stolen", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for foreign rename, got %v", err)
	}
	if err := store.RenameCredential(context.Background(), "acct-1", "cred-1", "laptop", now); err != nil {
		t.Fatalf("rename credential: %v", err)
	}

	stored, err := store.GetCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.DisplayName != "laptop" {
		t.Fatalf("expected renamed credential, got %q", stored.DisplayName)
	}
}

func TestDeleteCredentialOwnership(t *testing.T) {
	store := openTestStore(t)
	putTestAccount(t, store, "acct-1", "one@example.com")
	putTestAccount(t, store, "acct-2", "two@example.com")
	now := time.Now().UTC()

	err := store.InsertCredential(context.Background(), storage.Credential{
		CredentialID:   "cred-1",
		AccountID:      "acct-1",
		CredentialJSON: `{}`,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("insert credential: %v", err)
	}

	if err := store.DeleteCredential(context.Background(), "acct-2", "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for foreign delete, got %v", err)
	}
	if err := store.DeleteCredential(context.Background(), "acct-1", "cred-1"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}
	if _, err := store.GetCredential(context.Background(), "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected credential gone, got %v", err)
	}
}

func TestConsumeCeremonySingleUse(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := store.PutCeremony(context.Background(), storage.Ceremony{
		ID:          "cer-1",
		Kind:        "registration",
		AccountID:   "acct-1",
		SessionJSON: `{"challenge":"abc"}`,
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("put ceremony: %v", err)
	}

	ceremony, err := store.ConsumeCeremony(context.Background(), "cer-1")
	if err != nil {
		t.Fatalf("consume ceremony: %v", err)
	}
	if ceremony.SessionJSON != `{"challenge":"abc"}` {
		t.Fatalf("unexpected session json %q", ceremony.SessionJSON)
	}

	if _, err := store.ConsumeCeremony(context.Background(), "cer-1"); !errors.Is(err, storage.ErrCeremonyConsumed) {
		t.Fatalf("expected consumed error on replay, got %v", err)
	}
	if _, err := store.ConsumeCeremony(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConsumeCeremonyConcurrent(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()

	err := store.PutCeremony(context.Background(), storage.Ceremony{
		ID:          "cer-race",
		Kind:        "authentication",
		SessionJSON: `{}`,
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("put ceremony: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeCeremony(context.Background(), "cer-race")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, storage.ErrCeremonyConsumed), errors.Is(err, storage.ErrNotFound):
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestDeleteExpiredCeremonies(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, c := range []storage.Ceremony{
		{ID: "cer-old", Kind: "authentication", SessionJSON: `{}`, CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-5 * time.Minute)},
		{ID: "cer-new", Kind: "authentication", SessionJSON: `{}`, CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute)},
	} {
		if err := store.PutCeremony(context.Background(), c); err != nil {
			t.Fatalf("put ceremony %s: %v", c.ID, err)
		}
	}

	if err := store.DeleteExpiredCeremonies(context.Background(), now); err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if _, err := store.ConsumeCeremony(context.Background(), "cer-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired ceremony swept, got %v", err)
	}
	if _, err := store.ConsumeCeremony(context.Background(), "cer-new"); err != nil {
		t.Fatalf("expected live ceremony kept: %v", err)
	}
}

func TestRedeemHandoffTokenOnce(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := store.PutHandoffToken(context.Background(), storage.HandoffToken{
		Token:     "tok-1",
		AccountID: "acct-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("put handoff token: %v", err)
	}

	accountID, err := store.RedeemHandoffToken(context.Background(), "tok-1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("redeem handoff token: %v", err)
	}
	if accountID != "acct-1" {
		t.Fatalf("unexpected account id %q", accountID)
	}

	if _, err := store.RedeemHandoffToken(context.Background(), "tok-1", now.Add(2*time.Second)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
}

func TestRedeemHandoffTokenExpired(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := store.PutHandoffToken(context.Background(), storage.HandoffToken{
		Token:     "tok-exp",
		AccountID: "acct-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("put handoff token: %v", err)
	}

	if _, err := store.RedeemHandoffToken(context.Background(), "tok-exp", now.Add(2*time.Minute)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestAppendSecurityEvent(t *testing.T) {
	store := openTestStore(t)
	err := store.AppendSecurityEvent(context.Background(), storage.SecurityEvent{
		ID:           "evt-1",
		Kind:         "possible_clone_detected",
		AccountID:    "acct-1",
		CredentialID: "cred-1",
		Detail:       "reported 3, stored 5",
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append security event: %v", err)
	}
}
