// Package httpapi exposes the passkey operations over an HTTP JSON API.
package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/louisbranch/stronghold/internal/account"
	"github.com/louisbranch/stronghold/internal/handoff"
	"github.com/louisbranch/stronghold/internal/passkey"
	apperrors "github.com/louisbranch/stronghold/internal/platform/errors"
	"github.com/louisbranch/stronghold/internal/storage"
)

// accountIDHeader carries the authenticated account id, set by the fronting
// session layer for credential management requests.
const accountIDHeader = "X-Account-ID"

// Handler serves the passkey HTTP API.
type Handler struct {
	passkeys *passkey.Service
	bridge   *handoff.Bridge
	accounts storage.AccountStore
	clock    func() time.Time
}

// NewHandler wires the domain services into an HTTP handler.
func NewHandler(passkeys *passkey.Service, bridge *handoff.Bridge, accounts storage.AccountStore) *Handler {
	return &Handler{
		passkeys: passkeys,
		bridge:   bridge,
		accounts: accounts,
		clock:    time.Now,
	}
}

// Routes returns the service mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/accounts", h.handleCreateAccount)
	mux.HandleFunc("POST /v1/passkeys/register/start", h.handleRegisterStart)
	mux.HandleFunc("POST /v1/passkeys/register/finish", h.handleRegisterFinish)
	mux.HandleFunc("POST /v1/passkeys/login/start", h.handleLoginStart)
	mux.HandleFunc("POST /v1/passkeys/login/finish", h.handleLoginFinish)
	mux.HandleFunc("POST /v1/handoff/redeem", h.handleHandoffRedeem)
	mux.HandleFunc("GET /v1/passkeys", h.handleListCredentials)
	mux.HandleFunc("PATCH /v1/passkeys/{credentialID}", h.handleRenameCredential)
	mux.HandleFunc("DELETE /v1/passkeys/{credentialID}", h.handleDeleteCredential)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid json body"))
		return
	}
	created, err := account.Create(account.CreateInput{
		Email:       payload.Email,
		DisplayName: payload.DisplayName,
	}, h.clock, nil)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	if err := h.accounts.PutAccount(r.Context(), created); err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"account_id":   created.ID,
		"email":        created.Email,
		"display_name": created.DisplayName,
	})
}

func (h *Handler) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid json body"))
		return
	}
	result, err := h.passkeys.BeginRegistration(r.Context(), payload.AccountID)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"ceremony_id": result.CeremonyID,
		"public_key":  json.RawMessage(result.OptionsJSON),
	})
}

func (h *Handler) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CeremonyID  string          `json:"ceremony_id"`
		Credential  json.RawMessage `json:"credential"`
		DisplayName string          `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid json body"))
		return
	}
	summary, err := h.passkeys.FinishRegistration(r.Context(), payload.CeremonyID, payload.Credential, payload.DisplayName)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, credentialJSON(summary))
}

func (h *Handler) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID string `json:"account_id"`
	}
	// The account hint is optional, so an empty body means discoverable login.
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid json body"))
		return
	}
	result, err := h.passkeys.BeginAuthentication(r.Context(), payload.AccountID)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"ceremony_id": result.CeremonyID,
		"public_key":  json.RawMessage(result.OptionsJSON),
	})
}

func (h *Handler) handleLoginFinish(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CeremonyID string          `json:"ceremony_id"`
		Credential json.RawMessage `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid json body"))
		return
	}
	result, err := h.passkeys.FinishAuthentication(r.Context(), payload.CeremonyID, payload.Credential)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	token, err := h.bridge.Issue(r.Context(), result.AccountID)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"account_id":    result.AccountID,
		"credential_id": result.CredentialID,
		"handoff_token": token,
	})
}

func (h *Handler) handleHandoffRedeem(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid json body"))
		return
	}
	accountID, err := h.bridge.Redeem(r.Context(), payload.Token)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID})
}

func (h *Handler) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.passkeys.ListCredentials(r.Context(), r.Header.Get(accountIDHeader))
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	credentials := make([]map[string]any, 0, len(summaries))
	for _, summary := range summaries {
		credentials = append(credentials, credentialJSON(summary))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"credentials": credentials})
}

func (h *Handler) handleRenameCredential(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid json body"))
		return
	}
	err := h.passkeys.RenameCredential(r.Context(), r.Header.Get(accountIDHeader), r.PathValue("credentialID"), payload.DisplayName)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	err := h.passkeys.DeleteCredential(r.Context(), r.Header.Get(accountIDHeader), r.PathValue("credentialID"))
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func credentialJSON(summary passkey.CredentialSummary) map[string]any {
	payload := map[string]any{
		"credential_id": summary.CredentialID,
		"account_id":    summary.AccountID,
		"display_name":  summary.DisplayName,
		"sign_count":    summary.SignCount,
		"created_at":    summary.CreatedAt,
	}
	if summary.LastUsedAt != nil {
		payload["last_used_at"] = summary.LastUsedAt
	}
	return payload
}

func (*Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
	}
	h.writeJSON(w, status, map[string]any{"error": publicMessage(code, err)})
}

// publicMessage keeps verification responses uniform so callers cannot
// distinguish which check rejected an attempt.
func publicMessage(code apperrors.Code, err error) string {
	switch code {
	case apperrors.CodeInvalidArgument,
		apperrors.CodeAccountEmailEmpty,
		apperrors.CodeAccountEmailInvalid,
		apperrors.CodeAccountEmailTaken,
		apperrors.CodeDuplicateCredential:
		return err.Error()
	case apperrors.CodeInvalidOrExpiredToken:
		return "token is invalid or expired"
	case apperrors.CodeNotFound:
		return "not found"
	case apperrors.CodeUnknown:
		return "internal error"
	default:
		return "verification failed"
	}
}
