package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/marketrelay/internal/model"
)

// --- モック定義 ---

// mockCredentialProvider はCredentialProviderのモック実装。
type mockCredentialProvider struct {
	getFn func(ctx context.Context, userID string) (model.Credentials, error)
}

func (m *mockCredentialProvider) GetCredentials(ctx context.Context, userID string) (model.Credentials, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return model.Credentials{APIToken: "token", SecretKey: "secret"}, nil
}

// mockReplySender はReplySenderのモック実装。
type mockReplySender struct {
	sendFn func(ctx context.Context, creds model.Credentials, hash, message string) error
}

func (m *mockReplySender) SendReply(ctx context.Context, creds model.Credentials, hash, message string) error {
	if m.sendFn != nil {
		return m.sendFn(ctx, creds, hash, message)
	}
	return nil
}

func replyRouter(provider CredentialProvider, sender ReplySender) http.Handler {
	h := NewReplyHandler(provider, sender)
	r := chi.NewRouter()
	r.Post("/api/negotiations/{hash}/reply", h.SendReply)
	return r
}

// --- テスト ---

func TestReplyHandler_SendReply_Success(t *testing.T) {
	var gotHash, gotMessage string
	var gotCreds model.Credentials
	sender := &mockReplySender{
		sendFn: func(ctx context.Context, creds model.Credentials, hash, message string) error {
			gotCreds, gotHash, gotMessage = creds, hash, message
			return nil
		},
	}

	body := `{"user_id":"user-1","message":"On my way"}`
	req := httptest.NewRequest(http.MethodPost, "/api/negotiations/neg-001/reply", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	replyRouter(&mockCredentialProvider{}, sender).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotHash != "neg-001" {
		t.Errorf("hash = %q, want %q", gotHash, "neg-001")
	}
	if gotMessage != "On my way" {
		t.Errorf("message = %q, want %q", gotMessage, "On my way")
	}
	// Vaultから復号した資格情報がそのまま使われる
	if gotCreds.APIToken != "token" || gotCreds.SecretKey != "secret" {
		t.Error("credentials from the vault were not used")
	}

	var resp replyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Sent {
		t.Error("sent = false, want true")
	}
	if resp.NegotiationHash != "neg-001" {
		t.Errorf("negotiation_hash = %q, want %q", resp.NegotiationHash, "neg-001")
	}
}

func TestReplyHandler_SendReply_InvalidBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/negotiations/neg-001/reply", bytes.NewBufferString(`{broken`))
	w := httptest.NewRecorder()
	replyRouter(&mockCredentialProvider{}, &mockReplySender{}).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestReplyHandler_SendReply_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"user_idなし", `{"message":"hello"}`},
		{"messageなし", `{"user_id":"user-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/negotiations/neg-001/reply", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			replyRouter(&mockCredentialProvider{}, &mockReplySender{}).ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestReplyHandler_SendReply_UserNotFound(t *testing.T) {
	provider := &mockCredentialProvider{
		getFn: func(ctx context.Context, userID string) (model.Credentials, error) {
			return model.Credentials{}, model.ErrNotFound
		},
	}

	body := `{"user_id":"unknown","message":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/negotiations/neg-001/reply", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	replyRouter(provider, &mockReplySender{}).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestReplyHandler_SendReply_UpstreamFailure(t *testing.T) {
	sender := &mockReplySender{
		sendFn: func(ctx context.Context, creds model.Credentials, hash, message string) error {
			return errors.New("uex api returned 503")
		},
	}

	body := `{"user_id":"user-1","message":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/negotiations/neg-001/reply", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	replyRouter(&mockCredentialProvider{}, sender).ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestReplyHandler_SendReply_DecryptionFailure(t *testing.T) {
	provider := &mockCredentialProvider{
		getFn: func(ctx context.Context, userID string) (model.Credentials, error) {
			return model.Credentials{}, model.ErrDecryption
		},
	}

	body := `{"user_id":"user-1","message":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/negotiations/neg-001/reply", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	replyRouter(provider, &mockReplySender{}).ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
