package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/marketrelay/internal/crypto"
	"github.com/hitoshi/marketrelay/internal/metrics"
	"github.com/hitoshi/marketrelay/internal/middleware"
	"github.com/hitoshi/marketrelay/internal/notify"
	"github.com/hitoshi/marketrelay/internal/security"
	"github.com/hitoshi/marketrelay/internal/store"
	"github.com/hitoshi/marketrelay/internal/uex"
	"github.com/hitoshi/marketrelay/internal/vault"
	"github.com/hitoshi/marketrelay/internal/webhook"
)

// 統合テスト: 実物のVault・暗号コーデック・ファイルストア・ルーターを
// httptestのUEX/Discordサーバーにつないで全経路を通す。

const integrationSecret = "integration-webhook-secret"

// fakeUEXServer はトークンからユーザー名を引けるUEX APIの偽サーバーを返す。
func fakeUEXServer(t *testing.T, usernames map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		switch {
		case r.URL.Path == "/":
			if _, ok := usernames[token]; !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/user/":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "ok",
				"data":   map[string]string{"username": usernames[token]},
			})
		case strings.HasPrefix(r.URL.Path, "/marketplace_negotiations"):
			json.NewEncoder(w).Encode(map[string]any{
				"status": "ok",
				"data": []map[string]string{
					{"advertiser_username": "trader_alice", "client_username": "trader_bob"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// fakeDiscordServer はDMの送信先を記録するDiscord APIの偽サーバーを返す。
func fakeDiscordServer(t *testing.T, recipients *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/@me/channels":
			var req map[string]string
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("failed to decode DM channel request: %v", err)
			}
			*recipients = append(*recipients, req["recipient_id"])
			json.NewEncoder(w).Encode(map[string]string{"id": "channel-" + req["recipient_id"]})
		case strings.HasPrefix(r.URL.Path, "/channels/"):
			json.NewEncoder(w).Encode(map[string]string{"id": "message-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

type integrationEnv struct {
	router    http.Handler
	storePath string
}

func newIntegrationEnv(t *testing.T, uexURL, discordURL string) *integrationEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	codec, err := crypto.NewCodec("integration-master-key-0123456789")
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	fileStore := store.NewFileStore(t.TempDir(), logger)
	uexClient := uex.NewClient(&http.Client{}, logger, uexURL)
	userVault := vault.NewVault(fileStore, codec, uexClient, logger, vault.Config{})
	notifier := notify.NewDiscordNotifier(&http.Client{}, logger, discordURL, "test-bot-token", security.NewMessageSanitizer())
	auth := webhook.NewAuthenticator(integrationSecret, logger)
	webhookRouter := webhook.NewRouter(auth, userVault, uexClient, notifier, logger)

	registry := prometheus.NewRegistry()
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(600, 600))
	t.Cleanup(rateLimiter.Stop)

	router := NewRouter(&RouterDeps{
		Logger:      logger,
		RateLimiter: rateLimiter,

		WebhookRouter: webhookRouter,
		Metrics:       metrics.NewCollector(registry),

		Vault: userVault,

		Credentials: userVault,
		ReplySender: uexClient,

		Gatherer: registry,

		WebhookValidationEnabled: true,
	})

	return &integrationEnv{router: router, storePath: fileStore.Path()}
}

func (env *integrationEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func signPayload(body string) string {
	mac := hmac.New(sha256.New, []byte(integrationSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestIntegration_WebhookDeliveryFlow(t *testing.T) {
	usernames := map[string]string{
		"alice-token-12345": "trader_alice",
		"bob-token-1234567": "trader_bob",
	}
	uexSrv := fakeUEXServer(t, usernames)
	defer uexSrv.Close()

	var recipients []string
	discordSrv := fakeDiscordServer(t, &recipients)
	defer discordSrv.Close()

	env := newIntegrationEnv(t, uexSrv.URL, discordSrv.URL)

	// 1. aliceとbobを登録する
	for userID, token := range map[string]string{
		"discord-alice": "alice-token-12345",
		"discord-bob":   "bob-token-1234567",
	} {
		body, _ := json.Marshal(map[string]string{
			"user_id":    userID,
			"api_token":  token,
			"secret_key": "shared-secret-key-123",
		})
		w := env.do(t, http.MethodPost, "/api/users", string(body), nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("register %s: status = %d, body = %s", userID, w.Code, w.Body.String())
		}
	}

	// 2. 購入希望者（trader_bob）からのイベントを署名付きで受信する
	event := `{
		"event_type": "negotiation_message",
		"negotiation_hash": "neg-001",
		"message": "Is this still available?",
		"client_username": "trader_bob",
		"listing_owner_username": "trader_alice",
		"listing_title": "Quantum Drive"
	}`
	w := env.do(t, http.MethodPost, "/webhook/uex", event, map[string]string{
		"X-UEX-Signature": signPayload(event),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook: status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Delivered    bool   `json:"delivered"`
		Reason       string `json:"reason"`
		TargetUserID string `json:"target_user_id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Delivered {
		t.Fatalf("delivered = false, reason = %q", resp.Reason)
	}

	// 3. 出品者（alice）のDiscordユーザーにDMが送られている
	if len(recipients) != 1 {
		t.Fatalf("DM recipients = %v, want exactly one", recipients)
	}
	if recipients[0] != "discord-alice" {
		t.Errorf("DM recipient = %q, want discord-alice", recipients[0])
	}
}

func TestIntegration_InvalidSignatureRejected(t *testing.T) {
	uexSrv := fakeUEXServer(t, map[string]string{"alice-token-12345": "trader_alice"})
	defer uexSrv.Close()

	var recipients []string
	discordSrv := fakeDiscordServer(t, &recipients)
	defer discordSrv.Close()

	env := newIntegrationEnv(t, uexSrv.URL, discordSrv.URL)

	event := `{"negotiation_hash":"neg-001","message":"hi","client_username":"trader_bob"}`
	w := env.do(t, http.MethodPost, "/webhook/uex", event, map[string]string{
		"X-UEX-Signature": "sha256=forged",
	})

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if len(recipients) != 0 {
		t.Error("no DM must be sent for a forged signature")
	}
}

func TestIntegration_StoreNeverHoldsPlaintext(t *testing.T) {
	usernames := map[string]string{"alice-token-12345": "trader_alice"}
	uexSrv := fakeUEXServer(t, usernames)
	defer uexSrv.Close()

	var recipients []string
	discordSrv := fakeDiscordServer(t, &recipients)
	defer discordSrv.Close()

	env := newIntegrationEnv(t, uexSrv.URL, discordSrv.URL)

	body := `{"user_id":"discord-alice","api_token":"alice-token-12345","secret_key":"shared-secret-key-123"}`
	if w := env.do(t, http.MethodPost, "/api/users", body, nil); w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d", w.Code)
	}

	// 保存ファイルに平文の資格情報が現れないこと
	data, err := os.ReadFile(env.storePath)
	if err != nil {
		t.Fatalf("failed to read store file: %v", err)
	}
	for _, secret := range []string{"alice-token-12345", "shared-secret-key-123"} {
		if bytes.Contains(data, []byte(secret)) {
			t.Errorf("store file contains plaintext credential %q", secret)
		}
	}
}

func TestIntegration_DeactivatedUserStopsReceiving(t *testing.T) {
	usernames := map[string]string{
		"alice-token-12345": "trader_alice",
		"bob-token-1234567": "trader_bob",
	}
	uexSrv := fakeUEXServer(t, usernames)
	defer uexSrv.Close()

	var recipients []string
	discordSrv := fakeDiscordServer(t, &recipients)
	defer discordSrv.Close()

	env := newIntegrationEnv(t, uexSrv.URL, discordSrv.URL)

	for userID, token := range map[string]string{
		"discord-alice": "alice-token-12345",
		"discord-bob":   "bob-token-1234567",
	} {
		body, _ := json.Marshal(map[string]string{
			"user_id":    userID,
			"api_token":  token,
			"secret_key": "shared-secret-key-123",
		})
		if w := env.do(t, http.MethodPost, "/api/users", string(body), nil); w.Code != http.StatusCreated {
			t.Fatalf("register %s: status = %d", userID, w.Code)
		}
	}

	// aliceを登録解除する
	if w := env.do(t, http.MethodDelete, "/api/users/discord-alice", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("deactivate: status = %d", w.Code)
	}

	// alice宛のイベントはno-opになる（bobには送らない）
	event := `{"negotiation_hash":"neg-001","message":"hi","client_username":"trader_bob","listing_owner_username":"trader_alice"}`
	w := env.do(t, http.MethodPost, "/webhook/uex", event, map[string]string{
		"X-UEX-Signature": signPayload(event),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook: status = %d", w.Code)
	}

	var resp struct {
		Delivered bool `json:"delivered"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Delivered {
		t.Error("delivered = true, want false after deactivation")
	}
	if len(recipients) != 0 {
		t.Errorf("DM recipients = %v, want none", recipients)
	}
}

// chiルーターがWebhookパスへのGETを405にすることの確認。
func TestIntegration_MethodNotAllowed(t *testing.T) {
	uexSrv := fakeUEXServer(t, nil)
	defer uexSrv.Close()
	var recipients []string
	discordSrv := fakeDiscordServer(t, &recipients)
	defer discordSrv.Close()

	env := newIntegrationEnv(t, uexSrv.URL, discordSrv.URL)

	w := env.do(t, http.MethodGet, "/webhook/uex", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}
