package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/marketrelay/internal/metrics"
	"github.com/hitoshi/marketrelay/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// Webhook処理
	WebhookRouter WebhookRouterInterface
	Metrics       metrics.WebhookCollector

	// ユーザー登録管理
	Vault VaultInterface

	// 返信送信
	Credentials CredentialProvider
	ReplySender ReplySender

	// メトリクス公開
	Gatherer prometheus.Gatherer

	// ヘルスチェック表示用
	WebhookValidationEnabled bool
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → RateLimit(エンドポイント種別ごと)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	webhookHandler := NewWebhookHandler(deps.WebhookRouter, deps.Metrics)
	userHandler := NewUserHandler(deps.Vault)
	replyHandler := NewReplyHandler(deps.Credentials, deps.ReplySender)
	healthHandler := NewHealthHandler(deps.WebhookValidationEnabled)

	// --- 運用エンドポイント（レート制限なし） ---

	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// --- Webhook受信（Webhook用レート制限） ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.WebhookMiddleware())
		r.Post("/webhook/uex", webhookHandler.HandleUEX)
	})

	// --- 管理API（API用レート制限） ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.APIMiddleware())

		r.Route("/api/users", func(r chi.Router) {
			r.Post("/", userHandler.Register)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", userHandler.GetStatus)
				r.Delete("/", userHandler.Deactivate)
			})
		})

		r.Get("/api/stats", userHandler.Stats)

		r.Post("/api/negotiations/{hash}/reply", replyHandler.SendReply)
	})

	return r
}
