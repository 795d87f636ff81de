// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/marketrelay/internal/config"
	"github.com/hitoshi/marketrelay/internal/crypto"
	"github.com/hitoshi/marketrelay/internal/handler"
	"github.com/hitoshi/marketrelay/internal/logger"
	"github.com/hitoshi/marketrelay/internal/metrics"
	"github.com/hitoshi/marketrelay/internal/middleware"
	"github.com/hitoshi/marketrelay/internal/notify"
	"github.com/hitoshi/marketrelay/internal/security"
	"github.com/hitoshi/marketrelay/internal/store"
	"github.com/hitoshi/marketrelay/internal/uex"
	"github.com/hitoshi/marketrelay/internal/vault"
	"github.com/hitoshi/marketrelay/internal/webhook"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "3000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("webhook_validation", cfg.WebhookValidationEnabled()),
	)

	return runServe(cfg)
}

// runServe はリレーサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. 暗号コーデックの初期化（マスターキーからの鍵導出は起動時に1回だけ行う）
	codec, err := crypto.NewCodec(cfg.UserEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize crypto codec: %w", err)
	}

	// 2. ファイルストアの初期化
	fileStore := store.NewFileStore(cfg.DataDir, log)

	// 3. セキュリティサービスの初期化
	guard := security.NewOutboundGuard()
	sanitizer := security.NewMessageSanitizer()

	// 外部APIのベースURLを起動時に検証する
	if err := guard.ValidateBaseURL(cfg.UEXAPIBaseURL); err != nil {
		return fmt.Errorf("invalid UEX API base URL: %w", err)
	}
	if err := guard.ValidateBaseURL(cfg.DiscordAPIBaseURL); err != nil {
		return fmt.Errorf("invalid Discord API base URL: %w", err)
	}

	// 4. 外部クライアントの初期化（SSRFガード付きHTTPクライアントを共有）
	safeClient := guard.NewSafeClient(cfg.HTTPTimeout)
	uexClient := uex.NewClient(safeClient, log, cfg.UEXAPIBaseURL)
	notifier := notify.NewDiscordNotifier(safeClient, log, cfg.DiscordAPIBaseURL, cfg.DiscordBotToken, sanitizer)

	// 5. Vaultの初期化
	userVault := vault.NewVault(fileStore, codec, uexClient, log, vault.Config{
		ValidateTimeout: cfg.ValidateTimeout,
	})

	// 6. Webhookルーターの初期化
	authenticator := webhook.NewAuthenticator(cfg.UEXWebhookSecret, log)
	webhookRouter := webhook.NewRouter(authenticator, userVault, uexClient, notifier, log)

	// 7. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitWebhook, cfg.RateLimitAPI),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      log,
		RateLimiter: rateLimiter,

		WebhookRouter: webhookRouter,
		Metrics:       collector,

		Vault: userVault,

		Credentials: userVault,
		ReplySender: uexClient,

		Gatherer: registry,

		WebhookValidationEnabled: cfg.WebhookValidationEnabled(),
	})

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("relay server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down relay server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("relay server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
