package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	WebhookRate     rate.Limit    // Webhook受信のレート（req/sec）
	WebhookBurst    int           // Webhook受信のバーストサイズ
	APIRate         rate.Limit    // ユーザーAPIのレート（req/sec）
	APIBurst        int           // ユーザーAPIのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// NewRateLimiterConfig はreq/min単位の設定値からRateLimiterConfigを生成する。
func NewRateLimiterConfig(webhookPerMin, apiPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		WebhookRate:     rate.Limit(float64(webhookPerMin) / 60.0),
		WebhookBurst:    webhookPerMin,
		APIRate:         rate.Limit(float64(apiPerMin) / 60.0),
		APIBurst:        apiPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// ipLimiter は送信元IPごとのレートリミッターとアクセス時刻を保持する。
type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter は送信元IPごとのレート制限を管理する。
// Webhook受信とユーザーAPIの2種類の制限を独立に提供する。
// Webhook呼び出し元は未認証のため、セッションではなく送信元IPをキーにする。
type RateLimiter struct {
	config RateLimiterConfig

	webhookMu       sync.RWMutex
	webhookLimiters map[string]*ipLimiter

	apiMu       sync.RWMutex
	apiLimiters map[string]*ipLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		webhookLimiters: make(map[string]*ipLimiter),
		apiLimiters:     make(map[string]*ipLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// WebhookMiddleware はWebhook受信エンドポイントのレート制限ミドルウェアを返す。
func (rl *RateLimiter) WebhookMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			limiter := rl.getOrCreate(&rl.webhookMu, rl.webhookLimiters, ip, rl.config.WebhookRate, rl.config.WebhookBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.WebhookRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "webhook"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// APIMiddleware はユーザーAPIのレート制限ミドルウェアを返す。
// Webhookのレート制限とは独立に動作する。
func (rl *RateLimiter) APIMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			limiter := rl.getOrCreate(&rl.apiMu, rl.apiLimiters, ip, rl.config.APIRate, rl.config.APIBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.APIRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "api"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WebhookLimiterCount は現在管理されているWebhookリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) WebhookLimiterCount() int {
	rl.webhookMu.RLock()
	defer rl.webhookMu.RUnlock()
	return len(rl.webhookLimiters)
}

// getOrCreate はIPに対応するリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreate(mu *sync.RWMutex, limiters map[string]*ipLimiter, ip string, r rate.Limit, burst int) *rate.Limiter {
	mu.RLock()
	il, exists := limiters[ip]
	mu.RUnlock()

	if exists {
		mu.Lock()
		il.lastAccess = time.Now()
		mu.Unlock()
		return il.limiter
	}

	mu.Lock()
	defer mu.Unlock()

	// ダブルチェック
	if il, exists := limiters[ip]; exists {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	limiters[ip] = &ipLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.webhookMu.Lock()
	for ip, il := range rl.webhookLimiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(rl.webhookLimiters, ip)
		}
	}
	rl.webhookMu.Unlock()

	rl.apiMu.Lock()
	for ip, il := range rl.apiLimiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(rl.apiLimiters, ip)
		}
	}
	rl.apiMu.Unlock()
}

// clientIP は送信元IPアドレスを特定する。
// リバースプロキシ経由の場合はX-Forwarded-Forの先頭エントリを使う。
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":    "rate_limit_exceeded",
		"message": "リクエスト数が制限を超えました。しばらく待ってから再度お試しください。",
	})
}
