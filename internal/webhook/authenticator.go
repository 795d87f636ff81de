// Package webhook はUEX Webhookイベントの検証・解析・ルーティングを提供する。
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// signaturePrefix は署名ヘッダー値の接頭辞。
const signaturePrefix = "sha256="

// Authenticator はWebhook署名の検証を行う。
//
// 共有シークレットが未設定の場合、検証はスキップされ常に有効として扱う。
// これは未署名環境・テスト環境をサポートするための明示的な運用上の選択であり、
// 起動時と検証スキップのたびに警告ログで運用者に知らせる。
type Authenticator struct {
	secret string
	logger *slog.Logger
}

// NewAuthenticator はAuthenticatorを生成する。
// secretが空の場合は署名検証が無効になる。
func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	if secret == "" {
		logger.Warn("Webhookシークレットが未設定のため署名検証をスキップします。本番環境ではUEX_WEBHOOK_SECRETを設定してください")
	}
	return &Authenticator{
		secret: secret,
		logger: logger,
	}
}

// Verify は受信ボディと署名ヘッダーを検証する。
//   - シークレット未設定: 常にtrue（検証スキップ。警告ログを出す）
//   - シークレット設定済みで署名なし: 常にfalse
//   - それ以外: "sha256=" + hex(HMAC-SHA256(secret, body)) との一致判定
func (a *Authenticator) Verify(rawBody []byte, signature string) bool {
	if a.secret == "" {
		a.logger.Warn("署名検証をスキップしました（シークレット未設定）")
		return true
	}

	if signature == "" {
		a.logger.Warn("シークレットが設定されていますが署名ヘッダーがありません")
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(rawBody)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))

	// タイミング攻撃を避けるため定数時間比較を使う
	return hmac.Equal([]byte(signature), []byte(expected))
}
