// Package security は外部API呼び出しと中継メッセージの安全化を提供する。
//
// MessageSanitizerService はWebhookで受信した交渉メッセージのテキストを
// サニタイズする。メッセージはマーケットプレイス利用者が入力した
// 信頼できない文字列であり、通知に埋め込む前にHTMLタグを全て除去する。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxMessageLength は通知に埋め込むメッセージの最大文字数。
// Discordの埋め込みフィールド上限(1024)より十分小さく抑える。
const maxMessageLength = 900

// MessageSanitizerService は中継メッセージのサニタイズ機能のインターフェースを定義する。
type MessageSanitizerService interface {
	// Sanitize はメッセージテキストからHTMLタグを全て除去し、
	// 長さを上限以内に切り詰めて返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// messageSanitizer はMessageSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type messageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyは許可タグなし（全タグ除去、テキストのみ通過）。
func NewMessageSanitizer() *messageSanitizer {
	return &messageSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はメッセージテキストをサニタイズして返す。
// 切り詰めは文字（rune）単位で行い、マルチバイト文字の途中で切らない。
func (s *messageSanitizer) Sanitize(raw string) string {
	cleaned := strings.TrimSpace(s.policy.Sanitize(raw))
	if runes := []rune(cleaned); len(runes) > maxMessageLength {
		cleaned = string(runes[:maxMessageLength]) + "..."
	}
	return cleaned
}
