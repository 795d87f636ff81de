package model

import (
	"errors"
	"fmt"
)

// レイヤー間で共有するセンチネルエラー。
// 呼び出し元はerrors.Isで分岐し、例外的な制御フローには使わない。
var (
	// ErrNotFound は対象ユーザーが未登録または非アクティブであることを示す。
	// 期待される結果であり、エラーとして扱わず分岐に使う。
	ErrNotFound = errors.New("user not found")

	// ErrDuplicateLink は同じUEXユーザー名が別のアクティブユーザーに
	// 既に紐付いていることを示す。
	ErrDuplicateLink = errors.New("uex username already linked")

	// ErrInvalidCredentials は外部APIによる資格情報の検証が明確に拒否されたことを示す。
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrDecryption は保存値の破損またはマスターキー変更による復号失敗を示す。
	ErrDecryption = errors.New("decryption failed")

	// ErrStoreCorrupt はストアファイルのJSONが解析不能であることを示す。
	ErrStoreCorrupt = errors.New("store file corrupt")

	// ErrMalformedEvent はWebhookペイロードが構造的に不正であることを示す。
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrInvalidSignature はWebhook署名の検証失敗を示す。
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrRoutingIndeterminate は有効なイベントだが、フォールバックを含めても
	// 通知先を決定できなかったことを示す。
	ErrRoutingIndeterminate = errors.New("routing indeterminate")

	// ErrDeliveryFailed は通知チャネルへの配信失敗を示す。自動リトライはしない。
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

// APIError は統一エラーフォーマットを表す。
// HTTPレスポンスにそのままJSONとして書き出され、
// 原因カテゴリと利用者向けの対処方法を含む。
type APIError struct {
	Code     string `json:"code"`     // エラーコード
	Message  string `json:"message"`  // エラーメッセージ
	Category string `json:"category"` // カテゴリ: auth, validation, webhook, external, system
	Action   string `json:"action"`   // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeDuplicateLink      = "DUPLICATE_UEX_LINK"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeInvalidSignature   = "INVALID_SIGNATURE"
	ErrCodeMalformedEvent     = "MALFORMED_EVENT"
	ErrCodeDeliveryFailed     = "DELIVERY_FAILED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewUserNotFoundError はユーザー未登録エラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーは登録されていません: %s", userID),
		Category: "auth",
		Action:   "先にユーザー登録を行ってください。",
	}
}

// NewDuplicateLinkError はUEXユーザー名の重複紐付けエラーを生成する。
func NewDuplicateLinkError(uexUsername string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateLink,
		Message:  fmt.Sprintf("UEXユーザー名 %s は既に別のユーザーに紐付いています。", uexUsername),
		Category: "validation",
		Action:   "既存の登録を解除してから再登録してください。",
	}
}

// NewInvalidCredentialsError は資格情報の検証拒否エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "UEX APIが資格情報を拒否しました。",
		Category: "auth",
		Action:   "APIトークンとシークレットキーを確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 原因の詳細はログにのみ記録し、レスポンスには一般的なメッセージだけを載せる。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト形式を確認してください。",
	}
}
