// Package model はドメインモデルを定義する。
package model

import "time"

// UserRecord は登録済みユーザー1人分のレコードを表す。
// ストアのJSONファイルにそのままシリアライズされる。
// 資格情報は必ず暗号化済みの形でのみ保持する。
type UserRecord struct {
	DisplayName   string        `json:"username"`
	UEXUsername   string        `json:"uex_username,omitempty"`
	RegisteredAt  time.Time     `json:"registered_at"`
	EncryptedAt   time.Time     `json:"encrypted_at"`
	Credentials   EncryptedPair `json:"credentials"`
	LastUsed      *time.Time    `json:"last_used"`
	Active        bool          `json:"active"`
	DeactivatedAt *time.Time    `json:"deactivated_at,omitempty"`
}

// EncryptedPair は暗号化済みのAPI資格情報ペアを表す。
// 各フィールドは "<ivHex>:<cipherHex>" 形式の文字列。
// 両フィールドは常にセットで存在する（片方だけの状態は不正）。
type EncryptedPair struct {
	APIToken  string `json:"api_token"`
	SecretKey string `json:"secret_key"`
}

// Credentials は復号済みのAPI資格情報を表す。
// メモリ上でのみ扱い、ログ・ファイルには決して書き出さない。
type Credentials struct {
	APIToken  string
	SecretKey string
}

// Deactivate はレコードを非アクティブ化する。
// activeフラグと非アクティブ化時刻は必ずこのメソッド経由でセットで更新し、
// 「非アクティブだがタイムスタンプなし」という不正状態を作らない。
func (r *UserRecord) Deactivate(at time.Time) {
	r.Active = false
	r.DeactivatedAt = &at
}

// Touch は資格情報の最終利用時刻を更新する。
func (r *UserRecord) Touch(at time.Time) {
	r.LastUsed = &at
}

// UsedWithin は最終利用時刻が指定期間内かどうかを返す。
func (r *UserRecord) UsedWithin(d time.Duration, now time.Time) bool {
	if r.LastUsed == nil {
		return false
	}
	return now.Sub(*r.LastUsed) <= d
}

// VaultStats はユーザー登録状況の集計値を表す。
type VaultStats struct {
	TotalUsers     int `json:"total_users"`
	ActiveUsers    int `json:"active_users"`
	InactiveUsers  int `json:"inactive_users"`
	RecentlyActive int `json:"recently_active"` // 直近24時間以内に資格情報を利用したユーザー数
}
