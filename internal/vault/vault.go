// Package vault はユーザー資格情報の登録・取得・無効化を提供する。
//
// すべての変更操作は「テーブル全体をload → メモリ上で変更 → 全体をsave」の
// サイクルで行う。サイクルはプロセス内mutexで直列化し、
// 並行する変更による更新の喪失（lost update）を防ぐ。
// 複数インスタンスでの同時書き込みはサポートしない。
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/marketrelay/internal/model"
)

// minCredentialLength はAPIトークン・シークレットキーの最小文字数。
const minCredentialLength = 10

// recentWindow は統計の「直近アクティブ」と判定する期間。
const recentWindow = 24 * time.Hour

// Store はユーザーレコードの永続化インターフェース。
type Store interface {
	LoadAll(ctx context.Context) (map[string]*model.UserRecord, error)
	SaveAll(ctx context.Context, records map[string]*model.UserRecord) error
}

// Codec は資格情報の暗号化・復号インターフェース。
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

// MarketplaceAPI は登録時に利用する外部APIのインターフェース。
// 資格情報の検証とプロフィール（UEXユーザー名）の取得に使う。
type MarketplaceAPI interface {
	ValidateCredentials(ctx context.Context, creds model.Credentials) error
	GetProfile(ctx context.Context, creds model.Credentials) (string, error)
}

// Config はVaultの設定。
type Config struct {
	// ValidateTimeout は登録時の資格情報検証の上限時間。
	// 超過した場合は検証失敗ではなく「楽観的に受理」する。
	ValidateTimeout time.Duration
}

// Vault はユーザー資格情報管理のファサード。
type Vault struct {
	store  Store
	codec  Codec
	api    MarketplaceAPI
	logger *slog.Logger
	config Config

	// mu はload→変更→saveサイクル全体を直列化する。
	mu sync.Mutex
}

// NewVault はVaultを生成する。
func NewVault(store Store, codec Codec, api MarketplaceAPI, logger *slog.Logger, config Config) *Vault {
	if config.ValidateTimeout <= 0 {
		config.ValidateTimeout = 5 * time.Second
	}
	return &Vault{
		store:  store,
		codec:  codec,
		api:    api,
		logger: logger,
		config: config,
	}
}

// ActiveUser はルーティング・一覧表示用のアクティブユーザー情報。
// 資格情報は含まない。
type ActiveUser struct {
	UserID      string
	DisplayName string
	UEXUsername string
}

// Register は新規ユーザーを登録する。既存レコードは上書きされる。
//
// 検証ポリシー: 外部APIが資格情報を明確に拒否した場合のみ登録を失敗させる。
// タイムアウトや通信エラーの場合は警告ログを残して楽観的に受理する
// （可用性を優先する設計判断。不正な資格情報は初回利用時に利用者へ返る）。
func (v *Vault) Register(ctx context.Context, userID, apiToken, secretKey, displayName string) error {
	if userID == "" {
		return fmt.Errorf("ユーザーIDが空です")
	}
	if len(apiToken) < minCredentialLength || len(secretKey) < minCredentialLength {
		return fmt.Errorf("%w: APIトークンとシークレットキーは%d文字以上が必要です",
			model.ErrInvalidCredentials, minCredentialLength)
	}

	creds := model.Credentials{APIToken: apiToken, SecretKey: secretKey}

	// 1. 外部APIによる検証（タイムアウト付き）
	validateCtx, cancel := context.WithTimeout(ctx, v.config.ValidateTimeout)
	err := v.api.ValidateCredentials(validateCtx, creds)
	cancel()
	switch {
	case err == nil:
		// 検証成功
	case errors.Is(err, model.ErrInvalidCredentials):
		v.logger.Warn("資格情報の検証が拒否されたため登録を中止します",
			slog.String("user_id", userID),
		)
		return err
	default:
		v.logger.Warn("資格情報の検証が完了しなかったため楽観的に登録を受理します",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	// 2. UEXユーザー名の取得。失敗しても登録は続行する
	//    （紐付けなしで登録され、Webhookルーティングの対象外になる）。
	uexUsername := ""
	profileCtx, cancel := context.WithTimeout(ctx, v.config.ValidateTimeout)
	name, err := v.api.GetProfile(profileCtx, creds)
	cancel()
	if err != nil {
		v.logger.Warn("UEXユーザー名を取得できませんでした。紐付けなしで登録を続行します",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else {
		uexUsername = name
	}

	// 3. 資格情報をそれぞれ独立に暗号化
	encToken, err := v.codec.Encrypt(apiToken)
	if err != nil {
		return fmt.Errorf("APIトークンの暗号化に失敗しました: %w", err)
	}
	encSecret, err := v.codec.Encrypt(secretKey)
	if err != nil {
		return fmt.Errorf("シークレットキーの暗号化に失敗しました: %w", err)
	}

	// 4. テーブル更新（直列化区間）
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	// 同じUEXユーザー名が別のアクティブユーザーに紐付いている場合は
	// 明示的なエラーにする。先勝ちの暗黙ルーティングは行わない。
	if uexUsername != "" {
		for id, rec := range records {
			if id != userID && rec.Active && rec.UEXUsername == uexUsername {
				v.logger.Warn("UEXユーザー名が既に別ユーザーに紐付いています",
					slog.String("user_id", userID),
					slog.String("conflict_user_id", id),
				)
				return fmt.Errorf("%w: %s", model.ErrDuplicateLink, uexUsername)
			}
		}
	}

	now := time.Now().UTC()
	records[userID] = &model.UserRecord{
		DisplayName:  displayName,
		UEXUsername:  uexUsername,
		RegisteredAt: now,
		EncryptedAt:  now,
		Credentials: model.EncryptedPair{
			APIToken:  encToken,
			SecretKey: encSecret,
		},
		Active: true,
	}

	if err := v.store.SaveAll(ctx, records); err != nil {
		return err
	}

	v.logger.Info("ユーザーを登録しました",
		slog.String("user_id", userID),
		slog.Bool("uex_linked", uexUsername != ""),
	)
	return nil
}

// GetCredentials は復号済みの資格情報を返す。
// 未登録または非アクティブの場合はmodel.ErrNotFoundを返す。
// 副作用として最終利用時刻を更新する（更新の永続化はベストエフォート）。
func (v *Vault) GetCredentials(ctx context.Context, userID string) (model.Credentials, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.store.LoadAll(ctx)
	if err != nil {
		return model.Credentials{}, err
	}

	rec, ok := records[userID]
	if !ok || !rec.Active {
		return model.Credentials{}, fmt.Errorf("%w: %s", model.ErrNotFound, userID)
	}

	apiToken, err := v.codec.Decrypt(rec.Credentials.APIToken)
	if err != nil {
		v.logger.Error("APIトークンの復号に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.Credentials{}, err
	}
	secretKey, err := v.codec.Decrypt(rec.Credentials.SecretKey)
	if err != nil {
		v.logger.Error("シークレットキーの復号に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.Credentials{}, err
	}

	// 最終利用時刻の更新に失敗しても読み取り自体は成功として扱う
	rec.Touch(time.Now().UTC())
	if err := v.store.SaveAll(ctx, records); err != nil {
		v.logger.Warn("最終利用時刻の保存に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	return model.Credentials{APIToken: apiToken, SecretKey: secretKey}, nil
}

// Deactivate はユーザーを非アクティブ化する（ソフトデリート）。
// レコードと履歴は保持し、activeフラグのみを落とす。
// 既に非アクティブのユーザーに対して呼んでも成功する。
// 未登録のユーザーの場合はmodel.ErrNotFoundを返す。
func (v *Vault) Deactivate(ctx context.Context, userID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	rec, ok := records[userID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, userID)
	}

	rec.Deactivate(time.Now().UTC())
	if err := v.store.SaveAll(ctx, records); err != nil {
		return err
	}

	v.logger.Info("ユーザーを非アクティブ化しました",
		slog.String("user_id", userID),
	)
	return nil
}

// IsActive はユーザーがアクティブな登録済みユーザーかどうかを返す。
// ストアの読み取りに失敗した場合はfalseを返す。
func (v *Vault) IsActive(ctx context.Context, userID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.store.LoadAll(ctx)
	if err != nil {
		v.logger.Error("ユーザーテーブルの読み込みに失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}
	rec, ok := records[userID]
	return ok && rec.Active
}

// FindByExternalUsername はUEXユーザー名からアクティブユーザーを検索する。
// 登録時に重複紐付けを拒否しているため、アクティブレコード内では一意。
// 走査順はユーザーIDの昇順で固定する。
func (v *Vault) FindByExternalUsername(ctx context.Context, uexUsername string) (*ActiveUser, error) {
	if uexUsername == "" {
		return nil, fmt.Errorf("%w: UEXユーザー名が空です", model.ErrNotFound)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range sortedKeys(records) {
		rec := records[id]
		if rec.Active && rec.UEXUsername == uexUsername {
			return &ActiveUser{
				UserID:      id,
				DisplayName: rec.DisplayName,
				UEXUsername: rec.UEXUsername,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: uex username %s", model.ErrNotFound, uexUsername)
}

// ListActive はアクティブユーザーの一覧をユーザーID昇順で返す。
func (v *Vault) ListActive(ctx context.Context) ([]ActiveUser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	var users []ActiveUser
	for _, id := range sortedKeys(records) {
		rec := records[id]
		if rec.Active {
			users = append(users, ActiveUser{
				UserID:      id,
				DisplayName: rec.DisplayName,
				UEXUsername: rec.UEXUsername,
			})
		}
	}
	return users, nil
}

// Stats は登録状況の集計値を返す。
func (v *Vault) Stats(ctx context.Context) (*model.VaultStats, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &model.VaultStats{TotalUsers: len(records)}
	for _, rec := range records {
		if rec.Active {
			stats.ActiveUsers++
		} else {
			stats.InactiveUsers++
		}
		if rec.UsedWithin(recentWindow, now) {
			stats.RecentlyActive++
		}
	}
	return stats, nil
}

func sortedKeys(records map[string]*model.UserRecord) []string {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
