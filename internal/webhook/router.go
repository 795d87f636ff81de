package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/marketrelay/internal/model"
	"github.com/hitoshi/marketrelay/internal/vault"
)

// ルーティング理由の文字列。ログとレスポンスにそのまま出す。
const (
	ReasonSellerReplied   = "seller replied to buyer"
	ReasonBuyerContacted  = "buyer contacted seller"
	ReasonUnknownSender   = "unknown sender, default to advertiser"
	ReasonFallbackOwner   = "negotiation lookup failed, fallback to listing owner"
	ReasonNoActiveUsers   = "no registered users"
	ReasonTargetNotLinked = "no registered recipient for target username"
)

// CredentialSource はルーターが必要とするVaultのインターフェース。
type CredentialSource interface {
	ListActive(ctx context.Context) ([]vault.ActiveUser, error)
	GetCredentials(ctx context.Context, userID string) (model.Credentials, error)
	FindByExternalUsername(ctx context.Context, uexUsername string) (*vault.ActiveUser, error)
}

// NegotiationAPI は交渉参加者の取得インターフェース。
type NegotiationAPI interface {
	GetNegotiation(ctx context.Context, creds model.Credentials, hash string) (*model.NegotiationParticipants, error)
}

// Notifier は解決済みユーザーへの通知配信インターフェース。
// 配信の描画・手段は関知しない。
type Notifier interface {
	Deliver(ctx context.Context, userID string, event *model.NegotiationEvent) error
}

// RouteResult はルーティング1回分の結果。
type RouteResult struct {
	EventID      string // 相関ID（ログ突き合わせ用）
	Delivered    bool
	TargetUserID string // 配信先のローカルユーザーID（配信時のみ）
	TargetName   string // 解決されたUEXユーザー名
	Reason       string
	FallbackUsed bool
}

// Router はWebhookイベントの送信者判定と通知先解決を行う。
// イベント間で状態を持たない（呼び出しごとの決定木のみ）。
type Router struct {
	auth     *Authenticator
	creds    CredentialSource
	api      NegotiationAPI
	notifier Notifier
	logger   *slog.Logger
}

// NewRouter はRouterを生成する。
func NewRouter(auth *Authenticator, creds CredentialSource, api NegotiationAPI, notifier Notifier, logger *slog.Logger) *Router {
	return &Router{
		auth:     auth,
		creds:    creds,
		api:      api,
		notifier: notifier,
		logger:   logger,
	}
}

// Route は受信イベントを処理し、通知先を解決して配信する。
//
// エラーの意味論:
//   - model.ErrMalformedEvent / model.ErrInvalidSignature: 終端的な拒否。リトライ不可
//   - model.ErrRoutingIndeterminate: フォールバックでも通知先を決定できなかった
//   - model.ErrDeliveryFailed: 配信失敗。自動リトライはしない
//   - 正当なイベントだが通知対象が存在しない場合はエラーではなく
//     Delivered=falseの成功として返す（ルーティング可能な集合の外にあるだけ）
//
// エラー時もEventIDを設定したRouteResultを返す。
// 呼び出し元はレスポンスやログの突き合わせに相関IDを使える。
func (r *Router) Route(ctx context.Context, rawBody []byte, signature string) (*RouteResult, error) {
	result := &RouteResult{EventID: uuid.NewString()}
	log := r.logger.With(slog.String("event_id", result.EventID))

	// 1. 解析
	event, err := ParseEvent(rawBody)
	if err != nil {
		return result, err
	}

	// 2. 署名検証。失敗は改ざんか設定ミスの可能性があるためErrorレベルで記録する
	if !r.auth.Verify(rawBody, signature) {
		log.Error("Webhook署名の検証に失敗しました",
			slog.String("negotiation_hash", event.NegotiationHash),
		)
		return result, model.ErrInvalidSignature
	}

	log.Info("Webhookイベントを受信しました",
		slog.String("negotiation_hash", event.NegotiationHash),
		slog.String("event_type", string(event.Type)),
		slog.String("sender", event.SenderUsername),
	)

	// 3. 交渉照会に使う資格情報の確保。
	//    照会APIは「誰かの」有効な資格情報を要求するだけなので、
	//    アクティブユーザーの先頭を借りる。誰もいなければ通知相手も存在しない。
	activeUsers, err := r.creds.ListActive(ctx)
	if err != nil {
		return result, err
	}
	if len(activeUsers) == 0 {
		log.Warn("アクティブユーザーが存在しないため通知をスキップします")
		result.Reason = ReasonNoActiveUsers
		return result, nil
	}

	creds, err := r.creds.GetCredentials(ctx, activeUsers[0].UserID)
	if err != nil {
		return result, fmt.Errorf("交渉照会用の資格情報を取得できませんでした: %w", err)
	}

	// 4. 参加者の取得と通知先の決定
	targetName, reason, fallback, err := r.resolveTarget(ctx, log, creds, event)
	if err != nil {
		return result, err
	}
	result.TargetName = targetName
	result.Reason = reason
	result.FallbackUsed = fallback

	log.Info("ルーティングを決定しました",
		slog.String("sender", event.SenderUsername),
		slog.String("target", targetName),
		slog.String("reason", reason),
	)

	// 5. UEXユーザー名からローカルユーザーへの対応付け。
	//    見つからない場合はエラーではなく通知なしの成功
	target, err := r.creds.FindByExternalUsername(ctx, targetName)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Warn("通知先のUEXユーザー名に対応する登録ユーザーがいません",
				slog.String("target", targetName),
			)
			result.Reason = ReasonTargetNotLinked
			return result, nil
		}
		return result, err
	}

	// 6. 配信。失敗しても自動リトライはしない（at-most-once）
	if err := r.notifier.Deliver(ctx, target.UserID, event); err != nil {
		log.Error("通知の配信に失敗しました",
			slog.String("target_user_id", target.UserID),
			slog.String("error", err.Error()),
		)
		return result, fmt.Errorf("%w: %v", model.ErrDeliveryFailed, err)
	}

	result.Delivered = true
	result.TargetUserID = target.UserID
	log.Info("通知を配信しました",
		slog.String("target_user_id", target.UserID),
		slog.String("target", targetName),
	)
	return result, nil
}

// resolveTarget は通知先のUEXユーザー名を決定する。
//
// 交渉照会に成功した場合は送信者の反対側の参加者を選ぶ。
// 送信者がどちらの参加者とも一致しない異常ケースでは出品者側に倒す。
// 照会に失敗した場合はイベント自身のlisting_owner_usernameへ
// フォールバックする（出品者宛の片方向近似。双方向ルーティングは不可能）。
func (r *Router) resolveTarget(ctx context.Context, log *slog.Logger, creds model.Credentials, event *model.NegotiationEvent) (target, reason string, fallback bool, err error) {
	participants, lookupErr := r.api.GetNegotiation(ctx, creds, event.NegotiationHash)
	if lookupErr != nil {
		log.Warn("交渉詳細を取得できないためフォールバックルーティングを使用します",
			slog.String("negotiation_hash", event.NegotiationHash),
			slog.String("error", lookupErr.Error()),
		)
		if event.ListingOwner == "" {
			return "", "", false, fmt.Errorf("%w: 交渉照会が失敗しlisting_owner_usernameもありません", model.ErrRoutingIndeterminate)
		}
		return event.ListingOwner, ReasonFallbackOwner, true, nil
	}

	switch event.SenderUsername {
	case participants.AdvertiserUsername:
		// 出品者からの返信 → 購入希望者に通知
		return participants.ClientUsername, ReasonSellerReplied, false, nil
	case participants.ClientUsername:
		// 購入希望者からの連絡 → 出品者に通知
		return participants.AdvertiserUsername, ReasonBuyerContacted, false, nil
	default:
		// 送信者がどちらの参加者とも一致しない（本来発生しない）
		log.Warn("送信者が交渉参加者のいずれとも一致しません",
			slog.String("sender", event.SenderUsername),
			slog.String("advertiser", participants.AdvertiserUsername),
			slog.String("client", participants.ClientUsername),
		)
		return participants.AdvertiserUsername, ReasonUnknownSender, false, nil
	}
}
