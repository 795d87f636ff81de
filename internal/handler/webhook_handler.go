// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/marketrelay/internal/metrics"
	"github.com/hitoshi/marketrelay/internal/middleware"
	"github.com/hitoshi/marketrelay/internal/model"
	"github.com/hitoshi/marketrelay/internal/webhook"
)

// signatureHeader はUEX Webhookの署名ヘッダー名。
const signatureHeader = "X-UEX-Signature"

// maxWebhookBodySize はWebhookボディの最大サイズ（1MB）。
const maxWebhookBodySize = 1 << 20

// WebhookRouterInterface はWebhookハンドラーが必要とするルーターインターフェース。
type WebhookRouterInterface interface {
	// Route は受信イベントを検証・解析し、通知先を解決して配信する。
	Route(ctx context.Context, rawBody []byte, signature string) (*webhook.RouteResult, error)
}

// WebhookHandler はWebhook受信のHTTPハンドラー。
type WebhookHandler struct {
	router  WebhookRouterInterface
	metrics metrics.WebhookCollector
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(router WebhookRouterInterface, collector metrics.WebhookCollector) *WebhookHandler {
	return &WebhookHandler{
		router:  router,
		metrics: collector,
	}
}

// webhookResponse はWebhook処理結果のレスポンス。
type webhookResponse struct {
	EventID   string `json:"event_id"`
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

// HandleUEX はUEX Webhookイベントを受信して処理する。
// POST /webhook/uex
//
// ステータスコードの意味論:
//   - 400: 構造的に不正なペイロード（リトライ不可）
//   - 401: 署名検証失敗（リトライ不可）
//   - 202: 正当なイベントだが通知先を決定できなかった（受理済み・通知なし）
//   - 502: 配信失敗（下流チャネルの問題）
//   - 200: 配信成功、または正当だが通知対象外のイベント（成功扱いのno-op）
func (h *WebhookHandler) HandleUEX(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordReceived()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		middleware.WriteAPIError(w, http.StatusBadRequest, model.NewInvalidRequestError("ボディの読み取りに失敗しました"))
		return
	}

	start := time.Now()
	result, err := h.router.Route(r.Context(), body, r.Header.Get(signatureHeader))
	h.metrics.RecordRoutingLatency(time.Since(start))

	if err != nil {
		h.handleRoutingError(w, result, err)
		return
	}

	if result.FallbackUsed {
		h.metrics.RecordFallbackUsed()
	}
	if result.Delivered {
		h.metrics.RecordDelivered()
	} else {
		h.metrics.RecordUnrouted(result.Reason)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(webhookResponse{
		EventID:   result.EventID,
		Delivered: result.Delivered,
		Reason:    result.Reason,
	})
}

// handleRoutingError はルーターのエラーをHTTPステータスコードに変換する。
// resultはエラー時でも相関ID参照用に渡される（nilの場合もある）。
func (h *WebhookHandler) handleRoutingError(w http.ResponseWriter, result *webhook.RouteResult, err error) {
	switch {
	case errors.Is(err, model.ErrMalformedEvent):
		h.metrics.RecordMalformed()
		middleware.WriteAPIError(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeMalformedEvent,
			Message:  "Webhookペイロードが不正です。",
			Category: "webhook",
			Action:   "negotiation_hash・message・client_usernameが含まれているか確認してください。",
		})
	case errors.Is(err, model.ErrInvalidSignature):
		h.metrics.RecordInvalidSignature()
		middleware.WriteAPIError(w, http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeInvalidSignature,
			Message:  "Webhook署名の検証に失敗しました。",
			Category: "webhook",
			Action:   "共有シークレットの設定を確認してください。",
		})
	case errors.Is(err, model.ErrRoutingIndeterminate):
		// 正当なイベントとして受理するが通知は送れなかった（ソフト失敗）。
		// ログ突き合わせ用に相関IDをレスポンスにも含める
		h.metrics.RecordUnrouted("indeterminate")
		resp := webhookResponse{
			Delivered: false,
			Reason:    "routing indeterminate",
		}
		if result != nil {
			resp.EventID = result.EventID
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(resp)
	case errors.Is(err, model.ErrDeliveryFailed):
		h.metrics.RecordDeliveryFailure()
		middleware.WriteAPIError(w, http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeDeliveryFailed,
			Message:  "通知の配信に失敗しました。",
			Category: "system",
			Action:   "通知チャネルの状態を確認してください。自動リトライは行われません。",
		})
	default:
		slog.Error("webhook processing failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
