package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/marketrelay/internal/middleware"
	"github.com/hitoshi/marketrelay/internal/model"
)

// CredentialProvider は返信送信に必要な資格情報の取得インターフェース。
type CredentialProvider interface {
	// GetCredentials はユーザーの資格情報を復号して返す。
	GetCredentials(ctx context.Context, userID string) (model.Credentials, error)
}

// ReplySender はマーケットプレイスへの返信送信インターフェース。
type ReplySender interface {
	// SendReply は交渉スレッドにメッセージを送信する。
	SendReply(ctx context.Context, creds model.Credentials, hash, message string) error
}

// ReplyHandler は交渉スレッドへの返信送信のHTTPハンドラー。
// 復号した資格情報はリクエスト処理中のメモリにのみ存在する。
type ReplyHandler struct {
	credentials CredentialProvider
	sender      ReplySender
}

// NewReplyHandler はReplyHandlerを生成する。
func NewReplyHandler(credentials CredentialProvider, sender ReplySender) *ReplyHandler {
	return &ReplyHandler{
		credentials: credentials,
		sender:      sender,
	}
}

// replyRequest は返信送信リクエストのボディ。
type replyRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// replyResponse は返信送信結果のレスポンス。
type replyResponse struct {
	NegotiationHash string `json:"negotiation_hash"`
	Sent            bool   `json:"sent"`
}

// SendReply は登録ユーザーの資格情報で交渉スレッドに返信を送信する。
// POST /api/negotiations/{hash}/reply
func (h *ReplyHandler) SendReply(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	if req.UserID == "" || req.Message == "" {
		middleware.WriteAPIError(w, http.StatusBadRequest, model.NewInvalidRequestError("user_idとmessageは必須です"))
		return
	}

	creds, err := h.credentials.GetCredentials(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			middleware.WriteAPIError(w, http.StatusNotFound, model.NewUserNotFoundError(req.UserID))
			return
		}
		handleServiceError(w, err)
		return
	}

	if err := h.sender.SendReply(r.Context(), creds, hash, req.Message); err != nil {
		middleware.WriteAPIError(w, http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeDeliveryFailed,
			Message:  "マーケットプレイスへの返信送信に失敗しました。",
			Category: "external",
			Action:   "UEX APIの状態を確認してから再度お試しください。",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(replyResponse{NegotiationHash: hash, Sent: true})
}
