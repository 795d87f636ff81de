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

// VaultInterface はユーザーハンドラーが必要とするVaultのインターフェース。
type VaultInterface interface {
	// Register は資格情報を検証・暗号化してユーザーを登録する。
	Register(ctx context.Context, userID, apiToken, secretKey, displayName string) error
	// Deactivate はユーザーを非アクティブ化する（ソフトデリート）。
	Deactivate(ctx context.Context, userID string) error
	// IsActive はユーザーがアクティブな登録済みユーザーかどうかを返す。
	IsActive(ctx context.Context, userID string) bool
	// Stats は登録状況の集計値を返す。
	Stats(ctx context.Context) (*model.VaultStats, error)
}

// UserHandler はユーザー登録管理のHTTPハンドラー。
type UserHandler struct {
	vault VaultInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(vault VaultInterface) *UserHandler {
	return &UserHandler{
		vault: vault,
	}
}

// registerRequest はユーザー登録リクエストのボディ。
type registerRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	APIToken    string `json:"api_token"`
	SecretKey   string `json:"secret_key"`
}

// userStatusResponse はユーザー登録状態のレスポンス。資格情報は含めない。
type userStatusResponse struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

// Register はユーザー登録を処理する。
// POST /api/users
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	if req.UserID == "" || req.APIToken == "" || req.SecretKey == "" {
		middleware.WriteAPIError(w, http.StatusBadRequest, model.NewInvalidRequestError("user_id・api_token・secret_keyは必須です"))
		return
	}

	err := h.vault.Register(r.Context(), req.UserID, req.APIToken, req.SecretKey, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidCredentials):
			middleware.WriteAPIError(w, http.StatusUnprocessableEntity, model.NewInvalidCredentialsError())
		case errors.Is(err, model.ErrDuplicateLink):
			middleware.WriteAPIError(w, http.StatusConflict, model.NewDuplicateLinkError(""))
		default:
			handleServiceError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(userStatusResponse{UserID: req.UserID, Active: true})
}

// Deactivate はユーザーの登録解除を処理する。
// DELETE /api/users/{id}
func (h *UserHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	if err := h.vault.Deactivate(r.Context(), userID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			middleware.WriteAPIError(w, http.StatusNotFound, model.NewUserNotFoundError(userID))
			return
		}
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStatus はユーザーの登録状態を返す。
// GET /api/users/{id}
func (h *UserHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(userStatusResponse{
		UserID: userID,
		Active: h.vault.IsActive(r.Context(), userID),
	})
}

// Stats は登録状況の集計値を返す。
// GET /api/stats
func (h *UserHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.vault.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
