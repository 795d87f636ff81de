package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/marketrelay/internal/model"
)

// WriteAPIError はmodel.APIErrorを統一JSONフォーマットで書き込む。
// ハンドラー層とrecoveryミドルウェアが同じ形式で応答する。
func WriteAPIError(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteAPIError(w, http.StatusInternalServerError, model.NewInternalError())
}
