package handler

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/marketrelay/internal/middleware"
)

// handleServiceError は分類されなかったサービス層エラーを処理する。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func handleServiceError(w http.ResponseWriter, err error) {
	slog.Error("service error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
