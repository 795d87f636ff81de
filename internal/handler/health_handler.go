package handler

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	webhookValidation bool
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(webhookValidation bool) *HealthHandler {
	return &HealthHandler{webhookValidation: webhookValidation}
}

type healthResponse struct {
	Status            string `json:"status"`
	WebhookValidation bool   `json:"webhook_validation"`
	Timestamp         string `json:"timestamp"`
}

// Health はサービスの稼働状態を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:            "ok",
		WebhookValidation: h.webhookValidation,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	})
}
