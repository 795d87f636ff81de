// Package notify は解決済みユーザーへのDiscord DM配信を提供する。
// Discord REST APIでDMチャンネルを開き、埋め込みメッセージを送信する。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/marketrelay/internal/model"
	"github.com/hitoshi/marketrelay/internal/security"
)

// イベント種別ごとの埋め込みカラー。
const (
	colorStarted   = 0x00ff00 // 新規交渉
	colorMessage   = 0x0099ff // 交渉メッセージ
	colorCompleted = 0xffd700 // 交渉成立
)

// DiscordNotifier はDiscord REST API経由のDM配信を行う。
type DiscordNotifier struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	botToken   string
	sanitizer  security.MessageSanitizerService
}

// NewDiscordNotifier はDiscordNotifierを生成する。
// 本番ではSSRF防止機能付きのhttp.Clientを渡す。
func NewDiscordNotifier(httpClient *http.Client, logger *slog.Logger, baseURL, botToken string, sanitizer security.MessageSanitizerService) *DiscordNotifier {
	return &DiscordNotifier{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		botToken:   botToken,
		sanitizer:  sanitizer,
	}
}

// dmChannelResponse はPOST /users/@me/channels のレスポンス。
type dmChannelResponse struct {
	ID string `json:"id"`
}

// embedField は埋め込みメッセージのフィールド。
type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// embed はDiscordの埋め込みメッセージ。
type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

// Deliver は交渉イベントの通知DMをユーザーに送信する。
// 失敗時はmodel.ErrDeliveryFailedを返す。自動リトライはしない。
func (n *DiscordNotifier) Deliver(ctx context.Context, userID string, event *model.NegotiationEvent) error {
	channelID, err := n.openDMChannel(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: DMチャンネルを開けませんでした: %v", model.ErrDeliveryFailed, err)
	}

	if err := n.sendEmbed(ctx, channelID, n.buildEmbed(event)); err != nil {
		return fmt.Errorf("%w: %v", model.ErrDeliveryFailed, err)
	}

	n.logger.Info("通知DMを送信しました",
		slog.String("user_id", userID),
		slog.String("negotiation_hash", event.NegotiationHash),
	)
	return nil
}

// buildEmbed は交渉イベントから通知用の埋め込みメッセージを構築する。
// メッセージ本文は信頼できない入力のため、埋め込む前にサニタイズする。
func (n *DiscordNotifier) buildEmbed(event *model.NegotiationEvent) embed {
	color := colorMessage
	switch event.Type {
	case model.EventNegotiationStarted:
		color = colorStarted
	case model.EventNegotiationCompleted:
		color = colorCompleted
	}

	title := event.ListingTitle
	if title == "" {
		title = "Unknown listing"
	}

	e := embed{
		Title:       "New UEX Message",
		Description: fmt.Sprintf("**%s**", title),
		Color:       color,
		Fields: []embedField{
			{Name: "From", Value: event.SenderUsername, Inline: true},
			{Name: "Message", Value: fmt.Sprintf("%q", n.sanitizer.Sanitize(event.Message))},
		},
		Footer:    &embedFooter{Text: "Negotiation: " + event.NegotiationHash},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if event.ListingPrice != "" {
		e.Fields = append(e.Fields, embedField{Name: "Price", Value: event.ListingPrice + " aUEC", Inline: true})
	}
	if event.ListingLocation != "" {
		e.Fields = append(e.Fields, embedField{Name: "Location", Value: event.ListingLocation, Inline: true})
	}

	return e
}

// openDMChannel はユーザーとのDMチャンネルを開き、チャンネルIDを返す。
func (n *DiscordNotifier) openDMChannel(ctx context.Context, userID string) (string, error) {
	body, err := json.Marshal(map[string]string{"recipient_id": userID})
	if err != nil {
		return "", fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	respBody, err := n.post(ctx, n.baseURL+"/users/@me/channels", body)
	if err != nil {
		return "", err
	}

	var channel dmChannelResponse
	if err := json.Unmarshal(respBody, &channel); err != nil {
		return "", fmt.Errorf("DMチャンネルレスポンスの解析に失敗しました: %w", err)
	}
	if channel.ID == "" {
		return "", fmt.Errorf("DMチャンネルIDが空です")
	}
	return channel.ID, nil
}

// sendEmbed はチャンネルに埋め込みメッセージを送信する。
func (n *DiscordNotifier) sendEmbed(ctx context.Context, channelID string, e embed) error {
	body, err := json.Marshal(map[string]any{"embeds": []embed{e}})
	if err != nil {
		return fmt.Errorf("メッセージボディの生成に失敗しました: %w", err)
	}

	_, err = n.post(ctx, n.baseURL+"/channels/"+channelID+"/messages", body)
	return err
}

// post は認証ヘッダー付きでPOSTし、成功レスポンスのボディを返す。
func (n *DiscordNotifier) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+n.botToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("Discord APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Error("Discord APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("Discord APIがステータス %d を返しました", resp.StatusCode)
	}

	return respBody, nil
}
