// Package uex はUEXマーケットプレイスAPIのクライアントを提供する。
// ルーティングに必要な最小限のエンドポイント
// （プロフィール取得・交渉詳細取得・返信送信・資格情報検証）のみを扱う。
package uex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/marketrelay/internal/model"
)

// userAgent はUEX APIへのリクエストに付与するUser-Agent。
const userAgent = "marketrelay/1.0"

// Client はUEX APIのクライアント。
// ユーザーごとの資格情報はリクエスト単位で受け取る（クライアント自体は保持しない）。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientの新しいインスタンスを生成する。
// 本番ではSSRF防止機能付きのhttp.Clientを渡す。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// apiEnvelope はUEX APIレスポンスの共通エンベロープ。
type apiEnvelope struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

// profileData はGET /user/ のdataフィールド。
type profileData struct {
	Username string `json:"username"`
}

// negotiationData はGET /marketplace_negotiations のdata配列要素。
type negotiationData struct {
	AdvertiserUsername string `json:"advertiser_username"`
	ClientUsername     string `json:"client_username"`
}

// ValidateCredentials は資格情報が有効かをUEX APIに問い合わせる。
// 401/403はmodel.ErrInvalidCredentials（明確な拒否）、
// その他の失敗は通信エラーとしてそのまま返す（呼び出し元が扱いを決める）。
func (c *Client) ValidateCredentials(ctx context.Context, creds model.Credentials) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/", nil, &creds)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("UEX APIへの接続に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", model.ErrInvalidCredentials, resp.StatusCode)
	default:
		return fmt.Errorf("UEX APIがステータス %d を返しました", resp.StatusCode)
	}
}

// GetProfile は資格情報に対応するUEXユーザー名を取得する。
func (c *Client) GetProfile(ctx context.Context, creds model.Credentials) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/user/", nil, &creds)
	if err != nil {
		return "", err
	}

	env, err := c.doJSON(req)
	if err != nil {
		return "", fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}

	var profile profileData
	if err := json.Unmarshal(env.Data, &profile); err != nil {
		return "", fmt.Errorf("プロフィールレスポンスの解析に失敗しました: %w", err)
	}
	if profile.Username == "" {
		return "", fmt.Errorf("プロフィールレスポンスにユーザー名が含まれていません")
	}

	return profile.Username, nil
}

// GetNegotiation は交渉ハッシュから両参加者のユーザー名を取得する。
// 結果はキャッシュしない（イベントごとに最新を取得する）。
func (c *Client) GetNegotiation(ctx context.Context, creds model.Credentials, hash string) (*model.NegotiationParticipants, error) {
	u := c.baseURL + "/marketplace_negotiations?hash=" + url.QueryEscape(hash)
	req, err := c.newRequest(ctx, http.MethodGet, u, nil, &creds)
	if err != nil {
		return nil, err
	}

	env, err := c.doJSON(req)
	if err != nil {
		return nil, fmt.Errorf("交渉詳細の取得に失敗しました: %w", err)
	}

	var negotiations []negotiationData
	if err := json.Unmarshal(env.Data, &negotiations); err != nil {
		return nil, fmt.Errorf("交渉レスポンスの解析に失敗しました: %w", err)
	}
	if len(negotiations) == 0 {
		return nil, fmt.Errorf("交渉データが見つかりません: %s", hash)
	}

	n := negotiations[0]
	return &model.NegotiationParticipants{
		NegotiationHash:    hash,
		AdvertiserUsername: n.AdvertiserUsername,
		ClientUsername:     n.ClientUsername,
	}, nil
}

// SendReply は交渉への返信メッセージを送信する。
// UEX APIはJSONエンベロープとプレーンテキスト "ok" の両方を返すことがあるため、
// どちらの形式も成功として受け付ける。
func (c *Client) SendReply(ctx context.Context, creds model.Credentials, hash, message string) error {
	body, err := json.Marshal(map[string]any{
		"hash":          hash,
		"message":       message,
		"is_production": 1,
	})
	if err != nil {
		return fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/marketplace_negotiations_messages/", bytes.NewReader(body), &creds)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("返信の送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("UEX APIがステータス %d を返しました: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var env apiEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		// プレーンテキストレスポンス
		if strings.TrimSpace(string(respBody)) == "ok" {
			return nil
		}
		return fmt.Errorf("UEX APIエラー: %s", strings.TrimSpace(string(respBody)))
	}
	if env.Status != "ok" {
		return fmt.Errorf("UEX APIエラー: %s", env.Error)
	}

	return nil
}

// newRequest は共通ヘッダー付きのリクエストを生成する。
func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader, creds *model.Credentials) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if creds != nil {
		req.Header.Set("Authorization", "Bearer "+creds.APIToken)
		req.Header.Set("secret_key", creds.SecretKey)
	}
	return req, nil
}

// doJSON はリクエストを実行し、成功エンベロープを返す。
func (c *Client) doJSON(req *http.Request) (*apiEnvelope, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("UEX APIの呼び出しに失敗しました",
			slog.String("url", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("UEX APIがエラーステータスを返しました",
			slog.String("url", req.URL.Path),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("UEX APIがステータス %d を返しました", resp.StatusCode)
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("レスポンスJSONの解析に失敗しました: %w", err)
	}
	if env.Status != "ok" {
		return nil, fmt.Errorf("UEX APIエラー: %s", env.Error)
	}

	return &env, nil
}
