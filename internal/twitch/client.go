// Package twitch はTwitch Helix APIのクライアントを提供する。
// アプリアクセストークン（client credentials）の取得とキャッシュ、
// リクエストレートの制御、EventSub購読とユーザー・配信情報の取得を含む。
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultHelixURL はHelix APIのベースURL。
	DefaultHelixURL = "https://api.twitch.tv/helix"
	// DefaultTokenURL はOAuthトークンエンドポイント。
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

	// requestsPerMinute はアプリアクセストークンのレート上限。
	requestsPerMinute = 800
	// maxIDsPerRequest は/usersに一度に渡せるIDの上限。
	maxIDsPerRequest = 100
	// tokenExpiryMargin は期限切れ前にトークンを更新する余裕。
	tokenExpiryMargin = time.Minute
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 4 * 1024 * 1024
)

// ErrSubscriptionExists は同一の購読が既に存在する場合のエラー（HTTP 409）。
var ErrSubscriptionExists = errors.New("twitch: subscription already exists")

// APIError はHelix APIが返したエラーレスポンス。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch: status %d: %s", e.StatusCode, e.Message)
}

// MetricsCollector はアップストリーム呼び出しのメトリクス収集インターフェース。
type MetricsCollector interface {
	RecordUpstreamRequest(operation string, statusCode int, duration time.Duration)
}

// Config はClientの設定。
type Config struct {
	ClientID     string
	ClientSecret string
	// HelixURL と TokenURL はテスト用に差し替え可能。空の場合は既定値を使う。
	HelixURL string
	TokenURL string
}

// Client はHelix APIのクライアント。
// 複数のgoroutineから同時に使用できる。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    MetricsCollector
	limiter    *rate.Limiter

	clientID     string
	clientSecret string
	helixURL     string
	tokenURL     string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewClient(httpClient *http.Client, metrics MetricsCollector, logger *slog.Logger, config Config) *Client {
	if config.HelixURL == "" {
		config.HelixURL = DefaultHelixURL
	}
	if config.TokenURL == "" {
		config.TokenURL = DefaultTokenURL
	}
	return &Client{
		httpClient:   httpClient,
		logger:       logger,
		metrics:      metrics,
		limiter:      rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), requestsPerMinute),
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		helixURL:     config.HelixURL,
		tokenURL:     config.TokenURL,
		now:          time.Now,
	}
}

// tokenResponse はclient credentialsフローの応答。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// appToken はキャッシュ済みのアプリアクセストークンを返す。
// 期限切れが近い場合やforceがtrueの場合は再取得する。
func (c *Client) appToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenExpiryMargin)) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("トークンリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Twitchトークンの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("トークンの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	c.recordUpstream("token", resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("トークンレスポンスのパースに失敗しました: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("トークンレスポンスにaccess_tokenが含まれていません")
	}

	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.token, nil
}

// do はHelix APIを呼び出し、2xxの場合にレスポンスボディを返す。
// 401の場合はトークンを再取得して1回だけ再試行する。
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, payload any) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		reqBody = b
	}

	for attempt := 0; ; attempt++ {
		token, err := c.appToken(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		reqURL := c.helixURL + path
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}
		var bodyReader io.Reader
		if reqBody != nil {
			bodyReader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("Client-Id", c.clientID)
		req.Header.Set("Authorization", "Bearer "+token)
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Error("Twitch APIの呼び出しに失敗しました",
				slog.String("operation", operation),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		c.recordUpstream(operation, resp.StatusCode, time.Since(start))
		if readErr != nil {
			return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.logger.Warn("Twitchトークンが拒否されたため再取得します",
				slog.String("operation", operation),
			)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			c.logger.Error("Twitch APIがエラーステータスを返しました",
				slog.String("operation", operation),
				slog.Int("http_status", resp.StatusCode),
			)
			return nil, decodeAPIError(resp.StatusCode, body)
		}
		return body, nil
	}
}

func (c *Client) recordUpstream(operation string, status int, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamRequest(operation, status, d)
	}
}

// decodeAPIError はHelixのエラーボディ {"error","status","message"} をAPIErrorに変換する。
func decodeAPIError(status int, body []byte) error {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := http.StatusText(status)
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			msg = e.Message
		} else if e.Error != "" {
			msg = e.Error
		}
	}
	return &APIError{StatusCode: status, Message: msg}
}

// IsStatus はerrがstatusのAPIErrorかを判定する。
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// itoa は数値をクエリパラメータ用の文字列にする。
func itoa(n int) string {
	return strconv.Itoa(n)
}
