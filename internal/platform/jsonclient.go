package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	userAgent = "Postsync/1.0"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 5 * 1024 * 1024
)

// JSONClient はJSON APIを呼び出すHTTPアダプタの共通処理。
// 全リクエストは同じレートリミッタを通る。
type JSONClient struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Limiter    *rate.Limiter
	Platform   string
}

// NewJSONClient はratePerMinuteで流量を制限するJSONClientを生成する。
func NewJSONClient(httpClient *http.Client, logger *slog.Logger, platformName string, ratePerMinute int) *JSONClient {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	return &JSONClient{
		HTTPClient: httpClient,
		Logger:     logger,
		Limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMinute)), ratePerMinute),
		Platform:   platformName,
	}
}

// Do はJSONリクエストを送信し、2xxの場合にレスポンスボディをoutへデコードする。
// inがnilの場合はボディなし、outがnilの場合はレスポンスボディを読み捨てる。
// tokenが空でなければBearer認証ヘッダを付与する。
func (c *JSONClient) Do(ctx context.Context, method, rawURL, token string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	return c.DoRaw(ctx, method, rawURL, token, contentType, body, func(r io.Reader) error {
		if out == nil {
			_, err := io.Copy(io.Discard, r)
			return err
		}
		if err := json.NewDecoder(r).Decode(out); err != nil {
			return &MalformedError{Reason: "decode response", Cause: err}
		}
		return nil
	})
}

// DoRaw は任意のボディでリクエストを送信し、2xxの場合にレスポンスボディをhandleへ渡す。
func (c *JSONClient) DoRaw(ctx context.Context, method, rawURL, token, contentType string, body io.Reader, handle func(io.Reader) error) error {
	if err := c.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.Logger.Error("プラットフォームAPIの呼び出しに失敗しました",
			slog.String("platform", c.Platform),
			slog.String("method", method),
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.Logger.Debug("プラットフォームAPIを呼び出しました",
		slog.String("platform", c.Platform),
		slog.String("method", method),
		slog.String("url", rawURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if err := CheckResponse(resp); err != nil {
		return err
	}
	return handle(io.LimitReader(resp.Body, maxResponseSize))
}
