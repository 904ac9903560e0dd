// Package twitter はX(旧Twitter) API v2のアダプタを提供する。
// タイムライン取得、スレッド投稿、プロフィール取得、バッチコンプライアンスAPIを含む。
package twitter

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
)

const (
	// DefaultBaseURL はAPI v2のベースURL。
	DefaultBaseURL = "https://api.twitter.com"
	// defaultRatePerMinute は1分あたりの最大リクエスト数の既定値。
	defaultRatePerMinute = 50
)

// Config はアダプタの設定。
type Config struct {
	BaseURL       string
	BearerToken   string
	RatePerMinute int
}

// client はAPI呼び出しの共通処理にベースURLとアプリケーショントークンを加えたもの。
type client struct {
	*platform.JSONClient
	baseURL     string
	bearerToken string
}

func newClient(httpClient *http.Client, logger *slog.Logger, cfg Config) *client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	return &client{
		JSONClient:  platform.NewJSONClient(httpClient, logger, string(model.PlatformTwitter), cfg.RatePerMinute),
		baseURL:     cfg.BaseURL,
		bearerToken: cfg.BearerToken,
	}
}

// token はユーザー認証情報があればそれを、なければアプリケーションのトークンを返す。
func (c *client) token(creds *model.Credentials) string {
	if creds != nil && creds.Token != "" {
		return creds.Token
	}
	return c.bearerToken
}

// apiError はAPI v2がHTTP 200で返す部分エラー。
type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

func firstError(errs []apiError) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %s", errs[0].Title, errs[0].Detail)
}
