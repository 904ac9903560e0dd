// Package mastodon はMastodon REST APIのアダプタを提供する。
// 本文はHTMLで返るため、プレーンテキスト化とリンク抽出を行ってから正規化する。
package mastodon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/postsync/internal/links"
	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
)

const (
	// DefaultServerURL はサーバー未指定時の接続先。
	DefaultServerURL = "https://mastodon.social"
	// ExtraServerURL はCredentials.Extraでアカウントごとのサーバーを指定するキー。
	ExtraServerURL = "server_url"

	defaultRatePerMinute = 60
	// maxStatusLength はステータス1件の最大文字数（標準サーバー設定）。
	maxStatusLength   = 500
	maxResultsPerPage = 40
)

// TextExtractor はHTML本文をプレーンテキストに変換する。
type TextExtractor interface {
	PlainText(rawHTML string) string
}

// URLValidator は利用者が指定したサーバーURLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Config はアダプタの設定。
type Config struct {
	ServerURL     string
	RatePerMinute int
	// Visibility は投稿時の公開範囲。空の場合はpublic。
	Visibility string
}

// Adapter はMastodonのplatform.Adapter実装。
type Adapter struct {
	api        *platform.JSONClient
	extractor  TextExtractor
	validator  URLValidator
	serverURL  string
	visibility string
	now        func() time.Time
}

// NewAdapter はAdapterを生成する。
// validatorはCredentials.Extraで上書きされたサーバーURLにのみ適用される。
func NewAdapter(httpClient *http.Client, logger *slog.Logger, extractor TextExtractor, validator URLValidator, cfg Config) *Adapter {
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	if cfg.Visibility == "" {
		cfg.Visibility = "public"
	}
	return &Adapter{
		api:        platform.NewJSONClient(httpClient, logger, string(model.PlatformMastodon), cfg.RatePerMinute),
		extractor:  extractor,
		validator:  validator,
		serverURL:  strings.TrimRight(cfg.ServerURL, "/"),
		visibility: cfg.Visibility,
		now:        time.Now,
	}
}

// ID はプラットフォーム識別子を返す。
func (a *Adapter) ID() model.PlatformID { return model.PlatformMastodon }

// server は認証情報に応じた接続先サーバーを返す。
func (a *Adapter) server(creds *model.Credentials) (string, error) {
	if creds == nil || creds.Extra[ExtraServerURL] == "" {
		return a.serverURL, nil
	}
	override := strings.TrimRight(creds.Extra[ExtraServerURL], "/")
	if a.validator != nil {
		if err := a.validator.ValidateURL(override); err != nil {
			return "", fmt.Errorf("server url rejected: %w", err)
		}
	}
	return override, nil
}

func token(creds *model.Credentials) string {
	if creds == nil {
		return ""
	}
	return creds.Token
}

// status はMastodonのStatusエンティティ。ネイティブ投稿のBodyとしてそのまま保存する。
type status struct {
	ID          string    `json:"id"`
	CreatedAt   string    `json:"created_at"`
	Content     string    `json:"content"`
	SpoilerText string    `json:"spoiler_text,omitempty"`
	URL         string    `json:"url"`
	InReplyToID string    `json:"in_reply_to_id,omitempty"`
	Account     account   `json:"account"`
	Tags        []tag     `json:"tags,omitempty"`
	Mentions    []mention `json:"mentions,omitempty"`
	Card        *card     `json:"card,omitempty"`
	Quote       *quote    `json:"quote,omitempty"`
}

type account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
	Note        string `json:"note"`
}

type tag struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type mention struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Acct string `json:"acct"`
}

type card struct {
	URL string `json:"url"`
}

type quote struct {
	State        string  `json:"state"`
	QuotedStatus *status `json:"quoted_status,omitempty"`
}

// Fetch はアカウントのステータスを取得する。ブーストは除外する。
func (a *Adapter) Fetch(ctx context.Context, accountID string, params platform.FetchParams, creds *model.Credentials) ([]platform.NativePost, error) {
	server, err := a.server(creds)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("exclude_reblogs", "true")
	limit := params.MaxResults
	if limit <= 0 || limit > maxResultsPerPage {
		limit = maxResultsPerPage
	}
	q.Set("limit", strconv.Itoa(limit))
	if params.SinceID != "" {
		q.Set("since_id", params.SinceID)
	}
	if params.UntilID != "" {
		q.Set("max_id", params.UntilID)
	}

	reqURL := fmt.Sprintf("%s/api/v1/accounts/%s/statuses?%s", server, url.PathEscape(accountID), q.Encode())
	var statuses []json.RawMessage
	if err := a.api.Do(ctx, http.MethodGet, reqURL, token(creds), nil, &statuses); err != nil {
		return nil, err
	}

	posts := make([]platform.NativePost, 0, len(statuses))
	for _, raw := range statuses {
		var s status
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &platform.MalformedError{Reason: "status", Cause: err}
		}
		createdAt, _ := time.Parse(time.RFC3339, s.CreatedAt)
		if params.StartTimeMs > 0 && createdAt.UnixMilli() < params.StartTimeMs {
			continue
		}
		if params.EndTimeMs > 0 && createdAt.UnixMilli() > params.EndTimeMs {
			continue
		}
		posts = append(posts, platform.NativePost{
			Platform:    model.PlatformMastodon,
			PostID:      s.ID,
			AccountID:   accountID,
			CreatedAtMs: createdAt.UnixMilli(),
			URL:         s.URL,
			Body:        raw,
		})
	}
	return posts, nil
}

// ConvertToGeneric はステータスをGenericPostの部分データに変換する。
// 本文中のリンクのうちメンションとハッシュタグを除くもの、カードURL、引用先URLを参照として扱う。
func (a *Adapter) ConvertToGeneric(native platform.NativePost) (*model.GenericPostFragment, error) {
	var s status
	if err := json.Unmarshal(native.Body, &s); err != nil {
		return nil, &platform.MalformedError{Reason: "status body", Cause: err}
	}
	if s.ID == "" {
		return nil, &platform.MalformedError{Reason: "status without id"}
	}

	text := a.extractor.PlainText(s.Content)
	if s.SpoilerText != "" {
		text = s.SpoilerText + "\n\n" + text
	}

	skip := make(map[string]bool, len(s.Tags)+len(s.Mentions))
	for _, t := range s.Tags {
		skip[t.URL] = true
	}
	for _, m := range s.Mentions {
		skip[m.URL] = true
	}

	var quoted []string
	for _, href := range links.ExtractHTMLLinks(s.Content) {
		if skip[href] || strings.Contains(href, "/tags/") {
			continue
		}
		quoted = append(quoted, href)
	}
	if s.Card != nil && s.Card.URL != "" {
		quoted = append(quoted, s.Card.URL)
	}
	if s.Quote != nil && s.Quote.QuotedStatus != nil && s.Quote.QuotedStatus.URL != "" {
		quoted = append(quoted, s.Quote.QuotedStatus.URL)
	}

	var semantics *model.Semantics
	if len(s.Tags) > 0 {
		semantics = &model.Semantics{}
		for _, t := range s.Tags {
			semantics.Keywords = append(semantics.Keywords, strings.ToLower(t.Name))
		}
	}

	createdAtMs := native.CreatedAtMs
	if parsed, err := time.Parse(time.RFC3339, s.CreatedAt); err == nil {
		createdAtMs = parsed.UnixMilli()
	}
	authorID := s.Account.ID
	if authorID == "" {
		authorID = native.AccountID
	}

	return &model.GenericPostFragment{
		AuthorID:    authorID,
		CreatedAtMs: createdAtMs,
		Content:     []model.Segment{{Text: text}},
		QuotedURLs:  quoted,
		Semantics:   semantics,
	}, nil
}

// draftContent はステータス下書き。1要素が1ステータスで、順にリプライとして連結される。
type draftContent struct {
	Statuses   []string `json:"statuses"`
	Visibility string   `json:"visibility"`
}

// ConvertFromGeneric はGenericPostをステータスのスレッド下書きに変換する。
func (a *Adapter) ConvertFromGeneric(post *model.GenericPost, target platform.Account) (*platform.NativeDraft, error) {
	var statuses []string
	for _, seg := range post.Content {
		statuses = append(statuses, chunk(seg.Text, maxStatusLength)...)
	}
	if len(statuses) == 0 {
		return nil, &platform.MalformedError{Reason: "post has no content"}
	}
	content, err := json.Marshal(draftContent{Statuses: statuses, Visibility: a.visibility})
	if err != nil {
		return nil, fmt.Errorf("failed to encode draft: %w", err)
	}
	return &platform.NativeDraft{
		Platform:    model.PlatformMastodon,
		PostID:      post.ID,
		AccountID:   target.AccountID,
		Credentials: target.Credentials,
		Content:     content,
	}, nil
}

type createStatusRequest struct {
	Status      string `json:"status"`
	InReplyToID string `json:"in_reply_to_id,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
}

// Publish はスレッド下書きを投稿する。ユーザーのアクセストークンが必須。
func (a *Adapter) Publish(ctx context.Context, draft *platform.NativeDraft) (*model.Posted, error) {
	var content draftContent
	if err := json.Unmarshal(draft.Content, &content); err != nil {
		return nil, &platform.MalformedError{Reason: "draft content", Cause: err}
	}
	if len(content.Statuses) == 0 {
		return nil, &platform.MalformedError{Reason: "empty draft"}
	}
	tok := token(draft.Credentials)
	if tok == "" {
		return nil, &platform.StatusError{StatusCode: http.StatusUnauthorized, Body: "access token is required to publish"}
	}
	server, err := a.server(draft.Credentials)
	if err != nil {
		return nil, err
	}

	var root status
	prevID := ""
	for i, text := range content.Statuses {
		req := createStatusRequest{Status: text, InReplyToID: prevID, Visibility: content.Visibility}
		var created status
		if err := a.api.Do(ctx, http.MethodPost, server+"/api/v1/statuses", tok, req, &created); err != nil {
			return nil, fmt.Errorf("status %d/%d: %w", i+1, len(content.Statuses), err)
		}
		if created.ID == "" {
			return nil, &platform.MalformedError{Reason: "create status response without id"}
		}
		if i == 0 {
			root = created
		}
		prevID = created.ID
	}

	return &model.Posted{
		PostID:     root.ID,
		AccountID:  draft.AccountID,
		PostedAtMs: a.now().UnixMilli(),
		URL:        root.URL,
	}, nil
}

// GetProfile はアカウント情報を取得する。
func (a *Adapter) GetProfile(ctx context.Context, accountID string, creds *model.Credentials) (*platform.Profile, error) {
	server, err := a.server(creds)
	if err != nil {
		return nil, err
	}
	var acc account
	reqURL := fmt.Sprintf("%s/api/v1/accounts/%s", server, url.PathEscape(accountID))
	if err := a.api.Do(ctx, http.MethodGet, reqURL, token(creds), nil, &acc); err != nil {
		return nil, err
	}
	if acc.ID == "" {
		return nil, &platform.MalformedError{Reason: "account without id"}
	}
	return &platform.Profile{
		Platform:    model.PlatformMastodon,
		AccountID:   acc.ID,
		Username:    acc.Acct,
		DisplayName: acc.DisplayName,
		AvatarURL:   acc.Avatar,
		Description: a.extractor.PlainText(acc.Note),
	}, nil
}

// chunk はテキストをlimit文字以下に区切る。行単位でまとめ、1行が長すぎる場合は強制的に切る。
func chunk(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		for utf8.RuneCountInString(line) > limit {
			flush()
			runes := []rune(line)
			chunks = append(chunks, string(runes[:limit]))
			line = string(runes[limit:])
		}
		if utf8.RuneCountInString(current.String())+utf8.RuneCountInString(line)+1 > limit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}

var _ platform.Adapter = (*Adapter)(nil)
