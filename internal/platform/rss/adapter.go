// Package rss はRSS/Atomフィードを読み取り専用のプラットフォームとして扱うアダプタを提供する。
// アカウントIDはフィードURL、またはフィードを宣言しているHTMLページのURL。投稿はサポートしない。
package rss

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/postsync/internal/links"
	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
)

const userAgent = "Postsync/1.0 Feed Reader"

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// TextExtractor はHTML本文をプレーンテキストに変換する。
type TextExtractor interface {
	PlainText(rawHTML string) string
}

// Adapter はRSS/Atomのplatform.Adapter実装。
type Adapter struct {
	guard       SSRFValidator
	extractor   TextExtractor
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewAdapter はAdapterを生成する。
func NewAdapter(guard SSRFValidator, extractor TextExtractor, logger *slog.Logger, timeout time.Duration, maxBodySize int64) *Adapter {
	return &Adapter{
		guard:       guard,
		extractor:   extractor,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// ID はプラットフォーム識別子を返す。
func (a *Adapter) ID() model.PlatformID { return model.PlatformRSS }

// item はフィード記事のうち保存する項目。ネイティブ投稿のBodyになる。
type item struct {
	GUID        string   `json:"guid"`
	Title       string   `json:"title"`
	Link        string   `json:"link"`
	Description string   `json:"description,omitempty"`
	Content     string   `json:"content,omitempty"`
	AuthorName  string   `json:"authorName,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	PublishedMs int64    `json:"publishedMs"`
}

// fetchFeed はフィードを取得してパースする。
// URLがHTMLページを返した場合は、headで宣言されたフィードを1回だけ辿る。
func (a *Adapter) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	start := time.Now()
	body, contentType, err := a.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	if isHTML(contentType) {
		link := selectFeed(discoverFeedLinks(body, feedURL), feedURL)
		if link == nil {
			return nil, &platform.MalformedError{Reason: "html page without feed link"}
		}
		a.logger.Info("HTMLページからフィードを検出しました",
			slog.String("page_url", feedURL),
			slog.String("feed_url", link.URL),
		)
		if body, _, err = a.get(ctx, link.URL); err != nil {
			return nil, err
		}
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &platform.MalformedError{Reason: "feed", Cause: err}
	}

	a.logger.Debug("フィードを取得しました",
		slog.String("feed_url", feedURL),
		slog.Int("item_count", len(feed.Items)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return feed, nil
}

// get はSSRF検証付きでURLを取得し、ボディとContent-Typeを返す。
func (a *Adapter) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := a.guard.ValidateURL(rawURL); err != nil {
		return nil, "", &platform.StatusError{StatusCode: http.StatusForbidden, Body: "SSRF検証失敗: " + err.Error()}
	}

	client := a.guard.NewSafeClient(a.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.5, */*;q=0.1")

	resp, err := client.Do(req)
	if err != nil {
		a.logger.Error("フィードの取得に失敗しました",
			slog.String("feed_url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := platform.CheckResponse(resp); err != nil {
		a.logger.Warn("フィードがエラーステータスを返しました",
			slog.String("feed_url", rawURL),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read feed body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Fetch はフィードを取得し、各記事をネイティブ投稿として返す。
// SinceIDは前回取得した記事のGUIDで、フィード内でそれより前に並ぶ記事のみを返す。
func (a *Adapter) Fetch(ctx context.Context, accountID string, params platform.FetchParams, _ *model.Credentials) ([]platform.NativePost, error) {
	feed, err := a.fetchFeed(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var posts []platform.NativePost
	for _, fi := range feed.Items {
		it := toItem(fi)
		if it.GUID == "" {
			continue
		}
		if params.SinceID != "" && it.GUID == params.SinceID {
			break
		}
		if params.StartTimeMs > 0 && it.PublishedMs > 0 && it.PublishedMs < params.StartTimeMs {
			continue
		}
		if params.EndTimeMs > 0 && it.PublishedMs > params.EndTimeMs {
			continue
		}
		body, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("failed to encode item %s: %w", it.GUID, err)
		}
		posts = append(posts, platform.NativePost{
			Platform:    model.PlatformRSS,
			PostID:      it.GUID,
			AccountID:   accountID,
			CreatedAtMs: it.PublishedMs,
			URL:         it.Link,
			Body:        body,
		})
		if params.MaxResults > 0 && len(posts) >= params.MaxResults {
			break
		}
	}
	return posts, nil
}

func toItem(fi *gofeed.Item) item {
	it := item{
		GUID:        fi.GUID,
		Title:       strings.TrimSpace(fi.Title),
		Link:        fi.Link,
		Description: fi.Description,
		Content:     fi.Content,
		Categories:  fi.Categories,
	}
	if it.GUID == "" {
		it.GUID = fi.Link
	}
	if fi.Author != nil {
		it.AuthorName = fi.Author.Name
	} else if len(fi.Authors) > 0 && fi.Authors[0] != nil {
		it.AuthorName = fi.Authors[0].Name
	}
	switch {
	case fi.PublishedParsed != nil:
		it.PublishedMs = fi.PublishedParsed.UnixMilli()
	case fi.UpdatedParsed != nil:
		it.PublishedMs = fi.UpdatedParsed.UnixMilli()
	}
	return it
}

// ConvertToGeneric は記事をGenericPostの部分データに変換する。
// 記事のリンクと本文中のリンクを参照として扱い、カテゴリをキーワードにする。
func (a *Adapter) ConvertToGeneric(native platform.NativePost) (*model.GenericPostFragment, error) {
	var it item
	if err := json.Unmarshal(native.Body, &it); err != nil {
		return nil, &platform.MalformedError{Reason: "item body", Cause: err}
	}

	html := it.Content
	if html == "" {
		html = it.Description
	}
	text := a.extractor.PlainText(html)
	if it.Title != "" {
		if text == "" {
			text = it.Title
		} else {
			text = it.Title + "\n\n" + text
		}
	}
	if text == "" {
		return nil, &platform.MalformedError{Reason: "item without title or content"}
	}

	var quoted []string
	if it.Link != "" {
		quoted = append(quoted, it.Link)
	}
	quoted = append(quoted, links.ExtractHTMLLinks(html)...)

	var semantics *model.Semantics
	if len(it.Categories) > 0 {
		semantics = &model.Semantics{}
		for _, c := range it.Categories {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				semantics.Keywords = append(semantics.Keywords, c)
			}
		}
	}

	authorID := native.AccountID
	if it.AuthorName != "" {
		authorID = it.AuthorName
	}
	createdAtMs := it.PublishedMs
	if createdAtMs == 0 {
		createdAtMs = native.CreatedAtMs
	}

	return &model.GenericPostFragment{
		AuthorID:    authorID,
		CreatedAtMs: createdAtMs,
		Content:     []model.Segment{{Text: text}},
		QuotedURLs:  quoted,
		Semantics:   semantics,
	}, nil
}

// ConvertFromGeneric はサポートしない。
func (a *Adapter) ConvertFromGeneric(*model.GenericPost, platform.Account) (*platform.NativeDraft, error) {
	return nil, fmt.Errorf("rss feeds are read-only: %w", model.ErrUnsupported)
}

// Publish はサポートしない。
func (a *Adapter) Publish(context.Context, *platform.NativeDraft) (*model.Posted, error) {
	return nil, fmt.Errorf("rss feeds are read-only: %w", model.ErrUnsupported)
}

// GetProfile はフィードのメタデータをプロフィールとして返す。
func (a *Adapter) GetProfile(ctx context.Context, accountID string, _ *model.Credentials) (*platform.Profile, error) {
	feed, err := a.fetchFeed(ctx, accountID)
	if err != nil {
		return nil, err
	}
	profile := &platform.Profile{
		Platform:    model.PlatformRSS,
		AccountID:   accountID,
		Username:    feed.Link,
		DisplayName: feed.Title,
		Description: a.extractor.PlainText(feed.Description),
	}
	if feed.Image != nil {
		profile.AvatarURL = feed.Image.URL
	}
	return profile, nil
}

var _ platform.Adapter = (*Adapter)(nil)
