package twitter

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

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
)

const (
	// maxTweetLength はツイート1件の最大文字数。
	maxTweetLength = 280
	// maxResultsPerPage はタイムライン取得1回あたりの上限。
	maxResultsPerPage = 100
	// statusURLPrefix は投稿URLの生成に使う。x.comはリンク正規化後の正規ホスト。
	statusURLPrefix = "https://x.com/i/web/status/"
)

const tweetFields = "created_at,author_id,conversation_id,referenced_tweets,entities,note_tweet"

// Adapter はX(旧Twitter)のplatform.Adapter実装。
type Adapter struct {
	api *client
	now func() time.Time
}

// NewAdapter はAdapterを生成する。
func NewAdapter(httpClient *http.Client, logger *slog.Logger, cfg Config) *Adapter {
	return &Adapter{
		api: newClient(httpClient, logger, cfg),
		now: time.Now,
	}
}

// ID はプラットフォーム識別子を返す。
func (a *Adapter) ID() model.PlatformID { return model.PlatformTwitter }

// tweet はAPI v2のツイートオブジェクト。ネイティブ投稿のBodyとしてそのまま保存する。
type tweet struct {
	ID               string            `json:"id"`
	Text             string            `json:"text"`
	AuthorID         string            `json:"author_id"`
	CreatedAt        string            `json:"created_at"`
	ConversationID   string            `json:"conversation_id,omitempty"`
	ReferencedTweets []referencedTweet `json:"referenced_tweets,omitempty"`
	Entities         *entities         `json:"entities,omitempty"`
	NoteTweet        *noteTweet        `json:"note_tweet,omitempty"`
}

type referencedTweet struct {
	Type string `json:"type"` // quoted, replied_to, retweeted
	ID   string `json:"id"`
}

type entities struct {
	URLs []urlEntity `json:"urls,omitempty"`
}

type urlEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	DisplayURL  string `json:"display_url,omitempty"`
}

type noteTweet struct {
	Text     string    `json:"text"`
	Entities *entities `json:"entities,omitempty"`
}

type timelineResponse struct {
	Data   []tweet    `json:"data"`
	Errors []apiError `json:"errors,omitempty"`
	Meta   struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

// Fetch はユーザータイムラインを取得する。リトライは行わない。
func (a *Adapter) Fetch(ctx context.Context, accountID string, params platform.FetchParams, creds *model.Credentials) ([]platform.NativePost, error) {
	q := url.Values{}
	q.Set("tweet.fields", tweetFields)
	maxResults := params.MaxResults
	if maxResults <= 0 || maxResults > maxResultsPerPage {
		maxResults = maxResultsPerPage
	}
	// API v2の下限は5件
	if maxResults < 5 {
		maxResults = 5
	}
	q.Set("max_results", strconv.Itoa(maxResults))
	if params.SinceID != "" {
		q.Set("since_id", params.SinceID)
	}
	if params.UntilID != "" {
		q.Set("until_id", params.UntilID)
	}
	if params.StartTimeMs > 0 {
		q.Set("start_time", time.UnixMilli(params.StartTimeMs).UTC().Format(time.RFC3339))
	}
	if params.EndTimeMs > 0 {
		q.Set("end_time", time.UnixMilli(params.EndTimeMs).UTC().Format(time.RFC3339))
	}

	reqURL := fmt.Sprintf("%s/2/users/%s/tweets?%s", a.api.baseURL, url.PathEscape(accountID), q.Encode())
	var resp timelineResponse
	if err := a.api.Do(ctx, http.MethodGet, reqURL, a.api.token(creds), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		if err := firstError(resp.Errors); err != nil {
			return nil, &platform.MalformedError{Reason: "timeline", Cause: err}
		}
		return nil, nil
	}

	posts := make([]platform.NativePost, 0, len(resp.Data))
	for _, t := range resp.Data {
		body, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tweet %s: %w", t.ID, err)
		}
		createdAt, _ := time.Parse(time.RFC3339, t.CreatedAt)
		posts = append(posts, platform.NativePost{
			Platform:    model.PlatformTwitter,
			PostID:      t.ID,
			AccountID:   accountID,
			CreatedAtMs: createdAt.UnixMilli(),
			URL:         statusURLPrefix + t.ID,
			Body:        body,
		})
	}
	return posts, nil
}

// ConvertToGeneric はツイートをGenericPostの部分データに変換する。
// t.coの短縮URLは展開済みURLに置き換え、引用ツイートはQuotedURLsに加える。
func (a *Adapter) ConvertToGeneric(native platform.NativePost) (*model.GenericPostFragment, error) {
	var t tweet
	if err := json.Unmarshal(native.Body, &t); err != nil {
		return nil, &platform.MalformedError{Reason: "tweet body", Cause: err}
	}
	if t.ID == "" {
		return nil, &platform.MalformedError{Reason: "tweet without id"}
	}

	text, ents := t.Text, t.Entities
	if t.NoteTweet != nil && t.NoteTweet.Text != "" {
		text, ents = t.NoteTweet.Text, t.NoteTweet.Entities
	}
	if ents != nil {
		for _, u := range ents.URLs {
			if u.URL != "" && u.ExpandedURL != "" {
				text = strings.ReplaceAll(text, u.URL, u.ExpandedURL)
			}
		}
	}

	var quoted []string
	for _, ref := range t.ReferencedTweets {
		if ref.Type == "quoted" && ref.ID != "" {
			quoted = append(quoted, statusURLPrefix+ref.ID)
		}
	}

	createdAtMs := native.CreatedAtMs
	if parsed, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
		createdAtMs = parsed.UnixMilli()
	}
	authorID := t.AuthorID
	if authorID == "" {
		authorID = native.AccountID
	}

	return &model.GenericPostFragment{
		AuthorID:    authorID,
		CreatedAtMs: createdAtMs,
		Content:     []model.Segment{{Text: text}},
		QuotedURLs:  quoted,
	}, nil
}

// draftContent はツイート下書き。1要素が1ツイートで、順にリプライとして連結される。
type draftContent struct {
	Tweets []string `json:"tweets"`
}

// ConvertFromGeneric はGenericPostをツイートのスレッド下書きに変換する。
// 280文字を超えるセグメントは複数ツイートに分割する。
func (a *Adapter) ConvertFromGeneric(post *model.GenericPost, target platform.Account) (*platform.NativeDraft, error) {
	var tweets []string
	for _, seg := range post.Content {
		tweets = append(tweets, splitText(seg.Text, maxTweetLength)...)
	}
	if len(tweets) == 0 {
		return nil, &platform.MalformedError{Reason: "post has no content"}
	}
	content, err := json.Marshal(draftContent{Tweets: tweets})
	if err != nil {
		return nil, fmt.Errorf("failed to encode draft: %w", err)
	}
	return &platform.NativeDraft{
		Platform:    model.PlatformTwitter,
		PostID:      post.ID,
		AccountID:   target.AccountID,
		Credentials: target.Credentials,
		Content:     content,
	}, nil
}

type createTweetRequest struct {
	Text  string      `json:"text"`
	Reply *replyField `json:"reply,omitempty"`
}

type replyField struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type createTweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Publish はスレッド下書きを投稿する。2件目以降は直前のツイートへのリプライになる。
// 途中で失敗した場合、投稿済みのツイートは残る。
func (a *Adapter) Publish(ctx context.Context, draft *platform.NativeDraft) (*model.Posted, error) {
	var content draftContent
	if err := json.Unmarshal(draft.Content, &content); err != nil {
		return nil, &platform.MalformedError{Reason: "draft content", Cause: err}
	}
	if len(content.Tweets) == 0 {
		return nil, &platform.MalformedError{Reason: "empty draft"}
	}

	token := a.api.token(draft.Credentials)
	reqURL := a.api.baseURL + "/2/tweets"
	var rootID, prevID string
	for i, text := range content.Tweets {
		req := createTweetRequest{Text: text}
		if prevID != "" {
			req.Reply = &replyField{InReplyToTweetID: prevID}
		}
		var resp createTweetResponse
		if err := a.api.Do(ctx, http.MethodPost, reqURL, token, req, &resp); err != nil {
			return nil, fmt.Errorf("tweet %d/%d: %w", i+1, len(content.Tweets), err)
		}
		if resp.Data.ID == "" {
			return nil, &platform.MalformedError{Reason: "create tweet response without id"}
		}
		if rootID == "" {
			rootID = resp.Data.ID
		}
		prevID = resp.Data.ID
	}

	return &model.Posted{
		PostID:     rootID,
		AccountID:  draft.AccountID,
		PostedAtMs: a.now().UnixMilli(),
		URL:        statusURLPrefix + rootID,
	}, nil
}

type userResponse struct {
	Data struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Username        string `json:"username"`
		Description     string `json:"description"`
		ProfileImageURL string `json:"profile_image_url"`
	} `json:"data"`
	Errors []apiError `json:"errors,omitempty"`
}

// GetProfile はユーザーのプロフィールを取得する。
func (a *Adapter) GetProfile(ctx context.Context, accountID string, creds *model.Credentials) (*platform.Profile, error) {
	reqURL := fmt.Sprintf("%s/2/users/%s?user.fields=description,profile_image_url",
		a.api.baseURL, url.PathEscape(accountID))
	var resp userResponse
	if err := a.api.Do(ctx, http.MethodGet, reqURL, a.api.token(creds), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		if err := firstError(resp.Errors); err != nil {
			return nil, &platform.StatusError{StatusCode: http.StatusNotFound, Body: err.Error()}
		}
		return nil, &platform.MalformedError{Reason: "user response without id"}
	}
	return &platform.Profile{
		Platform:    model.PlatformTwitter,
		AccountID:   resp.Data.ID,
		Username:    resp.Data.Username,
		DisplayName: resp.Data.Name,
		AvatarURL:   resp.Data.ProfileImageURL,
		Description: resp.Data.Description,
	}, nil
}

// splitText はテキストをlimit文字以下の塊に分割する。可能な限り空白で区切る。
func splitText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i] == ' ' || runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		text = strings.TrimSpace(string(runes[cut:]))
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
var _ platform.Adapter = (*Adapter)(nil)
