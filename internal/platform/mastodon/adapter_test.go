package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
	"github.com/hitoshi/postsync/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockValidator はテスト用のURLValidator。
type mockValidator struct {
	validateFn func(rawURL string) error
	calls      []string
}

func (m *mockValidator) ValidateURL(rawURL string) error {
	m.calls = append(m.calls, rawURL)
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

func newTestAdapter(serverURL string, httpClient *http.Client, validator URLValidator) *Adapter {
	var buf bytes.Buffer
	return NewAdapter(httpClient, newTestLogger(&buf), security.NewTextExtractor(), validator, Config{
		ServerURL:     serverURL,
		RatePerMinute: 6000,
	})
}

const sampleStatus = `{
	"id": "109",
	"created_at": "2024-03-01T10:00:00.000Z",
	"content": "<p>Reading <a href=\"https://example.com/paper?utm_source=m\">example.com/paper</a> with <span class=\"h-card\"><a href=\"https://mastodon.social/@bob\" class=\"u-url mention\">@bob</a></span> <a href=\"https://mastodon.social/tags/Science\" class=\"mention hashtag\">#Science</a></p>",
	"url": "https://mastodon.social/@alice/109",
	"account": {"id": "7", "username": "alice", "acct": "alice"},
	"tags": [{"name": "Science", "url": "https://mastodon.social/tags/science"}],
	"mentions": [{"id": "8", "url": "https://mastodon.social/@bob", "acct": "bob"}],
	"card": {"url": "https://example.com/paper"}
}`

func TestAdapter_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/7/statuses" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("exclude_reblogs") != "true" || q.Get("since_id") != "100" || q.Get("max_id") != "200" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte("[" + sampleStatus + "]"))
	}))
	defer server.Close()

	a := newTestAdapter(server.URL, server.Client(), nil)
	posts, err := a.Fetch(context.Background(), "7", platform.FetchParams{SinceID: "100", UntilID: "200"}, nil)
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("len(posts) = %d, want 1", len(posts))
	}
	if posts[0].PostID != "109" || posts[0].URL != "https://mastodon.social/@alice/109" {
		t.Errorf("posts[0] = %+v", posts[0])
	}
}

func TestAdapter_Fetch_TimeWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"1","created_at":"2024-03-01T00:00:00Z"},{"id":"2","created_at":"2024-03-03T00:00:00Z"}]`))
	}))
	defer server.Close()

	a := newTestAdapter(server.URL, server.Client(), nil)
	posts, err := a.Fetch(context.Background(), "7", platform.FetchParams{
		StartTimeMs: 1709337600000, // 2024-03-02T00:00:00Z
	}, nil)
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}
	if len(posts) != 1 || posts[0].PostID != "2" {
		t.Errorf("posts = %+v, want only id 2", posts)
	}
}

func TestAdapter_Fetch_ServerOverrideValidated(t *testing.T) {
	validator := &mockValidator{validateFn: func(string) error { return errors.New("blocked") }}
	a := newTestAdapter("https://mastodon.example", http.DefaultClient, validator)

	_, err := a.Fetch(context.Background(), "7", platform.FetchParams{}, &model.Credentials{
		Extra: map[string]string{ExtraServerURL: "http://10.0.0.1"},
	})
	if err == nil {
		t.Fatal("拒否されたサーバーURLはエラーになるべき")
	}
	if len(validator.calls) != 1 || validator.calls[0] != "http://10.0.0.1" {
		t.Errorf("validator calls = %v", validator.calls)
	}
}

func TestAdapter_ConvertToGeneric(t *testing.T) {
	a := newTestAdapter("https://mastodon.social", http.DefaultClient, nil)
	fragment, err := a.ConvertToGeneric(platform.NativePost{
		Platform: model.PlatformMastodon, PostID: "109", AccountID: "7", Body: json.RawMessage(sampleStatus),
	})
	if err != nil {
		t.Fatalf("ConvertToGeneric がエラーを返した: %v", err)
	}
	if fragment.AuthorID != "7" {
		t.Errorf("AuthorID = %s, want 7", fragment.AuthorID)
	}
	text := fragment.Content[0].Text
	if strings.Contains(text, "<") || !strings.Contains(text, "Reading example.com/paper with @bob #Science") {
		t.Errorf("Text = %q", text)
	}
	// メンションとハッシュタグは参照に含めない
	for _, u := range fragment.QuotedURLs {
		if strings.Contains(u, "@bob") || strings.Contains(u, "/tags/") {
			t.Errorf("QuotedURLs にメンションまたはタグが含まれている: %v", fragment.QuotedURLs)
		}
	}
	if len(fragment.QuotedURLs) != 2 {
		t.Errorf("QuotedURLs = %v, want 本文リンクとカードURL", fragment.QuotedURLs)
	}
	if fragment.Semantics == nil || len(fragment.Semantics.Keywords) != 1 || fragment.Semantics.Keywords[0] != "science" {
		t.Errorf("Semantics = %+v", fragment.Semantics)
	}
}

func TestAdapter_ConvertToGeneric_RegistryResolvesReferences(t *testing.T) {
	a := newTestAdapter("https://mastodon.social", http.DefaultClient, nil)
	registry, err := platform.NewRegistry(a)
	if err != nil {
		t.Fatalf("NewRegistry がエラーを返した: %v", err)
	}
	fragment, err := registry.ConvertToGeneric(platform.NativePost{
		Platform: model.PlatformMastodon, PostID: "109", AccountID: "7", Body: json.RawMessage(sampleStatus),
	})
	if err != nil {
		t.Fatalf("ConvertToGeneric がエラーを返した: %v", err)
	}
	// 本文リンクとカードURLは正規化後に同一となり1件に集約される
	if len(fragment.Semantics.Refs) != 1 || fragment.Semantics.Refs[0] != "https://example.com/paper" {
		t.Errorf("Refs = %v", fragment.Semantics.Refs)
	}
}

func TestAdapter_Publish_Thread(t *testing.T) {
	var requests []createStatusRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var req createStatusRequest
		json.NewDecoder(r.Body).Decode(&req)
		requests = append(requests, req)
		id := []string{"s1", "s2"}[len(requests)-1]
		json.NewEncoder(w).Encode(map[string]string{"id": id, "url": "https://m.example/@a/" + id})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL, server.Client(), nil)
	draft, err := a.ConvertFromGeneric(&model.GenericPost{
		ID:      "p1",
		Content: []model.Segment{{Text: "first"}, {Text: "second"}},
	}, platform.Account{AccountID: "7", Credentials: &model.Credentials{Token: "user-token"}})
	if err != nil {
		t.Fatalf("ConvertFromGeneric がエラーを返した: %v", err)
	}

	posted, err := a.Publish(context.Background(), draft)
	if err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("len(requests) = %d, want 2", len(requests))
	}
	if requests[0].InReplyToID != "" || requests[1].InReplyToID != "s1" {
		t.Errorf("reply chain = %q, %q", requests[0].InReplyToID, requests[1].InReplyToID)
	}
	if requests[0].Visibility != "public" {
		t.Errorf("Visibility = %s, want public", requests[0].Visibility)
	}
	if posted.PostID != "s1" || posted.URL != "https://m.example/@a/s1" || posted.AccountID != "7" {
		t.Errorf("posted = %+v", posted)
	}
}

func TestAdapter_Publish_RequiresToken(t *testing.T) {
	a := newTestAdapter("https://mastodon.example", http.DefaultClient, nil)
	content, _ := json.Marshal(draftContent{Statuses: []string{"x"}})

	_, err := a.Publish(context.Background(), &platform.NativeDraft{Content: content})
	if platform.KindOf(err) != model.AdapterErrorUnauthorized {
		t.Errorf("KindOf = %s, want unauthorized", platform.KindOf(err))
	}
}

func TestAdapter_GetProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"7","username":"alice","acct":"alice","display_name":"Alice","avatar":"https://img/a.png","note":"<p>hello &amp; welcome</p>"}`))
	}))
	defer server.Close()

	profile, err := newTestAdapter(server.URL, server.Client(), nil).GetProfile(context.Background(), "7", nil)
	if err != nil {
		t.Fatalf("GetProfile がエラーを返した: %v", err)
	}
	if profile.Description != "hello & welcome" || profile.Username != "alice" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"上限以内", "short", 10, []string{"short"}},
		{"行単位でまとめる", "aaaa\nbbbb\ncccc", 9, []string{"aaaa\nbbbb", "cccc"}},
		{"長い行は強制分割", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"空文字列", "", 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunk(tt.text, tt.limit)
			if len(got) != len(tt.want) || strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("chunk(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}
