package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/post"
	"github.com/hitoshi/postsync/internal/reconcile"
)

// --- モック定義 ---

// mockPostService はPostServiceInterfaceのモック実装。
type mockPostService struct {
	fetchAndStoreFn       func(ctx context.Context, req post.FetchRequest) (*post.FetchReport, error)
	fetchAccountsFn       func(ctx context.Context, reqs []post.FetchRequest) []post.AccountResult
	getPostFn             func(ctx context.Context, postID string) (*model.GenericPost, error)
	getMirrorFn           func(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error)
	createDraftFn         func(ctx context.Context, postID string, req post.DraftRequest) (*model.PlatformPostMirror, error)
	approveDraftFn        func(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error)
	publishDraftFn        func(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error)
	publishDraftsFn       func(ctx context.Context, mirrorIDs []string) []post.PublishResult
	editKeywordFn         func(ctx context.Context, postID string, op reconcile.Op[string]) error
	pendingKeywordEditsFn func(postID string) []reconcile.Op[string]
	mergeKeywordsFn       func(ctx context.Context, postID string, snapshot []string) ([]string, error)
}

func (m *mockPostService) FetchAndStore(ctx context.Context, req post.FetchRequest) (*post.FetchReport, error) {
	if m.fetchAndStoreFn != nil {
		return m.fetchAndStoreFn(ctx, req)
	}
	return &post.FetchReport{}, nil
}

func (m *mockPostService) FetchAccounts(ctx context.Context, reqs []post.FetchRequest) []post.AccountResult {
	if m.fetchAccountsFn != nil {
		return m.fetchAccountsFn(ctx, reqs)
	}
	return nil
}

func (m *mockPostService) GetPost(ctx context.Context, postID string) (*model.GenericPost, error) {
	if m.getPostFn != nil {
		return m.getPostFn(ctx, postID)
	}
	return nil, &model.NotFoundError{Collection: "posts", ID: postID}
}

func (m *mockPostService) GetMirror(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error) {
	if m.getMirrorFn != nil {
		return m.getMirrorFn(ctx, mirrorID)
	}
	return nil, &model.NotFoundError{Collection: "platform_posts", ID: mirrorID}
}

func (m *mockPostService) CreateDraft(ctx context.Context, postID string, req post.DraftRequest) (*model.PlatformPostMirror, error) {
	if m.createDraftFn != nil {
		return m.createDraftFn(ctx, postID, req)
	}
	return nil, nil
}

func (m *mockPostService) ApproveDraft(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error) {
	if m.approveDraftFn != nil {
		return m.approveDraftFn(ctx, mirrorID)
	}
	return nil, nil
}

func (m *mockPostService) PublishDraft(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error) {
	if m.publishDraftFn != nil {
		return m.publishDraftFn(ctx, mirrorID)
	}
	return nil, nil
}

func (m *mockPostService) PublishDrafts(ctx context.Context, mirrorIDs []string) []post.PublishResult {
	if m.publishDraftsFn != nil {
		return m.publishDraftsFn(ctx, mirrorIDs)
	}
	return nil
}

func (m *mockPostService) EditKeyword(ctx context.Context, postID string, op reconcile.Op[string]) error {
	if m.editKeywordFn != nil {
		return m.editKeywordFn(ctx, postID, op)
	}
	return nil
}

func (m *mockPostService) PendingKeywordEdits(postID string) []reconcile.Op[string] {
	if m.pendingKeywordEditsFn != nil {
		return m.pendingKeywordEditsFn(postID)
	}
	return nil
}

func (m *mockPostService) MergeKeywords(ctx context.Context, postID string, snapshot []string) ([]string, error) {
	if m.mergeKeywordsFn != nil {
		return m.mergeKeywordsFn(ctx, postID, snapshot)
	}
	return snapshot, nil
}

// --- テストヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。
// key, value の組を順に渡す。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func newPostHandler(svc PostServiceInterface) (*PostHandler, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewPostHandler(svc, newTestLogger(&buf)), &buf
}

func draftMirror(id string) *model.PlatformPostMirror {
	return &model.PlatformPostMirror{
		ID:            id,
		PostID:        "post-1",
		PlatformID:    model.PlatformMastodon,
		AccountID:     "alice",
		PublishOrigin: model.PublishOriginDrafted,
		PublishStatus: model.PublishStatusDraft,
		Draft:         &model.Draft{Content: json.RawMessage(`{"status":"hi"}`), AccountID: "alice"},
	}
}

// --- POST /api/platforms/{platform}/accounts/{account}/fetch ---

func TestPostHandler_FetchAccount_Success(t *testing.T) {
	svc := &mockPostService{
		fetchAndStoreFn: func(ctx context.Context, req post.FetchRequest) (*post.FetchReport, error) {
			if req.PlatformID != model.PlatformTwitter {
				t.Errorf("PlatformID = %q, want %q", req.PlatformID, model.PlatformTwitter)
			}
			if req.AccountID != "acct-1" {
				t.Errorf("AccountID = %q, want %q", req.AccountID, "acct-1")
			}
			if req.Params.SinceID != "100" || req.Params.MaxResults != 20 {
				t.Errorf("Params = %+v, want SinceID=100 MaxResults=20", req.Params)
			}
			if req.Credentials != nil {
				t.Error("認証情報はリクエストから渡されないはず")
			}
			return &post.FetchReport{PlatformID: req.PlatformID, AccountID: req.AccountID, Stored: 2, NewestID: "102"}, nil
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/platforms/twitter/accounts/acct-1/fetch",
		strings.NewReader(`{"sinceId":"100","maxResults":20}`))
	req = withChiURLParams(req, "platform", "twitter", "account", "acct-1")
	w := httptest.NewRecorder()

	h.FetchAccount(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	var report post.FetchReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if report.Stored != 2 || report.NewestID != "102" {
		t.Errorf("report = %+v, want Stored=2 NewestID=102", report)
	}
}

func TestPostHandler_FetchAccount_EmptyBodyAllowed(t *testing.T) {
	called := false
	svc := &mockPostService{
		fetchAndStoreFn: func(ctx context.Context, req post.FetchRequest) (*post.FetchReport, error) {
			called = true
			if req.Params.SinceID != "" {
				t.Errorf("SinceID = %q, want empty", req.Params.SinceID)
			}
			return &post.FetchReport{}, nil
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/fetch", nil)
	req = withChiURLParams(req, "platform", "rss", "account", "feed")
	w := httptest.NewRecorder()

	h.FetchAccount(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !called {
		t.Error("FetchAndStoreが呼ばれるべき")
	}
}

func TestPostHandler_FetchAccount_UnknownPlatform(t *testing.T) {
	svc := &mockPostService{
		fetchAndStoreFn: func(ctx context.Context, req post.FetchRequest) (*post.FetchReport, error) {
			return nil, &model.UnknownPlatformError{Platform: req.PlatformID}
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/fetch", nil)
	req = withChiURLParams(req, "platform", "myspace", "account", "a")
	w := httptest.NewRecorder()

	h.FetchAccount(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeUnknownPlatform {
		t.Errorf("code = %q, want %q", got, model.ErrCodeUnknownPlatform)
	}
}

func TestPostHandler_FetchAccount_PlatformError(t *testing.T) {
	svc := &mockPostService{
		fetchAndStoreFn: func(ctx context.Context, req post.FetchRequest) (*post.FetchReport, error) {
			return nil, &model.PlatformAdapterError{
				Platform: model.PlatformTwitter,
				Op:       "fetch",
				Kind:     model.AdapterErrorRateLimited,
				Cause:    errors.New("429"),
			}
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/fetch", nil)
	req = withChiURLParams(req, "platform", "twitter", "account", "a")
	w := httptest.NewRecorder()

	h.FetchAccount(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodePlatformError {
		t.Errorf("code = %q, want %q", got, model.ErrCodePlatformError)
	}
}

func TestPostHandler_FetchAccount_InvalidJSON(t *testing.T) {
	h, _ := newPostHandler(&mockPostService{})

	req := httptest.NewRequest(http.MethodPost, "/fetch", strings.NewReader(`{invalid`))
	req = withChiURLParams(req, "platform", "twitter", "account", "a")
	w := httptest.NewRecorder()

	h.FetchAccount(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want %q", got, model.ErrCodeInvalidRequest)
	}
}

func TestPostHandler_FetchAccount_NegativeMaxResults(t *testing.T) {
	h, _ := newPostHandler(&mockPostService{
		fetchAndStoreFn: func(ctx context.Context, req post.FetchRequest) (*post.FetchReport, error) {
			t.Error("バリデーションエラー時にサービスを呼ぶべきではない")
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/fetch", strings.NewReader(`{"maxResults":-1}`))
	req = withChiURLParams(req, "platform", "twitter", "account", "a")
	w := httptest.NewRecorder()

	h.FetchAccount(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- POST /api/fetch ---

func TestPostHandler_FetchAccounts_PartialFailure(t *testing.T) {
	svc := &mockPostService{
		fetchAccountsFn: func(ctx context.Context, reqs []post.FetchRequest) []post.AccountResult {
			if len(reqs) != 2 {
				t.Fatalf("len(reqs) = %d, want 2", len(reqs))
			}
			if reqs[1].Params.SinceID != "9" {
				t.Errorf("reqs[1].SinceID = %q, want 9", reqs[1].Params.SinceID)
			}
			return []post.AccountResult{
				{Request: reqs[0], Report: &post.FetchReport{Stored: 1}, Duration: 5 * time.Millisecond},
				{Request: reqs[1], Err: &model.NotFoundError{Collection: "accounts", ID: "mastodon-b"}},
			}
		},
	}
	h, _ := newPostHandler(svc)

	body := `{"accounts":[{"platform":"rss","account":"a"},{"platform":"mastodon","account":"b","sinceId":"9"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/fetch", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.FetchAccounts(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Results []accountResultResponse `json:"results"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].Error != nil || resp.Results[0].Report.Stored != 1 || resp.Results[0].DurationMs != 5 {
		t.Errorf("results[0] = %+v, want success with Stored=1", resp.Results[0])
	}
	if resp.Results[1].Error == nil || resp.Results[1].Error.Code != model.ErrCodeNotFound {
		t.Errorf("results[1].Error = %+v, want NOT_FOUND", resp.Results[1].Error)
	}
	if resp.Results[1].Platform != "mastodon" || resp.Results[1].Account != "b" {
		t.Errorf("results[1] = %+v, want mastodon/b", resp.Results[1])
	}
}

func TestPostHandler_FetchAccounts_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"空のアカウント一覧", `{"accounts":[]}`},
		{"プラットフォーム未指定", `{"accounts":[{"account":"a"}]}`},
		{"ボディなし", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newPostHandler(&mockPostService{})
			req := httptest.NewRequest(http.MethodPost, "/api/fetch", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			h.FetchAccounts(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

// --- GET /api/posts/{id} ---

func TestPostHandler_GetPost_NotFound(t *testing.T) {
	h, _ := newPostHandler(&mockPostService{})

	req := httptest.NewRequest(http.MethodGet, "/api/posts/missing", nil)
	req = withChiURLParams(req, "id", "missing")
	w := httptest.NewRecorder()

	h.GetPost(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeNotFound {
		t.Errorf("code = %q, want %q", got, model.ErrCodeNotFound)
	}
}

func TestPostHandler_GetPost_Success(t *testing.T) {
	svc := &mockPostService{
		getPostFn: func(ctx context.Context, postID string) (*model.GenericPost, error) {
			return &model.GenericPost{ID: postID, OriginPlatform: model.PlatformRSS}, nil
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/posts/p1", nil)
	req = withChiURLParams(req, "id", "p1")
	w := httptest.NewRecorder()

	h.GetPost(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got model.GenericPost
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ID != "p1" || got.OriginPlatform != model.PlatformRSS {
		t.Errorf("post = %+v, want p1/rss", got)
	}
}

// --- POST /api/posts/{id}/drafts ---

func TestPostHandler_CreateDraft_Success(t *testing.T) {
	svc := &mockPostService{
		createDraftFn: func(ctx context.Context, postID string, req post.DraftRequest) (*model.PlatformPostMirror, error) {
			if postID != "post-1" {
				t.Errorf("postID = %q, want post-1", postID)
			}
			if req.PlatformID != model.PlatformMastodon || req.AccountID != "alice" || !req.RequireApproval {
				t.Errorf("req = %+v, want mastodon/alice with approval", req)
			}
			return draftMirror("mastodon-alice-post-1"), nil
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/posts/post-1/drafts",
		strings.NewReader(`{"platform":"mastodon","account":"alice","requireApproval":true}`))
	req = withChiURLParams(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.CreateDraft(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body=%s", w.Code, http.StatusCreated, w.Body.String())
	}
	var got model.PlatformPostMirror
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ID != "mastodon-alice-post-1" || got.PublishStatus != model.PublishStatusDraft {
		t.Errorf("mirror = %+v", got)
	}
}

func TestPostHandler_CreateDraft_AlreadyExists(t *testing.T) {
	svc := &mockPostService{
		createDraftFn: func(ctx context.Context, postID string, req post.DraftRequest) (*model.PlatformPostMirror, error) {
			return nil, &model.AlreadyExistsError{Collection: "platform_posts", ID: "x"}
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/posts/post-1/drafts",
		strings.NewReader(`{"platform":"mastodon","account":"alice"}`))
	req = withChiURLParams(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.CreateDraft(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeAlreadyExists {
		t.Errorf("code = %q, want %q", got, model.ErrCodeAlreadyExists)
	}
}

func TestPostHandler_CreateDraft_Unsupported(t *testing.T) {
	svc := &mockPostService{
		createDraftFn: func(ctx context.Context, postID string, req post.DraftRequest) (*model.PlatformPostMirror, error) {
			return nil, fmt.Errorf("rss cannot publish: %w", model.ErrUnsupported)
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/posts/post-1/drafts",
		strings.NewReader(`{"platform":"rss","account":"feed"}`))
	req = withChiURLParams(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.CreateDraft(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotImplemented)
	}
}

func TestPostHandler_CreateDraft_MissingAccount(t *testing.T) {
	h, _ := newPostHandler(&mockPostService{})

	req := httptest.NewRequest(http.MethodPost, "/api/posts/post-1/drafts", strings.NewReader(`{"platform":"mastodon"}`))
	req = withChiURLParams(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.CreateDraft(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- POST /api/mirrors/{id}/approve, /publish ---

func TestPostHandler_ApproveDraft_InvalidState(t *testing.T) {
	svc := &mockPostService{
		approveDraftFn: func(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error) {
			return nil, fmt.Errorf("mirror %s is draft: %w", mirrorID, model.ErrInvalidState)
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/mirrors/m1/approve", nil)
	req = withChiURLParams(req, "id", "m1")
	w := httptest.NewRecorder()

	h.ApproveDraft(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeInvalidState {
		t.Errorf("code = %q, want %q", got, model.ErrCodeInvalidState)
	}
}

func TestPostHandler_PublishDraft_Success(t *testing.T) {
	svc := &mockPostService{
		publishDraftFn: func(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error) {
			m := draftMirror(mirrorID)
			m.MarkPublished(&model.Posted{PostID: "native-1", AccountID: "alice", PostedAtMs: 1})
			return m, nil
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/mirrors/m1/publish", nil)
	req = withChiURLParams(req, "id", "m1")
	w := httptest.NewRecorder()

	h.PublishDraft(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got model.PlatformPostMirror
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.PublishStatus != model.PublishStatusPublished || got.Posted == nil || got.Posted.PostID != "native-1" {
		t.Errorf("mirror = %+v, want published native-1", got)
	}
}

func TestPostHandler_PublishDraft_InternalErrorIsLogged(t *testing.T) {
	svc := &mockPostService{
		publishDraftFn: func(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error) {
			return nil, errors.New("disk on fire")
		},
	}
	h, buf := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/mirrors/m1/publish", nil)
	req = withChiURLParams(req, "id", "m1")
	w := httptest.NewRecorder()

	h.PublishDraft(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "disk on fire") {
		t.Error("内部エラーの詳細をレスポンスに含めるべきではない")
	}
	if !strings.Contains(buf.String(), "disk on fire") {
		t.Errorf("内部エラーはログに記録されるべき: %s", buf.String())
	}
}

// --- POST /api/mirrors/publish ---

func TestPostHandler_PublishDrafts_ReportsPerMirror(t *testing.T) {
	svc := &mockPostService{
		publishDraftsFn: func(ctx context.Context, mirrorIDs []string) []post.PublishResult {
			if len(mirrorIDs) != 2 {
				t.Fatalf("mirrorIDs = %v, want 2 ids", mirrorIDs)
			}
			ok := draftMirror(mirrorIDs[0])
			ok.MarkPublished(&model.Posted{PostID: "n1"})
			return []post.PublishResult{
				{MirrorID: mirrorIDs[0], Mirror: ok},
				{MirrorID: mirrorIDs[1], Err: fmt.Errorf("mirror is published: %w", model.ErrInvalidState)},
			}
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/mirrors/publish", strings.NewReader(`{"mirrorIds":["m1","m2"]}`))
	w := httptest.NewRecorder()

	h.PublishDrafts(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Results []publishResultResponse `json:"results"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].Error != nil || resp.Results[0].Mirror == nil {
		t.Errorf("results[0] = %+v, want success", resp.Results[0])
	}
	if resp.Results[1].Error == nil || resp.Results[1].Error.Code != model.ErrCodeInvalidState {
		t.Errorf("results[1].Error = %+v, want INVALID_STATE", resp.Results[1].Error)
	}
}

func TestPostHandler_PublishDrafts_EmptyIDs(t *testing.T) {
	h, _ := newPostHandler(&mockPostService{})

	req := httptest.NewRequest(http.MethodPost, "/api/mirrors/publish", strings.NewReader(`{"mirrorIds":[]}`))
	w := httptest.NewRecorder()

	h.PublishDrafts(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- キーワード ---

func TestPostHandler_EditKeyword_QueuesOp(t *testing.T) {
	var queued []reconcile.Op[string]
	svc := &mockPostService{
		editKeywordFn: func(ctx context.Context, postID string, op reconcile.Op[string]) error {
			if postID != "post-1" {
				t.Errorf("postID = %q, want post-1", postID)
			}
			queued = append(queued, op)
			return nil
		},
		pendingKeywordEditsFn: func(postID string) []reconcile.Op[string] {
			return queued
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/posts/post-1/keywords/edits",
		strings.NewReader(`{"type":"remove","keyword":"go"}`))
	req = withChiURLParams(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.EditKeyword(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp keywordEditsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Pending) != 1 || resp.Pending[0] != reconcile.Remove("go") {
		t.Errorf("pending = %+v, want [remove go]", resp.Pending)
	}
}

func TestPostHandler_EditKeyword_InvalidOp(t *testing.T) {
	svc := &mockPostService{
		editKeywordFn: func(ctx context.Context, postID string, op reconcile.Op[string]) error {
			return model.NewInvalidRequestError("unknown keyword operation")
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/posts/post-1/keywords/edits",
		strings.NewReader(`{"type":"rename","keyword":"go"}`))
	req = withChiURLParams(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.EditKeyword(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestPostHandler_EditKeyword_UnknownPost(t *testing.T) {
	svc := &mockPostService{
		editKeywordFn: func(ctx context.Context, postID string, op reconcile.Op[string]) error {
			return &model.NotFoundError{Collection: "posts", ID: postID}
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/posts/missing/keywords/edits",
		strings.NewReader(`{"type":"add","keyword":"go"}`))
	req = withChiURLParams(req, "id", "missing")
	w := httptest.NewRecorder()

	h.EditKeyword(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestPostHandler_PendingKeywordEdits_EmptyIsArray(t *testing.T) {
	h, _ := newPostHandler(&mockPostService{})

	req := httptest.NewRequest(http.MethodGet, "/api/posts/post-1/keywords/edits", nil)
	req = withChiURLParams(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.PendingKeywordEdits(w, req)

	if !strings.Contains(w.Body.String(), `"pending":[]`) {
		t.Errorf("body = %s, want empty pending array", w.Body.String())
	}
}

func TestPostHandler_MergeKeywords_Success(t *testing.T) {
	svc := &mockPostService{
		mergeKeywordsFn: func(ctx context.Context, postID string, snapshot []string) ([]string, error) {
			if len(snapshot) != 2 || snapshot[0] != "go" {
				t.Errorf("snapshot = %v, want [go rust]", snapshot)
			}
			return []string{"go", "rust", "zig"}, nil
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPut, "/api/posts/post-1/keywords", strings.NewReader(`{"keywords":["go","rust"]}`))
	req = withChiURLParams(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.MergeKeywords(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp keywordsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Keywords) != 3 || resp.Keywords[2] != "zig" {
		t.Errorf("keywords = %v, want [go rust zig]", resp.Keywords)
	}
}

func TestPostHandler_MergeKeywords_Conflict(t *testing.T) {
	svc := &mockPostService{
		mergeKeywordsFn: func(ctx context.Context, postID string, snapshot []string) ([]string, error) {
			return nil, &model.TransactionConflictError{Attempts: 5, Cause: errors.New("version mismatch")}
		},
	}
	h, _ := newPostHandler(svc)

	req := httptest.NewRequest(http.MethodPut, "/api/posts/post-1/keywords", strings.NewReader(`{"keywords":[]}`))
	req = withChiURLParams(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.MergeKeywords(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeTransactionConflict {
		t.Errorf("code = %q, want %q", got, model.ErrCodeTransactionConflict)
	}
}
