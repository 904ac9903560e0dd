package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postsync/internal/middleware"
	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
	"github.com/hitoshi/postsync/internal/post"
	"github.com/hitoshi/postsync/internal/reconcile"
)

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	FetchAndStore(ctx context.Context, req post.FetchRequest) (*post.FetchReport, error)
	FetchAccounts(ctx context.Context, reqs []post.FetchRequest) []post.AccountResult
	GetPost(ctx context.Context, postID string) (*model.GenericPost, error)
	GetMirror(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error)
	CreateDraft(ctx context.Context, postID string, req post.DraftRequest) (*model.PlatformPostMirror, error)
	ApproveDraft(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error)
	PublishDraft(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error)
	PublishDrafts(ctx context.Context, mirrorIDs []string) []post.PublishResult
	EditKeyword(ctx context.Context, postID string, op reconcile.Op[string]) error
	PendingKeywordEdits(postID string) []reconcile.Op[string]
	MergeKeywords(ctx context.Context, postID string, snapshot []string) ([]string, error)
}

// PostHandler は投稿の取得・下書き・投稿・キーワード編集のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
	logger  *slog.Logger
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface, logger *slog.Logger) *PostHandler {
	return &PostHandler{
		service: service,
		logger:  logger,
	}
}

// fetchRequest はフェッチ条件のリクエストボディ。ボディ省略時は条件なし。
type fetchRequest struct {
	SinceID     string `json:"sinceId"`
	UntilID     string `json:"untilId"`
	MaxResults  int    `json:"maxResults"`
	StartTimeMs int64  `json:"startTimeMs"`
	EndTimeMs   int64  `json:"endTimeMs"`
}

func (req fetchRequest) params() platform.FetchParams {
	return platform.FetchParams{
		SinceID:     req.SinceID,
		UntilID:     req.UntilID,
		MaxResults:  req.MaxResults,
		StartTimeMs: req.StartTimeMs,
		EndTimeMs:   req.EndTimeMs,
	}
}

// batchFetchRequest は複数アカウントのフェッチリクエストのボディ。
type batchFetchRequest struct {
	Accounts []struct {
		Platform string `json:"platform"`
		Account  string `json:"account"`
		fetchRequest
	} `json:"accounts"`
}

// accountResultResponse はバッチフェッチのアカウントごとの結果。
type accountResultResponse struct {
	Platform   string            `json:"platform"`
	Account    string            `json:"account"`
	Report     *post.FetchReport `json:"report,omitempty"`
	Error      *errorBody        `json:"error,omitempty"`
	DurationMs int64             `json:"durationMs"`
}

// draftRequest は下書き作成リクエストのボディ。
type draftRequest struct {
	Platform        string `json:"platform"`
	Account         string `json:"account"`
	RequireApproval bool   `json:"requireApproval"`
}

// publishBatchRequest は一括投稿リクエストのボディ。
type publishBatchRequest struct {
	MirrorIDs []string `json:"mirrorIds"`
}

// publishResultResponse は一括投稿のミラーごとの結果。
type publishResultResponse struct {
	MirrorID string                    `json:"mirrorId"`
	Mirror   *model.PlatformPostMirror `json:"mirror,omitempty"`
	Error    *errorBody                `json:"error,omitempty"`
}

// keywordEditRequest はキーワード編集のボディ。
type keywordEditRequest struct {
	Type    reconcile.OpType `json:"type"`
	Keyword string           `json:"keyword"`
}

// keywordEditsResponse は統合待ちの編集一覧。
type keywordEditsResponse struct {
	PostID  string                 `json:"postId"`
	Pending []reconcile.Op[string] `json:"pending"`
}

// mergeKeywordsRequest はバックエンドのスナップショット。
type mergeKeywordsRequest struct {
	Keywords []string `json:"keywords"`
}

// keywordsResponse は統合後のキーワード。
type keywordsResponse struct {
	PostID   string   `json:"postId"`
	Keywords []string `json:"keywords"`
}

// FetchAccount は1アカウントの投稿を取得して保存する。
// POST /api/platforms/{platform}/accounts/{account}/fetch
func (h *PostHandler) FetchAccount(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if req.MaxResults < 0 {
		writeInvalidRequest(w, "maxResults must not be negative")
		return
	}

	report, err := h.service.FetchAndStore(r.Context(), post.FetchRequest{
		PlatformID: model.PlatformID(chi.URLParam(r, "platform")),
		AccountID:  chi.URLParam(r, "account"),
		Params:     req.params(),
	})
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// FetchAccounts は複数アカウントの投稿を並列に取得する。
// アカウントごとの失敗はレスポンス内に含め、全体としては200を返す。
// POST /api/fetch
func (h *PostHandler) FetchAccounts(w http.ResponseWriter, r *http.Request) {
	var req batchFetchRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if len(req.Accounts) == 0 {
		writeInvalidRequest(w, "accounts must not be empty")
		return
	}

	reqs := make([]post.FetchRequest, 0, len(req.Accounts))
	for _, a := range req.Accounts {
		if a.Platform == "" || a.Account == "" {
			writeInvalidRequest(w, "platform and account are required")
			return
		}
		reqs = append(reqs, post.FetchRequest{
			PlatformID: model.PlatformID(a.Platform),
			AccountID:  a.Account,
			Params:     a.params(),
		})
	}

	results := h.service.FetchAccounts(r.Context(), reqs)
	resp := make([]accountResultResponse, 0, len(results))
	for _, res := range results {
		resp = append(resp, accountResultResponse{
			Platform:   string(res.Request.PlatformID),
			Account:    res.Request.AccountID,
			Report:     res.Report,
			Error:      toErrorBody(res.Err),
			DurationMs: res.Duration.Milliseconds(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": resp})
}

// GetPost は投稿を取得する。
// GET /api/posts/{id}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateDraft は投稿を指定アカウント向けの下書きに変換する。
// POST /api/posts/{id}/drafts
func (h *PostHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Platform == "" || req.Account == "" {
		writeInvalidRequest(w, "platform and account are required")
		return
	}

	mirror, err := h.service.CreateDraft(r.Context(), chi.URLParam(r, "id"), post.DraftRequest{
		PlatformID:      model.PlatformID(req.Platform),
		AccountID:       req.Account,
		RequireApproval: req.RequireApproval,
	})
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, mirror)
}

// GetMirror はミラーを取得する。
// GET /api/mirrors/{id}
func (h *PostHandler) GetMirror(w http.ResponseWriter, r *http.Request) {
	mirror, err := h.service.GetMirror(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mirror)
}

// ApproveDraft は承認待ちの下書きを承認する。
// POST /api/mirrors/{id}/approve
func (h *PostHandler) ApproveDraft(w http.ResponseWriter, r *http.Request) {
	mirror, err := h.service.ApproveDraft(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mirror)
}

// PublishDraft は下書きを投稿する。
// POST /api/mirrors/{id}/publish
func (h *PostHandler) PublishDraft(w http.ResponseWriter, r *http.Request) {
	mirror, err := h.service.PublishDraft(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mirror)
}

// PublishDrafts は複数の下書きを順に投稿する。
// ミラーごとの失敗はレスポンス内に含め、全体としては200を返す。
// POST /api/mirrors/publish
func (h *PostHandler) PublishDrafts(w http.ResponseWriter, r *http.Request) {
	var req publishBatchRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if len(req.MirrorIDs) == 0 {
		writeInvalidRequest(w, "mirrorIds must not be empty")
		return
	}

	results := h.service.PublishDrafts(r.Context(), req.MirrorIDs)
	resp := make([]publishResultResponse, 0, len(results))
	for _, res := range results {
		resp = append(resp, publishResultResponse{
			MirrorID: res.MirrorID,
			Mirror:   res.Mirror,
			Error:    toErrorBody(res.Err),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": resp})
}

// EditKeyword はキーワードの追加・削除をキューに積む。
// POST /api/posts/{id}/keywords/edits
func (h *PostHandler) EditKeyword(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")

	var req keywordEditRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	if err := h.service.EditKeyword(r.Context(), postID, reconcile.Op[string]{Type: req.Type, Item: req.Keyword}); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, keywordEditsResponse{
		PostID:  postID,
		Pending: h.service.PendingKeywordEdits(postID),
	})
}

// PendingKeywordEdits は統合待ちの編集を返す。
// GET /api/posts/{id}/keywords/edits
func (h *PostHandler) PendingKeywordEdits(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")
	pending := h.service.PendingKeywordEdits(postID)
	if pending == nil {
		pending = []reconcile.Op[string]{}
	}
	writeJSON(w, http.StatusOK, keywordEditsResponse{PostID: postID, Pending: pending})
}

// MergeKeywords はスナップショットに統合待ちの編集を再生して保存する。
// PUT /api/posts/{id}/keywords
func (h *PostHandler) MergeKeywords(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")

	var req mergeKeywordsRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	merged, err := h.service.MergeKeywords(r.Context(), postID, req.Keywords)
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	if merged == nil {
		merged = []string{}
	}

	writeJSON(w, http.StatusOK, keywordsResponse{PostID: postID, Keywords: merged})
}
