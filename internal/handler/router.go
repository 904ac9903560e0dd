package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// HealthChecker はGET /healthで疎通確認する対象。nilの場合は常にokを返す。
	HealthChecker HealthChecker
	// MetricsHandler はGET /metricsを処理する。nilの場合はルートを登録しない。
	MetricsHandler http.Handler

	PostService       PostServiceInterface
	ComplianceService ComplianceServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → RateLimit(General)
//
// フェッチと投稿のルートには投稿専用のレート制限を追加する。
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	postHandler := NewPostHandler(deps.PostService, deps.Logger)
	complianceHandler := NewComplianceHandler(deps.ComplianceService, deps.Logger)

	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		publish := deps.RateLimiter.PublishMiddleware()

		// フェッチ
		r.With(publish).Post("/platforms/{platform}/accounts/{account}/fetch", postHandler.FetchAccount)
		r.With(publish).Post("/fetch", postHandler.FetchAccounts)

		// 投稿
		r.Route("/posts/{id}", func(r chi.Router) {
			r.Get("/", postHandler.GetPost)
			r.Post("/drafts", postHandler.CreateDraft)
			r.Get("/keywords/edits", postHandler.PendingKeywordEdits)
			r.Post("/keywords/edits", postHandler.EditKeyword)
			r.Put("/keywords", postHandler.MergeKeywords)
		})

		// ミラー
		r.Route("/mirrors", func(r chi.Router) {
			r.With(publish).Post("/publish", postHandler.PublishDrafts)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", postHandler.GetMirror)
				r.Post("/approve", postHandler.ApproveDraft)
				r.With(publish).Post("/publish", postHandler.PublishDraft)
			})
		})

		// コンプライアンス
		r.Route("/compliance/jobs", func(r chi.Router) {
			r.Post("/", complianceHandler.SubmitJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", complianceHandler.GetJob)
				r.Post("/poll", complianceHandler.PollJob)
			})
		})
	})

	return r
}
