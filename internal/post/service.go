// Package post は投稿の取得・保存・再投稿・キーワード編集といった利用者向け操作を提供する。
// HTTPハンドラーやワーカーから呼び出される。
package post

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/postsync/internal/links"
	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
	"github.com/hitoshi/postsync/internal/reconcile"
	"github.com/hitoshi/postsync/internal/repository"
	"github.com/hitoshi/postsync/internal/txn"
)

// defaultMaxConcurrentFetches は複数アカウントのフェッチの並列数のデフォルト値。
const defaultMaxConcurrentFetches = 4

// Platforms はプラットフォームへのディスパッチを表す。platform.Registryが実装する。
type Platforms interface {
	Fetch(ctx context.Context, platformID model.PlatformID, accountID string, params platform.FetchParams, creds *model.Credentials) ([]platform.NativePost, error)
	ConvertToGeneric(native platform.NativePost) (*model.GenericPostFragment, error)
	ConvertFromGeneric(platformID model.PlatformID, post *model.GenericPost, target platform.Account) (*platform.NativeDraft, error)
	Publish(ctx context.Context, draft *platform.NativeDraft) (*model.Posted, error)
}

// ComplianceAuditor はコンプライアンスジョブの投入を表す。
type ComplianceAuditor interface {
	Submit(ctx context.Context, jobType model.ComplianceJobType, ids []string) (*model.ComplianceJob, error)
}

// Recorder は投稿処理のメトリクス記録インターフェース。
type Recorder interface {
	RecordPostsStored(count int)
	RecordPublish(platform string, outcome string)
}

// Config はServiceの設定。
type Config struct {
	// MaxConcurrentFetches はFetchAccountsの並列数。0以下の場合はデフォルト値4を使用する。
	MaxConcurrentFetches int
}

// Service は投稿に関する利用者向け操作を提供する。
type Service struct {
	txm       *txn.Manager
	platforms Platforms
	linkSvc   *links.Service
	auditor   ComplianceAuditor
	logger    *slog.Logger
	metrics   Recorder

	posts    *repository.PostRepo
	mirrors  *repository.PlatformPostRepo
	accounts *repository.AccountRepo
	keywords *reconcile.Registry[string]

	maxConcurrentFetches int
	now                  func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// auditorがnilの場合はコンプライアンス監査を提供しない。metricsがnilの場合は記録しない。
func NewService(
	txm *txn.Manager,
	platforms Platforms,
	linkSvc *links.Service,
	auditor ComplianceAuditor,
	logger *slog.Logger,
	metrics Recorder,
	cfg Config,
) *Service {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = defaultMaxConcurrentFetches
	}
	return &Service{
		txm:                  txm,
		platforms:            platforms,
		linkSvc:              linkSvc,
		auditor:              auditor,
		logger:               logger,
		metrics:              metrics,
		posts:                repository.NewPostRepo(),
		mirrors:              repository.NewPlatformPostRepo(),
		accounts:             repository.NewAccountRepo(),
		keywords:             reconcile.NewRegistry[string](),
		maxConcurrentFetches: cfg.MaxConcurrentFetches,
		now:                  time.Now,
	}
}

// GetPost は投稿を取得する。
func (s *Service) GetPost(ctx context.Context, postID string) (*model.GenericPost, error) {
	var post *model.GenericPost
	err := s.txm.Run(ctx, func(tx *txn.Tx) error {
		var err error
		post, err = s.posts.Get(tx, postID)
		return err
	})
	return post, err
}

// GetMirror はミラーを取得する。
func (s *Service) GetMirror(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error) {
	var mirror *model.PlatformPostMirror
	err := s.txm.Run(ctx, func(tx *txn.Tx) error {
		var err error
		mirror, err = s.mirrors.Get(tx, mirrorID)
		return err
	})
	return mirror, err
}

// RunComplianceAudit はIDの一覧に対するコンプライアンスジョブを投入する。
func (s *Service) RunComplianceAudit(ctx context.Context, ids []string, jobType model.ComplianceJobType) (*model.ComplianceJob, error) {
	if s.auditor == nil {
		return nil, fmt.Errorf("compliance audit is not configured: %w", model.ErrUnsupported)
	}
	return s.auditor.Submit(ctx, jobType, ids)
}

// PostID はプラットフォームとネイティブ投稿IDから決定的な投稿IDを生成する。
// 同じネイティブ投稿を何度取り込んでも同じGenericPostになる。
func PostID(platformID model.PlatformID, nativeID string) string {
	return links.Hash(string(platformID) + ":" + nativeID)
}

func (s *Service) recordPublish(platformID model.PlatformID, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordPublish(string(platformID), outcome)
	}
}
