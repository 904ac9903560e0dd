package post

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
	"github.com/hitoshi/postsync/internal/txn"
)

// FetchRequest は1アカウント分のフェッチ条件。
type FetchRequest struct {
	PlatformID  model.PlatformID
	AccountID   string
	Params      platform.FetchParams
	Credentials *model.Credentials
}

// ItemOutcome は取得した投稿1件の処理結果。
type ItemOutcome string

const (
	ItemStored  ItemOutcome = "stored"
	ItemSkipped ItemOutcome = "skipped"
	ItemFailed  ItemOutcome = "failed"
)

// ItemResult は取得した投稿1件ごとの結果。
type ItemResult struct {
	NativeID string      `json:"nativeId"`
	PostID   string      `json:"postId,omitempty"`
	Outcome  ItemOutcome `json:"outcome"`
	Error    string      `json:"error,omitempty"`
}

// FetchReport はFetchAndStoreの結果。投稿ごとの成否を含み、一部失敗を観測できる。
type FetchReport struct {
	PlatformID model.PlatformID `json:"platformId"`
	AccountID  string           `json:"accountId"`
	Items      []ItemResult     `json:"items"`
	Stored     int              `json:"stored"`
	Skipped    int              `json:"skipped"`
	Failed     int              `json:"failed"`
	// NewestID はアダプタが返した最新のネイティブ投稿ID。次回のSinceIDに使用する。
	NewestID string `json:"newestId,omitempty"`
}

// FetchAndStore はアカウントの投稿を取得し、1件ずつ個別のトランザクションで保存する。
//
// 各投稿はGenericPost、ミラー、参照先のLinkとRefPostをまとめて作成する。
// 既に保存済みのネイティブ投稿はスキップする。1件の失敗は他の投稿の保存を妨げない。
// 認証情報が指定されていない場合は登録済みアカウントのものを使う。
// フェッチ自体が失敗した場合はplatformのエラーをそのまま返す。
// 途中でキャンセルされた場合は、それまでの結果と共にコンテキストのエラーを返す。
func (s *Service) FetchAndStore(ctx context.Context, req FetchRequest) (*FetchReport, error) {
	if req.Credentials == nil {
		err := s.txm.Run(ctx, func(tx *txn.Tx) error {
			var err error
			req.Credentials, err = s.credentials(tx, req.PlatformID, req.AccountID)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	natives, err := s.platforms.Fetch(ctx, req.PlatformID, req.AccountID, req.Params, req.Credentials)
	if err != nil {
		return nil, err
	}

	report := &FetchReport{
		PlatformID: req.PlatformID,
		AccountID:  req.AccountID,
		Items:      make([]ItemResult, 0, len(natives)),
	}
	if len(natives) > 0 {
		report.NewestID = natives[0].PostID
	}

	for _, native := range natives {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if native.AccountID == "" {
			native.AccountID = req.AccountID
		}
		result := ItemResult{NativeID: native.PostID}
		postID, created, err := s.storeNative(ctx, native)
		switch {
		case err != nil:
			result.Outcome = ItemFailed
			result.Error = err.Error()
			report.Failed++
			s.logger.Error("投稿の保存に失敗しました",
				slog.String("platform", string(native.Platform)),
				slog.String("native_id", native.PostID),
				slog.String("error", err.Error()),
			)
		case created:
			result.PostID = postID
			result.Outcome = ItemStored
			report.Stored++
		default:
			result.PostID = postID
			result.Outcome = ItemSkipped
			report.Skipped++
		}
		report.Items = append(report.Items, result)
	}

	if s.metrics != nil {
		s.metrics.RecordPostsStored(report.Stored)
	}
	s.logger.Info("投稿の取得と保存が完了しました",
		slog.String("platform", string(req.PlatformID)),
		slog.String("account_id", req.AccountID),
		slog.Int("fetched", len(natives)),
		slog.Int("stored", report.Stored),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// storeNative はネイティブ投稿を変換し、1つのトランザクションで保存する。
// ミラーが既に存在する場合は何もせずcreated=falseを返す。
func (s *Service) storeNative(ctx context.Context, native platform.NativePost) (string, bool, error) {
	fragment, err := s.platforms.ConvertToGeneric(native)
	if err != nil {
		return "", false, err
	}

	postID := PostID(native.Platform, native.PostID)
	mirrorID := model.MirrorID(native.Platform, native.AccountID, native.PostID)
	createdAtMs := fragment.CreatedAtMs
	if createdAtMs == 0 {
		createdAtMs = native.CreatedAtMs
	}

	var created bool
	err = s.txm.Run(ctx, func(tx *txn.Tx) error {
		created = false
		existing, err := s.mirrors.Find(tx, mirrorID)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		// 同じネイティブ投稿が別アカウント経由で取り込まれた場合はミラーのみ追加する
		post, err := s.posts.Find(tx, postID)
		if err != nil {
			return err
		}
		if post != nil {
			post.AddMirror(mirrorID)
			if err := s.posts.Upsert(tx, post); err != nil {
				return err
			}
			if err := s.mirrors.Create(tx, newFetchedMirror(mirrorID, postID, native, createdAtMs)); err != nil {
				return err
			}
			created = true
			return nil
		}

		post = &model.GenericPost{
			ID:              postID,
			CreatedAtMs:     createdAtMs,
			AuthorID:        fragment.AuthorID,
			OriginPlatform:  native.Platform,
			Content:         fragment.Content,
			Semantics:       fragment.Semantics,
			ParsingStatus:   model.ParsingStatusIdle,
			ReviewStatus:    model.ReviewStatusPending,
			RepublishStatus: model.RepublishStatusPending,
			MirrorIDs:       []string{mirrorID},
		}
		if fragment.Semantics != nil {
			post.ParsingStatus = model.ParsingStatusDone
		}
		if err := s.posts.Create(tx, post); err != nil {
			return err
		}

		if err := s.mirrors.Create(tx, newFetchedMirror(mirrorID, postID, native, createdAtMs)); err != nil {
			return err
		}

		if err := s.linkRefs(tx, post); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to store %s post %s: %w", native.Platform, native.PostID, err)
	}
	return postID, created, nil
}

// newFetchedMirror は取得済みの投稿を表す投稿済みミラーを生成する。
func newFetchedMirror(mirrorID, postID string, native platform.NativePost, postedAtMs int64) *model.PlatformPostMirror {
	return &model.PlatformPostMirror{
		ID:            mirrorID,
		PostID:        postID,
		PlatformID:    native.Platform,
		AccountID:     native.AccountID,
		PublishOrigin: model.PublishOriginFetched,
		PublishStatus: model.PublishStatusPublished,
		Posted: &model.Posted{
			PostID:     native.PostID,
			AccountID:  native.AccountID,
			PostedAtMs: postedAtMs,
			URL:        native.URL,
		},
	}
}

// linkRefs は投稿の参照URLごとにLinkを用意し、RefPostを登録する。
func (s *Service) linkRefs(tx *txn.Tx, post *model.GenericPost) error {
	if post.Semantics == nil {
		return nil
	}
	for _, ref := range post.Semantics.Refs {
		link, err := s.linkSvc.EnsureLink(tx, ref)
		if err != nil {
			return err
		}
		if _, err := s.linkSvc.SetRefPost(tx, link.ID, &model.RefPost{
			ID:              post.ID,
			PostCreatedAtMs: post.CreatedAtMs,
			AuthorProfileID: post.AuthorID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// AccountResult はFetchAccountsのアカウントごとの結果。
type AccountResult struct {
	Request  FetchRequest
	Report   *FetchReport
	Err      error
	Duration time.Duration
}

// FetchAccounts は複数アカウントのFetchAndStoreを並列に実行し、アカウントごとの結果を入力順で返す。
// 1アカウントの失敗は他のアカウントに影響しない。
func (s *Service) FetchAccounts(ctx context.Context, reqs []FetchRequest) []AccountResult {
	results := make([]AccountResult, len(reqs))

	sem := make(chan struct{}, s.maxConcurrentFetches)
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, req FetchRequest) {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			report, err := s.FetchAndStore(ctx, req)
			results[i] = AccountResult{Request: req, Report: report, Err: err, Duration: time.Since(start)}
		}(i, req)
	}
	wg.Wait()

	return results
}
