package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
	"github.com/hitoshi/postsync/internal/txn"
)

// DraftRequest は再投稿用の下書き作成リクエスト。
type DraftRequest struct {
	PlatformID model.PlatformID
	AccountID  string
	// RequireApproval がtrueの場合、下書きは承認待ちとして作成され、承認されるまで投稿できない。
	RequireApproval bool
}

// CreateDraft はGenericPostを指定プラットフォーム・アカウント向けの下書きミラーに変換して保存する。
// 同じプラットフォーム・アカウントのミラーが既に存在する場合はmodel.AlreadyExistsErrorを返す。
func (s *Service) CreateDraft(ctx context.Context, postID string, req DraftRequest) (*model.PlatformPostMirror, error) {
	var post *model.GenericPost
	var creds *model.Credentials
	err := s.txm.Run(ctx, func(tx *txn.Tx) error {
		var err error
		post, err = s.posts.Get(tx, postID)
		if err != nil {
			return err
		}
		creds, err = s.credentials(tx, req.PlatformID, req.AccountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	native, err := s.platforms.ConvertFromGeneric(req.PlatformID, post, platform.Account{
		AccountID:   req.AccountID,
		Credentials: creds,
	})
	if err != nil {
		return nil, err
	}

	status := model.PublishStatusDraft
	approval := model.ApprovalStatusApproved
	if req.RequireApproval {
		status = model.PublishStatusPendingApproval
		approval = model.ApprovalStatusPending
	}
	mirror := &model.PlatformPostMirror{
		ID:            model.MirrorID(req.PlatformID, req.AccountID, postID),
		PostID:        postID,
		PlatformID:    req.PlatformID,
		AccountID:     req.AccountID,
		PublishOrigin: model.PublishOriginDrafted,
		PublishStatus: status,
		Draft: &model.Draft{
			Content:   native.Content,
			Approval:  approval,
			AccountID: req.AccountID,
		},
	}

	err = s.txm.Run(ctx, func(tx *txn.Tx) error {
		current, err := s.posts.Get(tx, postID)
		if err != nil {
			return err
		}
		if err := s.mirrors.Create(tx, mirror); err != nil {
			return err
		}
		current.AddMirror(mirror.ID)
		return s.posts.Upsert(tx, current)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("下書きを作成しました",
		slog.String("post_id", postID),
		slog.String("mirror_id", mirror.ID),
		slog.String("platform", string(req.PlatformID)),
		slog.String("status", string(status)),
	)
	return mirror, nil
}

// ApproveDraft は承認待ちの下書きを承認する。
func (s *Service) ApproveDraft(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error) {
	var mirror *model.PlatformPostMirror
	err := s.txm.Run(ctx, func(tx *txn.Tx) error {
		var err error
		mirror, err = s.mirrors.Get(tx, mirrorID)
		if err != nil {
			return err
		}
		if mirror.PublishStatus != model.PublishStatusPendingApproval {
			return fmt.Errorf("mirror %s is %s, not pending approval: %w", mirrorID, mirror.PublishStatus, model.ErrInvalidState)
		}
		mirror.PublishStatus = model.PublishStatusApproved
		mirror.Draft.Approval = model.ApprovalStatusApproved
		return s.mirrors.Upsert(tx, mirror)
	})
	if err != nil {
		return nil, err
	}
	return mirror, nil
}

// publishClaimTTL はpublishing状態の確保が有効な期間。
// これを過ぎた確保は投稿処理が異常終了したものとみなし、再び投稿できる。
const publishClaimTTL = 15 * time.Minute

// PublishDraft は下書きミラーをプラットフォームに投稿し、結果をミラーと投稿に反映する。
//
// 投稿できるのはdraftまたはapproved状態のミラーのみで、それ以外はmodel.ErrInvalidStateを返す。
// 投稿前にミラーをpublishingとして確保するため、同じミラーへの並行した呼び出しは
// 1件だけがプラットフォームに投稿し、残りはmodel.ErrInvalidStateになる。
// 投稿に失敗した場合はミラーをfailedにし、platformのエラーを返す。
func (s *Service) PublishDraft(ctx context.Context, mirrorID string) (*model.PlatformPostMirror, error) {
	claim := &model.PublishClaim{ID: uuid.NewString()}
	var draft *platform.NativeDraft
	err := s.txm.Run(ctx, func(tx *txn.Tx) error {
		mirror, err := s.mirrors.Get(tx, mirrorID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := checkPublishable(mirror, now); err != nil {
			return err
		}
		creds, err := s.credentials(tx, mirror.PlatformID, mirror.AccountID)
		if err != nil {
			return err
		}
		draft = &platform.NativeDraft{
			Platform:    mirror.PlatformID,
			PostID:      mirror.PostID,
			AccountID:   mirror.AccountID,
			Credentials: creds,
			Content:     mirror.Draft.Content,
		}
		claim.ClaimedAtMs = now.UnixMilli()
		mirror.MarkPublishing(claim)
		return s.mirrors.Upsert(tx, mirror)
	})
	if err != nil {
		return nil, err
	}

	posted, publishErr := s.platforms.Publish(ctx, draft)

	// 投稿済みの結果はキャンセル後も必ず記録する
	var mirror *model.PlatformPostMirror
	err = s.txm.Run(context.WithoutCancel(ctx), func(tx *txn.Tx) error {
		var err error
		mirror, err = s.mirrors.Get(tx, mirrorID)
		if err != nil {
			return err
		}
		if mirror.PublishStatus != model.PublishStatusPublishing || mirror.Claim == nil || mirror.Claim.ID != claim.ID {
			return fmt.Errorf("mirror %s is no longer claimed by this publish (status=%s): %w", mirrorID, mirror.PublishStatus, model.ErrInvalidState)
		}
		if publishErr != nil {
			mirror.MarkFailed(publishErr.Error())
		} else {
			mirror.MarkPublished(posted)
		}
		if err := mirror.Validate(); err != nil {
			return err
		}
		if err := s.mirrors.Upsert(tx, mirror); err != nil {
			return err
		}
		return s.refreshRepublishStatus(tx, mirror.PostID)
	})
	if err != nil {
		// 投稿自体は完了している可能性があるため、両方のエラーを返す
		return nil, errors.Join(publishErr, fmt.Errorf("failed to record publish result of %s: %w", mirrorID, err))
	}

	if publishErr != nil {
		s.recordPublish(draft.Platform, "failed")
		s.logger.Error("投稿に失敗しました",
			slog.String("mirror_id", mirrorID),
			slog.String("platform", string(draft.Platform)),
			slog.String("error", publishErr.Error()),
		)
		return mirror, publishErr
	}

	s.recordPublish(draft.Platform, "published")
	s.logger.Info("投稿しました",
		slog.String("mirror_id", mirrorID),
		slog.String("platform", string(draft.Platform)),
		slog.String("posted_id", posted.PostID),
	)
	return mirror, nil
}

// PublishResult はPublishDraftsのミラーごとの結果。
type PublishResult struct {
	MirrorID string
	Mirror   *model.PlatformPostMirror
	Err      error
}

// PublishDrafts は複数のミラーを順に投稿し、ミラーごとの結果を返す。
// 1件の失敗は他のミラーの投稿を妨げない。
// コンテキストがキャンセルされた場合は新たな投稿を開始せず、未着手のミラーにはコンテキストのエラーを設定する。
// 投稿済みのミラーは取り消さない。
func (s *Service) PublishDrafts(ctx context.Context, mirrorIDs []string) []PublishResult {
	results := make([]PublishResult, 0, len(mirrorIDs))
	for _, id := range mirrorIDs {
		if err := ctx.Err(); err != nil {
			results = append(results, PublishResult{MirrorID: id, Err: err})
			continue
		}
		mirror, err := s.PublishDraft(ctx, id)
		results = append(results, PublishResult{MirrorID: id, Mirror: mirror, Err: err})
	}
	return results
}

func checkPublishable(mirror *model.PlatformPostMirror, now time.Time) error {
	switch mirror.PublishStatus {
	case model.PublishStatusDraft, model.PublishStatusApproved:
		if mirror.Draft == nil {
			return fmt.Errorf("mirror %s has no draft: %w", mirror.ID, model.ErrInvalidState)
		}
		return nil
	case model.PublishStatusPublishing:
		expired := mirror.Claim == nil || now.Sub(time.UnixMilli(mirror.Claim.ClaimedAtMs)) > publishClaimTTL
		if expired && mirror.Draft != nil {
			return nil
		}
		return fmt.Errorf("mirror %s is already being published: %w", mirror.ID, model.ErrInvalidState)
	default:
		return fmt.Errorf("mirror %s is %s and cannot be published: %w", mirror.ID, mirror.PublishStatus, model.ErrInvalidState)
	}
}

// refreshRepublishStatus は再投稿用ミラーの状態から投稿のRepublishStatusを再計算する。
func (s *Service) refreshRepublishStatus(tx *txn.Tx, postID string) error {
	post, err := s.posts.Find(tx, postID)
	if err != nil || post == nil {
		return err
	}
	mirrors, err := s.mirrors.ListByPost(tx, post)
	if err != nil {
		return err
	}

	var drafted, published, failed int
	for _, m := range mirrors {
		if m.PublishOrigin != model.PublishOriginDrafted {
			continue
		}
		drafted++
		switch m.PublishStatus {
		case model.PublishStatusPublished:
			published++
		case model.PublishStatusFailed:
			failed++
		}
	}

	status := model.RepublishStatusPending
	switch {
	case drafted > 0 && published == drafted:
		status = model.RepublishStatusPublished
	case published > 0:
		status = model.RepublishStatusPartlyPublished
	case failed > 0 && failed == drafted:
		status = model.RepublishStatusFailed
	}
	if post.RepublishStatus == status {
		return nil
	}
	return s.posts.Update(tx, postID, map[string]any{"republishStatus": status})
}

// credentials は登録済みアカウントの認証情報を返す。未登録の場合はnilを返す。
func (s *Service) credentials(tx *txn.Tx, platformID model.PlatformID, accountID string) (*model.Credentials, error) {
	account, err := s.accounts.Find(tx, model.AccountDocID(platformID, accountID))
	if err != nil || account == nil {
		return nil, err
	}
	return account.Credentials, nil
}
