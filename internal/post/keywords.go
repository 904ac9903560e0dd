package post

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/reconcile"
	"github.com/hitoshi/postsync/internal/txn"
)

// EditKeyword は投稿のキーワードに対するローカル編集をキューに積む。
// 編集はMergeKeywordsで正本のスナップショットと統合されるまで保持される。
// 存在しない投稿への編集はmodel.NotFoundErrorを返す。
func (s *Service) EditKeyword(ctx context.Context, postID string, op reconcile.Op[string]) error {
	if !op.Type.Valid() {
		return model.NewInvalidRequestError(fmt.Sprintf("unknown keyword operation %q", op.Type))
	}
	if op.Item == "" {
		return model.NewInvalidRequestError("keyword must not be empty")
	}
	if _, err := s.GetPost(ctx, postID); err != nil {
		return err
	}
	s.keywords.Push(postID, op)
	return nil
}

// PendingKeywordEdits は統合待ちのキーワード編集を返す。
func (s *Service) PendingKeywordEdits(postID string) []reconcile.Op[string] {
	return s.keywords.Pending(postID)
}

// MergeKeywords はバックエンドが返したキーワードのスナップショットに積まれた編集を再生し、
// 結果を投稿のSemantics.Keywordsとして保存する。
// 同じ投稿への統合は1件ずつ実行され、保存に成功した場合のみ統合に使った編集をキューから取り除く。
// 統合中に積まれた編集は次回に残る。
func (s *Service) MergeKeywords(ctx context.Context, postID string, snapshot []string) ([]string, error) {
	var merged []string
	var applied int
	err := s.keywords.Apply(postID, func(pending []reconcile.Op[string]) error {
		applied = len(pending)
		return s.txm.Run(ctx, func(tx *txn.Tx) error {
			post, err := s.posts.Get(tx, postID)
			if err != nil {
				return err
			}
			merged = reconcile.Merge(snapshot, pending)
			if post.Semantics == nil {
				post.Semantics = &model.Semantics{}
			}
			post.Semantics.Keywords = merged
			return s.posts.Upsert(tx, post)
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("キーワードを統合しました",
		slog.String("post_id", postID),
		slog.Int("snapshot", len(snapshot)),
		slog.Int("ops", applied),
		slog.Int("merged", len(merged)),
	)
	return merged, nil
}
