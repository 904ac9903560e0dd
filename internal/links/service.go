package links

import (
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/repository"
	"github.com/hitoshi/postsync/internal/txn"
)

// Service はLinkとRefPostの管理を行う。全ての操作は呼び出し元のトランザクション内で実行される。
type Service struct {
	linkRepo *repository.LinkRepo
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(linkRepo *repository.LinkRepo) *Service {
	return &Service{
		linkRepo: linkRepo,
		now:      time.Now,
	}
}

// EnsureLink はURLを正規化し、対応するLinkが存在しなければ作成する。
// 既に存在する場合は既存のLinkを返す。
func (s *Service) EnsureLink(tx *txn.Tx, rawURL string) (*model.Link, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	id := Hash(normalized)

	existing, err := s.linkRepo.Find(tx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	link := &model.Link{
		ID:          id,
		URL:         normalized,
		Internal:    IsKnownPlatformURL(normalized),
		CreatedAtMs: s.now().UnixMilli(),
	}
	if err := s.linkRepo.Create(tx, link); err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}
	return link, nil
}

// SetRefPost はLink配下にRefPostを登録する。
// 同じ投稿IDのRefPostが既に存在する場合は上書きせずに何もしない（insert-or-ignore）。
// 新規に登録した場合はtrueを返す。
func (s *Service) SetRefPost(tx *txn.Tx, linkID string, ref *model.RefPost) (bool, error) {
	refPosts := s.linkRepo.RefPosts(linkID)

	err := refPosts.Create(tx, ref)
	if errors.Is(err, model.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to set ref post %s on link %s: %w", ref.ID, linkID, err)
	}
	return true, nil
}

// GetRefPosts はLinkを参照している全てのRefPostを返す。
func (s *Service) GetRefPosts(tx *txn.Tx, linkID string) ([]*model.RefPost, error) {
	return s.linkRepo.RefPosts(linkID).Query(tx, nil)
}

// DeleteRefPost はLink配下のRefPostを削除する。存在しない場合はmodel.NotFoundErrorを返す。
func (s *Service) DeleteRefPost(tx *txn.Tx, linkID, postID string) error {
	return s.linkRepo.RefPosts(linkID).Delete(tx, postID)
}
