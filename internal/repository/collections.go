package repository

import (
	"slices"
	"time"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/txn"
)

// コレクション名
const (
	CollectionPosts          = "posts"
	CollectionPlatformPosts  = "platformPosts"
	CollectionPostedIndex    = "postedIndex"
	CollectionLinks          = "links"
	SubCollectionRefPosts    = "refPosts"
	CollectionAccounts       = "platformAccounts"
	CollectionComplianceJobs = "complianceJobs"
)

// PostRepo はGenericPostのリポジトリ。
type PostRepo struct {
	Collection[model.GenericPost]
}

// NewPostRepo はPostRepoを生成する。
func NewPostRepo() *PostRepo {
	return &PostRepo{
		Collection: NewCollection(CollectionPosts, func(p *model.GenericPost) string { return p.ID }),
	}
}

// PlatformPostRepo はPlatformPostMirrorのリポジトリ。
// 投稿済みミラーはプラットフォーム投稿IDの索引（postedIndex）にも登録され、
// コレクション全体を走査せずに検索できる。
type PlatformPostRepo struct {
	Collection[model.PlatformPostMirror]
	index Collection[postedIndex]
}

// postedIndex はプラットフォーム投稿IDから投稿済みミラーを引く索引ドキュメント。
type postedIndex struct {
	ID        string   `json:"id"`
	MirrorIDs []string `json:"mirrorIds"`
}

func postedIndexID(platform model.PlatformID, postedID string) string {
	return string(platform) + ":" + postedID
}

// NewPlatformPostRepo はPlatformPostRepoを生成する。
func NewPlatformPostRepo() *PlatformPostRepo {
	return &PlatformPostRepo{
		Collection: NewCollection(CollectionPlatformPosts, func(m *model.PlatformPostMirror) string { return m.ID }),
		index:      NewCollection(CollectionPostedIndex, func(i *postedIndex) string { return i.ID }),
	}
}

// Create はミラーを作成し、投稿済みであれば索引に登録する。
func (r *PlatformPostRepo) Create(tx *txn.Tx, mirror *model.PlatformPostMirror) error {
	if err := r.Collection.Create(tx, mirror); err != nil {
		return err
	}
	return r.addToIndex(tx, mirror)
}

// Upsert はミラーを作成または上書きし、投稿済みIDの変化を索引に反映する。
func (r *PlatformPostRepo) Upsert(tx *txn.Tx, mirror *model.PlatformPostMirror) error {
	prev, err := r.Find(tx, mirror.ID)
	if err != nil {
		return err
	}
	if err := r.Collection.Upsert(tx, mirror); err != nil {
		return err
	}
	if prev != nil && prev.Posted != nil {
		if mirror.Posted != nil && prev.PlatformID == mirror.PlatformID && prev.Posted.PostID == mirror.Posted.PostID {
			return nil
		}
		if err := r.removeFromIndex(tx, prev); err != nil {
			return err
		}
	}
	return r.addToIndex(tx, mirror)
}

// Delete はミラーを削除し、索引からも外す。存在しない場合はmodel.NotFoundErrorを返す。
func (r *PlatformPostRepo) Delete(tx *txn.Tx, id string) error {
	prev, err := r.Find(tx, id)
	if err != nil {
		return err
	}
	if err := r.Collection.Delete(tx, id); err != nil {
		return err
	}
	return r.removeFromIndex(tx, prev)
}

// FindByPostedID は投稿済みのプラットフォーム投稿IDでミラーを検索する。
func (r *PlatformPostRepo) FindByPostedID(tx *txn.Tx, platform model.PlatformID, postedID string) ([]*model.PlatformPostMirror, error) {
	idx, err := r.index.Find(tx, postedIndexID(platform, postedID))
	if err != nil || idx == nil {
		return nil, err
	}
	return r.findAll(tx, idx.MirrorIDs)
}

// ListByPost はGenericPostに属するミラーを投稿のMirrorIDsの順で返す。
// 既に削除されたミラーは含めない。
func (r *PlatformPostRepo) ListByPost(tx *txn.Tx, post *model.GenericPost) ([]*model.PlatformPostMirror, error) {
	return r.findAll(tx, post.MirrorIDs)
}

func (r *PlatformPostRepo) findAll(tx *txn.Tx, ids []string) ([]*model.PlatformPostMirror, error) {
	mirrors := make([]*model.PlatformPostMirror, 0, len(ids))
	for _, id := range ids {
		m, err := r.Find(tx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			mirrors = append(mirrors, m)
		}
	}
	return mirrors, nil
}

func (r *PlatformPostRepo) addToIndex(tx *txn.Tx, mirror *model.PlatformPostMirror) error {
	if mirror.Posted == nil || mirror.Posted.PostID == "" {
		return nil
	}
	id := postedIndexID(mirror.PlatformID, mirror.Posted.PostID)
	idx, err := r.index.Find(tx, id)
	if err != nil {
		return err
	}
	if idx == nil {
		idx = &postedIndex{ID: id}
	}
	if slices.Contains(idx.MirrorIDs, mirror.ID) {
		return nil
	}
	idx.MirrorIDs = append(idx.MirrorIDs, mirror.ID)
	return r.index.Upsert(tx, idx)
}

func (r *PlatformPostRepo) removeFromIndex(tx *txn.Tx, mirror *model.PlatformPostMirror) error {
	if mirror == nil || mirror.Posted == nil || mirror.Posted.PostID == "" {
		return nil
	}
	id := postedIndexID(mirror.PlatformID, mirror.Posted.PostID)
	idx, err := r.index.Find(tx, id)
	if err != nil || idx == nil {
		return err
	}
	idx.MirrorIDs = slices.DeleteFunc(idx.MirrorIDs, func(m string) bool { return m == mirror.ID })
	if len(idx.MirrorIDs) == 0 {
		return r.index.Delete(tx, id)
	}
	return r.index.Upsert(tx, idx)
}

// LinkRepo はLinkとその配下のRefPostのリポジトリ。
type LinkRepo struct {
	Collection[model.Link]
	refPosts SubCollection[model.RefPost]
}

// NewLinkRepo はLinkRepoを生成する。
func NewLinkRepo() *LinkRepo {
	return &LinkRepo{
		Collection: NewCollection(CollectionLinks, func(l *model.Link) string { return l.ID }),
		refPosts:   NewSubCollection(CollectionLinks, SubCollectionRefPosts, func(r *model.RefPost) string { return r.ID }),
	}
}

// RefPosts は指定Link配下のRefPostコレクションを返す。
func (r *LinkRepo) RefPosts(linkID string) Collection[model.RefPost] {
	return r.refPosts.Under(linkID)
}

// AccountRepo はフェッチ対象アカウントのリポジトリ。
type AccountRepo struct {
	Collection[model.PlatformAccount]
}

// NewAccountRepo はAccountRepoを生成する。
func NewAccountRepo() *AccountRepo {
	return &AccountRepo{
		Collection: NewCollection(CollectionAccounts, func(a *model.PlatformAccount) string { return a.ID }),
	}
}

// ListDueForFetch はフェッチ対象のアカウントを返す。
// fetch_statusがactiveかつnext_fetch_atがnow以前のアカウントが対象。
func (r *AccountRepo) ListDueForFetch(tx *txn.Tx, now time.Time) ([]*model.PlatformAccount, error) {
	return r.Query(tx, func(a *model.PlatformAccount) bool {
		return a.FetchStatus == model.FetchStatusActive && !a.NextFetchAt.After(now)
	})
}

// ComplianceJobRepo はコンプライアンスジョブのリポジトリ。
type ComplianceJobRepo struct {
	Collection[model.ComplianceJob]
}

// NewComplianceJobRepo はComplianceJobRepoを生成する。
func NewComplianceJobRepo() *ComplianceJobRepo {
	return &ComplianceJobRepo{
		Collection: NewCollection(CollectionComplianceJobs, func(j *model.ComplianceJob) string { return j.ID }),
	}
}

// ListInProgress は結果未取得のジョブを返す。
func (r *ComplianceJobRepo) ListInProgress(tx *txn.Tx) ([]*model.ComplianceJob, error) {
	return r.Query(tx, func(j *model.ComplianceJob) bool {
		return j.Status == model.ComplianceJobStatusInProgress
	})
}
