package repository

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/store"
	"github.com/hitoshi/postsync/internal/txn"
)

func newTestManager(t *testing.T) *txn.Manager {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return txn.NewManager(store.NewMemoryStore(), logger, nil, txn.Config{})
}

// run はテスト用にトランザクションを実行し、エラーがあれば失敗させる。
func run(t *testing.T, mgr *txn.Manager, fn func(tx *txn.Tx) error) {
	t.Helper()
	if err := mgr.Run(context.Background(), fn); err != nil {
		t.Fatalf("トランザクションがエラーを返した: %v", err)
	}
}

func TestCollection_CreateGetDelete(t *testing.T) {
	mgr := newTestManager(t)
	repo := NewPostRepo()
	post := &model.GenericPost{
		ID:             "p1",
		AuthorID:       "alice",
		OriginPlatform: model.PlatformMastodon,
		Content:        []model.Segment{{Text: "hello"}},
	}

	run(t, mgr, func(tx *txn.Tx) error { return repo.Create(tx, post) })

	run(t, mgr, func(tx *txn.Tx) error {
		got, err := repo.Get(tx, "p1")
		if err != nil {
			return err
		}
		if got.AuthorID != "alice" || got.Text() != "hello" {
			t.Errorf("got = %+v", got)
		}
		return nil
	})

	err := mgr.Run(context.Background(), func(tx *txn.Tx) error { return repo.Create(tx, post) })
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("重複作成は ErrAlreadyExists になるべき: %v", err)
	}

	run(t, mgr, func(tx *txn.Tx) error { return repo.Delete(tx, "p1") })

	err = mgr.Run(context.Background(), func(tx *txn.Tx) error {
		_, err := repo.Get(tx, "p1")
		return err
	})
	var notFound *model.NotFoundError
	if !errors.As(err, &notFound) || notFound.Collection != CollectionPosts || notFound.ID != "p1" {
		t.Errorf("err = %v, want NotFoundError(posts/p1)", err)
	}
}

func TestCollection_FindMissingReturnsNil(t *testing.T) {
	mgr := newTestManager(t)
	repo := NewLinkRepo()
	run(t, mgr, func(tx *txn.Tx) error {
		link, err := repo.Find(tx, "missing")
		if err != nil || link != nil {
			t.Errorf("link = %v, err = %v", link, err)
		}
		return nil
	})
}

func TestCollection_DeleteMissing(t *testing.T) {
	mgr := newTestManager(t)
	err := mgr.Run(context.Background(), func(tx *txn.Tx) error {
		return NewPostRepo().Delete(tx, "missing")
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCollection_UpdatePatchesFields(t *testing.T) {
	mgr := newTestManager(t)
	repo := NewPostRepo()
	run(t, mgr, func(tx *txn.Tx) error {
		return repo.Create(tx, &model.GenericPost{ID: "p1", ReviewStatus: model.ReviewStatusPending, AuthorID: "alice"})
	})
	run(t, mgr, func(tx *txn.Tx) error {
		return repo.Update(tx, "p1", map[string]any{"reviewStatus": model.ReviewStatusReviewed})
	})
	run(t, mgr, func(tx *txn.Tx) error {
		got, err := repo.Get(tx, "p1")
		if err != nil {
			return err
		}
		if got.ReviewStatus != model.ReviewStatusReviewed || got.AuthorID != "alice" {
			t.Errorf("got = %+v", got)
		}
		return nil
	})
}

func TestSubCollection_ScopedByParent(t *testing.T) {
	mgr := newTestManager(t)
	repo := NewLinkRepo()

	run(t, mgr, func(tx *txn.Tx) error {
		if err := repo.RefPosts("l1").Create(tx, &model.RefPost{ID: "p1"}); err != nil {
			return err
		}
		if err := repo.RefPosts("l1").Create(tx, &model.RefPost{ID: "p2"}); err != nil {
			return err
		}
		return repo.RefPosts("l2").Create(tx, &model.RefPost{ID: "p3"})
	})

	run(t, mgr, func(tx *txn.Tx) error {
		l1, err := repo.RefPosts("l1").Query(tx, nil)
		if err != nil {
			return err
		}
		if len(l1) != 2 || l1[0].ID != "p1" || l1[1].ID != "p2" {
			t.Errorf("l1 = %+v", l1)
		}
		l2, err := repo.RefPosts("l2").Query(tx, nil)
		if err != nil {
			return err
		}
		if len(l2) != 1 || l2[0].ID != "p3" {
			t.Errorf("l2 = %+v", l2)
		}
		return nil
	})

	if got := repo.RefPosts("l1").Name(); got != "links/l1/refPosts" {
		t.Errorf("Name() = %q", got)
	}
}

func TestPlatformPostRepo_Queries(t *testing.T) {
	mgr := newTestManager(t)
	repo := NewPlatformPostRepo()
	mirrors := []*model.PlatformPostMirror{
		{ID: "m1", PostID: "p1", PlatformID: model.PlatformTwitter, PublishStatus: model.PublishStatusPublished,
			Posted: &model.Posted{PostID: "111"}},
		{ID: "m2", PostID: "p1", PlatformID: model.PlatformMastodon, PublishStatus: model.PublishStatusPublished,
			Posted: &model.Posted{PostID: "111"}},
		{ID: "m3", PostID: "p2", PlatformID: model.PlatformTwitter, PublishStatus: model.PublishStatusDraft,
			Draft: &model.Draft{}},
	}
	run(t, mgr, func(tx *txn.Tx) error {
		for _, m := range mirrors {
			if err := repo.Create(tx, m); err != nil {
				return err
			}
		}
		return nil
	})

	run(t, mgr, func(tx *txn.Tx) error {
		found, err := repo.FindByPostedID(tx, model.PlatformTwitter, "111")
		if err != nil {
			return err
		}
		if len(found) != 1 || found[0].ID != "m1" {
			t.Errorf("FindByPostedID = %+v", found)
		}
		byPost, err := repo.ListByPost(tx, &model.GenericPost{ID: "p1", MirrorIDs: []string{"m2", "gone", "m1"}})
		if err != nil {
			return err
		}
		if len(byPost) != 2 || byPost[0].ID != "m2" || byPost[1].ID != "m1" {
			t.Errorf("ListByPost = %+v, want [m2 m1]", byPost)
		}
		return nil
	})
}

// TestPlatformPostRepo_PostedIndexFollowsWrites は投稿済みIDの索引がミラーの更新・削除に追従することを検証する。
func TestPlatformPostRepo_PostedIndexFollowsWrites(t *testing.T) {
	mgr := newTestManager(t)
	repo := NewPlatformPostRepo()
	draft := &model.PlatformPostMirror{ID: "m1", PostID: "p1", PlatformID: model.PlatformTwitter,
		PublishStatus: model.PublishStatusDraft, Draft: &model.Draft{}}
	run(t, mgr, func(tx *txn.Tx) error { return repo.Create(tx, draft) })

	find := func(postedID string) []*model.PlatformPostMirror {
		t.Helper()
		var found []*model.PlatformPostMirror
		run(t, mgr, func(tx *txn.Tx) error {
			var err error
			found, err = repo.FindByPostedID(tx, model.PlatformTwitter, postedID)
			return err
		})
		return found
	}

	if got := find("222"); len(got) != 0 {
		t.Fatalf("下書きは索引に載らない: %+v", got)
	}

	published := *draft
	published.MarkPublished(&model.Posted{PostID: "222"})
	run(t, mgr, func(tx *txn.Tx) error { return repo.Upsert(tx, &published) })
	if got := find("222"); len(got) != 1 || got[0].PublishStatus != model.PublishStatusPublished {
		t.Errorf("FindByPostedID(222) = %+v", got)
	}

	run(t, mgr, func(tx *txn.Tx) error { return repo.Delete(tx, "m1") })
	if got := find("222"); len(got) != 0 {
		t.Errorf("削除したミラーは索引から外れるべき: %+v", got)
	}
}

// TestPlatformPostRepo_LookupsIgnoreUnrelatedMirrors は投稿単位・投稿済みID単位の検索が
// 無関係なミラーの並行更新と競合しないことを検証する。
func TestPlatformPostRepo_LookupsIgnoreUnrelatedMirrors(t *testing.T) {
	mgr := newTestManager(t)
	repo := NewPlatformPostRepo()
	posts := NewPostRepo()
	post := &model.GenericPost{ID: "p1", MirrorIDs: []string{"m1"}}
	run(t, mgr, func(tx *txn.Tx) error {
		if err := posts.Create(tx, post); err != nil {
			return err
		}
		if err := repo.Create(tx, &model.PlatformPostMirror{ID: "m1", PostID: "p1", PlatformID: model.PlatformTwitter,
			PublishStatus: model.PublishStatusPublished, Posted: &model.Posted{PostID: "111"}}); err != nil {
			return err
		}
		return repo.Create(tx, &model.PlatformPostMirror{ID: "m9", PostID: "p2", PlatformID: model.PlatformTwitter,
			PublishStatus: model.PublishStatusDraft, Draft: &model.Draft{}})
	})

	attempts := 0
	run(t, mgr, func(tx *txn.Tx) error {
		attempts++
		if _, err := repo.ListByPost(tx, post); err != nil {
			return err
		}
		if _, err := repo.FindByPostedID(tx, model.PlatformTwitter, "111"); err != nil {
			return err
		}
		if attempts == 1 {
			// 別の投稿のミラーを並行して更新する
			run(t, mgr, func(other *txn.Tx) error {
				return repo.Update(other, "m9", map[string]any{"failureReason": "x"})
			})
		}
		return posts.Update(tx, "p1", map[string]any{"republishStatus": model.RepublishStatusPublished})
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1: 無関係なミラーの更新で再実行されるべきではない", attempts)
	}
}

func TestAccountRepo_ListDueForFetch(t *testing.T) {
	mgr := newTestManager(t)
	repo := NewAccountRepo()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	accounts := []*model.PlatformAccount{
		{ID: "due", FetchStatus: model.FetchStatusActive, NextFetchAt: now.Add(-time.Minute)},
		{ID: "exact", FetchStatus: model.FetchStatusActive, NextFetchAt: now},
		{ID: "future", FetchStatus: model.FetchStatusActive, NextFetchAt: now.Add(time.Minute)},
		{ID: "stopped", FetchStatus: model.FetchStatusStopped, NextFetchAt: now.Add(-time.Hour)},
	}
	run(t, mgr, func(tx *txn.Tx) error {
		for _, a := range accounts {
			if err := repo.Upsert(tx, a); err != nil {
				return err
			}
		}
		return nil
	})

	run(t, mgr, func(tx *txn.Tx) error {
		due, err := repo.ListDueForFetch(tx, now)
		if err != nil {
			return err
		}
		if len(due) != 2 || due[0].ID != "due" || due[1].ID != "exact" {
			t.Errorf("due = %+v", due)
		}
		return nil
	})
}

func TestComplianceJobRepo_ListInProgress(t *testing.T) {
	mgr := newTestManager(t)
	repo := NewComplianceJobRepo()
	run(t, mgr, func(tx *txn.Tx) error {
		for id, status := range map[string]model.ComplianceJobStatus{
			"a": model.ComplianceJobStatusInProgress,
			"b": model.ComplianceJobStatusCompleted,
			"c": model.ComplianceJobStatusFailed,
		} {
			if err := repo.Create(tx, &model.ComplianceJob{ID: id, Status: status}); err != nil {
				return err
			}
		}
		return nil
	})
	run(t, mgr, func(tx *txn.Tx) error {
		jobs, err := repo.ListInProgress(tx)
		if err != nil {
			return err
		}
		if len(jobs) != 1 || jobs[0].ID != "a" {
			t.Errorf("jobs = %+v", jobs)
		}
		return nil
	})
}
