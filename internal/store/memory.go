package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore はプロセス内メモリで動作するStoreの実装。
// テストおよび単体起動時に使用する。
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]*Document
	// seq はストア全体で単調増加するバージョン番号。削除後に再作成されても過去の値は再利用しない。
	seq int64
	now func() time.Time
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]*Document),
		now:         time.Now,
	}
}

// Get はドキュメントを1件取得する。
func (s *MemoryStore) Get(ctx context.Context, ref Ref) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[ref.Collection][ref.ID]
	if !ok {
		return nil, ErrNoDocument
	}
	return cloneDocument(doc), nil
}

// List はコレクション内の全ドキュメントをID順で返す。
func (s *MemoryStore) List(ctx context.Context, collection string) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]*Document, 0, len(s.collections[collection]))
	for _, doc := range s.collections[collection] {
		docs = append(docs, cloneDocument(doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Ref.ID < docs[j].Ref.ID })
	return docs, nil
}

// Commit は前提条件を検証し、全ての書き込みを適用する。
// 検証はすべての書き込みより前に行うため、失敗時に部分的な書き込みは残らない。
func (s *MemoryStore) Commit(ctx context.Context, preconditions []Precondition, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range preconditions {
		if s.versionOf(p.Ref) != p.Version {
			return ErrConflict
		}
	}
	for _, w := range writes {
		if w.Op == OpCreate && s.versionOf(w.Ref) != 0 {
			return ErrConflict
		}
	}

	now := s.now()
	for _, w := range writes {
		switch w.Op {
		case OpCreate, OpSet:
			coll, ok := s.collections[w.Ref.Collection]
			if !ok {
				coll = make(map[string]*Document)
				s.collections[w.Ref.Collection] = coll
			}
			s.seq++
			coll[w.Ref.ID] = &Document{
				Ref:       w.Ref,
				Data:      append(json.RawMessage(nil), w.Data...),
				Version:   s.seq,
				UpdatedAt: now,
			}
		case OpDelete:
			delete(s.collections[w.Ref.Collection], w.Ref.ID)
		}
	}
	return nil
}

// versionOf は現在のバージョンを返す。存在しない場合は0。mu保持中に呼ぶこと。
func (s *MemoryStore) versionOf(ref Ref) int64 {
	if doc, ok := s.collections[ref.Collection][ref.ID]; ok {
		return doc.Version
	}
	return 0
}

func cloneDocument(doc *Document) *Document {
	c := *doc
	c.Data = append(json.RawMessage(nil), doc.Data...)
	return &c
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
