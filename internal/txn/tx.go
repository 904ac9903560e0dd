package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/store"
)

// stagedWrite はコミット待ちの書き込み。dataがnilの場合は削除を表す。
type stagedWrite struct {
	data    json.RawMessage
	deleted bool
}

// Tx は1回の作業単位。読み取りはトランザクションの生存期間中スナップショットとして固定され、
// 書き込みはステージングされてコミット時にまとめて適用される。
// Txは1つのゴルーチンから使用すること。
type Tx struct {
	ctx    context.Context
	store  store.Store
	reads  map[store.Ref]*store.Document // Version 0 は存在しないことを表す
	writes map[store.Ref]*stagedWrite
	order  []store.Ref
}

func newTx(ctx context.Context, st store.Store) *Tx {
	return &Tx{
		ctx:    ctx,
		store:  st,
		reads:  make(map[store.Ref]*store.Document),
		writes: make(map[store.Ref]*stagedWrite),
	}
}

// Context はトランザクションに紐づくコンテキストを返す。
func (t *Tx) Context() context.Context {
	return t.ctx
}

// Get はドキュメントを取得する。同一トランザクション内でステージング済みの書き込みがあればそれを返す。
// 存在しない場合はstore.ErrNoDocumentを返す。
func (t *Tx) Get(ref store.Ref) (*store.Document, error) {
	if w, ok := t.writes[ref]; ok {
		if w.deleted {
			return nil, store.ErrNoDocument
		}
		return &store.Document{Ref: ref, Data: w.data}, nil
	}

	doc, err := t.read(ref)
	if err != nil {
		return nil, err
	}
	if doc.Version == 0 {
		return nil, store.ErrNoDocument
	}
	return doc, nil
}

// read はストアから読み取り、結果を前提条件として記録する。2回目以降はキャッシュを返す。
func (t *Tx) read(ref store.Ref) (*store.Document, error) {
	if doc, ok := t.reads[ref]; ok {
		return doc, nil
	}
	doc, err := t.store.Get(t.ctx, ref)
	if errors.Is(err, store.ErrNoDocument) {
		doc = &store.Document{Ref: ref}
	} else if err != nil {
		return nil, err
	}
	t.reads[ref] = doc
	return doc, nil
}

// List はコレクション内のドキュメントをID順で返す。
// 読み取った全ドキュメントは前提条件として記録され、ステージング済みの書き込みが反映される。
func (t *Tx) List(collection string) ([]*store.Document, error) {
	docs, err := t.store.List(t.ctx, collection)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*store.Document, len(docs))
	for _, doc := range docs {
		if cached, ok := t.reads[doc.Ref]; ok {
			// 既に読み取り済みの場合はスナップショットを優先する
			if cached.Version != 0 {
				byID[doc.Ref.ID] = cached
			}
			continue
		}
		t.reads[doc.Ref] = doc
		byID[doc.Ref.ID] = doc
	}

	for _, ref := range t.order {
		if ref.Collection != collection {
			continue
		}
		w := t.writes[ref]
		if w.deleted {
			delete(byID, ref.ID)
			continue
		}
		byID[ref.ID] = &store.Document{Ref: ref, Data: w.data}
	}

	result := make([]*store.Document, 0, len(byID))
	for _, doc := range byID {
		result = append(result, doc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Ref.ID < result[j].Ref.ID })
	return result, nil
}

// Create はドキュメントの作成をステージングする。
// 既に存在する場合はmodel.AlreadyExistsErrorを返す。
func (t *Tx) Create(ref store.Ref, data json.RawMessage) error {
	_, err := t.Get(ref)
	if err == nil {
		return &model.AlreadyExistsError{Collection: ref.Collection, ID: ref.ID}
	}
	if !errors.Is(err, store.ErrNoDocument) {
		return err
	}
	t.stage(ref, &stagedWrite{data: data})
	return nil
}

// Set はドキュメントの作成または上書きをステージングする。
func (t *Tx) Set(ref store.Ref, data json.RawMessage) {
	t.stage(ref, &stagedWrite{data: data})
}

// Update は既存ドキュメントのトップレベルフィールドにpatchをマージしてステージングする。
// patchの値がnilのフィールドは削除される。存在しない場合はmodel.NotFoundErrorを返す。
func (t *Tx) Update(ref store.Ref, patch map[string]any) error {
	doc, err := t.Get(ref)
	if errors.Is(err, store.ErrNoDocument) {
		return &model.NotFoundError{Collection: ref.Collection, ID: ref.ID}
	}
	if err != nil {
		return err
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(doc.Data, &fields); err != nil {
		return fmt.Errorf("failed to decode %s for update: %w", ref, err)
	}
	for key, value := range patch {
		if value == nil {
			delete(fields, key)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode field %q of %s: %w", key, ref, err)
		}
		fields[key] = encoded
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", ref, err)
	}
	t.stage(ref, &stagedWrite{data: merged})
	return nil
}

// Delete はドキュメントの削除をステージングする。
func (t *Tx) Delete(ref store.Ref) {
	t.stage(ref, &stagedWrite{deleted: true})
}

func (t *Tx) stage(ref store.Ref, w *stagedWrite) {
	if _, ok := t.writes[ref]; !ok {
		t.order = append(t.order, ref)
	}
	t.writes[ref] = w
}

// preconditions は読み取った全ドキュメントのバージョンを返す。
func (t *Tx) preconditions() []store.Precondition {
	pre := make([]store.Precondition, 0, len(t.reads))
	for ref, doc := range t.reads {
		pre = append(pre, store.Precondition{Ref: ref, Version: doc.Version})
	}
	sort.Slice(pre, func(i, j int) bool { return pre[i].Ref.String() < pre[j].Ref.String() })
	return pre
}

// commitWrites はステージングした書き込みをステージング順に返す。
// 存在しないと読み取ったドキュメントへの書き込みは作成として扱う。
func (t *Tx) commitWrites() []store.Write {
	writes := make([]store.Write, 0, len(t.order))
	for _, ref := range t.order {
		w := t.writes[ref]
		switch {
		case w.deleted:
			writes = append(writes, store.Write{Op: store.OpDelete, Ref: ref})
		case t.readAsAbsent(ref):
			writes = append(writes, store.Write{Op: store.OpCreate, Ref: ref, Data: w.data})
		default:
			writes = append(writes, store.Write{Op: store.OpSet, Ref: ref, Data: w.data})
		}
	}
	return writes
}

func (t *Tx) readAsAbsent(ref store.Ref) bool {
	doc, ok := t.reads[ref]
	return ok && doc.Version == 0
}
