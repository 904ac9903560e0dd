// Package repository はドキュメントストア上の型付きリポジトリを提供する。
package repository

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/store"
	"github.com/hitoshi/postsync/internal/txn"
)

// Collection はコレクションの位置と型付きエンティティを結びつける汎用リポジトリ。
// 全ての操作は呼び出し元が渡すトランザクション内で行われ、リポジトリ自身はトランザクションを開かない。
type Collection[T any] struct {
	name string
	idOf func(*T) string
}

// NewCollection はCollectionを生成する。idOfはエンティティからドキュメントIDを取り出す。
func NewCollection[T any](name string, idOf func(*T) string) Collection[T] {
	return Collection[T]{name: name, idOf: idOf}
}

// Name はコレクションのパスを返す。
func (c Collection[T]) Name() string {
	return c.name
}

// Ref は指定IDのドキュメント位置を返す。
func (c Collection[T]) Ref(id string) store.Ref {
	return store.Ref{Collection: c.name, ID: id}
}

// Get は指定IDのエンティティを取得する。存在しない場合はmodel.NotFoundErrorを返す。
func (c Collection[T]) Get(tx *txn.Tx, id string) (*T, error) {
	doc, err := tx.Get(c.Ref(id))
	if errors.Is(err, store.ErrNoDocument) {
		return nil, &model.NotFoundError{Collection: c.name, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", c.name, id, err)
	}
	return c.decode(doc)
}

// Find は指定IDのエンティティを取得する。存在しない場合はnilを返す。
func (c Collection[T]) Find(tx *txn.Tx, id string) (*T, error) {
	entity, err := c.Get(tx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return entity, err
}

// Create はエンティティを作成する。既に存在する場合はmodel.AlreadyExistsErrorを返す。
func (c Collection[T]) Create(tx *txn.Tx, entity *T) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to encode %s entity: %w", c.name, err)
	}
	return tx.Create(c.Ref(c.idOf(entity)), data)
}

// Upsert はエンティティを作成または上書きする。
func (c Collection[T]) Upsert(tx *txn.Tx, entity *T) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to encode %s entity: %w", c.name, err)
	}
	tx.Set(c.Ref(c.idOf(entity)), data)
	return nil
}

// Update は既存エンティティのフィールドを部分更新する。
// patchのキーはJSONフィールド名。存在しない場合はmodel.NotFoundErrorを返す。
func (c Collection[T]) Update(tx *txn.Tx, id string, patch map[string]any) error {
	return tx.Update(c.Ref(id), patch)
}

// Delete はエンティティを削除する。存在しない場合はmodel.NotFoundErrorを返す。
func (c Collection[T]) Delete(tx *txn.Tx, id string) error {
	if _, err := tx.Get(c.Ref(id)); err != nil {
		if errors.Is(err, store.ErrNoDocument) {
			return &model.NotFoundError{Collection: c.name, ID: id}
		}
		return fmt.Errorf("failed to get %s/%s: %w", c.name, id, err)
	}
	tx.Delete(c.Ref(id))
	return nil
}

// Query はpredicateを満たすエンティティをID順で返す。predicateがnilの場合は全件を返す。
func (c Collection[T]) Query(tx *txn.Tx, predicate func(*T) bool) ([]*T, error) {
	docs, err := tx.List(c.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.name, err)
	}

	var result []*T
	for _, doc := range docs {
		entity, err := c.decode(doc)
		if err != nil {
			return nil, err
		}
		if predicate == nil || predicate(entity) {
			result = append(result, entity)
		}
	}
	return result, nil
}

func (c Collection[T]) decode(doc *store.Document) (*T, error) {
	var entity T
	if err := json.Unmarshal(doc.Data, &entity); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", doc.Ref, err)
	}
	return &entity, nil
}

// SubCollection は親ドキュメント配下に置かれるコレクションの定義。
type SubCollection[T any] struct {
	parent string
	name   string
	idOf   func(*T) string
}

// NewSubCollection はSubCollectionを生成する。
func NewSubCollection[T any](parent, name string, idOf func(*T) string) SubCollection[T] {
	return SubCollection[T]{parent: parent, name: name, idOf: idOf}
}

// Under は指定した親ID配下にスコープされたCollectionを返す。
func (s SubCollection[T]) Under(parentID string) Collection[T] {
	path := store.SubCollection(store.Ref{Collection: s.parent, ID: parentID}, s.name)
	return NewCollection(path, s.idOf)
}
