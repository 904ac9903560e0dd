// Package store はトランザクショナルなドキュメントストアの境界を定義する。
// 点読み取り、競合検出付きの複数ドキュメント書き込み、親ID配下のサブコレクション列挙を提供する。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNoDocument は指定したドキュメントが存在しないことを表す。
	ErrNoDocument = errors.New("document does not exist")
	// ErrConflict はコミット時に前提条件が満たされなかったことを表す。
	// トランザクション内で読み取ったドキュメントが並行して変更された場合に返る。
	ErrConflict = errors.New("write conflict")
)

// Ref はコレクション内のドキュメントの位置を表す。
type Ref struct {
	Collection string
	ID         string
}

// String は "collection/id" 形式の文字列を返す。
func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

// SubCollection は親ドキュメント配下のサブコレクションのパスを返す。
func SubCollection(parent Ref, name string) string {
	return parent.Collection + "/" + parent.ID + "/" + name
}

// Document はストアに保存された1件のドキュメント。
// Versionは書き込みごとにストア全体で単調増加する値が割り当てられ、
// 削除と再作成を挟んでも以前と同じ値にはならない。存在しないドキュメントは0として扱う。
type Document struct {
	Ref       Ref
	Data      json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// WriteOp は書き込み操作の種別。
type WriteOp int

const (
	// OpCreate はドキュメントが存在しない場合のみ作成する。
	OpCreate WriteOp = iota
	// OpSet はドキュメントを作成または上書きする。
	OpSet
	// OpDelete はドキュメントを削除する。存在しない場合は何もしない。
	OpDelete
)

// Write はコミットに含める1件の書き込み。
type Write struct {
	Op   WriteOp
	Ref  Ref
	Data json.RawMessage
}

// Precondition はコミット時点でドキュメントが持つべきバージョン。
// Versionが0の場合は「存在しないこと」を意味する。
type Precondition struct {
	Ref     Ref
	Version int64
}

// Store はドキュメントストアのインターフェース。
type Store interface {
	// Get はドキュメントを1件取得する。存在しない場合はErrNoDocumentを返す。
	Get(ctx context.Context, ref Ref) (*Document, error)

	// List はコレクション内の全ドキュメントをID順で返す。
	List(ctx context.Context, collection string) ([]*Document, error)

	// Commit は前提条件を検証した上で全ての書き込みを原子的に適用する。
	// 前提条件が1つでも満たされない場合、またはOpCreateの対象が既に存在する場合は
	// 何も適用せずErrConflictを返す。
	Commit(ctx context.Context, preconditions []Precondition, writes []Write) error
}
