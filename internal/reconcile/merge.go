// Package reconcile はローカルで積まれた編集操作とバックエンドの正本スナップショットを統合する。
//
// ユーザーがリスト値のフィールド（キーワード等）を楽観的に編集している間に、
// バックエンドが同じフィールドを再計算して返してくることがある。
// スナップショットの上に編集キューを発行順に再生することで、双方の意図を失わずに統合する。
package reconcile

// OpType は編集操作の種別。
type OpType string

const (
	// OpAdd は要素の追加。
	OpAdd OpType = "add"
	// OpRemove は要素の削除。
	OpRemove OpType = "remove"
)

// Valid は既知の操作種別かを返す。
func (t OpType) Valid() bool {
	return t == OpAdd || t == OpRemove
}

// Op はキューに積まれる1件の編集操作。要素の同一性は値の等価性で判定する。
type Op[T comparable] struct {
	Type OpType `json:"type"`
	Item T      `json:"item"`
}

// Add は追加操作を生成する。
func Add[T comparable](item T) Op[T] {
	return Op[T]{Type: OpAdd, Item: item}
}

// Remove は削除操作を生成する。
func Remove[T comparable](item T) Op[T] {
	return Op[T]{Type: OpRemove, Item: item}
}

// Merge はスナップショットの上に編集キューを再生した結果を返す。
//
// スナップショット内の重複は値で1つにまとめ、最初の出現位置を保つ。
// キューは発行順に適用する: add(x)はxが無ければ末尾に追加し、remove(x)はxがあれば取り除く。
// キューで触れられていない要素はそのまま残る。
//
// 入力を変更しない純粋関数であり、同じ入力に対しては常に同じ結果を返す。
func Merge[T comparable](snapshot []T, queue []Op[T]) []T {
	merged := make([]T, 0, len(snapshot)+len(queue))
	present := make(map[T]bool, len(snapshot)+len(queue))

	for _, item := range snapshot {
		if present[item] {
			continue
		}
		present[item] = true
		merged = append(merged, item)
	}

	for _, op := range queue {
		switch op.Type {
		case OpAdd:
			if !present[op.Item] {
				present[op.Item] = true
				merged = append(merged, op.Item)
			}
		case OpRemove:
			if present[op.Item] {
				delete(present, op.Item)
				merged = removeItem(merged, op.Item)
			}
		}
	}

	return merged
}

func removeItem[T comparable](items []T, target T) []T {
	for i, item := range items {
		if item == target {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}
