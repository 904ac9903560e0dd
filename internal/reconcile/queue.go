package reconcile

import "sync"

// Queue は1エンティティ分の編集キュー。並行に使用しても安全。
type Queue[T comparable] struct {
	mu  sync.Mutex
	ops []Op[T]

	// applyMu はApplyとReconcileを直列化する。muより先に取得する。
	applyMu sync.Mutex
	// users はRegistry経由で統合中・統合待ちの呼び出し数。Registry.muで保護する。
	users int
}

// Push は操作を末尾に追加する。キューは並べ替えも重複排除もしない。
func (q *Queue[T]) Push(op Op[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
}

// Add は追加操作を積む。
func (q *Queue[T]) Add(item T) { q.Push(Add(item)) }

// Remove は削除操作を積む。
func (q *Queue[T]) Remove(item T) { q.Push(Remove(item)) }

// Pending は積まれている操作のコピーを返す。
func (q *Queue[T]) Pending() []Op[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Op[T](nil), q.ops...)
}

// Len は積まれている操作の件数を返す。
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Drop は先頭からn件の操作を取り除く。
// Pendingで取り出した操作を統合・永続化した後に呼び出すことで、
// その間に積まれた新しい操作は次回の統合に残る。
func (q *Queue[T]) Drop(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n >= len(q.ops) {
		q.ops = nil
		return
	}
	q.ops = append([]Op[T](nil), q.ops[n:]...)
}

// Apply は保留中の操作を渡してfnを実行し、fnが成功した場合のみそれらの操作を取り除く。
// 同じキューに対するApplyとReconcileは1件ずつ実行されるため、
// 別の統合が取り出した操作を取り除くことはない。fnの実行中に積まれた操作は残る。
func (q *Queue[T]) Apply(fn func(pending []Op[T]) error) error {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()

	pending := q.Pending()
	if err := fn(pending); err != nil {
		return err
	}
	q.Drop(len(pending))
	return nil
}

// Reconcile はスナップショットと現在のキューを統合し、統合に使った操作をキューから取り除く。
func (q *Queue[T]) Reconcile(snapshot []T) []T {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := Merge(snapshot, q.ops)
	q.ops = nil
	return merged
}

// Registry はエンティティIDごとの編集キューを保持する。
// キューは操作が積まれた時に作られ、空になって統合中の呼び出しがなくなった時点で破棄される。
type Registry[T comparable] struct {
	mu     sync.Mutex
	queues map[string]*Queue[T]
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry[T comparable]() *Registry[T] {
	return &Registry[T]{queues: make(map[string]*Queue[T])}
}

// Push は指定エンティティのキューに操作を積む。キューがなければ作成する。
func (r *Registry[T]) Push(entityID string, op Op[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueLocked(entityID).Push(op)
}

// Pending は指定エンティティの保留中の操作を返す。キューがなければnilを返し、作成もしない。
func (r *Registry[T]) Pending(entityID string) []Op[T] {
	r.mu.Lock()
	q, ok := r.queues[entityID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return q.Pending()
}

// Apply は指定エンティティのキューに対してQueue.Applyを実行する。
// 同じエンティティへの呼び出しは直列化される。終了時にキューが空であれば破棄する。
func (r *Registry[T]) Apply(entityID string, fn func(pending []Op[T]) error) error {
	r.mu.Lock()
	q := r.queueLocked(entityID)
	q.users++
	r.mu.Unlock()

	err := q.Apply(fn)

	r.mu.Lock()
	q.users--
	r.forgetLocked(entityID, q)
	r.mu.Unlock()
	return err
}

// Forget はキューが空で統合中の呼び出しがなければエントリを破棄する。
func (r *Registry[T]) Forget(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[entityID]; ok {
		r.forgetLocked(entityID, q)
	}
}

// Len は保持しているキューの数を返す。
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// queueLocked はキューを返す。存在しなければ作成する。r.mu保持中に呼ぶこと。
func (r *Registry[T]) queueLocked(entityID string) *Queue[T] {
	q, ok := r.queues[entityID]
	if !ok {
		q = &Queue[T]{}
		r.queues[entityID] = q
	}
	return q
}

func (r *Registry[T]) forgetLocked(entityID string, q *Queue[T]) {
	if q.users == 0 && q.Len() == 0 && r.queues[entityID] == q {
		delete(r.queues, entityID)
	}
}
