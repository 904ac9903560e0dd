// Package txn はドキュメントストア上の原子的な作業単位（トランザクション）を提供する。
// 競合検出時は作業単位全体を最初から再実行する。
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/store"
)

const (
	// defaultMaxAttempts は競合時の最大試行回数のデフォルト値。
	defaultMaxAttempts = 5
	// defaultBaseDelay は再試行間隔の基準値のデフォルト値。
	defaultBaseDelay = 20 * time.Millisecond
)

// RetryRecorder はトランザクション再試行のメトリクス記録インターフェース。
type RetryRecorder interface {
	RecordTxRetry()
	RecordTxConflict()
}

// Config はManagerの設定。
type Config struct {
	// MaxAttempts は競合時の最大試行回数。0以下の場合はデフォルト値5を使用する。
	MaxAttempts int
	// BaseDelay は再試行間隔の基準値。試行ごとに倍増し、ジッターが加わる。0の場合は待機しない。
	BaseDelay time.Duration
}

// Manager はトランザクションの実行と再試行を管理する。
type Manager struct {
	store       store.Store
	logger      *slog.Logger
	metrics     RetryRecorder
	maxAttempts int
	baseDelay   time.Duration
}

// NewManager はManagerの新しいインスタンスを生成する。
// metricsがnilの場合はメトリクスを記録しない。
func NewManager(st store.Store, logger *slog.Logger, metrics RetryRecorder, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	return &Manager{
		store:       st,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
	}
}

// Run はfnを1つの作業単位として実行する。
//
// fnがnilを返すと、fn内でステージングした書き込みが原子的にコミットされる。
// fnがエラーを返した場合は何もコミットせずにそのエラーを返す。
// コミット時（またはfn内）でstore.ErrConflictが発生した場合はfnを最初から再実行し、
// MaxAttemptsを超えた場合はmodel.TransactionConflictErrorを返す。
// fnは再実行されうるため、外部への副作用を含めてはならない。
func (m *Manager) Run(ctx context.Context, fn func(tx *Tx) error) error {
	var lastConflict error

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if attempt > 1 {
			if m.metrics != nil {
				m.metrics.RecordTxRetry()
			}
			if err := m.wait(ctx, attempt); err != nil {
				return err
			}
		}

		tx := newTx(ctx, m.store)
		if err := fn(tx); err != nil {
			if errors.Is(err, store.ErrConflict) {
				lastConflict = err
				continue
			}
			return err
		}

		writes := tx.commitWrites()
		if len(writes) == 0 {
			return nil
		}

		err := m.store.Commit(ctx, tx.preconditions(), writes)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		lastConflict = err
		m.logger.Debug("トランザクションが競合したため再試行します",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.maxAttempts),
			slog.Int("writes", len(writes)),
		)
	}

	if m.metrics != nil {
		m.metrics.RecordTxConflict()
	}
	m.logger.Warn("トランザクションの競合が再試行上限に達しました",
		slog.Int("max_attempts", m.maxAttempts),
	)
	return &model.TransactionConflictError{Attempts: m.maxAttempts, Cause: lastConflict}
}

// wait は再試行前に指数バックオフ＋ジッター分待機する。
func (m *Manager) wait(ctx context.Context, attempt int) error {
	if m.baseDelay == 0 {
		return nil
	}
	delay := m.baseDelay << (attempt - 2)
	delay += time.Duration(rand.Int64N(int64(m.baseDelay)))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
