// Package fetch は登録済みアカウントのバックグラウンドフェッチ処理を提供する。
// スケジューラ、フェッチャー、リトライ/バックオフ戦略を含む。
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/repository"
	"github.com/hitoshi/postsync/internal/txn"
)

// AccountFetcher はアカウント単位のフェッチの実行インターフェース。
type AccountFetcher interface {
	// Fetch は指定アカウントをフェッチし、結果に応じてアカウントの状態を更新する。
	Fetch(ctx context.Context, account *model.PlatformAccount) error
}

// Scheduler はアカウントフェッチのスケジューリングと並列制御を行う。
// ティッカーでフェッチ対象アカウントを取得し、
// semaphoreパターンで最大並列数を制御しながらフェッチを実行する。
type Scheduler struct {
	txm            *txn.Manager
	accounts       *repository.AccountRepo
	fetcher        AccountFetcher
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	txm *txn.Manager,
	fetcher AccountFetcher,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Scheduler{
		txm:            txm,
		accounts:       repository.NewAccountRepo(),
		fetcher:        fetcher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("フェッチスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("フェッチサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("フェッチスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("フェッチサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はフェッチ対象アカウントを1回取得し、並列でフェッチを実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	var accounts []*model.PlatformAccount
	err := s.txm.Run(ctx, func(tx *txn.Tx) error {
		var err error
		accounts, err = s.accounts.ListDueForFetch(tx, s.now())
		return err
	})
	if err != nil {
		return err
	}

	if len(accounts) == 0 {
		s.logger.Info("フェッチ対象のアカウントはありません")
		return nil
	}

	s.logger.Info("フェッチサイクルを開始します",
		slog.Int("account_count", len(accounts)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(a *model.PlatformAccount) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.fetcher.Fetch(ctx, a); err != nil {
				s.logger.Error("アカウントのフェッチに失敗しました",
					slog.String("account", a.ID),
					slog.String("platform", string(a.PlatformID)),
					slog.String("error", err.Error()),
				)
			}
		}(account)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("フェッチサイクルが完了しました",
		slog.Int("account_count", len(accounts)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
