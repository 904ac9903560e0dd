package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
	"github.com/hitoshi/postsync/internal/post"
	"github.com/hitoshi/postsync/internal/repository"
	"github.com/hitoshi/postsync/internal/txn"
)

// defaultFetchInterval はアカウントに間隔が設定されていない場合のフェッチ間隔。
const defaultFetchInterval = 60 * time.Minute

// PostFetcher は1アカウント分の投稿の取得と保存を行う。post.Serviceが実装する。
type PostFetcher interface {
	FetchAndStore(ctx context.Context, req post.FetchRequest) (*post.FetchReport, error)
}

// FetchRecorder はフェッチ結果のメトリクス記録インターフェース。
type FetchRecorder interface {
	RecordFetchSuccess(platform string)
	RecordFetchFailure(platform string, kind string)
	RecordFetchLatency(duration time.Duration)
}

// Fetcher は個別アカウントのフェッチを実行し、結果に応じてスケジュール状態を更新する。
type Fetcher struct {
	txm             *txn.Manager
	accounts        *repository.AccountRepo
	poster          PostFetcher
	logger          *slog.Logger
	metrics         FetchRecorder
	defaultInterval time.Duration
	now             func() time.Time
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// defaultIntervalが0以下の場合は60分を使用する。metricsがnilの場合は記録しない。
func NewFetcher(
	txm *txn.Manager,
	poster PostFetcher,
	logger *slog.Logger,
	metrics FetchRecorder,
	defaultInterval time.Duration,
) *Fetcher {
	if defaultInterval <= 0 {
		defaultInterval = defaultFetchInterval
	}
	return &Fetcher{
		txm:             txm,
		accounts:        repository.NewAccountRepo(),
		poster:          poster,
		logger:          logger,
		metrics:         metrics,
		defaultInterval: defaultInterval,
		now:             time.Now,
	}
}

// Fetch はアカウントの新しい投稿を取得して保存し、アカウントのフェッチ状態を更新する。
//
// 全件の保存に成功した場合のみSinceIDを進める。一部の保存に失敗した場合は
// パース失敗として数え、次回同じ範囲を再取得する。
func (f *Fetcher) Fetch(ctx context.Context, account *model.PlatformAccount) error {
	start := time.Now()

	report, err := f.poster.FetchAndStore(ctx, post.FetchRequest{
		PlatformID:  account.PlatformID,
		AccountID:   account.AccountID,
		Params:      platform.FetchParams{SinceID: account.SinceID},
		Credentials: account.Credentials,
	})
	duration := time.Since(start)
	f.recordLatency(duration)
	// 停止要求による中断はアカウントの失敗として扱わない
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	now := f.now()

	switch ClassifyError(err) {
	case FetchResultStop:
		reason := fmt.Sprintf("フェッチを停止しました: %s", err.Error())
		f.logger.Warn("アカウントのフェッチを停止します",
			slog.String("account", account.ID),
			slog.String("platform", string(account.PlatformID)),
			slog.String("error", err.Error()),
		)
		ApplyStop(account, reason, now)
		f.recordFailure(account.PlatformID, err)

	case FetchResultBackoff:
		f.logger.Warn("アカウントのフェッチにバックオフを適用します",
			slog.String("account", account.ID),
			slog.String("platform", string(account.PlatformID)),
			slog.Int("consecutive_errors", account.ConsecutiveErrors+1),
			slog.String("error", err.Error()),
		)
		ApplyBackoff(account, fmt.Sprintf("バックオフを適用しました: %s", err.Error()), now)
		f.recordFailure(account.PlatformID, err)

	case FetchResultParseFailure:
		f.logger.Error("フェッチ結果を解釈できませんでした",
			slog.String("account", account.ID),
			slog.String("platform", string(account.PlatformID)),
			slog.String("error", err.Error()),
		)
		ApplyParseFailure(account, err.Error(), f.defaultInterval, now)
		f.recordFailure(account.PlatformID, err)

	case FetchResultOK:
		if report.Failed > 0 {
			ApplyParseFailure(account, fmt.Sprintf("%d件の投稿を保存できませんでした", report.Failed), f.defaultInterval, now)
		} else {
			if report.NewestID != "" {
				account.SinceID = report.NewestID
			}
			ApplySuccess(account, f.defaultInterval, now)
		}
		if f.metrics != nil {
			f.metrics.RecordFetchSuccess(string(account.PlatformID))
		}
		f.logger.Info("アカウントのフェッチが完了しました",
			slog.String("account", account.ID),
			slog.String("platform", string(account.PlatformID)),
			slog.Int("stored", report.Stored),
			slog.Int("skipped", report.Skipped),
			slog.Int("failed", report.Failed),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}

	if updateErr := f.saveFetchState(ctx, account); updateErr != nil {
		f.logger.Error("アカウント状態の更新に失敗しました",
			slog.String("account", account.ID),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}
	if err != nil {
		return fmt.Errorf("fetch of %s failed: %w", account.ID, err)
	}
	return nil
}

// saveFetchState はフェッチ状態のフィールドのみを更新する。
// 認証情報など他のフィールドへの並行した変更は上書きしない。
func (f *Fetcher) saveFetchState(ctx context.Context, account *model.PlatformAccount) error {
	return f.txm.Run(context.WithoutCancel(ctx), func(tx *txn.Tx) error {
		return f.accounts.Update(tx, account.ID, map[string]any{
			"fetchStatus":       account.FetchStatus,
			"consecutiveErrors": account.ConsecutiveErrors,
			"errorMessage":      account.ErrorMessage,
			"nextFetchAt":       account.NextFetchAt,
			"sinceId":           account.SinceID,
			"updatedAt":         account.UpdatedAt,
		})
	})
}

func (f *Fetcher) recordLatency(d time.Duration) {
	if f.metrics != nil {
		f.metrics.RecordFetchLatency(d)
	}
}

func (f *Fetcher) recordFailure(platformID model.PlatformID, err error) {
	if f.metrics != nil {
		f.metrics.RecordFetchFailure(string(platformID), string(platform.KindOf(err)))
	}
}
