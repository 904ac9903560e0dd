// Package compliance は進行中のコンプライアンスジョブを定期的にポーリングするワーカーを提供する。
package compliance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/postsync/internal/model"
)

// JobPoller はジョブの一覧取得と結果ポーリングのインターフェース。compliance.Managerが実装する。
type JobPoller interface {
	ListInProgress(ctx context.Context) ([]*model.ComplianceJob, error)
	PollResults(ctx context.Context, jobID string) (*model.ComplianceJob, error)
}

// Poller は進行中のジョブを順にポーリングする。
type Poller struct {
	jobs   JobPoller
	logger *slog.Logger
}

// NewPoller はPollerを生成する。
func NewPoller(jobs JobPoller, logger *slog.Logger) *Poller {
	return &Poller{jobs: jobs, logger: logger}
}

// Start は指定間隔のティッカーでポーリングを行う。
// コンテキストがキャンセルされるまで実行を継続する。
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("コンプライアンスポーラーを開始しました",
		slog.Duration("interval", interval),
	)

	p.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("コンプライアンスポーラーを停止しました")
			return
		case <-ticker.C:
			p.runLogged(ctx)
		}
	}
}

func (p *Poller) runLogged(ctx context.Context) {
	if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("コンプライアンスジョブのポーリングに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は進行中の全ジョブを1回ずつポーリングする。
// 個別ジョブの失敗は記録するのみで、残りのジョブのポーリングを続ける。
func (p *Poller) RunOnce(ctx context.Context) error {
	jobs, err := p.jobs.ListInProgress(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	var completed, failed int
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		polled, err := p.jobs.PollResults(ctx, job.ID)
		if err != nil {
			// 結果取得の失敗はジョブがfailedとして記録済み
			if !errors.Is(err, model.ErrJobResultFetchFailed) {
				p.logger.Error("ジョブのポーリングに失敗しました",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			failed++
			continue
		}
		if polled.Status == model.ComplianceJobStatusCompleted {
			completed++
		}
	}

	p.logger.Info("コンプライアンスジョブのポーリングが完了しました",
		slog.Int("job_count", len(jobs)),
		slog.Int("completed", completed),
		slog.Int("failed", failed),
	)
	return nil
}
