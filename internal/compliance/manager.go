package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/repository"
	"github.com/hitoshi/postsync/internal/txn"
)

// Recorder はジョブの状態遷移を記録するメトリクスインターフェース。
type Recorder interface {
	RecordComplianceJob(status string)
}

// Manager はコンプライアンスジョブの投入とポーリングを行う。
type Manager struct {
	txm      *txn.Manager
	jobs     *repository.ComplianceJobRepo
	mirrors  *repository.PlatformPostRepo
	posts    *repository.PostRepo
	accounts *repository.AccountRepo
	endpoint Endpoint
	platform model.PlatformID
	stager   Stager
	logger   *slog.Logger
	metrics  Recorder
	now      func() time.Time
}

// NewManager はManagerの新しいインスタンスを生成する。
// endpointはplatformのバッチ監査APIであること。metricsがnilの場合は記録しない。
func NewManager(
	txm *txn.Manager,
	endpoint Endpoint,
	platform model.PlatformID,
	stager Stager,
	logger *slog.Logger,
	metrics Recorder,
) *Manager {
	return &Manager{
		txm:      txm,
		jobs:     repository.NewComplianceJobRepo(),
		mirrors:  repository.NewPlatformPostRepo(),
		posts:    repository.NewPostRepo(),
		accounts: repository.NewAccountRepo(),
		endpoint: endpoint,
		platform: platform,
		stager:   stager,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Platform は監査対象のプラットフォームを返す。
func (m *Manager) Platform() model.PlatformID {
	return m.platform
}

// Submit はID一覧をステージングしてジョブを投入し、in_progressのジョブを永続化して返す。
// 投入に失敗した場合はステージングを解放し、model.JobSubmissionFailedErrorを返す。
func (m *Manager) Submit(ctx context.Context, jobType model.ComplianceJobType, ids []string) (*model.ComplianceJob, error) {
	if jobType != model.ComplianceJobTypePosts && jobType != model.ComplianceJobTypeAccounts {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("unknown compliance job type %q", jobType))
	}
	if len(ids) == 0 {
		return nil, model.NewInvalidRequestError("ids must not be empty")
	}

	path, err := m.stager.Stage(ids)
	if err != nil {
		return nil, &model.JobSubmissionFailedError{Type: jobType, Cause: err}
	}

	id := uuid.NewString()
	name := fmt.Sprintf("postsync-%s-%s", jobType, id)
	handle, err := m.submit(ctx, jobType, name, path)
	if err != nil {
		m.release(path)
		m.logger.Error("コンプライアンスジョブの投入に失敗しました",
			slog.String("type", string(jobType)),
			slog.Int("ids", len(ids)),
			slog.String("error", err.Error()),
		)
		return nil, &model.JobSubmissionFailedError{Type: jobType, Cause: err}
	}

	nowMs := m.now().UnixMilli()
	job := &model.ComplianceJob{
		ID:           id,
		PlatformID:   m.platform,
		Type:         jobType,
		Name:         name,
		Handle:       handle,
		SubmittedIDs: ids,
		Status:       model.ComplianceJobStatusInProgress,
		StagingPath:  path,
		CreatedAtMs:  nowMs,
		UpdatedAtMs:  nowMs,
	}
	if err := m.txm.Run(ctx, func(tx *txn.Tx) error {
		return m.jobs.Create(tx, job)
	}); err != nil {
		m.release(path)
		return nil, fmt.Errorf("failed to save compliance job: %w", err)
	}

	m.record(job.Status)
	m.logger.Info("コンプライアンスジョブを投入しました",
		slog.String("job_id", job.ID),
		slog.String("handle", handle),
		slog.String("type", string(jobType)),
		slog.Int("ids", len(ids)),
	)
	return job, nil
}

func (m *Manager) submit(ctx context.Context, jobType model.ComplianceJobType, name, path string) (string, error) {
	f, err := m.stager.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()
	return m.endpoint.Submit(ctx, SubmitRequest{Type: jobType, Name: name, IDs: f})
}

// Get はジョブを取得する。
func (m *Manager) Get(ctx context.Context, jobID string) (*model.ComplianceJob, error) {
	var job *model.ComplianceJob
	err := m.txm.Run(ctx, func(tx *txn.Tx) error {
		var err error
		job, err = m.jobs.Get(tx, jobID)
		return err
	})
	return job, err
}

// ListInProgress は結果未取得のジョブを返す。
func (m *Manager) ListInProgress(ctx context.Context) ([]*model.ComplianceJob, error) {
	var jobs []*model.ComplianceJob
	err := m.txm.Run(ctx, func(tx *txn.Tx) error {
		var err error
		jobs, err = m.jobs.ListInProgress(tx)
		return err
	})
	return jobs, err
}

// PollResults はジョブの進捗を確認し、完了していれば結果を取得して適用する。
//
// 外部ジョブが未完了の場合はジョブをそのまま返す。
// 完了または失敗した場合は、結果取得の成否にかかわらずステージングを1回だけ解放する。
// 結果を取得できなかった場合はジョブをfailedにしてmodel.JobResultFetchFailedErrorを返す。
// 終端状態のジョブに対しては何もしない。
func (m *Manager) PollResults(ctx context.Context, jobID string) (*model.ComplianceJob, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	state, err := m.endpoint.Status(ctx, job.Handle)
	if err != nil {
		return nil, fmt.Errorf("failed to check status of compliance job %s: %w", job.ID, err)
	}
	if state == JobStatePending {
		m.logger.Debug("コンプライアンスジョブは未完了です", slog.String("job_id", job.ID))
		return job, nil
	}

	defer m.release(job.StagingPath)

	var results []Result
	if state == JobStateFailed {
		err = errors.New("job failed on platform")
	} else {
		results, err = m.endpoint.Results(ctx, job.Handle)
	}
	if err != nil {
		fetchErr := &model.JobResultFetchFailedError{JobID: job.ID, Cause: err}
		failed, markErr := m.markFailed(ctx, job.ID, err)
		if markErr != nil {
			return nil, errors.Join(fetchErr, markErr)
		}
		m.logger.Error("コンプライアンスジョブの結果取得に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return failed, fetchErr
	}

	completed, err := m.complete(ctx, job.ID, results)
	if err != nil {
		return nil, err
	}
	m.logger.Info("コンプライアンスジョブの結果を適用しました",
		slog.String("job_id", job.ID),
		slog.Int("results", len(results)),
	)
	return completed, nil
}

// release はステージングを解放する。失敗はログに記録するのみ。
func (m *Manager) release(path string) {
	if path == "" {
		return
	}
	if err := m.stager.Release(path); err != nil {
		m.logger.Warn("ステージングファイルの解放に失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) markFailed(ctx context.Context, jobID string, cause error) (*model.ComplianceJob, error) {
	var job *model.ComplianceJob
	err := m.txm.Run(ctx, func(tx *txn.Tx) error {
		var err error
		job, err = m.jobs.Get(tx, jobID)
		if err != nil {
			return err
		}
		job.Status = model.ComplianceJobStatusFailed
		job.ErrorMessage = cause.Error()
		job.StagingPath = ""
		job.UpdatedAtMs = m.now().UnixMilli()
		return m.jobs.Upsert(tx, job)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark compliance job %s as failed: %w", jobID, err)
	}
	m.record(job.Status)
	return job, nil
}

// complete は結果をジョブに記録し、削除・停止の指示をミラーとアカウントに反映する。
func (m *Manager) complete(ctx context.Context, jobID string, results []Result) (*model.ComplianceJob, error) {
	var job *model.ComplianceJob
	err := m.txm.Run(ctx, func(tx *txn.Tx) error {
		var err error
		job, err = m.jobs.Get(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}

		outcomes := make([]model.ComplianceOutcome, 0, len(results))
		for _, r := range results {
			outcomes = append(outcomes, model.ComplianceOutcome{ID: r.ID, Outcome: r.Action})
			if err := m.apply(tx, job, r); err != nil {
				return err
			}
		}

		job.Status = model.ComplianceJobStatusCompleted
		job.Results = outcomes
		job.StagingPath = ""
		job.UpdatedAtMs = m.now().UnixMilli()
		return m.jobs.Upsert(tx, job)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply results of compliance job %s: %w", jobID, err)
	}
	m.record(job.Status)
	return job, nil
}

func (m *Manager) apply(tx *txn.Tx, job *model.ComplianceJob, r Result) error {
	switch job.Type {
	case model.ComplianceJobTypePosts:
		if r.Action != ActionDelete {
			return nil
		}
		return m.removeMirrors(tx, job.PlatformID, r.ID)
	case model.ComplianceJobTypeAccounts:
		if r.Action != ActionDelete && r.Action != ActionSuspend {
			return nil
		}
		return m.stopAccount(tx, job.PlatformID, r)
	}
	return nil
}

// removeMirrors はプラットフォーム側で削除された投稿のミラーを削除し、投稿からの参照を外す。
func (m *Manager) removeMirrors(tx *txn.Tx, platform model.PlatformID, postedID string) error {
	mirrors, err := m.mirrors.FindByPostedID(tx, platform, postedID)
	if err != nil {
		return err
	}
	for _, mirror := range mirrors {
		if err := m.mirrors.Delete(tx, mirror.ID); err != nil {
			return err
		}
		post, err := m.posts.Find(tx, mirror.PostID)
		if err != nil {
			return err
		}
		if post == nil {
			continue
		}
		post.RemoveMirror(mirror.ID)
		if err := m.posts.Upsert(tx, post); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) stopAccount(tx *txn.Tx, platform model.PlatformID, r Result) error {
	account, err := m.accounts.Find(tx, model.AccountDocID(platform, r.ID))
	if err != nil || account == nil {
		return err
	}
	account.FetchStatus = model.FetchStatusStopped
	account.ErrorMessage = fmt.Sprintf("compliance: account %s", r.Action)
	account.UpdatedAt = m.now()
	return m.accounts.Upsert(tx, account)
}

// PurgeTerminal は終端状態で、最終更新がbefore以前のジョブを削除し、削除件数を返す。
func (m *Manager) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := m.txm.Run(ctx, func(tx *txn.Tx) error {
		purged = 0
		jobs, err := m.jobs.Query(tx, func(j *model.ComplianceJob) bool {
			return j.Status.IsTerminal() && j.UpdatedAtMs <= before.UnixMilli()
		})
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if err := m.jobs.Delete(tx, job.ID); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge compliance jobs: %w", err)
	}
	return purged, nil
}

func (m *Manager) record(status model.ComplianceJobStatus) {
	if m.metrics != nil {
		m.metrics.RecordComplianceJob(string(status))
	}
}
