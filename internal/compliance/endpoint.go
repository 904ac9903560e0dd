// Package compliance は外部プラットフォームの非同期バッチ監査ジョブを管理する。
// ジョブの投入、ステージングファイルの管理、結果のポーリングと適用を行う。
package compliance

import (
	"context"
	"io"

	"github.com/hitoshi/postsync/internal/model"
)

// SubmitRequest はジョブ投入リクエスト。IDsはアップロードするID一覧の読み出し元。
type SubmitRequest struct {
	Type model.ComplianceJobType
	Name string
	IDs  io.Reader
}

// JobState は外部ジョブの進捗状態。
type JobState string

const (
	JobStatePending  JobState = "pending"
	JobStateComplete JobState = "complete"
	JobStateFailed   JobState = "failed"
)

// Result は外部ジョブが返した1件分の結果。
type Result struct {
	ID     string
	Action string
	Reason string
}

// 結果のAction値。
const (
	ActionDelete  = "delete"
	ActionRetain  = "retain"
	ActionSuspend = "suspend"
)

// Endpoint は外部のバッチ監査APIを表す。
type Endpoint interface {
	// Submit はジョブを投入し、以後の問い合わせに使うハンドルを返す。
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Status はジョブの進捗を返す。
	Status(ctx context.Context, handle string) (JobState, error)
	// Results は完了したジョブの結果を取得する。
	Results(ctx context.Context, handle string) ([]Result, error)
}
