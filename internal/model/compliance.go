package model

// ComplianceJobType はコンプライアンスジョブの対象種別。
type ComplianceJobType string

const (
	ComplianceJobTypePosts    ComplianceJobType = "posts"
	ComplianceJobTypeAccounts ComplianceJobType = "accounts"
)

// ComplianceJobStatus はコンプライアンスジョブの状態。
type ComplianceJobStatus string

const (
	ComplianceJobStatusInProgress ComplianceJobStatus = "in_progress"
	ComplianceJobStatusCompleted  ComplianceJobStatus = "completed"
	ComplianceJobStatusFailed     ComplianceJobStatus = "failed"
)

// IsTerminal は状態が終端かを返す。
func (s ComplianceJobStatus) IsTerminal() bool {
	return s == ComplianceJobStatusCompleted || s == ComplianceJobStatusFailed
}

// ComplianceOutcome は1件ごとのチェック結果。
type ComplianceOutcome struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

// ComplianceJob は外部プラットフォームへ投入した非同期バッチ監査ジョブ。
type ComplianceJob struct {
	ID           string              `json:"id"`
	PlatformID   PlatformID          `json:"platformId"`
	Type         ComplianceJobType   `json:"type"`
	Name         string              `json:"name"`
	Handle       string              `json:"handle"`
	SubmittedIDs []string            `json:"submittedIds"`
	Status       ComplianceJobStatus `json:"status"`
	StagingPath  string              `json:"stagingPath,omitempty"`
	Results      []ComplianceOutcome `json:"results,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	CreatedAtMs  int64               `json:"createdAtMs"`
	UpdatedAtMs  int64               `json:"updatedAtMs"`
}
