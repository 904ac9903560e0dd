// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ドメインエラーの種別。errors.Isで判定する。
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrTransactionConflict  = errors.New("transaction conflict")
	ErrUnknownPlatform      = errors.New("unknown platform")
	ErrPlatformAdapter      = errors.New("platform adapter error")
	ErrJobSubmissionFailed  = errors.New("compliance job submission failed")
	ErrJobResultFetchFailed = errors.New("compliance job result fetch failed")
	ErrInvalidState         = errors.New("invalid state")
	ErrUnsupported          = errors.New("unsupported operation")
)

// NotFoundError はコレクション内にドキュメントが存在しないことを表す。
type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s: not found", e.Collection, e.ID)
}

// Is はErrNotFoundとの比較を可能にする。
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// AlreadyExistsError は作成対象のドキュメントが既に存在することを表す。
type AlreadyExistsError struct {
	Collection string
	ID         string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s/%s: already exists", e.Collection, e.ID)
}

// Is はErrAlreadyExistsとの比較を可能にする。
func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// TransactionConflictError はリトライ上限までトランザクションが競合し続けたことを表す。
type TransactionConflictError struct {
	Attempts int
	Cause    error
}

func (e *TransactionConflictError) Error() string {
	return fmt.Sprintf("transaction conflict after %d attempts: %v", e.Attempts, e.Cause)
}

// Is はErrTransactionConflictとの比較を可能にする。
func (e *TransactionConflictError) Is(target error) bool { return target == ErrTransactionConflict }

// Unwrap は最後の競合原因を返す。
func (e *TransactionConflictError) Unwrap() error { return e.Cause }

// UnknownPlatformError はレジストリに登録されていないプラットフォームを表す。
type UnknownPlatformError struct {
	Platform PlatformID
}

func (e *UnknownPlatformError) Error() string {
	return fmt.Sprintf("unknown platform: %s", e.Platform)
}

// Is はErrUnknownPlatformとの比較を可能にする。
func (e *UnknownPlatformError) Is(target error) bool { return target == ErrUnknownPlatform }

// AdapterErrorKind は呼び出し側のリトライ判断に使うアダプタエラーの分類。
type AdapterErrorKind string

const (
	AdapterErrorRateLimited  AdapterErrorKind = "rate_limited"
	AdapterErrorUnauthorized AdapterErrorKind = "unauthorized"
	AdapterErrorNotFound     AdapterErrorKind = "not_found"
	AdapterErrorUnavailable  AdapterErrorKind = "unavailable"
	AdapterErrorMalformed    AdapterErrorKind = "malformed"
	AdapterErrorUnknown      AdapterErrorKind = "unknown"
)

// PlatformAdapterError はアダプタ由来のエラーをプラットフォーム情報付きで包む。
type PlatformAdapterError struct {
	Platform PlatformID
	Op       string
	Kind     AdapterErrorKind
	Cause    error
}

func (e *PlatformAdapterError) Error() string {
	return fmt.Sprintf("%s %s failed (%s): %v", e.Platform, e.Op, e.Kind, e.Cause)
}

// Is はErrPlatformAdapterとの比較を可能にする。
func (e *PlatformAdapterError) Is(target error) bool { return target == ErrPlatformAdapter }

// Unwrap は上流の原因を返す。
func (e *PlatformAdapterError) Unwrap() error { return e.Cause }

// JobSubmissionFailedError はコンプライアンスジョブの投入失敗を表す。
type JobSubmissionFailedError struct {
	Type  ComplianceJobType
	Cause error
}

func (e *JobSubmissionFailedError) Error() string {
	return fmt.Sprintf("failed to submit %s compliance job: %v", e.Type, e.Cause)
}

// Is はErrJobSubmissionFailedとの比較を可能にする。
func (e *JobSubmissionFailedError) Is(target error) bool { return target == ErrJobSubmissionFailed }

// Unwrap は原因を返す。
func (e *JobSubmissionFailedError) Unwrap() error { return e.Cause }

// JobResultFetchFailedError はコンプライアンスジョブ結果の取得失敗を表す。
type JobResultFetchFailedError struct {
	JobID string
	Cause error
}

func (e *JobResultFetchFailedError) Error() string {
	return fmt.Sprintf("failed to fetch results of compliance job %s: %v", e.JobID, e.Cause)
}

// Is はErrJobResultFetchFailedとの比較を可能にする。
func (e *JobResultFetchFailedError) Is(target error) bool { return target == ErrJobResultFetchFailed }

// Unwrap は原因を返す。
func (e *JobResultFetchFailedError) Unwrap() error { return e.Cause }

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, platform, storage, compliance, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAlreadyExists        = "ALREADY_EXISTS"
	ErrCodeTransactionConflict  = "TRANSACTION_CONFLICT"
	ErrCodeUnknownPlatform      = "UNKNOWN_PLATFORM"
	ErrCodePlatformError        = "PLATFORM_ERROR"
	ErrCodeJobSubmissionFailed  = "JOB_SUBMISSION_FAILED"
	ErrCodeJobResultFetchFailed = "JOB_RESULT_FETCH_FAILED"
	ErrCodeInvalidState         = "INVALID_STATE"
	ErrCodeUnsupported          = "UNSUPPORTED"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
)

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	}
}

// ToAPIError はドメインエラーをAPIエラーに変換する。
// 対応する種別がない場合はnilを返す（内部エラーとして扱う）。
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return &APIError{
			Code:     ErrCodeNotFound,
			Message:  err.Error(),
			Category: "storage",
			Action:   "IDを確認してください。",
		}
	case errors.Is(err, ErrAlreadyExists):
		return &APIError{
			Code:     ErrCodeAlreadyExists,
			Message:  err.Error(),
			Category: "storage",
			Action:   "既存のデータを確認してください。",
		}
	case errors.Is(err, ErrTransactionConflict):
		return &APIError{
			Code:     ErrCodeTransactionConflict,
			Message:  "同時更新が競合したため処理を完了できませんでした。",
			Category: "storage",
			Action:   "しばらく待ってから再度お試しください。",
		}
	case errors.Is(err, ErrUnknownPlatform):
		return &APIError{
			Code:     ErrCodeUnknownPlatform,
			Message:  err.Error(),
			Category: "validation",
			Action:   "対応しているプラットフォームを指定してください。",
		}
	case errors.Is(err, ErrUnsupported):
		return &APIError{
			Code:     ErrCodeUnsupported,
			Message:  err.Error(),
			Category: "platform",
			Action:   "このプラットフォームではこの操作を利用できません。",
		}
	case errors.Is(err, ErrPlatformAdapter):
		return &APIError{
			Code:     ErrCodePlatformError,
			Message:  err.Error(),
			Category: "platform",
			Action:   "プラットフォーム側の状態を確認し、しばらく待ってから再度お試しください。",
		}
	case errors.Is(err, ErrJobSubmissionFailed):
		return &APIError{
			Code:     ErrCodeJobSubmissionFailed,
			Message:  err.Error(),
			Category: "compliance",
			Action:   "しばらく待ってから再度投入してください。",
		}
	case errors.Is(err, ErrJobResultFetchFailed):
		return &APIError{
			Code:     ErrCodeJobResultFetchFailed,
			Message:  err.Error(),
			Category: "compliance",
			Action:   "ジョブを再投入してください。",
		}
	case errors.Is(err, ErrInvalidState):
		return &APIError{
			Code:     ErrCodeInvalidState,
			Message:  err.Error(),
			Category: "validation",
			Action:   "対象の状態を確認してください。",
		}
	}
	return nil
}
