package model

import "time"

// FetchStatus はアカウントのフェッチ状態を表す。
type FetchStatus string

const (
	// FetchStatusActive はフェッチが有効な状態。
	FetchStatusActive FetchStatus = "active"
	// FetchStatusStopped はフェッチが停止された状態。
	FetchStatusStopped FetchStatus = "stopped"
)

// Credentials はプラットフォームの認証情報。中身は各アダプタのみが解釈する。
type Credentials struct {
	Token string            `json:"token,omitempty"`
	Extra map[string]string `json:"extra,omitempty"`
}

// PlatformAccount はフェッチ対象となる外部アカウントとそのスケジュール状態。
type PlatformAccount struct {
	ID                string       `json:"id"`
	PlatformID        PlatformID   `json:"platformId"`
	AccountID         string       `json:"accountId"`
	Credentials       *Credentials `json:"credentials,omitempty"`
	FetchStatus       FetchStatus  `json:"fetchStatus"`
	ConsecutiveErrors int          `json:"consecutiveErrors"`
	ErrorMessage      string       `json:"errorMessage,omitempty"`
	IntervalMinutes   int          `json:"intervalMinutes"`
	NextFetchAt       time.Time    `json:"nextFetchAt"`
	// SinceID は前回取得した最新のネイティブ投稿ID。
	SinceID   string    `json:"sinceId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AccountDocID はプラットフォームとアカウントIDから決定的なドキュメントIDを生成する。
func AccountDocID(platform PlatformID, accountID string) string {
	return string(platform) + "-" + accountID
}
