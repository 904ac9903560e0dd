// Package platform は外部プラットフォームを一様に扱うためのアダプタ契約とレジストリを提供する。
// どのプラットフォームが存在するかを知っているのはレジストリだけである。
package platform

import (
	"context"
	"encoding/json"

	"github.com/hitoshi/postsync/internal/model"
)

// FetchParams はフェッチ条件。ゼロ値のフィールドは指定なしを表す。
type FetchParams struct {
	SinceID    string
	UntilID    string
	MaxResults int
	// StartTimeMs と EndTimeMs はUNIXミリ秒。
	StartTimeMs int64
	EndTimeMs   int64
}

// NativePost はプラットフォーム固有形式の投稿。Bodyの解釈はアダプタのみが行う。
type NativePost struct {
	Platform    model.PlatformID `json:"platform"`
	PostID      string           `json:"postId"`
	AccountID   string           `json:"accountId"`
	CreatedAtMs int64            `json:"createdAtMs"`
	URL         string           `json:"url,omitempty"`
	Body        json.RawMessage  `json:"body"`
}

// Account は下書きの投稿先アカウント。
type Account struct {
	AccountID   string
	Credentials *model.Credentials
}

// NativeDraft はプラットフォーム固有形式の下書き。
type NativeDraft struct {
	Platform    model.PlatformID
	PostID      string // 元となったGenericPostのID
	AccountID   string
	Credentials *model.Credentials
	Content     json.RawMessage
}

// Profile は外部アカウントのプロフィール。
type Profile struct {
	Platform    model.PlatformID `json:"platform"`
	AccountID   string           `json:"accountId"`
	Username    string           `json:"username"`
	DisplayName string           `json:"displayName"`
	AvatarURL   string           `json:"avatarUrl,omitempty"`
	Description string           `json:"description,omitempty"`
}

// Adapter は1つのプラットフォームが実装する機能セット。
// ネットワークを伴う操作はキャンセル可能なコンテキストを受け取る。
type Adapter interface {
	// ID はプラットフォーム識別子を返す。
	ID() model.PlatformID

	// Fetch はアカウントの投稿を取得する。credsがnilの場合はアプリケーション認証を使用する。
	Fetch(ctx context.Context, accountID string, params FetchParams, creds *model.Credentials) ([]NativePost, error)

	// ConvertToGeneric はネイティブ投稿をGenericPostの部分データに変換する。
	ConvertToGeneric(native NativePost) (*model.GenericPostFragment, error)

	// ConvertFromGeneric はGenericPostを投稿先アカウント向けのネイティブ下書きに変換する。
	ConvertFromGeneric(post *model.GenericPost, target Account) (*NativeDraft, error)

	// Publish は下書きを投稿し、投稿済み状態のミラー情報を返す。
	Publish(ctx context.Context, draft *NativeDraft) (*model.Posted, error)

	// GetProfile はアカウントのプロフィールを取得する。
	GetProfile(ctx context.Context, accountID string, creds *model.Credentials) (*Profile, error)
}
