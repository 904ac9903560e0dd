package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PublishOrigin はミラーの生成元を表す。
type PublishOrigin string

const (
	// PublishOriginFetched はプラットフォームから取得したミラー。
	PublishOriginFetched PublishOrigin = "fetched"
	// PublishOriginDrafted は再投稿用に作成したミラー。
	PublishOriginDrafted PublishOrigin = "drafted"
)

// PublishStatus はミラーの投稿状態を表す。
type PublishStatus string

const (
	PublishStatusDraft           PublishStatus = "draft"
	PublishStatusPendingApproval PublishStatus = "pending_approval"
	PublishStatusApproved        PublishStatus = "approved"
	// PublishStatusPublishing はプラットフォームへの投稿中。1件のPublishDraftだけが取得できる。
	PublishStatusPublishing      PublishStatus = "publishing"
	PublishStatusPublished       PublishStatus = "published"
	PublishStatusFailed          PublishStatus = "failed"
)

// HasDraft はステータスが下書きペイロードを持つべき状態かを返す。
func (s PublishStatus) HasDraft() bool {
	switch s {
	case PublishStatusDraft, PublishStatusPendingApproval, PublishStatusApproved, PublishStatusPublishing:
		return true
	}
	return false
}

// ApprovalStatus は下書きの承認サブステータス。
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
)

// Draft はプラットフォーム固有形式の下書き。
type Draft struct {
	// Content はプラットフォームネイティブの下書き本文（アダプタ固有のJSON）。
	Content   json.RawMessage `json:"content"`
	Approval  ApprovalStatus  `json:"approval"`
	AccountID string          `json:"accountId"`
}

// Posted は投稿済みミラーの投稿情報。
type Posted struct {
	PostID     string `json:"postId"`
	AccountID  string `json:"accountId"`
	PostedAtMs int64  `json:"postedAtMs"`
	URL        string `json:"url,omitempty"`
}

// PlatformPostMirror はGenericPostのプラットフォーム・アカウント単位の実体。
type PlatformPostMirror struct {
	ID            string        `json:"id"`
	PostID        string        `json:"postId"`
	PlatformID    PlatformID    `json:"platformId"`
	AccountID     string        `json:"accountId"`
	PublishOrigin PublishOrigin `json:"publishOrigin"`
	PublishStatus PublishStatus `json:"publishStatus"`
	Draft         *Draft        `json:"draft,omitempty"`
	Posted        *Posted       `json:"posted,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`
	// Claim はpublishing状態のミラーを投稿中の処理を識別する。
	Claim         *PublishClaim `json:"claim,omitempty"`
}

// PublishClaim は投稿処理がミラーを確保したことを表す。
type PublishClaim struct {
	ID          string `json:"id"`
	ClaimedAtMs int64  `json:"claimedAtMs"`
}

// MirrorID はプラットフォーム、アカウント、投稿IDから決定的なミラーIDを生成する。
func MirrorID(platform PlatformID, accountID, postID string) string {
	return strings.Join([]string{string(platform), accountID, postID}, "-")
}

// Validate はミラーの不変条件を検証する。
// postedはPublishedの時のみ、draftは下書き系ステータスの時のみ設定される。
func (m *PlatformPostMirror) Validate() error {
	if (m.Posted != nil) != (m.PublishStatus == PublishStatusPublished) {
		return fmt.Errorf("mirror %s: posted must be set iff status is published (status=%s)", m.ID, m.PublishStatus)
	}
	if (m.Draft != nil) != m.PublishStatus.HasDraft() {
		return fmt.Errorf("mirror %s: draft must be set iff status is a draft state (status=%s)", m.ID, m.PublishStatus)
	}
	if (m.Claim != nil) != (m.PublishStatus == PublishStatusPublishing) {
		return fmt.Errorf("mirror %s: claim must be set iff status is publishing (status=%s)", m.ID, m.PublishStatus)
	}
	return nil
}

// MarkPublishing は投稿処理がミラーを確保したことを反映する。下書きは投稿完了まで保持する。
func (m *PlatformPostMirror) MarkPublishing(claim *PublishClaim) {
	m.PublishStatus = PublishStatusPublishing
	m.Claim = claim
}

// MarkPublished は投稿成功を反映する。下書きは破棄される。
func (m *PlatformPostMirror) MarkPublished(posted *Posted) {
	m.PublishStatus = PublishStatusPublished
	m.Posted = posted
	m.Draft = nil
	m.Claim = nil
	m.FailureReason = ""
}

// MarkFailed は投稿失敗を反映する。
func (m *PlatformPostMirror) MarkFailed(reason string) {
	m.PublishStatus = PublishStatusFailed
	m.Posted = nil
	m.Draft = nil
	m.Claim = nil
	m.FailureReason = reason
}
