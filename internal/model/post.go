// Package model はドメインモデルを定義する。
package model

// PlatformID は連携先プラットフォームの識別子を表す。
type PlatformID string

const (
	// PlatformTwitter はX(旧Twitter)を表す。
	PlatformTwitter PlatformID = "twitter"
	// PlatformMastodon はMastodonを表す。
	PlatformMastodon PlatformID = "mastodon"
	// PlatformRSS はRSS/Atomフィードを表す。読み取り専用。
	PlatformRSS PlatformID = "rss"
)

// ParsingStatus は投稿のセマンティクス解析の進捗を表す。
type ParsingStatus string

const (
	ParsingStatusIdle       ParsingStatus = "idle"
	ParsingStatusProcessing ParsingStatus = "processing"
	ParsingStatusDone       ParsingStatus = "done"
	ParsingStatusErrored    ParsingStatus = "errored"
)

// ReviewStatus はユーザーによるレビュー状態を表す。
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusReviewed ReviewStatus = "reviewed"
	ReviewStatusIgnored  ReviewStatus = "ignored"
)

// RepublishStatus は他プラットフォームへの再投稿の進捗を表す。
type RepublishStatus string

const (
	RepublishStatusPending         RepublishStatus = "pending"
	RepublishStatusPartlyPublished RepublishStatus = "partly_published"
	RepublishStatusPublished       RepublishStatus = "published"
	RepublishStatusFailed          RepublishStatus = "failed"
)

// Segment はスレッドを構成する1要素を表す。
type Segment struct {
	Text string `json:"text"`
}

// Semantics は投稿から導出された構造化アノテーション。
type Semantics struct {
	Keywords []string `json:"keywords,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	// Refs は正規化済みの参照URL。
	Refs []string `json:"refs,omitempty"`
}

// GenericPost はプラットフォームに依存しない正規化済みの投稿を表す。
// OriginPlatformは常に1つ。MirrorIDsは決定的なミラーIDの集合で重複を持たない。
type GenericPost struct {
	ID              string          `json:"id"`
	CreatedAtMs     int64           `json:"createdAtMs"`
	AuthorID        string          `json:"authorId"`
	OriginPlatform  PlatformID      `json:"originPlatform"`
	Content         []Segment       `json:"content"`
	Semantics       *Semantics      `json:"semantics,omitempty"`
	ParsingStatus   ParsingStatus   `json:"parsingStatus"`
	ReviewStatus    ReviewStatus    `json:"reviewStatus"`
	RepublishStatus RepublishStatus `json:"republishStatus"`
	MirrorIDs       []string        `json:"mirrorIds,omitempty"`
}

// AddMirror はミラーIDを追加する。既に含まれている場合は何もしない。
// 追加した場合はtrueを返す。
func (p *GenericPost) AddMirror(mirrorID string) bool {
	for _, id := range p.MirrorIDs {
		if id == mirrorID {
			return false
		}
	}
	p.MirrorIDs = append(p.MirrorIDs, mirrorID)
	return true
}

// RemoveMirror はミラーIDを取り除く。
func (p *GenericPost) RemoveMirror(mirrorID string) {
	kept := p.MirrorIDs[:0]
	for _, id := range p.MirrorIDs {
		if id != mirrorID {
			kept = append(kept, id)
		}
	}
	p.MirrorIDs = kept
}

// Text はスレッドの全セグメントを改行で連結した本文を返す。
func (p *GenericPost) Text() string {
	text := ""
	for i, seg := range p.Content {
		if i > 0 {
			text += "\n\n"
		}
		text += seg.Text
	}
	return text
}

// GenericPostFragment はアダプタが変換したGenericPostの部分データ。
// IDやステータスは永続化時に付与される。
type GenericPostFragment struct {
	AuthorID    string
	CreatedAtMs int64
	Content     []Segment
	// QuotedURLs はアダプタがメタデータから判明した引用/参照先のURL（未正規化）。
	QuotedURLs []string
	Semantics  *Semantics
}
