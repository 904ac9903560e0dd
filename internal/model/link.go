package model

// Link は参照されたURLの正規化済みレコード。
// IDは正規化URLのコンテンツハッシュ。
type Link struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// Internal はURLが既知プラットフォームの投稿を指す場合にtrue。
	Internal    bool  `json:"internal"`
	CreatedAtMs int64 `json:"createdAtMs"`
}

// RefPost はLinkを参照している投稿の記録。IDは投稿ID。
// (linkId, postId)ごとに最大1件。
type RefPost struct {
	ID              string `json:"id"`
	PostCreatedAtMs int64  `json:"postCreatedAtMs"`
	AuthorProfileID string `json:"authorProfileId,omitempty"`
}
