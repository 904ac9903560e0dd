// Package security は外部コンテンツを取り込む際の防御機能を提供する。
//
// TextExtractor はMastodonやRSSが返すHTML本文からタグを取り除き、
// プレーンテキストのセグメントに変換する。
// SSRFGuard は利用者が登録したURL（RSSフィードやMastodonサーバー）への
// リクエストが内部ネットワークに向かわないことを保証する。
package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextExtractor はHTMLからプレーンテキストを取り出すインターフェース。
type TextExtractor interface {
	// PlainText はHTMLを全タグ除去済みのテキストに変換する。
	// 段落と改行タグは改行として残す。空文字列の入力には空文字列を返す。
	PlainText(rawHTML string) string
}

var (
	// blockBoundary は改行として扱う要素境界。
	blockBoundary = regexp.MustCompile(`(?i)<br\s*/?>|</p\s*>|</li\s*>|</blockquote\s*>`)
	// excessNewlines は3つ以上連続する改行。
	excessNewlines = regexp.MustCompile(`\n{3,}`)
)

// textExtractor はTextExtractorの実装。
type textExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorの新しいインスタンスを生成する。
// bluemondayのStrictPolicyで全要素を除去する。script/styleの中身も残らない。
func NewTextExtractor() *textExtractor {
	return &textExtractor{policy: bluemonday.StrictPolicy()}
}

// PlainText はHTMLを全タグ除去済みのテキストに変換する。
func (e *textExtractor) PlainText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	withBreaks := blockBoundary.ReplaceAllString(rawHTML, "\n$0")
	stripped := e.policy.Sanitize(withBreaks)
	// StrictPolicyはエンティティをエスケープしたまま返す
	text := html.UnescapeString(stripped)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
