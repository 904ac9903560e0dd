package links

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// urlPattern は本文中のhttp/https URLを検出する。
// 末尾の句読点は後処理で除去する。
var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\x{3000}]+`)

// trailingPunctuation はURLの末尾から取り除く文字。
const trailingPunctuation = ".,;:!?)]}、。"

// URLMatch は本文中のURLとそのバイト位置。text[Start:End] == URL。
type URLMatch struct {
	URL   string
	Start int
	End   int
}

// FindURLs はプレーンテキスト中のURLを出現位置とともに出現順に返す。重複も含む。
func FindURLs(text string) []URLMatch {
	locs := urlPattern.FindAllStringIndex(text, -1)
	matches := make([]URLMatch, 0, len(locs))
	for _, loc := range locs {
		u := strings.TrimRight(text[loc[0]:loc[1]], trailingPunctuation)
		if u == "" {
			continue
		}
		matches = append(matches, URLMatch{URL: u, Start: loc[0], End: loc[0] + len(u)})
	}
	return matches
}

// ExtractURLs はプレーンテキストからURLを出現順に抽出する。重複は除く。
func ExtractURLs(text string) []string {
	matches := FindURLs(text)
	seen := make(map[string]bool, len(matches))
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m.URL] {
			continue
		}
		seen[m.URL] = true
		urls = append(urls, m.URL)
	}
	return urls
}

// ExtractHTMLLinks はHTML本文のaタグのhref属性を出現順に抽出する。重複は除く。
func ExtractHTMLLinks(body string) []string {
	tokenizer := html.NewTokenizer(strings.NewReader(body))
	seen := make(map[string]bool)
	var urls []string

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return urls
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data != "a" {
				continue
			}
			for _, attr := range token.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
					continue
				}
				if !seen[href] {
					seen[href] = true
					urls = append(urls, href)
				}
			}
		}
	}
}
