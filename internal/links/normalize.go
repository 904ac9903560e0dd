// Package links は参照URLの正規化とコンテンツアドレスによる重複排除を提供する。
package links

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// domainAliases は旧ドメインやサブドメインを正規ドメインへ書き換える。
var domainAliases = map[string]string{
	"twitter.com":        "x.com",
	"www.twitter.com":    "x.com",
	"mobile.twitter.com": "x.com",
	"m.twitter.com":      "x.com",
	"www.x.com":          "x.com",
	"www.bsky.app":       "bsky.app",
}

// trackingParams は除去対象のトラッキング用クエリパラメータ。
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"mc_cid":  {},
	"mc_eid":  {},
	"igshid":  {},
	"ref_src": {},
	"ref_url": {},
}

// knownPlatformDomains は内部クロスポストとして扱うプラットフォームのドメイン。
var knownPlatformDomains = map[string]struct{}{
	"x.com":           {},
	"twitter.com":     {},
	"bsky.app":        {},
	"mastodon.social": {},
	"orcid.org":       {},
}

// NormalizeURL はURLを正規形に変換する。
//   - スキームとホストを小文字化
//   - プラットフォームのドメインエイリアスを正規ドメインへ書き換え
//   - パス末尾のスラッシュを除去（パスのエスケープは維持）
//   - フラグメントを除去
//   - トラッキング用クエリパラメータを除去
//   - 残りのクエリパラメータをキー、値の順で辞書順に並べ替え
//
// クエリに';'区切りなどurl.ParseQueryが受け付けない部分がある場合はエラーを返す。
//
// 冪等: NormalizeURL(NormalizeURL(x)) == NormalizeURL(x)
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: scheme and host are required", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = canonicalHost(u.Host)
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	// エスケープ済みのパスで末尾を落とし、%2Fなどのエンコードを保つ
	escaped := strings.TrimRight(u.EscapedPath(), "/")
	path, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("invalid URL path %q: %w", raw, err)
	}
	u.Path = path
	u.RawPath = escaped

	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("invalid URL query %q: %w", raw, err)
	}
	u.RawQuery = canonicalQuery(values)
	u.ForceQuery = false

	return u.String(), nil
}

// canonicalHost はホストを小文字化し、エイリアスを解決する。ポートは維持する。
func canonicalHost(host string) string {
	host = strings.ToLower(host)
	name, port := host, ""
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.HasSuffix(host, "]") {
		name, port = host[:i], host[i:]
	}
	if alias, ok := domainAliases[name]; ok {
		return alias + port
	}
	return host
}

// canonicalQuery はトラッキング用パラメータを除いたクエリをソート済みで再構築する。
func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if isTrackingParam(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingParams[lower]
	return ok
}

// Hash は文字列のSHA-256ハッシュを16進数で返す。
// 時刻や乱数を含まないため、同じ入力は常に同じ値になる。
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// LinkID はURLを正規化した上でLinkのIDを計算する。
func LinkID(raw string) (string, error) {
	normalized, err := NormalizeURL(raw)
	if err != nil {
		return "", err
	}
	return Hash(normalized), nil
}

// IsKnownPlatformURL はURLのホストが既知プラットフォームのドメインかを判定する。
// パースできないURLはfalseを返す。
func IsKnownPlatformURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	_, ok := knownPlatformDomains[canonicalHost(u.Hostname())]
	return ok
}
