package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hitoshi/postsync/internal/links"
	"github.com/hitoshi/postsync/internal/model"
)

// Registry はプラットフォーム識別子からアダプタへの対応を保持する。
// 生成後は変更されないため、複数のゴルーチンから同時に使用できる。
type Registry struct {
	adapters map[model.PlatformID]Adapter
}

// NewRegistry はアダプタ群からRegistryを生成する。識別子が重複した場合はエラーを返す。
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	m := make(map[model.PlatformID]Adapter, len(adapters))
	for _, a := range adapters {
		if _, dup := m[a.ID()]; dup {
			return nil, fmt.Errorf("duplicate adapter for platform %s", a.ID())
		}
		m[a.ID()] = a
	}
	return &Registry{adapters: m}, nil
}

// Get は指定プラットフォームのアダプタを返す。
// 登録されていない場合はmodel.UnknownPlatformErrorを返す。
func (r *Registry) Get(platformID model.PlatformID) (Adapter, error) {
	a, ok := r.adapters[platformID]
	if !ok {
		return nil, &model.UnknownPlatformError{Platform: platformID}
	}
	return a, nil
}

// Platforms は登録済みのプラットフォーム識別子をソートして返す。
func (r *Registry) Platforms() []model.PlatformID {
	ids := make([]model.PlatformID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Fetch はアダプタのFetchを呼び出す。リトライは行わない。
func (r *Registry) Fetch(ctx context.Context, platformID model.PlatformID, accountID string, params FetchParams, creds *model.Credentials) ([]NativePost, error) {
	a, err := r.Get(platformID)
	if err != nil {
		return nil, err
	}
	posts, err := a.Fetch(ctx, accountID, params, creds)
	if err != nil {
		return nil, WrapError(platformID, "fetch", err)
	}
	return posts, nil
}

// Publish はアダプタのPublishを呼び出す。リトライは行わない。
func (r *Registry) Publish(ctx context.Context, draft *NativeDraft) (*model.Posted, error) {
	a, err := r.Get(draft.Platform)
	if err != nil {
		return nil, err
	}
	posted, err := a.Publish(ctx, draft)
	if err != nil {
		return nil, WrapError(draft.Platform, "publish", err)
	}
	return posted, nil
}

// GetProfile はアダプタのGetProfileを呼び出す。
func (r *Registry) GetProfile(ctx context.Context, platformID model.PlatformID, accountID string, creds *model.Credentials) (*Profile, error) {
	a, err := r.Get(platformID)
	if err != nil {
		return nil, err
	}
	profile, err := a.GetProfile(ctx, accountID, creds)
	if err != nil {
		return nil, WrapError(platformID, "get_profile", err)
	}
	return profile, nil
}

// ConvertFromGeneric はGenericPostを指定プラットフォームのネイティブ下書きに変換する。
func (r *Registry) ConvertFromGeneric(platformID model.PlatformID, post *model.GenericPost, target Account) (*NativeDraft, error) {
	a, err := r.Get(platformID)
	if err != nil {
		return nil, err
	}
	draft, err := a.ConvertFromGeneric(post, target)
	if err != nil {
		return nil, WrapError(platformID, "convert_from_generic", err)
	}
	return draft, nil
}

// ConvertToGeneric はネイティブ投稿をGenericPostの部分データに変換し、参照解決を行う。
// 本文中のURLおよびアダプタが検出した引用URLは正規化され、
// 本文中の出現箇所は正規URLに置き換えられ、Semantics.Refsに集約される。
func (r *Registry) ConvertToGeneric(native NativePost) (*model.GenericPostFragment, error) {
	a, err := r.Get(native.Platform)
	if err != nil {
		return nil, err
	}
	fragment, err := a.ConvertToGeneric(native)
	if err != nil {
		return nil, WrapError(native.Platform, "convert_to_generic", err)
	}
	ResolveReferences(fragment)
	return fragment, nil
}

// ResolveReferences は部分データ内の参照URLを正規化する。
// 正規化できないURLは本文に残したまま参照一覧からは除外する。
func ResolveReferences(fragment *model.GenericPostFragment) {
	var refs []string
	seen := make(map[string]bool)
	addRef := func(canonical string) {
		if !seen[canonical] {
			seen[canonical] = true
			refs = append(refs, canonical)
		}
	}

	for i, seg := range fragment.Content {
		// 出現位置ごとに置き換える。前方一致する別のURLを書き換えないため
		var b strings.Builder
		last := 0
		for _, m := range links.FindURLs(seg.Text) {
			canonical, err := links.NormalizeURL(m.URL)
			if err != nil {
				continue
			}
			b.WriteString(seg.Text[last:m.Start])
			b.WriteString(canonical)
			last = m.End
			addRef(canonical)
		}
		b.WriteString(seg.Text[last:])
		fragment.Content[i].Text = b.String()
	}

	for _, raw := range fragment.QuotedURLs {
		canonical, err := links.NormalizeURL(raw)
		if err != nil {
			continue
		}
		addRef(canonical)
	}

	if len(refs) == 0 {
		return
	}
	if fragment.Semantics == nil {
		fragment.Semantics = &model.Semantics{}
	}
	for _, existing := range fragment.Semantics.Refs {
		if canonical, err := links.NormalizeURL(existing); err == nil && !seen[canonical] {
			seen[canonical] = true
			refs = append(refs, canonical)
		}
	}
	fragment.Semantics.Refs = refs
}
