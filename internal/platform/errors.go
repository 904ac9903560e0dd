package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/postsync/internal/model"
)

// StatusError はプラットフォームAPIが返した異常なHTTPステータスを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.StatusCode, e.Body)
}

// maxErrorBody はエラーメッセージに含めるレスポンスボディの上限。
const maxErrorBody = 512

// CheckResponse はレスポンスが2xxでない場合にStatusErrorを返す。
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// ClassifyStatus はHTTPステータスコードをアダプタエラーの分類に変換する。
func ClassifyStatus(statusCode int) model.AdapterErrorKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return model.AdapterErrorRateLimited
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return model.AdapterErrorUnauthorized
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return model.AdapterErrorNotFound
	case statusCode >= 500:
		return model.AdapterErrorUnavailable
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return model.AdapterErrorMalformed
	default:
		return model.AdapterErrorUnknown
	}
}

// MalformedError はレスポンスやネイティブ投稿の形式不正を表す。
type MalformedError struct {
	Reason string
	Cause  error
}

func (e *MalformedError) Error() string {
	if e.Cause == nil {
		return "malformed payload: " + e.Reason
	}
	return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Cause)
}

func (e *MalformedError) Unwrap() error { return e.Cause }

// WrapError はアダプタのエラーをPlatformAdapterErrorで包む。
// 既にPlatformAdapterErrorやレジストリ由来のエラーであればそのまま返す。
func WrapError(platform model.PlatformID, op string, err error) error {
	if err == nil {
		return nil
	}
	var adapterErr *model.PlatformAdapterError
	if errors.As(err, &adapterErr) {
		return err
	}
	return &model.PlatformAdapterError{
		Platform: platform,
		Op:       op,
		Kind:     kindOf(err),
		Cause:    err,
	}
}

// KindOf はエラーからアダプタエラーの分類を取り出す。
func KindOf(err error) model.AdapterErrorKind {
	var adapterErr *model.PlatformAdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Kind
	}
	return kindOf(err)
}

func kindOf(err error) model.AdapterErrorKind {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return ClassifyStatus(statusErr.StatusCode)
	}
	var malformed *MalformedError
	if errors.As(err, &malformed) {
		return model.AdapterErrorMalformed
	}
	// コンテキストのキャンセルは呼び出し側の都合でありリトライ対象ではない
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.AdapterErrorUnknown
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return model.AdapterErrorUnavailable
	}
	return model.AdapterErrorUnknown
}
