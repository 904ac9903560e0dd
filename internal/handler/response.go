// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/postsync/internal/middleware"
	"github.com/hitoshi/postsync/internal/model"
)

// maxRequestBody はリクエストボディの上限サイズ。
const maxRequestBody = 1 << 20

// errorBody はバッチ系レスポンスで項目ごとに返すエラー。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをデコードする。
// allowEmptyがtrueの場合、空のボディはゼロ値として扱う。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     model.ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
	return false
}

// writeInvalidRequest はバリデーションエラーを400で書き込む。
func writeInvalidRequest(w http.ResponseWriter, reason string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
}

// toErrorBody は項目ごとのエラーをレスポンス用に変換する。nilの場合はnilを返す。
func toErrorBody(err error) *errorBody {
	if err == nil {
		return nil
	}
	if apiErr := model.ToAPIError(err); apiErr != nil {
		return &errorBody{Code: apiErr.Code, Message: apiErr.Message}
	}
	return &errorBody{Code: "INTERNAL_ERROR", Message: "内部エラーが発生しました。"}
}
