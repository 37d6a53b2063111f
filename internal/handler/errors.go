// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/gigwrld/internal/identity"
	"github.com/hitoshi/gigwrld/internal/middleware"
	"github.com/hitoshi/gigwrld/internal/model"
)

// maxRequestBodySize はリクエストボディの最大サイズ。
const maxRequestBodySize = 1 << 20

// writeJSON はvをJSONとして書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをdstにデコードする。
// 失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("malformed JSON body"))
		return false
	}
	return true
}

// handleServiceError は下位層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case model.ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidRequest, model.ErrCodePasswordMismatch,
		model.ErrCodePasswordTooShort, model.ErrCodeEmailRequired:
		return http.StatusBadRequest
	case model.ErrCodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeBackendError:
		return http.StatusBadGateway
	case model.ErrCodeProfileCreateFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// providerAPIError はプロバイダーのエラーを表示用のエラーに変換する。
func providerAPIError(err error) *model.APIError {
	var perr *identity.ProviderError
	if errors.As(err, &perr) && perr.IsClientError() {
		return model.NewAuthFailedError(perr.Message)
	}
	return model.NewProviderUnavailableError()
}
