// Package handler はWebhook受信口と管理APIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/livecatch/internal/download"
	"github.com/hitoshi/livecatch/internal/job"
	"github.com/hitoshi/livecatch/internal/middleware"
	"github.com/hitoshi/livecatch/internal/model"
	"github.com/hitoshi/livecatch/internal/twitch"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var conflict *job.ConflictError
	if errors.As(err, &conflict) {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewJobConflictError(conflict.JobID))
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var upstreamErr *twitch.APIError
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(""))
		return
	case errors.Is(err, download.ErrChannelNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewChannelNotFoundError(""))
		return
	case errors.Is(err, download.ErrStreamOffline):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewStreamOfflineError(""))
		return
	case errors.As(err, &upstreamErr), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("upstream request failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFailedError(upstreamReason(err)))
		return
	}

	// 上記以外は内部サーバーエラーとして扱う
	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// upstreamReason は呼び出し元へ返してよい上流エラーの要約を返す。
func upstreamReason(err error) string {
	var upstreamErr *twitch.APIError
	if errors.As(err, &upstreamErr) {
		return http.StatusText(upstreamErr.StatusCode)
	}
	return "timeout"
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidSignature:
		return http.StatusForbidden
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeJobNotFound, model.ErrCodeChannelNotFound:
		return http.StatusNotFound
	case model.ErrCodeJobConflict, model.ErrCodeStreamOffline:
		return http.StatusConflict
	case model.ErrCodeUpstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
