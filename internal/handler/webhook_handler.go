package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/livecatch/internal/eventsub"
	"github.com/hitoshi/livecatch/internal/middleware"
	"github.com/hitoshi/livecatch/internal/model"
)

// maxWebhookBodyBytes はWebhookリクエストボディの上限。
const maxWebhookBodyBytes = 1 << 20

// SignatureVerifier はWebhookの署名を検証する。
type SignatureVerifier interface {
	Verify(h eventsub.MessageHeaders, body []byte) error
}

// NotificationRouter は検証済みNotificationを振り分ける。
type NotificationRouter interface {
	Route(ctx context.Context, n *model.Notification) eventsub.Response
}

// WebhookMetrics はWebhook受信口が記録するメトリクス。
type WebhookMetrics interface {
	RecordSignatureFailure(reason string)
}

// WebhookHandler はEventSubのWebhookを受け付けるHTTPハンドラー。
type WebhookHandler struct {
	verifier SignatureVerifier
	router   NotificationRouter
	metrics  WebhookMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewWebhookHandler はWebhookHandlerを生成する。metricsはnilでもよい。
func NewWebhookHandler(verifier SignatureVerifier, router NotificationRouter, metrics WebhookMetrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier: verifier,
		router:   router,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// ServeHTTP は署名検証、メッセージ解析、ルーティングの順に処理する。
// POST /webhooks/eventsub
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ボディを読み取れません"))
		return
	}

	headers := eventsub.HeadersFrom(r.Header.Get)
	if err := h.verifier.Verify(headers, body); err != nil {
		reason := signatureFailureReason(err)
		h.logger.Warn("webhook signature rejected",
			slog.String("message_id", headers.MessageID),
			slog.String("reason", reason),
		)
		if h.metrics != nil {
			h.metrics.RecordSignatureFailure(reason)
		}
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewInvalidSignatureError())
		return
	}

	n, err := eventsub.ParseNotification(headers, body, h.now())
	if err != nil {
		if errors.Is(err, eventsub.ErrMalformedMessage) {
			h.logger.Warn("malformed webhook message",
				slog.String("message_id", headers.MessageID),
				slog.String("error", err.Error()),
			)
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("メッセージ形式が不正です"))
			return
		}
		h.logger.Error("failed to parse webhook message", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	resp := h.router.Route(r.Context(), n)
	if resp.Body != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(resp.StatusCode)
		io.WriteString(w, resp.Body)
		return
	}
	w.WriteHeader(resp.StatusCode)
}

// signatureFailureReason はメトリクスとログに記録する拒否理由を返す。
func signatureFailureReason(err error) string {
	switch {
	case errors.Is(err, eventsub.ErrMissingHeaders):
		return "missing_headers"
	case errors.Is(err, eventsub.ErrStaleMessage):
		return "stale"
	default:
		return "mismatch"
	}
}
