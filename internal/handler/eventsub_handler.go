package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/livecatch/internal/middleware"
	"github.com/hitoshi/livecatch/internal/model"
	"github.com/hitoshi/livecatch/internal/subscription"
)

// SubscriptionService はEventSub管理ハンドラーが必要とするサービスインターフェース。
type SubscriptionService interface {
	// BulkSubscribeFollowed はフォロー中の全チャンネルに購読を作成する。
	BulkSubscribeFollowed(ctx context.Context) ([]subscription.ChannelResult, error)
	// GetSubscriptions はsubjectの購読一覧を返す。
	GetSubscriptions(ctx context.Context, subjectID string) (*subscription.SubscriptionList, error)
	// GetTotalCost は上流のコスト集計を返す。
	GetTotalCost(ctx context.Context) (*subscription.CostSummary, error)
}

// EventSubHandler はEventSub購読管理のHTTPハンドラー。
type EventSubHandler struct {
	service SubscriptionService
	logger  *slog.Logger
}

// NewEventSubHandler はEventSubHandlerを生成する。
func NewEventSubHandler(service SubscriptionService, logger *slog.Logger) *EventSubHandler {
	return &EventSubHandler{service: service, logger: logger}
}

type channelResultResponse struct {
	Channel string `json:"channel"`
	Online  string `json:"stream_online,omitempty"`
	Offline string `json:"stream_offline,omitempty"`
	Error   string `json:"error,omitempty"`
}

type syncResponse struct {
	Channels  []channelResultResponse `json:"channels"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
}

type subscriptionResponse struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	Version          string    `json:"version"`
	Status           string    `json:"status"`
	BroadcasterID    string    `json:"broadcaster_id"`
	BroadcasterLogin string    `json:"broadcaster_login,omitempty"`
	Cost             int       `json:"cost"`
	CreatedAt        time.Time `json:"created_at"`
}

type subscriptionListResponse struct {
	Subject       string                 `json:"subject"`
	Subscriptions []subscriptionResponse `json:"subscriptions"`
	FetchedAt     time.Time              `json:"fetched_at"`
	Cached        bool                   `json:"cached"`
	Message       string                 `json:"message,omitempty"`
}

type costResponse struct {
	Total        int    `json:"total"`
	TotalCost    int    `json:"total_cost"`
	MaxTotalCost int    `json:"max_total_cost"`
	Message      string `json:"message,omitempty"`
}

// SyncFollowed はフォロー中チャンネルへのstream.online/stream.offline購読を一括作成する。
// チャンネル単位の失敗はレスポンスに含め、ステータスは200のままとする。
// POST /api/eventsub/subscriptions/sync
func (h *EventSubHandler) SyncFollowed(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.BulkSubscribeFollowed(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := syncResponse{Channels: make([]channelResultResponse, 0, len(results))}
	for _, res := range results {
		resp.Channels = append(resp.Channels, channelResultResponse{
			Channel: res.Channel,
			Online:  res.Online,
			Offline: res.Offline,
			Error:   res.Error,
		})
		if res.Error != "" {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSubscriptions は購読一覧を返す。subjectを省略した場合は呼び出し元のユーザーIDを使う。
// GET /api/eventsub/subscriptions?subject=
func (h *EventSubHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subject := strings.TrimSpace(r.URL.Query().Get("subject"))
	if subject == "" {
		userID, err := middleware.UserIDFromContext(r.Context())
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		subject = userID
	}

	list, err := h.service.GetSubscriptions(r.Context(), subject)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := subscriptionListResponse{
		Subject:       subject,
		Subscriptions: make([]subscriptionResponse, 0, len(list.Subscriptions)),
		FetchedAt:     list.FetchedAt,
		Cached:        list.Cached,
		Message:       list.Message,
	}
	for _, s := range list.Subscriptions {
		resp.Subscriptions = append(resp.Subscriptions, subscriptionResponse{
			ID:               s.ID,
			Type:             s.Type,
			Version:          s.Version,
			Status:           s.Status,
			BroadcasterID:    s.BroadcasterID,
			BroadcasterLogin: s.BroadcasterLogin,
			Cost:             s.Cost,
			CreatedAt:        s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCosts は購読のコスト集計を返す。
// GET /api/eventsub/costs
func (h *EventSubHandler) GetCosts(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetTotalCost(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if summary == nil {
		writeJSON(w, http.StatusOK, costResponse{Message: subscription.NoSubscriptionsMessage})
		return
	}
	writeJSON(w, http.StatusOK, costResponse{
		Total:        summary.Total,
		TotalCost:    summary.TotalCost,
		MaxTotalCost: summary.MaxTotalCost,
	})
}
