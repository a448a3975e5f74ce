package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/livecatch/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	AdminTokens map[string]string
	RateLimiter *middleware.RateLimiter

	// ヘルスチェックとメトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// Webhook
	Webhook *WebhookHandler

	// 管理API
	Jobs     *JobHandler
	EventSub *EventSubHandler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders
//	/api/* のみ: AdminAuth → RateLimit(General)
//
// Webhook受信口は署名で認証するため管理APIの認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	// --- 認証不要のルート ---
	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodPost, "/webhooks/eventsub", deps.Webhook)

	// --- 管理API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminTokens))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.With(deps.RateLimiter.DownloadMiddleware()).Post("/downloads/{broadcasterID}", deps.Jobs.StartDownload)
		r.Get("/jobs/{id}", deps.Jobs.GetJob)

		r.Route("/eventsub", func(r chi.Router) {
			r.Post("/subscriptions/sync", deps.EventSub.SyncFollowed)
			r.Get("/subscriptions", deps.EventSub.ListSubscriptions)
			r.Get("/costs", deps.EventSub.GetCosts)
		})
	})

	return r
}
